// Package pseudonym talks to the external pseudonymization service over its
// FHIR Parameters operations. Two service variants are supported: gPAS and
// the MII pseudonymization service; they differ only in endpoint names and
// in how creation-if-missing is requested.
package pseudonym

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomshield/internal/config"
)

const contentTypeFHIRXML = "application/fhir+xml"

// ErrUnknownClientType is returned by New for an unsupported CLIENT_TYPE.
var ErrUnknownClientType = fmt.Errorf("unsupported pseudonymization CLIENT_TYPE")

// Client is the batch pseudonym lookup interface the shield consumes.
//
// Both methods take {attribute name -> value} and return a mapping keyed by
// the values: Pseudonymize returns {original -> pseudonym}, Depseudonymize
// returns {pseudonym -> original}. Values absent from the result map had no
// mapping on the server. The empty input maps to the empty output without
// any HTTP traffic.
type Client interface {
	Pseudonymize(ctx context.Context, values map[string]string) (map[string]string, error)
	Depseudonymize(ctx context.Context, values map[string]string) (map[string]string, error)
	Probe(ctx context.Context) error
}

// New builds the client variant selected by the configuration.
func New(cfg config.PseudonymServer, timeout time.Duration, logger zerolog.Logger, duration prometheus.ObserverVec) (Client, error) {
	core := &core{
		baseURL:  cfg.EndpointURL,
		domain:   cfg.Domain,
		user:     cfg.User,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
		duration: duration,
	}
	switch cfg.ClientType {
	case config.ClientTypeGPAS:
		return &GPASClient{core: core}, nil
	case config.ClientTypeMII:
		return &MIIClient{core: core}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownClientType, cfg.ClientType)
	}
}

// core implements the HTTP/FHIR mechanics shared by both variants.
type core struct {
	baseURL  string
	domain   string
	user     string
	password string
	http     *http.Client
	logger   zerolog.Logger
	duration prometheus.ObserverVec
}

// Probe issues the FHIR metadata request; a non-2xx answer means the
// service is unusable and startup must fail.
func (c *core) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metadata", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pseudonym service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pseudonym service metadata probe returned %s", resp.Status)
	}
	return nil
}

// operate posts one batch operation and returns the extracted value pairs.
// The caller decides the direction of the returned map.
func (c *core) operate(ctx context.Context, endpoint, role string, allowCreate bool, values map[string]string) ([]mapping, error) {
	if len(values) == 0 {
		return nil, nil
	}

	batch := make([]string, 0, len(values))
	for _, v := range values {
		batch = append(batch, v)
	}

	body, err := xml.Marshal(newRequest(c.domain, role, allowCreate, batch))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", endpoint, err)
	}

	start := time.Now()
	defer func() {
		if c.duration != nil {
			c.duration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}()

	url := c.baseURL + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeFHIRXML)
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s returned %s", endpoint, resp.Status)
	}

	var parsed parameters
	if err := xml.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}

	pairs := parsed.mappings()
	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("requested", len(batch)).
		Int("mapped", len(pairs)).
		Msg("Pseudonym batch completed")
	return pairs, nil
}

func (c *core) authorize(req *http.Request) {
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
}
