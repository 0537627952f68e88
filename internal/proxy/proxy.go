// Package proxy implements the DIMSE service handlers of the public
// listener: every verb accepted from a client is relayed to the configured
// upstream archive with shielded datasets in both directions.
package proxy

import (
	"context"
	"strings"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/services"
	"github.com/caio-sobreiro/dicomnet/types"
	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomshield/internal/config"
	"github.com/otcheredev/dicomshield/internal/metrics"
	"github.com/otcheredev/dicomshield/internal/relay"
)

// DIMSE statuses beyond the ones the wire library names.
const (
	// StatusIdentifierViolation rejects requests whose identifier cannot
	// be routed (missing QueryRetrieveLevel, unknown move destination).
	// Nothing reaches the upstream in that case.
	StatusIdentifierViolation = 0xA900

	// StatusUnableToProcess covers upstream association or relay failures.
	StatusUnableToProcess = 0xC000
)

// Session is one open upstream association, as consumed by the handlers.
type Session interface {
	Echo(ctx context.Context) (uint16, error)
	Find(ctx context.Context, modelUID string, identifier *dicom.Dataset, fn func(status uint16, ds *dicom.Dataset) error) (uint16, error)
	Move(ctx context.Context, modelUID, destination string, identifier *dicom.Dataset) (*types.Message, error)
	Get(ctx context.Context, modelUID string, identifier *dicom.Dataset, onStore func(ev *relay.StoreEvent) uint16) (*types.Message, error)
	Store(ctx context.Context, sopClassUID, sopInstanceUID string, data []byte) (uint16, error)
	Release() error
}

// Dialer opens upstream and destination associations.
type Dialer interface {
	AssociateForQuery(ctx context.Context, action relay.Action, level string) (Session, string, error)
	AssociateStore(ctx context.Context, sopClassUID, transferSyntax string) (Session, error)
	AssociateDestination(ctx context.Context, dest config.Destination, calledAET string, sopClassUIDs []string, transferSyntax string) (Session, error)
}

// Transformer is the dataset shield applied per traversal direction.
type Transformer interface {
	Query(ctx context.Context, ds *dicom.Dataset) *dicom.Dataset
	Retrieve(ctx context.Context, ds *dicom.Dataset) *dicom.Dataset
	Store(ctx context.Context, ds *dicom.Dataset) *dicom.Dataset
}

// Proxy is the handler behind the public DICOM listener.
type Proxy struct {
	cfg     *config.Config
	dialer  Dialer
	shield  Transformer
	sink    *relay.Sink
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New wires the proxy handler.
func New(cfg *config.Config, dialer Dialer, shield Transformer, sink *relay.Sink, m *metrics.Metrics, logger zerolog.Logger) *Proxy {
	return &Proxy{
		cfg:     cfg,
		dialer:  dialer,
		shield:  shield,
		sink:    sink,
		metrics: m,
		logger:  logger,
	}
}

// HandleDIMSE serves the single-response verbs.
func (p *Proxy) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	switch msg.CommandField {
	case types.CEchoRQ:
		return p.handleEcho(msg), nil, nil
	case types.CStoreRQ:
		return p.handleStore(ctx, msg, data, meta), nil, nil
	default:
		p.logger.Warn().Uint16("command_field", msg.CommandField).Msg("Unsupported DIMSE command")
		return services.CreateErrorResponse(msg, StatusUnableToProcess), nil, nil
	}
}

// HandleDIMSEStreaming serves the multi-response verbs; the rest falls
// through to HandleDIMSE.
func (p *Proxy) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	switch msg.CommandField {
	case types.CFindRQ:
		return p.handleFind(ctx, msg, data, meta, responder)
	case types.CMoveRQ:
		return p.handleMove(ctx, msg, data, meta, responder)
	case types.CGetRQ:
		return p.handleGet(ctx, msg, data, meta, responder)
	default:
		rsp, ds, err := p.HandleDIMSE(ctx, msg, data, meta)
		if err != nil {
			return err
		}
		return responder.SendResponse(rsp, ds, responseTransferSyntax(meta))
	}
}

// parseIdentifier decodes an incoming identifier dataset using the
// transfer syntax negotiated for the presentation context it arrived on.
func parseIdentifier(data []byte, meta interfaces.MessageContext) (*dicom.Dataset, error) {
	if meta.Dataset != nil {
		return meta.Dataset, nil
	}
	payload := data
	if dicom.HasPart10Header(payload) {
		stripped, err := dicom.StripPart10Header(payload)
		if err != nil {
			return nil, err
		}
		payload = stripped
	}
	return dicom.ParseDatasetWithTransferSyntax(payload, meta.TransferSyntaxUID)
}

// responseTransferSyntax picks the transfer syntax responses go back in:
// the one negotiated for the request's presentation context.
func responseTransferSyntax(meta interfaces.MessageContext) string {
	if meta.TransferSyntaxUID != "" {
		return meta.TransferSyntaxUID
	}
	return dicom.TransferSyntaxExplicitVRLittleEndian
}

// queryLevel pulls and validates the QueryRetrieveLevel from an identifier.
func queryLevel(ds *dicom.Dataset) (string, error) {
	level, err := relay.QueryLevel(ds)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(level), nil
}
