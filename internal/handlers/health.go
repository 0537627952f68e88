package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Probe is one dependency check exposed through the health endpoint.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// HealthHandler serves /health and /ready on the admin listener.
type HealthHandler struct {
	probes  []Probe
	timeout time.Duration
}

// NewHealthHandler builds the handler over the given dependency probes.
func NewHealthHandler(timeout time.Duration, probes ...Probe) *HealthHandler {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{probes: probes, timeout: timeout}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// Health runs every probe and reports per-dependency status.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	for _, probe := range h.probes {
		if err := probe.Check(ctx); err != nil {
			response.Services[probe.Name()] = "unhealthy: " + err.Error()
			response.Status = "degraded"
		} else {
			response.Services[probe.Name()] = "healthy"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// Ready answers OK once the process is serving; dependency state is left to
// /health so a flapping upstream does not bounce the proxy out of rotation.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
