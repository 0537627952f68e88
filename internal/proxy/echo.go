package proxy

import (
	"github.com/caio-sobreiro/dicomnet/services"
	"github.com/caio-sobreiro/dicomnet/types"

	"github.com/otcheredev/dicomshield/internal/metrics"
)

// handleEcho answers verification locally. The proxy is the peer the
// client verified, so a C-ECHO succeeds without an upstream round-trip;
// upstream reachability is covered by the boot probe and the health
// endpoint instead.
func (p *Proxy) handleEcho(msg *types.Message) *types.Message {
	p.metrics.ObserveRequest("C-ECHO", metrics.OutcomeSuccess)
	return services.NewCEchoResponse(msg, types.StatusSuccess)
}
