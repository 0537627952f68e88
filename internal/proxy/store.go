package proxy

import (
	"context"

	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/services"
	"github.com/caio-sobreiro/dicomnet/types"

	"github.com/otcheredev/dicomshield/internal/metrics"
)

// handleStore relays a client C-STORE to the upstream. The store direction
// is a pass-through: clients are expected to send de-identified data, so
// the dataset bytes go upstream untouched and the upstream's status comes
// back verbatim.
func (p *Proxy) handleStore(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) *types.Message {
	sess, err := p.dialer.AssociateStore(ctx, msg.AffectedSOPClassUID, meta.TransferSyntaxUID)
	if err != nil {
		p.logger.Error().Err(err).
			Str("sop_class_uid", msg.AffectedSOPClassUID).
			Msg("Upstream association for C-STORE failed")
		p.metrics.ObserveRequest("C-STORE", metrics.OutcomeFailure)
		return services.NewCStoreResponse(msg, StatusUnableToProcess)
	}
	defer sess.Release()

	status, err := sess.Store(ctx, msg.AffectedSOPClassUID, msg.AffectedSOPInstanceUID, data)
	if err != nil {
		p.logger.Error().Err(err).
			Str("sop_instance_uid", msg.AffectedSOPInstanceUID).
			Msg("Upstream C-STORE failed")
		p.metrics.ObserveRequest("C-STORE", metrics.OutcomeFailure)
		return services.NewCStoreResponse(msg, StatusUnableToProcess)
	}

	outcome := metrics.OutcomeSuccess
	if status != types.StatusSuccess {
		outcome = metrics.OutcomeFailure
	}
	p.metrics.ObserveRequest("C-STORE", outcome)
	p.logger.Info().
		Str("sop_instance_uid", msg.AffectedSOPInstanceUID).
		Uint16("status", status).
		Msg("C-STORE relayed")
	return services.NewCStoreResponse(msg, status)
}
