package proxy

import (
	"context"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/services"
	"github.com/caio-sobreiro/dicomnet/types"

	"github.com/otcheredev/dicomshield/internal/metrics"
	"github.com/otcheredev/dicomshield/internal/relay"
)

// handleFind relays a C-FIND: the identifier goes upstream with pseudonyms
// translated back to real identifiers, every match comes back with real
// identifiers replaced by pseudonyms.
func (p *Proxy) handleFind(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	ts := responseTransferSyntax(meta)

	identifier, err := parseIdentifier(data, meta)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to parse C-FIND identifier")
		p.metrics.ObserveRequest("C-FIND", metrics.OutcomeFailure)
		return responder.SendResponse(services.NewCFindErrorResponse(msg, StatusUnableToProcess), nil, ts)
	}

	level, err := queryLevel(identifier)
	if err != nil {
		p.logger.Warn().Msg("Rejecting C-FIND without QueryRetrieveLevel")
		p.metrics.ObserveRequest("C-FIND", metrics.OutcomeRejected)
		return responder.SendResponse(services.NewCFindErrorResponse(msg, StatusIdentifierViolation), nil, ts)
	}

	shielded := p.shield.Query(ctx, identifier)

	sess, model, err := p.dialer.AssociateForQuery(ctx, relay.ActionFind, level)
	if err != nil {
		p.logger.Error().Err(err).Str("level", level).Msg("Upstream association for C-FIND failed")
		p.metrics.ObserveRequest("C-FIND", metrics.OutcomeFailure)
		return responder.SendResponse(services.NewCFindErrorResponse(msg, StatusUnableToProcess), nil, ts)
	}
	defer sess.Release()

	matches := 0
	final, err := sess.Find(ctx, model, shielded, func(status uint16, ds *dicom.Dataset) error {
		if status != types.StatusPending || ds == nil {
			return nil
		}
		matches++
		p.metrics.RelayedDatasets.Inc()
		return responder.SendResponse(services.NewCFindPendingResponse(msg), p.shield.Retrieve(ctx, ds), ts)
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("C-FIND relay failed")
		p.metrics.ObserveRequest("C-FIND", metrics.OutcomeFailure)
		return responder.SendResponse(services.NewCFindErrorResponse(msg, StatusUnableToProcess), nil, ts)
	}

	p.logger.Info().
		Str("level", level).
		Int("matches", matches).
		Uint16("status", final).
		Msg("C-FIND relayed")

	if final == types.StatusSuccess {
		p.metrics.ObserveRequest("C-FIND", metrics.OutcomeSuccess)
		return responder.SendResponse(services.NewCFindSuccessResponse(msg), nil, ts)
	}
	p.metrics.ObserveRequest("C-FIND", metrics.OutcomeFailure)
	return responder.SendResponse(services.NewCFindErrorResponse(msg, final), nil, ts)
}
