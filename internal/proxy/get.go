package proxy

import (
	"context"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/types"

	"github.com/otcheredev/dicomshield/internal/metrics"
	"github.com/otcheredev/dicomshield/internal/relay"
	"github.com/otcheredev/dicomshield/internal/shield"
)

// handleGet relays a C-GET. Sub-operation C-STOREs arrive on the upstream
// association (negotiated with the storage SCP role there), are shielded
// inline and re-emitted to the client on its own association. The sink is
// claimed for the duration so a C-GET never overlaps another retrieval.
func (p *Proxy) handleGet(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	ts := responseTransferSyntax(meta)

	cget, ok := responder.(interfaces.CGetResponder)
	if !ok {
		p.logger.Error().Msg("Listener cannot carry C-GET sub-operations")
		p.metrics.ObserveRequest("C-GET", metrics.OutcomeFailure)
		return responder.SendResponse(newGetResponse(msg, StatusUnableToProcess, 0, 0, 0, 0), nil, ts)
	}

	identifier, err := parseIdentifier(data, meta)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to parse C-GET identifier")
		p.metrics.ObserveRequest("C-GET", metrics.OutcomeFailure)
		return responder.SendResponse(newGetResponse(msg, StatusUnableToProcess, 0, 0, 0, 0), nil, ts)
	}

	level, err := queryLevel(identifier)
	if err != nil {
		p.logger.Warn().Msg("Rejecting C-GET without QueryRetrieveLevel")
		p.metrics.ObserveRequest("C-GET", metrics.OutcomeRejected)
		return responder.SendResponse(newGetResponse(msg, StatusIdentifierViolation, 0, 0, 0, 0), nil, ts)
	}

	claim, err := p.sink.Claim(ctx)
	if err != nil {
		p.metrics.ObserveRequest("C-GET", metrics.OutcomeFailure)
		return responder.SendResponse(newGetResponse(msg, StatusUnableToProcess, 0, 0, 0, 0), nil, ts)
	}
	defer claim.Release()

	shielded := p.shield.Query(ctx, identifier)

	sess, model, err := p.dialer.AssociateForQuery(ctx, relay.ActionGet, level)
	if err != nil {
		p.logger.Error().Err(err).Str("level", level).Msg("Upstream association for C-GET failed")
		p.metrics.ObserveRequest("C-GET", metrics.OutcomeFailure)
		return responder.SendResponse(newGetResponse(msg, StatusUnableToProcess, 0, 0, 0, 0), nil, ts)
	}
	defer sess.Release()

	var completed, failed, warning uint16

	final, err := sess.Get(ctx, model, shielded, func(ev *relay.StoreEvent) uint16 {
		status := p.relayGetStore(ctx, cget, ev)
		if status == types.StatusSuccess {
			completed++
			p.metrics.RelayedDatasets.Inc()
		} else {
			failed++
		}
		if sendErr := responder.SendResponse(newGetResponse(msg, types.StatusPending, completed, failed, warning, 0), nil, ts); sendErr != nil {
			p.logger.Warn().Err(sendErr).Msg("Failed to send C-GET pending response")
		}
		return status
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("Upstream C-GET failed")
		p.metrics.ObserveRequest("C-GET", metrics.OutcomeFailure)
		return responder.SendResponse(newGetResponse(msg, StatusUnableToProcess, completed, failed, warning, 0), nil, ts)
	}

	if final.NumberOfWarningSuboperations != nil {
		warning += *final.NumberOfWarningSuboperations
	}

	p.logger.Info().
		Str("level", level).
		Str("claim_id", claim.ID.String()).
		Uint16("completed", completed).
		Uint16("failed", failed).
		Uint16("upstream_status", final.Status).
		Msg("C-GET relayed")

	outcome := metrics.OutcomeSuccess
	if final.Status != types.StatusSuccess {
		outcome = metrics.OutcomeFailure
	}
	p.metrics.ObserveRequest("C-GET", outcome)
	return responder.SendResponse(newGetResponse(msg, final.Status, completed, failed, warning, 0), nil, ts)
}

// relayGetStore shields one sub-operation dataset and re-emits it to the
// client. The returned status also answers the upstream's C-STORE.
func (p *Proxy) relayGetStore(ctx context.Context, cget interfaces.CGetResponder, ev *relay.StoreEvent) uint16 {
	payload := ev.Data
	if dicom.HasPart10Header(payload) {
		stripped, err := dicom.StripPart10Header(payload)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to strip file meta from sub-operation dataset")
			return StatusUnableToProcess
		}
		payload = stripped
	}

	var (
		ds  *dicom.Dataset
		err error
	)
	if ev.TransferSyntax != "" {
		ds, err = dicom.ParseDatasetWithTransferSyntax(payload, ev.TransferSyntax)
	} else {
		ds, err = dicom.ParseDataset(payload)
	}
	if err != nil {
		p.logger.Error().Err(err).Str("sop_instance_uid", ev.SOPInstanceUID).Msg("Failed to parse sub-operation dataset")
		return StatusUnableToProcess
	}

	out := p.shield.Retrieve(ctx, ds)
	sopInstanceUID := out.GetString(shield.SOPInstanceUIDTag)
	if sopInstanceUID == "" {
		sopInstanceUID = ev.SOPInstanceUID
	}

	encoded, err := dicom.EncodeDatasetWithTransferSyntax(out, ev.TransferSyntax)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode shielded dataset")
		return StatusUnableToProcess
	}

	if err := cget.SendCStore(ev.SOPClassUID, sopInstanceUID, encoded); err != nil {
		p.logger.Error().Err(err).Str("sop_instance_uid", sopInstanceUID).Msg("C-STORE to client failed")
		return StatusUnableToProcess
	}
	return types.StatusSuccess
}

// newGetResponse builds a C-GET-RSP with sub-operation counters; the wire
// library has no builder for this verb.
func newGetResponse(msg *types.Message, status, completed, failed, warning, remaining uint16) *types.Message {
	rsp := &types.Message{
		CommandField:              types.CGetRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		CommandDataSetType:        0x0101,
		Status:                    status,
	}
	rsp.NumberOfCompletedSuboperations = &completed
	rsp.NumberOfFailedSuboperations = &failed
	rsp.NumberOfWarningSuboperations = &warning
	if status == types.StatusPending {
		rsp.NumberOfRemainingSuboperations = &remaining
	}
	return rsp
}
