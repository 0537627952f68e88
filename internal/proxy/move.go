package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/services"
	"github.com/caio-sobreiro/dicomnet/types"

	"github.com/otcheredev/dicomshield/internal/config"
	"github.com/otcheredev/dicomshield/internal/metrics"
	"github.com/otcheredev/dicomshield/internal/relay"
)

// drainGrace bounds how long the drain loop waits for stragglers after the
// upstream reported its final C-MOVE status without usable sub-operation
// counters.
const drainGrace = 3 * time.Second

// handleMove relays a C-MOVE through the store-and-forward indirection:
// the upstream is told to move to the proxy's internal receiver, every
// arriving dataset is shielded there and queued, and this handler drains
// the queue toward the destination the client actually named.
func (p *Proxy) handleMove(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	ts := responseTransferSyntax(meta)

	identifier, err := parseIdentifier(data, meta)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to parse C-MOVE identifier")
		p.metrics.ObserveRequest("C-MOVE", metrics.OutcomeFailure)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, StatusUnableToProcess), nil, ts)
	}

	level, err := queryLevel(identifier)
	if err != nil {
		p.logger.Warn().Msg("Rejecting C-MOVE without QueryRetrieveLevel")
		p.metrics.ObserveRequest("C-MOVE", metrics.OutcomeRejected)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, StatusIdentifierViolation), nil, ts)
	}

	// The destination must be known before anything is sent upstream.
	dest, err := p.cfg.ResolveMoveDestination(msg.MoveDestination)
	if err != nil {
		p.logger.Warn().
			Str("move_destination", msg.MoveDestination).
			Msg("Rejecting C-MOVE to unknown destination")
		p.metrics.ObserveRequest("C-MOVE", metrics.OutcomeRejected)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, StatusIdentifierViolation), nil, ts)
	}

	claim, err := p.sink.Claim(ctx)
	if err != nil {
		p.metrics.ObserveRequest("C-MOVE", metrics.OutcomeFailure)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, StatusUnableToProcess), nil, ts)
	}
	defer claim.Release()

	shielded := p.shield.Query(ctx, identifier)

	sess, model, err := p.dialer.AssociateForQuery(ctx, relay.ActionMove, level)
	if err != nil {
		p.logger.Error().Err(err).Str("level", level).Msg("Upstream association for C-MOVE failed")
		p.metrics.ObserveRequest("C-MOVE", metrics.OutcomeFailure)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, StatusUnableToProcess), nil, ts)
	}
	defer sess.Release()

	// The upstream moves to the internal receiver; datasets show up on the
	// claim's queue while the conversation below is still pending.
	type moveResult struct {
		final *types.Message
		err   error
	}
	moveCh := make(chan moveResult, 1)
	go func() {
		final, moveErr := sess.Move(ctx, model, p.cfg.CStoreEndpoint.AET, shielded)
		moveCh <- moveResult{final: final, err: moveErr}
	}()

	items := make(chan *relay.Item)
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go func() {
		defer close(items)
		for {
			item, getErr := claim.Queue.Get(pumpCtx)
			if getErr != nil {
				return
			}
			select {
			case items <- item:
				p.metrics.QueueDepth.Set(float64(claim.Queue.Size()))
			case <-pumpCtx.Done():
				return
			}
		}
	}()

	var (
		dst       Session
		completed uint16
		failed    uint16
		warning   uint16
		expected  = -1
		upstream  moveResult
		moveDone  bool
	)
	defer func() {
		if dst != nil {
			dst.Release()
		}
	}()

	// A failed pending send means the client association is gone: the
	// drain stops and the deferred releases discard whatever is queued.
	forward := func(item *relay.Item) error {
		status, fwdErr := p.forwardItem(ctx, &dst, dest, msg.MoveDestination, item)
		if fwdErr != nil || status != types.StatusSuccess {
			p.logger.Error().Err(fwdErr).
				Uint16("status", status).
				Str("sop_instance_uid", item.SOPInstanceUID).
				Str("claim_id", claim.ID.String()).
				Msg("Forwarding to destination failed")
			failed++
		} else {
			completed++
			p.metrics.RelayedDatasets.Inc()
		}

		remaining := uint16(0)
		if expected > int(completed+failed) {
			remaining = uint16(expected - int(completed+failed))
		}
		return responder.SendResponse(services.NewCMovePendingResponse(msg, completed, failed, warning, remaining), nil, ts)
	}

	abort := func(sendErr error) error {
		p.logger.Warn().Err(sendErr).
			Str("claim_id", claim.ID.String()).
			Msg("Client association lost, discarding retrieval")
		p.metrics.ObserveRequest("C-MOVE", metrics.OutcomeFailure)
		return sendErr
	}

	graceTimer := time.NewTimer(drainGrace)
	graceTimer.Stop()
	defer graceTimer.Stop()

drain:
	for {
		if moveDone {
			if expected >= 0 && int(completed+failed) >= expected {
				break
			}
			select {
			case item, ok := <-items:
				if !ok {
					break drain
				}
				if sendErr := forward(item); sendErr != nil {
					return abort(sendErr)
				}
			case <-graceTimer.C:
				p.logger.Warn().Str("claim_id", claim.ID.String()).Msg("Drain grace period elapsed")
				break drain
			case <-ctx.Done():
				break drain
			}
			continue
		}

		select {
		case item, ok := <-items:
			if !ok {
				break drain
			}
			if sendErr := forward(item); sendErr != nil {
				return abort(sendErr)
			}
		case upstream = <-moveCh:
			moveDone = true
			if upstream.final != nil && upstream.final.NumberOfCompletedSuboperations != nil {
				expected = int(*upstream.final.NumberOfCompletedSuboperations)
			} else {
				graceTimer.Reset(drainGrace)
			}
		case <-ctx.Done():
			break drain
		}
	}

	if !moveDone {
		upstream = <-moveCh
	}

	if upstream.err != nil {
		p.logger.Error().Err(upstream.err).Msg("Upstream C-MOVE failed")
		p.metrics.ObserveRequest("C-MOVE", metrics.OutcomeFailure)
		return responder.SendResponse(services.NewCMoveErrorResponse(msg, StatusUnableToProcess), nil, ts)
	}

	if upstream.final.NumberOfFailedSuboperations != nil {
		failed += *upstream.final.NumberOfFailedSuboperations
	}
	if upstream.final.NumberOfWarningSuboperations != nil {
		warning += *upstream.final.NumberOfWarningSuboperations
	}

	p.logger.Info().
		Str("level", level).
		Str("move_destination", msg.MoveDestination).
		Str("claim_id", claim.ID.String()).
		Uint16("completed", completed).
		Uint16("failed", failed).
		Uint16("upstream_status", upstream.final.Status).
		Msg("C-MOVE relayed")

	if upstream.final.Status != types.StatusSuccess {
		p.metrics.ObserveRequest("C-MOVE", metrics.OutcomeFailure)
		final := services.NewCMoveErrorResponse(msg, upstream.final.Status)
		final.NumberOfCompletedSuboperations = &completed
		final.NumberOfFailedSuboperations = &failed
		final.NumberOfWarningSuboperations = &warning
		return responder.SendResponse(final, nil, ts)
	}

	p.metrics.ObserveRequest("C-MOVE", metrics.OutcomeSuccess)
	return responder.SendResponse(services.NewCMoveSuccessResponse(msg, completed, failed, warning), nil, ts)
}

// errUnshieldedDataset guards the forwarding path: items reach it only
// through the internal receiver, which always shields first.
var errUnshieldedDataset = errors.New("proxy: dataset skipped the shield")

// forwardItem re-emits one shielded dataset to the resolved destination,
// opening the storage association lazily on first use. A dataset whose SOP
// class was not negotiated yet forces a fresh association covering it.
func (p *Proxy) forwardItem(ctx context.Context, dst *Session, dest config.Destination, calledAET string, item *relay.Item) (uint16, error) {
	if !item.Anonymized {
		return StatusUnableToProcess, errUnshieldedDataset
	}

	payload, err := relayEncode(item)
	if err != nil {
		return StatusUnableToProcess, err
	}

	if *dst == nil {
		sess, err := p.dialer.AssociateDestination(ctx, dest, calledAET, []string{item.SOPClassUID}, item.TransferSyntax)
		if err != nil {
			return StatusUnableToProcess, err
		}
		*dst = sess
	}

	status, err := (*dst).Store(ctx, item.SOPClassUID, item.SOPInstanceUID, payload)
	if errors.Is(err, relay.ErrNoPresentationContext) {
		(*dst).Release()
		*dst = nil
		sess, assocErr := p.dialer.AssociateDestination(ctx, dest, calledAET, []string{item.SOPClassUID}, item.TransferSyntax)
		if assocErr != nil {
			return StatusUnableToProcess, assocErr
		}
		*dst = sess
		return (*dst).Store(ctx, item.SOPClassUID, item.SOPInstanceUID, payload)
	}
	return status, err
}

// relayEncode serializes a queued dataset in the transfer syntax it was
// received with.
func relayEncode(item *relay.Item) ([]byte, error) {
	return dicom.EncodeDatasetWithTransferSyntax(item.Dataset, item.TransferSyntax)
}
