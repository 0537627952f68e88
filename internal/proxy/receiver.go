package proxy

import (
	"context"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/services"
	"github.com/caio-sobreiro/dicomnet/types"
	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomshield/internal/metrics"
	"github.com/otcheredev/dicomshield/internal/relay"
	"github.com/otcheredev/dicomshield/internal/shield"
)

// Receiver handles the internal C-STORE endpoint: the AE a C-MOVE is
// redirected to. Every dataset it accepts is shielded and delivered to the
// retrieval currently holding the sink; the upstream only sees success once
// the dataset is safely queued.
type Receiver struct {
	shield  Transformer
	sink    *relay.Sink
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewReceiver wires the internal store endpoint handler.
func NewReceiver(t Transformer, sink *relay.Sink, m *metrics.Metrics, logger zerolog.Logger) *Receiver {
	return &Receiver{shield: t, sink: sink, metrics: m, logger: logger}
}

// HandleDIMSE accepts C-ECHO and C-STORE; anything else is refused. Only
// the configured upstream ever talks to this endpoint.
func (r *Receiver) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	switch msg.CommandField {
	case types.CEchoRQ:
		return services.NewCEchoResponse(msg, types.StatusSuccess), nil, nil
	case types.CStoreRQ:
		return r.handleStore(ctx, msg, data, meta), nil, nil
	default:
		r.logger.Warn().Uint16("command_field", msg.CommandField).Msg("Unsupported command on store endpoint")
		return services.CreateErrorResponse(msg, StatusUnableToProcess), nil, nil
	}
}

func (r *Receiver) handleStore(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) *types.Message {
	ds, err := parseIdentifier(data, meta)
	if err != nil {
		r.logger.Error().Err(err).
			Str("sop_instance_uid", msg.AffectedSOPInstanceUID).
			Msg("Failed to parse incoming dataset")
		return services.NewCStoreResponse(msg, StatusUnableToProcess)
	}

	out := r.shield.Retrieve(ctx, ds)

	sopInstanceUID := out.GetString(shield.SOPInstanceUIDTag)
	if sopInstanceUID == "" {
		sopInstanceUID = msg.AffectedSOPInstanceUID
	}

	item := &relay.Item{
		Dataset:        out,
		SOPClassUID:    msg.AffectedSOPClassUID,
		SOPInstanceUID: sopInstanceUID,
		TransferSyntax: meta.TransferSyntaxUID,
		Anonymized:     true,
	}

	if err := r.sink.Deliver(ctx, item); err != nil {
		r.logger.Error().Err(err).
			Str("sop_instance_uid", sopInstanceUID).
			Msg("Failed to queue dataset for forwarding")
		return services.NewCStoreResponse(msg, StatusUnableToProcess)
	}

	r.logger.Debug().Str("sop_instance_uid", sopInstanceUID).Msg("Dataset shielded and queued")
	return services.NewCStoreResponse(msg, types.StatusSuccess)
}
