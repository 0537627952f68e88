// Package shield is the stateless dataset transformer of the proxy: it
// clears identifying attributes and rewrites identifier attributes through
// the pseudonym service, forward on egress and backward on ingress.
package shield

import (
	"context"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/rs/zerolog"
)

// MissingValue replaces identifier values the pseudonym service could not
// map. Forwarding the real identifier instead would leak it to the client,
// so a failed lookup stays visible as this sentinel.
const MissingValue = "None"

// Mapper is the slice of the pseudonym client the shield needs.
type Mapper interface {
	Pseudonymize(ctx context.Context, values map[string]string) (map[string]string, error)
	Depseudonymize(ctx context.Context, values map[string]string) (map[string]string, error)
}

// Shield transforms datasets in place. It keeps no state between calls;
// every traversal with identifier attributes costs one batch call to the
// mapper.
type Shield struct {
	mapper Mapper
	logger zerolog.Logger
}

// New builds a Shield over the given mapper.
func New(mapper Mapper, logger zerolog.Logger) *Shield {
	return &Shield{mapper: mapper, logger: logger}
}

// Query prepares a client-supplied identifier for the upstream: identifying
// attributes are cleared and pseudonyms the client knows are translated back
// to real identifiers.
func (s *Shield) Query(ctx context.Context, ds *dicom.Dataset) *dicom.Dataset {
	s.clear(ds)
	s.rewrite(ctx, ds, s.mapper.Depseudonymize)
	return ds
}

// Retrieve prepares an upstream response or stored instance for the client:
// identifying attributes are cleared and real identifiers are replaced with
// pseudonyms.
func (s *Shield) Retrieve(ctx context.Context, ds *dicom.Dataset) *dicom.Dataset {
	s.clear(ds)
	s.rewrite(ctx, ds, s.mapper.Pseudonymize)
	return ds
}

// Store handles client-initiated C-STORE datasets. Pass-through: clients are
// expected to send already de-identified data. Kept as the seam where a
// store-direction policy would hook in.
func (s *Shield) Store(_ context.Context, ds *dicom.Dataset) *dicom.Dataset {
	return ds
}

// clear overwrites every present identifying attribute with the empty
// string. Missing attributes are not added.
func (s *Shield) clear(ds *dicom.Dataset) {
	for _, a := range identifying {
		if el, ok := ds.GetElement(a.Tag); ok {
			el.Value = ""
			el.Length = 0
		}
	}
}

// rewrite batches all present, non-empty pseudonymizable values into one
// mapper call and overwrites each attribute with the mapped value. Values
// the mapper did not return become MissingValue.
func (s *Shield) rewrite(ctx context.Context, ds *dicom.Dataset, translate func(context.Context, map[string]string) (map[string]string, error)) {
	batch := make(map[string]string)
	for _, a := range pseudonymizable {
		if _, ok := ds.GetElement(a.Tag); !ok {
			continue
		}
		value := ds.GetString(a.Tag)
		if value == "" {
			// Wildcard match in a DIMSE query; must stay empty.
			continue
		}
		batch[a.Name] = value
	}
	if len(batch) == 0 {
		return
	}

	mapped, err := translate(ctx, batch)
	if err != nil {
		// Fail closed: the dataset leaves with sentinels, never with the
		// real identifiers.
		s.logger.Error().Err(err).Int("values", len(batch)).Msg("Pseudonym lookup failed")
		mapped = nil
	}

	for _, a := range pseudonymizable {
		original, ok := batch[a.Name]
		if !ok {
			continue
		}
		value, ok := mapped[original]
		if !ok {
			value = MissingValue
		}
		ds.AddElement(a.Tag, a.VR, value)
	}
}
