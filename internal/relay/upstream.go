package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/types"
	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomshield/internal/config"
)

// Action selects which family of query/retrieve information models an
// upstream association is negotiated for.
type Action int

const (
	ActionFind Action = iota
	ActionMove
	ActionGet
)

// QueryRetrieveLevelTag is (0008,0052), the attribute that scopes a query
// or retrieve identifier.
var QueryRetrieveLevelTag = dicom.Tag{Group: 0x0008, Element: 0x0052}

// ErrMissingQueryLevel is returned when an identifier carries no
// QueryRetrieveLevel. Requests without it are rejected before any upstream
// traffic happens.
var ErrMissingQueryLevel = errors.New("relay: identifier has no QueryRetrieveLevel")

// storageSOPClasses are the image classes proposed on every query
// association so C-GET sub-operations have a context to arrive on.
var storageSOPClasses = []string{
	types.CTImageStorage,
	types.MRImageStorage,
	types.XRayAngiographicImageStorage,
}

// QueryLevel extracts the QueryRetrieveLevel from an identifier dataset.
func QueryLevel(ds *dicom.Dataset) (string, error) {
	if ds == nil {
		return "", ErrMissingQueryLevel
	}
	level := strings.TrimSpace(ds.GetString(QueryRetrieveLevelTag))
	if level == "" {
		return "", ErrMissingQueryLevel
	}
	return level, nil
}

// ModelFor maps a QueryRetrieveLevel and action to the information model
// SOP class proposed upstream: PATIENT level uses the Patient Root models,
// everything else the Study Root models.
func ModelFor(level string, action Action) (string, error) {
	patient := strings.EqualFold(strings.TrimSpace(level), "PATIENT")
	switch action {
	case ActionFind:
		if patient {
			return types.PatientRootQueryRetrieveInformationModelFind, nil
		}
		return types.StudyRootQueryRetrieveInformationModelFind, nil
	case ActionMove:
		if patient {
			return types.PatientRootQueryRetrieveInformationModelMove, nil
		}
		return types.StudyRootQueryRetrieveInformationModelMove, nil
	case ActionGet:
		if patient {
			return types.PatientRootQueryRetrieveInformationModelGet, nil
		}
		return types.StudyRootQueryRetrieveInformationModelGet, nil
	}
	return "", fmt.Errorf("relay: unknown action %d", action)
}

// Upstream dials associations to the single configured upstream archive
// and, for retrieve re-emission, to arbitrary destination peers.
type Upstream struct {
	cfg        config.Upstream
	callingAET string
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewUpstream creates the dialer used by all proxy handlers.
func NewUpstream(cfg config.Upstream, callingAET string, timeout time.Duration, logger zerolog.Logger) *Upstream {
	return &Upstream{
		cfg:        cfg,
		callingAET: callingAET,
		timeout:    timeout,
		logger:     logger.With().Str("upstream_ae", cfg.AET).Logger(),
	}
}

// queryContexts builds the presentation contexts proposed on a query
// association. Beyond the model the request resolves to, both roots' FIND
// and MOVE models are offered so the upstream can serve whichever root it
// prefers, and the storage classes are offered with the SCP role so
// retrieve sub-operations have a context to arrive on.
func queryContexts(model string) []ProposedContext {
	abstract := []string{
		types.VerificationSOPClass,
		model,
		types.PatientRootQueryRetrieveInformationModelFind,
		types.StudyRootQueryRetrieveInformationModelFind,
		types.PatientRootQueryRetrieveInformationModelMove,
		types.StudyRootQueryRetrieveInformationModelMove,
	}

	contexts := make([]ProposedContext, 0, len(abstract)+len(storageSOPClasses))
	seen := map[string]bool{}
	for _, uid := range abstract {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		contexts = append(contexts, ProposedContext{AbstractSyntax: uid})
	}
	for _, sop := range storageSOPClasses {
		contexts = append(contexts, ProposedContext{AbstractSyntax: sop, SCPRole: true})
	}
	return contexts
}

// AssociateForQuery opens an association negotiated for the given action
// and query level. The association fails when the upstream refuses the
// model the request resolves to.
func (u *Upstream) AssociateForQuery(ctx context.Context, action Action, level string) (*Association, string, error) {
	model, err := ModelFor(level, action)
	if err != nil {
		return nil, "", err
	}

	assoc, err := associate(ctx, u.cfg.Addr(), u.callingAET, u.cfg.AET, queryContexts(model), u.timeout, u.logger)
	if err != nil {
		return nil, "", err
	}
	if _, err := assoc.contextFor(model); err != nil {
		assoc.Release()
		return nil, "", err
	}
	return assoc, model, nil
}

// AssociateStore opens an association proposing the relayed object's SOP
// class pinned to its incoming transfer syntax, so stored bytes pass
// through without transcoding.
func (u *Upstream) AssociateStore(ctx context.Context, sopClassUID, transferSyntax string) (*Association, error) {
	return u.associateStorage(ctx, u.cfg.Addr(), u.cfg.AET, []string{sopClassUID}, transferSyntax)
}

// AssociateDestination opens a storage association to a retrieve
// destination resolved from configuration.
func (u *Upstream) AssociateDestination(ctx context.Context, dest config.Destination, calledAET string, sopClassUIDs []string, transferSyntax string) (*Association, error) {
	return u.associateStorage(ctx, dest.Addr(), calledAET, sopClassUIDs, transferSyntax)
}

// Echo opens a short-lived verification association, used by health checks.
func (u *Upstream) Echo(ctx context.Context) error {
	contexts := []ProposedContext{{AbstractSyntax: types.VerificationSOPClass}}
	assoc, err := associate(ctx, u.cfg.Addr(), u.callingAET, u.cfg.AET, contexts, u.timeout, u.logger)
	if err != nil {
		return err
	}
	defer assoc.Release()

	status, err := assoc.Echo(ctx)
	if err != nil {
		return err
	}
	if status != types.StatusSuccess {
		return fmt.Errorf("upstream C-ECHO returned status 0x%04x", status)
	}
	return nil
}

func (u *Upstream) associateStorage(ctx context.Context, addr, calledAET string, sopClassUIDs []string, transferSyntax string) (*Association, error) {
	var syntaxes []string
	if transferSyntax != "" {
		syntaxes = []string{transferSyntax}
	}

	contexts := []ProposedContext{{AbstractSyntax: types.VerificationSOPClass}}
	seen := map[string]bool{}
	for _, sop := range sopClassUIDs {
		if sop == "" || seen[sop] {
			continue
		}
		seen[sop] = true
		contexts = append(contexts, ProposedContext{AbstractSyntax: sop, TransferSyntaxes: syntaxes})
	}

	return associate(ctx, addr, u.callingAET, calledAET, contexts, u.timeout, u.logger)
}
