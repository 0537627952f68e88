package proxy

import (
	"context"

	"github.com/otcheredev/dicomshield/internal/config"
	"github.com/otcheredev/dicomshield/internal/relay"
)

// relayDialer adapts the concrete relay dialer to the Dialer interface the
// handlers consume, so tests can substitute fakes.
type relayDialer struct {
	upstream *relay.Upstream
}

// NewRelayDialer wraps the relay's upstream dialer.
func NewRelayDialer(u *relay.Upstream) Dialer {
	return &relayDialer{upstream: u}
}

func (d *relayDialer) AssociateForQuery(ctx context.Context, action relay.Action, level string) (Session, string, error) {
	assoc, model, err := d.upstream.AssociateForQuery(ctx, action, level)
	if err != nil {
		return nil, "", err
	}
	return assoc, model, nil
}

func (d *relayDialer) AssociateStore(ctx context.Context, sopClassUID, transferSyntax string) (Session, error) {
	assoc, err := d.upstream.AssociateStore(ctx, sopClassUID, transferSyntax)
	if err != nil {
		return nil, err
	}
	return assoc, nil
}

func (d *relayDialer) AssociateDestination(ctx context.Context, dest config.Destination, calledAET string, sopClassUIDs []string, transferSyntax string) (Session, error) {
	assoc, err := d.upstream.AssociateDestination(ctx, dest, calledAET, sopClassUIDs, transferSyntax)
	if err != nil {
		return nil, err
	}
	return assoc, nil
}
