package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoActiveRetrieve is returned by Deliver when a sub-operation C-STORE
// arrives while no retrieval holds a claim. Such datasets are dropped; the
// upstream receives a failure status for them.
var ErrNoActiveRetrieve = errors.New("relay: no retrieval in flight")

// Sink connects the internal C-STORE receiver to the retrieval currently in
// flight. Each C-MOVE/C-GET claims the sink, receives a fresh bounded queue,
// and releases it when done. Claims are exclusive: concurrent retrievals
// serialize here instead of interleaving their datasets on one shared
// buffer.
type Sink struct {
	depth  int
	logger zerolog.Logger

	sem chan struct{}

	mu        sync.Mutex
	active    *Claim
	onDiscard func(n int)
}

// NewSink builds a sink whose claims carry queues of the given depth.
func NewSink(depth int, logger zerolog.Logger) *Sink {
	return &Sink{
		depth:  depth,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

// OnDiscard registers a callback invoked with the number of datasets a
// released claim left undrained. Set once at startup, before any claims.
func (s *Sink) OnDiscard(fn func(n int)) {
	s.onDiscard = fn
}

// Claim is one retrieval's exclusive hold on the sink.
type Claim struct {
	ID    uuid.UUID
	Queue *Queue

	sink    *Sink
	release sync.Once
}

// Claim blocks until the sink is free, then installs a fresh queue for the
// calling retrieval. The returned claim must be released on every path.
func (s *Sink) Claim(ctx context.Context) (*Claim, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	claim := &Claim{
		ID:    uuid.New(),
		Queue: NewQueue(s.depth),
		sink:  s,
	}

	s.mu.Lock()
	s.active = claim
	s.mu.Unlock()

	s.logger.Debug().Str("claim_id", claim.ID.String()).Msg("Retrieval claimed dataset sink")
	return claim, nil
}

// Release closes the claim's queue, discarding anything not yet drained,
// and frees the sink for the next retrieval. Safe to call more than once.
func (c *Claim) Release() {
	c.release.Do(func() {
		c.sink.mu.Lock()
		if c.sink.active == c {
			c.sink.active = nil
		}
		c.sink.mu.Unlock()

		if discarded := c.Queue.Close(); discarded > 0 {
			c.sink.logger.Warn().
				Str("claim_id", c.ID.String()).
				Int("discarded", discarded).
				Msg("Discarded undrained datasets on release")
			if c.sink.onDiscard != nil {
				c.sink.onDiscard(discarded)
			}
		}
		<-c.sink.sem
	})
}

// Deliver routes one shielded dataset to the retrieval currently holding
// the claim. It blocks while that retrieval's queue is full.
func (s *Sink) Deliver(ctx context.Context, item *Item) error {
	s.mu.Lock()
	claim := s.active
	s.mu.Unlock()

	if claim == nil {
		s.logger.Warn().
			Str("sop_instance_uid", item.SOPInstanceUID).
			Msg("Dropping dataset: no retrieval in flight")
		return ErrNoActiveRetrieve
	}
	return claim.Queue.Put(ctx, item)
}
