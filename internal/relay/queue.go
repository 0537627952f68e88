// Package relay carries datasets between the proxy's independent
// associations: the upstream SCU side, the internal C-STORE receiver and
// the outbound forwarding loops.
package relay

import (
	"context"
	"errors"

	"github.com/caio-sobreiro/dicomnet/dicom"
)

// DefaultQueueDepth bounds the per-retrieval buffer. Sub-operation
// C-STOREs beyond this block the internal receiver until the drain side
// makes progress.
const DefaultQueueDepth = 64

// ErrQueueClosed is returned by Put and Get once the queue is closed.
var ErrQueueClosed = errors.New("relay: queue closed")

// Item is one fully shielded dataset awaiting forwarding.
type Item struct {
	Dataset        *dicom.Dataset
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string

	// Anonymized marks that the dataset passed the shield's clearing pass.
	// Advisory, never transmitted.
	Anonymized bool
}

// Queue is a bounded FIFO of items. Ownership of an item passes from the
// producer to exactly one consumer.
type Queue struct {
	ch     chan *Item
	closed chan struct{}
}

// NewQueue builds a queue with the given capacity; depth <= 0 uses
// DefaultQueueDepth.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{
		ch:     make(chan *Item, depth),
		closed: make(chan struct{}),
	}
}

// Put appends an item, blocking while the queue is full. Blocking here is
// the back-pressure that stalls the internal C-STORE receiver.
func (q *Queue) Put(ctx context.Context, item *Item) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get removes the oldest item. It returns ErrQueueClosed once the queue is
// closed and empty.
func (q *Queue) Get(ctx context.Context) (*Item, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case item := <-q.ch:
		return item, nil
	case <-q.closed:
		// Late producers lost the race; hand out whatever is left.
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size reports the number of buffered items.
func (q *Queue) Size() int {
	return len(q.ch)
}

// Close marks the queue finished and discards everything still buffered.
// It returns the number of discarded items.
func (q *Queue) Close() int {
	select {
	case <-q.closed:
		return 0
	default:
		close(q.closed)
	}
	discarded := 0
	for {
		select {
		case <-q.ch:
			discarded++
		default:
			return discarded
		}
	}
}
