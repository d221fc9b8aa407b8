package broadcast

import (
	"errors"
	"sync"

	"campuswatch/presence-server/internal/model"
)

var (
	ErrQueueFull   = errors.New("subscriber queue full")
	ErrQueueClosed = errors.New("subscriber queue closed")
)

// Queue is a bounded Sink drained by a single streaming connection. When a
// slow reader lets the buffer fill up the queue marks itself overflowed so
// the connection can be dropped instead of silently losing events.
type Queue struct {
	events chan model.Event

	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	overflowed chan struct{}
}

// NewQueue creates a queue holding up to size pending events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		events:     make(chan model.Event, size),
		done:       make(chan struct{}),
		overflowed: make(chan struct{}),
	}
}

// Deliver enqueues ev without blocking.
func (q *Queue) Deliver(ev model.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	default:
		select {
		case <-q.overflowed:
		default:
			close(q.overflowed)
		}
		return ErrQueueFull
	}
}

// Events is read by the connection writer.
func (q *Queue) Events() <-chan model.Event { return q.events }

// Overflowed is closed the first time an event had to be dropped.
func (q *Queue) Overflowed() <-chan struct{} { return q.overflowed }

// Done is closed by Close.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Close stops further deliveries. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
