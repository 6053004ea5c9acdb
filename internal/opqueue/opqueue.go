// Package opqueue serializes session lifecycle operations. Starts, stops and
// scenario changes run strictly one at a time in arrival order, so overlapping
// UI triggers cannot interleave connection setup and teardown.
package opqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Kind classifies a queued operation for duplicate detection.
type Kind string

const (
	KindStart  Kind = "start"
	KindStop   Kind = "stop"
	KindChange Kind = "changeScenario"
)

// ErrDuplicateStart is returned when a start is enqueued while any start is
// already pending or running, regardless of scenario.
var ErrDuplicateStart = errors.New("opqueue: start already in progress")

// ErrDestroyed is returned for operations enqueued after Destroy, and is the
// resolution of operations still pending at destroy time.
var ErrDestroyed = errors.New("opqueue: queue destroyed")

// Operation is one unit of serialized work. Run receives a context that is
// cancelled when the queue is destroyed.
type Operation struct {
	Kind       Kind
	ScenarioID string
	Run        func(ctx context.Context) error
}

type item struct {
	op   Operation
	done chan error
}

// Queue runs operations FIFO with a single worker. Create with New; safe for
// concurrent use.
type Queue struct {
	mu         sync.Mutex
	pending    []*item
	current    *item
	processing bool
	destroyed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty queue.
func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{ctx: ctx, cancel: cancel}
}

// Enqueue schedules op and returns a channel that resolves with its outcome.
// A start enqueued while another start is in flight resolves with
// [ErrDuplicateStart]; a stop duplicating an in-flight stop resolves with nil
// without running again.
func (q *Queue) Enqueue(op Operation) <-chan error {
	done := make(chan error, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		done <- ErrDestroyed
		return done
	}

	switch op.Kind {
	case KindStart:
		if q.hasInFlight(KindStart) {
			slog.Debug("rejecting start, another start is in flight", "scenario_id", op.ScenarioID)
			done <- ErrDuplicateStart
			return done
		}
	case KindStop:
		if q.hasInFlight(KindStop) {
			slog.Debug("coalescing duplicate stop")
			done <- nil
			return done
		}
	}

	q.pending = append(q.pending, &item{op: op, done: done})
	if !q.processing {
		q.processing = true
		go q.run()
	}
	return done
}

// Do enqueues op and blocks for its outcome.
func (q *Queue) Do(op Operation) error {
	return <-q.Enqueue(op)
}

// hasInFlight reports whether an operation of the given kind is currently
// running or pending. Must hold q.mu.
func (q *Queue) hasInFlight(kind Kind) bool {
	if q.current != nil && q.current.op.Kind == kind {
		return true
	}
	for _, it := range q.pending {
		if it.op.Kind == kind {
			return true
		}
	}
	return false
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.destroyed {
			q.processing = false
			q.mu.Unlock()
			return
		}
		it := q.pending[0]
		q.pending = q.pending[1:]
		q.current = it
		q.mu.Unlock()

		err := it.op.Run(q.ctx)
		it.done <- err

		q.mu.Lock()
		q.current = nil
		q.mu.Unlock()
	}
}

// Destroy cancels the running operation's context, resolves every pending
// operation with [ErrDestroyed], and rejects everything enqueued afterwards.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	for _, it := range pending {
		it.done <- ErrDestroyed
	}
}
