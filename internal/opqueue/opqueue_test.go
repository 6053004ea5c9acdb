package opqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestOperationsRunFIFO(t *testing.T) {
	q := New()
	defer q.Destroy()

	var mu sync.Mutex
	var order []string
	mkOp := func(name string) Operation {
		return Operation{Kind: KindChange, Run: func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}
	}

	chans := []<-chan error{
		q.Enqueue(mkOp("a")),
		q.Enqueue(mkOp("b")),
		q.Enqueue(mkOp("c")),
	}
	for _, ch := range chans {
		if err := <-ch; err != nil {
			t.Fatalf("op failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order = %v", order)
	}
}

func TestOneAtATime(t *testing.T) {
	q := New()
	defer q.Destroy()

	var running, maxRunning atomic.Int32
	op := Operation{Kind: KindChange, Run: func(context.Context) error {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	}}

	var chans []<-chan error
	for i := 0; i < 5; i++ {
		chans = append(chans, q.Enqueue(op))
	}
	for _, ch := range chans {
		<-ch
	}
	if got := maxRunning.Load(); got != 1 {
		t.Fatalf("max concurrent operations = %d, want 1", got)
	}
}

func TestParallelStartsExactlyOneSucceeds(t *testing.T) {
	q := New()
	defer q.Destroy()

	var ran atomic.Int32
	start := Operation{Kind: KindStart, ScenarioID: "cafe", Run: func(context.Context) error {
		ran.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}}

	var wg sync.WaitGroup
	var successes, dupes atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Do(start)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrDuplicateStart):
				dupes.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 || dupes.Load() != 2 {
		t.Fatalf("successes = %d dupes = %d, want 1 and 2", successes.Load(), dupes.Load())
	}
	if ran.Load() != 1 {
		t.Fatalf("start ran %d times, want 1", ran.Load())
	}
}

func TestStartRejectedWhileAnyStartInFlight(t *testing.T) {
	q := New()
	defer q.Destroy()

	block := make(chan struct{})
	first := q.Enqueue(Operation{Kind: KindStart, ScenarioID: "cafe", Run: func(context.Context) error {
		<-block
		return nil
	}})
	// A different scenario is still a duplicate while the first is in flight.
	second := q.Enqueue(Operation{Kind: KindStart, ScenarioID: "market", Run: func(context.Context) error {
		t.Error("second start ran")
		return nil
	}})

	if err := <-second; !errors.Is(err, ErrDuplicateStart) {
		t.Fatalf("second = %v, want ErrDuplicateStart", err)
	}
	close(block)
	if err := <-first; err != nil {
		t.Fatalf("first: %v", err)
	}
}

func TestDuplicateStopCoalesces(t *testing.T) {
	q := New()
	defer q.Destroy()

	var ran atomic.Int32
	block := make(chan struct{})
	first := q.Enqueue(Operation{Kind: KindStop, Run: func(context.Context) error {
		ran.Add(1)
		<-block
		return nil
	}})
	second := q.Enqueue(Operation{Kind: KindStop, Run: func(context.Context) error {
		ran.Add(1)
		return nil
	}})

	// The duplicate resolves immediately with success.
	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("duplicate stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("duplicate stop did not resolve immediately")
	}

	close(block)
	if err := <-first; err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if ran.Load() != 1 {
		t.Fatalf("stop ran %d times, want 1", ran.Load())
	}
}

func TestStartAdmittedAfterPreviousFinished(t *testing.T) {
	q := New()
	defer q.Destroy()

	op := Operation{Kind: KindStart, ScenarioID: "cafe", Run: func(context.Context) error { return nil }}
	if err := q.Do(op); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := q.Do(op); err != nil {
		t.Fatalf("start after completion rejected: %v", err)
	}
}

func TestDestroyClearsPending(t *testing.T) {
	q := New()

	started := make(chan struct{})
	block := make(chan struct{})
	first := q.Enqueue(Operation{Kind: KindChange, Run: func(ctx context.Context) error {
		close(started)
		<-block
		return ctx.Err()
	}})
	pending := q.Enqueue(Operation{Kind: KindChange, Run: func(context.Context) error {
		t.Error("pending operation ran after destroy")
		return nil
	}})

	<-started
	q.Destroy()
	close(block)

	if err := <-pending; !errors.Is(err, ErrDestroyed) {
		t.Fatalf("pending resolved with %v, want ErrDestroyed", err)
	}
	// The running operation observes context cancellation.
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("running op ctx = %v, want canceled", err)
	}

	if err := q.Do(Operation{Kind: KindStop, Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("enqueue after destroy = %v, want ErrDestroyed", err)
	}
}
