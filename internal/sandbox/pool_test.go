package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

// blockingBackend holds every job until released.
type blockingBackend struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingBackend) Execute(ctx context.Context, job Job) (*Outcome, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return &Outcome{Status: StatusSuccess}, nil
	case <-ctx.Done():
		return &Outcome{Status: StatusCancelled}, nil
	}
}

func (b *blockingBackend) Close() error { return nil }

func TestPoolRejectsWhenSaturated(t *testing.T) {
	backend := newBlockingBackend()
	pool := NewPool(backend, 1, 0)
	defer close(backend.release)

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Execute(context.Background(), Job{ID: "first"})
		errCh <- err
	}()
	<-backend.started

	_, err := pool.Execute(context.Background(), Job{ID: "second"})
	if !IsCapacity(err) {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}

	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.ExecID != "second" {
		t.Errorf("capacity error should identify the rejected job, got %v", err)
	}
}

func TestPoolQueuesUpToDepth(t *testing.T) {
	backend := newBlockingBackend()
	pool := NewPool(backend, 1, 1)

	results := make(chan error, 2)
	go func() {
		_, err := pool.Execute(context.Background(), Job{ID: "running"})
		results <- err
	}()
	<-backend.started

	go func() {
		_, err := pool.Execute(context.Background(), Job{ID: "queued"})
		results <- err
	}()

	// Let the queued job take the admission slot before probing saturation.
	deadline := time.After(2 * time.Second)
	for len(pool.queue) < 2 {
		select {
		case <-deadline:
			t.Fatal("queued job never admitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_, err := pool.Execute(context.Background(), Job{ID: "overflow"})
	if !IsCapacity(err) {
		t.Fatalf("overflow err = %v, want ErrCapacity", err)
	}

	close(backend.release)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("job %d: %v", i, err)
		}
	}
}

func TestPoolContextCancelledWhileQueued(t *testing.T) {
	backend := newBlockingBackend()
	pool := NewPool(backend, 1, 1)
	defer close(backend.release)

	go func() {
		pool.Execute(context.Background(), Job{ID: "running"}) //nolint:errcheck
	}()
	<-backend.started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Execute(ctx, Job{ID: "queued"})
		errCh <- err
	}()

	deadline := time.After(2 * time.Second)
	for len(pool.queue) < 2 {
		select {
		case <-deadline:
			t.Fatal("queued job never admitted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued job did not observe cancellation")
	}
}

func TestPoolActiveCount(t *testing.T) {
	backend := newBlockingBackend()
	pool := NewPool(backend, 2, 0)

	done := make(chan struct{})
	go func() {
		pool.Execute(context.Background(), Job{ID: "a"}) //nolint:errcheck
		done <- struct{}{}
	}()
	<-backend.started

	if got := pool.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}

	close(backend.release)
	<-done
	if got := pool.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after completion = %d, want 0", got)
	}
}
