package admission

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsSynchronouslyAndReturnsResult(t *testing.T) {
	p := New(2, 2)
	defer p.Close()

	val, err := p.Submit(context.Background(), KindRead, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if val.(int) != 42 {
		t.Fatalf("Submit: got %v, want 42", val)
	}
}

func TestSubmitPropagatesTaskError(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	wantErr := errors.New("boom")
	_, err := p.Submit(context.Background(), KindRead, func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Submit: got %v, want %v", err, wantErr)
	}
}

func TestSubmitAsyncCancelAllStopsInFlightQueries(t *testing.T) {
	p := New(2, 0)
	defer p.Close()

	const numQueries = 8
	started := make(chan struct{}, numQueries)
	var cancelledCount atomic.Int64

	handles := make([]*Handle, 0, numQueries)
	for i := 0; i < numQueries; i++ {
		h, err := p.SubmitAsync(context.Background(), KindRead, func(ctx context.Context) (interface{}, error) {
			started <- struct{}{}
			select {
			case <-ctx.Done():
				cancelledCount.Add(1)
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "finished", nil
			}
		})
		if err != nil {
			t.Fatalf("SubmitAsync %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	// With only 2 workers, wait for at least the first batch to start
	// before cancelling everything.
	for i := 0; i < 2; i++ {
		<-started
	}

	p.CancelAllTasks()

	for i, h := range handles {
		_, err := h.Wait(context.Background())
		if err == nil {
			t.Errorf("handle %d: expected cancellation error, got nil", i)
		}
	}
}

func TestReadInFlightCountTracksSubmittedWork(t *testing.T) {
	p := New(1, 0)
	defer p.Close()

	release := make(chan struct{})
	h, err := p.SubmitAsync(context.Background(), KindRead, func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}

	deadline := time.After(time.Second)
	for p.ReadInFlightCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("ReadInFlightCount never became positive")
		default:
		}
	}

	close(release)
	h.Wait(context.Background())

	deadline = time.After(time.Second)
	for p.ReadInFlightCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("ReadInFlightCount never returned to 0")
		default:
		}
	}
}

func TestSubmitAfterCloseReturnsError(t *testing.T) {
	p := New(1, 1)
	p.Close()

	_, err := p.Submit(context.Background(), KindRead, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatalf("Submit after Close: expected error")
	}
}
