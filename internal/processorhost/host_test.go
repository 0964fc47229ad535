package processorhost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ibs-source/streamhost/internal/ports"
)

type nopLogger struct{}

func (nopLogger) Trace(string, ...ports.Field)         {}
func (nopLogger) Debug(string, ...ports.Field)         {}
func (nopLogger) Info(string, ...ports.Field)          {}
func (nopLogger) Warn(string, ...ports.Field)          {}
func (nopLogger) Error(string, ...ports.Field)         {}
func (nopLogger) Fatal(string, ...ports.Field)         {}
func (l nopLogger) WithFields(...ports.Field) ports.Logger { return l }

type recordingProcessor struct {
	mu      sync.Mutex
	batches [][]ports.Event
	err     error
}

func (p *recordingProcessor) StartTimestampOnRebalance(stream string) (time.Time, bool) {
	return time.Time{}, false
}

func (p *recordingProcessor) Decode(value []byte) (ports.Event, error) { return value, nil }

func (p *recordingProcessor) Process(ctx context.Context, batch []ports.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]ports.Event, len(batch))
	copy(cp, batch)
	p.batches = append(p.batches, cp)
	return p.err
}

func (p *recordingProcessor) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestHostProcessesEnqueuedEvents(t *testing.T) {
	proc := &recordingProcessor{}
	h := New("orders-events", proc, nopLogger{}, Config{QueueSize: 8, MaxBatch: 4}, nil)
	h.Start(context.Background())
	defer h.Stop()

	for i := 0; i < 10; i++ {
		if err := h.Enqueue(context.Background(), i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for proc.total() < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := proc.total(); got != 10 {
		t.Fatalf("expected 10 events processed, got %d", got)
	}
}

func TestHostEnqueueBlocksWhenFull(t *testing.T) {
	block := make(chan struct{})
	proc := &blockingProcessor{release: block}
	h := New("orders-events", proc, nopLogger{}, Config{QueueSize: 1, MaxBatch: 1}, nil)
	h.Start(context.Background())
	defer func() {
		close(block)
		h.Stop()
	}()

	if err := h.Enqueue(context.Background(), "a"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	// The worker takes "a" off the queue and blocks inside Process, so the
	// single slot accepts "b"; the queue is full only after that.
	if err := h.Enqueue(context.Background(), "b"); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := h.Enqueue(ctx, "c")
	if err == nil {
		t.Fatalf("expected enqueue to block until context deadline, it returned immediately")
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("enqueue returned too quickly, backpressure not honored")
	}
}

type blockingProcessor struct {
	release chan struct{}
}

func (p *blockingProcessor) StartTimestampOnRebalance(stream string) (time.Time, bool) {
	return time.Time{}, false
}
func (p *blockingProcessor) Decode(value []byte) (ports.Event, error) { return value, nil }
func (p *blockingProcessor) Process(ctx context.Context, batch []ports.Event) error {
	<-p.release
	return nil
}

func TestHostOnFatalCalledOnProcessError(t *testing.T) {
	wantErr := errors.New("boom")
	proc := &recordingProcessor{err: wantErr}

	var mu sync.Mutex
	var gotStream string
	var gotErr error
	done := make(chan struct{})

	h := New("orders-events", proc, nopLogger{}, Config{QueueSize: 4, MaxBatch: 1}, func(stream string, err error) {
		mu.Lock()
		gotStream, gotErr = stream, err
		mu.Unlock()
		close(done)
	})
	h.Start(context.Background())
	defer h.Stop()

	if err := h.Enqueue(context.Background(), "x"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onFatal was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotStream != "orders-events" || !errors.Is(gotErr, wantErr) {
		t.Fatalf("onFatal called with (%q, %v)", gotStream, gotErr)
	}
	if h.FatalErr() == nil {
		t.Fatalf("expected FatalErr() to report the error")
	}
}

func TestHostStopDrainsQueuedWork(t *testing.T) {
	proc := &recordingProcessor{}
	h := New("orders-events", proc, nopLogger{}, Config{QueueSize: 8, MaxBatch: 8}, nil)
	h.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := h.Enqueue(context.Background(), i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	h.Stop()

	if got := proc.total(); got != 5 {
		t.Fatalf("expected all 5 queued events drained on stop, got %d", got)
	}
}

func TestHostStopDrainsEntireQueueBeyondOneBatch(t *testing.T) {
	proc := &recordingProcessor{}
	h := New("orders-events", proc, nopLogger{}, Config{QueueSize: 32, MaxBatch: 4, DrainGrace: time.Second}, nil)
	h.Start(context.Background())

	for i := 0; i < 25; i++ {
		if err := h.Enqueue(context.Background(), i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	h.Stop()

	if got := proc.total(); got != 25 {
		t.Fatalf("expected all 25 queued events drained across multiple batches on stop, got %d", got)
	}
}

func TestHostEnqueueAfterStopReturnsError(t *testing.T) {
	proc := &recordingProcessor{}
	h := New("orders-events", proc, nopLogger{}, Config{}, nil)
	h.Start(context.Background())
	h.Stop()

	if err := h.Enqueue(context.Background(), "x"); err != ErrHostStopped {
		t.Fatalf("expected ErrHostStopped, got %v", err)
	}
}
