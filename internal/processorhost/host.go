// Package processorhost runs one dedicated worker goroutine per stream,
// draining a bounded blocking queue of decoded events and handing them to
// that stream's ports.Processor in batches (spec.md §4.C).
package processorhost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ibs-source/streamhost/internal/ports"
)

// State is the lifecycle state of a Host.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrHostStopped is returned by Enqueue once the host has stopped accepting
// work.
var ErrHostStopped = fmt.Errorf("processorhost: host stopped")

// Host owns the bounded queue and worker goroutine for a single stream. The
// queue blocks the producer (the group host's poll thread) when full rather
// than dropping records: spec.md §5's backpressure contract depends on the
// single producer stalling until the worker catches up, so the queue here is
// a plain buffered channel rather than the teacher's lock-free, drop-on-full
// ring buffer (see DESIGN.md).
type Host struct {
	stream    string
	processor ports.Processor
	logger    ports.Logger

	queue chan ports.Event

	maxBatch int

	state    atomic.Int32
	cancel   context.CancelFunc
	sealed   chan struct{}
	sealOnce sync.Once
	wg       sync.WaitGroup

	// drainGrace bounds how long Stop waits for a graceful seal-and-drain
	// before falling back to the hard cancel token (spec.md §4.C: "hard
	// cancel is the fallback when workers fail to drain").
	drainGrace time.Duration

	fatalErr atomic.Value // error

	onFatal func(stream string, err error)
}

// Config controls a Host's batching, queue capacity, and shutdown grace.
type Config struct {
	QueueSize  int
	MaxBatch   int
	DrainGrace time.Duration
}

// DefaultConfig mirrors the teacher's default pipeline sizing.
func DefaultConfig() Config {
	return Config{QueueSize: 1024, MaxBatch: 64, DrainGrace: 30 * time.Second}
}

// New builds a Host for stream, bound to processor. onFatal is invoked at
// most once, from the worker goroutine, if Process returns an error (spec.md
// §4.C/§7: a processing error is fatal to the owning worker, not the whole
// group host, which decides how to react).
func New(stream string, processor ports.Processor, logger ports.Logger, cfg Config, onFatal func(stream string, err error)) *Host {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultConfig().MaxBatch
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultConfig().DrainGrace
	}
	return &Host{
		stream:     stream,
		processor:  processor,
		logger:     logger,
		queue:      make(chan ports.Event, cfg.QueueSize),
		maxBatch:   cfg.MaxBatch,
		drainGrace: cfg.DrainGrace,
		sealed:     make(chan struct{}),
		onFatal:    onFatal,
	}
}

// Start launches the worker goroutine. Safe to call once.
func (h *Host) Start(ctx context.Context) {
	if !h.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go h.run(runCtx)
}

// Enqueue blocks until either the event is accepted or ctx is done. Returns
// ErrHostStopped if the host is no longer running.
func (h *Host) Enqueue(ctx context.Context, event ports.Event) error {
	if State(h.state.Load()) != StateRunning {
		return ErrHostStopped
	}
	select {
	case h.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports the number of events currently buffered.
func (h *Host) QueueDepth() int { return len(h.queue) }

// Processor returns the ports.Processor this host dispatches decoded events
// to, so callers (the group host) can invoke Decode on the poll thread
// using the same instance the worker will later Process with.
func (h *Host) Processor() ports.Processor { return h.processor }

// State reports the current lifecycle state.
func (h *Host) State() State { return State(h.state.Load()) }

// FatalErr returns the error that caused the worker to exit early, if any.
func (h *Host) FatalErr() error {
	if v := h.fatalErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Stop implements spec.md §4.C's complete_adding()+join(): it seals the
// queue so no further Enqueue can succeed, then waits for the worker to
// drain everything already queued and exit normally. This is distinct from
// the hard cancel token (h.cancel), which discards in-flight work instead of
// draining it; Stop only reaches for that fallback if the worker fails to
// drain within drainGrace, per spec.md's "hard cancel is the fallback when
// workers fail to drain." Safe to call multiple times.
func (h *Host) Stop() {
	if !h.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if State(h.state.Load()) == StateIdle {
			return
		}
	}
	h.sealOnce.Do(func() { close(h.sealed) })

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(h.drainGrace):
		h.logger.Warn("processor host failed to drain before grace period; aborting in-flight work",
			ports.Field{Key: "stream", Value: h.stream})
		if h.cancel != nil {
			h.cancel()
		}
		<-done
	}
	h.state.Store(int32(StateStopped))
}

func (h *Host) run(ctx context.Context) {
	defer h.wg.Done()

	batch := make([]ports.Event, 0, h.maxBatch)
	failed := false

	flush := func() {
		if len(batch) == 0 || failed {
			batch = batch[:0]
			return
		}
		if err := h.processor.Process(ctx, batch); err != nil {
			failed = true
			h.fatalErr.Store(err)
			h.logger.Error("processor returned fatal error",
				ports.Field{Key: "stream", Value: h.stream},
				ports.Field{Key: "error", Value: err.Error()})
			if h.onFatal != nil {
				h.onFatal(h.stream, err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Hard cancel: abandon in-flight work without draining the rest
			// of the queue (spec.md §4.C exit condition 1).
			return
		case <-h.sealed:
			// Queue sealed: drain everything already queued before exiting
			// (spec.md §4.C exit condition 2).
			h.drainSealed(&batch, flush)
			return
		case evt := <-h.queue:
			batch = append(batch, evt)
			h.fillBatch(ctx, &batch)
			flush()
			if failed {
				// Process error: onFatal has been told, and the worker
				// exits without taking more work.
				return
			}
		}
	}
}

// fillBatch opportunistically drains up to maxBatch-1 additional already-
// queued events without blocking, so a busy stream processes in batches
// instead of one event at a time.
func (h *Host) fillBatch(ctx context.Context, batch *[]ports.Event) {
	for len(*batch) < h.maxBatch {
		select {
		case evt := <-h.queue:
			*batch = append(*batch, evt)
		default:
			return
		}
	}
}

// drainSealed empties the entire remaining queue after Stop has sealed it,
// flushing every maxBatch-sized group along the way, so work already
// accepted from the producer is never discarded just because it exceeds one
// batch's worth.
func (h *Host) drainSealed(batch *[]ports.Event, flush func()) {
	for {
		select {
		case evt := <-h.queue:
			*batch = append(*batch, evt)
			if len(*batch) >= h.maxBatch {
				flush()
			}
		default:
			flush()
			return
		}
	}
}
