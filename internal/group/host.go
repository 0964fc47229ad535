// Package group implements the consumer group host: a single poll thread
// that discovers streams, drives broker rebalances, and dispatches decoded
// records to per-stream processorhost.Host workers (spec.md §4.D).
package group

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ibs-source/streamhost/internal/domain"
	"github.com/ibs-source/streamhost/internal/ports"
	"github.com/ibs-source/streamhost/internal/processorhost"
)

// Config controls the group host's polling and subscription-refresh cadence.
type Config struct {
	PollTimeout         time.Duration
	SubscriptionRefresh time.Duration
	HostQueueSize       int
	HostMaxBatch        int
}

// Host is the consumer group host. Exactly one goroutine (the one running
// Run) ever calls into Broker; this is the "single poll thread owns the
// client" design spec.md §4.D requires, so that rebalance callbacks,
// message delivery, and subscription changes never race each other.
type Host struct {
	broker   ports.BrokerClient
	filter   ports.StreamFilter
	provider ports.ProcessorProvider
	logger   ports.Logger
	metrics  *domain.Metrics
	cb       ports.CircuitBreaker

	cfg Config

	// assigned tracks, for every partition currently held across all streams,
	// the offset the next Assign call should resume it from. Presence of a
	// key is also how onAssigned tells an already-held partition from a
	// newly-assigned one, since BrokerClient.Assign replaces the whole
	// assignment rather than patching it.
	assigned map[domain.StreamPartition]int64

	streams     map[string]*processorhost.Host
	subscribed  []string
	lastRefresh time.Time

	// fatal is set by dispatch paths that spec.md treats as programmer-error
	// state corruption (a message for a stream absent from the assignment
	// table); Run observes it after each dispatch and exits with it.
	fatal error

	mu sync.Mutex // guards streams
}

// New builds a Host. cb may be nil, in which case blocking broker calls run
// unguarded.
func New(broker ports.BrokerClient, filter ports.StreamFilter, provider ports.ProcessorProvider, logger ports.Logger, metrics *domain.Metrics, cb ports.CircuitBreaker, cfg Config) *Host {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	if cfg.SubscriptionRefresh <= 0 {
		cfg.SubscriptionRefresh = 30 * time.Second
	}
	return &Host{
		broker:   broker,
		filter:   filter,
		provider: provider,
		logger:   logger,
		metrics:  metrics,
		cb:       cb,
		cfg:      cfg,
		assigned: make(map[domain.StreamPartition]int64),
		streams:  make(map[string]*processorhost.Host),
	}
}

// Run drives the poll loop until ctx is done. It refreshes the subscription
// on the configured cadence, polls the broker for the next event, and
// dispatches it, all from the calling goroutine (spec.md §4.D.1).
func (h *Host) Run(ctx context.Context) error {
	if err := h.refreshSubscription(); err != nil {
		return fmt.Errorf("group: initial subscription: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdownStreams()
			return ctx.Err()
		default:
		}

		if time.Since(h.lastRefresh) >= h.cfg.SubscriptionRefresh {
			if err := h.refreshSubscription(); err != nil {
				h.logger.Error("subscription refresh failed", ports.Field{Key: "error", Value: err.Error()})
			}
		}

		ev := h.broker.Poll(h.cfg.PollTimeout)
		if ev == nil {
			continue
		}
		h.dispatch(ctx, ev)

		if h.fatal != nil {
			h.shutdownStreams()
			return h.fatal
		}
	}
}

// refreshSubscription discovers streams via broker metadata, filters them,
// and re-subscribes only when the filtered set has changed (spec.md
// §4.D.2). A circuit breaker guards the metadata call since it blocks the
// poll thread.
func (h *Host) refreshSubscription() error {
	h.lastRefresh = time.Now()

	var md *ports.Metadata
	call := func() error {
		var err error
		md, err = h.broker.GetMetadata(true)
		return err
	}
	if err := h.guarded(call); err != nil {
		return fmt.Errorf("get metadata: %w", err)
	}

	matched := make([]string, 0, len(md.Streams))
	for _, s := range md.Streams {
		if h.filter.Matches(s) {
			matched = append(matched, s)
		}
	}
	sort.Strings(matched)

	if stringsEqual(matched, h.subscribed) {
		return nil
	}

	h.logger.Info("subscription changed",
		ports.Field{Key: "streams", Value: len(matched)})

	if err := h.broker.Subscribe(matched); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	h.subscribed = matched
	return nil
}

// dispatch routes a single BrokerEvent to its handler (spec.md §4.D.6).
func (h *Host) dispatch(ctx context.Context, ev *ports.BrokerEvent) {
	switch ev.Kind {
	case ports.EventMessage:
		h.onMessage(ctx, ev.Message)
	case ports.EventPartitionsAssigned:
		h.onAssigned(ev.Assigned)
	case ports.EventPartitionsRevoked:
		h.onRevoked(ev.Revoked)
	case ports.EventError:
		h.metrics.ConsumeErrors.Add(1)
		h.logger.Error("broker error", ports.Field{Key: "error", Value: ev.Err.Error()})
	case ports.EventConsumeError:
		h.metrics.ConsumeErrors.Add(1)
		h.logger.Warn("consume error", ports.Field{Key: "error", Value: ev.ConsumeErr.Error()})
	case ports.EventLog:
		h.logger.Debug(ev.Log.Text, ports.Field{Key: "tag", Value: ev.Log.Tag}, ports.Field{Key: "level", Value: ev.Log.Level})
	case ports.EventStats:
		h.logger.Trace("broker stats", ports.Field{Key: "stats", Value: ev.Stats})
	case ports.EventPartitionEOF:
		h.logger.Debug("partition eof",
			ports.Field{Key: "stream", Value: ev.EOF.Stream},
			ports.Field{Key: "partition", Value: ev.EOF.Partition})
	case ports.EventOffsetsCommitted:
		if ev.Committed.Err != nil {
			h.logger.Warn("offset commit failed", ports.Field{Key: "error", Value: ev.Committed.Err.Error()})
		}
	case ports.EventNone:
	}
}

// onAssigned implements spec.md §4.D.4: group the incoming partitions by
// stream, and for each stream compute new_partitions = the partitions not
// already held. Only new_partitions go through StartTimestampOnRebalance (at
// most once per stream, never per partition) and offsets_for_times; a
// partition this host already held re-emits as domain.OffsetInvalid directly
// — it is already being consumed, so it must not be re-seeked.
func (h *Host) onAssigned(assigned []domain.StreamPartition) {
	byStream := make(map[string][]domain.StreamPartition)
	order := make([]string, 0)
	for _, sp := range assigned {
		if _, ok := byStream[sp.Stream]; !ok {
			order = append(order, sp.Stream)
		}
		byStream[sp.Stream] = append(byStream[sp.Stream], sp)
	}

	byTime := make([]domain.StreamPartitionTime, 0)

	for _, stream := range order {
		partitions := byStream[stream]

		proc, err := h.provider.GetProcessor(stream)
		if err != nil {
			h.logger.Error("processor lookup failed on assign",
				ports.Field{Key: "stream", Value: stream}, ports.Field{Key: "error", Value: err.Error()})
			for _, sp := range partitions {
				h.assigned[sp] = domain.OffsetInvalid
			}
			continue
		}
		h.ensureStreamHost(stream, proc)

		newPartitions := make([]domain.StreamPartition, 0, len(partitions))
		for _, sp := range partitions {
			if _, held := h.assigned[sp]; held {
				h.assigned[sp] = domain.OffsetInvalid
				continue
			}
			newPartitions = append(newPartitions, sp)
		}
		if len(newPartitions) == 0 {
			continue
		}

		ts, ok := proc.StartTimestampOnRebalance(stream)
		if !ok {
			for _, sp := range newPartitions {
				h.assigned[sp] = domain.OffsetInvalid
			}
			continue
		}
		for _, sp := range newPartitions {
			byTime = append(byTime, domain.StreamPartitionTime{Stream: sp.Stream, Partition: sp.Partition, Time: ts})
		}
	}

	if len(byTime) > 0 {
		// Every requested partition starts at OffsetInvalid, so one the broker
		// leaves out of its reply still ends up in the assignment.
		requested := make(map[domain.StreamPartition]struct{}, len(byTime))
		for _, bt := range byTime {
			sp := domain.StreamPartition{Stream: bt.Stream, Partition: bt.Partition}
			requested[sp] = struct{}{}
			h.assigned[sp] = domain.OffsetInvalid
		}

		var resolved []domain.ResolvedOffset
		call := func() error {
			var err error
			resolved, err = h.broker.OffsetsForTimes(byTime, 0)
			return err
		}
		if err := h.guarded(call); err != nil {
			h.logger.Error("offsets for times failed", ports.Field{Key: "error", Value: err.Error()})
			for _, bt := range byTime {
				h.assigned[domain.StreamPartition{Stream: bt.Stream, Partition: bt.Partition}] = domain.OffsetInvalid
			}
		} else {
			for _, r := range resolved {
				sp := domain.StreamPartition{Stream: r.Stream, Partition: r.Partition}
				if _, ok := requested[sp]; !ok {
					continue
				}
				if r.Err != nil {
					h.logger.Error("offsets for times failed for partition",
						ports.Field{Key: "stream", Value: r.Stream},
						ports.Field{Key: "partition", Value: r.Partition},
						ports.Field{Key: "error", Value: r.Err.Error()})
					h.assigned[sp] = domain.OffsetInvalid
					continue
				}
				h.assigned[sp] = r.Offset
			}
		}
	}

	h.applyAssignment()
}

// onRevoked implements spec.md §4.D.3: drop the revoked partitions from the
// tracked assignment, tear down any stream left with zero partitions (spec.md
// §3's ProcessorEntry lifecycle: "destroyed when a rebalance yields no
// partitions for the stream"), and re-apply what remains.
func (h *Host) onRevoked(revoked []domain.StreamPartition) {
	affected := make(map[string]struct{}, len(revoked))
	for _, sp := range revoked {
		delete(h.assigned, sp)
		affected[sp.Stream] = struct{}{}
	}

	for stream := range affected {
		if !h.streamHasPartitions(stream) {
			h.teardownStream(stream)
		}
	}

	h.applyAssignment()
}

// streamHasPartitions reports whether any partition of stream remains in the
// tracked assignment.
func (h *Host) streamHasPartitions(stream string) bool {
	for sp := range h.assigned {
		if sp.Stream == stream {
			return true
		}
	}
	return false
}

// teardownStream removes stream's processorhost.Host from the table and
// drains and joins it before returning, so the set of table entries always
// equals the set of streams in the most recently accepted assignment
// (spec.md §8 Invariant 1).
func (h *Host) teardownStream(stream string) {
	h.mu.Lock()
	sh, ok := h.streams[stream]
	if ok {
		delete(h.streams, stream)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	sh.Stop()
	h.metrics.ActiveStreams.Add(-1)
	h.logger.Info("stream processor torn down", ports.Field{Key: "stream", Value: stream})
}

// applyAssignment pushes the full tracked assignment to the broker.
// BrokerClient.Assign replaces the whole set, so every call must include
// every partition this host still owns, not just the delta.
func (h *Host) applyAssignment() {
	if len(h.assigned) == 0 {
		if err := h.broker.Unassign(); err != nil {
			h.logger.Error("unassign failed", ports.Field{Key: "error", Value: err.Error()})
		}
		return
	}

	out := make([]domain.StreamPartitionOffset, 0, len(h.assigned))
	for sp, offset := range h.assigned {
		out = append(out, domain.StreamPartitionOffset{Stream: sp.Stream, Partition: sp.Partition, Offset: offset})
	}
	if err := h.broker.Assign(out); err != nil {
		h.logger.Error("assign failed", ports.Field{Key: "error", Value: err.Error()})
	}
}

// onMessage implements spec.md §4.D.5: decode on the poll thread, then hand
// the decoded event to the owning stream's processorhost.Host, blocking
// (applying backpressure to the poll thread itself) if that stream's queue
// is full. A stream absent from the table is never created here — by the
// time a message can be dispatched, onAssigned must already have created its
// entry; absence means the assignment table and the broker's actual
// assignment have diverged, which spec.md §7 calls a programmer error and
// treats as fatal rather than something to paper over.
func (h *Host) onMessage(ctx context.Context, rec *domain.Record) {
	h.metrics.RecordsReceived.Add(1)

	host := h.streamHost(rec.Stream)
	if host == nil {
		h.metrics.ConsumeErrors.Add(1)
		h.fatal = fmt.Errorf("group: message dispatched for stream %q absent from the processor table", rec.Stream)
		h.logger.Error("dispatched stream missing from processor table; fatal",
			ports.Field{Key: "stream", Value: rec.Stream})
		return
	}

	evt, err := host.Processor().Decode(rec.Value)
	if err != nil {
		h.metrics.DecodeErrors.Add(1)
		h.logger.Warn("decode failed",
			ports.Field{Key: "stream", Value: rec.Stream},
			ports.Field{Key: "partition", Value: rec.Partition},
			ports.Field{Key: "offset", Value: rec.Offset},
			ports.Field{Key: "error", Value: err.Error()})
		return
	}

	if err := host.Enqueue(ctx, evt); err != nil {
		h.logger.Warn("enqueue aborted",
			ports.Field{Key: "stream", Value: rec.Stream}, ports.Field{Key: "error", Value: err.Error()})
		return
	}
	h.metrics.RecordsProcessed.Add(1)
}

func (h *Host) streamHost(stream string) *processorhost.Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[stream]
}

// ensureStreamHost lazily starts a processorhost.Host for stream the first
// time onAssigned sees it. Idempotent: a stream already in the table is
// returned unchanged.
func (h *Host) ensureStreamHost(stream string, proc ports.Processor) *processorhost.Host {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.streams[stream]; ok {
		return existing
	}

	onFatal := func(stream string, err error) {
		h.metrics.ProcessErrors.Add(1)
		h.logger.Error("stream worker exited fatally",
			ports.Field{Key: "stream", Value: stream}, ports.Field{Key: "error", Value: err.Error()})
	}

	sh := processorhost.New(stream, proc, h.logger,
		processorhost.Config{QueueSize: h.cfg.HostQueueSize, MaxBatch: h.cfg.HostMaxBatch}, onFatal)
	sh.Start(context.Background())
	h.streams[stream] = sh
	h.metrics.ActiveStreams.Add(1)
	return sh
}

func (h *Host) shutdownStreams() {
	h.mu.Lock()
	streams := make([]*processorhost.Host, 0, len(h.streams))
	for _, sh := range h.streams {
		streams = append(streams, sh)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, sh := range streams {
		wg.Add(1)
		go func(sh *processorhost.Host) {
			defer wg.Done()
			sh.Stop()
		}(sh)
	}
	wg.Wait()
}

// guarded runs call through the circuit breaker when one is configured.
func (h *Host) guarded(call func() error) error {
	if h.cb == nil {
		return call()
	}
	return h.cb.Execute(call)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
