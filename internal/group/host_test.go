package group

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ibs-source/streamhost/internal/domain"
	"github.com/ibs-source/streamhost/internal/ports"
)

type nopLogger struct{}

func (nopLogger) Trace(string, ...ports.Field)             {}
func (nopLogger) Debug(string, ...ports.Field)             {}
func (nopLogger) Info(string, ...ports.Field)              {}
func (nopLogger) Warn(string, ...ports.Field)              {}
func (nopLogger) Error(string, ...ports.Field)              {}
func (nopLogger) Fatal(string, ...ports.Field)              {}
func (l nopLogger) WithFields(...ports.Field) ports.Logger { return l }

type allMatch struct{}

func (allMatch) Matches(string) bool { return true }

type stubProcessor struct {
	startTime   time.Time
	hasStart    bool
	mu          sync.Mutex
	decoded     [][]byte
	processed   [][]ports.Event
}

func (p *stubProcessor) StartTimestampOnRebalance(stream string) (time.Time, bool) {
	return p.startTime, p.hasStart
}

func (p *stubProcessor) Decode(value []byte) (ports.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decoded = append(p.decoded, value)
	return string(value), nil
}

func (p *stubProcessor) Process(ctx context.Context, batch []ports.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]ports.Event, len(batch))
	copy(cp, batch)
	p.processed = append(p.processed, cp)
	return nil
}

func (p *stubProcessor) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.processed {
		n += len(b)
	}
	return n
}

type stubProvider struct {
	proc ports.Processor
}

func (s *stubProvider) GetProcessor(stream string) (ports.Processor, error) { return s.proc, nil }

type fakeBroker struct {
	mu sync.Mutex

	metadata ports.Metadata

	subscribeCalls [][]string
	assignCalls    [][]domain.StreamPartitionOffset
	unassignCalls  int

	offsetsResult []domain.ResolvedOffset

	events chan *ports.BrokerEvent
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{events: make(chan *ports.BrokerEvent, 16)}
}

func (f *fakeBroker) GetMetadata(allStreams bool) (*ports.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md := f.metadata
	return &md, nil
}

func (f *fakeBroker) Subscribe(streams []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls = append(f.subscribeCalls, streams)
	return nil
}

func (f *fakeBroker) Assign(assignments []domain.StreamPartitionOffset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignCalls = append(f.assignCalls, assignments)
	return nil
}

func (f *fakeBroker) Unassign() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unassignCalls++
	return nil
}

func (f *fakeBroker) Poll(timeout time.Duration) *ports.BrokerEvent {
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(timeout):
		return nil
	}
}

func (f *fakeBroker) OffsetsForTimes(requests []domain.StreamPartitionTime, timeout time.Duration) ([]domain.ResolvedOffset, error) {
	return f.offsetsResult, nil
}

func (f *fakeBroker) Close() error { return nil }

func TestOnAssignedWithTimestampResolvesOffsets(t *testing.T) {
	proc := &stubProcessor{startTime: time.Now(), hasStart: true}
	broker := newFakeBroker()
	broker.offsetsResult = []domain.ResolvedOffset{
		{Stream: "orders-events", Partition: 0, Offset: 42},
	}

	h := New(broker, allMatch{}, &stubProvider{proc: proc}, nopLogger{}, domain.NewMetrics(), nil, Config{})

	h.onAssigned([]domain.StreamPartition{{Stream: "orders-events", Partition: 0}})

	if len(broker.assignCalls) != 1 {
		t.Fatalf("expected one Assign call, got %d", len(broker.assignCalls))
	}
	got := broker.assignCalls[0]
	if len(got) != 1 || got[0].Offset != 42 {
		t.Fatalf("expected resolved offset 42, got %+v", got)
	}
}

func TestOnAssignedWithoutTimestampUsesOffsetInvalid(t *testing.T) {
	proc := &stubProcessor{hasStart: false}
	broker := newFakeBroker()

	h := New(broker, allMatch{}, &stubProvider{proc: proc}, nopLogger{}, domain.NewMetrics(), nil, Config{})
	h.onAssigned([]domain.StreamPartition{{Stream: "orders-events", Partition: 0}})

	got := broker.assignCalls[0]
	if len(got) != 1 || got[0].Offset != domain.OffsetInvalid {
		t.Fatalf("expected OffsetInvalid, got %+v", got)
	}
}

func TestOnRevokedRemovesFromAssignmentAndUnassignsWhenEmpty(t *testing.T) {
	proc := &stubProcessor{hasStart: false}
	broker := newFakeBroker()

	h := New(broker, allMatch{}, &stubProvider{proc: proc}, nopLogger{}, domain.NewMetrics(), nil, Config{})
	sp := domain.StreamPartition{Stream: "orders-events", Partition: 0}
	h.onAssigned([]domain.StreamPartition{sp})
	h.onRevoked([]domain.StreamPartition{sp})

	if broker.unassignCalls != 1 {
		t.Fatalf("expected Unassign to be called once assignment is empty, got %d calls", broker.unassignCalls)
	}
}

func TestOnMessageDecodesAndDispatchesToStreamHost(t *testing.T) {
	proc := &stubProcessor{}
	broker := newFakeBroker()
	h := New(broker, allMatch{}, &stubProvider{proc: proc}, nopLogger{}, domain.NewMetrics(), nil,
		Config{HostQueueSize: 4, HostMaxBatch: 4})

	h.onAssigned([]domain.StreamPartition{{Stream: "orders-events", Partition: 0}})

	rec := &domain.Record{Stream: "orders-events", Partition: 0, Offset: 1, Value: []byte("payload")}
	h.onMessage(context.Background(), rec)

	deadline := time.Now().Add(2 * time.Second)
	for proc.total() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if proc.total() != 1 {
		t.Fatalf("expected message to be processed, got total %d", proc.total())
	}
	if h.fatal != nil {
		t.Fatalf("expected no fatal error for a known stream, got %v", h.fatal)
	}
}

func TestOnMessageForUnknownStreamIsFatal(t *testing.T) {
	proc := &stubProcessor{}
	broker := newFakeBroker()
	h := New(broker, allMatch{}, &stubProvider{proc: proc}, nopLogger{}, domain.NewMetrics(), nil,
		Config{HostQueueSize: 4, HostMaxBatch: 4})

	rec := &domain.Record{Stream: "orders-events", Partition: 0, Offset: 1, Value: []byte("payload")}
	h.onMessage(context.Background(), rec)

	if h.fatal == nil {
		t.Fatalf("expected dispatch to a stream absent from the table to set a fatal error")
	}
	if proc.total() != 0 {
		t.Fatalf("expected no processing to occur for an unknown stream, got total %d", proc.total())
	}
}

func TestOnAssignedPartitionExpansionOnlySendsNewPartitionThroughTimestampPath(t *testing.T) {
	proc := &stubProcessor{startTime: time.Now(), hasStart: true}
	broker := newFakeBroker()
	broker.offsetsResult = []domain.ResolvedOffset{
		{Stream: "orders-events", Partition: 2, Offset: 99},
	}

	h := New(broker, allMatch{}, &stubProvider{proc: proc}, nopLogger{}, domain.NewMetrics(), nil, Config{})

	h.onAssigned([]domain.StreamPartition{
		{Stream: "orders-events", Partition: 0},
		{Stream: "orders-events", Partition: 1},
	})
	if h.assigned[domain.StreamPartition{Stream: "orders-events", Partition: 0}] != domain.OffsetInvalid {
		t.Fatalf("expected partition 0 to start as OffsetInvalid")
	}

	h.onAssigned([]domain.StreamPartition{
		{Stream: "orders-events", Partition: 0},
		{Stream: "orders-events", Partition: 1},
		{Stream: "orders-events", Partition: 2},
	})

	got := h.assigned
	if got[domain.StreamPartition{Stream: "orders-events", Partition: 0}] != domain.OffsetInvalid {
		t.Fatalf("expected already-held partition 0 to re-emit as OffsetInvalid, got %+v", got)
	}
	if got[domain.StreamPartition{Stream: "orders-events", Partition: 1}] != domain.OffsetInvalid {
		t.Fatalf("expected already-held partition 1 to re-emit as OffsetInvalid, got %+v", got)
	}
	if got[domain.StreamPartition{Stream: "orders-events", Partition: 2}] != 99 {
		t.Fatalf("expected only the new partition 2 to resolve through the timestamp path, got %+v", got)
	}

	last := broker.assignCalls[len(broker.assignCalls)-1]
	if len(last) != 3 {
		t.Fatalf("expected the final Assign call to carry all 3 partitions, got %+v", last)
	}
}

func TestOnRevokedTearsDownStreamHostWhenPartitionsReachZero(t *testing.T) {
	proc := &stubProcessor{}
	broker := newFakeBroker()
	h := New(broker, allMatch{}, &stubProvider{proc: proc}, nopLogger{}, domain.NewMetrics(), nil,
		Config{HostQueueSize: 4, HostMaxBatch: 4})

	sp := domain.StreamPartition{Stream: "metrics-events", Partition: 0}
	h.onAssigned([]domain.StreamPartition{sp})

	if h.streamHost("metrics-events") == nil {
		t.Fatalf("expected a processor host to be created on assignment")
	}

	h.onRevoked([]domain.StreamPartition{sp})

	if h.streamHost("metrics-events") != nil {
		t.Fatalf("expected the processor host to be torn down and removed once its partitions reach zero")
	}
}

func TestRefreshSubscriptionOnlyResubscribesOnChange(t *testing.T) {
	proc := &stubProcessor{}
	broker := newFakeBroker()
	broker.metadata = ports.Metadata{Streams: []string{"orders-events", "payments-events"}}

	h := New(broker, allMatch{}, &stubProvider{proc: proc}, nopLogger{}, domain.NewMetrics(), nil, Config{})

	if err := h.refreshSubscription(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.refreshSubscription(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(broker.subscribeCalls) != 1 {
		t.Fatalf("expected exactly one Subscribe call when stream set is unchanged, got %d", len(broker.subscribeCalls))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	proc := &stubProcessor{}
	broker := newFakeBroker()
	h := New(broker, allMatch{}, &stubProvider{proc: proc}, nopLogger{}, domain.NewMetrics(), nil,
		Config{PollTimeout: 10 * time.Millisecond, SubscriptionRefresh: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
