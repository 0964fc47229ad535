// Package ports defines the interfaces that decouple the consumer group host
// from its external collaborators: the broker client, the logger, and the
// domain-specific processor a concrete deployment plugs in.
package ports

import (
	"context"
	"time"

	"github.com/ibs-source/streamhost/internal/domain"
)

// Logger defines the interface for structured logging.
type Logger interface {
	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// Field represents a single structured logging field.
type Field struct {
	Key   string
	Value interface{}
}

// StreamFilter decides whether a discovered stream belongs to this host.
// Implementations must be pure and side-effect-free (spec.md §4.A).
type StreamFilter interface {
	Matches(stream string) bool
}

// Event is a deserialized domain event produced by a Processor's Decode.
type Event = interface{}

// Processor is the domain-specific consumer of deserialized events for a
// single stream (spec.md §4.B/§6). One Processor instance may be shared by
// several streams (caching is the provider's responsibility). For one stream,
// Process calls are sequential on that stream's worker goroutine, while Decode
// runs on the poll goroutine and can overlap a Process call.
type Processor interface {
	// StartTimestampOnRebalance returns the wall-clock time the host should
	// resume from for newly-assigned partitions of stream, or ok=false to
	// resume from the broker's last committed offset. Called at most once per
	// stream per rebalance; must be idempotent within a rebalance.
	StartTimestampOnRebalance(stream string) (t time.Time, ok bool)

	// Decode converts a raw record value into the processor's event type.
	// A returned error causes the record to be logged and skipped.
	Decode(value []byte) (Event, error)

	// Process consumes a batch of decoded events. May block; must return
	// promptly once ctx is done. A returned error is fatal for the owning
	// worker (spec.md §4.C/§7).
	Process(ctx context.Context, batch []Event) error
}

// ProcessorProvider resolves a stream name to its Processor, optionally
// caching by a derived key so multiple streams can share one processor
// instance (spec.md §4.B/§9). Never called concurrently.
type ProcessorProvider interface {
	GetProcessor(stream string) (Processor, error)
}

// EventKind tags the variant carried by a BrokerEvent.
type EventKind int

const (
	EventNone EventKind = iota
	EventMessage
	EventPartitionsAssigned
	EventPartitionsRevoked
	EventError
	EventConsumeError
	EventLog
	EventStats
	EventPartitionEOF
	EventOffsetsCommitted
)

// LogRecord carries a broker client log line with its librdkafka-style
// numeric syslog level (spec.md §4.D.6).
type LogRecord struct {
	Level int
	Tag   string
	Text  string
}

// CommitResult reports the outcome of an asynchronous offset commit.
type CommitResult struct {
	Offsets []domain.StreamPartitionOffset
	Err     error
}

// BrokerEvent is a tagged union of everything the broker's poll loop can
// surface on a single call to Poll (spec.md §4.D.6, §9's "BrokerEvents"
// capability collapsed into one struct rather than a method set or channel
// of distinct types, since the group host consumes events synchronously one
// at a time on its single poll thread).
type BrokerEvent struct {
	Kind EventKind

	Message *domain.Record

	Assigned []domain.StreamPartition
	Revoked  []domain.StreamPartition

	Err           error
	ConsumeErr    error
	ConsumeRecord *domain.Record

	Log LogRecord

	Stats string

	EOF domain.StreamPartition

	Committed CommitResult
}

// Metadata is the subset of cluster metadata the core needs: the full set of
// stream (topic) names currently known to the broker.
type Metadata struct {
	Streams []string
}

// BrokerClient is the set of capabilities the consumer group host requires
// from the broker client library (spec.md §6). The concrete implementation
// (internal/broker) wraps confluent-kafka-go; the group host depends only on
// this interface, never on the client library directly.
type BrokerClient interface {
	// GetMetadata asks the broker for cluster metadata. When allStreams is
	// true, every stream known to the cluster is returned.
	GetMetadata(allStreams bool) (*Metadata, error)

	// Subscribe replaces the current subscription with streams. The broker
	// will emit revoke-then-assign BrokerEvents for the diff on a subsequent
	// Poll.
	Subscribe(streams []string) error

	// Assign replaces the current partition assignment.
	Assign(assignments []domain.StreamPartitionOffset) error

	// Unassign clears the current partition assignment.
	Unassign() error

	// Poll blocks for at most timeout waiting for the next event, or returns
	// nil on timeout. Must only ever be called from the poll thread.
	Poll(timeout time.Duration) *BrokerEvent

	// OffsetsForTimes resolves, for each requested stream/partition/time, the
	// earliest offset whose record timestamp is >= the requested time. A zero
	// timeout means block until the broker responds (spec.md §4.D.4: "with
	// an infinite timeout"). The returned error is only for request-level
	// failures (e.g. the call itself timing out); a per-partition lookup
	// failure is reported through that entry's domain.ResolvedOffset.Err, since
	// one partition erroring must not invalidate its siblings' results.
	OffsetsForTimes(requests []domain.StreamPartitionTime, timeout time.Duration) ([]domain.ResolvedOffset, error)

	// Close releases the underlying client. Must be called after the poll
	// thread has stopped calling Poll.
	Close() error
}

// CircuitBreaker guards a blocking external call from cascading failure.
type CircuitBreaker interface {
	Execute(fn func() error) error
	GetState() string
	GetStats() CircuitBreakerStats
}

// CircuitBreakerStats reports point-in-time circuit breaker counters.
type CircuitBreakerStats struct {
	Requests            uint64
	TotalSuccess        uint64
	TotalFailure        uint64
	ConsecutiveFailures uint64
	State               string
}
