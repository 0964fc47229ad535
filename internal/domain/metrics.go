package domain

import (
	"sync/atomic"
	"time"
)

// Metrics holds atomic, process-wide counters for the consumer group host.
// Shape grounded on the teacher's internal/domain/metrics.go.
type Metrics struct {
	RecordsReceived  atomic.Uint64
	RecordsProcessed atomic.Uint64
	RecordsDropped   atomic.Uint64
	ConsumeErrors    atomic.Uint64
	DecodeErrors     atomic.Uint64
	ProcessErrors    atomic.Uint64

	ProcessingTimeNs atomic.Uint64

	ActiveStreams atomic.Int32
	QueueDepth    atomic.Int32

	StartTime time.Time
}

// NewMetrics creates a fresh metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

// Snapshot is a point-in-time copy of the counters, safe to log or export.
type Snapshot struct {
	Timestamp        time.Time
	RecordsReceived  uint64
	RecordsProcessed uint64
	RecordsDropped   uint64
	ConsumeErrors    uint64
	DecodeErrors     uint64
	ProcessErrors    uint64
	ThroughputRate   float64
	ActiveStreams    int32
	QueueDepth       int32
}

// Snapshot takes a consistent-enough snapshot of the counters for reporting.
func (m *Metrics) Snapshot() Snapshot {
	elapsed := time.Since(m.StartTime).Seconds()
	received := m.RecordsReceived.Load()
	var rate float64
	if elapsed > 0 {
		rate = float64(received) / elapsed
	}
	return Snapshot{
		Timestamp:        time.Now(),
		RecordsReceived:  received,
		RecordsProcessed: m.RecordsProcessed.Load(),
		RecordsDropped:   m.RecordsDropped.Load(),
		ConsumeErrors:    m.ConsumeErrors.Load(),
		DecodeErrors:     m.DecodeErrors.Load(),
		ProcessErrors:    m.ProcessErrors.Load(),
		ThroughputRate:   rate,
		ActiveStreams:    m.ActiveStreams.Load(),
		QueueDepth:       m.QueueDepth.Load(),
	}
}
