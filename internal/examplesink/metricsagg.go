package examplesink

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ibs-source/streamhost/internal/ports"
	"github.com/ibs-source/streamhost/pkg/jsonx"
	"github.com/ibs-source/streamhost/pkg/ringbuffer"
)

// MetricsAggConfig configures MetricsAggProcessor.
type MetricsAggConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	WindowSize    uint32 // must be a power of 2
	FlushKey      string
	FlushInterval time.Duration
}

// MetricsAggProcessor decodes each record's value as a bare float64 (e.g. a
// latency or size sample), keeps the most recent WindowSize samples in a
// lock-free ring buffer, and periodically flushes the window's sum/count to
// Redis. This is the kind of deployment where the teacher's ring buffer
// keeps its real semantics: a recent-window, drop-oldest-on-overflow
// structure is exactly right for "last N samples", unlike the core's
// processorhost queue, which must never drop (see DESIGN.md).
type MetricsAggProcessor struct {
	cfg    MetricsAggConfig
	logger ports.Logger
	redis  *redis.Client
	window *ringbuffer.RingBuffer[float64]

	mu        sync.Mutex
	lastFlush time.Time
}

// NewMetricsAggProcessor builds a MetricsAggProcessor and connects to Redis.
func NewMetricsAggProcessor(cfg MetricsAggConfig, logger ports.Logger) *MetricsAggProcessor {
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 1024
	}
	if cfg.FlushKey == "" {
		cfg.FlushKey = "streamhost:metricsagg"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &MetricsAggProcessor{
		cfg:       cfg,
		logger:    logger,
		redis:     rdb,
		window:    ringbuffer.New[float64](cfg.WindowSize),
		lastFlush: time.Now(),
	}
}

// StartTimestampOnRebalance implements ports.Processor: aggregation carries
// no per-partition replay requirement.
func (p *MetricsAggProcessor) StartTimestampOnRebalance(stream string) (time.Time, bool) {
	return time.Time{}, false
}

// Decode implements ports.Processor, parsing the raw value as a float64.
func (p *MetricsAggProcessor) Decode(value []byte) (ports.Event, error) {
	f, err := strconv.ParseFloat(string(value), 64)
	if err != nil {
		return nil, fmt.Errorf("examplesink: parse sample: %w", err)
	}
	return f, nil
}

// Process implements ports.Processor: push each sample into the sliding
// window, dropping the oldest sample on overflow, then flush if due.
func (p *MetricsAggProcessor) Process(ctx context.Context, batch []ports.Event) error {
	for _, evt := range batch {
		f, ok := evt.(float64)
		if !ok {
			return fmt.Errorf("examplesink: unexpected event type %T", evt)
		}
		sample := f
		p.window.EnsureCapacityOrDropOldest(1, nil)
		p.window.Put(&sample)
	}

	p.mu.Lock()
	due := time.Since(p.lastFlush) >= p.cfg.FlushInterval
	if due {
		p.lastFlush = time.Now()
	}
	p.mu.Unlock()

	if !due {
		return nil
	}
	return p.flush(ctx)
}

type windowSnapshot struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
}

func (p *MetricsAggProcessor) flush(ctx context.Context) error {
	var sum float64
	count := p.window.DrainTo(func(f *float64) {
		sum += *f
	})
	if count == 0 {
		return nil
	}

	snap := windowSnapshot{Count: count, Sum: sum, Mean: sum / float64(count)}
	payload, err := jsonx.Marshal(snap)
	if err != nil {
		return fmt.Errorf("examplesink: marshal snapshot: %w", err)
	}

	if err := p.redis.Set(ctx, p.cfg.FlushKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("examplesink: redis flush: %w", err)
	}
	p.logger.Debug("metrics window flushed",
		ports.Field{Key: "count", Value: count}, ports.Field{Key: "mean", Value: snap.Mean})
	return nil
}
