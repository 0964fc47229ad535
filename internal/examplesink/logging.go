package examplesink

import (
	"context"
	"time"

	"github.com/ibs-source/streamhost/internal/ports"
)

// LoggingProcessor is the default ports.Processor used when no concrete
// deployment plugin is configured (PROCESSOR_KIND unset or "logging"). It
// decodes nothing and simply logs batch sizes, useful for smoke-testing a
// new stream's wiring before a real processor is plugged in.
type LoggingProcessor struct {
	logger ports.Logger
}

// NewLoggingProcessor builds a LoggingProcessor.
func NewLoggingProcessor(logger ports.Logger) *LoggingProcessor {
	return &LoggingProcessor{logger: logger}
}

// StartTimestampOnRebalance implements ports.Processor: always resume from
// the broker's last committed offset.
func (p *LoggingProcessor) StartTimestampOnRebalance(stream string) (time.Time, bool) {
	return time.Time{}, false
}

// Decode implements ports.Processor, passing the raw bytes through unchanged.
func (p *LoggingProcessor) Decode(value []byte) (ports.Event, error) {
	return value, nil
}

// Process implements ports.Processor, logging the batch size only.
func (p *LoggingProcessor) Process(ctx context.Context, batch []ports.Event) error {
	p.logger.Info("batch received", ports.Field{Key: "size", Value: len(batch)})
	return nil
}
