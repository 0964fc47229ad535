// Package examplesink contains concrete ports.Processor implementations.
// These are sample deployments of the consumer group host, not part of its
// core (spec.md scopes concrete processors out of the core's boundary) —
// kept here to demonstrate wiring a real processor against the ports
// interfaces, and to exercise dependencies a production deployment of this
// host would plausibly need.
package examplesink

import (
	"context"
	"fmt"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"

	"github.com/ibs-source/streamhost/internal/ports"
)

// ErrorForwardConfig configures ErrorForwardProcessor.
type ErrorForwardConfig struct {
	Brokers        []string
	ClientID       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// ErrorForwardProcessor decodes records as raw text and republishes every
// batch onward over MQTT, useful when this host sits in front of a legacy
// alerting pipeline that already consumes from an MQTT topic.
type ErrorForwardProcessor struct {
	cfg    ErrorForwardConfig
	logger ports.Logger
	client mqttlib.Client
}

// NewErrorForwardProcessor connects to the configured MQTT brokers and
// returns a ready-to-use processor.
func NewErrorForwardProcessor(cfg ErrorForwardConfig, logger ports.Logger) (*ErrorForwardProcessor, error) {
	opts := mqttlib.NewClientOptions()
	for _, b := range cfg.Brokers {
		opts.AddBroker(b)
	}
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)

	c := mqttlib.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("examplesink: mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("examplesink: mqtt connect: %w", err)
	}

	return &ErrorForwardProcessor{cfg: cfg, logger: logger, client: c}, nil
}

// StartTimestampOnRebalance implements ports.Processor. This processor
// replays nothing on rebalance; new partitions resume from whatever the
// broker has committed.
func (p *ErrorForwardProcessor) StartTimestampOnRebalance(stream string) (time.Time, bool) {
	return time.Time{}, false
}

// Decode implements ports.Processor: the raw bytes are forwarded as-is.
func (p *ErrorForwardProcessor) Decode(value []byte) (ports.Event, error) {
	return value, nil
}

// Process implements ports.Processor, publishing each event in the batch to
// the configured MQTT topic.
func (p *ErrorForwardProcessor) Process(ctx context.Context, batch []ports.Event) error {
	for _, evt := range batch {
		payload, ok := evt.([]byte)
		if !ok {
			return fmt.Errorf("examplesink: unexpected event type %T", evt)
		}
		token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
		if !token.WaitTimeout(p.cfg.WriteTimeout) {
			return fmt.Errorf("examplesink: mqtt publish timed out")
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("examplesink: mqtt publish: %w", err)
		}
	}
	return nil
}

// Close disconnects the MQTT client.
func (p *ErrorForwardProcessor) Close() {
	p.client.Disconnect(250)
}
