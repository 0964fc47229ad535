// Package broker adapts github.com/confluentinc/confluent-kafka-go/v2 to
// ports.BrokerClient, so the group host depends only on the ports interface.
package broker

import (
	"fmt"
	"time"

	kafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/ibs-source/streamhost/internal/domain"
	"github.com/ibs-source/streamhost/internal/ports"
)

// Client wraps a kafka.Consumer. All methods except Close must be called
// from a single goroutine (the group host's poll thread); the underlying
// librdkafka handle is not safe for concurrent Poll calls.
type Client struct {
	consumer *kafka.Consumer
	logger   ports.Logger
	pending  chan *ports.BrokerEvent
}

// Config is the subset of broker connection settings the client needs.
// Loaded from internal/config.KafkaConfig.
type Config struct {
	BootstrapServers string
	GroupID          string
	ClientID         string
	AutoOffsetReset  string
	SessionTimeout   time.Duration
	Extra            map[string]string // raw librdkafka config overrides
}

// New dials the broker cluster and returns a ready-to-poll Client. No
// subscription or assignment happens here; the caller drives that through
// Subscribe/Assign once the rebalance loop is ready to receive events.
func New(cfg Config, logger ports.Logger) (*Client, error) {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":       cfg.BootstrapServers,
		"group.id":                cfg.GroupID,
		"client.id":               cfg.ClientID,
		"auto.offset.reset":       cfg.AutoOffsetReset,
		"session.timeout.ms":      int(cfg.SessionTimeout / time.Millisecond),
		"enable.auto.commit":      true,
		"go.events.channel.enable": false,
		"go.logs.channel.enable":  true,
	}
	for k, v := range cfg.Extra {
		if err := cm.SetKey(k, v); err != nil {
			return nil, fmt.Errorf("broker: set config %q: %w", k, err)
		}
	}

	consumer, err := kafka.NewConsumer(cm)
	if err != nil {
		return nil, fmt.Errorf("broker: new consumer: %w", err)
	}

	return &Client{consumer: consumer, logger: logger}, nil
}

// GetMetadata implements ports.BrokerClient.
func (c *Client) GetMetadata(allStreams bool) (*ports.Metadata, error) {
	md, err := c.consumer.GetMetadata(nil, allStreams, 10000)
	if err != nil {
		return nil, fmt.Errorf("broker: get metadata: %w", err)
	}
	streams := make([]string, 0, len(md.Topics))
	for topic := range md.Topics {
		streams = append(streams, topic)
	}
	return &ports.Metadata{Streams: streams}, nil
}

// Subscribe implements ports.BrokerClient. The rebalance callback translates
// confluent-kafka-go's AssignedPartitions/RevokedPartitions events into
// BrokerEvents surfaced through Poll, rather than acting on them directly,
// so the group host's single poll thread remains the only place assignment
// decisions are made (spec.md §4.D.1).
func (c *Client) Subscribe(streams []string) error {
	pending := make(chan *ports.BrokerEvent, 2)
	c.pending = pending

	err := c.consumer.SubscribeTopics(streams, func(_ *kafka.Consumer, ev kafka.Event) error {
		switch e := ev.(type) {
		case kafka.AssignedPartitions:
			pending <- &ports.BrokerEvent{Kind: ports.EventPartitionsAssigned, Assigned: toStreamPartitions(e.Partitions)}
		case kafka.RevokedPartitions:
			pending <- &ports.BrokerEvent{Kind: ports.EventPartitionsRevoked, Revoked: toStreamPartitions(e.Partitions)}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("broker: subscribe: %w", err)
	}
	return nil
}

// Assign implements ports.BrokerClient.
func (c *Client) Assign(assignments []domain.StreamPartitionOffset) error {
	parts := make([]kafka.TopicPartition, 0, len(assignments))
	for _, a := range assignments {
		parts = append(parts, kafka.TopicPartition{
			Topic:     &a.Stream,
			Partition: a.Partition,
			Offset:    kafka.Offset(a.Offset),
		})
	}
	if err := c.consumer.Assign(parts); err != nil {
		return fmt.Errorf("broker: assign: %w", err)
	}
	return nil
}

// Unassign implements ports.BrokerClient.
func (c *Client) Unassign() error {
	if err := c.consumer.Unassign(); err != nil {
		return fmt.Errorf("broker: unassign: %w", err)
	}
	return nil
}

// Poll implements ports.BrokerClient. A pending rebalance event queued by
// the Subscribe callback is drained before a fresh call into librdkafka, so
// assign/revoke events are never reordered relative to messages.
func (c *Client) Poll(timeout time.Duration) *ports.BrokerEvent {
	if c.pending != nil {
		select {
		case ev := <-c.pending:
			return ev
		default:
		}
	}

	ev := c.consumer.Poll(int(timeout / time.Millisecond))
	if ev == nil {
		return nil
	}
	return c.translate(ev)
}

func (c *Client) translate(ev kafka.Event) *ports.BrokerEvent {
	switch e := ev.(type) {
	case *kafka.Message:
		return &ports.BrokerEvent{Kind: ports.EventMessage, Message: toRecord(e)}
	case kafka.AssignedPartitions:
		return &ports.BrokerEvent{Kind: ports.EventPartitionsAssigned, Assigned: toStreamPartitions(e.Partitions)}
	case kafka.RevokedPartitions:
		return &ports.BrokerEvent{Kind: ports.EventPartitionsRevoked, Revoked: toStreamPartitions(e.Partitions)}
	case kafka.Error:
		return &ports.BrokerEvent{Kind: ports.EventError, Err: e}
	case *kafka.Stats:
		return &ports.BrokerEvent{Kind: ports.EventStats, Stats: e.String()}
	case kafka.PartitionEOF:
		return &ports.BrokerEvent{Kind: ports.EventPartitionEOF, EOF: domain.StreamPartition{
			Stream: topicOf(e.Topic), Partition: e.Partition,
		}}
	case kafka.OffsetsCommitted:
		offs := make([]domain.StreamPartitionOffset, 0, len(e.Offsets))
		for _, tp := range e.Offsets {
			offs = append(offs, domain.StreamPartitionOffset{
				Stream: topicOf(tp.Topic), Partition: tp.Partition, Offset: int64(tp.Offset),
			})
		}
		return &ports.BrokerEvent{Kind: ports.EventOffsetsCommitted, Committed: ports.CommitResult{Offsets: offs, Err: e.Error}}
	default:
		c.logger.Debug("broker: unhandled event type", ports.Field{Key: "type", Value: fmt.Sprintf("%T", ev)})
		return &ports.BrokerEvent{Kind: ports.EventNone}
	}
}

// OffsetsForTimes implements ports.BrokerClient. A zero timeout means block
// forever, matching confluent-kafka-go's own -1-millisecond convention. Each
// result's TopicPartition.Error is carried through rather than ignored, since
// librdkafka can fail to resolve one partition's timestamp while resolving
// its siblings successfully.
func (c *Client) OffsetsForTimes(requests []domain.StreamPartitionTime, timeout time.Duration) ([]domain.ResolvedOffset, error) {
	parts := make([]kafka.TopicPartition, 0, len(requests))
	for _, r := range requests {
		stream := r.Stream
		parts = append(parts, kafka.TopicPartition{
			Topic:     &stream,
			Partition: r.Partition,
			Offset:    kafka.Offset(r.Time.UnixMilli()),
		})
	}

	timeoutMs := -1
	if timeout > 0 {
		timeoutMs = int(timeout / time.Millisecond)
	}

	resolved, err := c.consumer.OffsetsForTimes(parts, timeoutMs)
	if err != nil {
		return nil, fmt.Errorf("broker: offsets for times: %w", err)
	}

	out := make([]domain.ResolvedOffset, 0, len(resolved))
	for _, tp := range resolved {
		r := domain.ResolvedOffset{Stream: topicOf(tp.Topic), Partition: tp.Partition, Err: tp.Error}
		if tp.Error != nil {
			r.Offset = domain.OffsetInvalid
		} else {
			r.Offset = int64(tp.Offset)
		}
		out = append(out, r)
	}
	return out, nil
}

// Close implements ports.BrokerClient.
func (c *Client) Close() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("broker: close: %w", err)
	}
	return nil
}

func toRecord(m *kafka.Message) *domain.Record {
	var key []byte
	if len(m.Key) > 0 {
		key = m.Key
	}
	return &domain.Record{
		Stream:    topicOf(m.TopicPartition.Topic),
		Partition: m.TopicPartition.Partition,
		Offset:    int64(m.TopicPartition.Offset),
		Timestamp: m.Timestamp,
		Key:       key,
		Value:     m.Value,
	}
}

func toStreamPartitions(tps []kafka.TopicPartition) []domain.StreamPartition {
	out := make([]domain.StreamPartition, 0, len(tps))
	for _, tp := range tps {
		out = append(out, domain.StreamPartition{Stream: topicOf(tp.Topic), Partition: tp.Partition})
	}
	return out
}

func topicOf(t *string) string {
	if t == nil {
		return ""
	}
	return *t
}
