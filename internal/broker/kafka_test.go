package broker

import (
	"testing"
	"time"

	kafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

func TestTopicOfNilIsEmptyString(t *testing.T) {
	if got := topicOf(nil); got != "" {
		t.Fatalf("topicOf(nil) = %q, want empty", got)
	}
}

func TestTopicOfReturnsDereferencedTopic(t *testing.T) {
	topic := "orders-events"
	if got := topicOf(&topic); got != topic {
		t.Fatalf("topicOf(&%q) = %q", topic, got)
	}
}

func TestToStreamPartitionsMapsEachEntry(t *testing.T) {
	a, b := "orders-events", "payments-events"
	tps := []kafka.TopicPartition{
		{Topic: &a, Partition: 0},
		{Topic: &b, Partition: 3},
	}

	got := toStreamPartitions(tps)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Stream != "orders-events" || got[0].Partition != 0 {
		t.Errorf("unexpected first entry: %+v", got[0])
	}
	if got[1].Stream != "payments-events" || got[1].Partition != 3 {
		t.Errorf("unexpected second entry: %+v", got[1])
	}
}

func TestToRecordCopiesFieldsAndNilsEmptyKey(t *testing.T) {
	topic := "orders-events"
	ts := time.Now()
	m := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 2, Offset: 42},
		Timestamp:      ts,
		Key:            nil,
		Value:          []byte("payload"),
	}

	rec := toRecord(m)
	if rec.Stream != "orders-events" || rec.Partition != 2 || rec.Offset != 42 {
		t.Errorf("unexpected identity fields: %+v", rec)
	}
	if rec.Key != nil {
		t.Errorf("expected nil key passed through as nil, got %v", rec.Key)
	}
	if string(rec.Value) != "payload" {
		t.Errorf("unexpected value: %q", rec.Value)
	}
	if !rec.Timestamp.Equal(ts) {
		t.Errorf("timestamp not preserved")
	}
}

func TestToRecordPreservesNonEmptyKey(t *testing.T) {
	topic := "orders-events"
	m := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: 1},
		Key:            []byte("k1"),
		Value:          []byte("v1"),
	}

	rec := toRecord(m)
	if string(rec.Key) != "k1" {
		t.Errorf("expected key to be preserved, got %v", rec.Key)
	}
}
