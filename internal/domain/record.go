// Package domain contains the core value types shared across the consumer
// group host: records handed up from the broker, the stream/partition/offset
// triples used for assignment, and process-wide metrics.
package domain

import "time"

// OffsetInvalid is the sentinel meaning "resume from the broker's stored
// commit, or from earliest if none" (spec.md §3).
const OffsetInvalid int64 = -1001

// StreamPartition identifies one partition of one stream.
type StreamPartition struct {
	Stream    string
	Partition int32
}

// StreamPartitionOffset is the unit of assignment: a partition and the
// offset the broker should resume from.
type StreamPartitionOffset struct {
	Stream    string
	Partition int32
	Offset    int64
}

// StreamPartitionTime is one entry of an offsets-for-times lookup request.
type StreamPartitionTime struct {
	Stream    string
	Partition int32
	Time      time.Time
}

// ResolvedOffset is one result of an offsets-for-times lookup. Err is set
// when the broker could not resolve this specific partition; callers must
// fall back to OffsetInvalid for it rather than trust Offset, since siblings
// in the same request can succeed independently of one another.
type ResolvedOffset struct {
	Stream    string
	Partition int32
	Offset    int64
	Err       error
}

// Record is a single broker-delivered message, deserialization-agnostic.
type Record struct {
	Stream    string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       []byte // nil if the record carried no key
	Value     []byte
}
