package stream

import (
	"context"
	"errors"
	"time"
)

var (
	ErrChangelogWrite       = errors.New("changelog write failed")
	ErrPartitionHalted      = errors.New("changelog partition halted")
	ErrRecovery             = errors.New("table recovery failed")
	ErrNotReady             = errors.New("table not ready")
	ErrSourceClosed         = errors.New("source closed")
	ErrPersistentPollErrors = errors.New("too many consecutive poll errors")
)

// TopicPartition names a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// Record is a message delivered by a Source. Err is set when the broker
// reported a failure instead of a message; Key and Value are then empty.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Err       error
}

// TopicPartition returns where the record was read from.
func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// Message is a keyed record to publish to an explicit partition.
type Message struct {
	Topic     string
	Partition int32
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
}

// Source delivers records from subscribed topics one at a time.
//
// Poll waits at most timeout and returns (nil, nil) when nothing arrived.
// A record returned by Poll must be committed before the source delivers the
// next record of the same partition. After Close, Poll returns
// ErrSourceClosed.
type Source interface {
	Poll(ctx context.Context, timeout time.Duration) (*Record, error)
	Commit(rec *Record) error
	Close() error
}

// Sink publishes records and reports the offset they were written at.
type Sink interface {
	Publish(ctx context.Context, msg Message) (offset int64, err error)
	Close() error
}

// TopicSpec describes a topic to provision.
type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Config            map[string]string
}

// TopicAdmin is the broker administration surface used by TopicRegistry.
type TopicAdmin interface {
	TopicExists(ctx context.Context, name string) (bool, error)
	CreateTopic(ctx context.Context, spec TopicSpec) error
	Partitions(ctx context.Context, name string) (int32, error)
}

// ChangelogReader replays a topic from its earliest retained offset up to
// the end observed when the call started, in offset order per partition.
type ChangelogReader interface {
	ReadChangelog(ctx context.Context, topic string, fn func(Record) error) error
}
