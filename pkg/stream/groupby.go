package stream

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/edgeflare/stationstream/pkg/station"
)

// KeyMode selects how the table stage keys records read from the outbound topic.
type KeyMode string

const (
	// KeyDirect uses the record key as written by the transform stage.
	KeyDirect KeyMode = "direct"
	// KeyGroupBy re-derives the key from the record value.
	KeyGroupBy KeyMode = "groupby"
)

// KeyStrategy configures the grouping key of the station table.
type KeyStrategy struct {
	Field string  `mapstructure:"field"`
	Mode  KeyMode `mapstructure:"mode"`
}

// GroupBy re-keys projections by a field and routes each key to a fixed
// partition with the same hash Kafka producers use by default.
type GroupBy struct {
	mode        KeyMode
	keyFunc     func(station.Transformed) string
	partitioner sarama.Partitioner
}

// NewGroupBy returns a GroupBy for the given strategy.
func NewGroupBy(ks KeyStrategy) (*GroupBy, error) {
	fn, err := station.KeyFunc(ks.Field)
	if err != nil {
		return nil, err
	}
	mode := ks.Mode
	switch mode {
	case "":
		mode = KeyGroupBy
	case KeyDirect, KeyGroupBy:
	default:
		return nil, fmt.Errorf("unsupported key mode %q", ks.Mode)
	}
	return &GroupBy{
		mode:        mode,
		keyFunc:     fn,
		partitioner: sarama.NewHashPartitioner(""),
	}, nil
}

// Key derives the grouping key of v.
func (g *GroupBy) Key(v station.Transformed) string {
	return g.keyFunc(v)
}

// TableKey returns the key under which a record read back from the outbound
// topic is stored.
func (g *GroupBy) TableKey(recordKey []byte, v station.Transformed) string {
	if g.mode == KeyDirect && len(recordKey) > 0 {
		return string(recordKey)
	}
	return g.keyFunc(v)
}

// Partition maps key onto one of numPartitions partitions.
func (g *GroupBy) Partition(key string, numPartitions int32) (int32, error) {
	if numPartitions <= 1 {
		return 0, nil
	}
	return g.partitioner.Partition(&sarama.ProducerMessage{Key: sarama.StringEncoder(key)}, numPartitions)
}

// Route derives the key of v and the partition it belongs to.
func (g *GroupBy) Route(v station.Transformed, numPartitions int32) (string, int32, error) {
	key := g.Key(v)
	p, err := g.Partition(key, numPartitions)
	if err != nil {
		return "", 0, fmt.Errorf("partition key %q: %w", key, err)
	}
	return key, p, nil
}
