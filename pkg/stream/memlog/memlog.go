// Package memlog is an in-memory partitioned log implementing the broker
// interfaces of package stream. It backs tests and brokerless local runs.
//
// Consumer groups are simplified: every Subscribe call gets all partitions
// of its topic, and a consumer without a committed offset starts at the
// beginning of the partition.
package memlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/stationstream/pkg/stream"
)

// URL selects the in-memory broker in configuration.
const URL = "memory://"

type topic struct {
	spec  stream.TopicSpec
	parts [][]stream.Record
}

// Broker is an in-memory message broker.
type Broker struct {
	mu         sync.Mutex
	changed    chan struct{}
	topics     map[string]*topic
	committed  map[string]map[stream.TopicPartition]int64
	generation int32

	publishErr func(stream.Message) error
	readErrs   []error
	pollErrs   map[string][]error
}

var _ stream.Broker = (*Broker)(nil)

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		changed:   make(chan struct{}),
		topics:    make(map[string]*topic),
		committed: make(map[string]map[stream.TopicPartition]int64),
		pollErrs:  make(map[string][]error),
	}
}

// TopicExists implements stream.TopicAdmin.
func (b *Broker) TopicExists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[name]
	return ok, nil
}

// CreateTopic implements stream.TopicAdmin.
func (b *Broker) CreateTopic(_ context.Context, spec stream.TopicSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[spec.Name]; ok {
		return fmt.Errorf("topic %s already exists", spec.Name)
	}
	if spec.Partitions <= 0 {
		spec.Partitions = 1
	}
	b.topics[spec.Name] = &topic{spec: spec, parts: make([][]stream.Record, spec.Partitions)}
	return nil
}

// Partitions implements stream.TopicAdmin.
func (b *Broker) Partitions(_ context.Context, name string) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return 0, fmt.Errorf("unknown topic %s", name)
	}
	return int32(len(t.parts)), nil
}

// TopicConfig returns the configuration a topic was created with.
func (b *Broker) TopicConfig(name string) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t.spec.Config
	}
	return nil
}

// Publish implements stream.Sink.
func (b *Broker) Publish(_ context.Context, msg stream.Message) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		if err := b.publishErr(msg); err != nil {
			return 0, err
		}
	}

	t, ok := b.topics[msg.Topic]
	if !ok {
		return 0, fmt.Errorf("unknown topic %s", msg.Topic)
	}
	if msg.Partition < 0 || int(msg.Partition) >= len(t.parts) {
		return 0, fmt.Errorf("partition %d out of range for %s", msg.Partition, msg.Topic)
	}

	offset := int64(len(t.parts[msg.Partition]))
	t.parts[msg.Partition] = append(t.parts[msg.Partition], stream.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    offset,
		Key:       clone(msg.Key),
		Value:     clone(msg.Value),
		Headers:   cloneHeaders(msg.Headers),
	})
	b.notifyLocked()
	return offset, nil
}

// Append publishes a record to partition 0 of a topic, creating the topic
// with one partition when needed.
func (b *Broker) Append(topicName string, key, value []byte) (int64, error) {
	if ok, _ := b.TopicExists(context.Background(), topicName); !ok {
		if err := b.CreateTopic(context.Background(), stream.TopicSpec{Name: topicName, Partitions: 1}); err != nil {
			return 0, err
		}
	}
	return b.Publish(context.Background(), stream.Message{Topic: topicName, Key: key, Value: value})
}

// Records returns a copy of a partition's log.
func (b *Broker) Records(topicName string, partition int32) []stream.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok || int(partition) >= len(t.parts) {
		return nil
	}
	return append([]stream.Record(nil), t.parts[partition]...)
}

// Committed returns the next offset committed by group for tp, or -1.
func (b *Broker) Committed(group string, tp stream.TopicPartition) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off, ok := b.committed[group][tp]; ok {
		return off
	}
	return -1
}

// FailPublish installs a hook consulted before every publish; a non-nil
// error fails the publish. Passing nil removes the hook.
func (b *Broker) FailPublish(fn func(stream.Message) error) {
	b.mu.Lock()
	b.publishErr = fn
	b.mu.Unlock()
}

// FailReads makes the next len(errs) changelog reads fail with errs in order.
func (b *Broker) FailReads(errs ...error) {
	b.mu.Lock()
	b.readErrs = append(b.readErrs, errs...)
	b.mu.Unlock()
}

// InjectPollError queues a broker error delivered by the next poll of a
// consumer of topicName.
func (b *Broker) InjectPollError(topicName string, err error) {
	b.mu.Lock()
	b.pollErrs[topicName] = append(b.pollErrs[topicName], err)
	b.notifyLocked()
	b.mu.Unlock()
}

// ReadChangelog implements stream.ChangelogReader.
func (b *Broker) ReadChangelog(ctx context.Context, topicName string, fn func(stream.Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if len(b.readErrs) > 0 {
		err := b.readErrs[0]
		b.readErrs = b.readErrs[1:]
		b.mu.Unlock()
		return err
	}
	t, ok := b.topics[topicName]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("unknown topic %s", topicName)
	}
	snapshot := make([][]stream.Record, len(t.parts))
	for i, p := range t.parts {
		snapshot[i] = append([]stream.Record(nil), p...)
	}
	b.mu.Unlock()

	for _, part := range snapshot {
		for _, rec := range part {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close implements stream.Sink.
func (b *Broker) Close() error { return nil }

// Subscribe implements stream.Subscriber.
func (b *Broker) Subscribe(_ context.Context, topicName, group string, am *stream.AssignmentManager) (stream.Source, error) {
	n, err := b.Partitions(context.Background(), topicName)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		broker:   b,
		topic:    topicName,
		group:    group,
		am:       am,
		position: make(map[int32]int64),
		inflight: make(map[int32]bool),
		active:   make(map[int32]bool),
	}
	for p := int32(0); p < n; p++ {
		c.partitions = append(c.partitions, stream.TopicPartition{Topic: topicName, Partition: p})
	}
	if err := c.assign(); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) nextGeneration() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation++
	return b.generation
}

// Consumer is a group member owning every partition of one topic.
type Consumer struct {
	broker     *Broker
	topic      string
	group      string
	am         *stream.AssignmentManager
	partitions []stream.TopicPartition

	mu         sync.Mutex
	generation int32
	position   map[int32]int64
	inflight   map[int32]bool
	active     map[int32]bool
	next       int
	closed     bool
}

var _ stream.OffsetApplier = (*Consumer)(nil)

// Generation returns the current assignment generation.
func (c *Consumer) Generation() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Rebalance revokes and re-assigns all partitions in a new generation.
// Records delivered but not committed are delivered again.
func (c *Consumer) Rebalance() error {
	c.mu.Lock()
	gen := c.generation
	c.active = make(map[int32]bool)
	c.inflight = make(map[int32]bool)
	c.mu.Unlock()

	c.am.OnRevoked(gen, c.partitions)
	return c.assign()
}

func (c *Consumer) assign() error {
	gen := c.broker.nextGeneration()
	c.mu.Lock()
	c.generation = gen
	c.mu.Unlock()
	return c.am.OnAssigned(gen, c.partitions, c)
}

// ApplyStart implements stream.OffsetApplier.
func (c *Consumer) ApplyStart(tp stream.TopicPartition, policy stream.StartPolicy) error {
	start := int64(0)
	if policy == stream.StartCommitted {
		if off := c.broker.Committed(c.group, tp); off >= 0 {
			start = off
		}
	}
	c.mu.Lock()
	c.position[tp.Partition] = start
	c.mu.Unlock()
	return nil
}

// Confirm implements stream.OffsetApplier.
func (c *Consumer) Confirm(tps []stream.TopicPartition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range tps {
		if tp.Topic != c.topic {
			return fmt.Errorf("partition of foreign topic %s", tp.Topic)
		}
		c.active[tp.Partition] = true
	}
	return nil
}

// Poll implements stream.Source.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*stream.Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		rec, changed, err := c.tryNext()
		if rec != nil || err != nil {
			return rec, err
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Consumer) tryNext() (*stream.Record, <-chan struct{}, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, stream.ErrSourceClosed
	}
	if errs := b.pollErrs[c.topic]; len(errs) > 0 {
		b.pollErrs[c.topic] = errs[1:]
		return &stream.Record{Topic: c.topic, Err: errs[0]}, nil, nil
	}

	t := b.topics[c.topic]
	for i := 0; i < len(c.partitions); i++ {
		p := c.partitions[(c.next+i)%len(c.partitions)].Partition
		if !c.active[p] || c.inflight[p] {
			continue
		}
		pos := c.position[p]
		if pos >= int64(len(t.parts[p])) {
			continue
		}
		rec := t.parts[p][pos]
		c.position[p] = pos + 1
		c.inflight[p] = true
		c.next = (c.next + i + 1) % len(c.partitions)
		return &rec, nil, nil
	}
	return nil, b.changed, nil
}

// Commit implements stream.Source.
func (c *Consumer) Commit(rec *stream.Record) error {
	c.mu.Lock()
	if !c.active[rec.Partition] {
		c.mu.Unlock()
		return fmt.Errorf("partition %d not assigned", rec.Partition)
	}
	delete(c.inflight, rec.Partition)
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed[c.group] == nil {
		b.committed[c.group] = make(map[stream.TopicPartition]int64)
	}
	b.committed[c.group][rec.TopicPartition()] = rec.Offset + 1
	b.notifyLocked()
	return nil
}

// Close implements stream.Source.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	gen := c.generation
	c.mu.Unlock()

	c.am.OnRevoked(gen, c.partitions)

	c.broker.mu.Lock()
	c.broker.notifyLocked()
	c.broker.mu.Unlock()
	return nil
}

// ErrInjected is a convenience error for failure injection in tests.
var ErrInjected = errors.New("memlog: injected failure")

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneHeaders(h map[string][]byte) map[string][]byte {
	if h == nil {
		return nil
	}
	out := make(map[string][]byte, len(h))
	for k, v := range h {
		out[k] = clone(v)
	}
	return out
}
