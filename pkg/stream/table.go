package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/stationstream/pkg/metrics"
	"github.com/edgeflare/stationstream/pkg/station"
	"go.uber.org/zap"
)

// Changelog headers carrying the source position of an upsert.
const (
	HeaderSourcePartition = "stationstream.source.partition"
	HeaderSourceOffset    = "stationstream.source.offset"
)

// Position is the place in the outbound topic an upsert was read from.
// A negative Offset means unknown.
type Position struct {
	Partition int32
	Offset    int64
}

// NoPosition marks an upsert without source position; it always applies.
var NoPosition = Position{Offset: -1}

func (p Position) known() bool { return p.Offset >= 0 }

type entry struct {
	value station.Transformed
	pos   Position
}

// TableOptions configures a Table.
type TableOptions struct {
	Name           string
	ChangelogTopic string
	// Partitions of the changelog topic.
	Partitions int32
	// NewBackOff builds the retry policy of Recover. Defaults to an
	// exponential backoff giving up after one minute.
	NewBackOff func() backoff.BackOff
	Logger     *zap.Logger
}

// Table is the materialized station table. Every upsert is written to the
// changelog topic before the in-memory state changes, so replaying the
// changelog rebuilds the same state.
type Table struct {
	name       string
	changelog  string
	partitions int32
	groupBy    *GroupBy
	sink       Sink
	reader     ChangelogReader
	newBackOff func() backoff.BackOff
	logger     *zap.Logger

	// wmu serializes mutators; mu guards entries for concurrent readers.
	wmu     sync.Mutex
	mu      sync.RWMutex
	entries map[string]entry
	halted  map[int32]error
	ready   atomic.Bool
}

// NewTable returns a table that is not ready until Recover succeeds.
func NewTable(opts TableOptions, groupBy *GroupBy, sink Sink, reader ChangelogReader) *Table {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = time.Minute
			return b
		}
	}
	return &Table{
		name:       opts.Name,
		changelog:  opts.ChangelogTopic,
		partitions: opts.Partitions,
		groupBy:    groupBy,
		sink:       sink,
		reader:     reader,
		newBackOff: opts.NewBackOff,
		logger:     opts.Logger.With(zap.String("table", opts.Name)),
		entries:    make(map[string]entry),
		halted:     make(map[int32]error),
	}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Ready reports whether recovery has completed.
func (t *Table) Ready() bool { return t.ready.Load() }

// Upsert stores value under key with last-writer-wins semantics.
func (t *Table) Upsert(ctx context.Context, key string, value station.Transformed) error {
	_, err := t.Apply(ctx, key, value, NoPosition)
	return err
}

// Apply is Upsert carrying the source position of the record. A record
// whose offset is not newer than the one already applied for key from the
// same source partition is a redelivery and is skipped; applied is false
// then.
func (t *Table) Apply(ctx context.Context, key string, value station.Transformed, pos Position) (applied bool, err error) {
	if !t.Ready() {
		return false, ErrNotReady
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	partition, err := t.groupBy.Partition(key, t.partitions)
	if err != nil {
		return false, err
	}
	if herr := t.haltedErr(partition); herr != nil {
		return false, fmt.Errorf("%w: %s[%d]: %w", ErrPartitionHalted, t.changelog, partition, herr)
	}

	if pos.known() {
		t.mu.RLock()
		cur, ok := t.entries[key]
		t.mu.RUnlock()
		if ok && cur.pos.known() && cur.pos.Partition == pos.Partition && pos.Offset <= cur.pos.Offset {
			t.logger.Debug("skipping redelivered record",
				zap.String("key", key),
				zap.Int32("partition", pos.Partition),
				zap.Int64("offset", pos.Offset),
				zap.Int64("applied_offset", cur.pos.Offset))
			return false, nil
		}
	}

	data, err := station.Encode(value)
	if err != nil {
		return false, fmt.Errorf("encode %q: %w", key, err)
	}

	msg := Message{
		Topic:     t.changelog,
		Partition: partition,
		Key:       []byte(key),
		Value:     data,
	}
	if pos.known() {
		msg.Headers = map[string][]byte{
			HeaderSourcePartition: []byte(strconv.FormatInt(int64(pos.Partition), 10)),
			HeaderSourceOffset:    []byte(strconv.FormatInt(pos.Offset, 10)),
		}
	}

	if _, err := t.sink.Publish(ctx, msg); err != nil {
		t.halt(partition, err)
		metrics.ChangelogErrors.WithLabelValues(t.name).Inc()
		t.logger.Error("changelog write failed, halting partition",
			zap.String("topic", t.changelog),
			zap.Int32("partition", partition),
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("%w: %s[%d] key %q: %w", ErrChangelogWrite, t.changelog, partition, key, err)
	}

	t.mu.Lock()
	t.entries[key] = entry{value: value, pos: pos}
	n := len(t.entries)
	t.mu.Unlock()

	metrics.TableUpserts.WithLabelValues(t.name).Inc()
	metrics.TableEntries.WithLabelValues(t.name).Set(float64(n))
	return true, nil
}

// Get returns the current value for key. It reports false for absent keys
// and while the table is recovering.
func (t *Table) Get(key string) (station.Transformed, bool) {
	v, ok, err := t.Lookup(key)
	return v, ok && err == nil
}

// Lookup is Get that distinguishes a recovering table with ErrNotReady.
func (t *Table) Lookup(key string) (station.Transformed, bool, error) {
	if !t.Ready() {
		return station.Transformed{}, false, ErrNotReady
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e.value, ok, nil
}

// Len returns the number of keys in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// KeyValue is a table entry.
type KeyValue struct {
	Key   string              `json:"key"`
	Value station.Transformed `json:"value"`
}

// Entries returns a copy of the table sorted by key.
func (t *Table) Entries() ([]KeyValue, error) {
	if !t.Ready() {
		return nil, ErrNotReady
	}
	t.mu.RLock()
	out := make([]KeyValue, 0, len(t.entries))
	for k, e := range t.entries {
		out = append(out, KeyValue{Key: k, Value: e.value})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Recover rebuilds the table from the changelog, from the earliest retained
// offset to the end observed at call time, and marks the table ready.
// Every attempt starts from an empty state, so recovering twice yields the
// same table. Broker errors are retried with backoff.
func (t *Table) Recover(ctx context.Context) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	start := time.Now()
	attempt := 0
	var replayed int

	op := func() error {
		attempt++
		fresh := make(map[string]entry)
		replayed = 0

		err := t.reader.ReadChangelog(ctx, t.changelog, func(rec Record) error {
			if rec.Err != nil {
				return rec.Err
			}
			v, err := station.DecodeTransformed(rec.Value)
			if err != nil {
				t.logger.Warn("skipping malformed changelog entry",
					zap.Int32("partition", rec.Partition),
					zap.Int64("offset", rec.Offset),
					zap.Error(err))
				return nil
			}
			fresh[string(rec.Key)] = entry{value: v, pos: positionFromHeaders(rec.Headers)}
			replayed++
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			t.logger.Warn("changelog replay failed, retrying",
				zap.String("topic", t.changelog),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}

		t.mu.Lock()
		t.entries = fresh
		t.halted = make(map[int32]error)
		t.mu.Unlock()
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(t.newBackOff(), ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return fmt.Errorf("%w: %s: %w", ErrRecovery, t.changelog, err)
	}

	t.ready.Store(true)
	n := t.Len()
	metrics.TableEntries.WithLabelValues(t.name).Set(float64(n))
	metrics.RecoveryDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
	t.logger.Info("table recovered",
		zap.String("topic", t.changelog),
		zap.Int("replayed", replayed),
		zap.Int("keys", n),
		zap.Int("attempts", attempt),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Halted returns the changelog partitions refusing upserts and the write
// error that halted each.
func (t *Table) Halted() map[int32]error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int32]error, len(t.halted))
	for p, err := range t.halted {
		out[p] = err
	}
	return out
}

// Resume lets upserts to a halted changelog partition proceed again.
func (t *Table) Resume(partition int32) {
	t.mu.Lock()
	delete(t.halted, partition)
	t.mu.Unlock()
	t.logger.Info("changelog partition resumed", zap.Int32("partition", partition))
}

func (t *Table) halt(partition int32, err error) {
	t.mu.Lock()
	t.halted[partition] = err
	t.mu.Unlock()
}

func (t *Table) haltedErr(partition int32) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.halted[partition]
}

func positionFromHeaders(h map[string][]byte) Position {
	p, perr := strconv.ParseInt(string(h[HeaderSourcePartition]), 10, 32)
	o, oerr := strconv.ParseInt(string(h[HeaderSourceOffset]), 10, 64)
	if perr != nil || oerr != nil {
		return NoPosition
	}
	return Position{Partition: int32(p), Offset: o}
}
