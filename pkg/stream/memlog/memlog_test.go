package memlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgeflare/stationstream/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscribe(t *testing.T, b *Broker, topic, group string, policy stream.StartPolicy) *Consumer {
	t.Helper()
	src, err := b.Subscribe(context.Background(), topic, group, stream.NewAssignmentManager(policy, nil))
	require.NoError(t, err)
	return src.(*Consumer)
}

func poll(t *testing.T, c *Consumer) *stream.Record {
	t.Helper()
	rec, err := c.Poll(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	return rec
}

func TestPublishAndPoll(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateTopic(context.Background(), stream.TopicSpec{Name: "t", Partitions: 2}))

	off, err := b.Publish(context.Background(), stream.Message{Topic: "t", Partition: 1, Key: []byte("k"), Value: []byte("v0")})
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
	off, err = b.Publish(context.Background(), stream.Message{Topic: "t", Partition: 1, Value: []byte("v1")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), off)

	_, err = b.Publish(context.Background(), stream.Message{Topic: "t", Partition: 2})
	assert.Error(t, err)
	_, err = b.Publish(context.Background(), stream.Message{Topic: "missing"})
	assert.Error(t, err)

	c := subscribe(t, b, "t", "g", stream.StartCommitted)
	rec := poll(t, c)
	require.NotNil(t, rec)
	assert.Equal(t, int32(1), rec.Partition)
	assert.Equal(t, int64(0), rec.Offset)
	assert.Equal(t, []byte("k"), rec.Key)

	assert.Nil(t, poll(t, c), "the partition has a record in flight")

	require.NoError(t, c.Commit(rec))
	assert.Equal(t, int64(1), b.Committed("g", rec.TopicPartition()))

	rec = poll(t, c)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("v1"), rec.Value)
}

func TestSubscribeUnknownTopic(t *testing.T) {
	_, err := New().Subscribe(context.Background(), "nope", "g", stream.NewAssignmentManager(stream.StartEarliest, nil))
	assert.Error(t, err)
}

func TestStartPolicies(t *testing.T) {
	b := New()
	for _, v := range []string{"a", "b", "c"} {
		_, err := b.Append("t", nil, []byte(v))
		require.NoError(t, err)
	}
	first := subscribe(t, b, "t", "g", stream.StartCommitted)
	rec := poll(t, first)
	require.NoError(t, first.Commit(rec))
	require.NoError(t, first.Close())

	committed := subscribe(t, b, "t", "g", stream.StartCommitted)
	assert.Equal(t, []byte("b"), poll(t, committed).Value)

	earliest := subscribe(t, b, "t", "g", stream.StartEarliest)
	assert.Equal(t, []byte("a"), poll(t, earliest).Value)

	fresh := subscribe(t, b, "t", "other", stream.StartCommitted)
	assert.Equal(t, []byte("a"), poll(t, fresh).Value, "no committed offset starts at the beginning")
}

func TestRebalanceRedeliversUncommitted(t *testing.T) {
	b := New()
	_, err := b.Append("t", nil, []byte("a"))
	require.NoError(t, err)
	am := stream.NewAssignmentManager(stream.StartCommitted, nil)
	src, err := b.Subscribe(context.Background(), "t", "g", am)
	require.NoError(t, err)
	c := src.(*Consumer)
	gen := c.Generation()

	rec := poll(t, c)
	require.NotNil(t, rec)

	require.NoError(t, c.Rebalance())
	assert.Greater(t, c.Generation(), gen)
	_, ok := am.Decision(stream.TopicPartition{Topic: "t"}, gen)
	assert.False(t, ok, "old generation revoked")
	_, ok = am.Decision(stream.TopicPartition{Topic: "t"}, c.Generation())
	assert.True(t, ok)

	again := poll(t, c)
	require.NotNil(t, again)
	assert.Equal(t, rec.Offset, again.Offset)
}

func TestPollWakesOnPublish(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateTopic(context.Background(), stream.TopicSpec{Name: "t"}))
	c := subscribe(t, b, "t", "g", stream.StartEarliest)

	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Append("t", nil, []byte("late"))
	}()
	rec, err := c.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("late"), rec.Value)
}

func TestPollContextAndClose(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateTopic(context.Background(), stream.TopicSpec{Name: "t"}))
	am := stream.NewAssignmentManager(stream.StartEarliest, nil)
	src, err := b.Subscribe(context.Background(), "t", "g", am)
	require.NoError(t, err)
	c := src.(*Consumer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Poll(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	gen := c.Generation()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Poll(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, stream.ErrSourceClosed)
	_, ok := am.Decision(stream.TopicPartition{Topic: "t"}, gen)
	assert.False(t, ok)
}

func TestInjectedFailures(t *testing.T) {
	b := New()
	_, err := b.Append("t", []byte("k"), []byte("v"))
	require.NoError(t, err)

	b.InjectPollError("t", ErrInjected)
	c := subscribe(t, b, "t", "g", stream.StartEarliest)
	rec := poll(t, c)
	require.NotNil(t, rec)
	assert.ErrorIs(t, rec.Err, ErrInjected)
	rec = poll(t, c)
	require.NotNil(t, rec)
	assert.NoError(t, rec.Err)

	b.FailPublish(func(msg stream.Message) error {
		if string(msg.Key) == "bad" {
			return ErrInjected
		}
		return nil
	})
	_, err = b.Append("t", []byte("bad"), nil)
	assert.ErrorIs(t, err, ErrInjected)
	_, err = b.Append("t", []byte("good"), nil)
	assert.NoError(t, err)
	b.FailPublish(nil)

	readErr := errors.New("not leader")
	b.FailReads(readErr)
	assert.ErrorIs(t, b.ReadChangelog(context.Background(), "t", func(stream.Record) error { return nil }), readErr)
	assert.NoError(t, b.ReadChangelog(context.Background(), "t", func(stream.Record) error { return nil }))
}

func TestReadChangelog(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateTopic(context.Background(), stream.TopicSpec{Name: "cl", Partitions: 2}))
	for i, p := range []int32{0, 1, 0} {
		_, err := b.Publish(context.Background(), stream.Message{
			Topic:     "cl",
			Partition: p,
			Key:       []byte{byte('a' + i)},
			Headers:   map[string][]byte{"h": {byte(i)}},
		})
		require.NoError(t, err)
	}

	var keys []string
	err := b.ReadChangelog(context.Background(), "cl", func(rec stream.Record) error {
		keys = append(keys, string(rec.Key))
		if rec.Partition == 0 && rec.Offset == 0 {
			// appended during the read, not part of it
			_, err := b.Publish(context.Background(), stream.Message{Topic: "cl", Key: []byte("z")})
			return err
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, keys)

	stop := errors.New("stop")
	err = b.ReadChangelog(context.Background(), "cl", func(stream.Record) error { return stop })
	assert.ErrorIs(t, err, stop)

	assert.Error(t, b.ReadChangelog(context.Background(), "missing", func(stream.Record) error { return nil }))
}

func TestRecordsAreCopies(t *testing.T) {
	b := New()
	value := []byte("abc")
	_, err := b.Append("t", nil, value)
	require.NoError(t, err)
	value[0] = 'x'

	assert.Equal(t, []byte("abc"), b.Records("t", 0)[0].Value)
	assert.Nil(t, b.Records("t", 5))
	assert.Nil(t, b.Records("missing", 0))
}
