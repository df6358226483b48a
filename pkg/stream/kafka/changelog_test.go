package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/edgeflare/stationstream/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const changelog = "com.udacity.station.descriptions-table-changelog"

func newReplayConsumer(t *testing.T, values ...string) sarama.Consumer {
	t.Helper()
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition(changelog, 0, 0)
	for _, v := range values {
		pc.YieldMessage(&sarama.ConsumerMessage{Key: []byte(v), Value: []byte(`{}`)})
	}
	return consumer
}

func replayKeys(ctx context.Context, t *testing.T, c *Client, consumer sarama.Consumer, end int64) ([]string, error) {
	t.Helper()
	var keys []string
	err := c.replayPartition(ctx, consumer, changelog, 0, 0, end, func(rec stream.Record) error {
		keys = append(keys, string(rec.Key))
		return nil
	})
	return keys, err
}

func TestReplayPartitionStopsAtEnd(t *testing.T) {
	c := &Client{logger: zap.NewNop(), replayIdle: time.Minute}
	consumer := newReplayConsumer(t, "Austin", "Harlem", "Belmont")

	keys, err := replayKeys(context.Background(), t, c, consumer, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Austin", "Harlem"}, keys, "records at or after the end offset are not replayed")
}

func TestReplayPartitionStopsWhenIdle(t *testing.T) {
	c := &Client{logger: zap.NewNop(), replayIdle: 20 * time.Millisecond}
	// offset 1 is never delivered, as with a transaction marker at the tail
	consumer := newReplayConsumer(t, "Austin")

	done := make(chan struct{})
	var keys []string
	var err error
	go func() {
		defer close(done)
		keys, err = replayKeys(context.Background(), t, c, consumer, 2)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not stop")
	}
	require.NoError(t, err)
	assert.Equal(t, []string{"Austin"}, keys)
}

func TestReplayPartitionCanceled(t *testing.T) {
	c := &Client{logger: zap.NewNop(), replayIdle: time.Minute}
	consumer := newReplayConsumer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := replayKeys(ctx, t, c, consumer, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplayPartitionCallbackError(t *testing.T) {
	c := &Client{logger: zap.NewNop(), replayIdle: time.Minute}
	consumer := newReplayConsumer(t, "Austin", "Harlem")

	stop := errors.New("stop")
	calls := 0
	err := c.replayPartition(context.Background(), consumer, changelog, 0, 0, 2, func(stream.Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
