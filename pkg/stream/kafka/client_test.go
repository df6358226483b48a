package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/edgeflare/stationstream/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdmin implements the ClusterAdmin calls the client makes.
type fakeAdmin struct {
	sarama.ClusterAdmin
	topics    map[string]sarama.TopicDetail
	createErr error
	listErr   error
	closed    bool
}

func (a *fakeAdmin) ListTopics() (map[string]sarama.TopicDetail, error) {
	if a.listErr != nil {
		return nil, a.listErr
	}
	return a.topics, nil
}

func (a *fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, _ bool) error {
	if a.createErr != nil {
		return a.createErr
	}
	if _, ok := a.topics[topic]; ok {
		return sarama.ErrTopicAlreadyExists
	}
	a.topics[topic] = *detail
	return nil
}

func (a *fakeAdmin) Close() error {
	a.closed = true
	return nil
}

// fakeClient implements the metadata calls the client makes.
type fakeClient struct {
	sarama.Client
	partitions map[string][]int32
	refreshed  []string
}

func (c *fakeClient) Config() *sarama.Config { return sarama.NewConfig() }

func (c *fakeClient) RefreshMetadata(topics ...string) error {
	c.refreshed = append(c.refreshed, topics...)
	return nil
}

func (c *fakeClient) Partitions(topic string) ([]int32, error) {
	p, ok := c.partitions[topic]
	if !ok {
		return nil, sarama.ErrUnknownTopicOrPartition
	}
	return p, nil
}

func newTestClient(t *testing.T, producer sarama.SyncProducer) (*Client, *fakeAdmin, *fakeClient) {
	t.Helper()
	admin := &fakeAdmin{topics: map[string]sarama.TopicDetail{"connect_stations": {NumPartitions: 1}}}
	client := &fakeClient{partitions: map[string][]int32{"connect_stations": {0}, "out": {0, 1, 2}}}
	return NewClientFrom(&Config{}, client, admin, producer, nil), admin, client
}

func TestPublish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "out" {
			return errors.New("unexpected topic")
		}
		key, _ := msg.Key.Encode()
		if string(key) != "Austin" {
			return errors.New("unexpected key")
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != stream.HeaderSourceOffset {
			return errors.New("missing header")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	c, _, _ := newTestClient(t, producer)
	ctx := context.Background()

	offset, err := c.Publish(ctx, stream.Message{
		Topic:     "out",
		Partition: 2,
		Key:       []byte("Austin"),
		Value:     []byte(`{"station_id":40010}`),
		Headers:   map[string][]byte{stream.HeaderSourceOffset: []byte("7")},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, offset, int64(0))

	_, err = c.Publish(ctx, stream.Message{Topic: "out", Value: []byte("{}")})
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)

	require.NoError(t, c.Close())
}

func TestTopicAdmin(t *testing.T) {
	c, admin, client := newTestClient(t, nil)
	ctx := context.Background()

	ok, err := c.TopicExists(ctx, "connect_stations")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.TopicExists(ctx, "out")
	require.NoError(t, err)
	assert.False(t, ok)

	spec := stream.TopicSpec{
		Name:              "out",
		Partitions:        3,
		ReplicationFactor: 1,
		Config:            map[string]string{"cleanup.policy": "compact", "retention.ms": "-1"},
	}
	require.NoError(t, c.CreateTopic(ctx, spec))
	detail := admin.topics["out"]
	assert.Equal(t, int32(3), detail.NumPartitions)
	assert.Equal(t, int16(1), detail.ReplicationFactor)
	require.NotNil(t, detail.ConfigEntries["cleanup.policy"])
	assert.Equal(t, "compact", *detail.ConfigEntries["cleanup.policy"])
	assert.Equal(t, "-1", *detail.ConfigEntries["retention.ms"])
	assert.Equal(t, []string{"out"}, client.refreshed)

	// created concurrently by someone else
	require.NoError(t, c.CreateTopic(ctx, spec))

	n, err := c.Partitions(ctx, "out")
	require.NoError(t, err)
	assert.Equal(t, int32(3), n)
	_, err = c.Partitions(ctx, "missing")
	assert.ErrorIs(t, err, sarama.ErrUnknownTopicOrPartition)

	topics, err := c.ListTopics()
	require.NoError(t, err)
	assert.Len(t, topics, 2)

	require.NoError(t, c.Close())
	assert.True(t, admin.closed)
}

func TestTopicAdminErrors(t *testing.T) {
	c, admin, _ := newTestClient(t, nil)
	ctx := context.Background()

	admin.listErr = sarama.ErrOutOfBrokers
	_, err := c.TopicExists(ctx, "out")
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	admin.createErr = sarama.ErrInvalidReplicationFactor
	err = c.CreateTopic(ctx, stream.TopicSpec{Name: "out", Partitions: 1, ReplicationFactor: 5})
	assert.ErrorIs(t, err, sarama.ErrInvalidReplicationFactor)
}

func TestRegistryOverClient(t *testing.T) {
	c, admin, _ := newTestClient(t, nil)
	r := stream.NewTopicRegistry(c, nil)
	ctx := context.Background()

	require.NoError(t, r.Require(ctx, "connect_stations"))
	require.NoError(t, r.Ensure(ctx, stream.TopicSpec{Name: "com.udacity.station.descriptions", Partitions: 1, ReplicationFactor: 1}))
	assert.Contains(t, admin.topics, "com.udacity.station.descriptions")
	assert.Error(t, r.Require(ctx, "missing"))
}
