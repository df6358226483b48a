package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/stationstream/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type resetCall struct {
	topic     string
	partition int32
	offset    int64
}

// fakeSession records the offsets a handler marks and resets.
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx        context.Context
	generation int32
	claims     map[string][]int32

	mu     sync.Mutex
	marked []int64
	resets []resetCall
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) GenerationID() int32 { return s.generation }
func (s *fakeSession) MemberID() string { return "member-1" }
func (s *fakeSession) Claims() map[string][]int32 { return s.claims }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) ResetOffset(topic string, partition int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, resetCall{topic: topic, partition: partition, offset: offset})
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// offsetClient answers GetOffset with fixed oldest offsets per partition.
type offsetClient struct {
	sarama.Client
	oldest map[int32]int64
}

func (c *offsetClient) GetOffset(_ string, partition int32, _ int64) (int64, error) {
	off, ok := c.oldest[partition]
	if !ok {
		return 0, sarama.ErrUnknownTopicOrPartition
	}
	return off, nil
}

type fakeGroup struct {
	sarama.ConsumerGroup
	closed bool
}

func (g *fakeGroup) Close() error {
	g.closed = true
	return nil
}

func newTestSource(am *stream.AssignmentManager, offsets sarama.Client) *groupSource {
	stopped := make(chan struct{})
	close(stopped)
	return &groupSource{
		offsets:    offsets,
		topic:      "connect_stations",
		group:      "stations-stream",
		cg:         &fakeGroup{},
		am:         am,
		logger:     zap.NewNop(),
		deliveries: make(chan delivery),
		pending:    make(map[int32]chan struct{}),
		cancel:     func() {},
		done:       make(chan struct{}),
		stopped:    stopped,
	}
}

func message(offset int64, value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     "connect_stations",
		Partition: 0,
		Offset:    offset,
		Value:     []byte(value),
		Headers:   []*sarama.RecordHeader{{Key: []byte("h"), Value: []byte("v")}},
	}
}

func TestGroupConfigStart(t *testing.T) {
	c := NewClientFrom(&Config{}, &fakeClient{}, nil, nil, nil)

	tests := []struct {
		name string
		am   *stream.AssignmentManager
		want int64
	}{
		{"committed", stream.NewAssignmentManager(stream.StartCommitted, nil), sarama.OffsetNewest},
		{"earliest", stream.NewAssignmentManager(stream.StartEarliest, nil), sarama.OffsetOldest},
		{"table stage", stream.NewAssignmentManager(stream.StartCommitted, nil).WithFreshEarliest(), sarama.OffsetOldest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := c.groupConfig(tt.am)
			assert.Equal(t, tt.want, conf.Consumer.Offsets.Initial)
			assert.NotEqual(t, c.sconf.ClientID, conf.ClientID, "each group gets its own client id")
		})
	}
	assert.Equal(t, sarama.OffsetNewest, c.sconf.Consumer.Offsets.Initial, "the shared config is not modified")
}

func TestConsumeClaimOneInFlight(t *testing.T) {
	s := newTestSource(stream.NewAssignmentManager(stream.StartCommitted, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- message(0, "a")
	claim.messages <- message(1, "b")

	done := make(chan error, 1)
	go func() { done <- (&groupHandler{s: s}).ConsumeClaim(sess, claim) }()

	rec, err := s.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(0), rec.Offset)
	assert.Equal(t, []byte("a"), rec.Value)
	assert.Equal(t, []byte("v"), rec.Headers["h"])

	next, err := s.Poll(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, next, "the partition has a record in flight")
	assert.Empty(t, sess.markedOffsets(), "nothing is marked before the commit")

	require.NoError(t, s.Commit(rec))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int64{0}, sess.markedOffsets())
	}, time.Second, time.Millisecond)
	assert.Error(t, s.Commit(rec), "a record is committed once")

	next, err = s.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, int64(1), next.Offset)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return")
	}
	assert.Equal(t, []int64{0}, sess.markedOffsets(), "an unacknowledged record is not marked")
}

func TestConsumeClaimClosedChannel(t *testing.T) {
	s := newTestSource(stream.NewAssignmentManager(stream.StartCommitted, nil), nil)
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}
	close(claim.messages)
	assert.NoError(t, (&groupHandler{s: s}).ConsumeClaim(&fakeSession{ctx: context.Background()}, claim))
}

func TestGroupHandlerSetup(t *testing.T) {
	tests := []struct {
		name   string
		policy stream.StartPolicy
		resets []resetCall
	}{
		{"earliest", stream.StartEarliest, []resetCall{{"connect_stations", 0, 4}, {"connect_stations", 1, 9}}},
		{"committed", stream.StartCommitted, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			am := stream.NewAssignmentManager(tt.policy, nil)
			s := newTestSource(am, &offsetClient{oldest: map[int32]int64{0: 4, 1: 9}})
			h := &groupHandler{s: s}
			sess := &fakeSession{
				ctx:        context.Background(),
				generation: 3,
				claims:     map[string][]int32{"connect_stations": {0, 1}},
			}

			require.NoError(t, h.Setup(sess))
			assert.ElementsMatch(t, tt.resets, sess.resets)
			for _, p := range []int32{0, 1} {
				got, ok := am.Decision(stream.TopicPartition{Topic: "connect_stations", Partition: p}, 3)
				require.True(t, ok)
				assert.Equal(t, tt.policy, got)
			}

			// a second Setup in the same generation does not reset again
			require.NoError(t, h.Setup(sess))
			assert.Len(t, sess.resets, len(tt.resets))

			require.NoError(t, h.Cleanup(sess))
			_, ok := am.Decision(stream.TopicPartition{Topic: "connect_stations"}, 3)
			assert.False(t, ok)
		})
	}
}

func TestGroupHandlerSetupOffsetError(t *testing.T) {
	am := stream.NewAssignmentManager(stream.StartEarliest, nil)
	s := newTestSource(am, &offsetClient{oldest: map[int32]int64{}})
	sess := &fakeSession{ctx: context.Background(), generation: 1, claims: map[string][]int32{"connect_stations": {0}}}

	err := (&groupHandler{s: s}).Setup(sess)
	assert.ErrorIs(t, err, sarama.ErrUnknownTopicOrPartition)
	assert.Empty(t, sess.resets)
}

func TestGroupSourcePollAndClose(t *testing.T) {
	s := newTestSource(stream.NewAssignmentManager(stream.StartCommitted, nil), nil)

	rec, err := s.Poll(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Poll(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	go s.deliver(delivery{rec: stream.Record{Topic: s.topic, Err: sarama.ErrOutOfBrokers}})
	rec, err = s.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.ErrorIs(t, rec.Err, sarama.ErrOutOfBrokers)
	assert.Error(t, s.Commit(rec), "errors carry no ack")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.cg.(*fakeGroup).closed)
	_, err = s.Poll(context.Background(), time.Second)
	assert.ErrorIs(t, err, stream.ErrSourceClosed)
	assert.False(t, s.deliver(delivery{}), "nothing is delivered after close")
}
