package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/stationstream/pkg/stream"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscribe implements stream.Subscriber with a sarama consumer group. Each
// subscription gets its own sarama client since consumer groups cannot
// share one.
func (c *Client) Subscribe(ctx context.Context, topic, group string, am *stream.AssignmentManager) (stream.Source, error) {
	cg, err := sarama.NewConsumerGroup(c.config.GetBrokers(), group, c.groupConfig(am))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &groupSource{
		offsets:    c.client,
		topic:      topic,
		group:      group,
		cg:         cg,
		am:         am,
		logger:     c.logger.With(zap.String("topic", topic), zap.String("group", group)),
		deliveries: make(chan delivery),
		pending:    make(map[int32]chan struct{}),
		cancel:     cancel,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go s.consume(runCtx)
	go s.forwardErrors()
	return s, nil
}

// groupConfig copies the client config for one consumer group. Partitions
// without a committed offset start where am.FreshStart says.
func (c *Client) groupConfig(am *stream.AssignmentManager) *sarama.Config {
	conf := *c.sconf
	conf.ClientID = fmt.Sprintf("%s-%s", c.sconf.ClientID, uuid.NewString()[:8])
	if am.FreshStart() == stream.StartEarliest {
		conf.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		conf.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	return &conf
}

type delivery struct {
	rec stream.Record
	ack chan struct{}
}

// groupSource turns sarama's push-based claims into a pollable source. Each
// claim hands over one message and waits for its commit before reading the
// next one, so a partition never has more than one record in flight.
type groupSource struct {
	offsets sarama.Client
	topic   string
	group   string
	cg      sarama.ConsumerGroup
	am      *stream.AssignmentManager
	logger  *zap.Logger

	deliveries chan delivery

	mu      sync.Mutex
	pending map[int32]chan struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *groupSource) consume(ctx context.Context) {
	defer close(s.stopped)
	h := &groupHandler{s: s}
	for {
		if err := s.cg.Consume(ctx, []string{s.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			s.deliver(delivery{rec: stream.Record{Topic: s.topic, Err: err}})
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *groupSource) forwardErrors() {
	for err := range s.cg.Errors() {
		s.deliver(delivery{rec: stream.Record{Topic: s.topic, Err: err}})
	}
}

func (s *groupSource) deliver(d delivery) bool {
	select {
	case s.deliveries <- d:
		return true
	case <-s.done:
		return false
	}
}

// Poll implements stream.Source.
func (s *groupSource) Poll(ctx context.Context, timeout time.Duration) (*stream.Record, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case d := <-s.deliveries:
		if d.ack != nil {
			s.mu.Lock()
			s.pending[d.rec.Partition] = d.ack
			s.mu.Unlock()
		}
		return &d.rec, nil
	case <-s.done:
		return nil, stream.ErrSourceClosed
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Commit implements stream.Source by marking the message in the session;
// sarama auto-commits marked offsets.
func (s *groupSource) Commit(rec *stream.Record) error {
	s.mu.Lock()
	ack, ok := s.pending[rec.Partition]
	delete(s.pending, rec.Partition)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no record in flight for %s[%d]", rec.Topic, rec.Partition)
	}
	close(ack)
	return nil
}

// Close implements stream.Source.
func (s *groupSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
		s.closeErr = s.cg.Close()
		<-s.stopped
		s.logger.Info("consumer group closed")
	})
	return s.closeErr
}

type groupHandler struct {
	s *groupSource
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	return h.s.am.OnAssigned(sess.GenerationID(), claimed(sess), &sessionApplier{offsets: h.s.offsets, sess: sess, logger: h.s.logger})
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.s.am.OnRevoked(sess.GenerationID(), claimed(sess))
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			d := delivery{rec: toRecord(msg), ack: make(chan struct{})}
			select {
			case h.s.deliveries <- d:
			case <-sess.Context().Done():
				return nil
			}
			select {
			case <-d.ack:
				sess.MarkMessage(msg, "")
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

func claimed(sess sarama.ConsumerGroupSession) []stream.TopicPartition {
	var tps []stream.TopicPartition
	for topic, parts := range sess.Claims() {
		for _, p := range parts {
			tps = append(tps, stream.TopicPartition{Topic: topic, Partition: p})
		}
	}
	return tps
}

// sessionApplier positions claims before sarama starts fetching them.
// Returning from Setup is what confirms the assignment to sarama.
type sessionApplier struct {
	offsets sarama.Client
	sess    sarama.ConsumerGroupSession
	logger  *zap.Logger
}

func (a *sessionApplier) ApplyStart(tp stream.TopicPartition, policy stream.StartPolicy) error {
	if policy != stream.StartEarliest {
		return nil
	}
	oldest, err := a.offsets.GetOffset(tp.Topic, tp.Partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("oldest offset of %s[%d]: %w", tp.Topic, tp.Partition, err)
	}
	a.sess.ResetOffset(tp.Topic, tp.Partition, oldest, "")
	return nil
}

func (a *sessionApplier) Confirm(tps []stream.TopicPartition) error {
	a.logger.Debug("assignment confirmed",
		zap.String("member", a.sess.MemberID()),
		zap.Int("partitions", len(tps)))
	return nil
}
