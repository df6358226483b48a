package kafka

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/edgeflare/stationstream/pkg/stream"
	"go.uber.org/zap"
)

// defaultReplayIdle bounds how long a replay waits for the next message.
// Offsets below the end that are never delivered (transaction markers,
// compacted gaps at the tail) would otherwise block recovery.
const defaultReplayIdle = 10 * time.Second

// ReadChangelog implements stream.ChangelogReader. Each partition is read
// from its oldest retained offset up to the high water mark captured before
// reading starts.
func (c *Client) ReadChangelog(ctx context.Context, topic string, fn func(stream.Record) error) error {
	if err := c.client.RefreshMetadata(topic); err != nil {
		return fmt.Errorf("refresh metadata of %s: %w", topic, err)
	}
	parts, err := c.client.Partitions(topic)
	if err != nil {
		return fmt.Errorf("failed to get partitions of %s: %w", topic, err)
	}

	consumer, err := sarama.NewConsumerFromClient(c.client)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer consumer.Close()

	for _, p := range parts {
		oldest, err := c.client.GetOffset(topic, p, sarama.OffsetOldest)
		if err != nil {
			return fmt.Errorf("oldest offset of %s[%d]: %w", topic, p, err)
		}
		end, err := c.client.GetOffset(topic, p, sarama.OffsetNewest)
		if err != nil {
			return fmt.Errorf("newest offset of %s[%d]: %w", topic, p, err)
		}
		if end <= oldest {
			continue
		}

		c.logger.Debug("replaying changelog partition",
			zap.String("topic", topic),
			zap.Int32("partition", p),
			zap.Int64("from", oldest),
			zap.Int64("to", end))

		if err := c.replayPartition(ctx, consumer, topic, p, oldest, end, fn); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) replayPartition(ctx context.Context, consumer sarama.Consumer, topic string, partition int32, from, end int64, fn func(stream.Record) error) error {
	pc, err := consumer.ConsumePartition(topic, partition, from)
	if err != nil {
		return fmt.Errorf("failed to consume %s[%d]: %w", topic, partition, err)
	}
	defer pc.Close()

	idleAfter := cmp.Or(c.replayIdle, defaultReplayIdle)
	idle := time.NewTimer(idleAfter)
	defer idle.Stop()

	errs := pc.Errors()
	for {
		select {
		case msg, ok := <-pc.Messages():
			if !ok {
				return fmt.Errorf("partition consumer %s[%d] closed", topic, partition)
			}
			if err := fn(toRecord(msg)); err != nil {
				return err
			}
			if msg.Offset >= end-1 {
				return nil
			}
			idle.Reset(idleAfter)
		case <-idle.C:
			c.logger.Warn("changelog replay idle, stopping before the end offset",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Int64("end", end),
				zap.Duration("idle", idleAfter))
			return nil
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return fmt.Errorf("consume %s[%d]: %w", topic, partition, cerr)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func toRecord(msg *sarama.ConsumerMessage) stream.Record {
	rec := stream.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make(map[string][]byte, len(msg.Headers))
		for _, h := range msg.Headers {
			if h != nil {
				rec.Headers[string(h.Key)] = h.Value
			}
		}
	}
	return rec
}
