package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/stationstream/pkg/stream"
	"go.uber.org/zap"
)

// Client implements stream.Broker on a Kafka cluster.
type Client struct {
	config   *Config
	sconf    *sarama.Config
	logger   *zap.Logger
	client   sarama.Client
	admin    sarama.ClusterAdmin
	producer sarama.SyncProducer

	replayIdle time.Duration
}

var _ stream.Broker = (*Client)(nil)

// NewClient connects to the cluster, retrying with exponential backoff
// until ctx is done.
func NewClient(ctx context.Context, config *Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sconf, err := config.ToSaramaConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama config: %w", err)
	}

	c := &Client{config: config, sconf: sconf, logger: logger}

	connect := func() error {
		client, err := sarama.NewClient(config.GetBrokers(), sconf)
		if err != nil {
			logger.Warn("connecting to kafka failed, retrying",
				zap.Strings("brokers", config.GetBrokers()),
				zap.Error(err))
			return err
		}
		c.client = client
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(connect, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}

	if c.admin, err = sarama.NewClusterAdminFromClient(c.client); err != nil {
		c.client.Close()
		return nil, fmt.Errorf("failed to create cluster admin: %w", err)
	}
	if c.producer, err = sarama.NewSyncProducerFromClient(c.client); err != nil {
		c.client.Close()
		return nil, fmt.Errorf("failed to create sync producer: %w", err)
	}

	logger.Info("connected to kafka", zap.Strings("brokers", config.GetBrokers()))
	return c, nil
}

// NewClientFrom wraps already connected sarama components. The admin owns
// client and closes it.
func NewClientFrom(config *Config, client sarama.Client, admin sarama.ClusterAdmin, producer sarama.SyncProducer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	var sconf *sarama.Config
	if client != nil {
		sconf = client.Config()
	}
	return &Client{
		config:   config,
		sconf:    sconf,
		logger:   logger,
		client:   client,
		admin:    admin,
		producer: producer,
	}
}

// TopicExists implements stream.TopicAdmin.
func (c *Client) TopicExists(_ context.Context, name string) (bool, error) {
	topics, err := c.admin.ListTopics()
	if err != nil {
		return false, fmt.Errorf("failed to list topics: %w", err)
	}
	_, ok := topics[name]
	return ok, nil
}

// ListTopics lists all topics
func (c *Client) ListTopics() (map[string]sarama.TopicDetail, error) {
	topics, err := c.admin.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	return topics, nil
}

// CreateTopic implements stream.TopicAdmin. A topic created concurrently by
// someone else is not an error.
func (c *Client) CreateTopic(_ context.Context, spec stream.TopicSpec) error {
	detail := &sarama.TopicDetail{
		NumPartitions:     spec.Partitions,
		ReplicationFactor: spec.ReplicationFactor,
	}
	if len(spec.Config) > 0 {
		detail.ConfigEntries = make(map[string]*string, len(spec.Config))
		for k, v := range spec.Config {
			detail.ConfigEntries[k] = stringPtr(v)
		}
	}

	err := c.admin.CreateTopic(spec.Name, detail, false)
	if err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return fmt.Errorf("failed to create topic: %w", err)
	}
	if err := c.client.RefreshMetadata(spec.Name); err != nil {
		c.logger.Warn("metadata refresh failed", zap.String("topic", spec.Name), zap.Error(err))
	}

	c.logger.Info("Topic created", zap.String("topic", spec.Name))
	return nil
}

// Partitions implements stream.TopicAdmin.
func (c *Client) Partitions(_ context.Context, name string) (int32, error) {
	parts, err := c.client.Partitions(name)
	if err != nil {
		return 0, fmt.Errorf("failed to get partitions of %s: %w", name, err)
	}
	return int32(len(parts)), nil
}

// Publish implements stream.Sink.
func (c *Client) Publish(_ context.Context, msg stream.Message) (int64, error) {
	pm := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Value:     sarama.ByteEncoder(msg.Value),
	}
	if msg.Key != nil {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}
	for k, v := range msg.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: v})
	}

	partition, offset, err := c.producer.SendMessage(pm)
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}
	c.logger.Debug("Message produced",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return offset, nil
}

// Close releases the producer, admin and client.
func (c *Client) Close() error {
	var errs []error
	if c.producer != nil {
		errs = append(errs, c.producer.Close())
	}
	if c.admin != nil {
		// Closing the admin also closes the shared client.
		errs = append(errs, c.admin.Close())
	} else if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

func stringPtr(s string) *string {
	return &s
}
