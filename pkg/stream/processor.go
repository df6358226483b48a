package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/stationstream/pkg/metrics"
	"github.com/edgeflare/stationstream/pkg/station"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Subscriber opens a group consumer on a topic. Assignments are routed
// through the given AssignmentManager.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, am *AssignmentManager) (Source, error)
}

// Broker bundles what the processor needs from the message broker.
type Broker interface {
	Subscriber
	TopicAdmin
	ChangelogReader
	Sink
}

// ProcessorConfig parameterizes the station processor.
type ProcessorConfig struct {
	InputTopic     string
	OutputTopic    string
	ChangelogTopic string
	TableName      string
	GroupID        string

	// CreateInputTopic provisions the inbound topic instead of requiring it.
	CreateInputTopic bool
	InputPartitions  int32
	// OutputPartitions also sizes the changelog topic.
	OutputPartitions int32
	Replicas         int16

	KeyStrategy KeyStrategy
	// InputStart is applied to the inbound topic. The table stage resumes
	// from committed offsets, or from the earliest outbound offset when its
	// group has none. The table itself is rebuilt from the changelog.
	InputStart StartPolicy

	PollTimeout   time.Duration
	IdleInterval  time.Duration
	MaxPollErrors int

	// NewBackOff builds the retry policy of table recovery and outbound
	// publishes.
	NewBackOff func() backoff.BackOff
}

func (c ProcessorConfig) validate() error {
	switch {
	case c.InputTopic == "":
		return fmt.Errorf("input topic is required")
	case c.OutputTopic == "":
		return fmt.Errorf("output topic is required")
	case c.ChangelogTopic == "":
		return fmt.Errorf("changelog topic is required")
	case c.ChangelogTopic == c.OutputTopic || c.ChangelogTopic == c.InputTopic:
		return fmt.Errorf("changelog topic %s must not be a processed topic", c.ChangelogTopic)
	case c.GroupID == "":
		return fmt.Errorf("group id is required")
	}
	return nil
}

// Processor runs the two stages of the station stream: the transform stage
// reads the inbound topic and publishes re-keyed projections, the table
// stage reads them back and upserts them into the changelog-backed table.
type Processor struct {
	cfg      ProcessorConfig
	broker   Broker
	registry *TopicRegistry
	groupBy  *GroupBy
	table    *Table
	logger   *zap.Logger

	outputPartitions int32

	mu            sync.Mutex
	transformLoop *Loop
	tableLoop     *Loop
}

// NewProcessor validates cfg and builds a processor. Nothing touches the
// broker until Run.
func NewProcessor(cfg ProcessorConfig, broker Broker, registry *TopicRegistry, logger *zap.Logger) (*Processor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TableName == "" {
		cfg.TableName = cfg.OutputTopic + "-table"
	}
	if cfg.OutputPartitions <= 0 {
		cfg.OutputPartitions = 1
	}
	if cfg.InputPartitions <= 0 {
		cfg.InputPartitions = 1
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = time.Minute
			return b
		}
	}

	groupBy, err := NewGroupBy(cfg.KeyStrategy)
	if err != nil {
		return nil, err
	}

	return &Processor{
		cfg:      cfg,
		broker:   broker,
		registry: registry,
		groupBy:  groupBy,
		logger:   logger,
	}, nil
}

// Table returns the station table, or nil before Run has provisioned it.
func (p *Processor) Table() *Table {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.table
}

// Ready reports whether the table has been recovered.
func (p *Processor) Ready() bool {
	t := p.Table()
	return t != nil && t.Ready()
}

// Lookup reads key from the table.
func (p *Processor) Lookup(key string) (station.Transformed, bool, error) {
	t := p.Table()
	if t == nil {
		return station.Transformed{}, false, ErrNotReady
	}
	return t.Lookup(key)
}

// Entries returns the table content sorted by key.
func (p *Processor) Entries() ([]KeyValue, error) {
	t := p.Table()
	if t == nil {
		return nil, ErrNotReady
	}
	return t.Entries()
}

// Provision makes sure the three topics exist.
func (p *Processor) Provision(ctx context.Context) error {
	if p.cfg.CreateInputTopic {
		if err := p.registry.Ensure(ctx, TopicSpec{
			Name:              p.cfg.InputTopic,
			Partitions:        p.cfg.InputPartitions,
			ReplicationFactor: p.cfg.Replicas,
		}); err != nil {
			return err
		}
	} else if err := p.registry.Require(ctx, p.cfg.InputTopic); err != nil {
		return err
	}

	if err := p.registry.Ensure(ctx, TopicSpec{
		Name:              p.cfg.OutputTopic,
		Partitions:        p.cfg.OutputPartitions,
		ReplicationFactor: p.cfg.Replicas,
	}); err != nil {
		return err
	}

	return p.registry.Ensure(ctx, TopicSpec{
		Name:              p.cfg.ChangelogTopic,
		Partitions:        p.cfg.OutputPartitions,
		ReplicationFactor: p.cfg.Replicas,
		Config: map[string]string{
			"cleanup.policy": "compact",
			"retention.ms":   "-1",
		},
	})
}

// Run provisions topics, recovers the table and then runs both stages until
// ctx is canceled or a stage fails.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Provision(ctx); err != nil {
		return fmt.Errorf("provision topics: %w", err)
	}
	defer p.registry.Release(p.cfg.OutputTopic)
	defer p.registry.Release(p.cfg.ChangelogTopic)

	var err error
	if p.outputPartitions, err = p.registry.Partitions(ctx, p.cfg.OutputTopic); err != nil {
		return fmt.Errorf("describe %s: %w", p.cfg.OutputTopic, err)
	}
	changelogPartitions, err := p.registry.Partitions(ctx, p.cfg.ChangelogTopic)
	if err != nil {
		return fmt.Errorf("describe %s: %w", p.cfg.ChangelogTopic, err)
	}
	if changelogPartitions != p.outputPartitions {
		p.logger.Warn("changelog is not copartitioned with the outbound topic",
			zap.Int32("outbound", p.outputPartitions),
			zap.Int32("changelog", changelogPartitions))
	}

	table := NewTable(TableOptions{
		Name:           p.cfg.TableName,
		ChangelogTopic: p.cfg.ChangelogTopic,
		Partitions:     changelogPartitions,
		NewBackOff:     p.cfg.NewBackOff,
		Logger:         p.logger,
	}, p.groupBy, p.broker, p.broker)
	p.mu.Lock()
	p.table = table
	p.mu.Unlock()
	if err := table.Recover(ctx); err != nil {
		return err
	}

	inputSrc, err := p.broker.Subscribe(ctx, p.cfg.InputTopic, p.cfg.GroupID,
		NewAssignmentManager(p.cfg.InputStart, p.logger.With(zap.String("topic", p.cfg.InputTopic))))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p.cfg.InputTopic, err)
	}
	outputSrc, err := p.broker.Subscribe(ctx, p.cfg.OutputTopic, p.cfg.GroupID+".table",
		NewAssignmentManager(StartCommitted, p.logger.With(zap.String("topic", p.cfg.OutputTopic))).WithFreshEarliest())
	if err != nil {
		inputSrc.Close()
		return fmt.Errorf("subscribe %s: %w", p.cfg.OutputTopic, err)
	}

	transformLoop := NewLoop(inputSrc, p.handleStation, p.loopOptions("transform"))
	tableLoop := NewLoop(outputSrc, p.handleTransformed, p.loopOptions("table"))
	p.mu.Lock()
	p.transformLoop, p.tableLoop = transformLoop, tableLoop
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return transformLoop.Run(gctx) })
	g.Go(func() error { return tableLoop.Run(gctx) })

	p.logger.Info("station processor running",
		zap.String("input", p.cfg.InputTopic),
		zap.String("output", p.cfg.OutputTopic),
		zap.String("changelog", p.cfg.ChangelogTopic),
		zap.String("key_field", p.cfg.KeyStrategy.Field))
	return g.Wait()
}

// Close stops both stages.
func (p *Processor) Close() error {
	p.mu.Lock()
	loops := []*Loop{p.transformLoop, p.tableLoop}
	p.mu.Unlock()

	var err error
	for _, l := range loops {
		if l == nil {
			continue
		}
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (p *Processor) loopOptions(name string) LoopOptions {
	return LoopOptions{
		Name:          name,
		PollTimeout:   p.cfg.PollTimeout,
		IdleInterval:  p.cfg.IdleInterval,
		MaxPollErrors: p.cfg.MaxPollErrors,
		Logger:        p.logger,
	}
}

// handleStation is the transform stage: decode, project, re-key and publish.
func (p *Processor) handleStation(ctx context.Context, rec *Record) error {
	in, err := station.Decode(rec.Key, rec.Value)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(rec.Topic).Inc()
		p.logger.Warn("dropping malformed station record",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err))
		return nil
	}

	out := station.Transform(in)
	key, partition, err := p.groupBy.Route(out, p.outputPartitions)
	if err != nil {
		return err
	}
	value, err := station.Encode(out)
	if err != nil {
		return fmt.Errorf("encode station %d: %w", out.StationID, err)
	}

	msg := Message{
		Topic:     p.cfg.OutputTopic,
		Partition: partition,
		Key:       []byte(key),
		Value:     value,
	}
	publish := func() error {
		_, err := p.broker.Publish(ctx, msg)
		if err != nil {
			p.logger.Warn("publish failed, retrying",
				zap.String("topic", msg.Topic),
				zap.String("key", key),
				zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(publish, backoff.WithContext(p.cfg.NewBackOff(), ctx)); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	metrics.RecordsPublished.WithLabelValues(msg.Topic).Inc()
	return nil
}

// handleTransformed is the table stage.
func (p *Processor) handleTransformed(ctx context.Context, rec *Record) error {
	v, err := station.DecodeTransformed(rec.Value)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(rec.Topic).Inc()
		p.logger.Warn("dropping malformed projection",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err))
		return nil
	}

	key := p.groupBy.TableKey(rec.Key, v)
	_, err = p.Table().Apply(ctx, key, v, Position{Partition: rec.Partition, Offset: rec.Offset})
	return err
}
