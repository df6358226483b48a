package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// TopicRegistry remembers the topics provisioned through it so each is
// checked against the broker at most once per registry.
type TopicRegistry struct {
	admin  TopicAdmin
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]struct{}
}

// NewTopicRegistry returns an empty registry backed by admin.
func NewTopicRegistry(admin TopicAdmin, logger *zap.Logger) *TopicRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TopicRegistry{
		admin:  admin,
		logger: logger,
		topics: make(map[string]struct{}),
	}
}

// Ensure creates the topic unless the registry or the broker already knows it.
func (r *TopicRegistry) Ensure(ctx context.Context, spec TopicSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[spec.Name]; ok {
		return nil
	}

	exists, err := r.admin.TopicExists(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("check topic %s: %w", spec.Name, err)
	}
	if !exists {
		if err := r.admin.CreateTopic(ctx, spec); err != nil {
			return fmt.Errorf("create topic %s: %w", spec.Name, err)
		}
		r.logger.Info("topic created",
			zap.String("topic", spec.Name),
			zap.Int32("partitions", spec.Partitions),
			zap.Int16("replicas", spec.ReplicationFactor))
	}

	r.topics[spec.Name] = struct{}{}
	return nil
}

// Require fails unless the topic exists on the broker. Topics owned by
// another system, such as the inbound stations topic, are checked this way.
func (r *TopicRegistry) Require(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[name]; ok {
		return nil
	}
	exists, err := r.admin.TopicExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check topic %s: %w", name, err)
	}
	if !exists {
		return fmt.Errorf("topic %s does not exist", name)
	}
	r.topics[name] = struct{}{}
	return nil
}

// Partitions returns the partition count of a topic.
func (r *TopicRegistry) Partitions(ctx context.Context, name string) (int32, error) {
	return r.admin.Partitions(ctx, name)
}

// Release forgets a topic so the next Ensure checks the broker again.
func (r *TopicRegistry) Release(name string) {
	r.mu.Lock()
	delete(r.topics, name)
	r.mu.Unlock()
}

// Known reports whether the topic was provisioned through this registry.
func (r *TopicRegistry) Known(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[name]
	return ok
}

// Topics returns the registered topic names, sorted.
func (r *TopicRegistry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
