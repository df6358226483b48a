package stream

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// StartPolicy selects where consumption of a newly assigned partition begins.
type StartPolicy int

const (
	// StartCommitted resumes after the group's last committed offset.
	StartCommitted StartPolicy = iota
	// StartEarliest rewinds to the earliest retained offset.
	StartEarliest
)

func (p StartPolicy) String() string {
	if p == StartEarliest {
		return "earliest"
	}
	return "committed"
}

// ParseStartPolicy maps an offset reset setting ("earliest", "latest",
// "committed") to a StartPolicy.
func ParseStartPolicy(s string) (StartPolicy, error) {
	switch s {
	case "earliest", "oldest":
		return StartEarliest, nil
	case "", "latest", "newest", "committed":
		return StartCommitted, nil
	default:
		return StartCommitted, fmt.Errorf("unknown offset reset policy %q", s)
	}
}

// OffsetApplier is implemented by broker clients that hand partition
// assignment decisions to the AssignmentManager.
type OffsetApplier interface {
	// ApplyStart positions tp according to policy. It is called before any
	// record of tp is delivered.
	ApplyStart(tp TopicPartition, policy StartPolicy) error
	// Confirm hands the assignment back to the client. Records only flow for
	// confirmed partitions.
	Confirm(tps []TopicPartition) error
}

type assignmentKey struct {
	tp         TopicPartition
	generation int32
}

// AssignmentManager decides the start offset of every assigned partition,
// once per (partition, generation).
type AssignmentManager struct {
	policy StartPolicy
	logger *zap.Logger
	// freshEarliest starts a group without committed offsets at the
	// earliest offset even when policy is StartCommitted.
	freshEarliest bool

	mu      sync.Mutex
	decided map[assignmentKey]StartPolicy
}

// NewAssignmentManager returns a manager applying policy to every assignment.
func NewAssignmentManager(policy StartPolicy, logger *zap.Logger) *AssignmentManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssignmentManager{
		policy:  policy,
		logger:  logger,
		decided: make(map[assignmentKey]StartPolicy),
	}
}

// Policy returns the start policy applied to new assignments.
func (m *AssignmentManager) Policy() StartPolicy { return m.policy }

// WithFreshEarliest makes partitions that have no committed offset for the
// group start at the earliest retained offset. Committed offsets still win.
func (m *AssignmentManager) WithFreshEarliest() *AssignmentManager {
	m.freshEarliest = true
	return m
}

// FreshStart is where a partition without a committed offset begins.
func (m *AssignmentManager) FreshStart() StartPolicy {
	if m.freshEarliest {
		return StartEarliest
	}
	return m.policy
}

// OnAssigned applies the start policy to each partition not yet decided for
// generation and then confirms the whole assignment.
func (m *AssignmentManager) OnAssigned(generation int32, tps []TopicPartition, a OffsetApplier) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tp := range tps {
		key := assignmentKey{tp: tp, generation: generation}
		if _, ok := m.decided[key]; ok {
			continue
		}
		if err := a.ApplyStart(tp, m.policy); err != nil {
			return fmt.Errorf("apply %s start to %s[%d]: %w", m.policy, tp.Topic, tp.Partition, err)
		}
		m.decided[key] = m.policy
	}

	if err := a.Confirm(tps); err != nil {
		return fmt.Errorf("confirm assignment: %w", err)
	}

	m.logger.Info("partitions assigned",
		zap.Int32("generation", generation),
		zap.Int("partitions", len(tps)),
		zap.Stringer("start", m.policy))
	return nil
}

// OnRevoked forgets the decisions taken for generation.
func (m *AssignmentManager) OnRevoked(generation int32, tps []TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tp := range tps {
		delete(m.decided, assignmentKey{tp: tp, generation: generation})
	}
	m.logger.Info("partitions revoked",
		zap.Int32("generation", generation),
		zap.Int("partitions", len(tps)))
}

// Decision reports the policy applied to tp in generation, if any.
func (m *AssignmentManager) Decision(tp TopicPartition, generation int32) (StartPolicy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.decided[assignmentKey{tp: tp, generation: generation}]
	return p, ok
}
