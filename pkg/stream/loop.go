package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeflare/stationstream/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// LoopState is a state of the poll/dispatch loop.
type LoopState int32

const (
	StatePolling LoopState = iota
	StateDrained
	StateIdle
	StateClosed
)

func (s LoopState) String() string {
	switch s {
	case StatePolling:
		return "POLLING"
	case StateDrained:
		return "DRAINED"
	case StateIdle:
		return "IDLE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("LoopState(%d)", int32(s))
	}
}

// Handler processes one record. A returned error stops the loop and the
// record is left uncommitted; per-record failures that must not stop the
// stream are handled inside the handler.
type Handler func(ctx context.Context, rec *Record) error

// LoopOptions configures a Loop.
type LoopOptions struct {
	// Name labels logs and the dispatch duration metric.
	Name string
	// PollTimeout bounds each poll. Defaults to one second.
	PollTimeout time.Duration
	// IdleInterval is how long the loop sleeps once drained. Defaults to one second.
	IdleInterval time.Duration
	// MaxPollErrors ends the loop after that many consecutive poll errors.
	// Zero never gives up.
	MaxPollErrors int
	// OnTransition, if set, observes every state change.
	OnTransition func(from, to LoopState)
	Logger       *zap.Logger
}

// LoopStats counts what a loop has done so far.
type LoopStats struct {
	Dispatched uint64
	EmptyPolls uint64
	PollErrors uint64
}

// Loop drains a Source through a Handler: it keeps polling while records
// arrive and sleeps for IdleInterval after an empty poll.
type Loop struct {
	source  Source
	handler Handler
	opts    LoopOptions
	logger  *zap.Logger

	state  atomic.Int32
	closed atomic.Bool
	wake   chan struct{}

	closeOnce sync.Once
	closeErr  error

	dispatched atomic.Uint64
	emptyPolls atomic.Uint64
	pollErrors atomic.Uint64
}

// NewLoop returns a loop in state POLLING.
func NewLoop(source Source, handler Handler, opts LoopOptions) *Loop {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Loop{
		source:  source,
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("loop", opts.Name)),
		wake:    make(chan struct{}),
	}
}

// State returns the current state.
func (l *Loop) State() LoopState { return LoopState(l.state.Load()) }

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() LoopStats {
	return LoopStats{
		Dispatched: l.dispatched.Load(),
		EmptyPolls: l.emptyPolls.Load(),
		PollErrors: l.pollErrors.Load(),
	}
}

// Run polls until ctx is done or Close is called, which return nil, or until
// the handler or the source fails, which returns the error. The source is
// closed when Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()

	consecutiveErrors := 0
	for {
		if l.stopped(ctx) {
			return nil
		}

		rec, err := l.source.Poll(ctx, l.opts.PollTimeout)
		if err != nil {
			if l.stopped(ctx) {
				return nil
			}
			if errors.Is(err, ErrSourceClosed) {
				return err
			}
			rec = &Record{Err: err}
		}

		if rec == nil {
			l.emptyPolls.Add(1)
			l.idle(ctx)
			continue
		}

		if rec.Err != nil {
			consecutiveErrors++
			l.pollErrors.Add(1)
			metrics.PollErrors.WithLabelValues(rec.Topic).Inc()
			l.logger.Error("error consuming records, skipping",
				zap.String("topic", rec.Topic),
				zap.Int("consecutive", consecutiveErrors),
				zap.Error(rec.Err))
			if l.opts.MaxPollErrors > 0 && consecutiveErrors >= l.opts.MaxPollErrors {
				return fmt.Errorf("%w: last: %w", ErrPersistentPollErrors, rec.Err)
			}
			l.idle(ctx)
			continue
		}
		consecutiveErrors = 0

		if err := l.dispatch(ctx, rec); err != nil {
			return fmt.Errorf("dispatch %s[%d]@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
		}
		if err := l.source.Commit(rec); err != nil {
			l.logger.Warn("commit failed, record may be redelivered",
				zap.String("topic", rec.Topic),
				zap.Int32("partition", rec.Partition),
				zap.Int64("offset", rec.Offset),
				zap.Error(err))
		}
	}
}

// Close stops the loop at its next suspension point and releases the
// source. It is safe to call more than once.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.wake)
		l.closeErr = l.source.Close()
		l.transition(StateClosed)
		l.logger.Info("loop closed", zap.Uint64("dispatched", l.dispatched.Load()))
	})
	return l.closeErr
}

func (l *Loop) dispatch(ctx context.Context, rec *Record) error {
	timer := prometheus.NewTimer(metrics.DispatchDuration.WithLabelValues(l.opts.Name))
	defer timer.ObserveDuration()

	l.logger.Debug("consumed record",
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
		zap.ByteString("key", rec.Key))

	if err := l.handler(ctx, rec); err != nil {
		return err
	}
	l.dispatched.Add(1)
	metrics.RecordsConsumed.WithLabelValues(rec.Topic).Inc()
	return nil
}

func (l *Loop) idle(ctx context.Context) {
	l.transition(StateDrained)
	l.transition(StateIdle)

	t := time.NewTimer(l.opts.IdleInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-l.wake:
	}

	if !l.stopped(ctx) {
		l.transition(StatePolling)
	}
}

func (l *Loop) stopped(ctx context.Context) bool {
	return l.closed.Load() || ctx.Err() != nil
}

// transition moves to the given state. CLOSED is terminal.
func (l *Loop) transition(to LoopState) {
	for {
		cur := l.state.Load()
		from := LoopState(cur)
		if from == to || from == StateClosed {
			return
		}
		if l.state.CompareAndSwap(cur, int32(to)) {
			if l.opts.OnTransition != nil {
				l.opts.OnTransition(from, to)
			}
			return
		}
	}
}
