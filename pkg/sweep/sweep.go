// Package sweep implements the reconciliation sweep: a periodic job that
// hides the charters of captains whose subscription no longer carries a
// verified entitlement. It only ever unlists.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	defaultInterval = time.Hour
	defaultLockKey  = "subsync:sweep:lock"
	defaultLockTTL  = 10 * time.Minute
)

// Locker is a distributed mutual exclusion primitive. TryLock returns
// ok=false without error when another holder owns key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Config configures the scheduler.
type Config struct {
	// Interval between runs. Defaults to one hour.
	Interval time.Duration

	// Disabled turns Start into a no-op. RunOnce still works.
	Disabled bool

	// RunOnStart runs a sweep immediately when the scheduler starts.
	RunOnStart bool

	// Lock guards runs across processes. Optional.
	Lock    Locker
	LockKey string
	LockTTL time.Duration

	Clock   func() time.Time
	Logger  subsync.Logger
	Metrics subsync.Metrics
}

// Result summarizes one sweep run.
type Result struct {
	Subscriptions int
	Captains      int
	Charters      int
	StartedAt     time.Time
	Duration      time.Duration
}

// Scheduler owns the sweep timer. It is created and stopped by the process
// lifecycle; there is no package level state.
type Scheduler struct {
	store subsync.SweepStore
	cfg   Config

	running atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a scheduler over store.
func New(store subsync.SweepStore, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.LockKey == "" {
		cfg.LockKey = defaultLockKey
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = &subsync.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &subsync.NoopMetrics{}
	}
	return &Scheduler{store: store, cfg: cfg}
}

// Start launches the ticker goroutine. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Disabled {
		s.cfg.Logger.Info("reconciliation sweep disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("sweep scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.loop(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.cfg.Logger.Info("reconciliation sweep started",
		subsync.Field{Key: "interval", Value: s.cfg.Interval.String()})

	if s.cfg.RunOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Info("reconciliation sweep stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, subsync.ErrSweepInProgress) {
		s.cfg.Logger.Error("reconciliation sweep failed", subsync.Field{Key: "error", Value: err.Error()})
	}
}

// RunOnce performs one sweep. It returns subsync.ErrSweepInProgress when
// another run holds the in-process guard or the distributed lock.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped("in_process")
		return Result{}, subsync.ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.cfg.Lock != nil {
		release, ok, err := s.cfg.Lock.TryLock(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			s.cfg.Metrics.RecordSweepError("lock")
			return Result{}, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			s.skipped("distributed")
			return Result{}, subsync.ErrSweepInProgress
		}
		defer func() {
			// a fresh context: the run's context may already be canceled
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := release(relCtx); err != nil {
				s.cfg.Logger.Warn("release sweep lock failed", subsync.Field{Key: "error", Value: err.Error()})
			}
		}()
	}

	res, err := s.run(ctx)
	if err != nil {
		s.cfg.Metrics.RecordSweepError("store")
		return Result{}, err
	}

	s.cfg.Metrics.RecordSweep(res.Subscriptions, res.Captains, res.Charters, res.Duration)
	s.cfg.Logger.Info("reconciliation sweep completed",
		subsync.Field{Key: "subscriptions", Value: res.Subscriptions},
		subsync.Field{Key: "captains", Value: res.Captains},
		subsync.Field{Key: "charters_unlisted", Value: res.Charters},
		subsync.Field{Key: "duration_ms", Value: res.Duration.Milliseconds()},
	)
	return res, nil
}

func (s *Scheduler) skipped(guard string) {
	s.cfg.Metrics.RecordSweepSkipped()
	s.cfg.Logger.Warn("reconciliation sweep skipped, previous run still in progress",
		subsync.Field{Key: "guard", Value: guard})
}

// run selects lapsed subscriptions, resolves their captains and unlists
// their charters inside one transaction.
func (s *Scheduler) run(ctx context.Context) (Result, error) {
	start := s.cfg.Clock()
	res := Result{StartedAt: start}

	err := s.store.WithSweepTx(ctx, func(tx subsync.SweepTx) error {
		subs, err := tx.LapsedSubscriptions(ctx, start)
		if err != nil {
			return fmt.Errorf("list lapsed subscriptions: %w", err)
		}
		res.Subscriptions = len(subs)
		if len(subs) == 0 {
			return nil
		}

		seen := make(map[string]struct{}, len(subs))
		userIDs := make([]string, 0, len(subs))
		for _, sub := range subs {
			if _, ok := seen[sub.UserID]; ok {
				continue
			}
			seen[sub.UserID] = struct{}{}
			userIDs = append(userIDs, sub.UserID)
		}

		captainIDs, err := tx.CaptainsForUsers(ctx, userIDs)
		if err != nil {
			return fmt.Errorf("resolve captains: %w", err)
		}
		res.Captains = len(captainIDs)
		if len(captainIDs) == 0 {
			return nil
		}

		n, err := tx.UnlistCharters(ctx, captainIDs)
		if err != nil {
			return fmt.Errorf("unlist charters: %w", err)
		}
		res.Charters = n
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res.Duration = s.cfg.Clock().Sub(start)
	return res, nil
}
