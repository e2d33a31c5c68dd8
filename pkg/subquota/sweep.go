package subquota

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// sweepConcurrency bounds how many candidates one run touches in parallel.
const sweepConcurrency = 4

// SweepExpired transitions subscriptions in active or past_due whose
// billing period ended more than the grace window ago, and which have seen
// no event inside that window, to expired. This is the one transition not
// driven by a provider event: a cancellation or expiry webhook may simply
// never arrive, and a paid tier must not be trusted indefinitely on
// silence.
//
// The sweep is idempotent and safe to run concurrently with live webhook
// processing: candidates are selected by LastEventAt staleness, so a
// just-arrived renewal always wins the race, and the final transition is a
// compare-and-set that loses cleanly to any concurrent update.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	started := m.now()
	cutoff := started.UTC().Add(-m.config.GraceWindow)

	opStart := m.now()
	candidates, err := m.storage.ListExpiryCandidates(ctx, cutoff, m.config.SweepBatchSize)
	m.metrics.RecordStorageOperation("list_expiry_candidates", m.now().Sub(opStart), err)
	if err != nil {
		return 0, m.storeErr("list expiry candidates", err)
	}

	var expired atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, sub := range candidates {
		g.Go(func() error {
			ok, err := m.expireOne(gctx, sub, cutoff)
			if err != nil {
				return err
			}
			if ok {
				expired.Add(1)
			}
			return nil
		})
	}

	err = g.Wait()
	m.metrics.RecordSweep(int(expired.Load()), m.now().Sub(started))
	if err != nil {
		return int(expired.Load()), err
	}

	if n := expired.Load(); n > 0 {
		m.logger.Info("expiry sweep completed",
			Field{"expired", n},
			Field{"candidates", len(candidates)})
	}
	return int(expired.Load()), nil
}

// expireOne re-validates the expiry predicate under the per-subscription
// lock and applies the terminal transition. Returns false without error
// when the subscription no longer qualifies (a renewal landed, or another
// sweep instance got there first).
func (m *Manager) expireOne(ctx context.Context, candidate *Subscription, cutoff time.Time) (bool, error) {
	m.locks.lock(candidate.ProviderSubscriptionID)
	defer m.locks.unlock(candidate.ProviderSubscriptionID)

	start := m.now()
	sub, err := m.storage.GetSubscriptionByProviderID(ctx, candidate.ProviderSubscriptionID)
	m.metrics.RecordStorageOperation("get_subscription", m.now().Sub(start), ignoreNotFound(err))
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, m.storeErr("get subscription", err)
	}

	if !expiryDue(sub, cutoff) {
		return false, nil
	}

	expected := sub.UpdatedAt
	sub.Status = StatusExpired
	sub.UpdatedAt = m.now().UTC()

	start = m.now()
	err = m.storage.UpdateSubscription(ctx, sub, expected)
	m.metrics.RecordStorageOperation("update_subscription", m.now().Sub(start), ignoreConflict(err))
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost to a concurrent webhook or sweep; the next run re-checks.
			return false, nil
		}
		return false, m.storeErr("update subscription", err)
	}

	m.logger.Info("subscription expired by sweep",
		Field{"user_id", sub.UserID},
		Field{"subscription_id", sub.ProviderSubscriptionID},
		Field{"period_end", sub.CurrentPeriodEnd})
	return true, nil
}

// expiryDue is the sweep predicate: an open paid row whose period ended
// before cutoff with no event since cutoff.
func expiryDue(sub *Subscription, cutoff time.Time) bool {
	if sub.Status != StatusActive && sub.Status != StatusPastDue {
		return false
	}
	if sub.CurrentPeriodEnd.IsZero() || !sub.CurrentPeriodEnd.Before(cutoff) {
		return false
	}
	return sub.LastEventAt.Before(cutoff)
}

func ignoreConflict(err error) error {
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}

// Locker provides cross-instance mutual exclusion for the sweep so that a
// single instance is normally active. Best effort: overlapping runs stay
// correct, a lock only avoids duplicate work.
type Locker interface {
	// TryAcquire returns true when this instance holds the lock.
	TryAcquire(ctx context.Context) (bool, error)

	// Release frees the lock. Safe to call when not held.
	Release(ctx context.Context) error
}

// SweeperConfig configures the periodic sweep runner.
type SweeperConfig struct {
	// Schedule is a cron expression (default: "@every 5m").
	Schedule string

	// Locker is optional cross-instance mutual exclusion.
	Locker Locker

	// RunTimeout bounds one sweep run (default: 1m).
	RunTimeout time.Duration
}

// Sweeper runs the expiry sweep on a fixed schedule.
type Sweeper struct {
	manager *Manager
	config  SweeperConfig
	cron    *cron.Cron
}

// NewSweeper creates a sweep runner for the manager.
func NewSweeper(m *Manager, config SweeperConfig) (*Sweeper, error) {
	if m == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if config.Schedule == "" {
		config.Schedule = "@every 5m"
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = time.Minute
	}

	s := &Sweeper{
		manager: m,
		config:  config,
		cron:    cron.New(),
	}
	if _, err := s.cron.AddFunc(config.Schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", config.Schedule, err)
	}
	return s, nil
}

// Start begins the schedule. It returns immediately.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
	defer cancel()

	if s.config.Locker != nil {
		held, err := s.config.Locker.TryAcquire(ctx)
		if err != nil {
			s.manager.logger.Warn("sweep lock acquire failed", Field{"error", err.Error()})
			return
		}
		if !held {
			return
		}
		defer func() {
			if err := s.config.Locker.Release(ctx); err != nil {
				s.manager.logger.Warn("sweep lock release failed", Field{"error", err.Error()})
			}
		}()
	}

	if _, err := s.manager.SweepExpired(ctx); err != nil {
		s.manager.logger.Error("expiry sweep failed", Field{"error", err.Error()})
	}
}
