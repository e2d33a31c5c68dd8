package subquota

import (
	"context"
	"fmt"
	"time"
)

// Manager is the reconciliation engine: it absorbs billing events into the
// subscription store through the event ledger, enforces usage quotas, and
// derives effective tiers. One Manager is safe for concurrent use by any
// number of goroutines.
type Manager struct {
	storage Storage
	config  Config
	logger  Logger
	metrics Metrics
	locks   *keyedMutex
	now     func() time.Time
}

// NewManager creates a new engine on top of the given storage.
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStoreUnavailable
	}

	if config.Policy == nil {
		config.Policy = DefaultPolicy()
	}
	if config.DefaultTier == "" {
		config.DefaultTier = TierFree
	}
	if config.GraceWindow <= 0 {
		config.GraceWindow = DefaultGraceWindow
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = defaultSweepBatchSize
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Manager{
		storage: storage,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		locks:   newKeyedMutex(),
		now:     config.Clock,
	}, nil
}

// Policy returns the engine's tier policy table. The same table feeds
// enforcement and any UI that displays limits.
func (m *Manager) Policy() TierPolicy {
	return m.config.Policy
}

// DefaultTier returns the tier of users without an active subscription.
func (m *Manager) DefaultTier() string {
	return m.config.DefaultTier
}

// EffectiveTier derives the user's current tier from the subscription
// store at read time. It is a pure read: the result is never cached, so it
// cannot drift from the ledger-backed source of truth. Only an active
// subscription grants a paid tier; created, past_due and terminal rows all
// fall back to the default tier.
func (m *Manager) EffectiveTier(ctx context.Context, userID string) (string, error) {
	sub, err := m.getOpenSubscription(ctx, userID)
	if err != nil {
		return "", err
	}
	if sub == nil || sub.Status != StatusActive {
		return m.config.DefaultTier, nil
	}

	tier, ok := m.config.PlanTiers[sub.ProviderPlanID]
	if !ok {
		m.logger.Warn("active subscription on unmapped plan",
			Field{"user_id", userID},
			Field{"plan_id", sub.ProviderPlanID})
		return m.config.DefaultTier, nil
	}
	return tier, nil
}

// OpenSubscription returns the user's open (created/active/past_due)
// subscription, or ErrSubscriptionNotFound.
func (m *Manager) OpenSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := m.getOpenSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// getOpenSubscription returns the user's open subscription, nil when there
// is none, and a store error otherwise.
func (m *Manager) getOpenSubscription(ctx context.Context, userID string) (*Subscription, error) {
	start := m.now()
	sub, err := m.storage.GetOpenSubscription(ctx, userID)
	m.metrics.RecordStorageOperation("get_open_subscription", m.now().Sub(start), ignoreNotFound(err))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, m.storeErr("get open subscription", err)
	}
	return sub, nil
}

// storeErr classifies a storage failure under ErrStoreUnavailable while
// keeping the underlying detail in the message.
func (m *Manager) storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
