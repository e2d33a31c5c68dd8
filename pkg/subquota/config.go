package subquota

import (
	"context"
	"time"
)

// SubscriptionCreator starts a provider-side subscription and returns the
// provider subscription id. Implemented by the billing providers; kept as
// a local interface so the engine does not depend on any provider package.
type SubscriptionCreator interface {
	CreateProviderSubscription(ctx context.Context, userID, planID string) (string, error)
}

// Config holds engine configuration.
type Config struct {
	// Policy is the static tier limit table (default: DefaultPolicy()).
	Policy TierPolicy

	// PlanTiers maps provider plan ids to tier names. An active
	// subscription on an unmapped plan falls back to DefaultTier.
	PlanTiers map[string]string

	// DefaultTier is the tier of users without an active subscription
	// (default: TierFree). Absence of a paid subscription is not an error.
	DefaultTier string

	// GraceWindow is how long past CurrentPeriodEnd the sweep waits before
	// expiring a silent subscription (default: 72h). Both the period end
	// and LastEventAt must predate the window.
	GraceWindow time.Duration

	// SweepBatchSize bounds how many candidates one sweep run processes
	// (default: 100).
	SweepBatchSize int

	// Provider creates provider-side subscriptions for CreateSubscription.
	// Optional: engines that only consume webhooks may leave it nil.
	Provider SubscriptionCreator

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking engine operations (default: NoopMetrics).
	Metrics Metrics

	// Clock overrides the time source, for tests (default: time.Now).
	Clock func() time.Time
}

// DefaultGraceWindow is applied when Config.GraceWindow is zero.
const DefaultGraceWindow = 72 * time.Hour

const defaultSweepBatchSize = 100
