package subquota

import (
	"time"
)

// Status is the lifecycle state of a subscription row.
type Status string

const (
	// StatusCreated is the initial state written by a local checkout request,
	// before the provider confirms activation.
	StatusCreated Status = "created"
	// StatusActive is a paid subscription inside its billing period.
	StatusActive Status = "active"
	// StatusPastDue is an active subscription whose latest charge failed.
	StatusPastDue Status = "past_due"
	// StatusCancelled is terminal; set by the provider's cancel event.
	StatusCancelled Status = "cancelled"
	// StatusExpired is terminal; derived locally by the expiry sweep.
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition may leave this status.
// A user who resubscribes gets a new Subscription row, never a resurrection.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Open reports whether the status counts against the one-open-row-per-user
// invariant.
func (s Status) Open() bool {
	return s == StatusCreated || s == StatusActive || s == StatusPastDue
}

// EventType identifies a billing-provider webhook event.
type EventType string

const (
	EventSubscriptionActivated EventType = "subscription.activated"
	EventSubscriptionCharged   EventType = "subscription.charged"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	EventPaymentFailed         EventType = "payment.failed"
)

// Known reports whether the event type maps to a state-machine edge.
func (t EventType) Known() bool {
	switch t {
	case EventSubscriptionActivated, EventSubscriptionCharged,
		EventSubscriptionCancelled, EventPaymentFailed:
		return true
	}
	return false
}

// Subscription is the durable local record of a provider subscription.
// Timestamps in CurrentPeriodStart/End and NextBillingAt come from the
// billing provider's clock, not the local clock.
type Subscription struct {
	UserID                 string
	ProviderSubscriptionID string
	ProviderPlanID         string
	PlanName               string
	Status                 Status

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	NextBillingAt      time.Time

	// LastEventID and LastEventAt record provenance of the most recent
	// applied event. Used for causal ordering, not deduplication.
	LastEventID string
	LastEventAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is a parsed billing event, either from the provider's webhook or
// synthesized by a local operation.
type Event struct {
	// ID is the provider-assigned globally unique event identifier.
	ID string
	// Type selects the state-machine edge.
	Type EventType
	// SubscriptionID is the provider subscription the event describes.
	SubscriptionID string
	// UserID is carried in the provider payload notes when available;
	// lookup falls back to SubscriptionID.
	UserID string

	PlanID   string
	PlanName string

	// PeriodStart/PeriodEnd describe the billing period the event refers
	// to. Out-of-order delivery is resolved by comparing periods, never
	// arrival order.
	PeriodStart   time.Time
	PeriodEnd     time.Time
	NextBillingAt time.Time

	// OccurredAt is the provider-side event timestamp.
	OccurredAt time.Time

	// PayloadDigest is the SHA-256 hex digest of the raw webhook body.
	PayloadDigest string
}

// LedgerEntry is the append-only record of an inbound event. It is the
// durable proof that a billing fact has been received, and once AppliedAt
// is set, that it has been incorporated.
type LedgerEntry struct {
	EventID       string
	EventType     EventType
	PayloadDigest string
	ReceivedAt    time.Time
	// AppliedAt is nil until the reconciler finishes the corresponding
	// subscription mutation (or records the event as stale).
	AppliedAt *time.Time
	// Note explains a recorded-but-not-applied outcome, e.g. "stale: older
	// billing period". Empty for cleanly applied events.
	Note string
}

// Applied reports whether the entry has been fully processed.
func (e *LedgerEntry) Applied() bool {
	return e != nil && e.AppliedAt != nil
}

// BucketUsage is one window of a quota check result.
type BucketUsage struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

// QuotaResult is the outcome of a CheckAndConsume call. When Allowed is
// true the counts are post-increment; on deny they are the counts that
// caused the denial, and nothing was consumed.
type QuotaResult struct {
	Allowed bool        `json:"allowed"`
	Daily   BucketUsage `json:"daily"`
	Monthly BucketUsage `json:"monthly"`
}

// UsageCounts is the raw counter pair for one (user, action) at a given
// day/month bucket.
type UsageCounts struct {
	UserID      string
	Action      string
	DayBucket   string
	MonthBucket string
	DayCount    int
	MonthCount  int
	UpdatedAt   time.Time
}
