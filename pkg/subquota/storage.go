package subquota

import (
	"context"
	"time"
)

// Storage is the document-store contract the engine runs on. Three logical
// collections back it: subscriptions, webhook ledger entries, and usage
// counters. Implementations must provide per-document atomic updates; the
// quota consume path in particular must be a single conditional
// read-modify-write, not a read followed by a write.
type Storage interface {
	// GetOpenSubscription returns the user's single subscription with
	// status in {created, active, past_due}, or ErrSubscriptionNotFound.
	GetOpenSubscription(ctx context.Context, userID string) (*Subscription, error)

	// GetSubscriptionByProviderID returns the row for a provider
	// subscription id, or ErrSubscriptionNotFound.
	GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error)

	// InsertSubscription creates a new row. Returns ErrSubscriptionExists
	// when the user already has an open row.
	InsertSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription writes sub conditioned on the stored row still
	// carrying expectedUpdatedAt. Returns ErrConflict when the row moved.
	UpdateSubscription(ctx context.Context, sub *Subscription, expectedUpdatedAt time.Time) error

	// ListExpiryCandidates returns up to limit subscriptions in
	// {active, past_due} whose CurrentPeriodEnd and LastEventAt both
	// predate cutoff. Used by the expiry sweep; the LastEventAt predicate
	// is what makes repeat and concurrent runs idempotent.
	ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error)

	// InsertLedgerEntry appends an entry keyed by its EventID.
	// Returns ErrDuplicateEvent when the id exists with the same digest,
	// ErrPayloadMismatch when it exists with a different digest.
	InsertLedgerEntry(ctx context.Context, entry *LedgerEntry) error

	// GetLedgerEntry returns the entry for an event id, or nil when the id
	// has never been seen.
	GetLedgerEntry(ctx context.Context, eventID string) (*LedgerEntry, error)

	// MarkLedgerApplied sets AppliedAt (and an optional note) on an
	// existing entry. Idempotent: marking an already-applied entry is a
	// no-op.
	MarkLedgerApplied(ctx context.Context, eventID string, appliedAt time.Time, note string) error

	// ConsumeUsage performs the atomic conditional double-increment: if
	// either bucket's count is at or above its limit the counters are
	// returned unchanged with allowed=false, otherwise both buckets are
	// incremented by one and the post-increment counts returned. A limit
	// of Unlimited disables that bucket's ceiling.
	ConsumeUsage(ctx context.Context, req *ConsumeRequest) (*UsageCounts, bool, error)

	// GetUsage returns the counters for the given buckets. Absent rows
	// yield zero counts, not an error.
	GetUsage(ctx context.Context, userID, action, dayBucket, monthBucket string) (*UsageCounts, error)
}

// ConsumeRequest carries one quota consumption attempt to storage.
type ConsumeRequest struct {
	UserID       string
	Action       string
	DayBucket    string
	MonthBucket  string
	DailyLimit   int
	MonthlyLimit int
	Now          time.Time
}
