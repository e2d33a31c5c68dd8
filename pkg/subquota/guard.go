package subquota

import (
	"context"
	"fmt"
)

// CheckAndConsume is consulted before any usage-metered action. It derives
// the user's effective tier, looks up the tier's limits, and performs one
// atomic conditional increment against the usage counters: when either
// bucket is at its limit the call denies without consuming anything;
// otherwise both buckets advance by one. Two concurrent calls racing for
// the last unit resolve to exactly one allow and one deny.
//
// A deny is a normal business outcome carried in the result, not an error.
// Storage failures fail closed: the caller gets a denying result plus an
// error wrapping ErrStoreUnavailable, never a silent grant.
func (m *Manager) CheckAndConsume(ctx context.Context, userID, action string) (*QuotaResult, error) {
	if userID == "" {
		return deny(), fmt.Errorf("user id is required")
	}

	started := m.now()

	tier, err := m.EffectiveTier(ctx, userID)
	if err != nil {
		return deny(), err
	}

	daily, monthly, ok := m.config.Policy.Limits(tier, action, m.config.DefaultTier)
	if !ok {
		return deny(), fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	now := m.now().UTC()
	req := &ConsumeRequest{
		UserID:       userID,
		Action:       action,
		DayBucket:    DayBucket(now),
		MonthBucket:  MonthBucket(now),
		DailyLimit:   daily,
		MonthlyLimit: monthly,
		Now:          now,
	}

	opStart := m.now()
	counts, allowed, err := m.storage.ConsumeUsage(ctx, req)
	m.metrics.RecordStorageOperation("consume_usage", m.now().Sub(opStart), err)
	if err != nil {
		m.metrics.RecordQuotaCheck(action, tier, false, m.now().Sub(started))
		return deny(), m.storeErr("consume usage", err)
	}

	result := &QuotaResult{
		Allowed: allowed,
		Daily:   BucketUsage{Count: counts.DayCount, Limit: daily},
		Monthly: BucketUsage{Count: counts.MonthCount, Limit: monthly},
	}

	m.metrics.RecordQuotaCheck(action, tier, allowed, m.now().Sub(started))
	if !allowed {
		m.logger.Debug("quota check denied",
			Field{"user_id", userID},
			Field{"action", action},
			Field{"tier", tier},
			Field{"day_count", counts.DayCount},
			Field{"month_count", counts.MonthCount})
	}
	return result, nil
}

// GetUsage returns the user's current counters and limits without
// consuming anything. Used by the usage API so displayed numbers come from
// the same policy table as enforcement.
func (m *Manager) GetUsage(ctx context.Context, userID, action string) (*QuotaResult, string, error) {
	tier, err := m.EffectiveTier(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	daily, monthly, ok := m.config.Policy.Limits(tier, action, m.config.DefaultTier)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	now := m.now().UTC()
	start := m.now()
	counts, err := m.storage.GetUsage(ctx, userID, action, DayBucket(now), MonthBucket(now))
	m.metrics.RecordStorageOperation("get_usage", m.now().Sub(start), err)
	if err != nil {
		return nil, "", m.storeErr("get usage", err)
	}

	return &QuotaResult{
		Allowed: withinLimit(counts.DayCount, daily) && withinLimit(counts.MonthCount, monthly),
		Daily:   BucketUsage{Count: counts.DayCount, Limit: daily},
		Monthly: BucketUsage{Count: counts.MonthCount, Limit: monthly},
	}, tier, nil
}

func withinLimit(count, limit int) bool {
	return limit == Unlimited || count < limit
}

func deny() *QuotaResult {
	return &QuotaResult{Allowed: false}
}
