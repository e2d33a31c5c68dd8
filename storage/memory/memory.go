// Package memory provides an in-memory implementation of the
// subquota.Storage interface. It is intended for testing and development;
// atomicity is provided by a single mutex, which matches the storage
// contract within one process only.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aegislabs/subquota/pkg/subquota"
)

// Storage implements subquota.Storage using in-memory maps.
type Storage struct {
	mu            sync.Mutex
	subscriptions map[string]*subquota.Subscription // by provider subscription id
	ledger        map[string]*subquota.LedgerEntry  // by event id
	usage         map[string]*subquota.UsageCounts  // by userID:action:monthBucket
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*subquota.Subscription),
		ledger:        make(map[string]*subquota.LedgerEntry),
		usage:         make(map[string]*subquota.UsageCounts),
	}
}

// GetOpenSubscription implements subquota.Storage.
func (s *Storage) GetOpenSubscription(ctx context.Context, userID string) (*subquota.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.Status.Open() {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, subquota.ErrSubscriptionNotFound
}

// GetSubscriptionByProviderID implements subquota.Storage.
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*subquota.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[providerSubID]
	if !ok {
		return nil, subquota.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

// InsertSubscription implements subquota.Storage.
func (s *Storage) InsertSubscription(ctx context.Context, sub *subquota.Subscription) error {
	if sub == nil || sub.UserID == "" || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ProviderSubscriptionID]; ok {
		return subquota.ErrSubscriptionExists
	}
	for _, existing := range s.subscriptions {
		if existing.UserID == sub.UserID && existing.Status.Open() {
			return subquota.ErrSubscriptionExists
		}
	}

	cp := *sub
	s.subscriptions[sub.ProviderSubscriptionID] = &cp
	return nil
}

// UpdateSubscription implements subquota.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *subquota.Subscription, expectedUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.ProviderSubscriptionID]
	if !ok {
		return subquota.ErrSubscriptionNotFound
	}
	if !existing.UpdatedAt.Equal(expectedUpdatedAt) {
		return subquota.ErrConflict
	}

	cp := *sub
	s.subscriptions[sub.ProviderSubscriptionID] = &cp
	return nil
}

// ListExpiryCandidates implements subquota.Storage.
func (s *Storage) ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*subquota.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*subquota.Subscription
	for _, sub := range s.subscriptions {
		if len(out) >= limit {
			break
		}
		if sub.Status != subquota.StatusActive && sub.Status != subquota.StatusPastDue {
			continue
		}
		if sub.CurrentPeriodEnd.IsZero() || !sub.CurrentPeriodEnd.Before(cutoff) {
			continue
		}
		if !sub.LastEventAt.Before(cutoff) {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	return out, nil
}

// InsertLedgerEntry implements subquota.Storage.
func (s *Storage) InsertLedgerEntry(ctx context.Context, entry *subquota.LedgerEntry) error {
	if entry == nil || entry.EventID == "" {
		return fmt.Errorf("invalid ledger entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ledger[entry.EventID]; ok {
		if existing.PayloadDigest != entry.PayloadDigest {
			return subquota.ErrPayloadMismatch
		}
		return subquota.ErrDuplicateEvent
	}

	cp := *entry
	s.ledger[entry.EventID] = &cp
	return nil
}

// GetLedgerEntry implements subquota.Storage.
func (s *Storage) GetLedgerEntry(ctx context.Context, eventID string) (*subquota.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.ledger[eventID]
	if !ok {
		return nil, nil
	}
	cp := *entry
	if entry.AppliedAt != nil {
		at := *entry.AppliedAt
		cp.AppliedAt = &at
	}
	return &cp, nil
}

// MarkLedgerApplied implements subquota.Storage.
func (s *Storage) MarkLedgerApplied(ctx context.Context, eventID string, appliedAt time.Time, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.ledger[eventID]
	if !ok {
		return fmt.Errorf("ledger entry %s not found", eventID)
	}
	if entry.AppliedAt != nil {
		return nil
	}
	at := appliedAt
	entry.AppliedAt = &at
	entry.Note = note
	return nil
}

// ConsumeUsage implements subquota.Storage. The whole check-and-increment
// runs under the storage mutex, making it atomic for in-process callers.
func (s *Storage) ConsumeUsage(ctx context.Context, req *subquota.ConsumeRequest) (*subquota.UsageCounts, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := s.countsLocked(req.UserID, req.Action, req.DayBucket, req.MonthBucket)

	dayBlocked := req.DailyLimit != subquota.Unlimited && counts.DayCount >= req.DailyLimit
	monthBlocked := req.MonthlyLimit != subquota.Unlimited && counts.MonthCount >= req.MonthlyLimit
	if dayBlocked || monthBlocked {
		cp := *counts
		return &cp, false, nil
	}

	counts.DayCount++
	counts.MonthCount++
	counts.UpdatedAt = req.Now
	cp := *counts
	return &cp, true, nil
}

// GetUsage implements subquota.Storage.
func (s *Storage) GetUsage(ctx context.Context, userID, action, dayBucket, monthBucket string) (*subquota.UsageCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := s.countsLocked(userID, action, dayBucket, monthBucket)
	cp := *counts
	return &cp, nil
}

// countsLocked returns the live counter row for the requested buckets,
// rolling the day counter forward when the stored day bucket is stale. A
// month rollover lands on a fresh map key, so nothing is ever reset there.
func (s *Storage) countsLocked(userID, action, dayBucket, monthBucket string) *subquota.UsageCounts {
	key := usageKey(userID, action, monthBucket)
	counts, ok := s.usage[key]
	if !ok {
		counts = &subquota.UsageCounts{
			UserID:      userID,
			Action:      action,
			DayBucket:   dayBucket,
			MonthBucket: monthBucket,
		}
		s.usage[key] = counts
	}
	if counts.DayBucket != dayBucket {
		counts.DayBucket = dayBucket
		counts.DayCount = 0
	}
	return counts
}

func usageKey(userID, action, monthBucket string) string {
	return fmt.Sprintf("%s:%s:%s", userID, action, monthBucket)
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions = make(map[string]*subquota.Subscription)
	s.ledger = make(map[string]*subquota.LedgerEntry)
	s.usage = make(map[string]*subquota.UsageCounts)
}
