// Package firestore provides a Firestore implementation of the
// subquota.Storage interface. Conditional writes use Firestore
// transactions, which gives the per-document atomicity the storage
// contract requires.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aegislabs/subquota/pkg/subquota"
)

// Storage implements subquota.Storage using Google Cloud Firestore.
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	ledgerCollection        string
	usageCollection         string
}

// Config holds Firestore storage configuration.
type Config struct {
	// SubscriptionsCollection is the collection for subscription rows.
	// Default: "subscriptions"
	SubscriptionsCollection string

	// LedgerCollection is the collection for webhook ledger entries.
	// Default: "webhook_ledger"
	LedgerCollection string

	// UsageCollection is the collection for usage counters.
	// Default: "usage_counters"
	UsageCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.LedgerCollection == "" {
		config.LedgerCollection = "webhook_ledger"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "usage_counters"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		ledgerCollection:        config.LedgerCollection,
		usageCollection:         config.UsageCollection,
	}, nil
}

var openStatuses = []string{
	string(subquota.StatusCreated),
	string(subquota.StatusActive),
	string(subquota.StatusPastDue),
}

// GetOpenSubscription implements subquota.Storage.
func (s *Storage) GetOpenSubscription(ctx context.Context, userID string) (*subquota.Subscription, error) {
	snaps, err := s.client.Collection(s.subscriptionsCollection).
		Where("user_id", "==", userID).
		Where("status", "in", openStatuses).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get open subscription: %w", err)
	}
	if len(snaps) == 0 {
		return nil, subquota.ErrSubscriptionNotFound
	}
	return subscriptionFromData(snaps[0].Ref.ID, snaps[0].Data()), nil
}

// GetSubscriptionByProviderID implements subquota.Storage.
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*subquota.Subscription, error) {
	snap, err := s.subscriptionDoc(providerSubID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subquota.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return subscriptionFromData(providerSubID, snap.Data()), nil
}

// InsertSubscription implements subquota.Storage. The transaction holds
// the open-row query and the create together, so two concurrent
// checkouts cannot both insert.
func (s *Storage) InsertSubscription(ctx context.Context, sub *subquota.Subscription) error {
	if sub == nil || sub.UserID == "" || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	doc := s.subscriptionDoc(sub.ProviderSubscriptionID)
	query := s.client.Collection(s.subscriptionsCollection).
		Where("user_id", "==", sub.UserID).
		Where("status", "in", openStatuses).
		Limit(1)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(query).GetAll()
		if err != nil {
			return err
		}
		if len(snaps) > 0 {
			return subquota.ErrSubscriptionExists
		}
		return tx.Create(doc, subscriptionData(sub))
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return subquota.ErrSubscriptionExists
		}
		return err
	}
	return nil
}

// UpdateSubscription implements subquota.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *subquota.Subscription, expectedUpdatedAt time.Time) error {
	doc := s.subscriptionDoc(sub.ProviderSubscriptionID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return subquota.ErrSubscriptionNotFound
			}
			return err
		}
		if !getTime(snap.Data(), "updated_at").Equal(expectedUpdatedAt) {
			return subquota.ErrConflict
		}
		return tx.Set(doc, subscriptionData(sub))
	})
}

// ListExpiryCandidates implements subquota.Storage. Firestore permits one
// range field per query, so the last_event_at predicate is applied on
// the client.
func (s *Storage) ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*subquota.Subscription, error) {
	snaps, err := s.client.Collection(s.subscriptionsCollection).
		Where("status", "in", []string{
			string(subquota.StatusActive),
			string(subquota.StatusPastDue),
		}).
		Where("current_period_end", "<", cutoff).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list expiry candidates: %w", err)
	}

	var out []*subquota.Subscription
	for _, snap := range snaps {
		if len(out) >= limit {
			break
		}
		sub := subscriptionFromData(snap.Ref.ID, snap.Data())
		if sub.CurrentPeriodEnd.IsZero() || !sub.LastEventAt.Before(cutoff) {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// InsertLedgerEntry implements subquota.Storage.
func (s *Storage) InsertLedgerEntry(ctx context.Context, entry *subquota.LedgerEntry) error {
	if entry == nil || entry.EventID == "" {
		return fmt.Errorf("invalid ledger entry")
	}

	doc := s.ledgerDoc(entry.EventID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			if getString(snap.Data(), "payload_digest") != entry.PayloadDigest {
				return subquota.ErrPayloadMismatch
			}
			return subquota.ErrDuplicateEvent
		}

		data := map[string]interface{}{
			"event_type":     string(entry.EventType),
			"payload_digest": entry.PayloadDigest,
			"received_at":    entry.ReceivedAt,
			"note":           entry.Note,
		}
		if entry.AppliedAt != nil {
			data["applied_at"] = *entry.AppliedAt
		}
		return tx.Create(doc, data)
	})
}

// GetLedgerEntry implements subquota.Storage.
func (s *Storage) GetLedgerEntry(ctx context.Context, eventID string) (*subquota.LedgerEntry, error) {
	snap, err := s.ledgerDoc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	data := snap.Data()
	entry := &subquota.LedgerEntry{
		EventID:       eventID,
		EventType:     subquota.EventType(getString(data, "event_type")),
		PayloadDigest: getString(data, "payload_digest"),
		ReceivedAt:    getTime(data, "received_at"),
		Note:          getString(data, "note"),
	}
	if at, ok := data["applied_at"].(time.Time); ok && !at.IsZero() {
		at = at.UTC()
		entry.AppliedAt = &at
	}
	return entry, nil
}

// MarkLedgerApplied implements subquota.Storage.
func (s *Storage) MarkLedgerApplied(ctx context.Context, eventID string, appliedAt time.Time, note string) error {
	doc := s.ledgerDoc(eventID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("ledger entry %s not found", eventID)
			}
			return err
		}
		if _, ok := snap.Data()["applied_at"].(time.Time); ok {
			return nil
		}
		return tx.Set(doc, map[string]interface{}{
			"applied_at": appliedAt,
			"note":       note,
		}, firestore.MergeAll)
	})
}

// ConsumeUsage implements subquota.Storage. The read, the limit check,
// and the double-increment run inside one transaction.
func (s *Storage) ConsumeUsage(ctx context.Context, req *subquota.ConsumeRequest) (*subquota.UsageCounts, bool, error) {
	doc := s.usageDoc(req.UserID, req.Action, req.MonthBucket)

	var counts *subquota.UsageCounts
	var allowed bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		dayCount, monthCount := 0, 0
		var updatedAt time.Time
		if err == nil && snap.Exists() {
			data := snap.Data()
			monthCount = getInt(data, "month_count")
			updatedAt = getTime(data, "updated_at")
			if getString(data, "day_bucket") == req.DayBucket {
				dayCount = getInt(data, "day_count")
			}
		}

		dayBlocked := req.DailyLimit != subquota.Unlimited && dayCount >= req.DailyLimit
		monthBlocked := req.MonthlyLimit != subquota.Unlimited && monthCount >= req.MonthlyLimit
		if dayBlocked || monthBlocked {
			allowed = false
			counts = usageCounts(req, dayCount, monthCount, updatedAt)
			return nil
		}

		dayCount++
		monthCount++
		if err := tx.Set(doc, map[string]interface{}{
			"user_id":      req.UserID,
			"action":       req.Action,
			"day_bucket":   req.DayBucket,
			"month_bucket": req.MonthBucket,
			"day_count":    dayCount,
			"month_count":  monthCount,
			"updated_at":   req.Now,
		}); err != nil {
			return err
		}

		allowed = true
		counts = usageCounts(req, dayCount, monthCount, req.Now)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to consume usage: %w", err)
	}
	return counts, allowed, nil
}

// GetUsage implements subquota.Storage.
func (s *Storage) GetUsage(ctx context.Context, userID, action, dayBucket, monthBucket string) (*subquota.UsageCounts, error) {
	snap, err := s.usageDoc(userID, action, monthBucket).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return &subquota.UsageCounts{
				UserID:      userID,
				Action:      action,
				DayBucket:   dayBucket,
				MonthBucket: monthBucket,
			}, nil
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	data := snap.Data()
	dayCount := 0
	if getString(data, "day_bucket") == dayBucket {
		dayCount = getInt(data, "day_count")
	}
	return &subquota.UsageCounts{
		UserID:      userID,
		Action:      action,
		DayBucket:   dayBucket,
		MonthBucket: monthBucket,
		DayCount:    dayCount,
		MonthCount:  getInt(data, "month_count"),
		UpdatedAt:   getTime(data, "updated_at"),
	}, nil
}

func (s *Storage) subscriptionDoc(providerSubID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(providerSubID)
}

func (s *Storage) ledgerDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.ledgerCollection).Doc(eventID)
}

func (s *Storage) usageDoc(userID, action, monthBucket string) *firestore.DocumentRef {
	docID := fmt.Sprintf("%s_%s_%s", userID, action, monthBucket)
	return s.client.Collection(s.usageCollection).Doc(docID)
}

func usageCounts(req *subquota.ConsumeRequest, dayCount, monthCount int, updatedAt time.Time) *subquota.UsageCounts {
	return &subquota.UsageCounts{
		UserID:      req.UserID,
		Action:      req.Action,
		DayBucket:   req.DayBucket,
		MonthBucket: req.MonthBucket,
		DayCount:    dayCount,
		MonthCount:  monthCount,
		UpdatedAt:   updatedAt,
	}
}

func subscriptionData(sub *subquota.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"user_id":              sub.UserID,
		"provider_plan_id":     sub.ProviderPlanID,
		"plan_name":            sub.PlanName,
		"status":               string(sub.Status),
		"current_period_start": sub.CurrentPeriodStart,
		"current_period_end":   sub.CurrentPeriodEnd,
		"next_billing_at":      sub.NextBillingAt,
		"last_event_id":        sub.LastEventID,
		"last_event_at":        sub.LastEventAt,
		"created_at":           sub.CreatedAt,
		"updated_at":           sub.UpdatedAt,
	}
}

func subscriptionFromData(providerSubID string, data map[string]interface{}) *subquota.Subscription {
	return &subquota.Subscription{
		ProviderSubscriptionID: providerSubID,
		UserID:                 getString(data, "user_id"),
		ProviderPlanID:         getString(data, "provider_plan_id"),
		PlanName:               getString(data, "plan_name"),
		Status:                 subquota.Status(getString(data, "status")),
		CurrentPeriodStart:     getTime(data, "current_period_start"),
		CurrentPeriodEnd:       getTime(data, "current_period_end"),
		NextBillingAt:          getTime(data, "next_billing_at"),
		LastEventID:            getString(data, "last_event_id"),
		LastEventAt:            getTime(data, "last_event_at"),
		CreatedAt:              getTime(data, "created_at"),
		UpdatedAt:              getTime(data, "updated_at"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
