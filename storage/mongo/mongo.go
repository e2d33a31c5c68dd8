// Package mongo provides a MongoDB implementation of the subquota.Storage
// interface. Every mutation is a single-document conditional write, which
// is what the storage contract requires for correctness under concurrent
// webhook delivery and quota consumption.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/aegislabs/subquota/pkg/subquota"
)

// consumeRetries bounds the conditional-update loop in ConsumeUsage.
const consumeRetries = 5

// Storage implements subquota.Storage using MongoDB.
type Storage struct {
	subscriptions *mongo.Collection
	ledger        *mongo.Collection
	usage         *mongo.Collection
}

// Config holds MongoDB storage configuration.
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

// New creates a new MongoDB storage adapter.
func New(db *mongo.Database, config Config) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("mongo database is required")
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
		subscriptions: db.Collection(config.SubscriptionsCollection),
		ledger:        db.Collection(config.LedgerCollection),
		usage:         db.Collection(config.UsageCollection),
	}, nil
}

// EnsureIndexes creates the indexes the adapter relies on. The partial
// unique index on user_id is what enforces the single-open-subscription
// invariant; call this once at startup.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	_, err := s.subscriptions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{
					"status": bson.M{"$in": []string{
						string(subquota.StatusCreated),
						string(subquota.StatusActive),
						string(subquota.StatusPastDue),
					}},
				}),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "current_period_end", Value: 1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

type subscriptionDoc struct {
	ProviderSubscriptionID string    `bson:"_id"`
	UserID                 string    `bson:"user_id"`
	ProviderPlanID         string    `bson:"provider_plan_id"`
	PlanName               string    `bson:"plan_name"`
	Status                 string    `bson:"status"`
	CurrentPeriodStart     time.Time `bson:"current_period_start"`
	CurrentPeriodEnd       time.Time `bson:"current_period_end"`
	NextBillingAt          time.Time `bson:"next_billing_at"`
	LastEventID            string    `bson:"last_event_id"`
	LastEventAt            time.Time `bson:"last_event_at"`
	CreatedAt              time.Time `bson:"created_at"`
	UpdatedAt              time.Time `bson:"updated_at"`
}

type ledgerDoc struct {
	EventID       string     `bson:"_id"`
	EventType     string     `bson:"event_type"`
	PayloadDigest string     `bson:"payload_digest"`
	ReceivedAt    time.Time  `bson:"received_at"`
	AppliedAt     *time.Time `bson:"applied_at"`
	Note          string     `bson:"note,omitempty"`
}

type usageDoc struct {
	Key         string    `bson:"_id"`
	UserID      string    `bson:"user_id"`
	Action      string    `bson:"action"`
	DayBucket   string    `bson:"day_bucket"`
	MonthBucket string    `bson:"month_bucket"`
	DayCount    int       `bson:"day_count"`
	MonthCount  int       `bson:"month_count"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// GetOpenSubscription implements subquota.Storage.
func (s *Storage) GetOpenSubscription(ctx context.Context, userID string) (*subquota.Subscription, error) {
	filter := bson.M{
		"user_id": userID,
		"status": bson.M{"$in": []string{
			string(subquota.StatusCreated),
			string(subquota.StatusActive),
			string(subquota.StatusPastDue),
		}},
	}

	var doc subscriptionDoc
	if err := s.subscriptions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, subquota.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get open subscription: %w", err)
	}
	return toSubscription(&doc), nil
}

// GetSubscriptionByProviderID implements subquota.Storage.
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*subquota.Subscription, error) {
	var doc subscriptionDoc
	if err := s.subscriptions.FindOne(ctx, bson.M{"_id": providerSubID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, subquota.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return toSubscription(&doc), nil
}

// InsertSubscription implements subquota.Storage. The partial unique
// index on user_id (see EnsureIndexes) rejects a second open row.
func (s *Storage) InsertSubscription(ctx context.Context, sub *subquota.Subscription) error {
	if sub == nil || sub.UserID == "" || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := s.subscriptions.InsertOne(ctx, fromSubscription(sub))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return subquota.ErrSubscriptionExists
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements subquota.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *subquota.Subscription, expectedUpdatedAt time.Time) error {
	filter := bson.M{
		"_id":        sub.ProviderSubscriptionID,
		"updated_at": expectedUpdatedAt,
	}

	result, err := s.subscriptions.ReplaceOne(ctx, filter, fromSubscription(sub))
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if result.MatchedCount == 0 {
		// Distinguish a CAS miss from a missing row.
		count, err := s.subscriptions.CountDocuments(ctx, bson.M{"_id": sub.ProviderSubscriptionID})
		if err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		if count == 0 {
			return subquota.ErrSubscriptionNotFound
		}
		return subquota.ErrConflict
	}
	return nil
}

// ListExpiryCandidates implements subquota.Storage.
func (s *Storage) ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*subquota.Subscription, error) {
	filter := bson.M{
		"status": bson.M{"$in": []string{
			string(subquota.StatusActive),
			string(subquota.StatusPastDue),
		}},
		"current_period_end": bson.M{"$gt": time.Time{}, "$lt": cutoff},
		"last_event_at":      bson.M{"$lt": cutoff},
	}

	cursor, err := s.subscriptions.Find(ctx, filter, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiry candidates: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*subquota.Subscription
	for cursor.Next(ctx) {
		var doc subscriptionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		out = append(out, toSubscription(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to list expiry candidates: %w", err)
	}
	return out, nil
}

// InsertLedgerEntry implements subquota.Storage.
func (s *Storage) InsertLedgerEntry(ctx context.Context, entry *subquota.LedgerEntry) error {
	if entry == nil || entry.EventID == "" {
		return fmt.Errorf("invalid ledger entry")
	}

	_, err := s.ledger.InsertOne(ctx, &ledgerDoc{
		EventID:       entry.EventID,
		EventType:     string(entry.EventType),
		PayloadDigest: entry.PayloadDigest,
		ReceivedAt:    entry.ReceivedAt,
		AppliedAt:     entry.AppliedAt,
		Note:          entry.Note,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, getErr := s.GetLedgerEntry(ctx, entry.EventID)
			if getErr != nil {
				return getErr
			}
			if existing != nil && existing.PayloadDigest != entry.PayloadDigest {
				return subquota.ErrPayloadMismatch
			}
			return subquota.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// GetLedgerEntry implements subquota.Storage.
func (s *Storage) GetLedgerEntry(ctx context.Context, eventID string) (*subquota.LedgerEntry, error) {
	var doc ledgerDoc
	if err := s.ledger.FindOne(ctx, bson.M{"_id": eventID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	entry := &subquota.LedgerEntry{
		EventID:       doc.EventID,
		EventType:     subquota.EventType(doc.EventType),
		PayloadDigest: doc.PayloadDigest,
		ReceivedAt:    doc.ReceivedAt,
		Note:          doc.Note,
	}
	if doc.AppliedAt != nil {
		at := doc.AppliedAt.UTC()
		entry.AppliedAt = &at
	}
	return entry, nil
}

// MarkLedgerApplied implements subquota.Storage. The applied_at filter
// makes repeat calls no-ops.
func (s *Storage) MarkLedgerApplied(ctx context.Context, eventID string, appliedAt time.Time, note string) error {
	filter := bson.M{"_id": eventID, "applied_at": nil}
	update := bson.M{"$set": bson.M{"applied_at": appliedAt, "note": note}}

	_, err := s.ledger.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to mark ledger entry applied: %w", err)
	}
	return nil
}

// ConsumeUsage implements subquota.Storage. The increment is a filtered
// FindOneAndUpdate, so the limit check and the double-increment are one
// atomic document operation; concurrent callers race on the filter, not
// on read-then-write.
func (s *Storage) ConsumeUsage(ctx context.Context, req *subquota.ConsumeRequest) (*subquota.UsageCounts, bool, error) {
	key := usageKey(req.UserID, req.Action, req.MonthBucket)

	for range consumeRetries {
		// Fast path: live day bucket, both counters under their limits.
		filter := bson.M{"_id": key, "day_bucket": req.DayBucket}
		if req.DailyLimit != subquota.Unlimited {
			filter["day_count"] = bson.M{"$lt": req.DailyLimit}
		}
		if req.MonthlyLimit != subquota.Unlimited {
			filter["month_count"] = bson.M{"$lt": req.MonthlyLimit}
		}
		update := bson.M{
			"$inc": bson.M{"day_count": 1, "month_count": 1},
			"$set": bson.M{"updated_at": req.Now},
		}

		counts, err := s.findAndUpdateUsage(ctx, filter, update)
		if err != nil {
			return nil, false, err
		}
		if counts != nil {
			return counts, true, nil
		}

		// Day rollover: the stored day bucket is stale, so the day counter
		// restarts at one. Only the month limit gates this path.
		filter = bson.M{"_id": key, "day_bucket": bson.M{"$ne": req.DayBucket}}
		if req.MonthlyLimit != subquota.Unlimited {
			filter["month_count"] = bson.M{"$lt": req.MonthlyLimit}
		}
		update = bson.M{
			"$set": bson.M{"day_bucket": req.DayBucket, "day_count": 1, "updated_at": req.Now},
			"$inc": bson.M{"month_count": 1},
		}

		counts, err = s.findAndUpdateUsage(ctx, filter, update)
		if err != nil {
			return nil, false, err
		}
		if counts != nil {
			return counts, true, nil
		}

		// Neither conditional write matched: the document is either
		// missing or at a limit. Read it to decide which.
		var doc usageDoc
		err = s.usage.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
		if err != nil {
			if !errors.Is(err, mongo.ErrNoDocuments) {
				return nil, false, fmt.Errorf("failed to get usage: %w", err)
			}

			// First consumption in this month bucket.
			if !withinLimit(0, req.DailyLimit) || !withinLimit(0, req.MonthlyLimit) {
				return emptyCounts(req), false, nil
			}
			_, err = s.usage.InsertOne(ctx, &usageDoc{
				Key:         key,
				UserID:      req.UserID,
				Action:      req.Action,
				DayBucket:   req.DayBucket,
				MonthBucket: req.MonthBucket,
				DayCount:    1,
				MonthCount:  1,
				UpdatedAt:   req.Now,
			})
			if err != nil {
				if mongo.IsDuplicateKeyError(err) {
					// Lost the insert race. Try the update paths again.
					continue
				}
				return nil, false, fmt.Errorf("failed to insert usage: %w", err)
			}
			c := toUsageCounts(&usageDoc{
				Key: key, UserID: req.UserID, Action: req.Action,
				DayBucket: req.DayBucket, MonthBucket: req.MonthBucket,
				DayCount: 1, MonthCount: 1, UpdatedAt: req.Now,
			})
			return c, true, nil
		}

		dayCount := doc.DayCount
		if doc.DayBucket != req.DayBucket {
			dayCount = 0
		}
		dayBlocked := !withinLimit(dayCount, req.DailyLimit)
		monthBlocked := !withinLimit(doc.MonthCount, req.MonthlyLimit)
		if dayBlocked || monthBlocked {
			doc.DayBucket = req.DayBucket
			doc.DayCount = dayCount
			return toUsageCounts(&doc), false, nil
		}

		// A concurrent writer moved the document between our attempts and
		// the read. Retry.
	}

	return nil, false, fmt.Errorf("usage consume contention for %s", key)
}

// GetUsage implements subquota.Storage.
func (s *Storage) GetUsage(ctx context.Context, userID, action, dayBucket, monthBucket string) (*subquota.UsageCounts, error) {
	key := usageKey(userID, action, monthBucket)

	var doc usageDoc
	err := s.usage.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &subquota.UsageCounts{
				UserID:      userID,
				Action:      action,
				DayBucket:   dayBucket,
				MonthBucket: monthBucket,
			}, nil
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	if doc.DayBucket != dayBucket {
		doc.DayBucket = dayBucket
		doc.DayCount = 0
	}
	return toUsageCounts(&doc), nil
}

func (s *Storage) findAndUpdateUsage(ctx context.Context, filter, update bson.M) (*subquota.UsageCounts, error) {
	var doc usageDoc
	err := s.usage.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update usage: %w", err)
	}
	return toUsageCounts(&doc), nil
}

func withinLimit(count, limit int) bool {
	return limit == subquota.Unlimited || count < limit
}

func emptyCounts(req *subquota.ConsumeRequest) *subquota.UsageCounts {
	return &subquota.UsageCounts{
		UserID:      req.UserID,
		Action:      req.Action,
		DayBucket:   req.DayBucket,
		MonthBucket: req.MonthBucket,
	}
}

func usageKey(userID, action, monthBucket string) string {
	return fmt.Sprintf("%s:%s:%s", userID, action, monthBucket)
}

func fromSubscription(sub *subquota.Subscription) *subscriptionDoc {
	return &subscriptionDoc{
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		UserID:                 sub.UserID,
		ProviderPlanID:         sub.ProviderPlanID,
		PlanName:               sub.PlanName,
		Status:                 string(sub.Status),
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		NextBillingAt:          sub.NextBillingAt,
		LastEventID:            sub.LastEventID,
		LastEventAt:            sub.LastEventAt,
		CreatedAt:              sub.CreatedAt,
		UpdatedAt:              sub.UpdatedAt,
	}
}

func toSubscription(doc *subscriptionDoc) *subquota.Subscription {
	return &subquota.Subscription{
		ProviderSubscriptionID: doc.ProviderSubscriptionID,
		UserID:                 doc.UserID,
		ProviderPlanID:         doc.ProviderPlanID,
		PlanName:               doc.PlanName,
		Status:                 subquota.Status(doc.Status),
		CurrentPeriodStart:     doc.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:       doc.CurrentPeriodEnd.UTC(),
		NextBillingAt:          doc.NextBillingAt.UTC(),
		LastEventID:            doc.LastEventID,
		LastEventAt:            doc.LastEventAt.UTC(),
		CreatedAt:              doc.CreatedAt.UTC(),
		UpdatedAt:              doc.UpdatedAt.UTC(),
	}
}

func toUsageCounts(doc *usageDoc) *subquota.UsageCounts {
	return &subquota.UsageCounts{
		UserID:      doc.UserID,
		Action:      doc.Action,
		DayBucket:   doc.DayBucket,
		MonthBucket: doc.MonthBucket,
		DayCount:    doc.DayCount,
		MonthCount:  doc.MonthCount,
		UpdatedAt:   doc.UpdatedAt.UTC(),
	}
}
