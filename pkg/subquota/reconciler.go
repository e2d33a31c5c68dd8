package subquota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Outcome classifies the result of processing one billing event.
type Outcome string

const (
	// OutcomeApplied means the event mutated subscription state.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event id was already applied; nothing was
	// re-mutated. At-least-once delivery makes this a normal result.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeStale means the event was recorded (so the provider stops
	// retrying it) but described state older than what is locally known;
	// no state changed and a reconciliation warning was surfaced.
	OutcomeStale Outcome = "stale"
)

const updateRetries = 3

// ProcessEvent absorbs one billing event. It is idempotent: replaying the
// same event id with the same payload yields OutcomeDuplicate and no state
// change. The same id with a different payload digest fails with
// ErrPayloadMismatch and is never silently absorbed. A non-nil error means
// the event was not fully incorporated and is safe to retry indefinitely;
// the ledger row, once inserted, survives crashes so a retry resumes
// rather than restarts.
func (m *Manager) ProcessEvent(ctx context.Context, ev *Event) (Outcome, error) {
	if ev == nil || ev.ID == "" {
		return "", fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}
	if ev.SubscriptionID == "" {
		return "", fmt.Errorf("%w: missing subscription id", ErrMalformedPayload)
	}

	// Events for the same subscription are serialized; different
	// subscriptions proceed with no shared lock.
	m.locks.lock(ev.SubscriptionID)
	defer m.locks.unlock(ev.SubscriptionID)

	entry, err := m.getLedgerEntry(ctx, ev.ID)
	if err != nil {
		return "", err
	}

	switch {
	case entry == nil:
		// First sighting: durable proof-of-intent before any mutation.
		if err := m.insertLedgerEntry(ctx, ev); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				// Lost an insert race with another instance; re-read and
				// fall through to the resume path.
				if entry, err = m.getLedgerEntry(ctx, ev.ID); err != nil {
					return "", err
				}
				if entry.Applied() {
					m.metrics.RecordEvent(string(ev.Type), string(OutcomeDuplicate))
					return OutcomeDuplicate, nil
				}
				break
			}
			return "", err
		}
	case entry.PayloadDigest != ev.PayloadDigest:
		m.metrics.RecordEvent(string(ev.Type), "error")
		m.logger.Error("event replayed with different payload",
			Field{"event_id", ev.ID},
			Field{"recorded_digest", entry.PayloadDigest},
			Field{"received_digest", ev.PayloadDigest})
		return "", fmt.Errorf("%w: event %s", ErrPayloadMismatch, ev.ID)
	case entry.Applied():
		m.metrics.RecordEvent(string(ev.Type), string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
		// Otherwise a prior attempt crashed between ledger insert and
		// apply; resume processing.
	}

	note, err := m.applyEvent(ctx, ev)
	if err != nil {
		return "", err
	}

	start := m.now()
	err = m.storage.MarkLedgerApplied(ctx, ev.ID, m.now().UTC(), note)
	m.metrics.RecordStorageOperation("mark_ledger_applied", m.now().Sub(start), err)
	if err != nil {
		return "", m.storeErr("mark ledger applied", err)
	}

	if note != "" {
		m.metrics.RecordEvent(string(ev.Type), string(OutcomeStale))
		m.logger.Warn("stale billing event recorded without state change",
			Field{"event_id", ev.ID},
			Field{"event_type", string(ev.Type)},
			Field{"subscription_id", ev.SubscriptionID},
			Field{"reason", note})
		return OutcomeStale, nil
	}

	m.metrics.RecordEvent(string(ev.Type), string(OutcomeApplied))
	m.logger.Info("billing event applied",
		Field{"event_id", ev.ID},
		Field{"event_type", string(ev.Type)},
		Field{"subscription_id", ev.SubscriptionID})
	return OutcomeApplied, nil
}

// applyEvent validates the event against the state machine and mutates the
// subscription. A non-empty note (with nil error) marks the event stale:
// recorded, counted, but without effect.
func (m *Manager) applyEvent(ctx context.Context, ev *Event) (note string, err error) {
	if !ev.Type.Known() {
		return fmt.Sprintf("ignored: unknown event type %q", ev.Type), nil
	}

	for attempt := 0; attempt < updateRetries; attempt++ {
		start := m.now()
		sub, err := m.storage.GetSubscriptionByProviderID(ctx, ev.SubscriptionID)
		m.metrics.RecordStorageOperation("get_subscription", m.now().Sub(start), ignoreNotFound(err))
		if err != nil {
			if isNotFound(err) {
				return "stale: no local subscription row", nil
			}
			return "", m.storeErr("get subscription", err)
		}

		if sub.Status.Terminal() {
			return fmt.Sprintf("stale: subscription already %s", sub.Status), nil
		}
		next, ok := nextStatus(sub.Status, ev.Type)
		if !ok {
			return fmt.Sprintf("stale: no %s edge from %s", ev.Type, sub.Status), nil
		}
		if staleByPeriod(sub, ev) {
			return "stale: older billing period", nil
		}

		expected := sub.UpdatedAt
		sub.Status = next
		if !ev.PeriodStart.IsZero() {
			sub.CurrentPeriodStart = ev.PeriodStart
		}
		if !ev.PeriodEnd.IsZero() {
			sub.CurrentPeriodEnd = ev.PeriodEnd
		}
		if !ev.NextBillingAt.IsZero() {
			sub.NextBillingAt = ev.NextBillingAt
		}
		if ev.PlanID != "" {
			sub.ProviderPlanID = ev.PlanID
		}
		if ev.PlanName != "" {
			sub.PlanName = ev.PlanName
		}
		sub.LastEventID = ev.ID
		sub.LastEventAt = ev.OccurredAt
		sub.UpdatedAt = m.now().UTC()

		start = m.now()
		err = m.storage.UpdateSubscription(ctx, sub, expected)
		m.metrics.RecordStorageOperation("update_subscription", m.now().Sub(start), err)
		if err == nil {
			return "", nil
		}
		if errors.Is(err, ErrConflict) {
			// Another instance moved the row; re-read and re-validate.
			continue
		}
		return "", m.storeErr("update subscription", err)
	}
	return "", fmt.Errorf("%w: subscription %s", ErrConflict, ev.SubscriptionID)
}

// CreateSubscription starts a checkout for the user: it creates the
// subscription on the billing provider and writes the initial created row.
// The row reaches active only through the provider's activation event.
func (m *Manager) CreateSubscription(ctx context.Context, userID, planID string) (string, error) {
	if m.config.Provider == nil {
		return "", fmt.Errorf("no billing provider configured")
	}
	if userID == "" || planID == "" {
		return "", fmt.Errorf("user id and plan id are required")
	}

	existing, err := m.getOpenSubscription(ctx, userID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", fmt.Errorf("%w: user %s has subscription %s (%s)",
			ErrSubscriptionExists, userID, existing.ProviderSubscriptionID, existing.Status)
	}

	providerSubID, err := m.config.Provider.CreateProviderSubscription(ctx, userID, planID)
	if err != nil {
		return "", fmt.Errorf("create provider subscription: %w", err)
	}

	now := m.now().UTC()
	sub := &Subscription{
		UserID:                 userID,
		ProviderSubscriptionID: providerSubID,
		ProviderPlanID:         planID,
		Status:                 StatusCreated,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	start := m.now()
	err = m.storage.InsertSubscription(ctx, sub)
	m.metrics.RecordStorageOperation("insert_subscription", m.now().Sub(start), err)
	if err != nil {
		if errors.Is(err, ErrSubscriptionExists) {
			return "", err
		}
		// The provider-side subscription exists but the local row failed;
		// log with a correlation id so the orphan can be reconciled.
		m.logger.Error("provider subscription created but local insert failed",
			Field{"user_id", userID},
			Field{"provider_subscription_id", providerSubID},
			Field{"correlation_id", uuid.NewString()},
			Field{"error", err.Error()})
		return "", m.storeErr("insert subscription", err)
	}

	m.logger.Info("subscription created",
		Field{"user_id", userID},
		Field{"plan_id", planID},
		Field{"provider_subscription_id", providerSubID})
	return providerSubID, nil
}

func (m *Manager) getLedgerEntry(ctx context.Context, eventID string) (*LedgerEntry, error) {
	start := m.now()
	entry, err := m.storage.GetLedgerEntry(ctx, eventID)
	m.metrics.RecordStorageOperation("get_ledger_entry", m.now().Sub(start), err)
	if err != nil {
		return nil, m.storeErr("get ledger entry", err)
	}
	return entry, nil
}

func (m *Manager) insertLedgerEntry(ctx context.Context, ev *Event) error {
	entry := &LedgerEntry{
		EventID:       ev.ID,
		EventType:     ev.Type,
		PayloadDigest: ev.PayloadDigest,
		ReceivedAt:    m.now().UTC(),
	}
	start := m.now()
	err := m.storage.InsertLedgerEntry(ctx, entry)
	m.metrics.RecordStorageOperation("insert_ledger_entry", m.now().Sub(start), err)
	if err != nil {
		if errors.Is(err, ErrDuplicateEvent) || errors.Is(err, ErrPayloadMismatch) {
			return err
		}
		return m.storeErr("insert ledger entry", err)
	}
	return nil
}
