package subquota_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aegislabs/subquota/pkg/subquota"
	"github.com/aegislabs/subquota/storage/memory"
)

const (
	testUser    = "user_1"
	testSubID   = "sub_ABC123"
	testPlanPro = "plan_pro_monthly"
)

// fakeClock is a mutable time source for deterministic bucket and sweep
// tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubCreator is a SubscriptionCreator that hands out sequential ids.
type stubCreator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubCreator) CreateProviderSubscription(ctx context.Context, userID, planID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls++
	return fmt.Sprintf("sub_stub_%d", s.calls), nil
}

// Helper to create a test manager with in-memory storage.
func newTestManager(t *testing.T, clock *fakeClock) (*subquota.Manager, *memory.Storage) {
	t.Helper()

	storage := memory.New()
	config := subquota.Config{
		PlanTiers: map[string]string{
			testPlanPro:        subquota.TierPro,
			"plan_ent_monthly": subquota.TierEnterprise,
		},
	}
	if clock != nil {
		config.Clock = clock.Now
	}

	manager, err := subquota.NewManager(storage, config)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return manager, storage
}

// seedSubscription inserts a subscription row directly into storage.
func seedSubscription(t *testing.T, storage *memory.Storage, sub *subquota.Subscription) {
	t.Helper()

	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}
	if err := storage.InsertSubscription(context.Background(), sub); err != nil {
		t.Fatalf("InsertSubscription failed: %v", err)
	}
}

func activatedEvent(id string, periodStart time.Time) *subquota.Event {
	return &subquota.Event{
		ID:             id,
		Type:           subquota.EventSubscriptionActivated,
		SubscriptionID: testSubID,
		UserID:         testUser,
		PlanID:         testPlanPro,
		PeriodStart:    periodStart,
		PeriodEnd:      periodStart.AddDate(0, 1, 0),
		NextBillingAt:  periodStart.AddDate(0, 1, 0),
		OccurredAt:     periodStart,
		PayloadDigest:  "digest-" + id,
	}
}

func TestProcessEvent_ActivationGrantsPaidTier(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	seedSubscription(t, storage, &subquota.Subscription{
		UserID:                 testUser,
		ProviderSubscriptionID: testSubID,
		ProviderPlanID:         testPlanPro,
		Status:                 subquota.StatusCreated,
	})

	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	outcome, err := manager.ProcessEvent(ctx, activatedEvent("evt_1", periodStart))
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if outcome != subquota.OutcomeApplied {
		t.Fatalf("Expected OutcomeApplied, got %v", outcome)
	}

	sub, err := storage.GetSubscriptionByProviderID(ctx, testSubID)
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if sub.Status != subquota.StatusActive {
		t.Errorf("Expected status active, got %v", sub.Status)
	}
	if !sub.CurrentPeriodStart.Equal(periodStart) {
		t.Errorf("Expected period start %v, got %v", periodStart, sub.CurrentPeriodStart)
	}
	if sub.LastEventID != "evt_1" {
		t.Errorf("Expected last event id evt_1, got %q", sub.LastEventID)
	}

	entry, err := storage.GetLedgerEntry(ctx, "evt_1")
	if err != nil {
		t.Fatalf("GetLedgerEntry failed: %v", err)
	}
	if !entry.Applied() {
		t.Error("Expected ledger entry to be applied")
	}
	if entry.Note != "" {
		t.Errorf("Expected empty note on applied event, got %q", entry.Note)
	}

	tier, err := manager.EffectiveTier(ctx, testUser)
	if err != nil {
		t.Fatalf("EffectiveTier failed: %v", err)
	}
	if tier != subquota.TierPro {
		t.Errorf("Expected tier pro, got %q", tier)
	}
}

func TestProcessEvent_DuplicateIsNoOp(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	seedSubscription(t, storage, &subquota.Subscription{
		UserID:                 testUser,
		ProviderSubscriptionID: testSubID,
		Status:                 subquota.StatusCreated,
	})

	ev := activatedEvent("evt_dup", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if _, err := manager.ProcessEvent(ctx, ev); err != nil {
		t.Fatalf("First ProcessEvent failed: %v", err)
	}

	before, _ := storage.GetSubscriptionByProviderID(ctx, testSubID)

	outcome, err := manager.ProcessEvent(ctx, ev)
	if err != nil {
		t.Fatalf("Replay ProcessEvent failed: %v", err)
	}
	if outcome != subquota.OutcomeDuplicate {
		t.Fatalf("Expected OutcomeDuplicate, got %v", outcome)
	}

	after, _ := storage.GetSubscriptionByProviderID(ctx, testSubID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("Replay mutated the subscription row")
	}
}

func TestProcessEvent_SameIDDifferentPayloadIsRejected(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	seedSubscription(t, storage, &subquota.Subscription{
		UserID:                 testUser,
		ProviderSubscriptionID: testSubID,
		Status:                 subquota.StatusCreated,
	})

	ev := activatedEvent("evt_x", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if _, err := manager.ProcessEvent(ctx, ev); err != nil {
		t.Fatalf("First ProcessEvent failed: %v", err)
	}

	tampered := *ev
	tampered.PayloadDigest = "digest-tampered"
	_, err := manager.ProcessEvent(ctx, &tampered)
	if !errors.Is(err, subquota.ErrPayloadMismatch) {
		t.Fatalf("Expected ErrPayloadMismatch, got %v", err)
	}
}

func TestProcessEvent_NoEdgeIsRecordedStale(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	seedSubscription(t, storage, &subquota.Subscription{
		UserID:                 testUser,
		ProviderSubscriptionID: testSubID,
		Status:                 subquota.StatusActive,
	})

	// activated has no edge from active.
	outcome, err := manager.ProcessEvent(ctx, activatedEvent("evt_late", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if outcome != subquota.OutcomeStale {
		t.Fatalf("Expected OutcomeStale, got %v", outcome)
	}

	entry, _ := storage.GetLedgerEntry(ctx, "evt_late")
	if !entry.Applied() {
		t.Error("Stale event must still be recorded as applied")
	}
	if entry.Note == "" {
		t.Error("Stale event must carry a note")
	}

	sub, _ := storage.GetSubscriptionByProviderID(ctx, testSubID)
	if sub.Status != subquota.StatusActive {
		t.Errorf("Stale event changed status to %v", sub.Status)
	}
}

func TestProcessEvent_OlderPeriodIsStale(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	current := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, storage, &subquota.Subscription{
		UserID:                 testUser,
		ProviderSubscriptionID: testSubID,
		Status:                 subquota.StatusActive,
		CurrentPeriodStart:     current,
		CurrentPeriodEnd:       current.AddDate(0, 1, 0),
	})

	// A charge for the previous period arrives after the renewal.
	ev := &subquota.Event{
		ID:             "evt_old_charge",
		Type:           subquota.EventSubscriptionCharged,
		SubscriptionID: testSubID,
		PeriodStart:    current.AddDate(0, -1, 0),
		PeriodEnd:      current,
		OccurredAt:     current.AddDate(0, -1, 0),
		PayloadDigest:  "digest-old",
	}
	outcome, err := manager.ProcessEvent(ctx, ev)
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if outcome != subquota.OutcomeStale {
		t.Fatalf("Expected OutcomeStale, got %v", outcome)
	}

	sub, _ := storage.GetSubscriptionByProviderID(ctx, testSubID)
	if !sub.CurrentPeriodStart.Equal(current) {
		t.Errorf("Out-of-order event rewound period start to %v", sub.CurrentPeriodStart)
	}
}

func TestProcessEvent_TerminalStateIsNeverLeft(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	seedSubscription(t, storage, &subquota.Subscription{
		UserID:                 testUser,
		ProviderSubscriptionID: testSubID,
		Status:                 subquota.StatusCancelled,
	})

	ev := &subquota.Event{
		ID:             "evt_charge_after_cancel",
		Type:           subquota.EventSubscriptionCharged,
		SubscriptionID: testSubID,
		PayloadDigest:  "digest-1",
	}
	outcome, err := manager.ProcessEvent(ctx, ev)
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if outcome != subquota.OutcomeStale {
		t.Fatalf("Expected OutcomeStale, got %v", outcome)
	}

	sub, _ := storage.GetSubscriptionByProviderID(ctx, testSubID)
	if sub.Status != subquota.StatusCancelled {
		t.Errorf("Terminal row left cancelled, now %v", sub.Status)
	}
}

func TestProcessEvent_UnknownTypeIsRecordedWithoutEffect(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	ev := &subquota.Event{
		ID:             "evt_unknown",
		Type:           "invoice.generated",
		SubscriptionID: testSubID,
		PayloadDigest:  "digest-1",
	}
	outcome, err := manager.ProcessEvent(ctx, ev)
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if outcome != subquota.OutcomeStale {
		t.Fatalf("Expected OutcomeStale, got %v", outcome)
	}

	entry, _ := storage.GetLedgerEntry(ctx, "evt_unknown")
	if !entry.Applied() {
		t.Error("Unknown event must be recorded so redelivery stops")
	}
}

func TestProcessEvent_NoLocalRowIsRecordedStale(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	outcome, err := manager.ProcessEvent(ctx, activatedEvent("evt_orphan", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if outcome != subquota.OutcomeStale {
		t.Fatalf("Expected OutcomeStale, got %v", outcome)
	}

	entry, _ := storage.GetLedgerEntry(ctx, "evt_orphan")
	if !entry.Applied() {
		t.Error("Orphan event must be recorded so redelivery stops")
	}
}

func TestProcessEvent_ResumesAfterCrash(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	seedSubscription(t, storage, &subquota.Subscription{
		UserID:                 testUser,
		ProviderSubscriptionID: testSubID,
		Status:                 subquota.StatusCreated,
	})

	// Simulate a crash between ledger insert and apply: the entry exists
	// but AppliedAt is nil.
	ev := activatedEvent("evt_crash", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	err := storage.InsertLedgerEntry(ctx, &subquota.LedgerEntry{
		EventID:       ev.ID,
		EventType:     ev.Type,
		PayloadDigest: ev.PayloadDigest,
		ReceivedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertLedgerEntry failed: %v", err)
	}

	outcome, err := manager.ProcessEvent(ctx, ev)
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if outcome != subquota.OutcomeApplied {
		t.Fatalf("Expected OutcomeApplied on resume, got %v", outcome)
	}

	sub, _ := storage.GetSubscriptionByProviderID(ctx, testSubID)
	if sub.Status != subquota.StatusActive {
		t.Errorf("Resume did not apply transition, status %v", sub.Status)
	}
}

func TestProcessEvent_PaymentFailureAndRecovery(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	periodStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, storage, &subquota.Subscription{
		UserID:                 testUser,
		ProviderSubscriptionID: testSubID,
		ProviderPlanID:         testPlanPro,
		Status:                 subquota.StatusActive,
		CurrentPeriodStart:     periodStart,
		CurrentPeriodEnd:       periodStart.AddDate(0, 1, 0),
	})

	failed := &subquota.Event{
		ID:             "evt_fail",
		Type:           subquota.EventPaymentFailed,
		SubscriptionID: testSubID,
		OccurredAt:     periodStart.AddDate(0, 1, 0),
		PayloadDigest:  "digest-fail",
	}
	if outcome, err := manager.ProcessEvent(ctx, failed); err != nil || outcome != subquota.OutcomeApplied {
		t.Fatalf("payment.failed: outcome=%v err=%v", outcome, err)
	}

	tier, err := manager.EffectiveTier(ctx, testUser)
	if err != nil {
		t.Fatalf("EffectiveTier failed: %v", err)
	}
	if tier != subquota.TierFree {
		t.Errorf("past_due must fall back to free tier, got %q", tier)
	}

	recovered := &subquota.Event{
		ID:             "evt_recover",
		Type:           subquota.EventSubscriptionCharged,
		SubscriptionID: testSubID,
		PeriodStart:    periodStart.AddDate(0, 1, 0),
		PeriodEnd:      periodStart.AddDate(0, 2, 0),
		OccurredAt:     periodStart.AddDate(0, 1, 1),
		PayloadDigest:  "digest-recover",
	}
	if outcome, err := manager.ProcessEvent(ctx, recovered); err != nil || outcome != subquota.OutcomeApplied {
		t.Fatalf("recovery charge: outcome=%v err=%v", outcome, err)
	}

	sub, _ := storage.GetSubscriptionByProviderID(ctx, testSubID)
	if sub.Status != subquota.StatusActive {
		t.Errorf("Expected active after recovered charge, got %v", sub.Status)
	}

	tier, _ = manager.EffectiveTier(ctx, testUser)
	if tier != subquota.TierPro {
		t.Errorf("Expected pro tier after recovery, got %q", tier)
	}
}

func TestProcessEvent_CancellationFreesTheUserSlot(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	seedSubscription(t, storage, &subquota.Subscription{
		UserID:                 testUser,
		ProviderSubscriptionID: testSubID,
		ProviderPlanID:         testPlanPro,
		Status:                 subquota.StatusActive,
	})

	cancelled := &subquota.Event{
		ID:             "evt_cancel",
		Type:           subquota.EventSubscriptionCancelled,
		SubscriptionID: testSubID,
		OccurredAt:     time.Now().UTC(),
		PayloadDigest:  "digest-cancel",
	}
	if outcome, err := manager.ProcessEvent(ctx, cancelled); err != nil || outcome != subquota.OutcomeApplied {
		t.Fatalf("cancel: outcome=%v err=%v", outcome, err)
	}

	if _, err := manager.OpenSubscription(ctx, testUser); !errors.Is(err, subquota.ErrSubscriptionNotFound) {
		t.Fatalf("Expected no open subscription after cancel, got %v", err)
	}

	// The user can start a fresh subscription; the cancelled row is never
	// resurrected.
	creator := &stubCreator{}
	manager2, err := subquota.NewManager(storage, subquota.Config{Provider: creator})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, err := manager2.CreateSubscription(ctx, testUser, testPlanPro); err != nil {
		t.Fatalf("CreateSubscription after cancel failed: %v", err)
	}
}

func TestProcessEvent_MalformedEvent(t *testing.T) {
	manager, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := manager.ProcessEvent(ctx, &subquota.Event{SubscriptionID: testSubID})
	if !errors.Is(err, subquota.ErrMalformedPayload) {
		t.Errorf("Expected ErrMalformedPayload for missing id, got %v", err)
	}

	_, err = manager.ProcessEvent(ctx, &subquota.Event{ID: "evt_1"})
	if !errors.Is(err, subquota.ErrMalformedPayload) {
		t.Errorf("Expected ErrMalformedPayload for missing subscription id, got %v", err)
	}
}

func TestProcessEvent_ConcurrentReplayAppliesOnce(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	seedSubscription(t, storage, &subquota.Subscription{
		UserID:                 testUser,
		ProviderSubscriptionID: testSubID,
		Status:                 subquota.StatusCreated,
	})

	ev := activatedEvent("evt_race", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	const goroutines = 20
	outcomes := make(chan subquota.Outcome, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := manager.ProcessEvent(ctx, ev)
			if err != nil {
				t.Errorf("ProcessEvent failed: %v", err)
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for outcome := range outcomes {
		if outcome == subquota.OutcomeApplied {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("Expected exactly one applied outcome, got %d", applied)
	}
}

func TestCreateSubscription(t *testing.T) {
	creator := &stubCreator{}
	storage := memory.New()
	manager, err := subquota.NewManager(storage, subquota.Config{Provider: creator})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	ctx := context.Background()

	subID, err := manager.CreateSubscription(ctx, testUser, testPlanPro)
	if err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	if subID == "" {
		t.Fatal("Expected non-empty subscription id")
	}

	sub, err := storage.GetSubscriptionByProviderID(ctx, subID)
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if sub.Status != subquota.StatusCreated {
		t.Errorf("Expected created status, got %v", sub.Status)
	}

	// A second checkout while the first row is open is rejected.
	if _, err := manager.CreateSubscription(ctx, testUser, testPlanPro); !errors.Is(err, subquota.ErrSubscriptionExists) {
		t.Errorf("Expected ErrSubscriptionExists, got %v", err)
	}
}

func TestCreateSubscription_ProviderError(t *testing.T) {
	creator := &stubCreator{err: errors.New("gateway timeout")}
	storage := memory.New()
	manager, _ := subquota.NewManager(storage, subquota.Config{Provider: creator})

	if _, err := manager.CreateSubscription(context.Background(), testUser, testPlanPro); err == nil {
		t.Fatal("Expected provider error to propagate")
	}
	if _, err := storage.GetOpenSubscription(context.Background(), testUser); !errors.Is(err, subquota.ErrSubscriptionNotFound) {
		t.Errorf("No local row must exist after provider failure, got %v", err)
	}
}

func TestEffectiveTier_UnmappedPlanFallsBack(t *testing.T) {
	manager, storage := newTestManager(t, nil)
	ctx := context.Background()

	seedSubscription(t, storage, &subquota.Subscription{
		UserID:                 testUser,
		ProviderSubscriptionID: testSubID,
		ProviderPlanID:         "plan_unknown",
		Status:                 subquota.StatusActive,
	})

	tier, err := manager.EffectiveTier(ctx, testUser)
	if err != nil {
		t.Fatalf("EffectiveTier failed: %v", err)
	}
	if tier != subquota.TierFree {
		t.Errorf("Expected fallback to free for unmapped plan, got %q", tier)
	}
}
