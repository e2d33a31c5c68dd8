// Package billing defines the seam between the reconciliation engine and
// a concrete billing provider. The engine consumes providers through this
// interface so a backend swap changes no reconciliation logic.
package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a billing backend must implement.
type Provider interface {
	// Name returns the provider name (e.g. "razorpay").
	Name() string

	// WebhookHandler returns the HTTP handler that ingests the provider's
	// signed event callbacks. The handler verifies authenticity before
	// anything touches the ledger and answers 2xx only once the event is
	// durably recorded.
	WebhookHandler() http.Handler

	// CreateProviderSubscription starts a subscription for a plan on the
	// provider and returns the provider subscription id. Used by the
	// engine's checkout path; this also satisfies subquota.SubscriptionCreator.
	CreateProviderSubscription(ctx context.Context, userID, planID string) (string, error)

	// CancelSubscription requests cancellation on the provider. The local
	// row transitions only when the provider's cancellation event arrives;
	// the event stream stays the single source of truth.
	CancelSubscription(ctx context.Context, providerSubID string, atCycleEnd bool) error
}
