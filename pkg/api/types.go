package api

import "github.com/aegislabs/subquota/pkg/subquota"

// UsageResponse is the complete quota standing for a user. The limits come
// from the same policy table that enforcement uses, so what a UI renders
// from this response cannot drift from what the quota guard enforces.
type UsageResponse struct {
	UserID  string                 `json:"user_id"`
	Tier    string                 `json:"tier"`
	Actions map[string]ActionUsage `json:"actions"`
}

// ActionUsage is the per-action breakdown.
type ActionUsage struct {
	Daily   subquota.BucketUsage `json:"daily"`
	Monthly subquota.BucketUsage `json:"monthly"`
	Allowed bool                 `json:"allowed"`
}

// TierResponse is the effective-tier read used by page rendering and chat
// routing.
type TierResponse struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

// CreateSubscriptionRequest starts a checkout.
type CreateSubscriptionRequest struct {
	PlanID string `json:"plan_id"`
}

// CreateSubscriptionResponse carries the provider subscription id the
// frontend needs to finish checkout.
type CreateSubscriptionResponse struct {
	ProviderSubscriptionID string `json:"provider_subscription_id"`
}

// CancelSubscriptionRequest requests cancellation of the user's open
// subscription on the provider.
type CancelSubscriptionRequest struct {
	AtCycleEnd bool `json:"at_cycle_end"`
}

type errorResponse struct {
	Error string `json:"error"`
}
