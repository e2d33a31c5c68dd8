// Package razorpay implements the billing.Provider interface for
// Razorpay subscriptions. Webhook events are verified with the account's
// webhook secret and handed to the reconciliation engine; API calls go
// through the official Razorpay SDK.
package razorpay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	razorpay "github.com/razorpay/razorpay-go"

	"github.com/aegislabs/subquota/pkg/billing/internal"
	"github.com/aegislabs/subquota/pkg/subquota"
)

const providerName = "razorpay"

// subscriptionAPI is the slice of the Razorpay SDK the provider uses.
// Kept as an interface so tests can stub the remote API.
type subscriptionAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Fetch(subID string, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Cancel(subID string, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// Config holds Razorpay provider configuration.
type Config struct {
	// KeyID and KeySecret authenticate API calls.
	KeyID     string
	KeySecret string

	// WebhookSecret verifies the X-Razorpay-Signature header. Required:
	// without it no webhook can be authenticated and the handler refuses
	// all deliveries.
	WebhookSecret string

	// Manager is the reconciliation engine events are handed to (required).
	Manager *subquota.Manager

	// TotalCount is the number of billing cycles for created
	// subscriptions (default: 12).
	TotalCount int

	// CustomerNotify lets Razorpay send the checkout link to the customer.
	CustomerNotify bool

	// WebhookRateLimit caps webhook deliveries per client IP per minute
	// (default: 120).
	WebhookRateLimit int

	// Logger is used for structured logging (default: NoopLogger).
	Logger subquota.Logger
}

// Provider implements billing.Provider backed by Razorpay.
type Provider struct {
	manager       *subquota.Manager
	subs          subscriptionAPI
	webhookSecret string
	config        Config
	limiter       *internal.RateLimiter
	logger        subquota.Logger
}

// New creates a Razorpay provider.
func New(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if config.KeyID == "" || config.KeySecret == "" {
		return nil, fmt.Errorf("razorpay key id and secret are required")
	}
	if config.TotalCount <= 0 {
		config.TotalCount = 12
	}
	if config.WebhookRateLimit <= 0 {
		config.WebhookRateLimit = 120
	}
	if config.Logger == nil {
		config.Logger = &subquota.NoopLogger{}
	}

	client := razorpay.NewClient(config.KeyID, config.KeySecret)

	return &Provider{
		manager:       config.Manager,
		subs:          client.Subscription,
		webhookSecret: config.WebhookSecret,
		config:        config,
		limiter:       internal.NewRateLimiter(config.WebhookRateLimit, time.Minute),
		logger:        config.Logger,
	}, nil
}

// Name implements billing.Provider.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler implements billing.Provider.
func (p *Provider) WebhookHandler() http.Handler {
	return p.limiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// CreateProviderSubscription implements billing.Provider and
// subquota.SubscriptionCreator. The user id travels in the subscription
// notes so every webhook can be attributed without a provider lookup.
func (p *Provider) CreateProviderSubscription(ctx context.Context, userID, planID string) (string, error) {
	notify := 0
	if p.config.CustomerNotify {
		notify = 1
	}
	data := map[string]interface{}{
		"plan_id":         planID,
		"total_count":     p.config.TotalCount,
		"customer_notify": notify,
		"notes": map[string]interface{}{
			"user_id": userID,
		},
	}

	resp, err := p.subs.Create(data, nil)
	if err != nil {
		return "", fmt.Errorf("razorpay subscription create: %w", err)
	}

	subID, _ := resp["id"].(string)
	if subID == "" {
		return "", fmt.Errorf("razorpay subscription create: response missing id")
	}

	p.logger.Info("razorpay subscription created",
		subquota.Field{Key: "user_id", Value: userID},
		subquota.Field{Key: "plan_id", Value: planID},
		subquota.Field{Key: "subscription_id", Value: subID})
	return subID, nil
}

// CancelSubscription implements billing.Provider. The local row is not
// touched here: the cancellation takes effect when the provider's
// subscription.cancelled event lands.
func (p *Provider) CancelSubscription(ctx context.Context, providerSubID string, atCycleEnd bool) error {
	var data map[string]interface{}
	if atCycleEnd {
		data = map[string]interface{}{"cancel_at_cycle_end": 1}
	}

	if _, err := p.subs.Cancel(providerSubID, data, nil); err != nil {
		return fmt.Errorf("razorpay subscription cancel: %w", err)
	}

	p.logger.Info("razorpay subscription cancellation requested",
		subquota.Field{Key: "subscription_id", Value: providerSubID},
		subquota.Field{Key: "at_cycle_end", Value: atCycleEnd})
	return nil
}

// FetchSubscription returns the provider's view of a subscription, for
// manual reconciliation jobs and support tooling.
func (p *Provider) FetchSubscription(ctx context.Context, providerSubID string) (map[string]interface{}, error) {
	resp, err := p.subs.Fetch(providerSubID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("razorpay subscription fetch: %w", err)
	}
	return resp, nil
}
