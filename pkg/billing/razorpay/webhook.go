package razorpay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/razorpay/razorpay-go/utils"

	"github.com/aegislabs/subquota/pkg/billing/internal"
	"github.com/aegislabs/subquota/pkg/subquota"
)

const maxWebhookBody = 256 * 1024

// webhookPayload is the Razorpay event envelope.
type webhookPayload struct {
	Entity    string   `json:"entity"`
	AccountID string   `json:"account_id"`
	Event     string   `json:"event"`
	Contains  []string `json:"contains"`
	CreatedAt int64    `json:"created_at"`

	Payload struct {
		Subscription struct {
			Entity subscriptionEntity `json:"entity"`
		} `json:"subscription"`
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type subscriptionEntity struct {
	ID           string            `json:"id"`
	PlanID       string            `json:"plan_id"`
	Status       string            `json:"status"`
	CurrentStart int64             `json:"current_start"`
	CurrentEnd   int64             `json:"current_end"`
	ChargeAt     int64             `json:"charge_at"`
	Notes        map[string]string `json:"notes"`
}

type paymentEntity struct {
	ID             string            `json:"id"`
	SubscriptionID string            `json:"subscription_id"`
	Status         string            `json:"status"`
	Notes          map[string]string `json:"notes"`
}

// handleWebhook ingests one signed Razorpay delivery. The response code
// drives the provider's redelivery: 2xx stops retries (the event is
// durably recorded), anything else asks for another attempt.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		}
		return
	}

	// Authenticity first: an unverifiable event must never reach the
	// ledger.
	sig := r.Header.Get("X-Razorpay-Signature")
	if sig == "" || !utils.VerifyWebhookSignature(string(body), sig, p.webhookSecret) {
		p.logger.Warn("webhook signature verification failed",
			subquota.Field{Key: "remote", Value: internal.ClientIP(r)})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ev, err := p.parseEvent(r, body)
	if err != nil {
		// Recoverable: the provider redelivers on non-2xx and the payload
		// may be fixable upstream. Never silently dropped.
		p.logger.Warn("malformed webhook payload",
			subquota.Field{Key: "error", Value: err.Error()})
		http.Error(w, "unprocessable payload", http.StatusUnprocessableEntity)
		return
	}

	outcome, err := p.manager.ProcessEvent(r.Context(), ev)
	switch {
	case err == nil:
		_ = internal.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"outcome": string(outcome),
		})
	case errors.Is(err, subquota.ErrPayloadMismatch):
		// Same event id, different payload. Flagged, never absorbed.
		http.Error(w, "event payload conflict", http.StatusConflict)
	case errors.Is(err, subquota.ErrMalformedPayload):
		http.Error(w, "unprocessable payload", http.StatusUnprocessableEntity)
	default:
		// Store trouble: a 5xx makes the provider redeliver, and the
		// ledger makes the retry resume instead of double-apply.
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	}
}

// parseEvent maps a Razorpay envelope to the engine's event model.
func (p *Provider) parseEvent(r *http.Request, body []byte) (*subquota.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event name")
	}

	digest := sha256.Sum256(body)
	digestHex := hex.EncodeToString(digest[:])

	// Razorpay assigns a globally unique delivery id per event. Fall back
	// to the content digest so absorption stays idempotent even without
	// the header.
	eventID := r.Header.Get("X-Razorpay-Event-Id")
	if eventID == "" {
		eventID = "sha256:" + digestHex
	}

	sub := payload.Payload.Subscription.Entity
	pay := payload.Payload.Payment.Entity

	subID := sub.ID
	if subID == "" {
		subID = pay.SubscriptionID
	}
	if subID == "" {
		return nil, fmt.Errorf("event %s carries no subscription id", payload.Event)
	}

	userID := sub.Notes["user_id"]
	if userID == "" {
		userID = pay.Notes["user_id"]
	}

	ev := &subquota.Event{
		ID:             eventID,
		Type:           subquota.EventType(payload.Event),
		SubscriptionID: subID,
		UserID:         userID,
		PlanID:         sub.PlanID,
		PeriodStart:    unixTime(sub.CurrentStart),
		PeriodEnd:      unixTime(sub.CurrentEnd),
		NextBillingAt:  unixTime(sub.ChargeAt),
		OccurredAt:     unixTime(payload.CreatedAt),
		PayloadDigest:  digestHex,
	}
	return ev, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
