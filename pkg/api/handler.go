package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aegislabs/subquota/pkg/subquota"
)

const maxUserIDLen = 255

// Handler exposes the engine's outward surface over HTTP: effective-tier
// and usage reads, checkout, cancellation, and the provider webhook.
type Handler struct {
	config Config
}

// NewHandler creates a new handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(config.Actions) == 0 {
		config.Actions = []string{subquota.ActionVerification}
	}
	if config.Logger == nil {
		config.Logger = &subquota.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// Router returns a chi router with all routes mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/tier", h.GetTier)
	r.Get("/usage", h.GetUsage)
	r.Post("/subscriptions", h.CreateSubscription)
	if h.config.Provider != nil {
		r.Post("/subscriptions/cancel", h.CancelSubscription)
		r.Method(http.MethodPost, "/webhooks/"+h.config.Provider.Name(), h.config.Provider.WebhookHandler())
	}
	return r
}

// GetTier returns the user's effective tier, derived from the store at
// read time.
func (h *Handler) GetTier(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	tier, err := h.config.Manager.EffectiveTier(r.Context(), userID)
	if err != nil {
		h.serverError(w, "get effective tier", err)
		return
	}

	h.writeJSON(w, http.StatusOK, TierResponse{UserID: userID, Tier: tier})
}

// GetUsage returns the user's counters and limits for all configured
// actions.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	resp := UsageResponse{UserID: userID, Actions: make(map[string]ActionUsage, len(h.config.Actions))}
	for _, action := range h.config.Actions {
		result, tier, err := h.config.Manager.GetUsage(ctx, userID, action)
		if err != nil {
			if errors.Is(err, subquota.ErrUnknownAction) {
				continue
			}
			h.serverError(w, "get usage", err)
			return
		}
		resp.Tier = tier
		resp.Actions[action] = ActionUsage{
			Daily:   result.Daily,
			Monthly: result.Monthly,
			Allowed: result.Allowed,
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// CreateSubscription starts a checkout for the requested plan.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "plan_id is required"})
		return
	}

	subID, err := h.config.Manager.CreateSubscription(r.Context(), userID, req.PlanID)
	if err != nil {
		if errors.Is(err, subquota.ErrSubscriptionExists) {
			h.writeJSON(w, http.StatusConflict, errorResponse{Error: "an open subscription already exists"})
			return
		}
		h.serverError(w, "create subscription", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, CreateSubscriptionResponse{ProviderSubscriptionID: subID})
}

// CancelSubscription asks the provider to cancel the user's open
// subscription. The local row moves to cancelled when the provider's
// event arrives.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CancelSubscriptionRequest
	if r.Body != nil {
		// Body is optional; an empty body means immediate cancellation.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sub, err := h.config.Manager.OpenSubscription(r.Context(), userID)
	if err != nil {
		if errors.Is(err, subquota.ErrSubscriptionNotFound) {
			h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no open subscription"})
			return
		}
		h.serverError(w, "get subscription", err)
		return
	}

	if err := h.config.Provider.CancelSubscription(r.Context(), sub.ProviderSubscriptionID, req.AtCycleEnd); err != nil {
		h.serverError(w, "cancel subscription", err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid user id"})
		return "", false
	}
	return userID, true
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.config.Logger.Error("api request failed",
		subquota.Field{Key: "op", Value: op},
		subquota.Field{Key: "error", Value: err.Error()})
	h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return
	}
}
