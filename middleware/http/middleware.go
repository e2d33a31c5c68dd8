// Package http provides HTTP middleware that gates requests on the
// quota guard.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aegislabs/subquota/pkg/subquota"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// ActionExtractor extracts the metered action name from an HTTP request.
// For example: "verification".
type ActionExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Manager is the reconciliation engine (required).
	Manager *subquota.Manager

	// GetUserID extracts the user ID from the request (required).
	GetUserID UserIDExtractor

	// GetAction extracts the action name from the request (required).
	GetAction ActionExtractor

	// OnQuotaExceeded is called when the guard denies the request.
	// If nil, returns 429 Too Many Requests with the remaining buckets.
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, result *subquota.QuotaResult)

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the guard fails. The guard fails closed,
	// so the request never reaches the handler. If nil, returns 503
	// Service Unavailable.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// deniedResponse is the default body for denied requests.
type deniedResponse struct {
	Error   string               `json:"error"`
	Daily   subquota.BucketUsage `json:"daily"`
	Monthly subquota.BucketUsage `json:"monthly"`
}

// Middleware creates an HTTP middleware that consumes one quota unit per
// request. Consumption happens before the handler runs; a denied or
// failed check never consumes.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			action := config.GetAction(r)

			result, err := config.Manager.CheckAndConsume(r.Context(), userID, action)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				}
				return
			}

			if !result.Allowed {
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, result)
				} else {
					writeDenied(w, action, result)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces quota limits (HandlerFunc version).
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeDenied(w http.ResponseWriter, action string, result *subquota.QuotaResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(deniedResponse{
		Error:   fmt.Sprintf("quota exceeded for %s", action),
		Daily:   result.Daily,
		Monthly: result.Monthly,
	})
}

// Common extractors for convenience

// FixedAction returns an ActionExtractor that always returns a fixed action name.
func FixedAction(action string) ActionExtractor {
	return func(r *http.Request) string {
		return action
	}
}

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "subquota:userID"
)

// FromContext returns a UserIDExtractor that gets the user ID from the request context.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets the user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds the user ID to a request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
