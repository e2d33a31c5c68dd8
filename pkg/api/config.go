package api

import (
	"fmt"
	"net/http"

	"github.com/aegislabs/subquota/pkg/billing"
	"github.com/aegislabs/subquota/pkg/subquota"
)

// Config holds configuration for the HTTP surface.
type Config struct {
	// Manager is the reconciliation engine (required).
	Manager *subquota.Manager

	// GetUserID extracts the authenticated user id from a request
	// (required). Authentication itself belongs to the surrounding
	// application.
	GetUserID func(*http.Request) string

	// Provider mounts the webhook endpoint and enables the cancel route.
	// Optional: without it the API is read-and-checkout only.
	Provider billing.Provider

	// Actions lists the metered actions included in usage responses
	// (default: the verification action).
	Actions []string

	// Logger is used for structured logging (default: NoopLogger).
	Logger subquota.Logger
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// FromHeader returns a GetUserID function that reads a header. Useful
// behind a gateway that authenticates and forwards the user id.
func FromHeader(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// FromContext returns a GetUserID function reading a context value set by
// upstream auth middleware.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
