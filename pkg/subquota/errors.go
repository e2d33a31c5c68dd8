package subquota

import "errors"

var (
	// ErrInvalidSignature is returned when webhook authenticity cannot be
	// established. Fatal for the event: it must never reach the ledger.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrDuplicateEvent is returned when an event id has already been
	// applied. Callers treat it as a successful no-op.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrStaleEvent is returned when an event's source state or billing
	// period is older than what is already recorded. The event is recorded
	// as applied so the provider stops redelivering it, but no state changes.
	ErrStaleEvent = errors.New("stale event")

	// ErrPayloadMismatch is returned when an event id arrives again with a
	// different payload digest. This is an anomaly, never silently absorbed.
	ErrPayloadMismatch = errors.New("event payload digest mismatch")

	// ErrMalformedPayload is returned when a webhook body cannot be parsed.
	// Recoverable: the provider redelivers on a non-2xx response.
	ErrMalformedPayload = errors.New("malformed event payload")

	// ErrQuotaExceeded is the expected business outcome of a denied quota
	// check, not a system error.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrStoreUnavailable is returned when the document store cannot be
	// reached. Quota checks fail closed on it.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSubscriptionNotFound is returned when no subscription row matches.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSubscriptionExists is returned by CreateSubscription when the user
	// already has an open (created/active/past_due) row.
	ErrSubscriptionExists = errors.New("open subscription already exists")

	// ErrInvalidTransition is returned when a mutation would leave the
	// state-machine graph. Storage CAS conflicts also surface as this after
	// retries are exhausted.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict is returned by conditional storage updates when the row
	// changed underneath the caller. The reconciler retries on it.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrUnknownAction is returned when the tier policy has no limits for
	// the requested action.
	ErrUnknownAction = errors.New("unknown metered action")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound)
}

// ignoreNotFound keeps not-found lookups out of the storage error metrics.
func ignoreNotFound(err error) error {
	if isNotFound(err) {
		return nil
	}
	return err
}
