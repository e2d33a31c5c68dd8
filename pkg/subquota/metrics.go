package subquota

import "time"

// Metrics defines the interface for tracking engine operations.
type Metrics interface {
	// RecordEvent records the outcome of processing one billing event.
	// outcome is one of "applied", "duplicate", "stale", "error".
	RecordEvent(eventType, outcome string)

	// RecordQuotaCheck records a CheckAndConsume call and its outcome.
	RecordQuotaCheck(action, tier string, allowed bool, duration time.Duration)

	// RecordStorageOperation records the duration and status of a storage
	// operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordSweep records one expiry sweep run and how many subscriptions
	// it expired.
	RecordSweep(expired int, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(eventType, outcome string) {}
func (n *NoopMetrics) RecordQuotaCheck(action, tier string, allowed bool, duration time.Duration) {
}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
}
func (n *NoopMetrics) RecordSweep(expired int, duration time.Duration) {}
