package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestMetrics_RecordEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordEvent("subscription.activated", "applied")
	metrics.RecordEvent("subscription.activated", "applied")
	metrics.RecordEvent("subscription.charged", "stale")

	got := testutil.ToFloat64(metrics.eventsTotal.WithLabelValues("subscription.activated", "applied"))
	if got != 2 {
		t.Errorf("applied activations = %v, want 2", got)
	}
	got = testutil.ToFloat64(metrics.eventsTotal.WithLabelValues("subscription.charged", "stale"))
	if got != 1 {
		t.Errorf("stale charges = %v, want 1", got)
	}
}

func TestMetrics_RecordQuotaCheck(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordQuotaCheck("verification", "free", true, 10*time.Millisecond)
	metrics.RecordQuotaCheck("verification", "free", false, 5*time.Millisecond)

	allowed := testutil.ToFloat64(metrics.quotaChecksTotal.WithLabelValues("verification", "free", "true"))
	denied := testutil.ToFloat64(metrics.quotaChecksTotal.WithLabelValues("verification", "free", "false"))
	if allowed != 1 || denied != 1 {
		t.Errorf("checks = %v allowed / %v denied, want 1/1", allowed, denied)
	}
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("consume_usage", time.Millisecond, nil)
	metrics.RecordStorageOperation("consume_usage", time.Millisecond, errors.New("timeout"))

	got := testutil.ToFloat64(metrics.storageOpsErrors.WithLabelValues("consume_usage"))
	if got != 1 {
		t.Errorf("storage errors = %v, want 1", got)
	}
}

func TestMetrics_RecordSweep(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSweep(3, time.Second)
	metrics.RecordSweep(0, time.Second)

	if got := testutil.ToFloat64(metrics.sweepRunsTotal); got != 2 {
		t.Errorf("sweep runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.sweepExpiredTotal); got != 3 {
		t.Errorf("swept total = %v, want 3", got)
	}
}
