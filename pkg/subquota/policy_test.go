package subquota_test

import (
	"testing"

	"github.com/aegislabs/subquota/pkg/subquota"
)

func TestTierPolicy_Limits(t *testing.T) {
	policy := subquota.TierPolicy{
		"free": {
			Name:    "free",
			Daily:   map[string]int{"verification": 5},
			Monthly: map[string]int{"verification": 50},
		},
		"pro": {
			Name:  "pro",
			Daily: map[string]int{"verification": 50, "export": 10},
		},
	}

	tests := []struct {
		name        string
		tier        string
		action      string
		wantDaily   int
		wantMonthly int
		wantOK      bool
	}{
		{"both limits present", "free", "verification", 5, 50, true},
		{"daily only defaults monthly to unlimited", "pro", "verification", 50, subquota.Unlimited, true},
		{"unknown tier falls back to default", "platinum", "verification", 5, 50, true},
		{"unknown action", "free", "export", 0, 0, false},
		{"action only on another tier", "free", "export", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			daily, monthly, ok := policy.Limits(tt.tier, tt.action, "free")
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if daily != tt.wantDaily || monthly != tt.wantMonthly {
				t.Errorf("limits = %d/%d, want %d/%d", daily, monthly, tt.wantDaily, tt.wantMonthly)
			}
		})
	}
}

func TestTierPolicy_MissingDefaultTier(t *testing.T) {
	policy := subquota.TierPolicy{}
	if _, _, ok := policy.Limits("free", "verification", "free"); ok {
		t.Error("Empty policy must report no limits")
	}
}

func TestDefaultPolicy(t *testing.T) {
	policy := subquota.DefaultPolicy()

	daily, monthly, ok := policy.Limits(subquota.TierFree, subquota.ActionVerification, subquota.TierFree)
	if !ok || daily != 5 || monthly != 50 {
		t.Errorf("free = %d/%d ok=%v, want 5/50", daily, monthly, ok)
	}

	daily, monthly, ok = policy.Limits(subquota.TierPro, subquota.ActionVerification, subquota.TierFree)
	if !ok || daily != 50 || monthly != 1000 {
		t.Errorf("pro = %d/%d ok=%v, want 50/1000", daily, monthly, ok)
	}

	daily, monthly, ok = policy.Limits(subquota.TierEnterprise, subquota.ActionVerification, subquota.TierFree)
	if !ok || daily != 500 || monthly != 10000 {
		t.Errorf("enterprise = %d/%d ok=%v, want 500/10000", daily, monthly, ok)
	}
}

func TestStatusPredicates(t *testing.T) {
	open := []subquota.Status{subquota.StatusCreated, subquota.StatusActive, subquota.StatusPastDue}
	for _, s := range open {
		if !s.Open() {
			t.Errorf("%s should be open", s)
		}
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}

	terminal := []subquota.Status{subquota.StatusCancelled, subquota.StatusExpired}
	for _, s := range terminal {
		if s.Open() {
			t.Errorf("%s should not be open", s)
		}
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
