package subquota

// ActionVerification is the metered action consumed by the AI verification
// pipeline. Additional actions can be added to the policy table without
// code changes elsewhere.
const ActionVerification = "verification"

// Built-in tier names. The policy table is open: any name present in the
// table is a valid tier.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// TierLimits holds the per-action ceilings for one tier.
type TierLimits struct {
	Name string

	// Daily maps action names to calendar-day limits.
	Daily map[string]int

	// Monthly maps action names to calendar-month limits.
	Monthly map[string]int
}

// TierPolicy is the static tier → limits table. It is read-only at
// runtime; changing limits is a deployment-time operation. Both quota
// enforcement and any UI that displays limits consume this single table,
// so displayed and enforced limits cannot drift.
type TierPolicy map[string]TierLimits

// Limits returns the daily and monthly limit for an action under a tier.
// Unknown tiers fall back to defaultTier; an action absent from both maps
// is reported via ok=false.
func (p TierPolicy) Limits(tier, action, defaultTier string) (daily, monthly int, ok bool) {
	limits, found := p[tier]
	if !found {
		limits, found = p[defaultTier]
		if !found {
			return 0, 0, false
		}
	}

	daily, dOK := limits.Daily[action]
	monthly, mOK := limits.Monthly[action]
	if !dOK && !mOK {
		return 0, 0, false
	}
	if !dOK {
		daily = Unlimited
	}
	if !mOK {
		monthly = Unlimited
	}
	return daily, monthly, true
}

// Unlimited disables a bucket's ceiling.
const Unlimited = -1

// DefaultPolicy returns the stock Free/Pro/Enterprise table for the
// verification action.
func DefaultPolicy() TierPolicy {
	return TierPolicy{
		TierFree: {
			Name:    TierFree,
			Daily:   map[string]int{ActionVerification: 5},
			Monthly: map[string]int{ActionVerification: 50},
		},
		TierPro: {
			Name:    TierPro,
			Daily:   map[string]int{ActionVerification: 50},
			Monthly: map[string]int{ActionVerification: 1000},
		},
		TierEnterprise: {
			Name:    TierEnterprise,
			Daily:   map[string]int{ActionVerification: 500},
			Monthly: map[string]int{ActionVerification: 10000},
		},
	}
}
