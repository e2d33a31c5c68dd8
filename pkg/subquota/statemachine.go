package subquota

// The subscription state machine. Edges are the only way status may move;
// webhooks that disagree are recorded as stale, never blindly applied.
//
//	(none)    -> created    local checkout request
//	created   -> active     subscription.activated
//	active    -> active     subscription.charged (renewal)
//	past_due  -> active     subscription.charged (recovered payment)
//	active    -> past_due   payment.failed
//	created|active|past_due -> cancelled  subscription.cancelled
//	active|past_due -> expired            local expiry sweep, no webhook
//
// cancelled and expired are terminal.

var transitions = map[EventType]map[Status]Status{
	EventSubscriptionActivated: {
		StatusCreated: StatusActive,
	},
	EventSubscriptionCharged: {
		StatusActive:  StatusActive,
		StatusPastDue: StatusActive,
	},
	EventPaymentFailed: {
		StatusActive: StatusPastDue,
	},
	EventSubscriptionCancelled: {
		StatusCreated: StatusCancelled,
		StatusActive:  StatusCancelled,
		StatusPastDue: StatusCancelled,
	},
}

// nextStatus returns the target status for applying ev to a subscription
// currently in from. ok is false when no edge matches, i.e. the event is
// stale relative to local state.
func nextStatus(from Status, ev EventType) (Status, bool) {
	targets, known := transitions[ev]
	if !known {
		return "", false
	}
	to, ok := targets[from]
	return to, ok
}

// staleByPeriod reports whether ev describes a billing period older than
// the one already recorded on sub. Out-of-order delivery is resolved by
// this comparison, never by arrival order.
func staleByPeriod(sub *Subscription, ev *Event) bool {
	if ev.PeriodStart.IsZero() || sub.CurrentPeriodStart.IsZero() {
		return false
	}
	return ev.PeriodStart.Before(sub.CurrentPeriodStart)
}
