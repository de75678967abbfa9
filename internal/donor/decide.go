package donor

import "time"

// Decide applies one lifecycle event to a donor record.
//
// Decide is pure: it never touches storage or adapters. Events whose
// EventTime predates the record's UpdatedAt leave the record unchanged so
// processor replays only produce append-only effects (payment and audit
// rows written by the caller).
func Decide(d Donor, e Event, now time.Time) Decision {
	now = now.UTC()

	if stale(d, e) {
		return Decision{Donor: d}
	}

	switch e.Kind {
	case EventPaymentCompleted:
		return decidePaymentCompleted(d, e, now)
	case EventPaymentFailed:
		return decidePaymentFailed(d, now)
	case EventSubscriptionCancelled:
		return decideSubscriptionCancelled(d, e, now)
	case EventTrialStart:
		return decideTrialStart(d, e, now)
	case EventTrialExpire:
		return decideTrialExpire(d, now)
	case EventAccessExpire:
		return decideAccessExpire(d, now)
	case EventAdminRevoke:
		return decideAdminRevoke(d, now)
	case EventAdminSuspend:
		return decideAdminSuspend(d, now)
	case EventAdminOverride:
		return decideAdminOverride(d, e, now)
	default:
		return Decision{Donor: d}
	}
}

func stale(d Donor, e Event) bool {
	return !e.EventTime.IsZero() && !d.UpdatedAt.IsZero() && e.EventTime.Before(d.UpdatedAt)
}

// decidePaymentCompleted moves the donor to active and refreshes payment
// bookkeeping. A payment for a cancelled donor inside its grace window
// restores access and clears the scheduled revocation.
func decidePaymentCompleted(d Donor, e Event, now time.Time) Decision {
	switch d.Status {
	case StatusProspect, StatusPending, StatusTrial, StatusActive, StatusCancelled, StatusTrialExpired:
	default:
		// Suspension and full expiry need administrator action to undo.
		return Decision{Donor: d}
	}

	paidAt := e.PaidAt
	if paidAt.IsZero() {
		paidAt = e.EventTime
	}
	if paidAt.IsZero() {
		paidAt = now
	}
	paidAt = paidAt.UTC()

	next := d
	next.Status = StatusActive
	next.LastPaymentAt = &paidAt
	next.UpdatedAt = now

	var intents []Intent
	if d.AccessExpiresAt != nil {
		next.AccessExpiresAt = nil
		intents = append(intents, Intent{Kind: IntentClearAccessExpiration})
	}
	intents = append(intents, Intent{Kind: IntentSendMail, Template: MailPaymentReceipt})

	return Decision{Donor: next, Intents: intents, Changed: true}
}

// decidePaymentFailed marks first-payment failures as pending. Established
// donors ride out the processor's retry window unchanged.
func decidePaymentFailed(d Donor, now time.Time) Decision {
	if d.Status != StatusProspect {
		return Decision{Donor: d}
	}

	next := d
	next.Status = StatusPending
	next.UpdatedAt = now
	return Decision{Donor: next, Changed: true}
}

// decideSubscriptionCancelled moves the donor to cancelled with a grace
// window ending at the processor's next billing time. A cancelled trial
// keeps its existing trial window as the access bound.
func decideSubscriptionCancelled(d Donor, e Event, now time.Time) Decision {
	switch d.Status {
	case StatusPending, StatusActive:
		grace := e.NextBillingTime
		if grace.IsZero() {
			grace = now
		}
		grace = grace.UTC()

		next := d
		next.Status = StatusCancelled
		next.AccessExpiresAt = &grace
		next.UpdatedAt = now
		return Decision{
			Donor:   next,
			Intents: []Intent{{Kind: IntentScheduleExpiration, At: grace}},
			Changed: true,
		}
	case StatusTrial:
		next := d
		next.Status = StatusCancelled
		next.UpdatedAt = now

		var intents []Intent
		if next.AccessExpiresAt == nil {
			at := now
			next.AccessExpiresAt = &at
			intents = append(intents, Intent{Kind: IntentScheduleExpiration, At: at})
		}
		return Decision{Donor: next, Intents: intents, Changed: true}
	default:
		// Cancelling an already-cancelled subscription is a replay no-op.
		return Decision{Donor: d}
	}
}

// decideTrialStart opens the trial window for a prospect.
func decideTrialStart(d Donor, e Event, now time.Time) Decision {
	if d.Status != StatusProspect {
		return Decision{Donor: d}
	}

	duration := e.TrialDuration
	if duration <= 0 {
		duration = DefaultTrialDuration
	}
	base := e.EventTime
	if base.IsZero() {
		base = now
	}
	expires := base.UTC().Add(duration)

	next := d
	next.Status = StatusTrial
	next.AccessExpiresAt = &expires
	next.UpdatedAt = now
	return Decision{
		Donor:   next,
		Intents: []Intent{{Kind: IntentScheduleExpiration, At: expires}},
		Changed: true,
	}
}

// decideTrialExpire ends an elapsed trial.
func decideTrialExpire(d Donor, now time.Time) Decision {
	if d.Status != StatusTrial {
		return Decision{Donor: d}
	}
	return expireInto(d, StatusTrialExpired, now)
}

// decideAccessExpire handles the sweep's generalised expiry: trials end as
// trial_expired, cancelled donors as expired, and already-terminal statuses
// re-run revocation without a further status change.
func decideAccessExpire(d Donor, now time.Time) Decision {
	switch d.Status {
	case StatusTrial:
		return expireInto(d, StatusTrialExpired, now)
	case StatusCancelled:
		return expireInto(d, StatusExpired, now)
	case StatusSuspended, StatusExpired, StatusTrialExpired:
		return expireInto(d, d.Status, now)
	default:
		return Decision{Donor: d}
	}
}

// expireInto produces the revocation decision. The record keeps its access
// expiry; the clear intent must be applied only after revocation succeeds,
// so a failed revocation stays eligible for the next sweep tick.
func expireInto(d Donor, target Status, now time.Time) Decision {
	next := d
	changed := next.Status != target
	next.Status = target
	if changed {
		next.UpdatedAt = now
	}

	return Decision{
		Donor: next,
		Intents: []Intent{
			{Kind: IntentRevokeInvite},
			{Kind: IntentClearAccessExpiration},
			{
				Kind:      IntentLogEvent,
				EventType: EventAccessExpirationReached,
				EventPayload: map[string]string{
					"from": StatusLabel(d.Status),
					"to":   StatusLabel(target),
				},
			},
		},
		Changed: changed,
	}
}

// decideAdminRevoke cuts access by administrator action. Trials are revoked
// immediately; paying donors are cancelled with an immediate expiry so the
// sweep completes the revocation.
func decideAdminRevoke(d Donor, now time.Time) Decision {
	switch d.Status {
	case StatusPending, StatusActive:
		at := now
		next := d
		next.Status = StatusCancelled
		next.AccessExpiresAt = &at
		next.UpdatedAt = now
		return Decision{
			Donor:   next,
			Intents: []Intent{{Kind: IntentScheduleExpiration, At: at}},
			Changed: true,
		}
	case StatusTrial:
		return expireInto(d, StatusTrialExpired, now)
	default:
		return Decision{Donor: d}
	}
}

// decideAdminSuspend withholds access without touching the subscription.
func decideAdminSuspend(d Donor, now time.Time) Decision {
	switch d.Status {
	case StatusPending, StatusTrial, StatusActive, StatusCancelled:
		at := now
		next := d
		next.Status = StatusSuspended
		next.AccessExpiresAt = &at
		next.UpdatedAt = now
		return Decision{
			Donor:   next,
			Intents: []Intent{{Kind: IntentScheduleExpiration, At: at}},
			Changed: true,
		}
	default:
		return Decision{Donor: d}
	}
}

// decideAdminOverride forces a status reset, including trial re-entry.
func decideAdminOverride(d Donor, e Event, now time.Time) Decision {
	target := e.OverrideStatus
	if target == StatusUnspecified || target == d.Status {
		return Decision{Donor: d}
	}

	next := d
	next.Status = target
	next.UpdatedAt = now
	var intents []Intent

	switch target {
	case StatusActive:
		if next.AccessExpiresAt != nil {
			next.AccessExpiresAt = nil
			intents = append(intents, Intent{Kind: IntentClearAccessExpiration})
		}
	case StatusTrial:
		duration := e.TrialDuration
		if duration <= 0 {
			duration = DefaultTrialDuration
		}
		expires := now.Add(duration)
		next.AccessExpiresAt = &expires
		intents = append(intents, Intent{Kind: IntentScheduleExpiration, At: expires})
	default:
		if d.Status.Entitled() {
			// Demotion revokes immediately. The expiry anchors a sweep
			// retry if the revocation fails; the clear applies on success.
			at := now
			next.AccessExpiresAt = &at
			intents = append(intents,
				Intent{Kind: IntentRevokeInvite},
				Intent{Kind: IntentClearAccessExpiration},
			)
		} else if next.AccessExpiresAt != nil && !target.RevocationEligible() {
			// Nothing sweeps a prospect or pending donor; drop the stale
			// expiry with the reset.
			next.AccessExpiresAt = nil
			intents = append(intents, Intent{Kind: IntentClearAccessExpiration})
		}
	}

	return Decision{Donor: next, Intents: intents, Changed: true}
}
