package donor

import "time"

// EventKind identifies a lifecycle event variant fed to the engine.
type EventKind string

const (
	// EventPaymentCompleted records a processor-confirmed payment.
	EventPaymentCompleted EventKind = "payment.completed"
	// EventPaymentFailed records a failed or reversed payment attempt.
	EventPaymentFailed EventKind = "payment.failed"
	// EventSubscriptionCancelled records cancellation at the processor.
	EventSubscriptionCancelled EventKind = "subscription.cancelled"
	// EventTrialStart begins a time-limited trial.
	EventTrialStart EventKind = "trial.start"
	// EventTrialExpire ends a trial whose window has elapsed.
	EventTrialExpire EventKind = "trial.expire"
	// EventAccessExpire is the sweep-generalised expiry for any donor whose
	// scheduled access expiration has elapsed.
	EventAccessExpire EventKind = "access.expire"
	// EventAdminRevoke is an administrator cutting access.
	EventAdminRevoke EventKind = "admin.revoke"
	// EventAdminSuspend is an administrator withholding access without
	// cancelling the subscription.
	EventAdminSuspend EventKind = "admin.suspend"
	// EventAdminOverride is an administrator forcing a status reset.
	EventAdminOverride EventKind = "admin.override"
)

// Event carries one lifecycle occurrence into the engine. Only the fields
// relevant to the kind are set.
type Event struct {
	Kind EventKind

	// EventTime is when the occurrence happened at its source. Events older
	// than the donor's last update leave the record unchanged; callers still
	// append their payment and audit rows.
	EventTime time.Time

	// PaymentID, Amount, Currency and PaidAt describe a confirmed payment.
	// Amount keeps the processor's decimal string form.
	PaymentID string
	Amount    string
	Currency  string
	PaidAt    time.Time

	// NextBillingTime bounds the grace window on cancellation.
	NextBillingTime time.Time

	// TrialDuration sets the access window for trial.start.
	TrialDuration time.Duration

	// OverrideStatus is the target for admin.override.
	OverrideStatus Status
}

// DefaultTrialDuration applies when trial.start carries no duration.
const DefaultTrialDuration = 14 * 24 * time.Hour
