package donor

import "time"

// IntentKind identifies a side effect the engine asks its caller to apply.
type IntentKind string

const (
	// IntentIssueInvite asks the coordinator to provision a media invite.
	IntentIssueInvite IntentKind = "issue_invite"
	// IntentRevokeInvite asks the coordinator to revoke the active invite.
	IntentRevokeInvite IntentKind = "revoke_invite"
	// IntentSendMail asks the mail adapter to send a templated message.
	IntentSendMail IntentKind = "send_mail"
	// IntentLogEvent asks the caller to append an audit row in the same
	// transaction as the record diff.
	IntentLogEvent IntentKind = "log_event"
	// IntentClearAccessExpiration asks the caller to null the donor's
	// access expiry. On expiry sweeps it must be applied only after the
	// revocation succeeded, so a failed revocation retries on the next tick.
	IntentClearAccessExpiration IntentKind = "clear_access_expiration"
	// IntentScheduleExpiration mirrors an access-expiry change already
	// present on the returned record, so callers can audit or act on it.
	IntentScheduleExpiration IntentKind = "schedule_expiration"
)

// MailTemplate selects the message for send_mail intents.
type MailTemplate string

const (
	// MailPaymentReceipt thanks the donor for a confirmed payment.
	MailPaymentReceipt MailTemplate = "payment_receipt"
)

// EventAccessExpirationReached is the audit type appended when a sweep
// revocation completes.
const EventAccessExpirationReached = "donor.access.expiration.reached"

// Intent describes one side effect. Fields beyond Kind are set per kind.
type Intent struct {
	Kind IntentKind

	// Template selects the message for send_mail.
	Template MailTemplate

	// EventType and EventPayload describe the audit row for log_event.
	EventType    string
	EventPayload map[string]string

	// At is the expiry instant for schedule_expiration.
	At time.Time
}

// Decision is the engine's output: the target record, ordered side-effect
// intents, and whether the record changed.
type Decision struct {
	Donor   Donor
	Intents []Intent
	Changed bool
}
