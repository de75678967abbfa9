package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/invite"
	"github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/sharelink"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New(errors.CodeNotFound, "record not found")
	// ErrConflictingOwner indicates an ownership rule was violated, such as
	// registering a share link whose email already belongs to a donor with a
	// password set.
	ErrConflictingOwner = errors.New(errors.CodeConflictingOwner, "record is owned by someone else")
	// ErrConstraint indicates a uniqueness or integrity violation.
	ErrConstraint = errors.New(errors.CodeConstraintViolation, "record violates a constraint")
	// ErrStoreUnavailable indicates the underlying database cannot serve.
	ErrStoreUnavailable = errors.New(errors.CodeStoreUnavailable, "store is unavailable")
)

// UpsertDonorInput carries the subscriber fields a processor event knows.
type UpsertDonorInput struct {
	Email         string
	Name          string
	Status        donor.Status
	LastPaymentAt *time.Time
}

// DonorStore persists donor records.
type DonorStore interface {
	CreateDonor(ctx context.Context, d donor.Donor) (donor.Donor, error)
	GetDonor(ctx context.Context, id int64) (donor.Donor, error)
	GetDonorByEmail(ctx context.Context, email string) (donor.Donor, error)
	GetDonorBySubscription(ctx context.Context, subscriptionID string) (donor.Donor, error)
	// UpsertDonorBySubscription inserts or updates atomically, keyed by the
	// external subscription id, and returns the post-state record.
	UpsertDonorBySubscription(ctx context.Context, subscriptionID string, input UpsertDonorInput) (donor.Donor, error)
	// UpdateDonor replaces the mutable fields of an existing record and
	// bumps its update time.
	UpdateDonor(ctx context.Context, d donor.Donor) (donor.Donor, error)
	SetDonorPassword(ctx context.Context, id int64, passwordHash string, at time.Time) error
	MarkDonorEmailVerified(ctx context.Context, id int64, at time.Time) error
	LinkDonorMedia(ctx context.Context, id int64, accountID, email string, at time.Time) error
	UnlinkDonorMedia(ctx context.Context, id int64, at time.Time) error
	// ClearAccessExpiration nulls the scheduled revocation. The expiration
	// sweep calls it only after a successful revoke, so an expiry that is
	// still set always means the revocation has not happened yet.
	ClearAccessExpiration(ctx context.Context, id int64, at time.Time) error
	MarkTrialReminderSent(ctx context.Context, id int64, at time.Time) error
	MarkSubscriptionRefreshed(ctx context.Context, id int64, at time.Time) error
	ListDonors(ctx context.Context) ([]donor.Donor, error)
	// ListDonorsWithExpiredAccess returns donors in a revocation-eligible
	// status whose access expiry has elapsed, oldest expiry first.
	ListDonorsWithExpiredAccess(ctx context.Context, now time.Time) ([]donor.Donor, error)
	// ListDonorsForSubscriptionRefresh returns donors with a subscription id
	// that are pending or whose last refresh is older than olderThan.
	ListDonorsForSubscriptionRefresh(ctx context.Context, olderThan time.Duration, now time.Time) ([]donor.Donor, error)
	// ListTrialDonorsForReminder returns trial donors expiring within window
	// that have not yet received a reminder.
	ListTrialDonorsForReminder(ctx context.Context, window time.Duration, now time.Time) ([]donor.Donor, error)
}

// ProspectStore persists pre-donor identities.
type ProspectStore interface {
	CreateProspect(ctx context.Context, p donor.Prospect) (donor.Prospect, error)
	GetProspect(ctx context.Context, id int64) (donor.Prospect, error)
	// GetProspectByEmail returns the newest prospect with the email that has
	// not yet converted to a donor.
	GetProspectByEmail(ctx context.Context, email string) (donor.Prospect, error)
}

// InviteStore persists media invite records.
type InviteStore interface {
	CreateInvite(ctx context.Context, inv invite.Invite) (invite.Invite, error)
	GetInvite(ctx context.Context, id int64) (invite.Invite, error)
	// UpdateInviteMedia records the identifiers the media server returned.
	UpdateInviteMedia(ctx context.Context, id int64, mediaInviteID, mediaInviteURL string, status invite.Status) error
	MarkInviteFailed(ctx context.Context, id int64) error
	MarkInviteEmailSent(ctx context.Context, id int64, at time.Time) error
	// MarkInviteRevoked and MarkMediaRevoked are idempotent: calls after the
	// first successful one keep the original timestamps.
	MarkInviteRevoked(ctx context.Context, id int64, at time.Time) error
	MarkMediaRevoked(ctx context.Context, id int64, at time.Time) error
	// ActiveInviteByDonor returns the donor's single non-revoked invite.
	ActiveInviteByDonor(ctx context.Context, donorID int64) (invite.Invite, error)
	// LatestInviteByDonor returns the newest invite that anchors the
	// cooldown window; failed provisioning attempts are skipped.
	LatestInviteByDonor(ctx context.Context, donorID int64) (invite.Invite, error)
	ListInvitesByDonor(ctx context.Context, donorID int64) ([]invite.Invite, error)
}

// ShareLinkStore persists one-shot registration links.
type ShareLinkStore interface {
	// CreateOrUpdateShareLink rejects links with both or neither owner set.
	// When the owner already holds a link, its tokens are replaced and its
	// timers reset.
	CreateOrUpdateShareLink(ctx context.Context, link sharelink.ShareLink) (sharelink.ShareLink, error)
	GetShareLinkByToken(ctx context.Context, token string) (sharelink.ShareLink, error)
	// GetShareLinkByDonor and GetShareLinkByProspect return the owner's
	// single link.
	GetShareLinkByDonor(ctx context.Context, donorID int64) (sharelink.ShareLink, error)
	GetShareLinkByProspect(ctx context.Context, prospectID int64) (sharelink.ShareLink, error)
	// TouchShareLink records a funnel visit.
	TouchShareLink(ctx context.Context, id int64, at time.Time) error
}

// Payment is an immutable processor-confirmed payment record.
type Payment struct {
	ID      int64
	DonorID int64
	// ProcessorPaymentID deduplicates replayed confirmations.
	ProcessorPaymentID string
	// Amount keeps the processor's decimal string form untouched.
	Amount    string
	Currency  string
	PaidAt    time.Time
	CreatedAt time.Time
}

// PaymentStore persists the append-only payment log.
type PaymentStore interface {
	// RecordPayment is idempotent on the processor payment id: a replay
	// returns the original row.
	RecordPayment(ctx context.Context, p Payment) (Payment, error)
	ListPaymentsByDonor(ctx context.Context, donorID int64) ([]Payment, error)
}

// Event is one append-only audit row.
type Event struct {
	ID   int64
	Type string
	// ExternalID carries the processor's event id so replays are
	// detectable; empty for internally generated events.
	ExternalID string
	// DonorID scopes the event; zero for system-level rows.
	DonorID     int64
	PayloadJSON []byte
	CreatedAt   time.Time
}

// EventPage is one page of the audit log, newest first.
type EventPage struct {
	Events        []Event
	NextPageToken string
}

// EventStore persists the append-only audit log.
type EventStore interface {
	AppendEvent(ctx context.Context, e Event) (Event, error)
	// HasEventWithExternalID reports whether a processor event id was
	// already recorded.
	HasEventWithExternalID(ctx context.Context, externalID string) (bool, error)
	ListEvents(ctx context.Context, pageSize int, pageToken string) (EventPage, error)
	ListEventsByDonor(ctx context.Context, donorID int64, limit int) ([]Event, error)
}

// SettingsStore persists grouped configuration blobs.
type SettingsStore interface {
	// SaveSettings stores the canonical blob for a group.
	SaveSettings(ctx context.Context, group string, value json.RawMessage) error
	// GetSettings returns the canonical blob for a group. Missing rows and
	// malformed stored blobs degrade to the group default; reads never fail
	// on bad data.
	GetSettings(ctx context.Context, group string) (json.RawMessage, error)
}

// TokenKind separates single-use token namespaces.
type TokenKind string

const (
	// TokenKindVerification confirms a donor's email address.
	TokenKindVerification TokenKind = "verification"
	// TokenKindPasswordReset authorises a password reset.
	TokenKindPasswordReset TokenKind = "password_reset"
)

// Token is a single-use opaque secret bound to a donor.
type Token struct {
	Token     string
	Kind      TokenKind
	DonorID   int64
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// TokenStore persists single-use tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t Token) (Token, error)
	// ConsumeToken looks up an unused, unexpired token and marks it used in
	// the same transaction. Used and expired tokens read as not found.
	ConsumeToken(ctx context.Context, kind TokenKind, value string, now time.Time) (Token, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) error
}

// SupportAuthor identifies who wrote a support message.
type SupportAuthor string

const (
	// SupportAuthorDonor marks messages written by the thread's donor.
	SupportAuthorDonor SupportAuthor = "donor"
	// SupportAuthorAdmin marks messages written by an administrator.
	SupportAuthorAdmin SupportAuthor = "admin"
)

// SupportRequest is a support thread head.
type SupportRequest struct {
	ID         int64
	DonorID    int64
	Subject    string
	Resolved   bool
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SupportMessage is one entry in a thread's append-only message list.
type SupportMessage struct {
	ID        int64
	RequestID int64
	Author    SupportAuthor
	Body      string
	CreatedAt time.Time
}

// SupportStore persists support threads.
type SupportStore interface {
	// CreateSupportRequest opens a thread with its first message atomically.
	CreateSupportRequest(ctx context.Context, req SupportRequest, first SupportMessage) (SupportRequest, error)
	GetSupportRequest(ctx context.Context, id int64) (SupportRequest, error)
	ListSupportRequestsByDonor(ctx context.Context, donorID int64) ([]SupportRequest, error)
	ListSupportRequests(ctx context.Context) ([]SupportRequest, error)
	// AppendSupportMessage adds to a thread. A donor message on a resolved
	// thread reopens it in the same transaction.
	AppendSupportMessage(ctx context.Context, m SupportMessage) (SupportMessage, error)
	ResolveSupportRequest(ctx context.Context, id int64, at time.Time) error
	ListSupportMessages(ctx context.Context, requestID int64) ([]SupportMessage, error)
}

// EventTypeDonorRegistered marks a share-link registration in the audit
// log.
const EventTypeDonorRegistered = "donor.registered"

// ApplyDecisionInput commits a lifecycle decision atomically: the donor
// diff, its audit rows, and an optional payment row land in one
// transaction.
type ApplyDecisionInput struct {
	// Donor is the post-decision record; nil when the decision changed
	// nothing about the donor.
	Donor *donor.Donor
	// Events are appended in order.
	Events []Event
	// Payment, when set, is recorded idempotently.
	Payment *Payment
	// Now stamps the donor row's update time and any event or payment rows
	// missing one. Zero means current time.
	Now time.Time
}

// RegistrationInput converts a share link into a donor account. ProspectID
// zero means the link is donor-owned and registration sets the password on
// the owning donor instead of converting a prospect.
type RegistrationInput struct {
	ShareLinkID  int64
	ProspectID   int64
	Email        string
	Name         string
	PasswordHash string
	Now          time.Time
}

// Store is the full persistence surface plus the cross-entity transactional
// operations the coordinators need.
type Store interface {
	DonorStore
	ProspectStore
	InviteStore
	ShareLinkStore
	PaymentStore
	EventStore
	SettingsStore
	TokenStore
	SupportStore

	// ApplyDecision persists a lifecycle decision in one transaction.
	ApplyDecision(ctx context.Context, input ApplyDecisionInput) (donor.Donor, error)
	// CreateInviteWithEvent appends an invite row and its audit row
	// together.
	CreateInviteWithEvent(ctx context.Context, inv invite.Invite, e Event) (invite.Invite, error)
	// RegisterFromShareLink turns a share link into a usable donor account
	// in one transaction: a prospect-owned link inserts the donor and
	// converts the prospect, a donor-owned link sets the password on the
	// owning passwordless donor, and both spend the link and append the
	// audit row. It fails with ErrConflictingOwner when the account already
	// has a password set, leaving every record untouched.
	RegisterFromShareLink(ctx context.Context, input RegistrationInput) (donor.Donor, error)

	Close() error
}
