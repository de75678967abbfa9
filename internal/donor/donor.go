// Package donor models subscriber identity and the entitlement lifecycle.
//
// The lifecycle engine in this package is pure: Decide consumes the current
// donor record plus one lifecycle event and returns the target record with a
// set of side-effect intents. Persistence and adapter calls happen elsewhere.
package donor

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
)

var (
	// ErrEmptyEmail indicates a missing contact email.
	ErrEmptyEmail = apperrors.New(apperrors.CodeDonorEmailEmpty, "email is required")
	// ErrInvalidEmail indicates a malformed contact email.
	ErrInvalidEmail = apperrors.New(apperrors.CodeDonorEmailInvalid, "email is invalid")
	// ErrInvalidStatus indicates an unknown lifecycle status label.
	ErrInvalidStatus = apperrors.New(apperrors.CodeDonorStatusInvalid, "status is invalid")
)

// Status represents a donor's lifecycle state.
type Status int

const (
	// StatusUnspecified represents an invalid donor status.
	StatusUnspecified Status = iota
	// StatusProspect indicates a share-link recipient who has not completed checkout.
	StatusProspect
	// StatusPending indicates a subscription awaiting its first confirmed payment.
	StatusPending
	// StatusTrial indicates time-limited access without a confirmed payment.
	StatusTrial
	// StatusActive indicates a paying donor in good standing.
	StatusActive
	// StatusCancelled indicates a cancelled subscription, possibly within its grace window.
	StatusCancelled
	// StatusSuspended indicates access withheld by an administrator.
	StatusSuspended
	// StatusExpired indicates grace ran out after cancellation and access was revoked.
	StatusExpired
	// StatusTrialExpired indicates the trial ended without conversion.
	StatusTrialExpired
)

// StatusLabel returns the string label for a donor status.
func StatusLabel(status Status) string {
	switch status {
	case StatusProspect:
		return "prospect"
	case StatusPending:
		return "pending"
	case StatusTrial:
		return "trial"
	case StatusActive:
		return "active"
	case StatusCancelled:
		return "cancelled"
	case StatusSuspended:
		return "suspended"
	case StatusExpired:
		return "expired"
	case StatusTrialExpired:
		return "trial_expired"
	default:
		return "unspecified"
	}
}

// StatusFromLabel converts a status label to a Status value.
func StatusFromLabel(label string) Status {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "prospect":
		return StatusProspect
	case "pending":
		return StatusPending
	case "trial":
		return StatusTrial
	case "active":
		return StatusActive
	case "cancelled":
		return StatusCancelled
	case "suspended":
		return StatusSuspended
	case "expired":
		return StatusExpired
	case "trial_expired":
		return StatusTrialExpired
	default:
		return StatusUnspecified
	}
}

// Entitled reports whether the status grants media access right now.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrial
}

// RevocationEligible reports whether an elapsed access expiry in this status
// makes the donor a candidate for the expiration sweep.
func (s Status) RevocationEligible() bool {
	switch s {
	case StatusTrial, StatusCancelled, StatusSuspended, StatusExpired, StatusTrialExpired:
		return true
	default:
		return false
	}
}

// Donor is the subscriber identity tracked by the gateway.
type Donor struct {
	ID             int64
	Email          string
	Name           string
	SubscriptionID string
	Status         Status
	// LastPaymentAt is the most recent processor-confirmed payment instant.
	LastPaymentAt *time.Time
	// AccessExpiresAt schedules revocation; nil means none is scheduled.
	AccessExpiresAt *time.Time
	PasswordHash    string
	// MediaAccountID and MediaEmail are captured when the donor links their
	// media account via the device-code flow.
	MediaAccountID string
	MediaEmail     string
	EmailVerifiedAt *time.Time
	// TrialReminderSentAt prevents duplicate trial-ending reminders.
	TrialReminderSentAt *time.Time
	// SubscriptionRefreshedAt is the last time the refresh sweep reconciled
	// this donor against the payment processor.
	SubscriptionRefreshedAt *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// HasPassword reports whether the donor completed account creation.
func (d Donor) HasPassword() bool {
	return strings.TrimSpace(d.PasswordHash) != ""
}

// MediaLinked reports whether a media account is attached.
func (d Donor) MediaLinked() bool {
	return strings.TrimSpace(d.MediaAccountID) != "" || strings.TrimSpace(d.MediaEmail) != ""
}

// EmailVerified reports whether the contact email has been confirmed.
func (d Donor) EmailVerified() bool {
	return d.EmailVerifiedAt != nil
}

// NormalizeEmail lowercases and trims an address for comparison and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail parses the address and returns its normalised form.
func ValidateEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "", ErrEmptyEmail
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}

// CreateInput contains the fields needed to create a donor record.
type CreateInput struct {
	Email          string
	Name           string
	SubscriptionID string
	Status         Status
}

// NormalizeCreateInput trims and validates donor create input.
func NormalizeCreateInput(input CreateInput) (CreateInput, error) {
	email, err := ValidateEmail(input.Email)
	if err != nil {
		return CreateInput{}, err
	}
	input.Email = email
	input.Name = strings.TrimSpace(input.Name)
	input.SubscriptionID = strings.TrimSpace(input.SubscriptionID)
	if input.Status == StatusUnspecified {
		input.Status = StatusProspect
	}
	return input, nil
}

// Create constructs a normalized donor record. The store assigns the numeric
// id on insert.
func Create(input CreateInput, now func() time.Time) (Donor, error) {
	if now == nil {
		now = time.Now
	}

	normalized, err := NormalizeCreateInput(input)
	if err != nil {
		return Donor{}, err
	}

	createdAt := now().UTC()
	return Donor{
		Email:          normalized.Email,
		Name:           normalized.Name,
		SubscriptionID: normalized.SubscriptionID,
		Status:         normalized.Status,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}, nil
}

// String implements fmt.Stringer for diagnostics without exposing contact
// details beyond the id and status.
func (d Donor) String() string {
	return fmt.Sprintf("donor %d (%s)", d.ID, StatusLabel(d.Status))
}
