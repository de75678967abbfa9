// Package invite models media-server provisioning attempts and the
// distinct-recipient cooldown between them.
package invite

import (
	"strings"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
)

var (
	// ErrEmptyDonorID indicates a missing donor reference.
	ErrEmptyDonorID = apperrors.New(apperrors.CodeValidation, "donor id is required")
	// ErrInvalidRecipient indicates a malformed recipient address.
	ErrInvalidRecipient = apperrors.New(apperrors.CodeInviteRecipientInvalid, "recipient email is invalid")
)

// Status represents the lifecycle status of an invite.
type Status int

const (
	// StatusUnspecified represents an invalid invite status.
	StatusUnspecified Status = iota
	// StatusPending indicates the media server has not seen the invite accepted.
	StatusPending
	// StatusAccepted indicates the recipient claimed the invite.
	StatusAccepted
	// StatusRevoked indicates the invite was revoked.
	StatusRevoked
	// StatusFailed indicates provisioning against the media server failed.
	StatusFailed
)

// StatusLabel returns the string label for an invite status.
func StatusLabel(status Status) string {
	switch status {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusRevoked:
		return "revoked"
	case StatusFailed:
		return "failed"
	default:
		return "unspecified"
	}
}

// StatusFromLabel converts a status label to a Status value.
func StatusFromLabel(label string) Status {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "pending":
		return StatusPending
	case "accepted":
		return StatusAccepted
	case "revoked":
		return StatusRevoked
	case "failed":
		return StatusFailed
	default:
		return StatusUnspecified
	}
}

// Invite records one provisioning attempt against the media server.
type Invite struct {
	ID      int64
	DonorID int64
	// MediaInviteID and MediaInviteURL are returned by the media server on
	// creation and empty until then.
	MediaInviteID  string
	MediaInviteURL string
	Status         Status
	// Libraries is the ordered set of shared section identifiers.
	Libraries      []string
	RecipientEmail string
	Note           string
	EmailSentAt    *time.Time
	RevokedAt      *time.Time
	// MediaRevokedAt is set once the media server confirmed the share was
	// removed (or reported it missing).
	MediaRevokedAt *time.Time
	// MediaAccountID and MediaEmail capture the donor's media identity at
	// issuance time, so revocation works after an unlink.
	MediaAccountID string
	MediaEmail     string
	CreatedAt      time.Time
}

// Active reports whether the invite has not been revoked or failed.
func (i Invite) Active() bool {
	return i.RevokedAt == nil && i.Status != StatusFailed
}

// CreateInput contains the fields needed to create an invite record.
type CreateInput struct {
	DonorID        int64
	RecipientEmail string
	Note           string
	Libraries      []string
	MediaAccountID string
	MediaEmail     string
}

// NormalizeCreateInput trims and validates invite input.
func NormalizeCreateInput(input CreateInput) (CreateInput, error) {
	if input.DonorID == 0 {
		return CreateInput{}, ErrEmptyDonorID
	}

	email, err := donor.ValidateEmail(input.RecipientEmail)
	if err != nil {
		return CreateInput{}, ErrInvalidRecipient
	}
	input.RecipientEmail = email
	input.Note = strings.TrimSpace(input.Note)

	libraries := make([]string, 0, len(input.Libraries))
	for _, section := range input.Libraries {
		section = strings.TrimSpace(section)
		if section != "" {
			libraries = append(libraries, section)
		}
	}
	input.Libraries = libraries

	input.MediaAccountID = strings.TrimSpace(input.MediaAccountID)
	input.MediaEmail = donor.NormalizeEmail(input.MediaEmail)
	return input, nil
}

// Create constructs a normalized pending invite. The store assigns the
// numeric id on insert.
func Create(input CreateInput, now func() time.Time) (Invite, error) {
	if now == nil {
		now = time.Now
	}

	normalized, err := NormalizeCreateInput(input)
	if err != nil {
		return Invite{}, err
	}

	return Invite{
		DonorID:        normalized.DonorID,
		Status:         StatusPending,
		Libraries:      normalized.Libraries,
		RecipientEmail: normalized.RecipientEmail,
		Note:           normalized.Note,
		MediaAccountID: normalized.MediaAccountID,
		MediaEmail:     normalized.MediaEmail,
		CreatedAt:      now().UTC(),
	}, nil
}
