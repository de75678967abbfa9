// Package sharelink models tokenised one-shot registration URLs.
//
// A share link is exclusively owned by either a donor or a prospect, never
// both. The URL token identifies the link publicly; the session token is the
// bearer secret while the recipient fills the registration form.
package sharelink

import (
	"fmt"
	"time"

	"github.com/donorgate/donorgate/internal/platform/id"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
)

// DefaultTTL is how long a share link accepts account creation.
const DefaultTTL = 7 * 24 * time.Hour

var (
	// ErrOwnerRequired indicates neither a donor nor a prospect owner.
	ErrOwnerRequired = apperrors.New(apperrors.CodeConflictingOwner, "share link needs exactly one owner")
	// ErrOwnerConflict indicates both owner identities were given.
	ErrOwnerConflict = apperrors.New(apperrors.CodeConflictingOwner, "share link cannot have two owners")
	// ErrExpired indicates the link's window has elapsed.
	ErrExpired = apperrors.New(apperrors.CodeShareLinkExpired, "share link has expired")
	// ErrUsed indicates the link was already spent.
	ErrUsed = apperrors.New(apperrors.CodeShareLinkUsed, "share link was already used")
)

// ShareLink is a one-shot registration URL.
type ShareLink struct {
	ID int64
	// DonorID or ProspectID names the owner; exactly one is non-zero.
	DonorID    int64
	ProspectID int64
	// Token appears in the funnel URL.
	Token string
	// SessionToken is the bearer secret for the funnel forms.
	SessionToken string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	// UsedAt is set once, when account creation completes.
	UsedAt *time.Time
	// LastUsedAt tracks the most recent funnel visit.
	LastUsedAt *time.Time
}

// OwnedByDonor reports whether a donor owns the link.
func (s ShareLink) OwnedByDonor() bool {
	return s.DonorID != 0
}

// Used reports whether the link was spent.
func (s ShareLink) Used() bool {
	return s.UsedAt != nil
}

// Expired reports whether the link's window elapsed at now.
func (s ShareLink) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Usable returns nil when the link still accepts account creation.
func (s ShareLink) Usable(now time.Time) error {
	if s.Used() {
		return ErrUsed
	}
	if s.Expired(now) {
		return ErrExpired
	}
	return nil
}

// CreateInput contains the fields needed to create a share link.
type CreateInput struct {
	DonorID    int64
	ProspectID int64
	// TTL defaults to DefaultTTL when zero.
	TTL time.Duration
}

// NormalizeCreateInput validates the owner arrangement.
func NormalizeCreateInput(input CreateInput) (CreateInput, error) {
	if input.DonorID == 0 && input.ProspectID == 0 {
		return CreateInput{}, ErrOwnerRequired
	}
	if input.DonorID != 0 && input.ProspectID != 0 {
		return CreateInput{}, ErrOwnerConflict
	}
	if input.TTL <= 0 {
		input.TTL = DefaultTTL
	}
	return input, nil
}

// Create constructs a share link with fresh URL and session tokens.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (ShareLink, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateInput(input)
	if err != nil {
		return ShareLink{}, err
	}

	token, err := idGenerator()
	if err != nil {
		return ShareLink{}, fmt.Errorf("generate share link token: %w", err)
	}
	sessionToken, err := idGenerator()
	if err != nil {
		return ShareLink{}, fmt.Errorf("generate share link session token: %w", err)
	}

	createdAt := now().UTC()
	return ShareLink{
		DonorID:      normalized.DonorID,
		ProspectID:   normalized.ProspectID,
		Token:        token,
		SessionToken: sessionToken,
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(normalized.TTL),
	}, nil
}
