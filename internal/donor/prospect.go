package donor

import (
	"strings"
	"time"
)

// Prospect is a pre-donor identity created when a share link is issued to a
// not-yet-registered recipient. It converts to a donor when the recipient
// completes account creation through the funnel.
type Prospect struct {
	ID    int64
	Email string
	Name  string
	// DonorID and ConvertedAt are set on conversion. DonorID keeps the
	// back-pointer after the prospect's share link is spent.
	DonorID     int64
	ConvertedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Converted reports whether the prospect already became a donor.
func (p Prospect) Converted() bool {
	return p.ConvertedAt != nil
}

// CreateProspectInput contains the fields needed to create a prospect.
// Email is optional: an administrator may issue a share link before knowing
// the recipient's address.
type CreateProspectInput struct {
	Email string
	Name  string
}

// NormalizeCreateProspectInput trims and validates prospect input.
func NormalizeCreateProspectInput(input CreateProspectInput) (CreateProspectInput, error) {
	input.Name = strings.TrimSpace(input.Name)
	if strings.TrimSpace(input.Email) == "" {
		input.Email = ""
		return input, nil
	}

	email, err := ValidateEmail(input.Email)
	if err != nil {
		return CreateProspectInput{}, err
	}
	input.Email = email
	return input, nil
}

// CreateProspect constructs a normalized prospect record.
func CreateProspect(input CreateProspectInput, now func() time.Time) (Prospect, error) {
	if now == nil {
		now = time.Now
	}

	normalized, err := NormalizeCreateProspectInput(input)
	if err != nil {
		return Prospect{}, err
	}

	createdAt := now().UTC()
	return Prospect{
		Email:     normalized.Email,
		Name:      normalized.Name,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}
