package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/invite"
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/storage"
)

// ApplyDecision persists one lifecycle decision atomically: the donor diff,
// its audit rows, and an optional payment row commit together or not at
// all.
func (s *Store) ApplyDecision(ctx context.Context, input storage.ApplyDecisionInput) (donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return donor.Donor{}, err
	}
	if s == nil || s.sqlDB == nil {
		return donor.Donor{}, fmt.Errorf("storage is not configured")
	}
	if input.Donor == nil && len(input.Events) == 0 && input.Payment == nil {
		return donor.Donor{}, fmt.Errorf("decision has nothing to apply")
	}
	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return donor.Donor{}, fmt.Errorf("begin decision write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback decision write: %v", cause, rollbackErr)
		}
		return cause
	}

	var result donor.Donor
	if input.Donor != nil {
		record := *input.Donor
		record.UpdatedAt = now
		normalized, normalizeErr := normalizeDonorRecord(record)
		if normalizeErr != nil {
			return donor.Donor{}, rollbackWith(normalizeErr)
		}
		if err := updateDonorExec(ctx, tx, normalized); err != nil {
			return donor.Donor{}, rollbackWith(fmt.Errorf("apply donor decision: %w", err))
		}
		result = normalized
	}

	for _, event := range input.Events {
		if event.CreatedAt.IsZero() {
			event.CreatedAt = now
		}
		normalized, normalizeErr := normalizeEventRecord(event)
		if normalizeErr != nil {
			return donor.Donor{}, rollbackWith(normalizeErr)
		}
		if _, err := appendEventExec(ctx, tx, normalized); err != nil {
			if isUniqueViolation(err) {
				return donor.Donor{}, rollbackWith(fmt.Errorf("append decision event %s: %w", normalized.ExternalID, storage.ErrConstraint))
			}
			return donor.Donor{}, rollbackWith(fmt.Errorf("append decision event: %w", err))
		}
	}

	if input.Payment != nil {
		payment := *input.Payment
		if payment.CreatedAt.IsZero() {
			payment.CreatedAt = now
		}
		if _, err := recordPaymentQuery(ctx, tx, payment); err != nil {
			return donor.Donor{}, rollbackWith(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return donor.Donor{}, fmt.Errorf("commit decision write: %w", err)
	}
	return result, nil
}

// CreateInviteWithEvent appends an invite row and its audit row in one
// transaction.
func (s *Store) CreateInviteWithEvent(ctx context.Context, inv invite.Invite, event storage.Event) (invite.Invite, error) {
	if err := ctx.Err(); err != nil {
		return invite.Invite{}, err
	}
	if s == nil || s.sqlDB == nil {
		return invite.Invite{}, fmt.Errorf("storage is not configured")
	}
	if inv.DonorID <= 0 {
		return invite.Invite{}, fmt.Errorf("invite donor id is required")
	}
	if inv.CreatedAt.IsZero() {
		return invite.Invite{}, fmt.Errorf("created_at is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return invite.Invite{}, fmt.Errorf("begin invite write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback invite write: %v", cause, rollbackErr)
		}
		return cause
	}

	id, err := insertInviteExec(ctx, tx, inv)
	if err != nil {
		if isUniqueViolation(err) {
			return invite.Invite{}, rollbackWith(apperrors.New(apperrors.CodeInviteActiveExists, "donor already has an active invite"))
		}
		return invite.Invite{}, rollbackWith(fmt.Errorf("insert invite: %w", err))
	}
	inv.ID = id

	if event.DonorID == 0 {
		event.DonorID = inv.DonorID
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = inv.CreatedAt
	}
	normalized, err := normalizeEventRecord(event)
	if err != nil {
		return invite.Invite{}, rollbackWith(err)
	}
	if _, err := appendEventExec(ctx, tx, normalized); err != nil {
		return invite.Invite{}, rollbackWith(fmt.Errorf("append invite event: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return invite.Invite{}, fmt.Errorf("commit invite write: %w", err)
	}
	return inv, nil
}

// RegisterFromShareLink converts a share link into a donor account in one
// transaction. A prospect-owned link writes the donor, converts the
// prospect and spends the link; a donor-owned link sets the password on the
// owning passwordless donor and spends the link. An email already owned by
// a donor with a password set fails with ErrConflictingOwner, leaving every
// record untouched.
func (s *Store) RegisterFromShareLink(ctx context.Context, input storage.RegistrationInput) (donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return donor.Donor{}, err
	}
	if s == nil || s.sqlDB == nil {
		return donor.Donor{}, fmt.Errorf("storage is not configured")
	}
	if input.ShareLinkID <= 0 {
		return donor.Donor{}, fmt.Errorf("share link id is required")
	}
	if input.ProspectID < 0 {
		return donor.Donor{}, fmt.Errorf("prospect id is invalid")
	}
	email := donor.NormalizeEmail(input.Email)
	if input.ProspectID > 0 && email == "" {
		return donor.Donor{}, fmt.Errorf("registration email is required")
	}
	if input.PasswordHash == "" {
		return donor.Donor{}, fmt.Errorf("registration password hash is required")
	}
	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return donor.Donor{}, fmt.Errorf("begin registration write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback registration write: %v", cause, rollbackErr)
		}
		return cause
	}

	row := tx.QueryRowContext(ctx, `
SELECT `+shareLinkColumns+`
FROM share_links
WHERE id = ?
`, input.ShareLinkID)
	link, err := scanShareLink(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return donor.Donor{}, rollbackWith(storage.ErrNotFound)
		}
		return donor.Donor{}, rollbackWith(fmt.Errorf("load share link: %w", err))
	}
	if input.ProspectID > 0 && link.ProspectID != input.ProspectID {
		return donor.Donor{}, rollbackWith(storage.ErrConflictingOwner)
	}
	if input.ProspectID == 0 && link.DonorID == 0 {
		return donor.Donor{}, rollbackWith(storage.ErrConflictingOwner)
	}
	if link.UsedAt != nil {
		return donor.Donor{}, rollbackWith(fmt.Errorf("share link %d already used: %w", link.ID, storage.ErrConstraint))
	}

	var record donor.Donor
	if input.ProspectID > 0 {
		existing, err := getDonorQuery(ctx, tx, "email = ?", email)
		switch {
		case err == nil:
			if existing.HasPassword() {
				return donor.Donor{}, rollbackWith(storage.ErrConflictingOwner)
			}
			existing.PasswordHash = input.PasswordHash
			if existing.Name == "" {
				existing.Name = input.Name
			}
			existing.UpdatedAt = now
			if err := updateDonorExec(ctx, tx, existing); err != nil {
				return donor.Donor{}, rollbackWith(fmt.Errorf("claim donor account: %w", err))
			}
			record = existing
		case errors.Is(err, storage.ErrNotFound):
			record = donor.Donor{
				Email:        email,
				Name:         input.Name,
				Status:       donor.StatusProspect,
				PasswordHash: input.PasswordHash,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			id, insertErr := insertDonorExec(ctx, tx, record)
			if insertErr != nil {
				return donor.Donor{}, rollbackWith(fmt.Errorf("insert registered donor: %w", insertErr))
			}
			record.ID = id
		default:
			return donor.Donor{}, rollbackWith(err)
		}

		if err := convertProspectExec(ctx, tx, input.ProspectID, record.ID, now); err != nil {
			return donor.Donor{}, rollbackWith(err)
		}
	} else {
		existing, err := getDonorQuery(ctx, tx, "id = ?", link.DonorID)
		if err != nil {
			return donor.Donor{}, rollbackWith(fmt.Errorf("load link owner: %w", err))
		}
		if existing.HasPassword() {
			return donor.Donor{}, rollbackWith(storage.ErrConflictingOwner)
		}
		if email != "" && email != existing.Email {
			return donor.Donor{}, rollbackWith(storage.ErrConflictingOwner)
		}
		existing.PasswordHash = input.PasswordHash
		if existing.Name == "" {
			existing.Name = input.Name
		}
		existing.UpdatedAt = now
		if err := updateDonorExec(ctx, tx, existing); err != nil {
			return donor.Donor{}, rollbackWith(fmt.Errorf("claim donor account: %w", err))
		}
		record = existing
	}

	if err := spendShareLinkExec(ctx, tx, input.ShareLinkID, now); err != nil {
		return donor.Donor{}, rollbackWith(err)
	}

	registration := map[string]string{
		"share_link_id": strconv.FormatInt(input.ShareLinkID, 10),
	}
	if input.ProspectID > 0 {
		registration["prospect_id"] = strconv.FormatInt(input.ProspectID, 10)
	}
	payload, err := json.Marshal(registration)
	if err != nil {
		return donor.Donor{}, rollbackWith(fmt.Errorf("marshal registration payload: %w", err))
	}
	event := storage.Event{
		Type:        storage.EventTypeDonorRegistered,
		DonorID:     record.ID,
		PayloadJSON: payload,
		CreatedAt:   now,
	}
	if _, err := appendEventExec(ctx, tx, event); err != nil {
		return donor.Donor{}, rollbackWith(fmt.Errorf("append registration event: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return donor.Donor{}, fmt.Errorf("commit registration write: %w", err)
	}
	return record, nil
}
