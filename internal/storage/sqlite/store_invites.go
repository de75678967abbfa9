package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/donorgate/donorgate/internal/invite"
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/storage"
)

const inviteColumns = `id, donor_id, media_invite_id, media_invite_url, status, libraries, recipient_email, note, email_sent_at, revoked_at, media_revoked_at, media_account_id, media_email, created_at`

func scanInvite(scan scanner) (invite.Invite, error) {
	var (
		record         invite.Invite
		statusLabel    string
		librariesJSON  string
		emailSentAt    sql.NullInt64
		revokedAt      sql.NullInt64
		mediaRevokedAt sql.NullInt64
		createdAt      int64
	)
	if err := scan(
		&record.ID,
		&record.DonorID,
		&record.MediaInviteID,
		&record.MediaInviteURL,
		&statusLabel,
		&librariesJSON,
		&record.RecipientEmail,
		&record.Note,
		&emailSentAt,
		&revokedAt,
		&mediaRevokedAt,
		&record.MediaAccountID,
		&record.MediaEmail,
		&createdAt,
	); err != nil {
		return invite.Invite{}, err
	}
	record.Status = invite.StatusFromLabel(statusLabel)
	if librariesJSON != "" {
		if err := json.Unmarshal([]byte(librariesJSON), &record.Libraries); err != nil {
			return invite.Invite{}, fmt.Errorf("unmarshal invite libraries: %w", err)
		}
	}
	record.EmailSentAt = timePtr(emailSentAt)
	record.RevokedAt = timePtr(revokedAt)
	record.MediaRevokedAt = timePtr(mediaRevokedAt)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func marshalLibraries(libraries []string) (string, error) {
	if len(libraries) == 0 {
		return "[]", nil
	}
	payload, err := json.Marshal(libraries)
	if err != nil {
		return "", fmt.Errorf("marshal invite libraries: %w", err)
	}
	return string(payload), nil
}

func insertInviteExec(ctx context.Context, execer sqlExecer, record invite.Invite) (int64, error) {
	libraries, err := marshalLibraries(record.Libraries)
	if err != nil {
		return 0, err
	}
	result, err := execer.ExecContext(ctx, `
INSERT INTO invites (
	donor_id, media_invite_id, media_invite_url, status, libraries,
	recipient_email, note, email_sent_at, revoked_at, media_revoked_at,
	media_account_id, media_email, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.DonorID,
		record.MediaInviteID,
		record.MediaInviteURL,
		invite.StatusLabel(record.Status),
		libraries,
		record.RecipientEmail,
		record.Note,
		millisPtr(record.EmailSentAt),
		millisPtr(record.RevokedAt),
		millisPtr(record.MediaRevokedAt),
		record.MediaAccountID,
		record.MediaEmail,
		toMillis(record.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("invite insert id: %w", err)
	}
	return id, nil
}

// CreateInvite persists one invite row and assigns its id. A second
// non-revoked invite for the same donor fails the one-active constraint.
func (s *Store) CreateInvite(ctx context.Context, record invite.Invite) (invite.Invite, error) {
	if err := ctx.Err(); err != nil {
		return invite.Invite{}, err
	}
	if s == nil || s.sqlDB == nil {
		return invite.Invite{}, fmt.Errorf("storage is not configured")
	}
	if record.DonorID <= 0 {
		return invite.Invite{}, fmt.Errorf("invite donor id is required")
	}
	if record.CreatedAt.IsZero() {
		return invite.Invite{}, fmt.Errorf("created_at is required")
	}

	id, err := insertInviteExec(ctx, s.sqlDB, record)
	if err != nil {
		if isUniqueViolation(err) {
			return invite.Invite{}, apperrors.New(apperrors.CodeInviteActiveExists, "donor already has an active invite")
		}
		return invite.Invite{}, fmt.Errorf("create invite: %w", err)
	}
	record.ID = id
	return record, nil
}

// GetInvite loads one invite row by id.
func (s *Store) GetInvite(ctx context.Context, id int64) (invite.Invite, error) {
	if err := ctx.Err(); err != nil {
		return invite.Invite{}, err
	}
	if s == nil || s.sqlDB == nil {
		return invite.Invite{}, fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return invite.Invite{}, fmt.Errorf("invite id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+inviteColumns+`
FROM invites
WHERE id = ?
`, id)
	record, err := scanInvite(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invite.Invite{}, storage.ErrNotFound
		}
		return invite.Invite{}, fmt.Errorf("get invite: %w", err)
	}
	return record, nil
}

// UpdateInviteMedia records the identifiers the media server returned for a
// created invite.
func (s *Store) UpdateInviteMedia(ctx context.Context, id int64, mediaInviteID, mediaInviteURL string, status invite.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("invite id is required")
	}
	mediaInviteID = strings.TrimSpace(mediaInviteID)
	mediaInviteURL = strings.TrimSpace(mediaInviteURL)

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE invites SET media_invite_id = ?, media_invite_url = ?, status = ? WHERE id = ?
`, mediaInviteID, mediaInviteURL, invite.StatusLabel(status), id)
	if err != nil {
		return fmt.Errorf("update invite media: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update invite media rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkInviteFailed flags an invite whose media-server creation failed,
// freeing the one-active slot for a retry.
func (s *Store) MarkInviteFailed(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("invite id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE invites SET status = ? WHERE id = ?
`, invite.StatusLabel(invite.StatusFailed), id)
	if err != nil {
		return fmt.Errorf("mark invite failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark invite failed rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkInviteEmailSent records when the invite email went out.
func (s *Store) MarkInviteEmailSent(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("invite id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE invites SET email_sent_at = ? WHERE id = ?
`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark invite email sent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark invite email sent rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkInviteRevoked records gateway-side revocation, keeping the first
// revocation time on replays.
func (s *Store) MarkInviteRevoked(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("invite id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE invites SET revoked_at = ?, status = ? WHERE id = ? AND revoked_at IS NULL
`, toMillis(at), invite.StatusLabel(invite.StatusRevoked), id)
	if err != nil {
		return fmt.Errorf("mark invite revoked: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark invite revoked rows affected: %w", err)
	}
	if affected == 0 {
		return s.inviteExists(ctx, id)
	}
	return nil
}

// MarkMediaRevoked records that the media server confirmed removal, keeping
// the first confirmation time on replays.
func (s *Store) MarkMediaRevoked(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("invite id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE invites SET media_revoked_at = ? WHERE id = ? AND media_revoked_at IS NULL
`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark media revoked: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark media revoked rows affected: %w", err)
	}
	if affected == 0 {
		return s.inviteExists(ctx, id)
	}
	return nil
}

// ActiveInviteByDonor loads the donor's single non-revoked, non-failed
// invite.
func (s *Store) ActiveInviteByDonor(ctx context.Context, donorID int64) (invite.Invite, error) {
	if err := ctx.Err(); err != nil {
		return invite.Invite{}, err
	}
	if s == nil || s.sqlDB == nil {
		return invite.Invite{}, fmt.Errorf("storage is not configured")
	}
	if donorID <= 0 {
		return invite.Invite{}, fmt.Errorf("donor id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+inviteColumns+`
FROM invites
WHERE donor_id = ? AND revoked_at IS NULL AND status <> ?
ORDER BY id DESC
LIMIT 1
`, donorID, invite.StatusLabel(invite.StatusFailed))
	record, err := scanInvite(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invite.Invite{}, storage.ErrNotFound
		}
		return invite.Invite{}, fmt.Errorf("active invite by donor: %w", err)
	}
	return record, nil
}

// LatestInviteByDonor loads the donor's newest invite, active or revoked.
// Failed provisioning attempts granted nothing and never anchor the
// cooldown, so they are skipped.
func (s *Store) LatestInviteByDonor(ctx context.Context, donorID int64) (invite.Invite, error) {
	if err := ctx.Err(); err != nil {
		return invite.Invite{}, err
	}
	if s == nil || s.sqlDB == nil {
		return invite.Invite{}, fmt.Errorf("storage is not configured")
	}
	if donorID <= 0 {
		return invite.Invite{}, fmt.Errorf("donor id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+inviteColumns+`
FROM invites
WHERE donor_id = ? AND status <> ?
ORDER BY created_at DESC, id DESC
LIMIT 1
`, donorID, invite.StatusLabel(invite.StatusFailed))
	record, err := scanInvite(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invite.Invite{}, storage.ErrNotFound
		}
		return invite.Invite{}, fmt.Errorf("latest invite by donor: %w", err)
	}
	return record, nil
}

// ListInvitesByDonor lists a donor's invites, newest first.
func (s *Store) ListInvitesByDonor(ctx context.Context, donorID int64) ([]invite.Invite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if donorID <= 0 {
		return nil, fmt.Errorf("donor id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+inviteColumns+`
FROM invites
WHERE donor_id = ?
ORDER BY created_at DESC, id DESC
`, donorID)
	if err != nil {
		return nil, fmt.Errorf("list invites by donor: %w", err)
	}
	defer rows.Close()

	var results []invite.Invite
	for rows.Next() {
		record, scanErr := scanInvite(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan invite row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invite rows: %w", err)
	}
	return results, nil
}

func (s *Store) inviteExists(ctx context.Context, id int64) error {
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM invites WHERE id = ?`, id).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check invite exists: %w", err)
	}
	return nil
}
