package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/donorgate/donorgate/internal/sharelink"
	"github.com/donorgate/donorgate/internal/storage"
)

const shareLinkColumns = `id, donor_id, prospect_id, token, session_token, created_at, expires_at, used_at, last_used_at`

func scanShareLink(scan scanner) (sharelink.ShareLink, error) {
	var (
		record     sharelink.ShareLink
		donorID    sql.NullInt64
		prospectID sql.NullInt64
		createdAt  int64
		expiresAt  int64
		usedAt     sql.NullInt64
		lastUsedAt sql.NullInt64
	)
	if err := scan(
		&record.ID,
		&donorID,
		&prospectID,
		&record.Token,
		&record.SessionToken,
		&createdAt,
		&expiresAt,
		&usedAt,
		&lastUsedAt,
	); err != nil {
		return sharelink.ShareLink{}, err
	}
	if donorID.Valid {
		record.DonorID = donorID.Int64
	}
	if prospectID.Valid {
		record.ProspectID = prospectID.Int64
	}
	record.CreatedAt = fromMillis(createdAt)
	record.ExpiresAt = fromMillis(expiresAt)
	record.UsedAt = timePtr(usedAt)
	record.LastUsedAt = timePtr(lastUsedAt)
	return record, nil
}

// CreateOrUpdateShareLink persists a share link. When the owner already
// holds one, its tokens are replaced and its timers reset, keeping the one
// link per owner rule.
func (s *Store) CreateOrUpdateShareLink(ctx context.Context, link sharelink.ShareLink) (sharelink.ShareLink, error) {
	if err := ctx.Err(); err != nil {
		return sharelink.ShareLink{}, err
	}
	if s == nil || s.sqlDB == nil {
		return sharelink.ShareLink{}, fmt.Errorf("storage is not configured")
	}
	if (link.DonorID > 0) == (link.ProspectID > 0) {
		return sharelink.ShareLink{}, fmt.Errorf("share link needs exactly one owner: %w", storage.ErrConstraint)
	}
	link.Token = strings.TrimSpace(link.Token)
	link.SessionToken = strings.TrimSpace(link.SessionToken)
	if link.Token == "" || link.SessionToken == "" {
		return sharelink.ShareLink{}, fmt.Errorf("share link tokens are required")
	}
	if link.CreatedAt.IsZero() || link.ExpiresAt.IsZero() {
		return sharelink.ShareLink{}, fmt.Errorf("share link timestamps are required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return sharelink.ShareLink{}, fmt.Errorf("begin share link write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback share link write: %v", cause, rollbackErr)
		}
		return cause
	}

	ownerWhere := "donor_id = ?"
	ownerID := link.DonorID
	if link.ProspectID > 0 {
		ownerWhere = "prospect_id = ?"
		ownerID = link.ProspectID
	}

	var existingID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM share_links WHERE `+ownerWhere, ownerID).Scan(&existingID)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, `
UPDATE share_links
SET token = ?, session_token = ?, created_at = ?, expires_at = ?, used_at = NULL, last_used_at = NULL
WHERE id = ?
`, link.Token, link.SessionToken, toMillis(link.CreatedAt), toMillis(link.ExpiresAt), existingID)
		if err != nil {
			return sharelink.ShareLink{}, rollbackWith(fmt.Errorf("replace share link: %w", err))
		}
		link.ID = existingID
		link.UsedAt = nil
		link.LastUsedAt = nil
	case errors.Is(err, sql.ErrNoRows):
		var donorID, prospectID sql.NullInt64
		if link.DonorID > 0 {
			donorID = sql.NullInt64{Int64: link.DonorID, Valid: true}
		}
		if link.ProspectID > 0 {
			prospectID = sql.NullInt64{Int64: link.ProspectID, Valid: true}
		}
		result, execErr := tx.ExecContext(ctx, `
INSERT INTO share_links (donor_id, prospect_id, token, session_token, created_at, expires_at, used_at, last_used_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, donorID, prospectID, link.Token, link.SessionToken, toMillis(link.CreatedAt), toMillis(link.ExpiresAt), millisPtr(link.UsedAt), millisPtr(link.LastUsedAt))
		if execErr != nil {
			if isUniqueViolation(execErr) {
				return sharelink.ShareLink{}, rollbackWith(fmt.Errorf("insert share link: %w", storage.ErrConstraint))
			}
			return sharelink.ShareLink{}, rollbackWith(fmt.Errorf("insert share link: %w", execErr))
		}
		id, idErr := result.LastInsertId()
		if idErr != nil {
			return sharelink.ShareLink{}, rollbackWith(fmt.Errorf("share link insert id: %w", idErr))
		}
		link.ID = id
	default:
		return sharelink.ShareLink{}, rollbackWith(fmt.Errorf("find share link owner: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return sharelink.ShareLink{}, fmt.Errorf("commit share link write: %w", err)
	}
	return link, nil
}

// GetShareLinkByToken loads one share link by its public token.
func (s *Store) GetShareLinkByToken(ctx context.Context, token string) (sharelink.ShareLink, error) {
	if err := ctx.Err(); err != nil {
		return sharelink.ShareLink{}, err
	}
	if s == nil || s.sqlDB == nil {
		return sharelink.ShareLink{}, fmt.Errorf("storage is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return sharelink.ShareLink{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+shareLinkColumns+`
FROM share_links
WHERE token = ?
`, token)
	record, err := scanShareLink(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sharelink.ShareLink{}, storage.ErrNotFound
		}
		return sharelink.ShareLink{}, fmt.Errorf("get share link by token: %w", err)
	}
	return record, nil
}

// GetShareLinkByDonor loads the single link a donor owns.
func (s *Store) GetShareLinkByDonor(ctx context.Context, donorID int64) (sharelink.ShareLink, error) {
	return s.shareLinkByOwner(ctx, "donor_id", donorID)
}

// GetShareLinkByProspect loads the single link a prospect owns.
func (s *Store) GetShareLinkByProspect(ctx context.Context, prospectID int64) (sharelink.ShareLink, error) {
	return s.shareLinkByOwner(ctx, "prospect_id", prospectID)
}

func (s *Store) shareLinkByOwner(ctx context.Context, ownerColumn string, ownerID int64) (sharelink.ShareLink, error) {
	if err := ctx.Err(); err != nil {
		return sharelink.ShareLink{}, err
	}
	if s == nil || s.sqlDB == nil {
		return sharelink.ShareLink{}, fmt.Errorf("storage is not configured")
	}
	if ownerID <= 0 {
		return sharelink.ShareLink{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+shareLinkColumns+`
FROM share_links
WHERE `+ownerColumn+` = ?
`, ownerID)
	record, err := scanShareLink(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sharelink.ShareLink{}, storage.ErrNotFound
		}
		return sharelink.ShareLink{}, fmt.Errorf("get share link by %s: %w", ownerColumn, err)
	}
	return record, nil
}

// TouchShareLink records a funnel visit time.
func (s *Store) TouchShareLink(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("share link id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE share_links SET last_used_at = ? WHERE id = ?
`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("touch share link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch share link rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func spendShareLinkExec(ctx context.Context, execer sqlExecer, id int64, at time.Time) error {
	result, err := execer.ExecContext(ctx, `
UPDATE share_links SET used_at = ?, last_used_at = ? WHERE id = ? AND used_at IS NULL
`, toMillis(at), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("spend share link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("spend share link rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("spend share link %d: %w", id, storage.ErrConstraint)
	}
	return nil
}
