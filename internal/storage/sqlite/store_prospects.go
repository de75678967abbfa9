package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/storage"
)

const prospectColumns = `id, email, name, donor_id, converted_at, created_at, updated_at`

func scanProspect(scan scanner) (donor.Prospect, error) {
	var (
		record      donor.Prospect
		donorID     sql.NullInt64
		convertedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	if err := scan(
		&record.ID,
		&record.Email,
		&record.Name,
		&donorID,
		&convertedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return donor.Prospect{}, err
	}
	if donorID.Valid {
		record.DonorID = donorID.Int64
	}
	record.ConvertedAt = timePtr(convertedAt)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// CreateProspect persists one prospect row and assigns its id.
func (s *Store) CreateProspect(ctx context.Context, record donor.Prospect) (donor.Prospect, error) {
	if err := ctx.Err(); err != nil {
		return donor.Prospect{}, err
	}
	if s == nil || s.sqlDB == nil {
		return donor.Prospect{}, fmt.Errorf("storage is not configured")
	}
	if record.CreatedAt.IsZero() {
		return donor.Prospect{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return donor.Prospect{}, fmt.Errorf("updated_at is required")
	}

	var donorID sql.NullInt64
	if record.DonorID > 0 {
		donorID = sql.NullInt64{Int64: record.DonorID, Valid: true}
	}
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO prospects (email, name, donor_id, converted_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		record.Email,
		record.Name,
		donorID,
		millisPtr(record.ConvertedAt),
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return donor.Prospect{}, fmt.Errorf("create prospect: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return donor.Prospect{}, fmt.Errorf("prospect insert id: %w", err)
	}
	record.ID = id
	return record, nil
}

// GetProspectByEmail loads the newest prospect with the email that has not
// converted yet.
func (s *Store) GetProspectByEmail(ctx context.Context, email string) (donor.Prospect, error) {
	if err := ctx.Err(); err != nil {
		return donor.Prospect{}, err
	}
	if s == nil || s.sqlDB == nil {
		return donor.Prospect{}, fmt.Errorf("storage is not configured")
	}
	email = donor.NormalizeEmail(email)
	if email == "" {
		return donor.Prospect{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+prospectColumns+`
FROM prospects
WHERE email = ? AND converted_at IS NULL
ORDER BY id DESC
LIMIT 1
`, email)
	record, err := scanProspect(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return donor.Prospect{}, storage.ErrNotFound
		}
		return donor.Prospect{}, fmt.Errorf("get prospect by email: %w", err)
	}
	return record, nil
}

// GetProspect loads one prospect row by id.
func (s *Store) GetProspect(ctx context.Context, id int64) (donor.Prospect, error) {
	if err := ctx.Err(); err != nil {
		return donor.Prospect{}, err
	}
	if s == nil || s.sqlDB == nil {
		return donor.Prospect{}, fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return donor.Prospect{}, fmt.Errorf("prospect id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+prospectColumns+`
FROM prospects
WHERE id = ?
`, id)
	record, err := scanProspect(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return donor.Prospect{}, storage.ErrNotFound
		}
		return donor.Prospect{}, fmt.Errorf("get prospect: %w", err)
	}
	return record, nil
}

func convertProspectExec(ctx context.Context, execer sqlExecer, prospectID, donorID int64, at time.Time) error {
	result, err := execer.ExecContext(ctx, `
UPDATE prospects SET donor_id = ?, converted_at = ?, updated_at = ? WHERE id = ? AND converted_at IS NULL
`, donorID, toMillis(at), toMillis(at), prospectID)
	if err != nil {
		return fmt.Errorf("convert prospect: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("convert prospect rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("convert prospect %d: %w", prospectID, storage.ErrConstraint)
	}
	return nil
}
