package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/storage"
)

const tokenColumns = `kind, token, donor_id, expires_at, used_at, created_at`

func scanToken(scan scanner) (storage.Token, error) {
	var (
		record    storage.Token
		kind      string
		expiresAt int64
		usedAt    sql.NullInt64
		createdAt int64
	)
	if err := scan(
		&kind,
		&record.Token,
		&record.DonorID,
		&expiresAt,
		&usedAt,
		&createdAt,
	); err != nil {
		return storage.Token{}, err
	}
	record.Kind = storage.TokenKind(kind)
	record.ExpiresAt = fromMillis(expiresAt)
	record.UsedAt = timePtr(usedAt)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

// CreateToken persists one single-use token.
func (s *Store) CreateToken(ctx context.Context, record storage.Token) (storage.Token, error) {
	if err := ctx.Err(); err != nil {
		return storage.Token{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Token{}, fmt.Errorf("storage is not configured")
	}
	record.Token = strings.TrimSpace(record.Token)
	if record.Token == "" {
		return storage.Token{}, fmt.Errorf("token value is required")
	}
	if record.Kind != storage.TokenKindVerification && record.Kind != storage.TokenKindPasswordReset {
		return storage.Token{}, fmt.Errorf("token kind %q is unknown", record.Kind)
	}
	if record.DonorID <= 0 {
		return storage.Token{}, fmt.Errorf("token donor id is required")
	}
	if record.ExpiresAt.IsZero() {
		return storage.Token{}, fmt.Errorf("expires_at is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.Token{}, fmt.Errorf("created_at is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO tokens (kind, token, donor_id, expires_at, used_at, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		string(record.Kind),
		record.Token,
		record.DonorID,
		toMillis(record.ExpiresAt),
		millisPtr(record.UsedAt),
		toMillis(record.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Token{}, fmt.Errorf("create token: %w", storage.ErrConstraint)
		}
		return storage.Token{}, fmt.Errorf("create token: %w", err)
	}
	return record, nil
}

// ConsumeToken looks up an unused, unexpired token and marks it used in the
// same transaction. A replay fails with a token-used error.
func (s *Store) ConsumeToken(ctx context.Context, kind storage.TokenKind, value string, now time.Time) (storage.Token, error) {
	if err := ctx.Err(); err != nil {
		return storage.Token{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Token{}, fmt.Errorf("storage is not configured")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return storage.Token{}, storage.ErrNotFound
	}
	if now.IsZero() {
		return storage.Token{}, fmt.Errorf("now is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Token{}, fmt.Errorf("begin token consume: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback token consume: %v", cause, rollbackErr)
		}
		return cause
	}

	row := tx.QueryRowContext(ctx, `
SELECT `+tokenColumns+`
FROM tokens
WHERE kind = ? AND token = ?
`, string(kind), value)
	record, err := scanToken(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Token{}, rollbackWith(storage.ErrNotFound)
		}
		return storage.Token{}, rollbackWith(fmt.Errorf("load token: %w", err))
	}
	if record.UsedAt != nil {
		return storage.Token{}, rollbackWith(apperrors.New(apperrors.CodeAuthTokenUsed, "token was already used"))
	}
	if !now.Before(record.ExpiresAt) {
		return storage.Token{}, rollbackWith(apperrors.New(apperrors.CodeAuthTokenExpired, "token has expired"))
	}

	result, err := tx.ExecContext(ctx, `
UPDATE tokens SET used_at = ? WHERE kind = ? AND token = ? AND used_at IS NULL
`, toMillis(now), string(kind), value)
	if err != nil {
		return storage.Token{}, rollbackWith(fmt.Errorf("mark token used: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Token{}, rollbackWith(fmt.Errorf("mark token used rows affected: %w", err))
	}
	if affected == 0 {
		return storage.Token{}, rollbackWith(apperrors.New(apperrors.CodeAuthTokenUsed, "token was already used"))
	}

	if err := tx.Commit(); err != nil {
		return storage.Token{}, fmt.Errorf("commit token consume: %w", err)
	}

	usedAt := now.UTC()
	record.UsedAt = &usedAt
	return record, nil
}

// DeleteExpiredTokens removes tokens whose expiry has passed.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if now.IsZero() {
		return fmt.Errorf("now is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM tokens WHERE expires_at <= ?
`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired tokens: %w", err)
	}
	return nil
}
