package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/donorgate/donorgate/internal/storage"
)

const supportRequestColumns = `id, donor_id, subject, resolved, resolved_at, created_at, updated_at`

const supportMessageColumns = `id, request_id, author, body, created_at`

func scanSupportRequest(scan scanner) (storage.SupportRequest, error) {
	var (
		record     storage.SupportRequest
		resolved   int
		resolvedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	if err := scan(
		&record.ID,
		&record.DonorID,
		&record.Subject,
		&resolved,
		&resolvedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.SupportRequest{}, err
	}
	record.Resolved = resolved == 1
	record.ResolvedAt = timePtr(resolvedAt)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func scanSupportMessage(scan scanner) (storage.SupportMessage, error) {
	var (
		record    storage.SupportMessage
		author    string
		createdAt int64
	)
	if err := scan(
		&record.ID,
		&record.RequestID,
		&author,
		&record.Body,
		&createdAt,
	); err != nil {
		return storage.SupportMessage{}, err
	}
	record.Author = storage.SupportAuthor(author)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func insertSupportMessageExec(ctx context.Context, execer sqlExecer, record storage.SupportMessage) (int64, error) {
	result, err := execer.ExecContext(ctx, `
INSERT INTO support_messages (request_id, author, body, created_at)
VALUES (?, ?, ?, ?)
`,
		record.RequestID,
		string(record.Author),
		record.Body,
		toMillis(record.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("support message insert id: %w", err)
	}
	return id, nil
}

func normalizeSupportMessage(record storage.SupportMessage) (storage.SupportMessage, error) {
	record.Body = strings.TrimSpace(record.Body)
	if record.Body == "" {
		return storage.SupportMessage{}, fmt.Errorf("support message body is required")
	}
	if record.Author != storage.SupportAuthorDonor && record.Author != storage.SupportAuthorAdmin {
		return storage.SupportMessage{}, fmt.Errorf("support message author %q is unknown", record.Author)
	}
	if record.CreatedAt.IsZero() {
		return storage.SupportMessage{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

// CreateSupportRequest opens a support thread with its first message in one
// transaction.
func (s *Store) CreateSupportRequest(ctx context.Context, req storage.SupportRequest, first storage.SupportMessage) (storage.SupportRequest, error) {
	if err := ctx.Err(); err != nil {
		return storage.SupportRequest{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SupportRequest{}, fmt.Errorf("storage is not configured")
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if req.DonorID <= 0 {
		return storage.SupportRequest{}, fmt.Errorf("support donor id is required")
	}
	if req.Subject == "" {
		return storage.SupportRequest{}, fmt.Errorf("support subject is required")
	}
	if req.CreatedAt.IsZero() {
		return storage.SupportRequest{}, fmt.Errorf("created_at is required")
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	normalizedFirst, err := normalizeSupportMessage(first)
	if err != nil {
		return storage.SupportRequest{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.SupportRequest{}, fmt.Errorf("begin support request write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback support request write: %v", cause, rollbackErr)
		}
		return cause
	}

	result, err := tx.ExecContext(ctx, `
INSERT INTO support_requests (donor_id, subject, resolved, resolved_at, created_at, updated_at)
VALUES (?, ?, 0, NULL, ?, ?)
`, req.DonorID, req.Subject, toMillis(req.CreatedAt), toMillis(req.UpdatedAt))
	if err != nil {
		return storage.SupportRequest{}, rollbackWith(fmt.Errorf("insert support request: %w", err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return storage.SupportRequest{}, rollbackWith(fmt.Errorf("support request insert id: %w", err))
	}
	req.ID = id
	req.Resolved = false
	req.ResolvedAt = nil

	normalizedFirst.RequestID = id
	if _, err := insertSupportMessageExec(ctx, tx, normalizedFirst); err != nil {
		return storage.SupportRequest{}, rollbackWith(fmt.Errorf("insert first support message: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return storage.SupportRequest{}, fmt.Errorf("commit support request write: %w", err)
	}
	return req, nil
}

// GetSupportRequest loads one support thread head by id.
func (s *Store) GetSupportRequest(ctx context.Context, id int64) (storage.SupportRequest, error) {
	if err := ctx.Err(); err != nil {
		return storage.SupportRequest{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SupportRequest{}, fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return storage.SupportRequest{}, fmt.Errorf("support request id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+supportRequestColumns+`
FROM support_requests
WHERE id = ?
`, id)
	record, err := scanSupportRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SupportRequest{}, storage.ErrNotFound
		}
		return storage.SupportRequest{}, fmt.Errorf("get support request: %w", err)
	}
	return record, nil
}

// ListSupportRequestsByDonor lists a donor's threads, most recently active
// first.
func (s *Store) ListSupportRequestsByDonor(ctx context.Context, donorID int64) ([]storage.SupportRequest, error) {
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
SELECT `+supportRequestColumns+`
FROM support_requests
WHERE donor_id = ?
ORDER BY updated_at DESC, id DESC
`, donorID)
	if err != nil {
		return nil, fmt.Errorf("list support requests by donor: %w", err)
	}
	defer rows.Close()
	return collectSupportRequests(rows)
}

// ListSupportRequests lists all threads, most recently active first.
func (s *Store) ListSupportRequests(ctx context.Context) ([]storage.SupportRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+supportRequestColumns+`
FROM support_requests
ORDER BY resolved ASC, updated_at DESC, id DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list support requests: %w", err)
	}
	defer rows.Close()
	return collectSupportRequests(rows)
}

// AppendSupportMessage adds one message to a thread. A donor message on a
// resolved thread reopens it in the same transaction.
func (s *Store) AppendSupportMessage(ctx context.Context, record storage.SupportMessage) (storage.SupportMessage, error) {
	if err := ctx.Err(); err != nil {
		return storage.SupportMessage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SupportMessage{}, fmt.Errorf("storage is not configured")
	}
	if record.RequestID <= 0 {
		return storage.SupportMessage{}, fmt.Errorf("support request id is required")
	}
	normalized, err := normalizeSupportMessage(record)
	if err != nil {
		return storage.SupportMessage{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.SupportMessage{}, fmt.Errorf("begin support message write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback support message write: %v", cause, rollbackErr)
		}
		return cause
	}

	var found int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM support_requests WHERE id = ?`, normalized.RequestID).Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SupportMessage{}, rollbackWith(storage.ErrNotFound)
		}
		return storage.SupportMessage{}, rollbackWith(fmt.Errorf("check support request: %w", err))
	}

	id, err := insertSupportMessageExec(ctx, tx, normalized)
	if err != nil {
		return storage.SupportMessage{}, rollbackWith(fmt.Errorf("insert support message: %w", err))
	}
	normalized.ID = id

	if normalized.Author == storage.SupportAuthorDonor {
		if _, err := tx.ExecContext(ctx, `
UPDATE support_requests SET resolved = 0, resolved_at = NULL, updated_at = ? WHERE id = ?
`, toMillis(normalized.CreatedAt), normalized.RequestID); err != nil {
			return storage.SupportMessage{}, rollbackWith(fmt.Errorf("reopen support request: %w", err))
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
UPDATE support_requests SET updated_at = ? WHERE id = ?
`, toMillis(normalized.CreatedAt), normalized.RequestID); err != nil {
			return storage.SupportMessage{}, rollbackWith(fmt.Errorf("touch support request: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.SupportMessage{}, fmt.Errorf("commit support message write: %w", err)
	}
	return normalized, nil
}

// ResolveSupportRequest marks one thread resolved.
func (s *Store) ResolveSupportRequest(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("support request id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE support_requests SET resolved = 1, resolved_at = ?, updated_at = ? WHERE id = ?
`, toMillis(at), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("resolve support request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve support request rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListSupportMessages lists one thread's messages, oldest first.
func (s *Store) ListSupportMessages(ctx context.Context, requestID int64) ([]storage.SupportMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if requestID <= 0 {
		return nil, fmt.Errorf("support request id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+supportMessageColumns+`
FROM support_messages
WHERE request_id = ?
ORDER BY id ASC
`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list support messages: %w", err)
	}
	defer rows.Close()

	var results []storage.SupportMessage
	for rows.Next() {
		record, scanErr := scanSupportMessage(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan support message row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate support message rows: %w", err)
	}
	return results, nil
}

func collectSupportRequests(rows *sql.Rows) ([]storage.SupportRequest, error) {
	var results []storage.SupportRequest
	for rows.Next() {
		record, err := scanSupportRequest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan support request row: %w", err)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate support request rows: %w", err)
	}
	return results, nil
}
