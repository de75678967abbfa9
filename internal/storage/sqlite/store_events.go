package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/donorgate/donorgate/internal/storage"
	"github.com/donorgate/donorgate/internal/storage/cursor"
)

const eventColumns = `id, type, external_id, donor_id, payload_json, created_at`

// maxEventPageSize caps one audit log page.
const maxEventPageSize = 200

const defaultEventPageSize = 50

func scanEvent(scan scanner) (storage.Event, error) {
	var (
		record      storage.Event
		donorID     sql.NullInt64
		payloadJSON string
		createdAt   int64
	)
	if err := scan(
		&record.ID,
		&record.Type,
		&record.ExternalID,
		&donorID,
		&payloadJSON,
		&createdAt,
	); err != nil {
		return storage.Event{}, err
	}
	if donorID.Valid {
		record.DonorID = donorID.Int64
	}
	record.PayloadJSON = []byte(payloadJSON)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func normalizeEventRecord(record storage.Event) (storage.Event, error) {
	record.Type = strings.TrimSpace(record.Type)
	record.ExternalID = strings.TrimSpace(record.ExternalID)
	if record.Type == "" {
		return storage.Event{}, fmt.Errorf("event type is required")
	}
	if len(record.PayloadJSON) == 0 {
		record.PayloadJSON = []byte("{}")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func appendEventExec(ctx context.Context, execer sqlExecer, record storage.Event) (int64, error) {
	var donorID sql.NullInt64
	if record.DonorID > 0 {
		donorID = sql.NullInt64{Int64: record.DonorID, Valid: true}
	}
	result, err := execer.ExecContext(ctx, `
INSERT INTO events (type, external_id, donor_id, payload_json, created_at)
VALUES (?, ?, ?, ?, ?)
`,
		record.Type,
		record.ExternalID,
		donorID,
		string(record.PayloadJSON),
		toMillis(record.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event insert id: %w", err)
	}
	return id, nil
}

// AppendEvent persists one audit row. A duplicate external id fails the
// dedupe constraint.
func (s *Store) AppendEvent(ctx context.Context, record storage.Event) (storage.Event, error) {
	if err := ctx.Err(); err != nil {
		return storage.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Event{}, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeEventRecord(record)
	if err != nil {
		return storage.Event{}, err
	}

	id, err := appendEventExec(ctx, s.sqlDB, normalized)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Event{}, fmt.Errorf("append event %s: %w", normalized.ExternalID, storage.ErrConstraint)
		}
		return storage.Event{}, fmt.Errorf("append event: %w", err)
	}
	normalized.ID = id
	return normalized, nil
}

// HasEventWithExternalID reports whether a processor event id was already
// recorded.
func (s *Store) HasEventWithExternalID(ctx context.Context, externalID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return false, nil
	}

	var found int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM events WHERE external_id = ?
`, externalID).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check event external id: %w", err)
	}
	return true, nil
}

// ListEvents lists the audit log newest first with cursor pagination.
func (s *Store) ListEvents(ctx context.Context, pageSize int, pageToken string) (storage.EventPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.EventPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EventPage{}, fmt.Errorf("storage is not configured")
	}
	if pageSize <= 0 {
		pageSize = defaultEventPageSize
	}
	if pageSize > maxEventPageSize {
		pageSize = maxEventPageSize
	}

	var beforeID int64
	pageToken = strings.TrimSpace(pageToken)
	if pageToken != "" {
		decoded, err := cursor.Decode(pageToken)
		if err != nil {
			return storage.EventPage{}, fmt.Errorf("decode page token: %w", err)
		}
		beforeID = decoded.Seq
	}

	limit := pageSize + 1
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM events
WHERE (? = 0 OR id < ?)
ORDER BY id DESC
LIMIT ?
`, beforeID, beforeID, limit)
	if err != nil {
		return storage.EventPage{}, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var results []storage.Event
	for rows.Next() {
		record, scanErr := scanEvent(rows.Scan)
		if scanErr != nil {
			return storage.EventPage{}, fmt.Errorf("scan event row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return storage.EventPage{}, fmt.Errorf("iterate event rows: %w", err)
	}

	page := storage.EventPage{Events: results}
	if len(results) > pageSize {
		page.Events = results[:pageSize]
		token, err := cursor.Encode(cursor.NewNextPageCursor(page.Events[pageSize-1].ID))
		if err != nil {
			return storage.EventPage{}, fmt.Errorf("encode page token: %w", err)
		}
		page.NextPageToken = token
	}
	return page, nil
}

// ListEventsByDonor lists a donor's newest audit rows.
func (s *Store) ListEventsByDonor(ctx context.Context, donorID int64, limit int) ([]storage.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if donorID <= 0 {
		return nil, fmt.Errorf("donor id is required")
	}
	if limit <= 0 {
		limit = defaultEventPageSize
	}
	if limit > maxEventPageSize {
		limit = maxEventPageSize
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM events
WHERE donor_id = ?
ORDER BY id DESC
LIMIT ?
`, donorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events by donor: %w", err)
	}
	defer rows.Close()

	var results []storage.Event
	for rows.Next() {
		record, scanErr := scanEvent(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan event row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return results, nil
}
