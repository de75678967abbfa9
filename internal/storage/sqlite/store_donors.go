package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/storage"
)

const donorColumns = `id, email, name, subscription_id, status, last_payment_at, access_expires_at, password_hash, media_account_id, media_email, email_verified_at, trial_reminder_sent_at, subscription_refreshed_at, created_at, updated_at`

func scanDonor(scan scanner) (donor.Donor, error) {
	var (
		record                  donor.Donor
		statusLabel             string
		lastPaymentAt           sql.NullInt64
		accessExpiresAt         sql.NullInt64
		emailVerifiedAt         sql.NullInt64
		trialReminderSentAt     sql.NullInt64
		subscriptionRefreshedAt sql.NullInt64
		createdAt               int64
		updatedAt               int64
	)
	if err := scan(
		&record.ID,
		&record.Email,
		&record.Name,
		&record.SubscriptionID,
		&statusLabel,
		&lastPaymentAt,
		&accessExpiresAt,
		&record.PasswordHash,
		&record.MediaAccountID,
		&record.MediaEmail,
		&emailVerifiedAt,
		&trialReminderSentAt,
		&subscriptionRefreshedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return donor.Donor{}, err
	}
	record.Status = donor.StatusFromLabel(statusLabel)
	record.LastPaymentAt = timePtr(lastPaymentAt)
	record.AccessExpiresAt = timePtr(accessExpiresAt)
	record.EmailVerifiedAt = timePtr(emailVerifiedAt)
	record.TrialReminderSentAt = timePtr(trialReminderSentAt)
	record.SubscriptionRefreshedAt = timePtr(subscriptionRefreshedAt)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func normalizeDonorRecord(record donor.Donor) (donor.Donor, error) {
	record.Email = donor.NormalizeEmail(record.Email)
	record.Name = strings.TrimSpace(record.Name)
	record.SubscriptionID = strings.TrimSpace(record.SubscriptionID)
	if record.Email == "" {
		return donor.Donor{}, fmt.Errorf("donor email is required")
	}
	if record.CreatedAt.IsZero() {
		return donor.Donor{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return donor.Donor{}, fmt.Errorf("updated_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func insertDonorExec(ctx context.Context, execer sqlExecer, record donor.Donor) (int64, error) {
	result, err := execer.ExecContext(ctx, `
INSERT INTO donors (
	email, name, subscription_id, status, last_payment_at, access_expires_at,
	password_hash, media_account_id, media_email, email_verified_at,
	trial_reminder_sent_at, subscription_refreshed_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.Email,
		record.Name,
		record.SubscriptionID,
		donor.StatusLabel(record.Status),
		millisPtr(record.LastPaymentAt),
		millisPtr(record.AccessExpiresAt),
		record.PasswordHash,
		record.MediaAccountID,
		record.MediaEmail,
		millisPtr(record.EmailVerifiedAt),
		millisPtr(record.TrialReminderSentAt),
		millisPtr(record.SubscriptionRefreshedAt),
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("donor insert id: %w", err)
	}
	return id, nil
}

func updateDonorExec(ctx context.Context, execer sqlExecer, record donor.Donor) error {
	result, err := execer.ExecContext(ctx, `
UPDATE donors
SET email = ?, name = ?, subscription_id = ?, status = ?, last_payment_at = ?,
	access_expires_at = ?, password_hash = ?, media_account_id = ?, media_email = ?,
	email_verified_at = ?, trial_reminder_sent_at = ?, subscription_refreshed_at = ?,
	updated_at = ?
WHERE id = ?
`,
		record.Email,
		record.Name,
		record.SubscriptionID,
		donor.StatusLabel(record.Status),
		millisPtr(record.LastPaymentAt),
		millisPtr(record.AccessExpiresAt),
		record.PasswordHash,
		record.MediaAccountID,
		record.MediaEmail,
		millisPtr(record.EmailVerifiedAt),
		millisPtr(record.TrialReminderSentAt),
		millisPtr(record.SubscriptionRefreshedAt),
		toMillis(record.UpdatedAt),
		record.ID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("donor update rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func getDonorQuery(ctx context.Context, querier sqlQuerier, where string, args ...any) (donor.Donor, error) {
	row := querier.QueryRowContext(ctx, `
SELECT `+donorColumns+`
FROM donors
WHERE `+where, args...)
	record, err := scanDonor(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return donor.Donor{}, storage.ErrNotFound
		}
		return donor.Donor{}, err
	}
	return record, nil
}

// CreateDonor persists one donor row and assigns its id.
func (s *Store) CreateDonor(ctx context.Context, record donor.Donor) (donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return donor.Donor{}, err
	}
	if s == nil || s.sqlDB == nil {
		return donor.Donor{}, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeDonorRecord(record)
	if err != nil {
		return donor.Donor{}, err
	}

	id, err := insertDonorExec(ctx, s.sqlDB, normalized)
	if err != nil {
		if isUniqueViolation(err) {
			return donor.Donor{}, fmt.Errorf("create donor %s: %w", normalized.Email, storage.ErrConstraint)
		}
		return donor.Donor{}, fmt.Errorf("create donor: %w", err)
	}
	normalized.ID = id
	return normalized, nil
}

// GetDonor loads one donor row by id.
func (s *Store) GetDonor(ctx context.Context, id int64) (donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return donor.Donor{}, err
	}
	if s == nil || s.sqlDB == nil {
		return donor.Donor{}, fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return donor.Donor{}, fmt.Errorf("donor id is required")
	}
	return getDonorQuery(ctx, s.sqlDB, "id = ?", id)
}

// GetDonorByEmail loads one donor row by normalized email.
func (s *Store) GetDonorByEmail(ctx context.Context, email string) (donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return donor.Donor{}, err
	}
	if s == nil || s.sqlDB == nil {
		return donor.Donor{}, fmt.Errorf("storage is not configured")
	}
	email = donor.NormalizeEmail(email)
	if email == "" {
		return donor.Donor{}, fmt.Errorf("donor email is required")
	}
	return getDonorQuery(ctx, s.sqlDB, "email = ?", email)
}

// GetDonorBySubscription loads one donor row by external subscription id.
func (s *Store) GetDonorBySubscription(ctx context.Context, subscriptionID string) (donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return donor.Donor{}, err
	}
	if s == nil || s.sqlDB == nil {
		return donor.Donor{}, fmt.Errorf("storage is not configured")
	}
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return donor.Donor{}, fmt.Errorf("subscription id is required")
	}
	return getDonorQuery(ctx, s.sqlDB, "subscription_id = ?", subscriptionID)
}

// UpsertDonorBySubscription inserts or updates one donor keyed by external
// subscription id. A donor already registered under the same email adopts
// the subscription instead of producing a duplicate row. Status and payment
// fields apply only on insert; lifecycle decisions own them afterward.
func (s *Store) UpsertDonorBySubscription(ctx context.Context, subscriptionID string, input storage.UpsertDonorInput) (donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return donor.Donor{}, err
	}
	if s == nil || s.sqlDB == nil {
		return donor.Donor{}, fmt.Errorf("storage is not configured")
	}
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return donor.Donor{}, fmt.Errorf("subscription id is required")
	}
	email := donor.NormalizeEmail(input.Email)
	name := strings.TrimSpace(input.Name)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return donor.Donor{}, fmt.Errorf("begin donor upsert: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback donor upsert: %v", cause, rollbackErr)
		}
		return cause
	}

	now := time.Now().UTC()

	record, err := getDonorQuery(ctx, tx, "subscription_id = ?", subscriptionID)
	if err == nil {
		if email != "" {
			record.Email = email
		}
		if name != "" {
			record.Name = name
		}
		record.UpdatedAt = now
		if err := updateDonorExec(ctx, tx, record); err != nil {
			return donor.Donor{}, rollbackWith(fmt.Errorf("refresh donor by subscription: %w", err))
		}
		if err := tx.Commit(); err != nil {
			return donor.Donor{}, fmt.Errorf("commit donor upsert: %w", err)
		}
		return record, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return donor.Donor{}, rollbackWith(err)
	}

	if email != "" {
		record, err = getDonorQuery(ctx, tx, "email = ?", email)
		if err == nil {
			record.SubscriptionID = subscriptionID
			if name != "" {
				record.Name = name
			}
			record.UpdatedAt = now
			if err := updateDonorExec(ctx, tx, record); err != nil {
				return donor.Donor{}, rollbackWith(fmt.Errorf("adopt subscription for donor: %w", err))
			}
			if err := tx.Commit(); err != nil {
				return donor.Donor{}, fmt.Errorf("commit donor upsert: %w", err)
			}
			return record, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return donor.Donor{}, rollbackWith(err)
		}
	}

	if email == "" {
		return donor.Donor{}, rollbackWith(fmt.Errorf("donor email is required for a new subscription"))
	}

	status := input.Status
	if status == donor.StatusUnspecified {
		status = donor.StatusProspect
	}
	record = donor.Donor{
		Email:          email,
		Name:           name,
		SubscriptionID: subscriptionID,
		Status:         status,
		LastPaymentAt:  input.LastPaymentAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	id, err := insertDonorExec(ctx, tx, record)
	if err != nil {
		return donor.Donor{}, rollbackWith(fmt.Errorf("insert donor for subscription: %w", err))
	}
	record.ID = id

	if err := tx.Commit(); err != nil {
		return donor.Donor{}, fmt.Errorf("commit donor upsert: %w", err)
	}
	return record, nil
}

// UpdateDonor replaces the mutable fields of one donor row.
func (s *Store) UpdateDonor(ctx context.Context, record donor.Donor) (donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return donor.Donor{}, err
	}
	if s == nil || s.sqlDB == nil {
		return donor.Donor{}, fmt.Errorf("storage is not configured")
	}
	if record.ID <= 0 {
		return donor.Donor{}, fmt.Errorf("donor id is required")
	}
	normalized, err := normalizeDonorRecord(record)
	if err != nil {
		return donor.Donor{}, err
	}

	if err := updateDonorExec(ctx, s.sqlDB, normalized); err != nil {
		if isUniqueViolation(err) {
			return donor.Donor{}, fmt.Errorf("update donor %d: %w", normalized.ID, storage.ErrConstraint)
		}
		return donor.Donor{}, fmt.Errorf("update donor: %w", err)
	}
	return normalized, nil
}

// SetDonorPassword stores a new password hash for one donor.
func (s *Store) SetDonorPassword(ctx context.Context, id int64, passwordHash string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("donor id is required")
	}
	if strings.TrimSpace(passwordHash) == "" {
		return fmt.Errorf("password hash is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE donors SET password_hash = ?, updated_at = ? WHERE id = ?
`, passwordHash, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("set donor password: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set donor password rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkDonorEmailVerified records email verification, keeping the first
// verification time on replays.
func (s *Store) MarkDonorEmailVerified(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("donor id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE donors SET email_verified_at = ?, updated_at = ? WHERE id = ? AND email_verified_at IS NULL
`, toMillis(at), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark donor email verified: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark donor email verified rows affected: %w", err)
	}
	if affected == 0 {
		return s.donorExists(ctx, id)
	}
	return nil
}

// LinkDonorMedia stores the donor's linked media-server identity.
func (s *Store) LinkDonorMedia(ctx context.Context, id int64, accountID, email string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("donor id is required")
	}
	accountID = strings.TrimSpace(accountID)
	email = donor.NormalizeEmail(email)
	if accountID == "" {
		return fmt.Errorf("media account id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE donors SET media_account_id = ?, media_email = ?, updated_at = ? WHERE id = ?
`, accountID, email, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("link donor media: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("link donor media rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UnlinkDonorMedia clears the donor's linked media-server identity.
func (s *Store) UnlinkDonorMedia(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("donor id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE donors SET media_account_id = '', media_email = '', updated_at = ? WHERE id = ?
`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("unlink donor media: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unlink donor media rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClearAccessExpiration nulls the scheduled revocation time.
func (s *Store) ClearAccessExpiration(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("donor id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE donors SET access_expires_at = NULL, updated_at = ? WHERE id = ?
`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("clear access expiration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("clear access expiration rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkTrialReminderSent records that the expiry reminder went out. It does
// not bump updated_at; sending mail is not a lifecycle change.
func (s *Store) MarkTrialReminderSent(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("donor id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE donors SET trial_reminder_sent_at = ? WHERE id = ? AND trial_reminder_sent_at IS NULL
`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark trial reminder sent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark trial reminder sent rows affected: %w", err)
	}
	if affected == 0 {
		return s.donorExists(ctx, id)
	}
	return nil
}

// MarkSubscriptionRefreshed records the last successful processor
// reconciliation. It does not bump updated_at.
func (s *Store) MarkSubscriptionRefreshed(ctx context.Context, id int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("donor id is required")
	}
	if at.IsZero() {
		return fmt.Errorf("at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE donors SET subscription_refreshed_at = ? WHERE id = ?
`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark subscription refreshed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark subscription refreshed rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListDonors lists all donor rows, newest first.
func (s *Store) ListDonors(ctx context.Context) ([]donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+donorColumns+`
FROM donors
ORDER BY created_at DESC, id DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list donors: %w", err)
	}
	defer rows.Close()
	return collectDonors(rows)
}

// ListDonorsWithExpiredAccess lists revocation-eligible donors whose access
// expiry elapsed, oldest expiry first.
func (s *Store) ListDonorsWithExpiredAccess(ctx context.Context, now time.Time) ([]donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if now.IsZero() {
		return nil, fmt.Errorf("now is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+donorColumns+`
FROM donors
WHERE access_expires_at IS NOT NULL
  AND access_expires_at <= ?
  AND status IN (?, ?, ?, ?, ?)
ORDER BY access_expires_at ASC, id ASC
`,
		toMillis(now),
		donor.StatusLabel(donor.StatusTrial),
		donor.StatusLabel(donor.StatusCancelled),
		donor.StatusLabel(donor.StatusSuspended),
		donor.StatusLabel(donor.StatusExpired),
		donor.StatusLabel(donor.StatusTrialExpired),
	)
	if err != nil {
		return nil, fmt.Errorf("list donors with expired access: %w", err)
	}
	defer rows.Close()
	return collectDonors(rows)
}

// ListDonorsForSubscriptionRefresh lists subscription-holding donors that
// are pending or whose last reconciliation is older than olderThan.
func (s *Store) ListDonorsForSubscriptionRefresh(ctx context.Context, olderThan time.Duration, now time.Time) ([]donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if olderThan <= 0 {
		return nil, fmt.Errorf("older than must be greater than zero")
	}
	if now.IsZero() {
		return nil, fmt.Errorf("now is required")
	}

	staleBefore := toMillis(now.Add(-olderThan))
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+donorColumns+`
FROM donors
WHERE subscription_id <> ''
  AND (status = ? OR subscription_refreshed_at IS NULL OR subscription_refreshed_at < ?)
ORDER BY COALESCE(subscription_refreshed_at, 0) ASC, id ASC
`, donor.StatusLabel(donor.StatusPending), staleBefore)
	if err != nil {
		return nil, fmt.Errorf("list donors for subscription refresh: %w", err)
	}
	defer rows.Close()
	return collectDonors(rows)
}

// ListTrialDonorsForReminder lists trial donors expiring within window that
// have not yet been reminded.
func (s *Store) ListTrialDonorsForReminder(ctx context.Context, window time.Duration, now time.Time) ([]donor.Donor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be greater than zero")
	}
	if now.IsZero() {
		return nil, fmt.Errorf("now is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+donorColumns+`
FROM donors
WHERE status = ?
  AND access_expires_at IS NOT NULL
  AND access_expires_at > ?
  AND access_expires_at <= ?
  AND trial_reminder_sent_at IS NULL
ORDER BY access_expires_at ASC, id ASC
`, donor.StatusLabel(donor.StatusTrial), toMillis(now), toMillis(now.Add(window)))
	if err != nil {
		return nil, fmt.Errorf("list trial donors for reminder: %w", err)
	}
	defer rows.Close()
	return collectDonors(rows)
}

func collectDonors(rows *sql.Rows) ([]donor.Donor, error) {
	var results []donor.Donor
	for rows.Next() {
		record, err := scanDonor(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan donor row: %w", err)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate donor rows: %w", err)
	}
	return results, nil
}

func (s *Store) donorExists(ctx context.Context, id int64) error {
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM donors WHERE id = ?`, id).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check donor exists: %w", err)
	}
	return nil
}
