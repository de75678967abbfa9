package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/donorgate/donorgate/internal/storage"
)

const paymentColumns = `id, donor_id, processor_payment_id, amount, currency, paid_at, created_at`

func scanPayment(scan scanner) (storage.Payment, error) {
	var (
		record    storage.Payment
		paidAt    int64
		createdAt int64
	)
	if err := scan(
		&record.ID,
		&record.DonorID,
		&record.ProcessorPaymentID,
		&record.Amount,
		&record.Currency,
		&paidAt,
		&createdAt,
	); err != nil {
		return storage.Payment{}, err
	}
	record.PaidAt = fromMillis(paidAt)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func recordPaymentQuery(ctx context.Context, querier sqlQuerier, record storage.Payment) (storage.Payment, error) {
	_, err := querier.ExecContext(ctx, `
INSERT INTO payments (donor_id, processor_payment_id, amount, currency, paid_at, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(processor_payment_id) DO NOTHING
`,
		record.DonorID,
		record.ProcessorPaymentID,
		record.Amount,
		record.Currency,
		toMillis(record.PaidAt),
		toMillis(record.CreatedAt),
	)
	if err != nil {
		return storage.Payment{}, fmt.Errorf("record payment: %w", err)
	}

	row := querier.QueryRowContext(ctx, `
SELECT `+paymentColumns+`
FROM payments
WHERE processor_payment_id = ?
`, record.ProcessorPaymentID)
	stored, err := scanPayment(row.Scan)
	if err != nil {
		return storage.Payment{}, fmt.Errorf("load recorded payment: %w", err)
	}
	return stored, nil
}

// RecordPayment persists one payment row, idempotent on the processor
// payment id: a replay returns the original row unchanged.
func (s *Store) RecordPayment(ctx context.Context, record storage.Payment) (storage.Payment, error) {
	if err := ctx.Err(); err != nil {
		return storage.Payment{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Payment{}, fmt.Errorf("storage is not configured")
	}
	record.ProcessorPaymentID = strings.TrimSpace(record.ProcessorPaymentID)
	if record.DonorID <= 0 {
		return storage.Payment{}, fmt.Errorf("payment donor id is required")
	}
	if record.ProcessorPaymentID == "" {
		return storage.Payment{}, fmt.Errorf("processor payment id is required")
	}
	if record.PaidAt.IsZero() {
		return storage.Payment{}, fmt.Errorf("paid_at is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.Payment{}, fmt.Errorf("created_at is required")
	}

	return recordPaymentQuery(ctx, s.sqlDB, record)
}

// ListPaymentsByDonor lists a donor's payments, newest first.
func (s *Store) ListPaymentsByDonor(ctx context.Context, donorID int64) ([]storage.Payment, error) {
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
SELECT `+paymentColumns+`
FROM payments
WHERE donor_id = ?
ORDER BY paid_at DESC, id DESC
`, donorID)
	if err != nil {
		return nil, fmt.Errorf("list payments by donor: %w", err)
	}
	defer rows.Close()

	var results []storage.Payment
	for rows.Next() {
		record, scanErr := scanPayment(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan payment row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment rows: %w", err)
	}
	return results, nil
}
