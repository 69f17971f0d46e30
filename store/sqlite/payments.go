package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/hostel-billing/billing"
)

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, kind, amount, status, reference, amount_paid, balance_owed,
	resident_id, historical_resident_id, calendar_period_id, room_id, channel,
	resolution_note, created_at, updated_at, paid_at`

func scanPayment(row interface{ Scan(...any) error }) (billing.Payment, error) {
	var (
		p                        billing.Payment
		balanceOwed              decimal.NullDecimal
		residentID, historicalID sql.NullString
		createdAt, updatedAt     string
		paidAt                   sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.Kind, &p.Amount, &p.Status, &p.Reference, &p.AmountPaid, &balanceOwed,
		&residentID, &historicalID, &p.CalendarPeriodID, &p.RoomID, &p.Channel,
		&p.ResolutionNote, &createdAt, &updatedAt, &paidAt,
	)
	if err != nil {
		return p, err
	}
	if balanceOwed.Valid {
		p.BalanceOwed = &balanceOwed.Decimal
	}
	p.ResidentID = stringPtr(residentID)
	p.HistoricalResidentID = stringPtr(historicalID)

	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	if p.PaidAt, err = parseNullTime(paidAt); err != nil {
		return p, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	return p, nil
}

func (ts *txStore) queryPayments(ctx context.Context, query string, args ...any) ([]billing.Payment, error) {
	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func balanceOwedValue(p billing.Payment) decimal.NullDecimal {
	if p.BalanceOwed == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*p.BalanceOwed)
}

func (ts *txStore) CreatePayment(ctx context.Context, p billing.Payment) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, string(p.Kind), p.Amount, string(p.Status), p.Reference, p.AmountPaid, balanceOwedValue(p),
		nullStringPtr(p.ResidentID), nullStringPtr(p.HistoricalResidentID), p.CalendarPeriodID, p.RoomID,
		p.Channel, p.ResolutionNote, formatTime(p.CreatedAt), formatTime(p.UpdatedAt), nullTime(p.PaidAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateReference
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (ts *txStore) SavePayment(ctx context.Context, p billing.Payment) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE payments SET
			kind = ?, amount = ?, status = ?, reference = ?, amount_paid = ?, balance_owed = ?,
			resident_id = ?, historical_resident_id = ?, calendar_period_id = ?, room_id = ?,
			channel = ?, resolution_note = ?, updated_at = ?, paid_at = ?
		WHERE id = ?
	`,
		string(p.Kind), p.Amount, string(p.Status), p.Reference, p.AmountPaid, balanceOwedValue(p),
		nullStringPtr(p.ResidentID), nullStringPtr(p.HistoricalResidentID), p.CalendarPeriodID, p.RoomID,
		p.Channel, p.ResolutionNote, formatTime(p.UpdatedAt), nullTime(p.PaidAt),
		p.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateReference
		}
		return fmt.Errorf("failed to save payment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return billing.ErrRecordNotFound
	}
	return nil
}

func (ts *txStore) GetPayment(ctx context.Context, id string) (*billing.Payment, error) {
	p, err := scanPayment(ts.tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if err != nil {
		return nil, noRows(err)
	}
	return &p, nil
}

func (ts *txStore) GetPaymentByReference(ctx context.Context, reference string) (*billing.Payment, error) {
	p, err := scanPayment(ts.tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE reference = ?`, reference))
	if err != nil {
		return nil, noRows(err)
	}
	return &p, nil
}

func (ts *txStore) ListConfirmedPayments(ctx context.Context, residentID, periodID string) ([]billing.Payment, error) {
	return ts.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE resident_id = ? AND calendar_period_id = ? AND status = 'confirmed'
		ORDER BY created_at ASC, id ASC
	`, residentID, periodID)
}

func (ts *txStore) LatestConfirmedPayment(ctx context.Context, residentID string) (*billing.Payment, error) {
	p, err := scanPayment(ts.tx.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE resident_id = ? AND status = 'confirmed'
		ORDER BY COALESCE(paid_at, created_at) DESC, id DESC
		LIMIT 1
	`, residentID))
	if err != nil {
		return nil, noRows(err)
	}
	return &p, nil
}

func (ts *txStore) RelinkPayments(ctx context.Context, residentID, periodID, historicalID string) (int, error) {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE payments SET resident_id = NULL, historical_resident_id = ?
		WHERE resident_id = ? AND calendar_period_id = ?
	`, historicalID, residentID, periodID)
	if err != nil {
		return 0, fmt.Errorf("failed to relink payments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to relink payments: %w", err)
	}
	return int(n), nil
}

func (ts *txStore) ListOrphanedPayments(ctx context.Context) ([]billing.Payment, error) {
	return ts.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE resident_id IS NULL AND historical_resident_id IS NULL
		ORDER BY created_at ASC, id ASC
	`)
}

func (ts *txStore) ListSimilarPayments(ctx context.Context, p billing.Payment, from, to time.Time) ([]billing.Payment, error) {
	return ts.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE id <> ? AND room_id = ? AND calendar_period_id = ?
		  AND created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC, id ASC
	`, p.ID, p.RoomID, p.CalendarPeriodID, formatTime(from), formatTime(to))
}
