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
// HOSTELS AND USERS
// =============================================================================

func (ts *txStore) GetHostel(ctx context.Context, id string) (*billing.Hostel, error) {
	var (
		h         billing.Hostel
		threshold decimal.NullDecimal
	)
	err := ts.tx.QueryRowContext(ctx,
		`SELECT id, name, partial_payment_threshold FROM hostels WHERE id = ?`, id,
	).Scan(&h.ID, &h.Name, &threshold)
	if err != nil {
		return nil, noRows(err)
	}
	if threshold.Valid {
		h.PartialPaymentThreshold = &threshold.Decimal
	}
	return &h, nil
}

func (ts *txStore) SaveHostel(ctx context.Context, h billing.Hostel) error {
	var threshold decimal.NullDecimal
	if h.PartialPaymentThreshold != nil {
		threshold = decimal.NewNullDecimal(*h.PartialPaymentThreshold)
	}
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO hostels (id, name, partial_payment_threshold) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name,
			partial_payment_threshold = excluded.partial_payment_threshold
	`, h.ID, h.Name, threshold)
	if err != nil {
		return fmt.Errorf("failed to save hostel: %w", err)
	}
	return nil
}

func (ts *txStore) GetUser(ctx context.Context, id string) (*billing.User, error) {
	var (
		u        billing.User
		hostelID sql.NullString
	)
	err := ts.tx.QueryRowContext(ctx,
		`SELECT id, email, hostel_id FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &hostelID)
	if err != nil {
		return nil, noRows(err)
	}
	u.HostelID = hostelID.String
	return &u, nil
}

func (ts *txStore) SaveUser(ctx context.Context, u billing.User) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO users (id, email, hostel_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, hostel_id = excluded.hostel_id
	`, u.ID, u.Email, nullString(u.HostelID))
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// =============================================================================
// RESIDENTS
// =============================================================================

const residentColumns = `r.id, r.user_id, r.hostel_id, r.room_id, r.status, r.access_code,
	r.access_code_expires_at, r.deleted_at, r.created_at`

// liveResident is the SQL form of billing.Resident.IsLive.
const liveResident = `r.deleted_at IS NULL AND r.status = 'active' AND r.room_id IS NOT NULL`

func scanResident(row interface{ Scan(...any) error }) (billing.Resident, error) {
	var (
		r                      billing.Resident
		hostelID, roomID, code sql.NullString
		expiresAt, deletedAt   sql.NullString
		createdAt              string
	)
	if err := row.Scan(&r.ID, &r.UserID, &hostelID, &roomID, &r.Status, &code,
		&expiresAt, &deletedAt, &createdAt); err != nil {
		return r, err
	}
	r.HostelID = hostelID.String
	r.RoomID = stringPtr(roomID)
	r.AccessCode = code.String

	var err error
	if r.AccessCodeExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return r, fmt.Errorf("resident %s: %w", r.ID, err)
	}
	if r.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return r, fmt.Errorf("resident %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, fmt.Errorf("resident %s: %w", r.ID, err)
	}
	return r, nil
}

func (ts *txStore) queryResidents(ctx context.Context, query string, args ...any) ([]billing.Resident, error) {
	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query residents: %w", err)
	}
	defer rows.Close()

	var residents []billing.Resident
	for rows.Next() {
		r, err := scanResident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resident: %w", err)
		}
		residents = append(residents, r)
	}
	return residents, rows.Err()
}

func (ts *txStore) GetResident(ctx context.Context, id string) (*billing.Resident, error) {
	r, err := scanResident(ts.tx.QueryRowContext(ctx,
		`SELECT `+residentColumns+` FROM residents r WHERE r.id = ?`, id))
	if err != nil {
		return nil, noRows(err)
	}
	return &r, nil
}

func (ts *txStore) SaveResident(ctx context.Context, r billing.Resident) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	// created_at is kept from the first insert.
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO residents (id, user_id, hostel_id, room_id, status, access_code,
			access_code_expires_at, deleted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			hostel_id = excluded.hostel_id,
			room_id = excluded.room_id,
			status = excluded.status,
			access_code = excluded.access_code,
			access_code_expires_at = excluded.access_code_expires_at,
			deleted_at = excluded.deleted_at
	`,
		r.ID, r.UserID, nullString(r.HostelID), nullStringPtr(r.RoomID), string(r.Status),
		nullString(r.AccessCode), nullTime(r.AccessCodeExpiresAt), nullTime(r.DeletedAt),
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save resident: %w", err)
	}
	return nil
}

func (ts *txStore) FindResidentByAccessCode(ctx context.Context, code string) (*billing.Resident, error) {
	r, err := scanResident(ts.tx.QueryRowContext(ctx,
		`SELECT `+residentColumns+` FROM residents r
		WHERE r.access_code = ? COLLATE NOCASE LIMIT 1`, code))
	if err != nil {
		return nil, noRows(err)
	}
	return &r, nil
}

func (ts *txStore) ListLiveResidents(ctx context.Context, hostelID string) ([]billing.Resident, error) {
	return ts.queryResidents(ctx, `
		SELECT `+residentColumns+`
		FROM residents r JOIN rooms ON rooms.id = r.room_id
		WHERE rooms.hostel_id = ? AND `+liveResident+`
		ORDER BY r.created_at ASC, r.id ASC
	`, hostelID)
}

func (ts *txStore) LiveResidentsInRoom(ctx context.Context, roomID string) ([]billing.Resident, error) {
	return ts.queryResidents(ctx, `
		SELECT `+residentColumns+`
		FROM residents r
		WHERE r.room_id = ? AND `+liveResident+`
		ORDER BY r.created_at ASC, r.id ASC
	`, roomID)
}

func (ts *txStore) CountLiveResidents(ctx context.Context, roomID string) (int, error) {
	var count int
	err := ts.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM residents r WHERE r.room_id = ? AND `+liveResident, roomID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count residents: %w", err)
	}
	return count, nil
}

// =============================================================================
// ROOMS
// =============================================================================

func (ts *txStore) GetRoom(ctx context.Context, id string) (*billing.Room, error) {
	var r billing.Room
	err := ts.tx.QueryRowContext(ctx, `
		SELECT id, hostel_id, number, max_capacity, current_occupancy, status, price
		FROM rooms WHERE id = ?
	`, id).Scan(&r.ID, &r.HostelID, &r.Number, &r.MaxCapacity, &r.CurrentOccupancy, &r.Status, &r.Price)
	if err != nil {
		return nil, noRows(err)
	}
	return &r, nil
}

func (ts *txStore) SaveRoom(ctx context.Context, r billing.Room) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO rooms (id, hostel_id, number, max_capacity, current_occupancy, status, price)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostel_id = excluded.hostel_id,
			number = excluded.number,
			max_capacity = excluded.max_capacity,
			current_occupancy = excluded.current_occupancy,
			status = excluded.status,
			price = excluded.price
	`, r.ID, r.HostelID, r.Number, r.MaxCapacity, r.CurrentOccupancy, string(r.Status), r.Price)
	if err != nil {
		if isCheckConstraintError(err) {
			return billing.ErrCapacityExceeded
		}
		return fmt.Errorf("failed to save room: %w", err)
	}
	return nil
}

// SetRoomOccupancy only writes when occupancy fits the room.
func (ts *txStore) SetRoomOccupancy(ctx context.Context, roomID string, occupancy int, status billing.RoomStatus) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE rooms SET current_occupancy = ?, status = ?
		WHERE id = ? AND max_capacity >= ?
	`, occupancy, string(status), roomID, occupancy)
	if err != nil {
		return fmt.Errorf("failed to update room occupancy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update room occupancy: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = ts.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms WHERE id = ?`, roomID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to update room occupancy: %w", err)
	}
	if exists == 0 {
		return billing.ErrRecordNotFound
	}
	return billing.ErrCapacityExceeded
}

func (ts *txStore) ResetRooms(ctx context.Context, hostelID string) error {
	_, err := ts.tx.ExecContext(ctx,
		`UPDATE rooms SET current_occupancy = 0, status = ? WHERE hostel_id = ?`,
		string(billing.RoomAvailable), hostelID)
	if err != nil {
		return fmt.Errorf("failed to reset rooms: %w", err)
	}
	return nil
}

// =============================================================================
// CALENDAR PERIODS
// =============================================================================

const periodColumns = `id, hostel_id, name, start_date, end_date, is_active`

func scanPeriod(row interface{ Scan(...any) error }) (*billing.CalendarPeriod, error) {
	var (
		p       billing.CalendarPeriod
		start   string
		endDate sql.NullString
	)
	if err := row.Scan(&p.ID, &p.HostelID, &p.Name, &start, &endDate, &p.IsActive); err != nil {
		return nil, noRows(err)
	}
	var err error
	if p.StartDate, err = parseTime(start); err != nil {
		return nil, fmt.Errorf("period %s: %w", p.ID, err)
	}
	if p.EndDate, err = parseNullTime(endDate); err != nil {
		return nil, fmt.Errorf("period %s: %w", p.ID, err)
	}
	return &p, nil
}

func (ts *txStore) GetPeriod(ctx context.Context, id string) (*billing.CalendarPeriod, error) {
	return scanPeriod(ts.tx.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM calendar_periods WHERE id = ?`, id))
}

func (ts *txStore) ActivePeriod(ctx context.Context, hostelID string) (*billing.CalendarPeriod, error) {
	return scanPeriod(ts.tx.QueryRowContext(ctx,
		`SELECT `+periodColumns+` FROM calendar_periods WHERE hostel_id = ? AND is_active = 1`, hostelID))
}

func (ts *txStore) SavePeriod(ctx context.Context, p billing.CalendarPeriod) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO calendar_periods (id, hostel_id, name, start_date, end_date, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			is_active = excluded.is_active
	`, p.ID, p.HostelID, p.Name, formatTime(p.StartDate), nullTime(p.EndDate), p.IsActive)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("hostel %s already has an active period: %w", p.HostelID, err)
		}
		return fmt.Errorf("failed to save calendar period: %w", err)
	}
	return nil
}

// =============================================================================
// HISTORICAL RESIDENTS (insert-only)
// =============================================================================

func (ts *txStore) CreateHistoricalResident(ctx context.Context, h billing.HistoricalResident) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO historical_residents
		(id, resident_id, room_id, calendar_period_id, amount_paid, room_price, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.ResidentID, h.RoomID, h.CalendarPeriodID, h.AmountPaid, h.RoomPrice, formatTime(h.ArchivedAt))
	if err != nil {
		return fmt.Errorf("failed to create historical resident: %w", err)
	}
	return nil
}

// FindHistoricalResident returns the earliest snapshot for the room and period.
func (ts *txStore) FindHistoricalResident(ctx context.Context, roomID, periodID string) (*billing.HistoricalResident, error) {
	var (
		h          billing.HistoricalResident
		archivedAt string
	)
	err := ts.tx.QueryRowContext(ctx, `
		SELECT id, resident_id, room_id, calendar_period_id, amount_paid, room_price, archived_at
		FROM historical_residents
		WHERE room_id = ? AND calendar_period_id = ?
		ORDER BY archived_at ASC, id ASC
		LIMIT 1
	`, roomID, periodID).Scan(&h.ID, &h.ResidentID, &h.RoomID, &h.CalendarPeriodID,
		&h.AmountPaid, &h.RoomPrice, &archivedAt)
	if err != nil {
		return nil, noRows(err)
	}
	if h.ArchivedAt, err = parseTime(archivedAt); err != nil {
		return nil, fmt.Errorf("historical resident %s: %w", h.ID, err)
	}
	return &h, nil
}
