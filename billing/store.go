/*
store.go - Persistence contract for the ledger records

PURPOSE:
  Defines the interface between the billing engine and the database.
  Every engine operation runs inside TxStore.WithTx and talks to the Tx it
  is handed; nothing in the engine keeps a package-level store handle.

KEY INTERFACES:
  Tx:      record reads/writes scoped to one atomic unit of work
  TxStore: opens units of work (all-or-nothing)

ATOMICITY:
  WithTx commits when fn returns nil and rolls back otherwise. Implementations
  must take their write lock before fn runs, so a status read inside fn
  cannot be stale relative to a concurrent writer.

UNIQUENESS:
  CreatePayment fails with ErrDuplicateReference when the reference exists.

CAPACITY:
  SetRoomOccupancy is a conditional write: it fails with ErrCapacityExceeded
  when occupancy would exceed the room's max capacity.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - billing/store/memory.go: in-memory, for tests

SEE ALSO:
  - errors.go: store sentinels
*/
package billing

import (
	"context"
	"time"
)

// Tx is the set of ledger operations available inside one unit of work.
// Lookups return ErrRecordNotFound when nothing matches.
type Tx interface {
	GetHostel(ctx context.Context, id string) (*Hostel, error)
	SaveHostel(ctx context.Context, h Hostel) error

	GetUser(ctx context.Context, id string) (*User, error)
	SaveUser(ctx context.Context, u User) error

	GetResident(ctx context.Context, id string) (*Resident, error)
	SaveResident(ctx context.Context, r Resident) error
	// FindResidentByAccessCode matches the code case-insensitively.
	FindResidentByAccessCode(ctx context.Context, code string) (*Resident, error)
	// ListLiveResidents returns live residents of a hostel, ordered by creation.
	ListLiveResidents(ctx context.Context, hostelID string) ([]Resident, error)
	// LiveResidentsInRoom returns live residents of a room, ordered by creation.
	LiveResidentsInRoom(ctx context.Context, roomID string) ([]Resident, error)
	CountLiveResidents(ctx context.Context, roomID string) (int, error)

	GetRoom(ctx context.Context, id string) (*Room, error)
	SaveRoom(ctx context.Context, r Room) error
	SetRoomOccupancy(ctx context.Context, roomID string, occupancy int, status RoomStatus) error
	ResetRooms(ctx context.Context, hostelID string) error

	GetPeriod(ctx context.Context, id string) (*CalendarPeriod, error)
	ActivePeriod(ctx context.Context, hostelID string) (*CalendarPeriod, error)
	SavePeriod(ctx context.Context, p CalendarPeriod) error

	CreatePayment(ctx context.Context, p Payment) error
	SavePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (*Payment, error)
	// ListConfirmedPayments returns confirmed payments linked to a live resident
	// for one period, oldest first.
	ListConfirmedPayments(ctx context.Context, residentID, periodID string) ([]Payment, error)
	// LatestConfirmedPayment returns the most recently paid confirmed payment
	// linked to the resident.
	LatestConfirmedPayment(ctx context.Context, residentID string) (*Payment, error)
	// RelinkPayments moves every payment of residentID in periodID onto the
	// historical record and returns how many moved.
	RelinkPayments(ctx context.Context, residentID, periodID, historicalID string) (int, error)
	ListOrphanedPayments(ctx context.Context) ([]Payment, error)
	// ListSimilarPayments returns other payments (id != p.ID) for the same
	// room and period created within [from, to].
	ListSimilarPayments(ctx context.Context, p Payment, from, to time.Time) ([]Payment, error)

	CreateHistoricalResident(ctx context.Context, h HistoricalResident) error
	FindHistoricalResident(ctx context.Context, roomID, periodID string) (*HistoricalResident, error)
}

// TxStore runs units of work.
type TxStore interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
