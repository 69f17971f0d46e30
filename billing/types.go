/*
Package billing is the residency billing engine.

PURPOSE:
  Turns a resident's online payment into a confirmed room allocation, tracks
  partial payments and outstanding balances, archives residents at the end of
  an academic period, and repairs payments that lost their resident linkage.

KEY CONCEPTS IN THIS FILE (types.go):
  - Resident, Room, CalendarPeriod, Payment, HistoricalResident: ledger records
  - ResidentStatus, RoomStatus, PaymentStatus, PaymentKind: closed enumerations
  - Money helpers: decimal arithmetic rounded to 2 places at every write

DESIGN PRINCIPLES:
  1. Precision: all currency is decimal.Decimal, never float64
  2. Atomicity: every multi-record write runs inside TxStore.WithTx
  3. Idempotency: a payment reference is confirmed at most once
  4. Closed states: status transitions switch exhaustively and fail loudly
     on values they do not know

SEE ALSO:
  - store.go: persistence contract
  - confirm.go: payment confirmation
  - rollover.go: period end/start
  - reconcile.go: orphaned payment repair
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// DefaultPartialPaymentThreshold is the percentage of the room price a
// resident must have paid before an outstanding balance is recorded.
var DefaultPartialPaymentThreshold = decimal.NewFromInt(70)

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds a currency amount to 2 decimal places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// SumAmounts adds the Amount of every payment.
func SumAmounts(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

// PaidPercentage returns paid/price*100. A zero or negative price counts as
// fully paid.
func PaidPercentage(paid, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return hundred
	}
	return paid.Div(price).Mul(hundred)
}

// Debt is what remains of price after paid, floored at zero.
func Debt(price, paid decimal.Decimal) decimal.Decimal {
	d := price.Sub(paid)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Outstanding applies the partial payment policy: a positive debt is only
// recorded once the paid share reaches threshold percent. A nil result means
// "unset", which callers treat as zero.
func Outstanding(price, paid, threshold decimal.Decimal) *decimal.Decimal {
	debt := Debt(price, paid)
	if !debt.IsPositive() {
		return nil
	}
	if PaidPercentage(paid, price).LessThan(threshold) {
		return nil
	}
	owed := RoundMoney(debt)
	return &owed
}

// =============================================================================
// STATUSES
// =============================================================================

type ResidentStatus string

const (
	ResidentActive     ResidentStatus = "active"
	ResidentCheckedOut ResidentStatus = "checked_out"
	ResidentBanned     ResidentStatus = "banned"
)

func (s ResidentStatus) Valid() bool {
	switch s {
	case ResidentActive, ResidentCheckedOut, ResidentBanned:
		return true
	}
	return false
}

type RoomStatus string

const (
	RoomAvailable   RoomStatus = "available"
	RoomOccupied    RoomStatus = "occupied"
	RoomMaintenance RoomStatus = "maintenance"
)

func (s RoomStatus) Valid() bool {
	switch s {
	case RoomAvailable, RoomOccupied, RoomMaintenance:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentCancelled PaymentStatus = "cancelled"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentConfirmed, PaymentCancelled:
		return true
	}
	return false
}

// PaymentKind distinguishes a first booking charge from a balance top-up.
type PaymentKind string

const (
	KindCharge PaymentKind = "charge"
	KindTopUp  PaymentKind = "top_up"
)

func (k PaymentKind) Valid() bool {
	switch k {
	case KindCharge, KindTopUp:
		return true
	}
	return false
}

// =============================================================================
// RECORDS
// =============================================================================

type Hostel struct {
	ID   string
	Name string

	// Percentage (0-100). Nil means DefaultPartialPaymentThreshold.
	PartialPaymentThreshold *decimal.Decimal
}

// Threshold returns the hostel's partial payment threshold, falling back to
// the given default.
func (h Hostel) Threshold(fallback decimal.Decimal) decimal.Decimal {
	if h.PartialPaymentThreshold != nil {
		return *h.PartialPaymentThreshold
	}
	return fallback
}

type User struct {
	ID       string
	Email    string
	HostelID string
}

type Resident struct {
	ID                  string
	UserID              string
	HostelID            string
	RoomID              *string
	Status              ResidentStatus
	AccessCode          string
	AccessCodeExpiresAt *time.Time
	DeletedAt           *time.Time
	CreatedAt           time.Time
}

// IsLive reports whether the resident currently holds a room slot.
func (r Resident) IsLive() bool {
	return r.DeletedAt == nil && r.Status == ResidentActive && r.RoomID != nil
}

// InRoom reports whether the resident is assigned to roomID.
func (r Resident) InRoom(roomID string) bool {
	return r.RoomID != nil && *r.RoomID == roomID
}

type Room struct {
	ID               string
	HostelID         string
	Number           string
	MaxCapacity      int
	CurrentOccupancy int
	Status           RoomStatus
	Price            decimal.Decimal
}

// StatusFor returns the room status implied by an occupancy count.
// Maintenance is sticky.
func (r Room) StatusFor(occupancy int) RoomStatus {
	if r.Status == RoomMaintenance {
		return RoomMaintenance
	}
	if occupancy >= r.MaxCapacity {
		return RoomOccupied
	}
	return RoomAvailable
}

type CalendarPeriod struct {
	ID        string
	HostelID  string
	Name      string
	StartDate time.Time
	EndDate   *time.Time
	IsActive  bool
}

type Payment struct {
	ID          string
	Kind        PaymentKind
	Amount      decimal.Decimal
	Status      PaymentStatus
	Reference   string
	AmountPaid  decimal.Decimal
	BalanceOwed *decimal.Decimal

	// At most one of these is set. Both nil means the payment is orphaned.
	ResidentID           *string
	HistoricalResidentID *string

	CalendarPeriodID string
	RoomID           string
	Channel          string
	ResolutionNote   string

	CreatedAt time.Time
	UpdatedAt time.Time
	PaidAt    *time.Time
}

// IsOrphaned reports whether the payment has no resident or historical link.
func (p Payment) IsOrphaned() bool {
	return p.ResidentID == nil && p.HistoricalResidentID == nil
}

// Owed returns BalanceOwed, treating unset as zero.
func (p Payment) Owed() decimal.Decimal {
	if p.BalanceOwed == nil {
		return decimal.Zero
	}
	return *p.BalanceOwed
}

// CanTransitionTo validates a status change. Confirmed and cancelled are
// terminal.
func (p Payment) CanTransitionTo(target PaymentStatus) error {
	switch p.Status {
	case PaymentPending:
		if target == PaymentConfirmed || target == PaymentCancelled {
			return nil
		}
	case PaymentConfirmed, PaymentCancelled:
	default:
		return fmt.Errorf("unknown payment status %q", p.Status)
	}
	return fmt.Errorf("payment %s cannot move from %s to %s", p.Reference, p.Status, target)
}

// HistoricalResident is the frozen record of one resident's occupancy in an
// ended period. Never updated after creation.
type HistoricalResident struct {
	ID               string
	ResidentID       string
	RoomID           string
	CalendarPeriodID string
	AmountPaid       decimal.Decimal
	RoomPrice        decimal.Decimal
	ArchivedAt       time.Time
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
