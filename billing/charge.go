package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChargeSession is returned by the initialize operations. The caller sends
// the resident to AuthorizationURL; the gateway later reports on
// Payment.Reference.
type ChargeSession struct {
	Payment          Payment
	AuthorizationURL string
}

// InitializeCharge opens a gateway checkout for a resident booking a room and
// records it as a pending payment in the hostel's active period.
func (e *Engine) InitializeCharge(ctx context.Context, roomID, residentID string, amount decimal.Decimal) (*ChargeSession, error) {
	const op = "InitializeCharge"

	if !amount.IsPositive() {
		return nil, newError(op, ErrInvalidState, "amount must be positive, got %s", amount)
	}
	amount = RoundMoney(amount)

	var out *ChargeSession
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		resident, email, err := e.payer(ctx, tx, op, residentID)
		if err != nil {
			return err
		}
		room, err := tx.GetRoom(ctx, roomID)
		if err != nil {
			return notFound(op, "room", roomID, err)
		}
		if room.Status == RoomMaintenance {
			return newError(op, ErrInvalidState, "room %s is under maintenance", room.ID)
		}
		period, err := e.activePeriod(ctx, tx, op, room.HostelID)
		if err != nil {
			return err
		}

		if resident.IsLive() && !resident.InRoom(room.ID) {
			return newError(op, ErrInvalidState, "resident %s already occupies room %s", resident.ID, *resident.RoomID)
		}
		if !resident.InRoom(room.ID) {
			count, err := tx.CountLiveResidents(ctx, room.ID)
			if err != nil {
				return err
			}
			if count >= room.MaxCapacity {
				return &Error{Op: op, Kind: ErrConflict, Message: "room " + room.ID + " is full", Err: ErrCapacityExceeded}
			}
		}

		p, session, err := e.openCheckout(ctx, tx, op, KindCharge, email, amount, resident.ID, room.ID, period.ID)
		if err != nil {
			return err
		}
		out = &ChargeSession{Payment: *p, AuthorizationURL: session.AuthorizationURL}
		return nil
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	e.logger().Info("charge initialized",
		zap.String("reference", out.Payment.Reference),
		zap.String("resident_id", residentID),
		zap.String("room_id", roomID),
		zap.String("amount", amount.StringFixed(2)))
	return out, nil
}

// InitializeTopUpCharge opens a checkout that pays down the balance of a
// resident who already occupies a room. The amount may not exceed the debt.
func (e *Engine) InitializeTopUpCharge(ctx context.Context, residentID string, amount decimal.Decimal) (*ChargeSession, error) {
	const op = "InitializeTopUpCharge"

	if !amount.IsPositive() {
		return nil, newError(op, ErrInvalidState, "amount must be positive, got %s", amount)
	}
	amount = RoundMoney(amount)

	var out *ChargeSession
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		resident, email, err := e.payer(ctx, tx, op, residentID)
		if err != nil {
			return err
		}
		if !resident.IsLive() {
			return newError(op, ErrInvalidState, "resident %s does not occupy a room", resident.ID)
		}
		room, err := tx.GetRoom(ctx, *resident.RoomID)
		if err != nil {
			return notFound(op, "room", *resident.RoomID, err)
		}
		period, err := e.activePeriod(ctx, tx, op, room.HostelID)
		if err != nil {
			return err
		}

		paid, err := confirmedTotal(ctx, tx, resident.ID, period.ID)
		if err != nil {
			return err
		}
		debt := Debt(room.Price, paid)
		if !debt.IsPositive() {
			return newError(op, ErrInvalidState, "resident %s has no outstanding balance", resident.ID)
		}
		if amount.GreaterThan(debt) {
			return newError(op, ErrInvalidState, "top-up %s exceeds outstanding balance %s", amount.StringFixed(2), debt.StringFixed(2))
		}

		p, session, err := e.openCheckout(ctx, tx, op, KindTopUp, email, amount, resident.ID, room.ID, period.ID)
		if err != nil {
			return err
		}
		out = &ChargeSession{Payment: *p, AuthorizationURL: session.AuthorizationURL}
		return nil
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	e.logger().Info("top-up initialized",
		zap.String("reference", out.Payment.Reference),
		zap.String("resident_id", residentID),
		zap.String("amount", amount.StringFixed(2)))
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// payer loads a resident and the email of its owning user.
func (e *Engine) payer(ctx context.Context, tx Tx, op, residentID string) (*Resident, string, error) {
	resident, err := tx.GetResident(ctx, residentID)
	if err != nil {
		return nil, "", notFound(op, "resident", residentID, err)
	}
	if resident.DeletedAt != nil {
		return nil, "", newError(op, ErrNotFound, "resident %s not found", residentID)
	}
	if resident.Status == ResidentBanned {
		return nil, "", newError(op, ErrInvalidState, "resident %s is banned", residentID)
	}
	user, err := tx.GetUser(ctx, resident.UserID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, "", err
	}
	if user == nil || user.Email == "" {
		return nil, "", newError(op, ErrNotFound, "no email on file for resident %s", residentID)
	}
	return resident, user.Email, nil
}

func (e *Engine) activePeriod(ctx context.Context, tx Tx, op, hostelID string) (*CalendarPeriod, error) {
	period, err := tx.ActivePeriod(ctx, hostelID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, newError(op, ErrInvalidState, "hostel %s has no active calendar period", hostelID)
	}
	return period, err
}

// openCheckout calls the gateway and stores the pending payment under the
// reference it returned. It runs inside the caller's transaction so a failed
// insert leaves no pending row behind.
func (e *Engine) openCheckout(ctx context.Context, tx Tx, op string, kind PaymentKind, email string, amount decimal.Decimal, residentID, roomID, periodID string) (*Payment, *CheckoutSession, error) {
	session, err := e.Gateway.InitializeTransaction(ctx, email, amount)
	if err != nil {
		return nil, nil, &Error{Op: op, Kind: ErrUpstreamFailure, Message: "payment gateway initialization failed", Err: err}
	}
	if session.Reference == "" {
		return nil, nil, newError(op, ErrUpstreamFailure, "payment gateway returned no reference")
	}

	now := e.now()
	p := Payment{
		ID:               uuid.NewString(),
		Kind:             kind,
		Amount:           amount,
		Status:           PaymentPending,
		Reference:        session.Reference,
		AmountPaid:       decimal.Zero,
		ResidentID:       strPtr(residentID),
		CalendarPeriodID: periodID,
		RoomID:           roomID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.CreatePayment(ctx, p); err != nil {
		return nil, nil, err
	}
	return &p, session, nil
}

// confirmedTotal sums a resident's confirmed payments in a period.
func confirmedTotal(ctx context.Context, tx Tx, residentID, periodID string) (decimal.Decimal, error) {
	payments, err := tx.ListConfirmedPayments(ctx, residentID, periodID)
	if err != nil {
		return decimal.Zero, err
	}
	return SumAmounts(payments), nil
}
