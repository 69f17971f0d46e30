/*
confirm.go - Payment confirmation

PURPOSE:
  Turns a gateway-reported payment into ledger state: the payment becomes
  confirmed with its cumulative amount and balance, and (for live residents)
  the resident is bound to the room with a fresh access code.

FLOW:
  1. Lock the reference (optional Locker) so concurrent callers queue up
  2. Read the payment; already confirmed returns immediately
  3. Verify with the gateway, OUTSIDE any transaction
  4. In one transaction: re-read the payment under the write lock, apply
     balance math, bind resident + room, recompute occupancy from a count
     query, mark the payment confirmed
  5. After commit: notifications and events as post-commit hooks

IDEMPOTENCY:
  A confirmed payment is a success result with AlreadyConfirmed set and no
  writes. This holds whether the duplicate is caught in step 2 or step 4.

BALANCE POLICY:
  totalPaid = confirmed payments of the resident in the payment's period
              + this payment
  debt      = roomPrice - totalPaid
  balanceOwed is recorded only when totalPaid/roomPrice*100 reaches the
  hostel threshold; below it the balance stays unset.
*/
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ConfirmResult describes a confirmation. Resident, Room and AccessCode are
// only set when this call bound a live resident.
type ConfirmResult struct {
	Payment          Payment
	AlreadyConfirmed bool
	Resident         *Resident
	Room             *Room
	AccessCode       string
}

// ConfirmCharge confirms a booking charge by reference.
func (e *Engine) ConfirmCharge(ctx context.Context, reference string) (*ConfirmResult, error) {
	return e.confirm(ctx, "ConfirmCharge", reference, KindCharge)
}

// ConfirmTopUp confirms a balance top-up by reference.
func (e *Engine) ConfirmTopUp(ctx context.Context, reference string) (*ConfirmResult, error) {
	return e.confirm(ctx, "ConfirmTopUp", reference, KindTopUp)
}

// Confirm confirms a payment of either kind. Webhooks use this since the
// gateway only reports the reference.
func (e *Engine) Confirm(ctx context.Context, reference string) (*ConfirmResult, error) {
	return e.confirm(ctx, "Confirm", reference, "")
}

func (e *Engine) confirm(ctx context.Context, op, reference string, want PaymentKind) (*ConfirmResult, error) {
	if reference == "" {
		return nil, newError(op, ErrNotFound, "payment reference is empty")
	}

	if e.Locker != nil {
		unlock, err := e.Locker.Lock(ctx, "payment:"+reference)
		if err != nil {
			return nil, &Error{Op: op, Kind: ErrInternal, Message: "could not lock payment reference", Err: err}
		}
		defer unlock()
	}

	// Cheap pre-check so replays skip the gateway round-trip.
	var current *Payment
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.GetPaymentByReference(ctx, reference)
		if err != nil {
			return notFound(op, "payment", reference, err)
		}
		current = p
		return nil
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}
	if current.Status == PaymentConfirmed {
		return &ConfirmResult{Payment: *current, AlreadyConfirmed: true}, nil
	}
	if err := checkConfirmable(op, current, want); err != nil {
		return nil, err
	}

	verification, err := e.verify(ctx, op, current)
	if err != nil {
		return nil, err
	}

	var (
		result *ConfirmResult
		hooks  postCommit
	)
	err = e.Store.WithTx(ctx, func(tx Tx) error {
		hooks.reset()
		p, err := tx.GetPaymentByReference(ctx, reference)
		if err != nil {
			return notFound(op, "payment", reference, err)
		}
		if p.Status == PaymentConfirmed {
			result = &ConfirmResult{Payment: *p, AlreadyConfirmed: true}
			return nil
		}
		if err := checkConfirmable(op, p, want); err != nil {
			return err
		}
		result, err = e.applyConfirmation(ctx, tx, op, p, verification, &hooks)
		return err
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}
	if result.AlreadyConfirmed {
		return result, nil
	}

	e.logger().Info("payment confirmed",
		zap.String("op", op),
		zap.String("reference", reference),
		zap.String("kind", string(result.Payment.Kind)),
		zap.String("amount_paid", result.Payment.AmountPaid.StringFixed(2)),
		zap.String("balance_owed", result.Payment.Owed().StringFixed(2)))
	e.runHooks(ctx, &hooks)
	return result, nil
}

func checkConfirmable(op string, p *Payment, want PaymentKind) error {
	if err := p.CanTransitionTo(PaymentConfirmed); err != nil {
		return &Error{Op: op, Kind: ErrInvalidState, Message: fmt.Sprintf("payment %s is %s", p.Reference, p.Status), Err: err}
	}
	if want != "" && p.Kind != want {
		return newError(op, ErrInvalidState, "payment %s is a %s payment, not %s", p.Reference, p.Kind, want)
	}
	return nil
}

// admissible reports whether a charge may (re)admit the resident to a room.
func admissible(op string, r *Resident) error {
	if r.DeletedAt != nil {
		return newError(op, ErrInvalidState, "resident %s has been deleted", r.ID)
	}
	switch r.Status {
	case ResidentActive, ResidentCheckedOut:
		return nil
	case ResidentBanned:
		return newError(op, ErrInvalidState, "resident %s is banned", r.ID)
	default:
		return newError(op, ErrInvalidState, "resident %s has unknown status %q", r.ID, r.Status)
	}
}

// verify asks the gateway whether the payment succeeded. Anything other than
// a clean success is an upstream failure and no ledger state changes.
func (e *Engine) verify(ctx context.Context, op string, p *Payment) (*Verification, error) {
	v, err := e.Gateway.VerifyTransaction(ctx, p.Reference)
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrUpstreamFailure, Message: "payment verification failed", Err: err}
	}
	if v.Status != GatewaySuccess {
		return nil, newError(op, ErrUpstreamFailure, "gateway reports payment %s as %s", p.Reference, v.Status)
	}
	if v.Amount.IsPositive() && !RoundMoney(v.Amount).Equal(p.Amount) {
		return nil, newError(op, ErrUpstreamFailure, "gateway amount %s does not match payment amount %s",
			v.Amount.StringFixed(2), p.Amount.StringFixed(2))
	}
	return v, nil
}

// applyConfirmation runs inside the transaction. p is pending.
func (e *Engine) applyConfirmation(ctx context.Context, tx Tx, op string, p *Payment, v *Verification, hooks *postCommit) (*ConfirmResult, error) {
	if p.IsOrphaned() {
		return nil, newError(op, ErrInvalidState, "payment %s has no resident or historical resident link", p.Reference)
	}
	room, err := tx.GetRoom(ctx, p.RoomID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, newError(op, ErrInvalidState, "room %s for payment %s no longer exists", p.RoomID, p.Reference)
	}
	if err != nil {
		return nil, err
	}

	now := e.now()
	p.Channel = v.Channel
	p.UpdatedAt = now
	p.PaidAt = timePtr(now)

	// Archived occupancy: no balance or room math applies.
	if p.HistoricalResidentID != nil {
		p.Status = PaymentConfirmed
		if err := tx.SavePayment(ctx, *p); err != nil {
			return nil, err
		}
		e.queueEvent(hooks, Event{
			Type: EventPaymentConfirmed, OccurredAt: now, HostelID: room.HostelID, SubjectID: p.ID,
			Data: map[string]string{"reference": p.Reference, "historical_resident_id": *p.HistoricalResidentID},
		})
		return &ConfirmResult{Payment: *p}, nil
	}

	resident, err := tx.GetResident(ctx, *p.ResidentID)
	if err != nil {
		return nil, notFound(op, "resident", *p.ResidentID, err)
	}
	hostel, err := tx.GetHostel(ctx, room.HostelID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	prior, err := confirmedTotal(ctx, tx, resident.ID, p.CalendarPeriodID)
	if err != nil {
		return nil, err
	}
	totalPaid := prior.Add(p.Amount)
	owed := Outstanding(room.Price, totalPaid, e.threshold(hostel))

	issued := ""
	switch p.Kind {
	case KindCharge:
		if err := admissible(op, resident); err != nil {
			return nil, err
		}
		if !resident.InRoom(room.ID) {
			if resident.IsLive() {
				return nil, newError(op, ErrInvalidState, "resident %s already occupies room %s", resident.ID, *resident.RoomID)
			}
			count, err := tx.CountLiveResidents(ctx, room.ID)
			if err != nil {
				return nil, err
			}
			if count >= room.MaxCapacity {
				return nil, &Error{Op: op, Kind: ErrConflict, Message: fmt.Sprintf("room %s is full (%d/%d)", room.ID, count, room.MaxCapacity), Err: ErrCapacityExceeded}
			}
		}
		if issued, err = e.codes().issue(ctx, tx); err != nil {
			return nil, err
		}
	case KindTopUp:
		if !resident.IsLive() || !resident.InRoom(room.ID) {
			return nil, newError(op, ErrInvalidState, "resident %s no longer occupies room %s", resident.ID, room.ID)
		}
		if resident.AccessCode == "" || (resident.AccessCodeExpiresAt != nil && !now.Before(*resident.AccessCodeExpiresAt)) {
			if issued, err = e.codes().issue(ctx, tx); err != nil {
				return nil, err
			}
		}
	default:
		return nil, newError(op, ErrInvalidState, "payment %s has unknown kind %q", p.Reference, p.Kind)
	}

	resident.RoomID = strPtr(room.ID)
	resident.HostelID = room.HostelID
	resident.Status = ResidentActive
	if issued != "" {
		resident.AccessCode = issued
		resident.AccessCodeExpiresAt = nil
		if ttl := e.Policy.AccessCodeTTL; ttl > 0 {
			resident.AccessCodeExpiresAt = timePtr(now.Add(ttl))
		}
	}
	if err := tx.SaveResident(ctx, *resident); err != nil {
		return nil, err
	}

	email := ""
	user, err := tx.GetUser(ctx, resident.UserID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
	case err != nil:
		return nil, err
	default:
		email = user.Email
		if user.HostelID != room.HostelID {
			user.HostelID = room.HostelID
			if err := tx.SaveUser(ctx, *user); err != nil {
				return nil, err
			}
		}
	}

	count, err := tx.CountLiveResidents(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	status := room.StatusFor(count)
	if err := tx.SetRoomOccupancy(ctx, room.ID, count, status); err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			return nil, &Error{Op: op, Kind: ErrConflict, Message: fmt.Sprintf("room %s would exceed capacity %d", room.ID, room.MaxCapacity), Err: err}
		}
		return nil, err
	}
	room.CurrentOccupancy = count
	room.Status = status

	p.Status = PaymentConfirmed
	p.AmountPaid = RoundMoney(totalPaid)
	p.BalanceOwed = owed
	if err := tx.SavePayment(ctx, *p); err != nil {
		return nil, err
	}

	e.queueConfirmationNotices(hooks, email, *p, *room, issued)
	e.queueEvent(hooks, Event{
		Type: EventPaymentConfirmed, OccurredAt: now, HostelID: room.HostelID, SubjectID: p.ID,
		Data: map[string]string{
			"reference":    p.Reference,
			"kind":         string(p.Kind),
			"resident_id":  resident.ID,
			"room_id":      room.ID,
			"amount_paid":  p.AmountPaid.StringFixed(2),
			"balance_owed": p.Owed().StringFixed(2),
		},
	})

	return &ConfirmResult{Payment: *p, Resident: resident, Room: room, AccessCode: issued}, nil
}

func (e *Engine) queueConfirmationNotices(hooks *postCommit, email string, p Payment, room Room, code string) {
	if e.Notifier == nil || email == "" {
		return
	}
	n := e.Notifier
	if p.Kind == KindCharge {
		subject, html := bookingConfirmationMessage(p, room)
		hooks.add("booking-confirmation-email", func(ctx context.Context) error {
			return n.Send(ctx, email, subject, html)
		})
	} else {
		subject, html := topUpReceiptMessage(p, room)
		hooks.add("top-up-receipt-email", func(ctx context.Context) error {
			return n.Send(ctx, email, subject, html)
		})
	}
	if code != "" {
		subject, html := accessCodeMessage(code, room)
		hooks.add("access-code-email", func(ctx context.Context) error {
			return n.Send(ctx, email, subject, html)
		})
	}
}

func (e *Engine) queueEvent(hooks *postCommit, ev Event) {
	if e.Publisher == nil {
		return
	}
	pub := e.Publisher
	hooks.add(string(ev.Type), func(ctx context.Context) error {
		return pub.Publish(ctx, ev)
	})
}

// OutstandingBalance returns the unpaid share of a live resident's room price
// for the hostel's active period, ignoring the threshold.
func (e *Engine) OutstandingBalance(ctx context.Context, residentID string) (decimal.Decimal, error) {
	const op = "OutstandingBalance"
	debt := decimal.Zero
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		resident, err := tx.GetResident(ctx, residentID)
		if err != nil {
			return notFound(op, "resident", residentID, err)
		}
		if !resident.IsLive() {
			return nil
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
		debt = RoundMoney(Debt(room.Price, paid))
		return nil
	})
	if err != nil {
		return decimal.Zero, wrapStore(op, err)
	}
	return debt, nil
}
