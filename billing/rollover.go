/*
rollover.go - Academic period end and start

PURPOSE:
  Closes a hostel's calendar period by archiving every live resident into a
  HistoricalResident snapshot and resetting all rooms, then (for StartPeriod)
  opens the next period.

STATE MACHINE:
  CalendarPeriod: active --EndPeriod--> ended (terminal)

ARCHIVAL (per live resident, one transaction for the whole hostel):
  1. amountPaid = sum of the resident's confirmed payments in the period
  2. create HistoricalResident{resident, room, period, amountPaid, room price}
  3. move the resident's payments for the period onto the snapshot
  4. resident -> checked_out, no room, no access code
  Then every room of the hostel -> available, occupancy 0.

ALL-OR-NOTHING:
  Any failure aborts the whole transaction. A half-archived hostel is worse
  than a period that is still active, so there is no per-resident isolation
  here (unlike reconcile.go).
*/
package billing

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RolloverResult reports what one period end archived.
type RolloverResult struct {
	Period           CalendarPeriod
	Archived         []HistoricalResident
	PaymentsRelinked int
}

// StartPeriodResult holds the new period and, when one was active, the
// result of ending the previous period.
type StartPeriodResult struct {
	Period   CalendarPeriod
	Previous *RolloverResult
}

// EndPeriod ends an active period.
func (e *Engine) EndPeriod(ctx context.Context, periodID string) (*RolloverResult, error) {
	const op = "EndPeriod"

	var (
		out   *RolloverResult
		hooks postCommit
	)
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		hooks.reset()
		period, err := tx.GetPeriod(ctx, periodID)
		if err != nil {
			return notFound(op, "calendar period", periodID, err)
		}
		if !period.IsActive {
			return newError(op, ErrInvalidState, "calendar period %s has already ended", period.ID)
		}
		out, err = e.closePeriod(ctx, tx, period, &hooks)
		return err
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	e.logRollover(op, out)
	e.runHooks(ctx, &hooks)
	return out, nil
}

// StartPeriod opens a new active period for a hostel. A currently active
// period is ended first, in the same transaction, so residents cannot accrue
// payments under the new period before the old one is archived.
func (e *Engine) StartPeriod(ctx context.Context, hostelID, name string) (*StartPeriodResult, error) {
	const op = "StartPeriod"

	if name == "" {
		return nil, newError(op, ErrInvalidState, "calendar period name is required")
	}

	var (
		out   *StartPeriodResult
		hooks postCommit
	)
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		hooks.reset()
		if _, err := tx.GetHostel(ctx, hostelID); err != nil {
			return notFound(op, "hostel", hostelID, err)
		}

		res := &StartPeriodResult{}
		prev, err := tx.ActivePeriod(ctx, hostelID)
		switch {
		case errors.Is(err, ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if res.Previous, err = e.closePeriod(ctx, tx, prev, &hooks); err != nil {
				return err
			}
		}

		res.Period = CalendarPeriod{
			ID:        uuid.NewString(),
			HostelID:  hostelID,
			Name:      name,
			StartDate: e.now(),
			IsActive:  true,
		}
		if err := tx.SavePeriod(ctx, res.Period); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	if out.Previous != nil {
		e.logRollover(op, out.Previous)
	}
	e.logger().Info("calendar period started",
		zap.String("hostel_id", hostelID),
		zap.String("period_id", out.Period.ID),
		zap.String("name", name))
	e.runHooks(ctx, &hooks)
	return out, nil
}

// CheckOut archives one live resident mid-period against the hostel's active
// period and frees their slot.
func (e *Engine) CheckOut(ctx context.Context, residentID string) (*HistoricalResident, error) {
	const op = "CheckOut"

	var (
		out   *HistoricalResident
		hooks postCommit
	)
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		hooks.reset()
		resident, err := tx.GetResident(ctx, residentID)
		if err != nil {
			return notFound(op, "resident", residentID, err)
		}
		if !resident.IsLive() {
			return newError(op, ErrInvalidState, "resident %s does not occupy a room", residentID)
		}
		room, err := tx.GetRoom(ctx, *resident.RoomID)
		if err != nil {
			return notFound(op, "room", *resident.RoomID, err)
		}
		period, err := e.activePeriod(ctx, tx, op, room.HostelID)
		if err != nil {
			return err
		}

		h, _, err := e.archiveResident(ctx, tx, *resident, room, period)
		if err != nil {
			return err
		}
		count, err := tx.CountLiveResidents(ctx, room.ID)
		if err != nil {
			return err
		}
		if err := tx.SetRoomOccupancy(ctx, room.ID, count, room.StatusFor(count)); err != nil {
			return err
		}
		e.queueEvent(&hooks, archivedEvent(h, room.HostelID))
		out = &h
		return nil
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	e.logger().Info("resident checked out",
		zap.String("resident_id", residentID),
		zap.String("historical_resident_id", out.ID),
		zap.String("amount_paid", out.AmountPaid.StringFixed(2)))
	e.runHooks(ctx, &hooks)
	return out, nil
}

// =============================================================================
// ARCHIVAL
// =============================================================================

// closePeriod archives the hostel against period, resets its rooms and marks
// the period ended.
func (e *Engine) closePeriod(ctx context.Context, tx Tx, period *CalendarPeriod, hooks *postCommit) (*RolloverResult, error) {
	residents, err := tx.ListLiveResidents(ctx, period.HostelID)
	if err != nil {
		return nil, err
	}

	res := &RolloverResult{}
	rooms := make(map[string]*Room)
	for _, r := range residents {
		room, ok := rooms[*r.RoomID]
		if !ok {
			if room, err = tx.GetRoom(ctx, *r.RoomID); err != nil {
				return nil, notFound("EndPeriod", "room", *r.RoomID, err)
			}
			rooms[room.ID] = room
		}
		h, moved, err := e.archiveResident(ctx, tx, r, room, period)
		if err != nil {
			return nil, err
		}
		res.Archived = append(res.Archived, h)
		res.PaymentsRelinked += moved
	}

	if err := tx.ResetRooms(ctx, period.HostelID); err != nil {
		return nil, err
	}

	now := e.now()
	period.IsActive = false
	period.EndDate = timePtr(now)
	if err := tx.SavePeriod(ctx, *period); err != nil {
		return nil, err
	}
	res.Period = *period

	e.queueEvent(hooks, Event{
		Type: EventPeriodEnded, OccurredAt: now, HostelID: period.HostelID, SubjectID: period.ID,
		Data: map[string]string{
			"archived":          strconv.Itoa(len(res.Archived)),
			"payments_relinked": strconv.Itoa(res.PaymentsRelinked),
		},
	})
	return res, nil
}

// archiveResident snapshots one resident's occupancy for period and detaches
// them from their room.
func (e *Engine) archiveResident(ctx context.Context, tx Tx, r Resident, room *Room, period *CalendarPeriod) (HistoricalResident, int, error) {
	paid, err := confirmedTotal(ctx, tx, r.ID, period.ID)
	if err != nil {
		return HistoricalResident{}, 0, err
	}
	h := HistoricalResident{
		ID:               uuid.NewString(),
		ResidentID:       r.ID,
		RoomID:           room.ID,
		CalendarPeriodID: period.ID,
		AmountPaid:       RoundMoney(paid),
		RoomPrice:        RoundMoney(room.Price),
		ArchivedAt:       e.now(),
	}
	if err := tx.CreateHistoricalResident(ctx, h); err != nil {
		return HistoricalResident{}, 0, err
	}
	moved, err := tx.RelinkPayments(ctx, r.ID, period.ID, h.ID)
	if err != nil {
		return HistoricalResident{}, 0, err
	}

	r.RoomID = nil
	r.Status = ResidentCheckedOut
	r.AccessCode = ""
	r.AccessCodeExpiresAt = nil
	if err := tx.SaveResident(ctx, r); err != nil {
		return HistoricalResident{}, 0, err
	}
	return h, moved, nil
}

func archivedEvent(h HistoricalResident, hostelID string) Event {
	return Event{
		Type: EventResidentArchived, OccurredAt: h.ArchivedAt, HostelID: hostelID, SubjectID: h.ResidentID,
		Data: map[string]string{
			"historical_resident_id": h.ID,
			"room_id":                h.RoomID,
			"amount_paid":            h.AmountPaid.StringFixed(2),
		},
	}
}

func (e *Engine) logRollover(op string, res *RolloverResult) {
	e.logger().Info("calendar period ended",
		zap.String("op", op),
		zap.String("hostel_id", res.Period.HostelID),
		zap.String("period_id", res.Period.ID),
		zap.Int("archived", len(res.Archived)),
		zap.Int("payments_relinked", res.PaymentsRelinked))
}
