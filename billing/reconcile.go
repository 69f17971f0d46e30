/*
reconcile.go - Orphaned payment repair

PURPOSE:
  Finds payments with neither a resident nor a historical resident link and
  relinks or retires each one.

RULES (fixed order, first match wins):
  1. room has a live resident            -> link to that resident
  2. historical record for room + period -> link to it
  3. pending and older than StaleAfter   -> cancel ("stale")
  4. same amount, room and period as another payment created within
     ±DuplicateWindow                    -> cancel ("likely duplicate")
  5. otherwise                           -> cancel ("unresolved")

  Confirmed is terminal, so a confirmed orphan hitting rule 4 or 5 keeps
  its status and is reported as flagged_* instead of cancelled_*.

ISOLATION:
  Each payment is resolved in its own transaction. A failure is reported as
  ResolutionMarkedInvalid and the batch continues.
*/
package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type ResolutionKind string

const (
	ResolutionLinkedResident    ResolutionKind = "linked_resident"
	ResolutionLinkedHistorical  ResolutionKind = "linked_historical"
	ResolutionStale             ResolutionKind = "cancelled_stale"
	ResolutionDuplicate         ResolutionKind = "cancelled_duplicate"
	ResolutionUnresolved        ResolutionKind = "cancelled_unresolved"
	ResolutionFlaggedDuplicate  ResolutionKind = "flagged_duplicate"
	ResolutionFlaggedUnresolved ResolutionKind = "flagged_unresolved"
	ResolutionMarkedInvalid     ResolutionKind = "marked_invalid"
	ResolutionSkipped           ResolutionKind = "skipped"
)

// Resolution is the outcome for one orphaned payment.
type Resolution struct {
	PaymentID string
	Reference string
	Kind      ResolutionKind
	Reason    string
	// LinkedTo is the resident or historical resident id for link outcomes.
	LinkedTo string
}

type ReconcileReport struct {
	Scanned     int
	Resolutions []Resolution
	Counts      map[ResolutionKind]int
}

// ReconcileOrphans resolves every orphaned payment.
func (e *Engine) ReconcileOrphans(ctx context.Context) (*ReconcileReport, error) {
	const op = "ReconcileOrphans"

	var orphans []Payment
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		orphans, err = tx.ListOrphanedPayments(ctx)
		return err
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	report := &ReconcileReport{Scanned: len(orphans), Counts: make(map[ResolutionKind]int)}
	for _, orphan := range orphans {
		if err := ctx.Err(); err != nil {
			return report, wrapStore(op, err)
		}
		res := e.reconcileOne(ctx, orphan)
		report.Resolutions = append(report.Resolutions, res)
		report.Counts[res.Kind]++
	}

	e.logger().Info("orphaned payments reconciled",
		zap.Int("scanned", report.Scanned),
		zap.Int("linked_resident", report.Counts[ResolutionLinkedResident]),
		zap.Int("linked_historical", report.Counts[ResolutionLinkedHistorical]),
		zap.Int("flagged", report.Counts[ResolutionFlaggedDuplicate]+report.Counts[ResolutionFlaggedUnresolved]),
		zap.Int("marked_invalid", report.Counts[ResolutionMarkedInvalid]))
	return report, nil
}

func (e *Engine) reconcileOne(ctx context.Context, orphan Payment) (res Resolution) {
	res = Resolution{PaymentID: orphan.ID, Reference: orphan.Reference}
	defer func() {
		if r := recover(); r != nil {
			res.Kind = ResolutionMarkedInvalid
			res.Reason = fmt.Sprintf("panic while resolving: %v", r)
		}
	}()

	err := e.Store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.GetPayment(ctx, orphan.ID)
		if err != nil {
			return err
		}
		if !p.IsOrphaned() {
			res.Kind = ResolutionSkipped
			res.Reason = "payment was linked by another writer"
			return nil
		}
		kind, reason, linkedTo, err := e.resolve(ctx, tx, p)
		if err != nil {
			return err
		}
		res.Kind, res.Reason, res.LinkedTo = kind, reason, linkedTo
		return nil
	})
	if err != nil {
		e.logger().Warn("orphaned payment could not be resolved",
			zap.String("payment_id", orphan.ID), zap.Error(err))
		return Resolution{
			PaymentID: orphan.ID,
			Reference: orphan.Reference,
			Kind:      ResolutionMarkedInvalid,
			Reason:    err.Error(),
		}
	}
	return res
}

// resolve applies the rules to p and writes the outcome.
func (e *Engine) resolve(ctx context.Context, tx Tx, p *Payment) (ResolutionKind, string, string, error) {
	now := e.now()
	p.UpdatedAt = now

	// 1. live resident in the room
	live, err := tx.LiveResidentsInRoom(ctx, p.RoomID)
	if err != nil {
		return "", "", "", err
	}
	if len(live) > 0 {
		r := live[0]
		p.ResidentID = strPtr(r.ID)
		p.ResolutionNote = fmt.Sprintf("linked to current resident %s of room %s", r.ID, p.RoomID)
		if err := tx.SavePayment(ctx, *p); err != nil {
			return "", "", "", err
		}
		return ResolutionLinkedResident, p.ResolutionNote, r.ID, nil
	}

	// 2. historical record for the same room and period
	h, err := tx.FindHistoricalResident(ctx, p.RoomID, p.CalendarPeriodID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
	case err != nil:
		return "", "", "", err
	default:
		p.HistoricalResidentID = strPtr(h.ID)
		p.ResolutionNote = fmt.Sprintf("linked to historical resident %s for period %s", h.ID, p.CalendarPeriodID)
		if err := tx.SavePayment(ctx, *p); err != nil {
			return "", "", "", err
		}
		return ResolutionLinkedHistorical, p.ResolutionNote, h.ID, nil
	}

	// 3. stale pending
	if p.Status == PaymentPending && p.PaidAt == nil && e.Policy.StaleAfter > 0 && p.CreatedAt.Before(now.Add(-e.Policy.StaleAfter)) {
		reason := fmt.Sprintf("stale: pending since %s", p.CreatedAt.Format("2006-01-02"))
		return ResolutionStale, reason, "", e.retire(ctx, tx, p, reason)
	}

	// 4. likely duplicate
	if w := e.Policy.DuplicateWindow; w > 0 {
		similar, err := tx.ListSimilarPayments(ctx, *p, p.CreatedAt.Add(-w), p.CreatedAt.Add(w))
		if err != nil {
			return "", "", "", err
		}
		for _, other := range similar {
			if other.Amount.Equal(p.Amount) {
				reason := fmt.Sprintf("likely duplicate of payment %s", other.Reference)
				kind := retiredKind(p, ResolutionDuplicate, ResolutionFlaggedDuplicate)
				return kind, reason, "", e.retire(ctx, tx, p, reason)
			}
		}
	}

	// 5. nothing matched
	reason := "unresolved: no resident, historical record or duplicate found"
	kind := retiredKind(p, ResolutionUnresolved, ResolutionFlaggedUnresolved)
	return kind, reason, "", e.retire(ctx, tx, p, reason)
}

// retiredKind picks the reported outcome before retire runs: confirmed
// payments are only flagged.
func retiredKind(p *Payment, cancelled, flagged ResolutionKind) ResolutionKind {
	if p.Status == PaymentConfirmed {
		return flagged
	}
	return cancelled
}

// retire cancels an orphaned payment. A confirmed payment keeps its status;
// only the note records why it could not be linked.
func (e *Engine) retire(ctx context.Context, tx Tx, p *Payment, reason string) error {
	switch p.Status {
	case PaymentPending:
		p.Status = PaymentCancelled
	case PaymentConfirmed, PaymentCancelled:
	default:
		return fmt.Errorf("payment %s has unknown status %q", p.Reference, p.Status)
	}
	p.ResolutionNote = reason
	return tx.SavePayment(ctx, *p)
}
