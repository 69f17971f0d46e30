package billing_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hostel-billing/billing"
)

// populatedHostel books four residents across two rooms of h1 and one
// resident in a second hostel.
func populatedHostel(t *testing.T) *fixture {
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 2, "1000")
	f.room("r2", "h1", 2, "800")
	for _, id := range []string{"A", "B", "C", "D", "X"} {
		f.resident(id)
	}
	f.book("r1", "A", "1000")
	f.book("r1", "B", "750")
	f.book("r2", "C", "800")
	f.book("r2", "D", "600")

	f.hostel("h2")
	f.period("p2", "h2")
	f.room("x1", "h2", 1, "400")
	f.book("x1", "X", "400")
	return f
}

func TestEndPeriod_ArchivesEveryLiveResident(t *testing.T) {
	// GIVEN: four live residents in h1
	f := populatedHostel(t)

	// WHEN: the period ends
	res, err := f.engine.EndPeriod(f.ctx, "p1")
	require.NoError(t, err)

	// THEN: every resident has a snapshot, no one is live and rooms are reset
	require.Len(t, res.Archived, 4)
	assert.Equal(t, 4, res.PaymentsRelinked)

	paid := map[string]decimal.Decimal{}
	for _, h := range res.Archived {
		paid[h.ResidentID] = h.AmountPaid
		assert.Equal(t, "p1", h.CalendarPeriodID)
	}
	assert.True(t, paid["A"].Equal(dec("1000")))
	assert.True(t, paid["B"].Equal(dec("750")))
	assert.True(t, paid["C"].Equal(dec("800")))
	assert.True(t, paid["D"].Equal(dec("600")))

	for _, id := range []string{"A", "B", "C", "D"} {
		r := f.getResident(id)
		assert.Equal(t, billing.ResidentCheckedOut, r.Status, id)
		assert.Nil(t, r.RoomID, id)
		assert.Empty(t, r.AccessCode, id)
	}
	for _, id := range []string{"r1", "r2"} {
		room := f.getRoom(id)
		assert.Equal(t, 0, room.CurrentOccupancy, id)
		assert.Equal(t, billing.RoomAvailable, room.Status, id)
	}

	period := f.getPeriod("p1")
	assert.False(t, period.IsActive)
	require.NotNil(t, period.EndDate)

	// Other hostels are untouched.
	assert.True(t, f.getResident("X").InRoom("x1"))
	assert.Equal(t, 1, f.getRoom("x1").CurrentOccupancy)

	assert.Contains(t, f.publisher.types(), billing.EventPeriodEnded)
}

func TestEndPeriod_ConservesPaidAmounts(t *testing.T) {
	// GIVEN: residents with confirmed payments, one with a top-up
	f := populatedHostel(t)
	s, err := f.engine.InitializeTopUpCharge(f.ctx, "B", dec("100"))
	require.NoError(t, err)
	_, err = f.engine.ConfirmTopUp(f.ctx, s.Payment.Reference)
	require.NoError(t, err)

	var before decimal.Decimal
	for _, ref := range []string{"ref-1", "ref-2", "ref-3", "ref-4", s.Payment.Reference} {
		before = before.Add(f.getPayment(ref).Amount)
	}

	// WHEN: the period ends
	res, err := f.engine.EndPeriod(f.ctx, "p1")
	require.NoError(t, err)

	// THEN: snapshot totals equal the confirmed amounts and every payment now
	//       points at a snapshot
	var after decimal.Decimal
	for _, h := range res.Archived {
		after = after.Add(h.AmountPaid)
	}
	assert.True(t, before.Equal(after), "before %s after %s", before, after)

	for _, ref := range []string{"ref-1", "ref-2", "ref-3", "ref-4", s.Payment.Reference} {
		p := f.getPayment(ref)
		assert.Nil(t, p.ResidentID, ref)
		assert.NotNil(t, p.HistoricalResidentID, ref)
	}
}

func TestEndPeriod_AlreadyEnded(t *testing.T) {
	f := newFixture(t)
	f.standardHostel()

	_, err := f.engine.EndPeriod(f.ctx, "p1")
	require.NoError(t, err)

	_, err = f.engine.EndPeriod(f.ctx, "p1")
	assert.ErrorIs(t, err, billing.ErrInvalidState)

	_, err = f.engine.EndPeriod(f.ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestEndPeriod_FailureRollsBackEverything(t *testing.T) {
	// GIVEN: archival fails on the third resident
	f := populatedHostel(t)
	calls := 0
	f.engine.Store = &faultyStore{inner: f.store, wrap: func(tx billing.Tx) billing.Tx {
		return failingHistoricalTx{Tx: tx, calls: &calls, allow: 2}
	}}

	// WHEN: the period ends
	_, err := f.engine.EndPeriod(f.ctx, "p1")

	// THEN: Internal, and the hostel looks exactly as before
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrInternal)
	assert.True(t, errors.Is(err, errInjected))

	assert.True(t, f.getPeriod("p1").IsActive)
	for id, room := range map[string]string{"A": "r1", "B": "r1", "C": "r2", "D": "r2"} {
		assert.True(t, f.getResident(id).InRoom(room), id)
	}
	assert.Equal(t, 2, f.getRoom("r1").CurrentOccupancy)
	assert.Equal(t, 2, f.getRoom("r2").CurrentOccupancy)
	assert.NotNil(t, f.getPayment("ref-1").ResidentID)
	f.seed(func(tx billing.Tx) error {
		_, err := tx.FindHistoricalResident(f.ctx, "r1", "p1")
		assert.ErrorIs(t, err, billing.ErrRecordNotFound)
		return nil
	})
	assert.NotContains(t, f.publisher.types(), billing.EventPeriodEnded)
}

func TestStartPeriod_ClosesPreviousAndOpensNew(t *testing.T) {
	// GIVEN: a populated hostel with active period p1
	f := populatedHostel(t)

	// WHEN: a new period starts
	res, err := f.engine.StartPeriod(f.ctx, "h1", "2026/2027")
	require.NoError(t, err)

	// THEN: p1 was archived in the same step and the new period is active
	require.NotNil(t, res.Previous)
	assert.Len(t, res.Previous.Archived, 4)
	assert.False(t, f.getPeriod("p1").IsActive)

	assert.True(t, res.Period.IsActive)
	assert.Equal(t, "2026/2027", res.Period.Name)
	f.seed(func(tx billing.Tx) error {
		active, err := tx.ActivePeriod(f.ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, res.Period.ID, active.ID)
		return nil
	})

	// A resident can book again under the new period.
	f.book("r1", "A", "1000")
	assert.Equal(t, res.Period.ID, f.getPayment("ref-6").CalendarPeriodID)
}

func TestStartPeriod_NoPreviousPeriod(t *testing.T) {
	f := newFixture(t)
	f.hostel("h1")

	res, err := f.engine.StartPeriod(f.ctx, "h1", "first")
	require.NoError(t, err)
	assert.Nil(t, res.Previous)

	_, err = f.engine.StartPeriod(f.ctx, "nope", "first")
	assert.ErrorIs(t, err, billing.ErrNotFound)

	_, err = f.engine.StartPeriod(f.ctx, "h1", "")
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestCheckOut_FreesSlot(t *testing.T) {
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 1, "500")
	f.resident("A")
	f.resident("B")
	f.book("r1", "A", "500")

	h, err := f.engine.CheckOut(f.ctx, "A")
	require.NoError(t, err)
	assert.True(t, h.AmountPaid.Equal(dec("500")))
	assert.Equal(t, 0, f.getRoom("r1").CurrentOccupancy)
	assert.Equal(t, billing.RoomAvailable, f.getRoom("r1").Status)

	// The freed slot can be taken.
	f.book("r1", "B", "500")
	assert.Equal(t, 1, f.getRoom("r1").CurrentOccupancy)

	_, err = f.engine.CheckOut(f.ctx, "A")
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestConfirm_PaymentRelinkedToHistoricalResident(t *testing.T) {
	// GIVEN: a pending top-up that was moved onto a snapshot at period end
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 1, "1000")
	f.resident("A")
	f.book("r1", "A", "800")
	s, err := f.engine.InitializeTopUpCharge(f.ctx, "A", dec("200"))
	require.NoError(t, err)
	rollover, err := f.engine.EndPeriod(f.ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rollover.Archived, 1)

	// WHEN: the gateway later confirms it
	res, err := f.engine.ConfirmTopUp(f.ctx, s.Payment.Reference)

	// THEN: the payment is confirmed against the snapshot and the resident is
	//       not re-bound to the room
	require.NoError(t, err)
	assert.Nil(t, res.Resident)
	p := f.getPayment(s.Payment.Reference)
	assert.Equal(t, billing.PaymentConfirmed, p.Status)
	require.NotNil(t, p.HistoricalResidentID)
	assert.Equal(t, rollover.Archived[0].ID, *p.HistoricalResidentID)
	assert.Nil(t, f.getResident("A").RoomID)
	assert.Equal(t, 0, f.getRoom("r1").CurrentOccupancy)
}
