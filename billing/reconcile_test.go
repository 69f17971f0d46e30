package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hostel-billing/billing"
)

func (f *fixture) orphan(id string, status billing.PaymentStatus, amount string, createdAt time.Time) {
	f.seed(func(tx billing.Tx) error {
		return tx.CreatePayment(f.ctx, billing.Payment{
			ID: id, Kind: billing.KindCharge, Amount: dec(amount), Status: status,
			Reference: "ref-" + id, CalendarPeriodID: "p1", RoomID: "r1",
			CreatedAt: createdAt, UpdatedAt: createdAt,
		})
	})
}

func resolutionFor(t *testing.T, report *billing.ReconcileReport, paymentID string) billing.Resolution {
	t.Helper()
	for _, r := range report.Resolutions {
		if r.PaymentID == paymentID {
			return r
		}
	}
	t.Fatalf("no resolution for payment %s", paymentID)
	return billing.Resolution{}
}

func TestReconcileOrphans_LiveResidentWinsOverHistorical(t *testing.T) {
	// GIVEN: room r1 has a snapshot for p1 (from an earlier checkout) AND a
	//        current live resident
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 2, "500")
	f.resident("A")
	f.resident("B")
	f.book("r1", "A", "500")
	_, err := f.engine.CheckOut(f.ctx, "A")
	require.NoError(t, err)
	f.book("r1", "B", "500")
	f.orphan("o1", billing.PaymentConfirmed, "500", f.clock())

	// WHEN: orphans are reconciled
	report, err := f.engine.ReconcileOrphans(f.ctx)
	require.NoError(t, err)

	// THEN: rule 1 applies, the payment is linked to the live resident
	res := resolutionFor(t, report, "o1")
	assert.Equal(t, billing.ResolutionLinkedResident, res.Kind)
	assert.Equal(t, "B", res.LinkedTo)

	p := f.getPayment("ref-o1")
	require.NotNil(t, p.ResidentID)
	assert.Equal(t, "B", *p.ResidentID)
	assert.Nil(t, p.HistoricalResidentID)
	assert.NotEmpty(t, p.ResolutionNote)
}

func TestReconcileOrphans_LinksHistoricalWhenRoomEmpty(t *testing.T) {
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 1, "500")
	f.resident("A")
	f.book("r1", "A", "500")
	h, err := f.engine.CheckOut(f.ctx, "A")
	require.NoError(t, err)
	f.orphan("o1", billing.PaymentConfirmed, "500", f.clock())

	report, err := f.engine.ReconcileOrphans(f.ctx)
	require.NoError(t, err)

	res := resolutionFor(t, report, "o1")
	assert.Equal(t, billing.ResolutionLinkedHistorical, res.Kind)
	assert.Equal(t, h.ID, res.LinkedTo)
	p := f.getPayment("ref-o1")
	require.NotNil(t, p.HistoricalResidentID)
	assert.Equal(t, h.ID, *p.HistoricalResidentID)
}

func TestReconcileOrphans_CancelsStalePending(t *testing.T) {
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 1, "500")
	f.orphan("old", billing.PaymentPending, "500", f.clock().Add(-200*24*time.Hour))

	report, err := f.engine.ReconcileOrphans(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, billing.ResolutionStale, resolutionFor(t, report, "old").Kind)
	p := f.getPayment("ref-old")
	assert.Equal(t, billing.PaymentCancelled, p.Status)
	assert.Contains(t, p.ResolutionNote, "stale")
}

func TestReconcileOrphans_CancelsLikelyDuplicate(t *testing.T) {
	// GIVEN: a checked-out resident's payment (no snapshot) and an orphan of
	//        the same amount created two minutes later
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 1, "500")
	f.resident("A")
	f.seed(func(tx billing.Tx) error {
		return tx.CreatePayment(f.ctx, billing.Payment{
			ID: "kept", Kind: billing.KindCharge, Amount: dec("500"), Status: billing.PaymentConfirmed,
			Reference: "ref-kept", ResidentID: strPtr("A"), CalendarPeriodID: "p1", RoomID: "r1",
			CreatedAt: f.clock(), UpdatedAt: f.clock(),
		})
	})
	f.orphan("dup", billing.PaymentPending, "500", f.clock().Add(2*time.Minute))

	report, err := f.engine.ReconcileOrphans(f.ctx)
	require.NoError(t, err)

	res := resolutionFor(t, report, "dup")
	assert.Equal(t, billing.ResolutionDuplicate, res.Kind)
	assert.Contains(t, res.Reason, "ref-kept")
	assert.Equal(t, billing.PaymentCancelled, f.getPayment("ref-dup").Status)
	assert.Equal(t, billing.PaymentConfirmed, f.getPayment("ref-kept").Status)
}

func TestReconcileOrphans_Unresolved(t *testing.T) {
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 1, "500")
	f.orphan("lost", billing.PaymentPending, "500", f.clock())
	f.orphan("paid", billing.PaymentConfirmed, "300", f.clock().Add(time.Hour))

	report, err := f.engine.ReconcileOrphans(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, billing.ResolutionUnresolved, resolutionFor(t, report, "lost").Kind)
	assert.Equal(t, billing.PaymentCancelled, f.getPayment("ref-lost").Status)

	// Money that was actually received keeps its confirmed status and is
	// only flagged.
	assert.Equal(t, billing.ResolutionFlaggedUnresolved, resolutionFor(t, report, "paid").Kind)
	paid := f.getPayment("ref-paid")
	assert.Equal(t, billing.PaymentConfirmed, paid.Status)
	assert.Contains(t, paid.ResolutionNote, "unresolved")
	assert.Equal(t, 1, report.Counts[billing.ResolutionUnresolved])
	assert.Equal(t, 1, report.Counts[billing.ResolutionFlaggedUnresolved])
}

func TestReconcileOrphans_FlagsConfirmedDuplicate(t *testing.T) {
	// GIVEN: two confirmed orphans of the same amount, a minute apart
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 1, "500")
	f.orphan("first", billing.PaymentConfirmed, "500", f.clock())
	f.orphan("second", billing.PaymentConfirmed, "500", f.clock().Add(time.Minute))

	// WHEN: orphans are reconciled
	report, err := f.engine.ReconcileOrphans(f.ctx)
	require.NoError(t, err)

	// THEN: neither is reported as cancelled and both stay confirmed
	for _, id := range []string{"first", "second"} {
		assert.Equal(t, billing.ResolutionFlaggedDuplicate, resolutionFor(t, report, id).Kind, id)
		p := f.getPayment("ref-" + id)
		assert.Equal(t, billing.PaymentConfirmed, p.Status, id)
		assert.Contains(t, p.ResolutionNote, "likely duplicate", id)
	}
	assert.Zero(t, report.Counts[billing.ResolutionDuplicate])
}

func TestReconcileOrphans_IsolatesFailures(t *testing.T) {
	// GIVEN: three stale orphans, one of which cannot be read
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 1, "500")
	old := f.clock().Add(-300 * 24 * time.Hour)
	f.orphan("a", billing.PaymentPending, "100", old)
	f.orphan("b", billing.PaymentPending, "200", old.Add(time.Hour))
	f.orphan("c", billing.PaymentPending, "300", old.Add(2*time.Hour))
	f.engine.Store = &faultyStore{inner: f.store, wrap: func(tx billing.Tx) billing.Tx {
		return failingPaymentTx{Tx: tx, paymentID: "b"}
	}}

	// WHEN: orphans are reconciled
	report, err := f.engine.ReconcileOrphans(f.ctx)

	// THEN: the batch completes; b is marked invalid, a and c are resolved
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, billing.ResolutionMarkedInvalid, resolutionFor(t, report, "b").Kind)
	assert.Equal(t, billing.ResolutionStale, resolutionFor(t, report, "a").Kind)
	assert.Equal(t, billing.ResolutionStale, resolutionFor(t, report, "c").Kind)
	assert.Equal(t, 1, report.Counts[billing.ResolutionMarkedInvalid])
	assert.Equal(t, billing.PaymentPending, f.getPayment("ref-b").Status)
}

func TestReconcileOrphans_NothingToDo(t *testing.T) {
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 1, "500")
	f.resident("A")
	f.book("r1", "A", "500")

	report, err := f.engine.ReconcileOrphans(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Empty(t, report.Resolutions)
}

func strPtr(s string) *string { return &s }
