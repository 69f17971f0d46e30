package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hostel-billing/api"
	"github.com/warp/hostel-billing/billing"
	"github.com/warp/hostel-billing/billing/store"
	"go.uber.org/zap/zaptest"
)

func TestReconciliationScheduler_RunsOnStart(t *testing.T) {
	// GIVEN: a stale orphaned payment
	ctx := context.Background()
	s := store.NewMemory()
	now := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)
	created := now.AddDate(-1, 0, 0)
	require.NoError(t, s.WithTx(ctx, func(tx billing.Tx) error {
		return tx.CreatePayment(ctx, billing.Payment{
			ID: "o1", Kind: billing.KindCharge, Amount: decimal.NewFromInt(100), Status: billing.PaymentPending,
			Reference: "orphan-1", RoomID: "r1", CalendarPeriodID: "p1", CreatedAt: created, UpdatedAt: created,
		})
	}))
	engine := billing.NewEngine(s, &fakeGateway{}, nil)
	engine.Now = func() time.Time { return now }

	// WHEN: the scheduler starts with a long interval
	rs := api.NewReconciliationScheduler(engine, zaptest.NewLogger(t))
	rs.CheckInterval = time.Hour
	rs.Start()
	rs.Start()
	require.Eventually(t, func() bool { return rs.Runs() >= 1 }, time.Second, 5*time.Millisecond)
	rs.Stop()
	rs.Stop()

	// THEN: the first pass already cancelled the orphan
	require.NoError(t, s.WithTx(ctx, func(tx billing.Tx) error {
		p, err := tx.GetPaymentByReference(ctx, "orphan-1")
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentCancelled, p.Status)
		return nil
	}))
	assert.Equal(t, 1, rs.Runs())
}

func TestReconciliationScheduler_Disabled(t *testing.T) {
	rs := api.NewReconciliationScheduler(billing.NewEngine(store.NewMemory(), &fakeGateway{}, nil), nil)
	rs.Enabled = false
	rs.Start()
	rs.Stop()
	assert.Equal(t, 0, rs.Runs())
}
