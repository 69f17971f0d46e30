package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hostel-billing/billing"
)

func TestOutstanding(t *testing.T) {
	tests := []struct {
		price, paid, threshold string
		want                   string // empty means nil
	}{
		{"1000", "650", "70", ""},
		{"1000", "700", "70", "300"},
		{"1000", "750", "70", "250"},
		{"1000", "1000", "70", ""},
		{"1000", "1200", "70", ""},
		{"999.99", "700", "70", "299.99"},
		{"0", "0", "70", ""},
	}
	for _, tt := range tests {
		got := billing.Outstanding(dec(tt.price), dec(tt.paid), dec(tt.threshold))
		if tt.want == "" {
			assert.Nil(t, got, "price %s paid %s", tt.price, tt.paid)
			continue
		}
		require.NotNil(t, got, "price %s paid %s", tt.price, tt.paid)
		assert.True(t, got.Equal(dec(tt.want)), "price %s paid %s: got %s", tt.price, tt.paid, got)
	}
}

func TestDebtAndPercentage(t *testing.T) {
	assert.True(t, billing.Debt(dec("500"), dec("600")).IsZero())
	assert.True(t, billing.Debt(dec("500"), dec("125.5")).Equal(dec("374.5")))
	assert.True(t, billing.PaidPercentage(dec("650"), dec("1000")).Equal(dec("65")))
	assert.True(t, billing.PaidPercentage(dec("10"), dec("0")).Equal(dec("100")))
	assert.Equal(t, "10.01", billing.RoundMoney(dec("10.005")).StringFixed(2))
}

func TestPayment_CanTransitionTo(t *testing.T) {
	pending := billing.Payment{Reference: "r", Status: billing.PaymentPending}
	assert.NoError(t, pending.CanTransitionTo(billing.PaymentConfirmed))
	assert.NoError(t, pending.CanTransitionTo(billing.PaymentCancelled))

	for _, terminal := range []billing.PaymentStatus{billing.PaymentConfirmed, billing.PaymentCancelled} {
		p := billing.Payment{Reference: "r", Status: terminal}
		assert.Error(t, p.CanTransitionTo(billing.PaymentConfirmed), terminal)
		assert.Error(t, p.CanTransitionTo(billing.PaymentPending), terminal)
	}

	unknown := billing.Payment{Reference: "r", Status: "refunded"}
	assert.ErrorContains(t, unknown.CanTransitionTo(billing.PaymentConfirmed), "unknown payment status")
}

func TestEnums_Valid(t *testing.T) {
	assert.True(t, billing.ResidentCheckedOut.Valid())
	assert.False(t, billing.ResidentStatus("evicted").Valid())
	assert.True(t, billing.RoomMaintenance.Valid())
	assert.False(t, billing.RoomStatus("closed").Valid())
	assert.True(t, billing.KindTopUp.Valid())
	assert.False(t, billing.PaymentKind("refund").Valid())
}

func TestRoom_StatusFor(t *testing.T) {
	room := billing.Room{MaxCapacity: 2, Status: billing.RoomAvailable}
	assert.Equal(t, billing.RoomAvailable, room.StatusFor(1))
	assert.Equal(t, billing.RoomOccupied, room.StatusFor(2))

	room.Status = billing.RoomMaintenance
	assert.Equal(t, billing.RoomMaintenance, room.StatusFor(0))
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	m := billing.NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "a")
	require.NoError(t, err)

	// A different key is independent.
	unlockB, err := m.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()

	// The same key blocks until released.
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(waitCtx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op

	again, err := m.Lock(ctx, "a")
	require.NoError(t, err)
	again()
}

func TestKindOf(t *testing.T) {
	err := &billing.Error{Op: "X", Kind: billing.ErrConflict}
	assert.Equal(t, billing.ErrConflict, billing.KindOf(err))
	assert.Equal(t, billing.ErrInternal, billing.KindOf(context.Canceled))
	assert.Equal(t, "X: conflict", err.Error())
}
