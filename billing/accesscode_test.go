package billing_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hostel-billing/billing"
)

func TestAccessCodeIssuer_Generate(t *testing.T) {
	issuer := billing.NewAccessCodeIssuer(0)
	require.Equal(t, billing.DefaultAccessCodeLength, issuer.Length)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := issuer.Generate()
		require.NoError(t, err)
		require.Len(t, code, 10)
		assert.True(t, issuer.IsWellFormed(code), code)
		seen[code] = true
	}
	// 31^10 possible codes; a collision in 200 draws means a broken source.
	assert.Len(t, seen, 200)
}

func TestAccessCodeIssuer_IsWellFormed(t *testing.T) {
	issuer := billing.NewAccessCodeIssuer(10)

	assert.True(t, issuer.IsWellFormed("ABCDEFGH23"))
	assert.False(t, issuer.IsWellFormed("ABCDEFGH2"), "too short")
	assert.False(t, issuer.IsWellFormed("ABCDEFGH0O"), "ambiguous characters")
	assert.False(t, issuer.IsWellFormed("abcdefgh23"), "lower case")
}

func TestAccessCodeIssuer_ExcludesAmbiguousCharacters(t *testing.T) {
	for _, c := range "01OIL" {
		assert.False(t, strings.ContainsRune(billing.AccessCodeAlphabet, c), "%q in alphabet", c)
	}
}

func TestVerifyCode(t *testing.T) {
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 1, "1000")
	f.resident("A")
	res := f.book("r1", "A", "800")

	t.Run("valid code, any case", func(t *testing.T) {
		v, err := f.engine.VerifyCode(f.ctx, " "+strings.ToLower(res.AccessCode)+" ", "h1")
		require.NoError(t, err)
		assert.Equal(t, "A", v.Resident.ID)
		require.NotNil(t, v.Room)
		assert.Equal(t, "r1", v.Room.ID)
		assert.True(t, v.AmountPaid.Equal(dec("800")))
		assert.True(t, v.BalanceOwed.Equal(dec("200")))
		assert.Equal(t, res.Payment.Reference, v.PaymentReference)
	})

	t.Run("other hostel", func(t *testing.T) {
		_, err := f.engine.VerifyCode(f.ctx, res.AccessCode, "h2")
		assert.ErrorIs(t, err, billing.ErrNotFound)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, err := f.engine.VerifyCode(f.ctx, "ZZZZZZZZZZ", "")
		assert.ErrorIs(t, err, billing.ErrNotFound)
	})

	t.Run("empty code", func(t *testing.T) {
		_, err := f.engine.VerifyCode(f.ctx, "   ", "")
		assert.ErrorIs(t, err, billing.ErrNotFound)
	})
}

func TestVerifyCode_Expired(t *testing.T) {
	// GIVEN: codes valid for one day
	f := newFixture(t)
	f.engine.Policy.AccessCodeTTL = 24 * time.Hour
	f.standardHostel()
	f.room("r1", "h1", 1, "500")
	f.resident("A")
	res := f.book("r1", "A", "500")
	require.NotNil(t, f.getResident("A").AccessCodeExpiresAt)

	_, err := f.engine.VerifyCode(f.ctx, res.AccessCode, "")
	require.NoError(t, err)

	// WHEN: the day passes
	f.advance(24 * time.Hour)

	// THEN: the code is refused
	_, err = f.engine.VerifyCode(f.ctx, res.AccessCode, "")
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestConfirmCharge_CodesAreUniqueAcrossResidents(t *testing.T) {
	f := newFixture(t)
	f.standardHostel()
	f.room("r1", "h1", 5, "500")
	codes := make(map[string]bool)
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		f.resident(id)
		codes[f.book("r1", id, "500").AccessCode] = true
	}
	assert.Len(t, codes, 5)
}
