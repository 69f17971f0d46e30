package billing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCESS CODE ISSUER
// =============================================================================

// AccessCodeAlphabet leaves out 0/O and 1/I/L so codes survive being read
// aloud or copied from paper.
const AccessCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const DefaultAccessCodeLength = 10

// maxCodeAttempts bounds collision retries when issuing a unique code.
const maxCodeAttempts = 8

type AccessCodeIssuer struct {
	Length int
	Rand   io.Reader
}

func NewAccessCodeIssuer(length int) *AccessCodeIssuer {
	if length <= 0 {
		length = DefaultAccessCodeLength
	}
	return &AccessCodeIssuer{Length: length, Rand: rand.Reader}
}

// Generate returns a random code drawn uniformly from AccessCodeAlphabet.
func (a *AccessCodeIssuer) Generate() (string, error) {
	src := a.Rand
	if src == nil {
		src = rand.Reader
	}
	base := big.NewInt(int64(len(AccessCodeAlphabet)))
	var b strings.Builder
	b.Grow(a.Length)
	for i := 0; i < a.Length; i++ {
		n, err := rand.Int(src, base)
		if err != nil {
			return "", fmt.Errorf("generate access code: %w", err)
		}
		b.WriteByte(AccessCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// IsWellFormed reports whether code could have been produced by Generate.
func (a *AccessCodeIssuer) IsWellFormed(code string) bool {
	if len(code) != a.Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(AccessCodeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// issue generates a code no other resident currently holds.
func (a *AccessCodeIssuer) issue(ctx context.Context, tx Tx) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := a.Generate()
		if err != nil {
			return "", err
		}
		_, err = tx.FindResidentByAccessCode(ctx, code)
		if errors.Is(err, ErrRecordNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no unique access code after %d attempts", maxCodeAttempts)
}

// NormalizeAccessCode trims and upper-cases user input.
func NormalizeAccessCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// =============================================================================
// VERIFICATION
// =============================================================================

// CodeVerification is returned for a valid access code.
type CodeVerification struct {
	Resident    Resident
	Room        *Room
	AmountPaid  decimal.Decimal
	BalanceOwed decimal.Decimal
	// Reference of the payment the summary was taken from, empty if none.
	PaymentReference string
}

// VerifyCode resolves a check-in code. hostelID may be empty; when set, a
// code belonging to another hostel is reported as not found.
func (e *Engine) VerifyCode(ctx context.Context, code, hostelID string) (*CodeVerification, error) {
	const op = "VerifyCode"

	code = NormalizeAccessCode(code)
	if code == "" {
		return nil, newError(op, ErrNotFound, "access code not found")
	}

	var out *CodeVerification
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		resident, err := tx.FindResidentByAccessCode(ctx, code)
		if errors.Is(err, ErrRecordNotFound) {
			return newError(op, ErrNotFound, "access code not found")
		}
		if err != nil {
			return err
		}
		if resident.DeletedAt != nil || (hostelID != "" && resident.HostelID != hostelID) {
			return newError(op, ErrNotFound, "access code not found")
		}
		if resident.AccessCodeExpiresAt != nil && !e.now().Before(*resident.AccessCodeExpiresAt) {
			return newError(op, ErrInvalidState, "access code expired at %s", resident.AccessCodeExpiresAt.Format("2006-01-02 15:04"))
		}

		v := &CodeVerification{Resident: *resident, AmountPaid: decimal.Zero, BalanceOwed: decimal.Zero}
		if resident.RoomID != nil {
			room, err := tx.GetRoom(ctx, *resident.RoomID)
			if err != nil && !errors.Is(err, ErrRecordNotFound) {
				return err
			}
			v.Room = room
		}

		latest, err := tx.LatestConfirmedPayment(ctx, resident.ID)
		switch {
		case errors.Is(err, ErrRecordNotFound):
		case err != nil:
			return err
		default:
			v.AmountPaid = latest.AmountPaid
			v.BalanceOwed = latest.Owed()
			v.PaymentReference = latest.Reference
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}
	return out, nil
}
