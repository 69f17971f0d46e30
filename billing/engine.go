/*
engine.go - Engine wiring and policy knobs

PURPOSE:
  Engine holds every dependency the billing operations need. It is built
  once at startup and passed to the HTTP layer; tests build it over the
  in-memory store with fake collaborators.

OPERATIONS (one file each):
  charge.go     InitializeCharge, InitializeTopUpCharge
  confirm.go    ConfirmCharge, ConfirmTopUp, Confirm
  rollover.go   EndPeriod, StartPeriod, CheckOut
  reconcile.go  ReconcileOrphans
  accesscode.go VerifyCode

OPTIONAL DEPENDENCIES:
  Notifier, Publisher and Locker may be nil. Logger defaults to a no-op.
*/
package billing

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Policy carries the tunable business constants.
type Policy struct {
	// Used when a hostel has no threshold of its own. NewEngine starts from
	// DefaultPartialPaymentThreshold.
	DefaultThreshold decimal.Decimal

	AccessCodeLength int
	// Zero means codes never expire.
	AccessCodeTTL time.Duration

	// Pending orphaned payments older than this are cancelled as stale.
	StaleAfter time.Duration
	// Orphans matching another payment within ± this window are duplicates.
	DuplicateWindow time.Duration
}

// DefaultPolicy returns the stock policy: 70% threshold, 10-character codes
// without expiry, 6-month staleness and a 5-minute duplicate window.
func DefaultPolicy() Policy {
	return Policy{
		DefaultThreshold: DefaultPartialPaymentThreshold,
		AccessCodeLength: DefaultAccessCodeLength,
		StaleAfter:       183 * 24 * time.Hour,
		DuplicateWindow:  5 * time.Minute,
	}
}

type Engine struct {
	Store     TxStore
	Gateway   Gateway
	Notifier  Notifier
	Publisher Publisher
	Locker    Locker
	Logger    *zap.Logger
	Policy    Policy

	// Now is the clock. Defaults to time.Now in UTC.
	Now func() time.Time

	// AsyncHooks runs post-commit hooks on a background goroutine.
	AsyncHooks bool

	Codes  *AccessCodeIssuer
	hookWG sync.WaitGroup
}

// NewEngine builds an engine with the default policy and an in-process
// reference lock.
func NewEngine(store TxStore, gateway Gateway, logger *zap.Logger) *Engine {
	return &Engine{
		Store:   store,
		Gateway: gateway,
		Locker:  NewKeyedMutex(),
		Logger:  logger,
		Policy:  DefaultPolicy(),
		Codes:   NewAccessCodeIssuer(DefaultAccessCodeLength),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) codes() *AccessCodeIssuer {
	if e.Codes != nil {
		return e.Codes
	}
	return NewAccessCodeIssuer(e.Policy.AccessCodeLength)
}

func (e *Engine) threshold(h *Hostel) decimal.Decimal {
	// Zero is a valid policy: any payment records the remaining debt.
	fallback := e.Policy.DefaultThreshold
	if h == nil {
		return fallback
	}
	return h.Threshold(fallback)
}
