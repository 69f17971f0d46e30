package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT GATEWAY
// =============================================================================

// CheckoutSession is what the gateway returns when a charge is initialized.
type CheckoutSession struct {
	Reference        string
	AuthorizationURL string
	AccessCode       string // gateway's own checkout token, unrelated to resident codes
}

// GatewayStatus is the gateway's verdict on a transaction.
type GatewayStatus string

const (
	GatewaySuccess   GatewayStatus = "success"
	GatewayFailed    GatewayStatus = "failed"
	GatewayAbandoned GatewayStatus = "abandoned"
	GatewayPending   GatewayStatus = "pending"
)

type Verification struct {
	Reference string
	Status    GatewayStatus
	Channel   string
	Amount    decimal.Decimal
	PaidAt    *time.Time
}

// Gateway is the external payment provider. It is untrusted: webhooks must
// pass VerifyWebhookSignature, and confirmations always re-verify.
type Gateway interface {
	InitializeTransaction(ctx context.Context, email string, amount decimal.Decimal) (*CheckoutSession, error)
	VerifyTransaction(ctx context.Context, reference string) (*Verification, error)
	VerifyWebhookSignature(rawBody []byte, signature string) bool
}

// =============================================================================
// NOTIFICATIONS & EVENTS
// =============================================================================

// Notifier delivers best-effort messages to residents.
type Notifier interface {
	Send(ctx context.Context, recipientEmail, subject, html string) error
}

type EventType string

const (
	EventPaymentConfirmed EventType = "payment.confirmed"
	EventPeriodEnded      EventType = "period.ended"
	EventResidentArchived EventType = "resident.archived"
)

// Event is a domain event published after commit.
type Event struct {
	Type       EventType         `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	HostelID   string            `json:"hostel_id,omitempty"`
	SubjectID  string            `json:"subject_id"`
	Data       map[string]string `json:"data,omitempty"`
}

// Publisher ships domain events to other systems.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// =============================================================================
// LOCKING
// =============================================================================

// Locker serializes work on a key across callers. Unlock must be safe to call
// once the context is done.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
