/*
Package paystack implements billing.Gateway against the Paystack REST API.

ENDPOINTS:
  POST /transaction/initialize        open a checkout (amount in kobo)
  GET  /transaction/verify/{reference} read the transaction outcome

WEBHOOKS:
  Paystack signs each webhook body with HMAC-SHA512 keyed by the secret key
  and sends the hex digest in the x-paystack-signature header.

RESILIENCE:
  Requests retry on transport errors and 5xx responses, then go through a
  circuit breaker so a Paystack outage fails fast instead of piling up
  request goroutines. 4xx answers do not trip the breaker.
*/
package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/warp/hostel-billing/billing"
	"go.uber.org/zap"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "x-paystack-signature"

const DefaultBaseURL = "https://api.paystack.co"

// koboPerNaira converts between the API's minor units and decimal amounts.
var koboPerNaira = decimal.NewFromInt(100)

type Config struct {
	SecretKey   string
	BaseURL     string
	CallbackURL string
	Timeout     time.Duration
	RetryCount  int
}

// Client is a billing.Gateway backed by Paystack.
type Client struct {
	http        *resty.Client
	cb          *gobreaker.CircuitBreaker
	secret      []byte
	callbackURL string
	logger      *zap.Logger
}

var _ billing.Gateway = (*Client)(nil)

// APIError is a non-2xx answer or a {status:false} envelope.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paystack: %s (http %d)", e.Message, e.StatusCode)
}

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetAuthToken(cfg.SecretKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		http:        httpClient,
		cb:          newBreaker("paystack", logger),
		secret:      []byte(cfg.SecretKey),
		callbackURL: cfg.CallbackURL,
		logger:      logger,
	}
}

func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 4
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
	})
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type envelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type initializeRequest struct {
	Email       string `json:"email"`
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type verifyData struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Channel   string `json:"channel"`
	PaidAt    string `json:"paid_at"`
	Currency  string `json:"currency"`
}

// =============================================================================
// GATEWAY
// =============================================================================

// InitializeTransaction opens a checkout under a fresh reference.
func (c *Client) InitializeTransaction(ctx context.Context, email string, amount decimal.Decimal) (*billing.CheckoutSession, error) {
	req := initializeRequest{
		Email:       email,
		Amount:      ToKobo(amount),
		Reference:   NewReference(),
		CallbackURL: c.callbackURL,
	}

	var out envelope[initializeData]
	if err := c.call(func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(req).SetResult(&out).SetError(&out).
			Post("/transaction/initialize")
	}, &out.Status, &out.Message); err != nil {
		return nil, err
	}

	ref := out.Data.Reference
	if ref == "" {
		ref = req.Reference
	}
	c.logger.Debug("paystack transaction initialized", zap.String("reference", ref))
	return &billing.CheckoutSession{
		Reference:        ref,
		AuthorizationURL: out.Data.AuthorizationURL,
		AccessCode:       out.Data.AccessCode,
	}, nil
}

// VerifyTransaction reads the outcome of a transaction.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*billing.Verification, error) {
	var out envelope[verifyData]
	if err := c.call(func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&out).SetError(&out).
			Get("/transaction/verify/" + url.PathEscape(reference))
	}, &out.Status, &out.Message); err != nil {
		return nil, err
	}

	v := &billing.Verification{
		Reference: out.Data.Reference,
		Status:    gatewayStatus(out.Data.Status),
		Channel:   out.Data.Channel,
		Amount:    FromKobo(out.Data.Amount),
	}
	if v.Reference == "" {
		v.Reference = reference
	}
	if out.Data.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, out.Data.PaidAt); err == nil {
			v.PaidAt = &t
		}
	}
	return v, nil
}

// VerifyWebhookSignature checks the hex HMAC-SHA512 of the raw body.
func (c *Client) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	if len(c.secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(c.secret, rawBody))
}

// call runs one request through the breaker and turns HTTP and envelope
// failures into *APIError.
func (c *Client) call(do func() (*resty.Response, error), ok *bool, message *string) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := do()
		if err != nil {
			return nil, fmt.Errorf("paystack: %w", err)
		}
		if resp.IsError() || !*ok {
			msg := *message
			if msg == "" {
				msg = resp.Status()
			}
			return nil, &APIError{StatusCode: resp.StatusCode(), Message: msg}
		}
		return nil, nil
	})
	if err != nil {
		c.logger.Warn("paystack request failed", zap.Error(err))
	}
	return err
}

func gatewayStatus(s string) billing.GatewayStatus {
	switch s {
	case "success":
		return billing.GatewaySuccess
	case "abandoned":
		return billing.GatewayAbandoned
	case "failed", "reversed":
		return billing.GatewayFailed
	default:
		return billing.GatewayPending
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// Sign returns the HMAC-SHA512 of body keyed by secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// NewReference returns a unique transaction reference.
func NewReference() string {
	return "hb_" + uuid.NewString()
}

// ToKobo converts a naira amount to kobo, rounding to the nearest kobo.
func ToKobo(amount decimal.Decimal) int64 {
	return amount.Mul(koboPerNaira).Round(0).IntPart()
}

func FromKobo(kobo int64) decimal.Decimal {
	return decimal.NewFromInt(kobo).Div(koboPerNaira)
}
