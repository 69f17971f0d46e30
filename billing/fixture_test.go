package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/hostel-billing/billing"
	"github.com/warp/hostel-billing/billing/store"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeGateway hands out sequential references ("ref-1", "ref-2", ...) and
// reports success for the amount each was initialized with.
type fakeGateway struct {
	mu          sync.Mutex
	next        int
	amounts     map[string]decimal.Decimal
	statuses    map[string]billing.GatewayStatus
	initErr     error
	verifyErr   error
	verifyCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		amounts:  make(map[string]decimal.Decimal),
		statuses: make(map[string]billing.GatewayStatus),
	}
}

func (g *fakeGateway) InitializeTransaction(_ context.Context, email string, amount decimal.Decimal) (*billing.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initErr != nil {
		return nil, g.initErr
	}
	g.next++
	ref := fmt.Sprintf("ref-%d", g.next)
	g.amounts[ref] = amount
	return &billing.CheckoutSession{
		Reference:        ref,
		AuthorizationURL: "https://checkout.test/" + ref,
	}, nil
}

func (g *fakeGateway) VerifyTransaction(_ context.Context, reference string) (*billing.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	status, ok := g.statuses[reference]
	if !ok {
		status = billing.GatewaySuccess
	}
	return &billing.Verification{
		Reference: reference,
		Status:    status,
		Channel:   "card",
		Amount:    g.amounts[reference],
	}, nil
}

func (g *fakeGateway) VerifyWebhookSignature(_ []byte, signature string) bool {
	return signature == "valid"
}

func (g *fakeGateway) setStatus(ref string, s billing.GatewayStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[ref] = s
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verifyCalls
}

type sentMessage struct {
	to, subject, html string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, to, subject, html string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{to: to, subject: subject, html: html})
	return n.err
}

func (n *recordingNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []billing.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev billing.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []billing.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []billing.EventType
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *store.Memory
	gateway   *fakeGateway
	notifier  *recordingNotifier
	publisher *recordingPublisher
	engine    *billing.Engine

	clockMu sync.Mutex
	now     time.Time
	seq     int
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     store.NewMemory(),
		gateway:   newFakeGateway(),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		now:       time.Date(2025, time.September, 1, 9, 0, 0, 0, time.UTC),
	}
	f.engine = billing.NewEngine(f.store, f.gateway, zaptest.NewLogger(t))
	f.engine.Notifier = f.notifier
	f.engine.Publisher = f.publisher
	f.engine.Now = f.clock
	return f
}

func (f *fixture) clock() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) seed(fn func(tx billing.Tx) error) {
	f.t.Helper()
	require.NoError(f.t, f.store.WithTx(f.ctx, fn))
}

func (f *fixture) hostel(id string) {
	f.seed(func(tx billing.Tx) error {
		return tx.SaveHostel(f.ctx, billing.Hostel{ID: id, Name: "Hostel " + id})
	})
}

func (f *fixture) room(id, hostelID string, capacity int, price string) {
	f.seed(func(tx billing.Tx) error {
		return tx.SaveRoom(f.ctx, billing.Room{
			ID: id, HostelID: hostelID, Number: id, MaxCapacity: capacity,
			Status: billing.RoomAvailable, Price: dec(price),
		})
	})
}

func (f *fixture) period(id, hostelID string) {
	f.seed(func(tx billing.Tx) error {
		return tx.SavePeriod(f.ctx, billing.CalendarPeriod{
			ID: id, HostelID: hostelID, Name: "2025/2026", StartDate: f.clock(), IsActive: true,
		})
	})
}

// resident creates a user and an active resident without a room.
func (f *fixture) resident(id string) {
	f.seq++
	createdAt := f.clock().Add(time.Duration(f.seq) * time.Second)
	f.seed(func(tx billing.Tx) error {
		if err := tx.SaveUser(f.ctx, billing.User{ID: "user-" + id, Email: id + "@example.com"}); err != nil {
			return err
		}
		return tx.SaveResident(f.ctx, billing.Resident{
			ID: id, UserID: "user-" + id, Status: billing.ResidentActive, CreatedAt: createdAt,
		})
	})
}

// standardHostel seeds hostel "h1" with an active period "p1".
func (f *fixture) standardHostel() {
	f.hostel("h1")
	f.period("p1", "h1")
}

// book initializes and confirms a charge.
func (f *fixture) book(roomID, residentID, amount string) *billing.ConfirmResult {
	f.t.Helper()
	session, err := f.engine.InitializeCharge(f.ctx, roomID, residentID, dec(amount))
	require.NoError(f.t, err)
	res, err := f.engine.ConfirmCharge(f.ctx, session.Payment.Reference)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) getRoom(id string) billing.Room {
	f.t.Helper()
	var out billing.Room
	f.seed(func(tx billing.Tx) error {
		r, err := tx.GetRoom(f.ctx, id)
		if err == nil {
			out = *r
		}
		return err
	})
	return out
}

func (f *fixture) getResident(id string) billing.Resident {
	f.t.Helper()
	var out billing.Resident
	f.seed(func(tx billing.Tx) error {
		r, err := tx.GetResident(f.ctx, id)
		if err == nil {
			out = *r
		}
		return err
	})
	return out
}

func (f *fixture) getPayment(ref string) billing.Payment {
	f.t.Helper()
	var out billing.Payment
	f.seed(func(tx billing.Tx) error {
		p, err := tx.GetPaymentByReference(f.ctx, ref)
		if err == nil {
			out = *p
		}
		return err
	})
	return out
}

func (f *fixture) getPeriod(id string) billing.CalendarPeriod {
	f.t.Helper()
	var out billing.CalendarPeriod
	f.seed(func(tx billing.Tx) error {
		p, err := tx.GetPeriod(f.ctx, id)
		if err == nil {
			out = *p
		}
		return err
	})
	return out
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// faultyStore wraps a TxStore and lets a test fail selected Tx calls.
type faultyStore struct {
	inner billing.TxStore
	wrap  func(billing.Tx) billing.Tx
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	return s.inner.WithTx(ctx, func(tx billing.Tx) error {
		return fn(s.wrap(tx))
	})
}

var errInjected = errors.New("injected storage failure")

// failingHistoricalTx fails CreateHistoricalResident after `allow` successes.
type failingHistoricalTx struct {
	billing.Tx
	calls *int
	allow int
}

func (t failingHistoricalTx) CreateHistoricalResident(ctx context.Context, h billing.HistoricalResident) error {
	*t.calls++
	if *t.calls > t.allow {
		return errInjected
	}
	return t.Tx.CreateHistoricalResident(ctx, h)
}

// failingPaymentTx fails GetPayment for one payment id.
type failingPaymentTx struct {
	billing.Tx
	paymentID string
}

func (t failingPaymentTx) GetPayment(ctx context.Context, id string) (*billing.Payment, error) {
	if id == t.paymentID {
		return nil, errInjected
	}
	return t.Tx.GetPayment(ctx, id)
}
