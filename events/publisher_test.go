package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hostel-billing/billing"
	"github.com/warp/hostel-billing/events"
	"go.uber.org/zap"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	declareErr error
	publishErr error
	out        []published
	closed     bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if c.declareErr != nil {
		return c.declareErr
	}
	c.declared = append(c.declared, name+"/"+kind)
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.out = append(c.out, published{exchange, key, msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p, err := events.NewPublisher(ch, "", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"hostel.billing/topic"}, ch.declared)

	at := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)
	err = p.Publish(context.Background(), billing.Event{
		Type:       billing.EventPaymentConfirmed,
		OccurredAt: at,
		HostelID:   "h1",
		SubjectID:  "ref-1",
		Data:       map[string]string{"amount": "500.00"},
	})
	require.NoError(t, err)

	require.Len(t, ch.out, 1)
	got := ch.out[0]
	assert.Equal(t, "hostel.billing", got.exchange)
	assert.Equal(t, "payment.confirmed", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "payment.confirmed:ref-1", got.msg.MessageId)

	var ev billing.Event
	require.NoError(t, json.Unmarshal(got.msg.Body, &ev))
	assert.Equal(t, "h1", ev.HostelID)
	assert.Equal(t, "500.00", ev.Data["amount"])
	assert.True(t, ev.OccurredAt.Equal(at))
}

func TestPublisher_Errors(t *testing.T) {
	_, err := events.NewPublisher(&fakeChannel{declareErr: errors.New("access refused")}, "x", nil)
	assert.ErrorContains(t, err, "access refused")

	ch := &fakeChannel{publishErr: amqp.ErrClosed}
	p, err := events.NewPublisher(ch, "x", nil)
	require.NoError(t, err)
	err = p.Publish(context.Background(), billing.Event{Type: billing.EventPeriodEnded, SubjectID: "p1"})
	assert.ErrorIs(t, err, amqp.ErrClosed)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestPublisher_ConcurrentPublishes(t *testing.T) {
	ch := &fakeChannel{}
	p, err := events.NewPublisher(ch, "", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Publish(context.Background(), billing.Event{Type: billing.EventResidentArchived, SubjectID: "A"})
		}()
	}
	wg.Wait()
	assert.Len(t, ch.out, 20)
}
