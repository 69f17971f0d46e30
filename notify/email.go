// Package notify delivers resident notices over SMTP.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/warp/hostel-billing/billing"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Mailer is the part of *gomail.Dialer the sender uses.
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender is a billing.Notifier. Sends go through a circuit breaker so a
// dead SMTP relay does not stall post-commit hooks.
type EmailSender struct {
	from   string
	mailer Mailer
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

var _ billing.Notifier = (*EmailSender)(nil)

func NewEmailSender(cfg SMTPConfig, logger *zap.Logger) *EmailSender {
	return NewEmailSenderWithMailer(cfg.From, gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), logger)
}

func NewEmailSenderWithMailer(from string, m Mailer, logger *zap.Logger) *EmailSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailSender{
		from:   from,
		mailer: m,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "smtp",
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		logger: logger,
	}
}

// Send delivers one HTML message. The context only gates the attempt;
// gomail has no cancellable dial.
func (s *EmailSender) Send(ctx context.Context, to, subject, html string) error {
	if to == "" {
		return errors.New("notify: empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", html)

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.mailer.DialAndSend(m)
	})
	if err != nil {
		return fmt.Errorf("notify: send to %s: %w", to, err)
	}
	s.logger.Debug("email sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}
