package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

func TestOrderConfirmation(t *testing.T) {
	n := OrderConfirmation("jane@example.com", "Ord-ABC123", decimal.RequireFromString("104.8"), "USD")

	assert.Equal(t, "jane@example.com", n.To)
	assert.Equal(t, "Order Ord-ABC123 confirmed", n.Subject)
	assert.Contains(t, n.Body, "104.80 USD")
	assert.Equal(t, domain.NotificationOrderConfirmation, n.Type)
}

func TestLogNotifier_AlwaysSucceeds(t *testing.T) {
	assert.True(t, NewLogNotifier(nil).Send(context.Background(), domain.Notification{To: "a@b.c"}))
}

func TestSMTPNotifier_Send(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	notifier := NewSMTPNotifier("localhost", "1025", "shop@example.com", nil).
		WithSendMail(func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
			gotAddr, gotTo, gotMsg = addr, to, string(msg)
			return nil
		})

	ok := notifier.Send(context.Background(), OrderConfirmation("jane@example.com", "Ord-1", decimal.NewFromInt(10), "USD"))

	require.True(t, ok)
	assert.Equal(t, "localhost:1025", gotAddr)
	assert.Equal(t, []string{"jane@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Order Ord-1 confirmed\r\n")
}

func TestSMTPNotifier_FailureReturnsFalse(t *testing.T) {
	notifier := NewSMTPNotifier("localhost", "1025", "shop@example.com", nil).
		WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
			return errors.New("connection refused")
		})

	assert.False(t, notifier.Send(context.Background(), domain.Notification{To: "jane@example.com"}))
}

func TestSMTPNotifier_RejectsHeaderInjection(t *testing.T) {
	called := false
	notifier := NewSMTPNotifier("localhost", "1025", "shop@example.com", nil).
		WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
			called = true
			return nil
		})

	assert.False(t, notifier.Send(context.Background(), domain.Notification{To: "a@b.c\r\nBcc: x@y.z"}))
	assert.False(t, called)
}

type recordingPublisher struct {
	key string
	msg amqp.Publishing
	err error
}

func (p *recordingPublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	p.key = key
	p.msg = msg
	return p.err
}

func TestAMQPNotifier_Send(t *testing.T) {
	publisher := &recordingPublisher{}
	notifier := NewAMQPNotifier(publisher, "", nil)

	ok := notifier.Send(context.Background(), OrderConfirmation("jane@example.com", "Ord-1", decimal.NewFromInt(10), "USD"))
	require.True(t, ok)
	assert.Equal(t, DefaultQueue, publisher.key)
	assert.Equal(t, amqp.Persistent, publisher.msg.DeliveryMode)

	var decoded domain.Notification
	require.NoError(t, json.Unmarshal(publisher.msg.Body, &decoded))
	assert.Equal(t, "jane@example.com", decoded.To)
}

func TestAMQPNotifier_PublishError(t *testing.T) {
	notifier := NewAMQPNotifier(&recordingPublisher{err: errors.New("channel closed")}, "mail", nil)
	assert.False(t, notifier.Send(context.Background(), domain.Notification{To: "a@b.c"}))
}
