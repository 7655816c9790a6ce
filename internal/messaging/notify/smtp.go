package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// SendMailFunc совпадает с сигнатурой smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier отправляет письма через SMTP-релей.
type SMTPNotifier struct {
	addr     string
	from     string
	sendMail SendMailFunc
	logger   *log.Entry
}

// NewSMTPNotifier создаёт notifier для host:port без аутентификации.
func NewSMTPNotifier(host, port, from string, logger *log.Entry) *SMTPNotifier {
	if logger == nil {
		logger = log.WithField("component", "notifier-smtp")
	}
	return &SMTPNotifier{
		addr:     net.JoinHostPort(host, port),
		from:     from,
		sendMail: smtp.SendMail,
		logger:   logger,
	}
}

// WithSendMail подменяет транспорт (для тестов).
func (n *SMTPNotifier) WithSendMail(fn SendMailFunc) *SMTPNotifier {
	n.sendMail = fn
	return n
}

// Send возвращает false при ошибке SMTP; ошибка логируется.
func (n *SMTPNotifier) Send(ctx context.Context, msg domain.Notification) bool {
	if ctx.Err() != nil {
		return observe("smtp", false)
	}
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		n.logger.WithField("to", msg.To).Warn("refusing to send notification with header injection")
		return observe("smtp", false)
	}

	body := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.from, msg.To, msg.Subject, msg.Body,
	)
	if err := n.sendMail(n.addr, nil, n.from, []string{msg.To}, []byte(body)); err != nil {
		n.logger.WithError(err).WithField("to", msg.To).Warn("smtp delivery failed")
		return observe("smtp", false)
	}
	return observe("smtp", true)
}

var _ domain.Notifier = (*SMTPNotifier)(nil)
