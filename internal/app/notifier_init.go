package app

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/notify"
)

func initNotifier(cfg Config, logger *log.Entry) (domain.Notifier, func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(cfg.NotifierDriver)) {
	case "", NotifierDriverLog:
		return notify.NewLogNotifier(logger.WithField("component", "notifier-log")), noop, nil
	case NotifierDriverSMTP:
		if cfg.SMTPHost == "" || cfg.SMTPFrom == "" {
			return nil, noop, fmt.Errorf("smtp notifier requires host and from address")
		}
		return notify.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, logger.WithField("component", "notifier-smtp")), noop, nil
	case NotifierDriverAMQP:
		conn, ch, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			return nil, noop, err
		}
		closeFn := func() {
			if err := ch.Close(); err != nil {
				logger.WithError(err).Warn("failed to close amqp channel")
			}
			if err := conn.Close(); err != nil {
				logger.WithError(err).Warn("failed to close amqp connection")
			}
		}
		return notify.NewAMQPNotifier(ch, cfg.AMQPQueue, logger.WithField("component", "notifier-amqp")), closeFn, nil
	default:
		return nil, noop, fmt.Errorf("unsupported notifier driver %q", cfg.NotifierDriver)
	}
}
