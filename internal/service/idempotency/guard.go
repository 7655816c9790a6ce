package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultKeyTTL = 24 * time.Hour

// Guard не даёт повторно оформить заказ по тому же Idempotency-Key.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewGuard создаёт guard; ttl<=0 заменяется на сутки.
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Guard {
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-guard")
	}
	return &Guard{repo: repo, ttl: ttl, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// HashRequest возвращает отпечаток тела запроса.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Begin захватывает ключ. Если ответ по ключу уже сохранён, он возвращается для повтора.
// Ключ, упавший с 5xx, захватывается заново, и запрос выполняется ещё раз.
// ErrIdempotencyKeyAlreadyExists без записи означает, что первый запрос ещё обрабатывается.
func (g *Guard) Begin(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	ttlAt := g.now().Add(g.ttl)
	_, err := g.repo.CreateProcessing(ctx, key, requestHash, ttlAt)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		return nil, err
	}

	existing, getErr := g.repo.Get(ctx, key)
	if getErr != nil {
		return nil, err
	}
	switch {
	case existing.RequestHash != requestHash:
		return nil, domain.ErrIdempotencyHashMismatch
	case existing.Status.Replayable():
		return &existing, nil
	case existing.Status.Retryable():
		reclaimed, reclaimErr := g.repo.Reclaim(ctx, key, requestHash, ttlAt)
		if reclaimErr != nil {
			return nil, reclaimErr
		}
		if reclaimed {
			g.logger.WithField("idempotency_key", key).Info("retrying request after failed attempt")
			return nil, nil
		}
	}
	return nil, domain.ErrIdempotencyKeyAlreadyExists
}

// Complete сохраняет ответ. Ответы 5xx помечаются failed и не повторяются, остальные done.
func (g *Guard) Complete(ctx context.Context, key string, httpStatus int, body []byte) {
	var err error
	if httpStatus >= 500 {
		err = g.repo.MarkFailed(ctx, key, body, httpStatus)
	} else {
		err = g.repo.MarkDone(ctx, key, body, httpStatus)
	}
	if err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
}
