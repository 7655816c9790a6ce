package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

// idempotencyKeys хранит ключи Idempotency-Key отдельно от Store:
// захват ключа не должен откатываться вместе с транзакцией саги.
type idempotencyKeys struct {
	mu    sync.Mutex
	items map[string]*domain.IdempotencyRecord
	now   func() time.Time
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return newIdempotencyKeys(func() time.Time { return time.Now().UTC() })
}

func newIdempotencyKeys(now func() time.Time) *idempotencyKeys {
	return &idempotencyKeys{items: make(map[string]*domain.IdempotencyRecord), now: now}
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", domain.ErrIdempotencyKeyRequired
	}
	return key, nil
}

func (r *idempotencyKeys) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	requestHash = strings.TrimSpace(requestHash)
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.items[key]; ok {
		if existing.RequestHash != requestHash {
			return snapshot(existing), domain.ErrIdempotencyHashMismatch
		}
		return snapshot(existing), domain.ErrIdempotencyKeyAlreadyExists
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultIdempotencyTTL)
	}
	record := &domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.items[key] = record
	return snapshot(record), nil
}

func (r *idempotencyKeys) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return snapshot(record), nil
}

func (r *idempotencyKeys) MarkDone(_ context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.finish(key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *idempotencyKeys) MarkFailed(_ context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.finish(key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (r *idempotencyKeys) finish(key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	record.Status = status
	record.ResponseBody = append([]byte(nil), responseBody...)
	record.HTTPStatus = httpStatus
	record.UpdatedAt = r.now()
	return nil
}

func (r *idempotencyKeys) Reclaim(ctx context.Context, key, requestHash string, ttlAt time.Time) (bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[key]
	if !ok || record.RequestHash != requestHash || !record.Status.Retryable() {
		return false, nil
	}
	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultIdempotencyTTL)
	}
	record.Status = domain.IdempotencyStatusProcessing
	record.ResponseBody = nil
	record.HTTPStatus = 0
	record.TTLAt = ttlAt
	record.UpdatedAt = now
	return true, nil
}

func (r *idempotencyKeys) FailStaleProcessing(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stale := r.oldest(limit, func(rec *domain.IdempotencyRecord) (time.Time, bool) {
		return rec.UpdatedAt, rec.Status == domain.IdempotencyStatusProcessing && !rec.UpdatedAt.After(before)
	})
	now := r.now()
	for _, record := range stale {
		record.Status = domain.IdempotencyStatusFailed
		record.UpdatedAt = now
	}
	return len(stale), nil
}

func (r *idempotencyKeys) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := r.oldest(limit, func(rec *domain.IdempotencyRecord) (time.Time, bool) {
		return rec.TTLAt, !rec.TTLAt.After(before)
	})
	for _, record := range expired {
		delete(r.items, record.Key)
	}
	return len(expired), nil
}

// oldest отбирает подходящие записи по возрастанию метки; limit<=0 снимает ограничение.
// Вызывается под r.mu.
func (r *idempotencyKeys) oldest(limit int, match func(*domain.IdempotencyRecord) (time.Time, bool)) []*domain.IdempotencyRecord {
	type candidate struct {
		at     time.Time
		record *domain.IdempotencyRecord
	}
	var found []candidate
	for _, record := range r.items {
		if at, ok := match(record); ok {
			found = append(found, candidate{at: at, record: record})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].at.Before(found[j].at) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	out := make([]*domain.IdempotencyRecord, len(found))
	for i, c := range found {
		out[i] = c.record
	}
	return out
}

func snapshot(src *domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := *src
	dst.ResponseBody = append([]byte(nil), src.ResponseBody...)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyKeys)(nil)
