package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func TestCleanupWorker_RunOnceDrainsBatches(t *testing.T) {
	t.Parallel()

	repo := &batchRepo{expired: []int{2, 2, 1}, stale: []int{2, 0}}
	worker := NewCleanupWorker(repo, WithBatchSize(2), WithStaleAfter(time.Minute))
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	worker.now = func() time.Time { return now }

	report, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CleanupReport{Expired: 5, Released: 2}, report)
	assert.Equal(t, 3, repo.expiredCalls)
	assert.Equal(t, 2, repo.staleCalls)
	assert.Equal(t, now.Add(-time.Minute), repo.staleBefore)
	assert.Equal(t, now, repo.expiredBefore)
}

func TestCleanupWorker_RunOnceStopsOnError(t *testing.T) {
	t.Parallel()

	repo := &batchRepo{staleErr: errors.New("boom")}
	worker := NewCleanupWorker(repo, WithBatchSize(10))

	report, err := worker.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "release stale keys")
	assert.Zero(t, report)
	assert.Zero(t, repo.expiredCalls, "expiry pass must not run after a failed release pass")
}

// Запрос упал вместе с процессом: ключ остался processing. После обслуживания
// тот же запрос выполняется заново, а не получает вечный 409.
func TestCleanupWorker_ReleasesKeyOfCrashedRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, time.Hour, nil)
	hash := HashRequest([]byte(`{"user_id":"u-1"}`))

	_, err := guard.Begin(ctx, "crashed", hash)
	require.NoError(t, err)
	_, err = guard.Begin(ctx, "crashed", hash)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)

	worker := NewCleanupWorker(repo, WithStaleAfter(time.Minute))
	worker.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	report, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Released)

	replay, err := guard.Begin(ctx, "crashed", hash)
	require.NoError(t, err)
	assert.Nil(t, replay)
}

func TestCleanupWorker_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &batchRepo{}
	worker := NewCleanupWorker(repo, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
	assert.Positive(t, repo.calls())
}

// batchRepo отдаёт заранее заданные размеры порций.
type batchRepo struct {
	domain.IdempotencyRepository

	mu            sync.Mutex
	expired       []int
	stale         []int
	staleErr      error
	expiredCalls  int
	staleCalls    int
	expiredBefore time.Time
	staleBefore   time.Time
}

func (r *batchRepo) DeleteExpired(_ context.Context, before time.Time, _ int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiredCalls++
	r.expiredBefore = before
	return pop(&r.expired), nil
}

func (r *batchRepo) FailStaleProcessing(_ context.Context, before time.Time, _ int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staleCalls++
	r.staleBefore = before
	if r.staleErr != nil {
		return 0, r.staleErr
	}
	return pop(&r.stale), nil
}

func (r *batchRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiredCalls + r.staleCalls
}

func pop(queue *[]int) int {
	if len(*queue) == 0 {
		return 0
	}
	n := (*queue)[0]
	*queue = (*queue)[1:]
	return n
}
