package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type jobRecorder struct {
	mu   sync.Mutex
	jobs []domain.Job
	done chan struct{}
}

func newJobRecorder(expected int) *jobRecorder {
	return &jobRecorder{done: make(chan struct{}, expected)}
}

func (r *jobRecorder) handle(_ context.Context, job domain.Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *jobRecorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d", i+1)
		}
	}
}

func TestRegistry_DispatchRecoversPanic(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil)
	registry.Register(domain.JobCheckExpiredReservation, func(context.Context, domain.Job) error {
		panic("boom")
	})

	err := registry.Dispatch(context.Background(), domain.Job{Name: domain.JobCheckExpiredReservation, OrderID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRegistry_DispatchUnknownJob(t *testing.T) {
	t.Parallel()

	err := NewRegistry(nil).Dispatch(context.Background(), domain.Job{Name: "unknown"})
	assert.Error(t, err)
}

func TestRegistry_DispatchReturnsHandlerError(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil)
	registry.Register(domain.JobSendOrderConfirmation, func(context.Context, domain.Job) error {
		return errors.New("smtp down")
	})

	err := registry.Dispatch(context.Background(), domain.Job{Name: domain.JobSendOrderConfirmation})
	assert.EqualError(t, err, "smtp down")
}

func TestMemory_RunsDelayedJobOnce(t *testing.T) {
	t.Parallel()

	recorder := newJobRecorder(2)
	registry := NewRegistry(nil)
	registry.Register(domain.JobCheckExpiredReservation, recorder.handle)

	scheduler := NewMemory(registry, 1, nil)
	defer scheduler.Close()

	require.NoError(t, scheduler.ScheduleOnce(context.Background(), domain.Job{Name: domain.JobCheckExpiredReservation, OrderID: 7}, 10*time.Millisecond))
	require.NoError(t, scheduler.Enqueue(context.Background(), domain.Job{Name: domain.JobCheckExpiredReservation, OrderID: 8}))

	recorder.wait(t, 2)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.jobs, 2)
	assert.Equal(t, int64(8), recorder.jobs[0].OrderID)
	assert.Equal(t, int64(7), recorder.jobs[1].OrderID)
	assert.NotEmpty(t, recorder.jobs[0].ID)
}

func TestMemory_CloseCancelsPendingJobs(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil)
	registry.Register(domain.JobCheckExpiredReservation, func(context.Context, domain.Job) error {
		t.Error("cancelled job must not run")
		return nil
	})

	scheduler := NewMemory(registry, 1, nil)
	require.NoError(t, scheduler.ScheduleOnce(context.Background(), domain.Job{Name: domain.JobCheckExpiredReservation}, time.Hour))
	assert.Equal(t, 1, scheduler.Pending())

	scheduler.Close()
	assert.Zero(t, scheduler.Pending())
	assert.ErrorIs(t, scheduler.Enqueue(context.Background(), domain.Job{Name: domain.JobCheckExpiredReservation}), ErrSchedulerClosed)
}

// newTestRedis поднимает Redis в процессе; FULFILLMENT_REDIS_TEST_ADDR переключает тесты на настоящий сервер.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("FULFILLMENT_REDIS_TEST_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestRedisScheduler(t *testing.T, client *redis.Client, registry *Registry, opts RedisOptions) *Redis {
	t.Helper()
	opts.Key = "fulfillment:scheduler:test:" + t.Name()
	s := NewRedis(client, registry, opts)
	ctx := context.Background()
	require.NoError(t, client.Del(ctx, s.key, s.processingKey).Err())
	t.Cleanup(func() { client.Del(context.Background(), s.key, s.processingKey) })
	return s
}

func zcard(t *testing.T, client *redis.Client, key string) int64 {
	t.Helper()
	n, err := client.ZCard(context.Background(), key).Result()
	require.NoError(t, err)
	return n
}

func TestRedis_PollOnceClaimsOnlyDueJobs(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	recorder := newJobRecorder(1)
	registry := NewRegistry(nil)
	registry.Register(domain.JobCheckExpiredReservation, recorder.handle)

	scheduler := newTestRedisScheduler(t, client, registry, RedisOptions{})
	require.NoError(t, scheduler.ScheduleOnce(ctx, domain.Job{Name: domain.JobCheckExpiredReservation, OrderID: 1}, 0))
	require.NoError(t, scheduler.ScheduleOnce(ctx, domain.Job{Name: domain.JobCheckExpiredReservation, OrderID: 2}, time.Hour))

	claimed, err := scheduler.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	recorder.wait(t, 1)
	assert.EqualValues(t, 1, recorder.jobs[0].OrderID)

	claimed, err = scheduler.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed, "acked job must not run twice")

	assert.EqualValues(t, 1, zcard(t, client, scheduler.key))
	assert.Zero(t, zcard(t, client, scheduler.processingKey))
}

// Процесс забрал задачу и упал, не выполнив её: после истечения аренды
// задачу забирает другой инстанс.
func TestRedis_ExpiredLeaseIsRedelivered(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	crashed := newTestRedisScheduler(t, client, NewRegistry(nil), RedisOptions{Lease: time.Minute})
	require.NoError(t, crashed.ScheduleOnce(ctx, domain.Job{Name: domain.JobCheckExpiredReservation, OrderID: 7}, 0))
	members, err := crashed.claim(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Zero(t, zcard(t, client, crashed.key))
	assert.EqualValues(t, 1, zcard(t, client, crashed.processingKey))

	recorder := newJobRecorder(1)
	registry := NewRegistry(nil)
	registry.Register(domain.JobCheckExpiredReservation, recorder.handle)
	survivor := NewRedis(client, registry, RedisOptions{Key: crashed.key, Lease: time.Minute})

	claimed, err := survivor.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed, "lease is still held by the crashed instance")

	survivor.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	claimed, err = survivor.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	recorder.wait(t, 1)
	assert.EqualValues(t, 7, recorder.jobs[0].OrderID)
	assert.Zero(t, zcard(t, client, survivor.key))
	assert.Zero(t, zcard(t, client, survivor.processingKey))
}

func TestRedis_HandlerErrorIsRetriedWithBackoff(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	var attempts []int
	registry := NewRegistry(nil)
	registry.Register(domain.JobCheckExpiredReservation, func(_ context.Context, job domain.Job) error {
		attempts = append(attempts, job.Attempt)
		return errors.New("storage unavailable")
	})

	scheduler := newTestRedisScheduler(t, client, registry, RedisOptions{MaxAttempts: 2, RetryDelay: time.Minute})
	clock := time.Now()
	scheduler.now = func() time.Time { return clock }
	require.NoError(t, scheduler.Enqueue(ctx, domain.Job{Name: domain.JobCheckExpiredReservation, OrderID: 3}))

	_, err := scheduler.PollOnce(ctx)
	require.NoError(t, err)
	queued, err := client.ZRangeWithScores(ctx, scheduler.key, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.EqualValues(t, clock.Add(time.Minute).UnixMilli(), queued[0].Score)
	assert.Zero(t, zcard(t, client, scheduler.processingKey))

	claimed, err := scheduler.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed, "retry waits for its backoff")

	clock = clock.Add(2 * time.Minute)
	_, err = scheduler.PollOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, attempts)
	assert.Zero(t, zcard(t, client, scheduler.key), "job is dropped after the last attempt")
	assert.Zero(t, zcard(t, client, scheduler.processingKey))
}

func TestRedis_CancelledPollReturnsUnstartedJobs(t *testing.T) {
	client := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handlerErrs []error
	registry := NewRegistry(nil)
	registry.Register(domain.JobCheckExpiredReservation, func(ctx context.Context, _ domain.Job) error {
		cancel()
		handlerErrs = append(handlerErrs, ctx.Err())
		return ctx.Err()
	})

	scheduler := newTestRedisScheduler(t, client, registry, RedisOptions{})
	for _, orderID := range []int64{1, 2} {
		require.NoError(t, scheduler.Enqueue(context.Background(), domain.Job{Name: domain.JobCheckExpiredReservation, OrderID: orderID}))
	}

	claimed, err := scheduler.PollOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, claimed)
	assert.Equal(t, []error{nil}, handlerErrs, "started job runs to completion with a live context")
	assert.EqualValues(t, 1, zcard(t, client, scheduler.key), "unstarted job goes back to the queue")
	assert.Zero(t, zcard(t, client, scheduler.processingKey))
}
