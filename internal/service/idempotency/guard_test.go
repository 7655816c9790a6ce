package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func TestGuard_FirstRequestProceeds(t *testing.T) {
	t.Parallel()

	guard := NewGuard(memory.NewIdempotencyRepository(), time.Hour, nil)

	replay, err := guard.Begin(context.Background(), "key-1", HashRequest([]byte(`{"a":1}`)))
	require.NoError(t, err)
	assert.Nil(t, replay)
}

func TestGuard_ReplaysStoredResponse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard := NewGuard(memory.NewIdempotencyRepository(), time.Hour, nil)
	hash := HashRequest([]byte(`{"a":1}`))

	_, err := guard.Begin(ctx, "key-1", hash)
	require.NoError(t, err)
	guard.Complete(ctx, "key-1", 201, []byte(`{"succeeded":true}`))

	replay, err := guard.Begin(ctx, "key-1", hash)
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, 201, replay.HTTPStatus)
	assert.Equal(t, domain.IdempotencyStatusDone, replay.Status)
}

func TestGuard_InFlightAndMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard := NewGuard(memory.NewIdempotencyRepository(), time.Hour, nil)

	_, err := guard.Begin(ctx, "key-1", HashRequest([]byte("one")))
	require.NoError(t, err)

	_, err = guard.Begin(ctx, "key-1", HashRequest([]byte("one")))
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)

	_, err = guard.Begin(ctx, "key-1", HashRequest([]byte("two")))
	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestGuard_ServerErrorsStoredAsFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, 0, nil)

	_, err := guard.Begin(ctx, "key-1", "hash")
	require.NoError(t, err)
	guard.Complete(ctx, "key-1", 500, []byte(`{}`))

	record, err := repo.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, record.Status)
}

func TestGuard_ServerErrorIsRetriedNotReplayed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	guard := NewGuard(memory.NewIdempotencyRepository(), time.Hour, nil)
	hash := HashRequest([]byte(`{"a":1}`))

	_, err := guard.Begin(ctx, "key-1", hash)
	require.NoError(t, err)
	guard.Complete(ctx, "key-1", 500, []byte(`{"succeeded":false}`))

	replay, err := guard.Begin(ctx, "key-1", hash)
	require.NoError(t, err)
	assert.Nil(t, replay, "failed attempt must not be replayed")

	// Пока повтор идёт, третий запрос видит занятый ключ.
	_, err = guard.Begin(ctx, "key-1", hash)
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)

	_, err = guard.Begin(ctx, "key-1", HashRequest([]byte(`{"a":2}`)))
	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}
