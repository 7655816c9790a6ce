package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
)

func noEnv(string) string { return "" }

func testPostgresDSN(t *testing.T) string {
	t.Helper()

	for _, dsn := range []string{
		strings.TrimSpace(os.Getenv("FULFILLMENT_POSTGRES_TEST_DSN")),
		strings.TrimSpace(os.Getenv(envPostgresDSN)),
	} {
		if dsn == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		store, err := postgres.Open(ctx, dsn)
		cancel()
		if err != nil {
			continue
		}
		_ = store.Close()
		return dsn
	}

	t.Skip("postgres is not available for migrate CLI test")
	return ""
}

func TestRun_RequiresDSN(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), nil, noEnv, &out)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))
	assert.Contains(t, err.Error(), envPostgresDSN)
}

func TestRun_UnsupportedDirection(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"-direction", "sideways", "-dsn", "postgres://unused"}, noEnv, &out)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))
	assert.Contains(t, err.Error(), "unsupported direction")
}

func TestRun_UnknownFlag(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"-force"}, noEnv, &out)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))
}

func TestRun_UpStatusDown(t *testing.T) {
	dsn := testPostgresDSN(t)
	ctx := context.Background()
	env := func(key string) string {
		if key == envPostgresDSN {
			return dsn
		}
		return ""
	}

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"-direction", "up"}, env, &out))
	assert.Contains(t, out.String(), "migrate up ok")
	assert.Contains(t, out.String(), "pending=0")

	out.Reset()
	require.NoError(t, run(ctx, []string{"-direction", "status"}, env, &out))
	assert.Contains(t, out.String(), "migrate status ok")

	out.Reset()
	require.NoError(t, run(ctx, []string{"-direction", "down", "-steps", "1"}, env, &out))
	assert.Contains(t, out.String(), "pending=1")

	require.NoError(t, run(ctx, []string{"-direction", "up"}, env, &out))
}
