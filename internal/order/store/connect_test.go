package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errRefused = errors.New("connection refused")

// failingOpener fails the first n calls.
func failingOpener(n int, calls *int) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		*calls++
		if _, ok := ctx.Deadline(); !ok {
			return "", errors.New("attempt without deadline")
		}
		if *calls <= n {
			return "", errRefused
		}
		return "db", nil
	}
}

func TestConnect_RetriesUntilReady(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	calls := 0

	db, err := Connect(context.Background(), 5, time.Millisecond, zap.New(core), failingOpener(2, &calls))
	require.NoError(t, err)
	assert.Equal(t, "db", db)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, logs.FilterMessage("connecting to database").Len())

	retries := logs.FilterMessage("database not ready").All()
	require.Len(t, retries, 2)
	assert.Equal(t, int64(1), retries[0].ContextMap()["attempt"])
	assert.Equal(t, int64(5), retries[0].ContextMap()["max_attempts"])
	assert.Equal(t, 1, logs.FilterMessage("database connected").Len())
}

func TestConnect_GivesUpAfterAttempts(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	calls := 0

	_, err := Connect(context.Background(), 3, time.Millisecond, zap.New(core), failingOpener(10, &calls))
	require.ErrorIs(t, err, errRefused)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, logs.FilterMessage("database not ready").Len())
	assert.Equal(t, 1, logs.FilterMessage("database unavailable").Len())
}

func TestConnect_SingleAttempt(t *testing.T) {
	calls := 0
	_, err := Connect(context.Background(), 0, time.Hour, nil, failingOpener(1, &calls))
	require.ErrorIs(t, err, errRefused)
	assert.Equal(t, 1, calls)
}

func TestConnect_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	open := func(context.Context) (string, error) {
		calls++
		cancel()
		return "", errRefused
	}

	start := time.Now()
	_, err := Connect(ctx, 30, time.Hour, nil, open)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnect_OpensSQLite(t *testing.T) {
	s, err := Connect(context.Background(), 2, time.Millisecond, zap.NewNop(), func(ctx context.Context) (*SQLiteStore, error) {
		return OpenSQLite(ctx, ":memory:")
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ping(context.Background()))
}
