package sqlgateway

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ConnectRetriesTransientFailures(t *testing.T) {
	db, mock := newMock(t)
	var calls atomic.Int32
	open := func(context.Context) (*sql.DB, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")
		}
		return db, nil
	}

	p := NewPool(open, PoolConfig{}, fastRetry, nil)
	require.NoError(t, p.Connect(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, p.Connected())

	mock.ExpectClose()
	require.NoError(t, p.Disconnect())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_ConnectGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	open := func(context.Context) (*sql.DB, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}

	p := NewPool(open, PoolConfig{}, fastRetry, nil)
	err := p.Connect(context.Background())

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Retryable)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestPool_ConnectDoesNotRetryPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	open := func(context.Context) (*sql.DB, error) {
		calls.Add(1)
		return nil, errors.New("missing required postgres settings: [host]")
	}

	p := NewPool(open, PoolConfig{}, fastRetry, nil)
	err := p.Connect(context.Background())

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Retryable)
	assert.Equal(t, 1, ce.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPool_AcquireAfterDisconnect(t *testing.T) {
	db, mock := newMock(t)
	p := NewPool(mockOpener(db), PoolConfig{}, fastRetry, nil)
	require.NoError(t, p.Connect(context.Background()))

	mock.ExpectClose()
	require.NoError(t, p.Disconnect())
	assert.False(t, p.Connected())
	assert.Equal(t, sql.DBStats{}, p.Stats())

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)

	// Disconnect is idempotent.
	require.NoError(t, p.Disconnect())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_AcquireConnectsLazily(t *testing.T) {
	db, mock := newMock(t)
	p := NewPool(mockOpener(db), PoolConfig{Max: 2}, fastRetry, nil)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Connected())
	assert.Equal(t, 1, p.Stats().InUse)
	p.Release(conn)
	assert.Equal(t, 0, p.Stats().InUse)

	mock.ExpectClose()
	require.NoError(t, p.Disconnect())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_AcquireTimesOutWhenExhausted(t *testing.T) {
	db, mock := newMock(t)
	p := NewPool(mockOpener(db), PoolConfig{Max: 1, AcquireTimeout: 20 * time.Millisecond}, fastRetry, nil)
	require.NoError(t, p.Connect(context.Background()))

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 20*time.Millisecond, te.After)

	p.Release(held)
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)

	mock.ExpectClose()
	require.NoError(t, p.Disconnect())
}

func TestPool_WithReleasesOnError(t *testing.T) {
	db, mock := newMock(t)
	p := NewPool(mockOpener(db), PoolConfig{Max: 1}, fastRetry, nil)

	boom := errors.New("boom")
	err := p.With(context.Background(), func(*sql.Conn) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Stats().InUse)

	mock.ExpectClose()
	require.NoError(t, p.Disconnect())
}

func TestNewPoolDefaults(t *testing.T) {
	p := NewPool(nil, PoolConfig{Min: 50}, RetryConfig{}, nil)
	assert.Equal(t, DefaultPoolMax, p.cfg.Max)
	assert.Equal(t, DefaultPoolMax, p.cfg.Min)
	assert.Equal(t, DefaultIdleTimeout, p.cfg.IdleTimeout)
	assert.Equal(t, DefaultAcquireTimeout, p.cfg.AcquireTimeout)
}

func TestRetryConnectStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	made, err := retryConnect(ctx, RetryConfig{Attempts: 5, BaseDelay: time.Hour}, func(context.Context) error {
		cancel()
		return errors.New("connection reset by peer")
	})
	require.Error(t, err)
	assert.Equal(t, 1, made)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(errors.New("read tcp: i/o timeout")))
	assert.True(t, isTransient(errors.New("dial tcp: lookup db: no such host")))
	assert.False(t, isTransient(errors.New("syntax error at or near SELEC")))
	assert.False(t, isTransient(nil))
}
