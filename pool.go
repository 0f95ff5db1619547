package sqlgateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool defaults
const (
	DefaultPoolMax        = 10
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultAcquireTimeout = 30 * time.Second
	ConnectionTimeout     = 10 * time.Second
)

// ErrPoolClosed is returned by Acquire after Disconnect and before the next Connect.
var ErrPoolClosed = errors.New("connection pool is closed")

// OpenFunc opens a database handle. It should not contact the server; the pool
// pings after opening.
type OpenFunc func(ctx context.Context) (*sql.DB, error)

// Pool owns the live connections of one adapter instance. The underlying
// *sql.DB is created on first use, or by Connect.
type Pool struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool

	open   OpenFunc
	cfg    PoolConfig
	retry  RetryConfig
	logger *slog.Logger
}

// NewPool returns an unconnected pool.
func NewPool(open OpenFunc, cfg PoolConfig, retry RetryConfig, logger *slog.Logger) *Pool {
	if cfg.Max <= 0 {
		cfg.Max = DefaultPoolMax
	}
	if cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{open: open, cfg: cfg, retry: retry, logger: logger}
}

// Connect (re)opens the pool. It clears a previous Disconnect.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = false
	_, err := p.ensure(ctx)
	return err
}

// Disconnect closes every connection. Acquire fails fast until Connect is called.
func (p *Pool) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.db == nil {
		return nil
	}
	p.logger.Debug("closing connection pool")
	err := p.db.Close()
	p.db = nil
	return err
}

// Connected reports whether the pool currently holds an open handle.
func (p *Pool) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db != nil
}

// Stats returns the database/sql pool counters; zero when not connected.
func (p *Pool) Stats() sql.DBStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return sql.DBStats{}
	}
	return p.db.Stats()
}

// Acquire reserves one connection, waiting at most AcquireTimeout for a free slot.
// The caller must Release it.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	p.mu.Lock()
	db, err := p.ensure(ctx)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	conn, err := db.Conn(actx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Op: "acquire connection", After: p.cfg.AcquireTimeout, Cause: err}
		}
		if !p.Connected() {
			return nil, &ConnectionError{Cause: ErrPoolClosed}
		}
		return nil, err
	}
	return conn, nil
}

// Release hands conn back to the pool.
func (p *Pool) Release(conn *sql.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		p.logger.Warn("failed to release connection", "error", err)
	}
}

// With runs fn on a reserved connection and releases it on every exit path.
func (p *Pool) With(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// ensure must be called with p.mu held.
func (p *Pool) ensure(ctx context.Context) (*sql.DB, error) {
	if p.db != nil {
		return p.db, nil
	}
	if p.closed {
		return nil, &ConnectionError{Cause: ErrPoolClosed}
	}

	var db *sql.DB
	attempts, err := retryConnect(ctx, p.retry, func(ctx context.Context) error {
		var err error
		db, err = p.establish(ctx)
		if err != nil {
			p.logger.Debug("connection attempt failed", "error", err)
		}
		return err
	})
	if err != nil {
		return nil, &ConnectionError{Retryable: isTransient(err), Attempts: attempts, Cause: err}
	}

	p.db = db
	p.logger.Debug("connection pool ready", "max", p.cfg.Max, "min", p.cfg.Min, "attempts", attempts)
	return db, nil
}

func (p *Pool) establish(ctx context.Context) (*sql.DB, error) {
	db, err := p.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(p.cfg.Max)
	db.SetMaxIdleConns(p.cfg.Max)
	db.SetConnMaxIdleTime(p.cfg.IdleTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := warm(pingCtx, db, p.cfg.Min); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// warm opens min connections up front so they sit idle in the pool.
func warm(ctx context.Context, db *sql.DB, min int) error {
	conns := make([]*sql.Conn, 0, min)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for range min {
		c, err := db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to open minimum connections: %w", err)
		}
		conns = append(conns, c)
	}
	return nil
}
