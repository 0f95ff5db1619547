package sqlgateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
)

// DefaultBatchSize is used when ExecuteQueryStream is called with batchSize <= 0.
const DefaultBatchSize = 100

// batchSource produces rows for a RowStream. fetch returns fewer than n rows
// only when the result is exhausted.
type batchSource interface {
	fetch(ctx context.Context, n int) (columns []string, rows []Row, err error)
	close() error
}

// RowStream delivers a result in batches over one reserved connection. It is
// single-pass: once exhausted, failed or closed it only returns io.EOF.
type RowStream struct {
	mu        sync.Mutex
	src       batchSource
	mode      StreamingMode
	batchSize int
	columns   []string
	done      bool
	classify  func(error) error

	closeOnce sync.Once
	closeErr  error
	release   func()
	stop      func() bool
}

func newRowStream(ctx context.Context, src batchSource, mode StreamingMode, batchSize int, release func()) *RowStream {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	s := &RowStream{src: src, mode: mode, batchSize: batchSize, release: release}
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	return s
}

// Mode reports how batches are produced.
func (s *RowStream) Mode() StreamingMode {
	return s.mode
}

// Columns returns the result columns. Cursor streams learn them with the
// first batch.
func (s *RowStream) Columns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.columns
}

// Next returns the next batch of at most the configured batch size, or io.EOF
// when no rows remain. Any error closes the stream.
func (s *RowStream) Next(ctx context.Context) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		s.finish()
		return nil, s.fail(err)
	}

	columns, rows, err := s.src.fetch(ctx, s.batchSize)
	if err != nil {
		s.finish()
		return nil, s.fail(err)
	}
	if s.columns == nil {
		s.columns = columns
	}
	if len(rows) < s.batchSize {
		s.finish()
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return rows, nil
}

// Batches adapts Next to a range-over-func iterator. Breaking out of the loop
// closes the stream.
func (s *RowStream) Batches(ctx context.Context) iter.Seq2[[]Row, error] {
	return func(yield func([]Row, error) bool) {
		defer func() { _ = s.Close() }()
		for {
			batch, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the connection. It is safe to call more than once.
func (s *RowStream) Close() error {
	s.shutdown()
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	return s.closeErr
}

func (s *RowStream) fail(err error) error {
	if s.classify == nil {
		return err
	}
	return s.classify(err)
}

// finish must be called with s.mu held.
func (s *RowStream) finish() {
	s.done = true
	s.shutdown()
}

func (s *RowStream) shutdown() {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.closeErr = s.src.close()
		if s.release != nil {
			s.release()
		}
	})
}

// rowsSource reads batches off an open *sql.Rows.
type rowsSource struct {
	rows    *sql.Rows
	columns []string
}

func newRowsSource(rows *sql.Rows) (*rowsSource, error) {
	columns, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	return &rowsSource{rows: rows, columns: columns}, nil
}

func (r *rowsSource) fetch(_ context.Context, n int) ([]string, []Row, error) {
	keep := make([]int, len(r.columns))
	for i := range keep {
		keep[i] = i
	}
	values := make([]any, len(r.columns))
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}

	batch := make([]Row, 0, n)
	for len(batch) < n && r.rows.Next() {
		if err := r.rows.Scan(ptrs...); err != nil {
			return r.columns, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		batch = append(batch, makeRow(r.columns, keep, values))
	}
	if len(batch) < n {
		if err := r.rows.Err(); err != nil {
			return r.columns, nil, fmt.Errorf("row iteration error: %w", err)
		}
	}
	return r.columns, batch, nil
}

func (r *rowsSource) close() error {
	return r.rows.Close()
}

// streamRows opens query on a reserved connection and streams it incrementally.
func streamRows(ctx context.Context, pool *Pool, query string, batchSize int) (*RowStream, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		pool.Release(conn)
		return nil, err
	}
	src, err := newRowsSource(rows)
	if err != nil {
		pool.Release(conn)
		return nil, err
	}
	s := newRowStream(ctx, src, StreamIncremental, batchSize, func() { pool.Release(conn) })
	s.columns = src.columns
	return s, nil
}

// cursorSource fetches batches from a named server-side cursor inside a
// read-only transaction.
type cursorSource struct {
	tx       *sql.Tx
	fetchSQL func(n int) string
	closeSQL string
}

func (c *cursorSource) fetch(ctx context.Context, n int) ([]string, []Row, error) {
	rows, err := c.tx.QueryContext(ctx, c.fetchSQL(n))
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	res, err := scanResult(rows, n, nil)
	if err != nil {
		return nil, nil, err
	}
	return res.Columns, res.Rows, nil
}

func (c *cursorSource) close() error {
	if c.closeSQL != "" {
		_, _ = c.tx.Exec(c.closeSQL)
	}
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
