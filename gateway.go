package sqlgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultQueryTimeout bounds each gateway call except streams.
const DefaultQueryTimeout = 30 * time.Second

// Gateway fronts one DBAdapter with validation, caching, logging and
// timeouts. Every error it returns belongs to the gateway's taxonomy.
type Gateway struct {
	adapter   DBAdapter
	cache     *MetadataCache
	queryLog  *QueryLogger
	templates *TemplateRegistry
	maxRows   int
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCache enables metadata caching. A nil cache disables it.
func WithCache(c *MetadataCache) Option {
	return func(g *Gateway) { g.cache = c }
}

// WithQueryLogger replaces the default, disabled, query logger.
func WithQueryLogger(l *QueryLogger) Option {
	return func(g *Gateway) { g.queryLog = l }
}

// WithTemplates replaces the built-in template registry.
func WithTemplates(r *TemplateRegistry) Option {
	return func(g *Gateway) { g.templates = r }
}

// WithMaxRows sets the row-cap ceiling applied to every result.
func WithMaxRows(n int) Option {
	return func(g *Gateway) { g.maxRows = n }
}

// WithQueryTimeout sets the per-call deadline. Zero disables it.
func WithQueryTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithGatewayLogger sets the logger. Nil discards.
func WithGatewayLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New wraps adapter. The adapter is not connected until Connect.
func New(adapter DBAdapter, opts ...Option) *Gateway {
	g := &Gateway{
		adapter: adapter,
		maxRows: DefaultMaxRows,
		timeout: DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.maxRows <= 0 {
		g.maxRows = DefaultMaxRows
	}
	if g.queryLog == nil {
		g.queryLog = NewQueryLogger(false, DefaultLogCapacity, DefaultMaxSQLLength)
	}
	if g.templates == nil {
		g.templates = DefaultTemplates()
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	g.logger = g.logger.With("dialect", adapter.Dialect(), "instance", adapter.Name())
	return g
}

// Accessors.
func (g *Gateway) Adapter() DBAdapter           { return g.adapter }
func (g *Gateway) Templates() *TemplateRegistry { return g.templates }
func (g *Gateway) QueryLog() *QueryLogger       { return g.queryLog }
func (g *Gateway) StreamingMode() StreamingMode { return g.adapter.StreamingMode() }
func (g *Gateway) QueryStats() QueryStats       { return g.queryLog.Stats() }
func (g *Gateway) QueryLogEntries() []LogEntry  { return g.queryLog.Entries() }
func (g *Gateway) MaxRows() int                 { return g.maxRows }
func (g *Gateway) QueryTimeout() time.Duration  { return g.timeout }
func (g *Gateway) Dialect() Dialect             { return g.adapter.Dialect() }

// Connect opens the adapter pool.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.adapter.Connect(ctx); err != nil {
		err = g.adapter.ClassifyError(err)
		g.logger.Error("connect failed", "error", err)
		return err
	}
	g.logger.Info("connected")
	return nil
}

// Disconnect closes the adapter pool. Cached metadata is kept.
func (g *Gateway) Disconnect() error {
	return g.adapter.Disconnect()
}

// ClearCache drops every cached metadata entry.
func (g *Gateway) ClearCache(ctx context.Context) error {
	if g.cache == nil {
		return nil
	}
	return g.cache.Clear(ctx)
}

// rowCap resolves a caller cap against the ceiling.
func (g *Gateway) rowCap(n int) int {
	if n < 0 || n > g.maxRows {
		return g.maxRows
	}
	return n
}

func (g *Gateway) screen(sqlQuery string) error {
	if err := Validate(sqlQuery); err != nil {
		return err
	}
	return g.adapter.ScreenQuery(sqlQuery)
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// classify maps err into the taxonomy. A deadline reached by the gateway's
// own timer is reported with the configured timeout.
func (g *Gateway) classify(parent, ctx context.Context, op string, err error) error {
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, After: g.timeout, Cause: err}
	}
	return g.adapter.ClassifyError(err)
}

// call runs fn under the gateway timeout and classifies its error.
func call[T any](ctx context.Context, g *Gateway, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	tctx, cancel := g.withTimeout(ctx)
	defer cancel()

	res, err := fn(tctx)
	if err != nil {
		var zero T
		return zero, g.classify(ctx, tctx, op, err)
	}
	return res, nil
}

func (g *Gateway) cacheKey(op string, parts ...string) string {
	return CacheKey(g.adapter.Name(), string(g.adapter.Dialect()), op, parts...)
}

// metadata runs a cacheable discovery call.
func metadata[T any](ctx context.Context, g *Gateway, op string, key []string, load func(ctx context.Context) (T, error)) (T, error) {
	return call(ctx, g, op, func(ctx context.Context) (T, error) {
		return cached(ctx, g.cache, g.cacheKey(op, key...), load)
	})
}

func (g *Gateway) record(sqlQuery string, start time.Time, err error) {
	d := time.Since(start)
	g.queryLog.Log(sqlQuery, d, err == nil, err)
	if err != nil {
		g.logger.Warn("query failed", "duration", d, "error", err)
		return
	}
	g.logger.Debug("query executed", "duration", d)
}

// ExecuteQuery validates and runs one read-only statement.
func (g *Gateway) ExecuteQuery(ctx context.Context, sqlQuery string, opts QueryOptions) (*QueryResult, error) {
	start := time.Now()
	if err := g.screen(sqlQuery); err != nil {
		g.record(sqlQuery, start, err)
		return nil, err
	}
	opts.RowCap = g.rowCap(opts.RowCap)

	res, err := call(ctx, g, "query", func(ctx context.Context) (*QueryResult, error) {
		return g.adapter.ExecuteQuery(ctx, sqlQuery, opts)
	})
	g.record(sqlQuery, start, err)
	return res, err
}

// GetTableInfo describes a table's columns. Cached.
func (g *Gateway) GetTableInfo(ctx context.Context, table, schema string) (*TableInfo, error) {
	return metadata(ctx, g, "table_info", []string{schema, table}, func(ctx context.Context) (*TableInfo, error) {
		return g.adapter.GetTableInfo(ctx, table, schema)
	})
}

// ListTables lists base tables matching a LIKE pattern. Cached.
func (g *Gateway) ListTables(ctx context.Context, schema, pattern string) ([]string, error) {
	return metadata(ctx, g, "tables", []string{schema, pattern}, func(ctx context.Context) ([]string, error) {
		return g.adapter.ListTables(ctx, schema, pattern)
	})
}

// GetRowCount is never cached.
func (g *Gateway) GetRowCount(ctx context.Context, table, schema, filter string) (int64, error) {
	if err := ValidateFilterExpression(filter); err != nil {
		return 0, err
	}
	return call(ctx, g, "row_count", func(ctx context.Context) (int64, error) {
		return g.adapter.GetRowCount(ctx, table, schema, filter)
	})
}

// ListSchemas is cached.
func (g *Gateway) ListSchemas(ctx context.Context) ([]SchemaInfo, error) {
	return metadata(ctx, g, "schemas", nil, g.adapter.ListSchemas)
}

// ListViews is cached.
func (g *Gateway) ListViews(ctx context.Context, schema string) ([]ViewInfo, error) {
	return metadata(ctx, g, "views", []string{schema}, func(ctx context.Context) ([]ViewInfo, error) {
		return g.adapter.ListViews(ctx, schema)
	})
}

// GetViewDefinition is cached.
func (g *Gateway) GetViewDefinition(ctx context.Context, view, schema string) (*ViewDefinition, error) {
	return metadata(ctx, g, "view_definition", []string{schema, view}, func(ctx context.Context) (*ViewDefinition, error) {
		return g.adapter.GetViewDefinition(ctx, view, schema)
	})
}

// GetIndexes is cached.
func (g *Gateway) GetIndexes(ctx context.Context, table, schema string) ([]IndexInfo, error) {
	return metadata(ctx, g, "indexes", []string{schema, table}, func(ctx context.Context) ([]IndexInfo, error) {
		return g.adapter.GetIndexes(ctx, table, schema)
	})
}

// GetForeignKeys is cached.
func (g *Gateway) GetForeignKeys(ctx context.Context, table, schema string) ([]ForeignKeyInfo, error) {
	return metadata(ctx, g, "foreign_keys", []string{schema, table}, func(ctx context.Context) ([]ForeignKeyInfo, error) {
		return g.adapter.GetForeignKeys(ctx, table, schema)
	})
}

// ListStoredProcedures is cached.
func (g *Gateway) ListStoredProcedures(ctx context.Context, schema string) ([]StoredProcedureInfo, error) {
	return metadata(ctx, g, "procedures", []string{schema}, func(ctx context.Context) ([]StoredProcedureInfo, error) {
		return g.adapter.ListStoredProcedures(ctx, schema)
	})
}

// GetTableStatistics is never cached.
func (g *Gateway) GetTableStatistics(ctx context.Context, table, schema string) (*TableStatistics, error) {
	return call(ctx, g, "table_statistics", func(ctx context.Context) (*TableStatistics, error) {
		return g.adapter.GetTableStatistics(ctx, table, schema)
	})
}

// ExplainQuery screens sqlQuery like ExecuteQuery, then returns its plan.
func (g *Gateway) ExplainQuery(ctx context.Context, sqlQuery string) (*ExplainPlan, error) {
	if err := g.screen(sqlQuery); err != nil {
		return nil, err
	}
	return call(ctx, g, "explain", func(ctx context.Context) (*ExplainPlan, error) {
		return g.adapter.ExplainQuery(ctx, sqlQuery)
	})
}

// SampleTableData returns up to opts.Limit rows, DefaultSampleSize when the
// limit is unset, never more than the row-cap ceiling.
func (g *Gateway) SampleTableData(ctx context.Context, table, schema string, opts SampleOptions) (*QueryResult, error) {
	opts.Limit = g.rowCap(sampleLimit(opts.Limit))
	return call(ctx, g, "sample", func(ctx context.Context) (*QueryResult, error) {
		return g.adapter.SampleTableData(ctx, table, schema, opts)
	})
}

// TestConnection pings the database under the gateway timeout.
func (g *Gateway) TestConnection(ctx context.Context) error {
	_, err := call(ctx, g, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.adapter.TestConnection(ctx)
	})
	return err
}

// ExecuteQueryStream opens a stream bound only to ctx. The caller must drain
// or Close it.
func (g *Gateway) ExecuteQueryStream(ctx context.Context, sqlQuery string, batchSize int) (*RowStream, error) {
	start := time.Now()
	if err := g.screen(sqlQuery); err != nil {
		g.record(sqlQuery, start, err)
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	stream, err := g.adapter.ExecuteQueryStream(ctx, sqlQuery, batchSize)
	if err != nil {
		err = g.adapter.ClassifyError(err)
		g.record(sqlQuery, start, err)
		return nil, err
	}
	stream.classify = g.adapter.ClassifyError
	g.record(sqlQuery, start, nil)
	return stream, nil
}

// ExecuteTransaction validates every statement before opening a read-only
// transaction, then runs them in order. Any failure returns nil results.
func (g *Gateway) ExecuteTransaction(ctx context.Context, statements []string) ([]*QueryResult, error) {
	start := time.Now()
	joined := strings.Join(statements, ";\n")
	for i, s := range statements {
		if err := g.screen(s); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				err = &ValidationError{Reason: fmt.Sprintf("statement %d: %s", i+1, ve.Reason)}
			}
			g.record(joined, start, err)
			return nil, err
		}
	}

	res, err := call(ctx, g, "transaction", func(ctx context.Context) ([]*QueryResult, error) {
		return g.adapter.ExecuteTransaction(ctx, statements, g.maxRows)
	})
	g.record(joined, start, err)
	return res, err
}

// RenderTemplate returns the SQL for a template using the adapter's
// row-limit idiom.
func (g *Gateway) RenderTemplate(id string, params map[string]string) (string, error) {
	return g.templates.Render(id, params, g.adapter)
}

// ExecuteTemplate renders a template and runs it as an ordinary query.
func (g *Gateway) ExecuteTemplate(ctx context.Context, id string, params map[string]string) (*QueryResult, error) {
	sqlQuery, err := g.RenderTemplate(id, params)
	if err != nil {
		return nil, err
	}
	return g.ExecuteQuery(ctx, sqlQuery, QueryOptions{RowCap: -1})
}

// CompareTables diffs two table descriptions. A table that does not exist
// counts as an absent side; both missing is a NotFoundError.
func (g *Gateway) CompareTables(ctx context.Context, tableA, schemaA, tableB, schemaB string) (*SchemaDiffResult, error) {
	a, err := g.optionalTable(ctx, tableA, schemaA)
	if err != nil {
		return nil, err
	}
	b, err := g.optionalTable(ctx, tableB, schemaB)
	if err != nil {
		return nil, err
	}
	if a == nil && b == nil {
		return nil, &NotFoundError{Object: fmt.Sprintf("tables %q and %q", tableA, tableB)}
	}
	return CompareTables(a, b), nil
}

func (g *Gateway) optionalTable(ctx context.Context, table, schema string) (*TableInfo, error) {
	info, err := g.GetTableInfo(ctx, table, schema)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nil, nil
	}
	return info, err
}
