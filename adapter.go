package sqlgateway

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"
)

// DefaultMaxRows caps results when the caller does not say otherwise.
const DefaultMaxRows = 1000

// DBAdapter defines the contract for database-specific behavior.
// Each supported engine implements this interface on top of its own Pool.
type DBAdapter interface {
	// Dialect returns the engine family.
	Dialect() Dialect

	// Name labels this adapter instance in logs and cache keys.
	Name() string

	// Connect opens the pool, retrying transient failures.
	Connect(ctx context.Context) error

	// Disconnect drains and closes the pool.
	Disconnect() error

	// DefaultSchema resolves the schema used when callers pass none.
	DefaultSchema(ctx context.Context) (string, error)

	// ExecuteQuery runs one read-only statement and returns at most opts.RowCap rows.
	ExecuteQuery(ctx context.Context, sql string, opts QueryOptions) (*QueryResult, error)

	GetTableInfo(ctx context.Context, table, schema string) (*TableInfo, error)
	ListTables(ctx context.Context, schema, pattern string) ([]string, error)

	// GetRowCount counts rows, optionally restricted by an already screened WHERE fragment.
	GetRowCount(ctx context.Context, table, schema, filter string) (int64, error)

	ListSchemas(ctx context.Context) ([]SchemaInfo, error)
	ListViews(ctx context.Context, schema string) ([]ViewInfo, error)
	GetViewDefinition(ctx context.Context, view, schema string) (*ViewDefinition, error)
	GetIndexes(ctx context.Context, table, schema string) ([]IndexInfo, error)
	GetForeignKeys(ctx context.Context, table, schema string) ([]ForeignKeyInfo, error)
	ListStoredProcedures(ctx context.Context, schema string) ([]StoredProcedureInfo, error)
	GetTableStatistics(ctx context.Context, table, schema string) (*TableStatistics, error)
	ExplainQuery(ctx context.Context, sql string) (*ExplainPlan, error)
	SampleTableData(ctx context.Context, table, schema string, opts SampleOptions) (*QueryResult, error)
	TestConnection(ctx context.Context) error

	// ExecuteQueryStream holds one connection until the stream is exhausted or closed.
	ExecuteQueryStream(ctx context.Context, sql string, batchSize int) (*RowStream, error)

	// ExecuteTransaction runs every statement in one read-only transaction.
	ExecuteTransaction(ctx context.Context, statements []string, rowCap int) ([]*QueryResult, error)

	// StreamingMode reports how ExecuteQueryStream delivers batches.
	StreamingMode() StreamingMode

	// LimitSQL applies the engine's row-limiting idiom unless sql already limits itself.
	LimitSQL(sql string, n int) string

	// QuoteLiteral renders v as a string literal the engine cannot read past.
	QuoteLiteral(v string) string

	// ScreenQuery rejects dialect-specific hazards that pass the generic validator.
	ScreenQuery(sql string) error

	// ClassifyError maps a raw engine error onto the gateway's error types.
	ClassifyError(err error) error
}

// AdapterOption configures adapter construction.
type AdapterOption func(*adapterOptions)

type adapterOptions struct {
	pool   PoolConfig
	retry  RetryConfig
	logger *slog.Logger
	open   OpenFunc
}

// WithPoolConfig sets pool sizing and acquire timeout.
func WithPoolConfig(cfg PoolConfig) AdapterOption {
	return func(o *adapterOptions) { o.pool = cfg }
}

// WithRetryConfig sets the connect retry policy.
func WithRetryConfig(cfg RetryConfig) AdapterOption {
	return func(o *adapterOptions) { o.retry = cfg }
}

// WithLogger sets the adapter logger. Nil discards.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(o *adapterOptions) { o.logger = logger }
}

// WithOpener replaces the driver-based opener, mainly for tests.
func WithOpener(open OpenFunc) AdapterOption {
	return func(o *adapterOptions) { o.open = open }
}

// buildOptions applies opts. The default opener builds the DSN lazily so a
// bad configuration surfaces from Connect as a non-retryable ConnectionError.
func buildOptions(driverName string, dsn func() (string, error), opts []AdapterOption) adapterOptions {
	o := adapterOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.open == nil {
		o.open = func(context.Context) (*sql.DB, error) {
			source, err := dsn()
			if err != nil {
				return nil, err
			}
			return sql.Open(driverName, source)
		}
	}
	return o
}

// NewAdapter builds the adapter for an engine name. Unknown engines are a
// configuration error.
func NewAdapter(engine string, conn ConnectionConfig, opts ...AdapterOption) (DBAdapter, error) {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "postgres", "postgresql", "pg":
		return NewPostgresAdapter(conn, opts...), nil
	case "mysql":
		return NewMySQLAdapter(conn, opts...), nil
	case "mariadb":
		conn.Flavor = "mariadb"
		return NewMySQLAdapter(conn, opts...), nil
	case "sqlite", "sqlite3":
		return NewSQLiteAdapter(conn, opts...), nil
	case "sqlserver", "mssql":
		return NewSQLServerAdapter(conn, opts...), nil
	case "oracle":
		return NewOracleAdapter(conn, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported database engine: %q", engine)
	}
}

func instanceName(conn ConnectionConfig, d Dialect) string {
	if conn.Name != "" {
		return conn.Name
	}
	return string(d)
}

// largeColumnFunc reports whether a result column holds a large object.
type largeColumnFunc func(ct *sql.ColumnType) bool

// largeTypes matches columns by engine type name, ignoring case, spaces,
// underscores and any "(n)" suffix.
func largeTypes(names ...string) largeColumnFunc {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[normalizeTypeName(n)] = true
	}
	return func(ct *sql.ColumnType) bool {
		return set[normalizeTypeName(ct.DatabaseTypeName())]
	}
}

func normalizeTypeName(name string) string {
	if idx := strings.IndexByte(name, '('); idx >= 0 {
		name = name[:idx]
	}
	name = strings.ToUpper(name)
	return strings.NewReplacer(" ", "", "_", "").Replace(name)
}

// scanResult reads rows into a QueryResult, stopping at rowCap. Columns that
// isLarge reports are dropped when isLarge is non-nil.
func scanResult(rows *sql.Rows, rowCap int, isLarge largeColumnFunc) (*QueryResult, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	keep := make([]int, 0, len(types))
	columns := make([]string, 0, len(types))
	for i, ct := range types {
		if isLarge != nil && isLarge(ct) {
			continue
		}
		keep = append(keep, i)
		columns = append(columns, ct.Name())
	}

	result := &QueryResult{Columns: columns, Rows: []Row{}}
	if rowCap < 0 {
		rowCap = DefaultMaxRows
	}

	values := make([]any, len(types))
	valuePtrs := make([]any, len(types))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if len(result.Rows) >= rowCap {
			result.Truncated = true
			break
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row %d: %w", len(result.Rows)+1, err)
		}
		result.Rows = append(result.Rows, makeRow(columns, keep, values))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

func makeRow(columns []string, keep []int, values []any) Row {
	row := make(Row, len(keep))
	for j, i := range keep {
		val := values[i]
		// []byte becomes string so results serialize as text.
		if b, ok := val.([]byte); ok {
			row[columns[j]] = string(b)
		} else {
			row[columns[j]] = val
		}
	}
	return row
}

// runQuery executes sql on a pooled connection and scans the result.
func runQuery(ctx context.Context, pool *Pool, query string, rowCap int, isLarge largeColumnFunc, args ...any) (*QueryResult, error) {
	var result *QueryResult
	err := pool.With(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		result, err = scanResult(rows, rowCap, isLarge)
		return err
	})
	return result, err
}

// queryStrings returns the first column of every row.
func queryStrings(ctx context.Context, pool *Pool, query string, args ...any) ([]string, error) {
	out := []string{}
	err := pool.With(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var s sql.NullString
			if err := rows.Scan(&s); err != nil {
				return err
			}
			out = append(out, s.String)
		}
		return rows.Err()
	})
	return out, err
}

// queryInt64 scans a single integer.
func queryInt64(ctx context.Context, pool *Pool, query string, args ...any) (int64, error) {
	var n int64
	err := pool.With(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	return n, err
}

// eachRow runs query and calls scan for every row.
func eachRow(ctx context.Context, pool *Pool, query string, args []any, scan func(rows *sql.Rows) error) error {
	return pool.With(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			if err := scan(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// checkIdentifier rejects names that cannot be safely quoted.
func checkIdentifier(kind, name string) error {
	if name == "" {
		return &ValidationError{Reason: kind + " name is required"}
	}
	if len(name) > 128 {
		return &ValidationError{Reason: kind + " name is too long"}
	}
	for _, r := range name {
		if r == 0 || unicode.IsControl(r) {
			return &ValidationError{Reason: kind + " name contains control characters"}
		}
	}
	return nil
}

// splitQualified accepts "schema.table" in table when schema is empty.
func splitQualified(table, schema string) (string, string) {
	if schema == "" {
		if idx := strings.IndexByte(table, '.'); idx > 0 && idx < len(table)-1 {
			return table[idx+1:], table[:idx]
		}
	}
	return table, schema
}

func quoteWith(name, openQuote, closeQuote string) string {
	return openQuote + strings.ReplaceAll(name, closeQuote, closeQuote+closeQuote) + closeQuote
}

// trimStatement drops trailing whitespace and semicolons.
func trimStatement(sql string) string {
	return strings.TrimRight(strings.TrimSpace(sql), "; \t\r\n")
}

// quoteLiteral doubles single quotes. Engines without backslash escapes need
// nothing more.
func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func likePattern(pattern string) string {
	if strings.TrimSpace(pattern) == "" {
		return "%"
	}
	return pattern
}

// DefaultSampleSize is the number of rows sampled when no limit is given.
const DefaultSampleSize = 10

func sampleLimit(n int) int {
	if n <= 0 {
		return DefaultSampleSize
	}
	return n
}

// groupIndexes folds (index, column) rows into IndexInfo in first-seen order.
type indexRow struct {
	name    string
	column  string
	unique  bool
	primary bool
	kind    string
}

func groupIndexes(schema, table string, rows []indexRow) []IndexInfo {
	out := []IndexInfo{}
	pos := map[string]int{}
	for _, r := range rows {
		i, ok := pos[r.name]
		if !ok {
			out = append(out, IndexInfo{
				Name:    r.name,
				Schema:  schema,
				Table:   table,
				Columns: []string{},
				Unique:  r.unique || r.primary,
				Primary: r.primary,
				Type:    r.kind,
			})
			i = len(out) - 1
			pos[r.name] = i
		}
		if r.column != "" {
			out[i].Columns = append(out[i].Columns, r.column)
		}
	}
	return out
}

type foreignKeyRow struct {
	name      string
	column    string
	refSchema string
	refTable  string
	refColumn string
	onUpdate  string
	onDelete  string
}

func groupForeignKeys(schema, table string, rows []foreignKeyRow) []ForeignKeyInfo {
	out := []ForeignKeyInfo{}
	pos := map[string]int{}
	for _, r := range rows {
		i, ok := pos[r.name]
		if !ok {
			out = append(out, ForeignKeyInfo{
				Name:              r.name,
				Schema:            schema,
				Table:             table,
				Columns:           []string{},
				ReferencedSchema:  r.refSchema,
				ReferencedTable:   r.refTable,
				ReferencedColumns: []string{},
				OnUpdate:          r.onUpdate,
				OnDelete:          r.onDelete,
			})
			i = len(out) - 1
			pos[r.name] = i
		}
		out[i].Columns = append(out[i].Columns, r.column)
		out[i].ReferencedColumns = append(out[i].ReferencedColumns, r.refColumn)
	}
	return out
}

// statsFromRow fills TableStatistics from a generic result row. Known keys map
// onto fields, the rest goes to Extra.
func statsFromRow(table, schema string, res *QueryResult) *TableStatistics {
	stats := &TableStatistics{Table: table, Schema: schema, Extra: map[string]any{}}
	if res == nil || len(res.Rows) == 0 {
		return stats
	}
	for _, col := range res.Columns {
		v := res.Rows[0][col]
		switch strings.ToLower(col) {
		case "row_count":
			stats.RowCount = toInt64(v)
		case "data_bytes":
			stats.DataSizeBytes = toInt64(v)
		case "index_bytes":
			stats.IndexSizeBytes = toInt64(v)
		case "total_bytes":
			stats.TotalSizeBytes = toInt64(v)
		case "index_count":
			stats.IndexCount = int(toInt64(v))
		default:
			if v != nil {
				stats.Extra[strings.ToLower(col)] = v
			}
		}
	}
	if stats.TotalSizeBytes == 0 {
		stats.TotalSizeBytes = stats.DataSizeBytes + stats.IndexSizeBytes
	}
	return stats
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return int64(f)
		}
	}
	return 0
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// countSQL builds a COUNT(*) over an already quoted table name, screening the
// optional WHERE fragment.
func countSQL(qualifiedTable, filter string) (string, error) {
	if err := ValidateFilterExpression(filter); err != nil {
		return "", err
	}
	query := "SELECT COUNT(*) FROM " + qualifiedTable
	if f := strings.TrimSpace(filter); f != "" {
		query += " WHERE (" + f + ")"
	}
	return query, nil
}

// firstColumnText joins the first column of every row with newlines.
func firstColumnText(res *QueryResult) string {
	if res == nil || len(res.Columns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if v := row[res.Columns[0]]; v != nil {
			lines = append(lines, fmt.Sprint(v))
		}
	}
	return strings.Join(lines, "\n")
}
