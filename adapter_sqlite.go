package sqlgateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteAdapter implements DBAdapter for SQLite database files.
type SQLiteAdapter struct {
	pool   *Pool
	conn   ConnectionConfig
	name   string
	logger *slog.Logger
}

// NewSQLiteAdapter returns an unconnected adapter for the file at conn.Path.
func NewSQLiteAdapter(conn ConnectionConfig, opts ...AdapterOption) *SQLiteAdapter {
	name := instanceName(conn, DialectSQLite)
	o := buildOptions("sqlite", func() (string, error) { return BuildSQLiteDSN(conn) }, opts)
	logger := o.logger.With("dialect", DialectSQLite, "name", name)
	return &SQLiteAdapter{
		pool:   NewPool(o.open, o.pool, o.retry, logger),
		conn:   conn,
		name:   name,
		logger: logger,
	}
}

// BuildSQLiteDSN opens the file read-only with query_only set on every connection.
func BuildSQLiteDSN(conn ConnectionConfig) (string, error) {
	path := conn.Path
	if path == "" {
		path = conn.Database
	}
	if path == "" {
		return "", fmt.Errorf("missing required sqlite setting: path")
	}
	path = strings.TrimPrefix(path, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}

	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", "query_only(1)")
	q.Add("_pragma", "busy_timeout("+strconv.Itoa(int(ConnectionTimeout.Milliseconds()))+")")
	for k, v := range conn.Options {
		q.Add(k, v)
	}
	return "file:" + path + "?" + q.Encode(), nil
}

func (a *SQLiteAdapter) Dialect() Dialect             { return DialectSQLite }
func (a *SQLiteAdapter) Name() string                 { return a.name }
func (a *SQLiteAdapter) StreamingMode() StreamingMode { return StreamIncremental }

func (a *SQLiteAdapter) Connect(ctx context.Context) error { return a.pool.Connect(ctx) }
func (a *SQLiteAdapter) Disconnect() error                 { return a.pool.Disconnect() }

func (a *SQLiteAdapter) DefaultSchema(context.Context) (string, error) {
	if a.conn.Schema != "" {
		return a.conn.Schema, nil
	}
	return "main", nil
}

func (a *SQLiteAdapter) schemaOr(ctx context.Context, schema string) (string, error) {
	if schema != "" {
		return schema, nil
	}
	return a.DefaultSchema(ctx)
}

func (a *SQLiteAdapter) qualified(schema, table string) string {
	return quoteWith(schema, `"`, `"`) + "." + quoteWith(table, `"`, `"`)
}

var sqliteLargeTypes = largeTypes("TEXT", "BLOB", "CLOB")

var sqliteLimitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+(-?\d+|\?)`)

func (a *SQLiteAdapter) LimitSQL(sqlQuery string, n int) string {
	if sqliteLimitPattern.MatchString(stripStringsAndComments(sqlQuery, sqliteLex)) {
		return sqlQuery
	}
	return appendClause(sqlQuery, sqliteLex, fmt.Sprintf("LIMIT %d", n))
}

func (a *SQLiteAdapter) QuoteLiteral(v string) string {
	return quoteLiteral(v)
}

func (a *SQLiteAdapter) ExecuteQuery(ctx context.Context, sqlQuery string, opts QueryOptions) (*QueryResult, error) {
	var isLarge largeColumnFunc
	if opts.ExcludeLargeColumns {
		isLarge = sqliteLargeTypes
	}
	rowCap := opts.RowCap
	if rowCap < 0 {
		rowCap = DefaultMaxRows
	}
	return runQuery(ctx, a.pool, a.LimitSQL(sqlQuery, rowCap), rowCap, isLarge)
}

func (a *SQLiteAdapter) ListTables(ctx context.Context, schema, pattern string) ([]string, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	if err := checkIdentifier("schema", schema); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT name FROM %s.sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%%' AND name LIKE ?
		ORDER BY name`, quoteWith(schema, `"`, `"`))
	return queryStrings(ctx, a.pool, query, likePattern(pattern))
}

const sqliteColumnsQuery = `SELECT ti.name, ti.type, ti."notnull", ti.dflt_value, ti.pk,
	(SELECT COUNT(*) FROM pragma_foreign_key_list(?, ?) fk WHERE fk."from" = ti.name)
FROM pragma_table_info(?, ?) ti
ORDER BY ti.cid`

var sqliteTypeSize = regexp.MustCompile(`\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\)`)

// sqliteTypeParams reads "(n)" or "(p,s)" off a declared column type.
func sqliteTypeParams(col *ColumnInfo) {
	m := sqliteTypeSize.FindStringSubmatch(col.Type)
	if m == nil {
		return
	}
	first, _ := strconv.ParseInt(m[1], 10, 64)
	upper := strings.ToUpper(col.Type)
	if strings.Contains(upper, "CHAR") || strings.Contains(upper, "CLOB") || strings.Contains(upper, "TEXT") ||
		strings.Contains(upper, "BINARY") {
		col.Length = &first
		return
	}
	col.Precision = &first
	if m[2] != "" {
		scale, _ := strconv.ParseInt(m[2], 10, 64)
		col.Scale = &scale
	}
}

func (a *SQLiteAdapter) GetTableInfo(ctx context.Context, table, schema string) (*TableInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	columns := []ColumnInfo{}
	args := []any{table, schema, table, schema}
	err = eachRow(ctx, a.pool, sqliteColumnsQuery, args, func(rows *sql.Rows) error {
		var (
			col         ColumnInfo
			notNull, pk int
			fkCount     int
			def         sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.Type, &notNull, &def, &pk, &fkCount); err != nil {
			return err
		}
		col.Nullable = notNull == 0 && pk == 0
		col.Default = nullableString(def)
		col.PrimaryKey = pk > 0
		col.ForeignKey = fkCount > 0
		sqliteTypeParams(&col)
		columns = append(columns, col)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, &NotFoundError{Object: "table " + schema + "." + table}
	}

	count, err := a.GetRowCount(ctx, table, schema, "")
	if err != nil {
		return nil, err
	}
	return &TableInfo{Name: table, Schema: schema, RowCount: count, Columns: columns}, nil
}

func (a *SQLiteAdapter) GetRowCount(ctx context.Context, table, schema, filter string) (int64, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return 0, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return 0, err
	}
	query, err := countSQL(a.qualified(schema, table), filter)
	if err != nil {
		return 0, err
	}
	return queryInt64(ctx, a.pool, query)
}

// ListSchemas returns the attached databases; Owner carries the file path.
func (a *SQLiteAdapter) ListSchemas(ctx context.Context) ([]SchemaInfo, error) {
	schemas := []SchemaInfo{}
	err := eachRow(ctx, a.pool, `SELECT name, file FROM pragma_database_list ORDER BY seq`, nil,
		func(rows *sql.Rows) error {
			var s SchemaInfo
			var file sql.NullString
			if err := rows.Scan(&s.Name, &file); err != nil {
				return err
			}
			s.Owner = file.String
			schemas = append(schemas, s)
			return nil
		})
	return schemas, err
}

func (a *SQLiteAdapter) ListViews(ctx context.Context, schema string) ([]ViewInfo, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	if err := checkIdentifier("schema", schema); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT name FROM %s.sqlite_master WHERE type = 'view' ORDER BY name`,
		quoteWith(schema, `"`, `"`))
	names, err := queryStrings(ctx, a.pool, query)
	if err != nil {
		return nil, err
	}
	views := make([]ViewInfo, 0, len(names))
	for _, n := range names {
		views = append(views, ViewInfo{Name: n, Schema: schema})
	}
	return views, nil
}

func (a *SQLiteAdapter) GetViewDefinition(ctx context.Context, view, schema string) (*ViewDefinition, error) {
	view, schema = splitQualified(view, schema)
	if err := checkIdentifier("view", view); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT sql FROM %s.sqlite_master WHERE type = 'view' AND name = ?`,
		quoteWith(schema, `"`, `"`))
	var def sql.NullString
	err = a.pool.With(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, view).Scan(&def)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Object: "view " + schema + "." + view}
	}
	if err != nil {
		return nil, err
	}
	return &ViewDefinition{Name: view, Schema: schema, Definition: def.String}, nil
}

const sqliteIndexesQuery = `SELECT il.name, ii.name, il."unique", il.origin
FROM pragma_index_list(?, ?) il
JOIN pragma_index_info(il.name, ?) ii
ORDER BY il.seq, ii.seqno`

func (a *SQLiteAdapter) GetIndexes(ctx context.Context, table, schema string) ([]IndexInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	var rows []indexRow
	err = eachRow(ctx, a.pool, sqliteIndexesQuery, []any{table, schema, schema}, func(r *sql.Rows) error {
		var ir indexRow
		var column sql.NullString
		var unique int
		var origin string
		if err := r.Scan(&ir.name, &column, &unique, &origin); err != nil {
			return err
		}
		ir.column = column.String
		ir.unique = unique != 0
		ir.primary = origin == "pk"
		ir.kind = "btree"
		rows = append(rows, ir)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groupIndexes(schema, table, rows), nil
}

func (a *SQLiteAdapter) GetForeignKeys(ctx context.Context, table, schema string) ([]ForeignKeyInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	var rows []foreignKeyRow
	err = eachRow(ctx, a.pool, `SELECT id, "table", "from", "to", on_update, on_delete
		FROM pragma_foreign_key_list(?, ?) ORDER BY id, seq`, []any{table, schema}, func(r *sql.Rows) error {
		var id int
		var to sql.NullString
		fk := foreignKeyRow{refSchema: schema}
		if err := r.Scan(&id, &fk.refTable, &fk.column, &to, &fk.onUpdate, &fk.onDelete); err != nil {
			return err
		}
		fk.name = fmt.Sprintf("fk_%s_%d", table, id)
		fk.refColumn = to.String
		rows = append(rows, fk)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groupForeignKeys(schema, table, rows), nil
}

// ListStoredProcedures is always empty: SQLite has no stored routines.
func (a *SQLiteAdapter) ListStoredProcedures(context.Context, string) ([]StoredProcedureInfo, error) {
	return []StoredProcedureInfo{}, nil
}

func (a *SQLiteAdapter) GetTableStatistics(ctx context.Context, table, schema string) (*TableStatistics, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT (SELECT COUNT(*) FROM %s) AS row_count,
		(SELECT COUNT(*) FROM pragma_index_list(?, ?)) AS index_count`, a.qualified(schema, table))
	res, err := runQuery(ctx, a.pool, query, 1, nil, table, schema)
	if err != nil {
		return nil, err
	}
	return statsFromRow(table, schema, res), nil
}

func (a *SQLiteAdapter) ExplainQuery(ctx context.Context, sqlQuery string) (*ExplainPlan, error) {
	res, err := runQuery(ctx, a.pool, "EXPLAIN QUERY PLAN "+trimStatement(sqlQuery), -1, nil)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		lines = append(lines, fmt.Sprint(row["detail"]))
	}
	return &ExplainPlan{
		Dialect: DialectSQLite,
		Format:  "text",
		Plan:    strings.Join(lines, "\n"),
		Rows:    res.Rows,
	}, nil
}

func (a *SQLiteAdapter) SampleTableData(ctx context.Context, table, schema string, opts SampleOptions) (*QueryResult, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	limit := sampleLimit(opts.Limit)
	query := "SELECT * FROM " + a.qualified(schema, table)
	if opts.Random {
		query += " ORDER BY RANDOM()"
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	var isLarge largeColumnFunc
	if opts.ExcludeLargeColumns {
		isLarge = sqliteLargeTypes
	}
	return runQuery(ctx, a.pool, query, limit, isLarge)
}

func (a *SQLiteAdapter) TestConnection(ctx context.Context) error {
	_, err := queryInt64(ctx, a.pool, "SELECT 1")
	return err
}

func (a *SQLiteAdapter) ExecuteQueryStream(ctx context.Context, sqlQuery string, batchSize int) (*RowStream, error) {
	return streamRows(ctx, a.pool, trimStatement(sqlQuery), batchSize)
}

// ExecuteTransaction relies on query_only for read-only enforcement; a
// deferred transaction holds one read snapshot across all statements.
func (a *SQLiteAdapter) ExecuteTransaction(ctx context.Context, statements []string, rowCap int) ([]*QueryResult, error) {
	begin := func(ctx context.Context, conn *sql.Conn) (*sql.Tx, error) {
		return conn.BeginTx(ctx, nil)
	}
	return runReadOnlyTransaction(ctx, a.pool, begin, a.LimitSQL, statements, rowCap)
}

var sqliteLex = lexRules{backticks: true, brackets: true}

var sqliteHazards = []hazard{
	functionHazard("load_extension"),
	functionHazard("writefile"),
	functionHazard("edit"),
	functionHazard("fts3_tokenizer"),
	keywordHazard("REPLACE"),
	keywordHazard("ATTACH"),
	keywordHazard("DETACH"),
	keywordHazard("REINDEX"),
	keywordHazard("VACUUM"),
	{re: regexp.MustCompile(`(?i)\bPRAGMA\s+\w+\s*=`), desc: "PRAGMA write"},
}

func (a *SQLiteAdapter) ScreenQuery(sqlQuery string) error {
	return screenQuery(sqlQuery, sqliteLex, sqliteHazards)
}

func (a *SQLiteAdapter) ClassifyError(err error) error {
	return classifyWith(err, classifySQLite)
}

func classifySQLite(err error) error {
	var liteErr *sqlite.Error
	if !errors.As(err, &liteErr) {
		return nil
	}
	switch liteErr.Code() & 0xff {
	case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM:
		return &PermissionError{Cause: err}
	case sqlite3.SQLITE_AUTH:
		return &AuthError{Cause: err}
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return &TimeoutError{Op: "query", Cause: err}
	case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB:
		return &ConnectionError{Cause: err}
	case sqlite3.SQLITE_INTERRUPT:
		return &TimeoutError{Op: "query", Cause: err}
	}
	if notFoundPattern.MatchString(err.Error()) {
		return &NotFoundError{Cause: err}
	}
	return &ExecutionError{Cause: err}
}
