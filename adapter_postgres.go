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

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresAdapter implements DBAdapter for PostgreSQL.
type PostgresAdapter struct {
	pool   *Pool
	conn   ConnectionConfig
	name   string
	logger *slog.Logger
}

// NewPostgresAdapter returns an unconnected adapter.
func NewPostgresAdapter(conn ConnectionConfig, opts ...AdapterOption) *PostgresAdapter {
	name := instanceName(conn, DialectPostgres)
	o := buildOptions("postgres", func() (string, error) { return BuildPostgresDSN(conn) }, opts)
	logger := o.logger.With("dialect", DialectPostgres, "name", name)
	return &PostgresAdapter{
		pool:   NewPool(o.open, o.pool, o.retry, logger),
		conn:   conn,
		name:   name,
		logger: logger,
	}
}

// BuildPostgresDSN renders a lib/pq URL. Every session defaults to read-only
// transactions.
func BuildPostgresDSN(conn ConnectionConfig) (string, error) {
	var missing []string
	if conn.Host == "" {
		missing = append(missing, "host")
	}
	if conn.Database == "" {
		missing = append(missing, "database")
	}
	if conn.User == "" {
		missing = append(missing, "user")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required postgres settings: %v", missing)
	}

	port := conn.Port
	if port == 0 {
		port = 5432
	}
	sslmode := conn.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("default_transaction_read_only", "on")
	q.Set("connect_timeout", strconv.Itoa(int(ConnectionTimeout.Seconds())))
	for k, v := range conn.Options {
		q.Set(k, v)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conn.User, conn.Password),
		Host:     fmt.Sprintf("%s:%d", conn.Host, port),
		Path:     "/" + conn.Database,
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

func (a *PostgresAdapter) Dialect() Dialect             { return DialectPostgres }
func (a *PostgresAdapter) Name() string                 { return a.name }
func (a *PostgresAdapter) StreamingMode() StreamingMode { return StreamCursor }

func (a *PostgresAdapter) Connect(ctx context.Context) error { return a.pool.Connect(ctx) }
func (a *PostgresAdapter) Disconnect() error                 { return a.pool.Disconnect() }

func (a *PostgresAdapter) DefaultSchema(context.Context) (string, error) {
	if a.conn.Schema != "" {
		return a.conn.Schema, nil
	}
	return "public", nil
}

func (a *PostgresAdapter) schemaOr(ctx context.Context, schema string) (string, error) {
	if schema != "" {
		return schema, nil
	}
	return a.DefaultSchema(ctx)
}

func (a *PostgresAdapter) qualified(schema, table string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

var postgresLargeTypes = largeTypes("TEXT", "BYTEA", "JSON", "JSONB", "XML")

var postgresLimitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+|ALL|\$\d+)|\bFETCH\s+(FIRST|NEXT)\b`)

func (a *PostgresAdapter) LimitSQL(sqlQuery string, n int) string {
	if postgresLimitPattern.MatchString(stripStringsAndComments(sqlQuery, postgresLex)) {
		return sqlQuery
	}
	return appendClause(sqlQuery, postgresLex, fmt.Sprintf("LIMIT %d", n))
}

// QuoteLiteral switches to an E'' literal when v holds a backslash, so the
// result is the same whatever standard_conforming_strings is set to.
func (a *PostgresAdapter) QuoteLiteral(v string) string {
	return strings.TrimSpace(pq.QuoteLiteral(v))
}

func (a *PostgresAdapter) ExecuteQuery(ctx context.Context, sqlQuery string, opts QueryOptions) (*QueryResult, error) {
	var isLarge largeColumnFunc
	if opts.ExcludeLargeColumns {
		isLarge = postgresLargeTypes
	}
	rowCap := opts.RowCap
	if rowCap < 0 {
		rowCap = DefaultMaxRows
	}
	return runQuery(ctx, a.pool, a.LimitSQL(sqlQuery, rowCap), rowCap, isLarge)
}

func (a *PostgresAdapter) ListTables(ctx context.Context, schema, pattern string) ([]string, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	return queryStrings(ctx, a.pool, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE' AND table_name LIKE $2
		ORDER BY table_name`, schema, likePattern(pattern))
}

const postgresColumnsQuery = `SELECT c.column_name, c.data_type, c.character_maximum_length,
	c.numeric_precision, c.numeric_scale, c.is_nullable, c.column_default,
	EXISTS (SELECT 1 FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage k
			ON k.constraint_schema = tc.constraint_schema AND k.constraint_name = tc.constraint_name
		WHERE tc.constraint_type = 'PRIMARY KEY' AND k.table_schema = c.table_schema
			AND k.table_name = c.table_name AND k.column_name = c.column_name),
	EXISTS (SELECT 1 FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage k
			ON k.constraint_schema = tc.constraint_schema AND k.constraint_name = tc.constraint_name
		WHERE tc.constraint_type = 'FOREIGN KEY' AND k.table_schema = c.table_schema
			AND k.table_name = c.table_name AND k.column_name = c.column_name)
FROM information_schema.columns c
WHERE c.table_schema = $1 AND c.table_name = $2
ORDER BY c.ordinal_position`

func (a *PostgresAdapter) GetTableInfo(ctx context.Context, table, schema string) (*TableInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	columns := []ColumnInfo{}
	err = eachRow(ctx, a.pool, postgresColumnsQuery, []any{schema, table}, func(rows *sql.Rows) error {
		var (
			col                      ColumnInfo
			length, precision, scale sql.NullInt64
			nullable                 string
			def                      sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.Type, &length, &precision, &scale, &nullable, &def,
			&col.PrimaryKey, &col.ForeignKey); err != nil {
			return err
		}
		col.Length = nullableInt(length)
		col.Precision = nullableInt(precision)
		col.Scale = nullableInt(scale)
		col.Nullable = nullable == "YES"
		col.Default = nullableString(def)
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

func (a *PostgresAdapter) GetRowCount(ctx context.Context, table, schema, filter string) (int64, error) {
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

func (a *PostgresAdapter) ListSchemas(ctx context.Context) ([]SchemaInfo, error) {
	schemas := []SchemaInfo{}
	err := eachRow(ctx, a.pool, `SELECT schema_name, schema_owner FROM information_schema.schemata
		WHERE schema_name <> 'information_schema' AND left(schema_name, 3) <> 'pg_'
		ORDER BY schema_name`, nil, func(rows *sql.Rows) error {
		var s SchemaInfo
		var owner sql.NullString
		if err := rows.Scan(&s.Name, &owner); err != nil {
			return err
		}
		s.Owner = owner.String
		schemas = append(schemas, s)
		return nil
	})
	return schemas, err
}

func (a *PostgresAdapter) ListViews(ctx context.Context, schema string) ([]ViewInfo, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	views := []ViewInfo{}
	err = eachRow(ctx, a.pool, `SELECT table_name, is_updatable FROM information_schema.views
		WHERE table_schema = $1 ORDER BY table_name`, []any{schema}, func(rows *sql.Rows) error {
		var name, updatable string
		if err := rows.Scan(&name, &updatable); err != nil {
			return err
		}
		views = append(views, ViewInfo{Name: name, Schema: schema, Updatable: updatable == "YES"})
		return nil
	})
	return views, err
}

func (a *PostgresAdapter) GetViewDefinition(ctx context.Context, view, schema string) (*ViewDefinition, error) {
	view, schema = splitQualified(view, schema)
	if err := checkIdentifier("view", view); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	var def sql.NullString
	err = a.pool.With(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT pg_get_viewdef(c.oid, true)
			FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = $1 AND c.relname = $2 AND c.relkind IN ('v', 'm')`, schema, view).Scan(&def)
	})
	if errors.Is(err, sql.ErrNoRows) || err == nil && !def.Valid {
		return nil, &NotFoundError{Object: "view " + schema + "." + view}
	}
	if err != nil {
		return nil, err
	}
	return &ViewDefinition{Name: view, Schema: schema, Definition: strings.TrimSpace(def.String)}, nil
}

const postgresIndexesQuery = `SELECT i.relname, a.attname, ix.indisunique, ix.indisprimary, am.amname
FROM pg_index ix
JOIN pg_class t ON t.oid = ix.indrelid
JOIN pg_class i ON i.oid = ix.indexrelid
JOIN pg_namespace n ON n.oid = t.relnamespace
JOIN pg_am am ON am.oid = i.relam
JOIN LATERAL unnest(ix.indkey::smallint[]) WITH ORDINALITY AS k(attnum, ord) ON true
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
WHERE n.nspname = $1 AND t.relname = $2
ORDER BY i.relname, k.ord`

func (a *PostgresAdapter) GetIndexes(ctx context.Context, table, schema string) ([]IndexInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	var rows []indexRow
	err = eachRow(ctx, a.pool, postgresIndexesQuery, []any{schema, table}, func(r *sql.Rows) error {
		var ir indexRow
		if err := r.Scan(&ir.name, &ir.column, &ir.unique, &ir.primary, &ir.kind); err != nil {
			return err
		}
		rows = append(rows, ir)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groupIndexes(schema, table, rows), nil
}

const postgresForeignKeysQuery = `SELECT tc.constraint_name, kcu.column_name,
	ccu.table_schema, ccu.table_name, ccu.column_name, rc.update_rule, rc.delete_rule
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
	ON kcu.constraint_schema = tc.constraint_schema AND kcu.constraint_name = tc.constraint_name
JOIN information_schema.referential_constraints rc
	ON rc.constraint_schema = tc.constraint_schema AND rc.constraint_name = tc.constraint_name
JOIN information_schema.key_column_usage ccu
	ON ccu.constraint_schema = rc.unique_constraint_schema AND ccu.constraint_name = rc.unique_constraint_name
	AND ccu.ordinal_position = kcu.position_in_unique_constraint
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2
ORDER BY tc.constraint_name, kcu.ordinal_position`

func (a *PostgresAdapter) GetForeignKeys(ctx context.Context, table, schema string) ([]ForeignKeyInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	var rows []foreignKeyRow
	err = eachRow(ctx, a.pool, postgresForeignKeysQuery, []any{schema, table}, func(r *sql.Rows) error {
		var fk foreignKeyRow
		if err := r.Scan(&fk.name, &fk.column, &fk.refSchema, &fk.refTable, &fk.refColumn,
			&fk.onUpdate, &fk.onDelete); err != nil {
			return err
		}
		rows = append(rows, fk)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groupForeignKeys(schema, table, rows), nil
}

func (a *PostgresAdapter) ListStoredProcedures(ctx context.Context, schema string) ([]StoredProcedureInfo, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	procs := []StoredProcedureInfo{}
	err = eachRow(ctx, a.pool, `SELECT p.proname,
			CASE p.prokind WHEN 'p' THEN 'PROCEDURE' WHEN 'a' THEN 'AGGREGATE'
				WHEN 'w' THEN 'WINDOW' ELSE 'FUNCTION' END,
			pg_get_function_result(p.oid), l.lanname
		FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		JOIN pg_language l ON l.oid = p.prolang
		WHERE n.nspname = $1
		ORDER BY p.proname`, []any{schema}, func(rows *sql.Rows) error {
		p := StoredProcedureInfo{Schema: schema}
		var ret sql.NullString
		if err := rows.Scan(&p.Name, &p.Type, &ret, &p.Language); err != nil {
			return err
		}
		p.ReturnType = ret.String
		procs = append(procs, p)
		return nil
	})
	return procs, err
}

const postgresStatsQuery = `SELECT COALESCE(s.n_live_tup, c.reltuples::bigint) AS row_count,
	pg_relation_size(c.oid) AS data_bytes,
	pg_indexes_size(c.oid) AS index_bytes,
	pg_total_relation_size(c.oid) AS total_bytes,
	(SELECT COUNT(*) FROM pg_index i WHERE i.indrelid = c.oid) AS index_count,
	s.n_dead_tup, s.seq_scan, s.idx_scan,
	s.last_vacuum, s.last_autovacuum, s.last_analyze, s.last_autoanalyze
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
LEFT JOIN pg_stat_user_tables s ON s.relid = c.oid
WHERE n.nspname = $1 AND c.relname = $2 AND c.relkind IN ('r', 'p', 'm')`

func (a *PostgresAdapter) GetTableStatistics(ctx context.Context, table, schema string) (*TableStatistics, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	res, err := runQuery(ctx, a.pool, postgresStatsQuery, 1, nil, schema, table)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, &NotFoundError{Object: "table " + schema + "." + table}
	}
	return statsFromRow(table, schema, res), nil
}

func (a *PostgresAdapter) ExplainQuery(ctx context.Context, sqlQuery string) (*ExplainPlan, error) {
	res, err := runQuery(ctx, a.pool, "EXPLAIN (FORMAT JSON) "+trimStatement(sqlQuery), -1, nil)
	if err != nil {
		return nil, err
	}
	return &ExplainPlan{Dialect: DialectPostgres, Format: "json", Plan: firstColumnText(res)}, nil
}

func (a *PostgresAdapter) SampleTableData(ctx context.Context, table, schema string, opts SampleOptions) (*QueryResult, error) {
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
		query += " ORDER BY random()"
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	var isLarge largeColumnFunc
	if opts.ExcludeLargeColumns {
		isLarge = postgresLargeTypes
	}
	return runQuery(ctx, a.pool, query, limit, isLarge)
}

func (a *PostgresAdapter) TestConnection(ctx context.Context) error {
	_, err := queryInt64(ctx, a.pool, "SELECT 1")
	return err
}

// ExecuteQueryStream declares a NO SCROLL cursor inside a read-only
// transaction and fetches batchSize rows per call.
func (a *PostgresAdapter) ExecuteQueryStream(ctx context.Context, sqlQuery string, batchSize int) (*RowStream, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		a.pool.Release(conn)
		return nil, err
	}

	cursor := pq.QuoteIdentifier("sqlgw_" + strings.ReplaceAll(uuid.NewString(), "-", ""))
	if _, err := tx.ExecContext(ctx, "DECLARE "+cursor+" NO SCROLL CURSOR FOR "+trimStatement(sqlQuery)); err != nil {
		_ = tx.Rollback()
		a.pool.Release(conn)
		return nil, err
	}

	src := &cursorSource{
		tx:       tx,
		fetchSQL: func(n int) string { return fmt.Sprintf("FETCH FORWARD %d FROM %s", n, cursor) },
		closeSQL: "CLOSE " + cursor,
	}
	return newRowStream(ctx, src, StreamCursor, batchSize, func() { a.pool.Release(conn) }), nil
}

func (a *PostgresAdapter) ExecuteTransaction(ctx context.Context, statements []string, rowCap int) ([]*QueryResult, error) {
	begin := func(ctx context.Context, conn *sql.Conn) (*sql.Tx, error) {
		return conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	}
	return runReadOnlyTransaction(ctx, a.pool, begin, a.LimitSQL, statements, rowCap)
}

var postgresLex = lexRules{dollarQuotes: true, escapeStrings: true}

var postgresHazards = []hazard{
	keywordHazard("COPY"),
	keywordHazard("CALL"),
	keywordHazard("LISTEN"),
	keywordHazard("NOTIFY"),
	keywordHazard("PREPARE"),
	keywordHazard("DEALLOCATE"),
	keywordHazard("VACUUM"),
	keywordHazard("REINDEX"),
	keywordHazard("CLUSTER"),
	keywordHazard("INTO"),
	{re: regexp.MustCompile(`(?i)\bFOR\s+(NO\s+KEY\s+|KEY\s+)?SHARE\b`), desc: "FOR SHARE"},
	functionHazard("pg_read_file"),
	functionHazard("pg_read_binary_file"),
	functionHazard("pg_ls_dir"),
	functionHazard("lo_import"),
	functionHazard("lo_export"),
	functionHazard("pg_sleep"),
	functionHazard("pg_sleep_for"),
	functionHazard("pg_sleep_until"),
	functionHazard("pg_advisory_lock"),
	functionHazard("pg_advisory_xact_lock"),
	functionHazard("pg_try_advisory_lock"),
	functionHazard("pg_terminate_backend"),
	functionHazard("pg_cancel_backend"),
	functionHazard("set_config"),
	functionHazard("nextval"),
	functionHazard("setval"),
	functionHazard("dblink"),
}

func (a *PostgresAdapter) ScreenQuery(sqlQuery string) error {
	return screenQuery(sqlQuery, postgresLex, postgresHazards)
}

func (a *PostgresAdapter) ClassifyError(err error) error {
	return classifyWith(err, classifyPostgres)
}

func classifyPostgres(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}
	switch pqErr.Code {
	case "42P01", "42703", "42883", "3F000", "3D000", "42704":
		return &NotFoundError{Cause: err}
	case "42501", "25006":
		return &PermissionError{Cause: err}
	case "57014":
		return &TimeoutError{Op: "query", Cause: err}
	case "57P01", "57P02", "57P03":
		return &ConnectionError{Retryable: true, Cause: err}
	}
	switch pqErr.Code.Class() {
	case "28":
		return &AuthError{Cause: err}
	case "08":
		return &ConnectionError{Retryable: true, Cause: err}
	}
	return &ExecutionError{Cause: err}
}
