package sqlgateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// MySQLAdapter implements DBAdapter for MySQL and MariaDB.
type MySQLAdapter struct {
	pool   *Pool
	conn   ConnectionConfig
	name   string
	logger *slog.Logger
}

// NewMySQLAdapter returns an unconnected adapter. Set conn.Flavor to "mariadb"
// for MariaDB servers.
func NewMySQLAdapter(conn ConnectionConfig, opts ...AdapterOption) *MySQLAdapter {
	name := instanceName(conn, DialectMySQL)
	o := buildOptions("mysql", func() (string, error) { return BuildMySQLDSN(conn) }, opts)
	logger := o.logger.With("dialect", DialectMySQL, "name", name)
	return &MySQLAdapter{
		pool:   NewPool(o.open, o.pool, o.retry, logger),
		conn:   conn,
		name:   name,
		logger: logger,
	}
}

// BuildMySQLDSN renders a go-sql-driver DSN whose sessions start read-only.
func BuildMySQLDSN(conn ConnectionConfig) (string, error) {
	var missing []string
	if conn.Host == "" {
		missing = append(missing, "host")
	}
	if conn.User == "" {
		missing = append(missing, "user")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required mysql settings: %v", missing)
	}

	port := conn.Port
	if port == 0 {
		port = 3306
	}

	cfg := mysql.NewConfig()
	cfg.User = conn.User
	cfg.Passwd = conn.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(conn.Host, strconv.Itoa(port))
	cfg.DBName = conn.Database
	cfg.Timeout = ConnectionTimeout
	cfg.ParseTime = true
	cfg.Params = map[string]string{}
	if strings.EqualFold(conn.Flavor, "mariadb") {
		cfg.Params["tx_read_only"] = "1"
	} else {
		cfg.Params["transaction_read_only"] = "1"
	}
	for k, v := range conn.Options {
		cfg.Params[k] = v
	}
	return cfg.FormatDSN(), nil
}

func (a *MySQLAdapter) Dialect() Dialect             { return DialectMySQL }
func (a *MySQLAdapter) Name() string                 { return a.name }
func (a *MySQLAdapter) StreamingMode() StreamingMode { return StreamIncremental }

func (a *MySQLAdapter) Connect(ctx context.Context) error { return a.pool.Connect(ctx) }
func (a *MySQLAdapter) Disconnect() error                 { return a.pool.Disconnect() }

// DefaultSchema is the configured database, or the session's current one.
func (a *MySQLAdapter) DefaultSchema(ctx context.Context) (string, error) {
	if a.conn.Schema != "" {
		return a.conn.Schema, nil
	}
	if a.conn.Database != "" {
		return a.conn.Database, nil
	}
	var db sql.NullString
	err := a.pool.With(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&db)
	})
	if err != nil {
		return "", err
	}
	if !db.Valid || db.String == "" {
		return "", &NotFoundError{Object: "default database"}
	}
	return db.String, nil
}

func (a *MySQLAdapter) schemaOr(ctx context.Context, schema string) (string, error) {
	if schema != "" {
		return schema, nil
	}
	return a.DefaultSchema(ctx)
}

func (a *MySQLAdapter) qualified(schema, table string) string {
	return quoteWith(schema, "`", "`") + "." + quoteWith(table, "`", "`")
}

var mysqlLargeTypes = largeTypes(
	"TINYTEXT", "TEXT", "MEDIUMTEXT", "LONGTEXT",
	"TINYBLOB", "BLOB", "MEDIUMBLOB", "LONGBLOB",
	"JSON", "GEOMETRY",
)

var mysqlLimitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+|\?)`)

func (a *MySQLAdapter) LimitSQL(sqlQuery string, n int) string {
	if mysqlLimitPattern.MatchString(stripStringsAndComments(sqlQuery, mysqlLex)) {
		return sqlQuery
	}
	return appendClause(sqlQuery, mysqlLex, fmt.Sprintf("LIMIT %d", n))
}

// QuoteLiteral doubles backslashes as well as quotes, since MySQL reads \' as
// an escaped quote unless NO_BACKSLASH_ESCAPES is set.
func (a *MySQLAdapter) QuoteLiteral(v string) string {
	return quoteLiteral(strings.ReplaceAll(v, `\`, `\\`))
}

func (a *MySQLAdapter) ExecuteQuery(ctx context.Context, sqlQuery string, opts QueryOptions) (*QueryResult, error) {
	var isLarge largeColumnFunc
	if opts.ExcludeLargeColumns {
		isLarge = mysqlLargeTypes
	}
	rowCap := opts.RowCap
	if rowCap < 0 {
		rowCap = DefaultMaxRows
	}
	return runQuery(ctx, a.pool, a.LimitSQL(sqlQuery, rowCap), rowCap, isLarge)
}

func (a *MySQLAdapter) ListTables(ctx context.Context, schema, pattern string) ([]string, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	return queryStrings(ctx, a.pool, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE' AND table_name LIKE ?
		ORDER BY table_name`, schema, likePattern(pattern))
}

const mysqlColumnsQuery = `SELECT c.column_name, c.data_type, c.character_maximum_length,
	c.numeric_precision, c.numeric_scale, c.is_nullable, c.column_default,
	CASE WHEN c.column_key = 'PRI' THEN 1 ELSE 0 END,
	CASE WHEN EXISTS (SELECT 1 FROM information_schema.key_column_usage k
		WHERE k.table_schema = c.table_schema AND k.table_name = c.table_name
			AND k.column_name = c.column_name AND k.referenced_table_name IS NOT NULL) THEN 1 ELSE 0 END
FROM information_schema.columns c
WHERE c.table_schema = ? AND c.table_name = ?
ORDER BY c.ordinal_position`

func (a *MySQLAdapter) GetTableInfo(ctx context.Context, table, schema string) (*TableInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	columns := []ColumnInfo{}
	err = eachRow(ctx, a.pool, mysqlColumnsQuery, []any{schema, table}, func(rows *sql.Rows) error {
		var (
			col                      ColumnInfo
			length, precision, scale sql.NullInt64
			nullable                 string
			def                      sql.NullString
			pk, fk                   int
		)
		if err := rows.Scan(&col.Name, &col.Type, &length, &precision, &scale, &nullable, &def, &pk, &fk); err != nil {
			return err
		}
		col.Length = nullableInt(length)
		col.Precision = nullableInt(precision)
		col.Scale = nullableInt(scale)
		col.Nullable = nullable == "YES"
		col.Default = nullableString(def)
		col.PrimaryKey = pk != 0
		col.ForeignKey = fk != 0
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

func (a *MySQLAdapter) GetRowCount(ctx context.Context, table, schema, filter string) (int64, error) {
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

func (a *MySQLAdapter) ListSchemas(ctx context.Context) ([]SchemaInfo, error) {
	names, err := queryStrings(ctx, a.pool, `SELECT schema_name FROM information_schema.schemata
		WHERE schema_name NOT IN ('mysql', 'information_schema', 'performance_schema', 'sys')
		ORDER BY schema_name`)
	if err != nil {
		return nil, err
	}
	schemas := make([]SchemaInfo, 0, len(names))
	for _, n := range names {
		schemas = append(schemas, SchemaInfo{Name: n})
	}
	return schemas, nil
}

func (a *MySQLAdapter) ListViews(ctx context.Context, schema string) ([]ViewInfo, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	views := []ViewInfo{}
	err = eachRow(ctx, a.pool, `SELECT table_name, is_updatable FROM information_schema.views
		WHERE table_schema = ? ORDER BY table_name`, []any{schema}, func(rows *sql.Rows) error {
		var name, updatable string
		if err := rows.Scan(&name, &updatable); err != nil {
			return err
		}
		views = append(views, ViewInfo{Name: name, Schema: schema, Updatable: updatable == "YES"})
		return nil
	})
	return views, err
}

func (a *MySQLAdapter) GetViewDefinition(ctx context.Context, view, schema string) (*ViewDefinition, error) {
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
		return conn.QueryRowContext(ctx, `SELECT view_definition FROM information_schema.views
			WHERE table_schema = ? AND table_name = ?`, schema, view).Scan(&def)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Object: "view " + schema + "." + view}
	}
	if err != nil {
		return nil, err
	}
	return &ViewDefinition{Name: view, Schema: schema, Definition: def.String}, nil
}

func (a *MySQLAdapter) GetIndexes(ctx context.Context, table, schema string) ([]IndexInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	var rows []indexRow
	err = eachRow(ctx, a.pool, `SELECT index_name, column_name, non_unique, index_type
		FROM information_schema.statistics
		WHERE table_schema = ? AND table_name = ?
		ORDER BY index_name, seq_in_index`, []any{schema, table}, func(r *sql.Rows) error {
		var ir indexRow
		var column sql.NullString
		var nonUnique int
		if err := r.Scan(&ir.name, &column, &nonUnique, &ir.kind); err != nil {
			return err
		}
		ir.column = column.String
		ir.unique = nonUnique == 0
		ir.primary = ir.name == "PRIMARY"
		rows = append(rows, ir)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groupIndexes(schema, table, rows), nil
}

const mysqlForeignKeysQuery = `SELECT k.constraint_name, k.column_name,
	k.referenced_table_schema, k.referenced_table_name, k.referenced_column_name,
	r.update_rule, r.delete_rule
FROM information_schema.key_column_usage k
JOIN information_schema.referential_constraints r
	ON r.constraint_schema = k.constraint_schema AND r.constraint_name = k.constraint_name
WHERE k.table_schema = ? AND k.table_name = ? AND k.referenced_table_name IS NOT NULL
ORDER BY k.constraint_name, k.ordinal_position`

func (a *MySQLAdapter) GetForeignKeys(ctx context.Context, table, schema string) ([]ForeignKeyInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	var rows []foreignKeyRow
	err = eachRow(ctx, a.pool, mysqlForeignKeysQuery, []any{schema, table}, func(r *sql.Rows) error {
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

func (a *MySQLAdapter) ListStoredProcedures(ctx context.Context, schema string) ([]StoredProcedureInfo, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	procs := []StoredProcedureInfo{}
	err = eachRow(ctx, a.pool, `SELECT routine_name, routine_type, data_type
		FROM information_schema.routines
		WHERE routine_schema = ? ORDER BY routine_name`, []any{schema}, func(rows *sql.Rows) error {
		p := StoredProcedureInfo{Schema: schema, Language: "SQL"}
		var ret sql.NullString
		if err := rows.Scan(&p.Name, &p.Type, &ret); err != nil {
			return err
		}
		p.ReturnType = ret.String
		procs = append(procs, p)
		return nil
	})
	return procs, err
}

const mysqlStatsQuery = `SELECT table_rows AS row_count, data_length AS data_bytes,
	index_length AS index_bytes, data_length + index_length AS total_bytes,
	(SELECT COUNT(DISTINCT s.index_name) FROM information_schema.statistics s
		WHERE s.table_schema = t.table_schema AND s.table_name = t.table_name) AS index_count,
	engine, avg_row_length, auto_increment, create_time, update_time
FROM information_schema.tables t
WHERE t.table_schema = ? AND t.table_name = ?`

func (a *MySQLAdapter) GetTableStatistics(ctx context.Context, table, schema string) (*TableStatistics, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	res, err := runQuery(ctx, a.pool, mysqlStatsQuery, 1, nil, schema, table)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, &NotFoundError{Object: "table " + schema + "." + table}
	}
	return statsFromRow(table, schema, res), nil
}

func (a *MySQLAdapter) ExplainQuery(ctx context.Context, sqlQuery string) (*ExplainPlan, error) {
	res, err := runQuery(ctx, a.pool, "EXPLAIN FORMAT=JSON "+trimStatement(sqlQuery), -1, nil)
	if err != nil {
		return nil, err
	}
	return &ExplainPlan{Dialect: DialectMySQL, Format: "json", Plan: firstColumnText(res)}, nil
}

func (a *MySQLAdapter) SampleTableData(ctx context.Context, table, schema string, opts SampleOptions) (*QueryResult, error) {
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
		query += " ORDER BY RAND()"
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	var isLarge largeColumnFunc
	if opts.ExcludeLargeColumns {
		isLarge = mysqlLargeTypes
	}
	return runQuery(ctx, a.pool, query, limit, isLarge)
}

func (a *MySQLAdapter) TestConnection(ctx context.Context) error {
	_, err := queryInt64(ctx, a.pool, "SELECT 1")
	return err
}

func (a *MySQLAdapter) ExecuteQueryStream(ctx context.Context, sqlQuery string, batchSize int) (*RowStream, error) {
	return streamRows(ctx, a.pool, trimStatement(sqlQuery), batchSize)
}

func (a *MySQLAdapter) ExecuteTransaction(ctx context.Context, statements []string, rowCap int) ([]*QueryResult, error) {
	begin := func(ctx context.Context, conn *sql.Conn) (*sql.Tx, error) {
		return conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	}
	return runReadOnlyTransaction(ctx, a.pool, begin, a.LimitSQL, statements, rowCap)
}

var mysqlLex = lexRules{hashComments: true, backslashEscapes: true, doubleQuoteIsStr: true, backticks: true}

var mysqlHazards = []hazard{
	{re: regexp.MustCompile(`(?i)\bINTO\s+OUTFILE\b`), desc: "INTO OUTFILE", raw: true},
	{re: regexp.MustCompile(`(?i)\bINTO\s+DUMPFILE\b`), desc: "INTO DUMPFILE", raw: true},
	{re: regexp.MustCompile(`(?i)\bINTO\s+@`), desc: "INTO @variable", raw: true},
	functionHazard("LOAD_FILE"),
	functionHazard("SLEEP"),
	functionHazard("BENCHMARK"),
	functionHazard("GET_LOCK"),
	functionHazard("RELEASE_LOCK"),
	functionHazard("IS_FREE_LOCK"),
	functionHazard("IS_USED_LOCK"),
	functionHazard("WAIT_FOR_EXECUTED_GTID_SET"),
	functionHazard("WAIT_UNTIL_SQL_THREAD_AFTER_GTIDS"),
	functionHazard("MASTER_POS_WAIT"),
	functionHazard("SOURCE_POS_WAIT"),
	keywordHazard("CALL"),
	keywordHazard("REPLACE"),
	keywordHazard("LOAD"),
	keywordHazard("HANDLER"),
	keywordHazard("RENAME"),
	{re: regexp.MustCompile(`(?i)\bLOCK\s+IN\s+SHARE\s+MODE\b|\bFOR\s+SHARE\b`), desc: "FOR SHARE"},
}

func (a *MySQLAdapter) ScreenQuery(sqlQuery string) error {
	return screenQuery(sqlQuery, mysqlLex, mysqlHazards)
}

func (a *MySQLAdapter) ClassifyError(err error) error {
	return classifyWith(err, classifyMySQL)
}

func classifyMySQL(err error) error {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return &ConnectionError{Retryable: true, Cause: err}
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return nil
	}
	switch myErr.Number {
	case 1146, 1054, 1049, 1051, 1109, 1305:
		return &NotFoundError{Cause: err}
	case 1045, 1698, 1251:
		return &AuthError{Cause: err}
	case 1044, 1142, 1143, 1227, 1370, 1290, 1792:
		return &PermissionError{Cause: err}
	case 3024, 1317, 1205:
		return &TimeoutError{Op: "query", Cause: err}
	case 1040, 1203, 2006, 2013:
		return &ConnectionError{Retryable: true, Cause: err}
	}
	return &ExecutionError{Cause: err}
}
