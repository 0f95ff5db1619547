package sqlgateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
)

// SQLServerAdapter implements DBAdapter for Microsoft SQL Server.
type SQLServerAdapter struct {
	pool   *Pool
	conn   ConnectionConfig
	name   string
	logger *slog.Logger
}

// NewSQLServerAdapter returns an unconnected adapter.
func NewSQLServerAdapter(conn ConnectionConfig, opts ...AdapterOption) *SQLServerAdapter {
	name := instanceName(conn, DialectSQLServer)
	o := buildOptions("sqlserver", func() (string, error) { return BuildSQLServerDSN(conn) }, opts)
	logger := o.logger.With("dialect", DialectSQLServer, "name", name)
	return &SQLServerAdapter{
		pool:   NewPool(o.open, o.pool, o.retry, logger),
		conn:   conn,
		name:   name,
		logger: logger,
	}
}

// BuildSQLServerDSN renders a sqlserver:// URL declaring read-only intent.
func BuildSQLServerDSN(conn ConnectionConfig) (string, error) {
	var missing []string
	if conn.Host == "" {
		missing = append(missing, "host")
	}
	if conn.User == "" {
		missing = append(missing, "user")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required sqlserver settings: %v", missing)
	}

	port := conn.Port
	if port == 0 {
		port = 1433
	}

	q := url.Values{}
	if conn.Database != "" {
		q.Set("database", conn.Database)
	}
	q.Set("app name", "sqlgateway")
	q.Set("ApplicationIntent", "ReadOnly")
	q.Set("dial timeout", strconv.Itoa(int(ConnectionTimeout.Seconds())))
	for k, v := range conn.Options {
		q.Set(k, v)
	}

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(conn.User, conn.Password),
		Host:     net.JoinHostPort(conn.Host, strconv.Itoa(port)),
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

func (a *SQLServerAdapter) Dialect() Dialect             { return DialectSQLServer }
func (a *SQLServerAdapter) Name() string                 { return a.name }
func (a *SQLServerAdapter) StreamingMode() StreamingMode { return StreamIncremental }

func (a *SQLServerAdapter) Connect(ctx context.Context) error { return a.pool.Connect(ctx) }
func (a *SQLServerAdapter) Disconnect() error                 { return a.pool.Disconnect() }

func (a *SQLServerAdapter) DefaultSchema(context.Context) (string, error) {
	if a.conn.Schema != "" {
		return a.conn.Schema, nil
	}
	return "dbo", nil
}

func (a *SQLServerAdapter) schemaOr(ctx context.Context, schema string) (string, error) {
	if schema != "" {
		return schema, nil
	}
	return a.DefaultSchema(ctx)
}

func (a *SQLServerAdapter) qualified(schema, table string) string {
	return quoteWith(schema, "[", "]") + "." + quoteWith(table, "[", "]")
}

// sqlServerLargeColumn also catches the (max) variants, which report an
// unbounded or oversized length.
func sqlServerLargeColumn(ct *sql.ColumnType) bool {
	switch normalizeTypeName(ct.DatabaseTypeName()) {
	case "TEXT", "NTEXT", "IMAGE", "XML":
		return true
	case "VARCHAR", "NVARCHAR", "VARBINARY":
		length, ok := ct.Length()
		return ok && (length <= 0 || length > 8000)
	}
	return false
}

var (
	sqlServerLimitPattern  = regexp.MustCompile(`(?i)\bTOP\s*\(?\s*\d+|\bOFFSET\s+\d+\s+ROWS?\b|\bFETCH\s+(FIRST|NEXT)\b`)
	sqlServerSelectPattern = regexp.MustCompile(`(?i)^\s*SELECT(\s+(DISTINCT|ALL))?\s+`)
)

// LimitSQL injects TOP (n) into a plain SELECT. WITH queries are left alone
// and capped on the client.
func (a *SQLServerAdapter) LimitSQL(sqlQuery string, n int) string {
	if sqlServerLimitPattern.MatchString(stripStringsAndComments(sqlQuery, sqlServerLex)) {
		return sqlQuery
	}
	loc := sqlServerSelectPattern.FindStringIndex(sqlQuery)
	if loc == nil {
		return sqlQuery
	}
	return sqlQuery[:loc[1]] + fmt.Sprintf("TOP (%d) ", n) + trimStatement(sqlQuery[loc[1]:])
}

func (a *SQLServerAdapter) QuoteLiteral(v string) string {
	return quoteLiteral(v)
}

func (a *SQLServerAdapter) ExecuteQuery(ctx context.Context, sqlQuery string, opts QueryOptions) (*QueryResult, error) {
	var isLarge largeColumnFunc
	if opts.ExcludeLargeColumns {
		isLarge = sqlServerLargeColumn
	}
	rowCap := opts.RowCap
	if rowCap < 0 {
		rowCap = DefaultMaxRows
	}
	return runQuery(ctx, a.pool, a.LimitSQL(sqlQuery, rowCap), rowCap, isLarge)
}

func (a *SQLServerAdapter) ListTables(ctx context.Context, schema, pattern string) ([]string, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	return queryStrings(ctx, a.pool, `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = @p1 AND TABLE_TYPE = 'BASE TABLE' AND TABLE_NAME LIKE @p2
		ORDER BY TABLE_NAME`, schema, likePattern(pattern))
}

const sqlServerColumnsQuery = `SELECT c.COLUMN_NAME, c.DATA_TYPE, c.CHARACTER_MAXIMUM_LENGTH,
	c.NUMERIC_PRECISION, c.NUMERIC_SCALE, c.IS_NULLABLE, c.COLUMN_DEFAULT,
	CASE WHEN EXISTS (SELECT 1 FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
			ON k.CONSTRAINT_SCHEMA = tc.CONSTRAINT_SCHEMA AND k.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND k.TABLE_SCHEMA = c.TABLE_SCHEMA
			AND k.TABLE_NAME = c.TABLE_NAME AND k.COLUMN_NAME = c.COLUMN_NAME) THEN 1 ELSE 0 END,
	CASE WHEN EXISTS (SELECT 1 FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
			ON k.CONSTRAINT_SCHEMA = tc.CONSTRAINT_SCHEMA AND k.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
		WHERE tc.CONSTRAINT_TYPE = 'FOREIGN KEY' AND k.TABLE_SCHEMA = c.TABLE_SCHEMA
			AND k.TABLE_NAME = c.TABLE_NAME AND k.COLUMN_NAME = c.COLUMN_NAME) THEN 1 ELSE 0 END
FROM INFORMATION_SCHEMA.COLUMNS c
WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2
ORDER BY c.ORDINAL_POSITION`

func (a *SQLServerAdapter) GetTableInfo(ctx context.Context, table, schema string) (*TableInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	columns := []ColumnInfo{}
	err = eachRow(ctx, a.pool, sqlServerColumnsQuery, []any{schema, table}, func(rows *sql.Rows) error {
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

func (a *SQLServerAdapter) GetRowCount(ctx context.Context, table, schema, filter string) (int64, error) {
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
	return queryInt64(ctx, a.pool, strings.Replace(query, "COUNT(*)", "COUNT_BIG(*)", 1))
}

func (a *SQLServerAdapter) ListSchemas(ctx context.Context) ([]SchemaInfo, error) {
	schemas := []SchemaInfo{}
	err := eachRow(ctx, a.pool, `SELECT s.name, p.name FROM sys.schemas s
		JOIN sys.database_principals p ON p.principal_id = s.principal_id
		WHERE s.name NOT IN ('sys', 'INFORMATION_SCHEMA', 'guest') AND s.name NOT LIKE 'db[_]%'
		ORDER BY s.name`, nil, func(rows *sql.Rows) error {
		var s SchemaInfo
		if err := rows.Scan(&s.Name, &s.Owner); err != nil {
			return err
		}
		schemas = append(schemas, s)
		return nil
	})
	return schemas, err
}

func (a *SQLServerAdapter) ListViews(ctx context.Context, schema string) ([]ViewInfo, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	views := []ViewInfo{}
	err = eachRow(ctx, a.pool, `SELECT TABLE_NAME, IS_UPDATABLE FROM INFORMATION_SCHEMA.VIEWS
		WHERE TABLE_SCHEMA = @p1 ORDER BY TABLE_NAME`, []any{schema}, func(rows *sql.Rows) error {
		var name, updatable string
		if err := rows.Scan(&name, &updatable); err != nil {
			return err
		}
		views = append(views, ViewInfo{Name: name, Schema: schema, Updatable: updatable == "YES"})
		return nil
	})
	return views, err
}

func (a *SQLServerAdapter) GetViewDefinition(ctx context.Context, view, schema string) (*ViewDefinition, error) {
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
		return conn.QueryRowContext(ctx, `SELECT OBJECT_DEFINITION(v.object_id)
			FROM sys.views v JOIN sys.schemas s ON s.schema_id = v.schema_id
			WHERE s.name = @p1 AND v.name = @p2`, schema, view).Scan(&def)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Object: "view " + schema + "." + view}
	}
	if err != nil {
		return nil, err
	}
	return &ViewDefinition{Name: view, Schema: schema, Definition: strings.TrimSpace(def.String)}, nil
}

const sqlServerIndexesQuery = `SELECT i.name, c.name, i.is_unique, i.is_primary_key, i.type_desc
FROM sys.indexes i
JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
JOIN sys.tables t ON t.object_id = i.object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
WHERE s.name = @p1 AND t.name = @p2 AND i.name IS NOT NULL AND ic.is_included_column = 0
ORDER BY i.name, ic.key_ordinal`

func (a *SQLServerAdapter) GetIndexes(ctx context.Context, table, schema string) ([]IndexInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	var rows []indexRow
	err = eachRow(ctx, a.pool, sqlServerIndexesQuery, []any{schema, table}, func(r *sql.Rows) error {
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

const sqlServerForeignKeysQuery = `SELECT fk.name, pc.name,
	OBJECT_SCHEMA_NAME(fk.referenced_object_id), OBJECT_NAME(fk.referenced_object_id), rc.name,
	fk.update_referential_action_desc, fk.delete_referential_action_desc
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
JOIN sys.columns pc ON pc.object_id = fkc.parent_object_id AND pc.column_id = fkc.parent_column_id
JOIN sys.columns rc ON rc.object_id = fkc.referenced_object_id AND rc.column_id = fkc.referenced_column_id
JOIN sys.tables t ON t.object_id = fk.parent_object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
WHERE s.name = @p1 AND t.name = @p2
ORDER BY fk.name, fkc.constraint_column_id`

func (a *SQLServerAdapter) GetForeignKeys(ctx context.Context, table, schema string) ([]ForeignKeyInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	var rows []foreignKeyRow
	err = eachRow(ctx, a.pool, sqlServerForeignKeysQuery, []any{schema, table}, func(r *sql.Rows) error {
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

func (a *SQLServerAdapter) ListStoredProcedures(ctx context.Context, schema string) ([]StoredProcedureInfo, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	procs := []StoredProcedureInfo{}
	err = eachRow(ctx, a.pool, `SELECT o.name, o.type_desc FROM sys.objects o
		JOIN sys.schemas s ON s.schema_id = o.schema_id
		WHERE s.name = @p1 AND o.type IN ('P', 'PC', 'FN', 'IF', 'TF', 'FS', 'FT')
		ORDER BY o.name`, []any{schema}, func(rows *sql.Rows) error {
		p := StoredProcedureInfo{Schema: schema, Language: "T-SQL"}
		if err := rows.Scan(&p.Name, &p.Type); err != nil {
			return err
		}
		if strings.HasPrefix(p.Type, "CLR_") {
			p.Language = "CLR"
		}
		procs = append(procs, p)
		return nil
	})
	return procs, err
}

const sqlServerStatsQuery = `SELECT
	SUM(CASE WHEN ps.index_id IN (0, 1) THEN ps.row_count ELSE 0 END) AS row_count,
	SUM(CASE WHEN ps.index_id IN (0, 1) THEN ps.used_page_count ELSE 0 END) * 8192 AS data_bytes,
	SUM(CASE WHEN ps.index_id > 1 THEN ps.used_page_count ELSE 0 END) * 8192 AS index_bytes,
	SUM(ps.reserved_page_count) * 8192 AS total_bytes,
	COUNT(DISTINCT CASE WHEN ps.index_id > 0 THEN ps.index_id END) AS index_count
FROM sys.dm_db_partition_stats ps
JOIN sys.tables t ON t.object_id = ps.object_id
JOIN sys.schemas s ON s.schema_id = t.schema_id
WHERE s.name = @p1 AND t.name = @p2`

func (a *SQLServerAdapter) GetTableStatistics(ctx context.Context, table, schema string) (*TableStatistics, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	res, err := runQuery(ctx, a.pool, sqlServerStatsQuery, 1, nil, schema, table)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 || res.Rows[0]["row_count"] == nil {
		return nil, &NotFoundError{Object: "table " + schema + "." + table}
	}
	return statsFromRow(table, schema, res), nil
}

// ExplainQuery toggles SHOWPLAN_XML on a reserved connection; the statement
// is compiled but not executed.
func (a *SQLServerAdapter) ExplainQuery(ctx context.Context, sqlQuery string) (*ExplainPlan, error) {
	var res *QueryResult
	err := a.pool.With(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, "SET SHOWPLAN_XML ON"); err != nil {
			return err
		}
		defer func() {
			if _, err := conn.ExecContext(context.WithoutCancel(ctx), "SET SHOWPLAN_XML OFF"); err != nil {
				a.logger.Warn("failed to reset SHOWPLAN_XML", "error", err)
			}
		}()

		rows, err := conn.QueryContext(ctx, trimStatement(sqlQuery))
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		res, err = scanResult(rows, -1, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ExplainPlan{Dialect: DialectSQLServer, Format: "xml", Plan: firstColumnText(res)}, nil
}

func (a *SQLServerAdapter) SampleTableData(ctx context.Context, table, schema string, opts SampleOptions) (*QueryResult, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	limit := sampleLimit(opts.Limit)
	query := fmt.Sprintf("SELECT TOP (%d) * FROM %s", limit, a.qualified(schema, table))
	if opts.Random {
		query += " ORDER BY NEWID()"
	}

	var isLarge largeColumnFunc
	if opts.ExcludeLargeColumns {
		isLarge = sqlServerLargeColumn
	}
	return runQuery(ctx, a.pool, query, limit, isLarge)
}

func (a *SQLServerAdapter) TestConnection(ctx context.Context) error {
	_, err := queryInt64(ctx, a.pool, "SELECT 1")
	return err
}

func (a *SQLServerAdapter) ExecuteQueryStream(ctx context.Context, sqlQuery string, batchSize int) (*RowStream, error) {
	return streamRows(ctx, a.pool, trimStatement(sqlQuery), batchSize)
}

// ExecuteTransaction uses REPEATABLE READ; the driver has no read-only
// transaction mode, so the validator and ApplicationIntent carry that.
func (a *SQLServerAdapter) ExecuteTransaction(ctx context.Context, statements []string, rowCap int) ([]*QueryResult, error) {
	begin := func(ctx context.Context, conn *sql.Conn) (*sql.Tx, error) {
		return conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	}
	return runReadOnlyTransaction(ctx, a.pool, begin, a.LimitSQL, statements, rowCap)
}

var sqlServerLex = lexRules{brackets: true}

var sqlServerHazards = []hazard{
	keywordHazard("INTO"),
	keywordHazard("WAITFOR"),
	keywordHazard("BULK"),
	keywordHazard("MERGE"),
	keywordHazard("DBCC"),
	functionHazard("OPENROWSET"),
	functionHazard("OPENDATASOURCE"),
	functionHazard("OPENQUERY"),
	{re: regexp.MustCompile(`(?i)\bxp_\w+`), desc: "extended stored procedure"},
	{re: regexp.MustCompile(`(?i)\b(UPDLOCK|XLOCK|HOLDLOCK|TABLOCKX|TABLOCK)\b`), desc: "locking hint"},
}

func (a *SQLServerAdapter) ScreenQuery(sqlQuery string) error {
	return screenQuery(sqlQuery, sqlServerLex, sqlServerHazards)
}

func (a *SQLServerAdapter) ClassifyError(err error) error {
	return classifyWith(err, classifySQLServer)
}

func classifySQLServer(err error) error {
	var number int32
	var valErr mssql.Error
	var ptrErr *mssql.Error
	switch {
	case errors.As(err, &valErr):
		number = valErr.Number
	case errors.As(err, &ptrErr):
		number = ptrErr.Number
	default:
		return nil
	}

	switch number {
	case 208, 207, 2812, 4060, 15151:
		return &NotFoundError{Cause: err}
	case 18456, 18452, 18486, 18488:
		return &AuthError{Cause: err}
	case 229, 230, 262, 297, 300, 3906, 916:
		return &PermissionError{Cause: err}
	case 1222, 3617:
		return &TimeoutError{Op: "query", Cause: err}
	case 40613, 40197, 40501, 10928, 10929, 4221:
		return &ConnectionError{Retryable: true, Cause: err}
	}
	return &ExecutionError{Cause: err}
}
