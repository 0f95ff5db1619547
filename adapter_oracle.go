package sqlgateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	go_ora "github.com/sijms/go-ora/v2"
)

// OracleAdapter implements DBAdapter for Oracle Database.
type OracleAdapter struct {
	pool   *Pool
	conn   ConnectionConfig
	name   string
	logger *slog.Logger

	schemaMu sync.Mutex
	schema   string
}

// NewOracleAdapter returns an unconnected adapter.
func NewOracleAdapter(conn ConnectionConfig, opts ...AdapterOption) *OracleAdapter {
	name := instanceName(conn, DialectOracle)
	o := buildOptions("oracle", func() (string, error) { return BuildOracleDSN(conn) }, opts)
	logger := o.logger.With("dialect", DialectOracle, "name", name)
	return &OracleAdapter{
		pool:   NewPool(o.open, o.pool, o.retry, logger),
		conn:   conn,
		name:   name,
		logger: logger,
	}
}

// BuildOracleDSN renders a go-ora URL. Database is the service name.
func BuildOracleDSN(conn ConnectionConfig) (string, error) {
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
		return "", fmt.Errorf("missing required oracle settings: %v", missing)
	}

	port := conn.Port
	if port == 0 {
		port = 1521
	}
	options := map[string]string{
		"CONNECTION TIMEOUT": strconv.Itoa(int(ConnectionTimeout.Seconds())),
	}
	for k, v := range conn.Options {
		options[k] = v
	}
	return go_ora.BuildUrl(conn.Host, port, conn.Database, conn.User, conn.Password, options), nil
}

func (a *OracleAdapter) Dialect() Dialect             { return DialectOracle }
func (a *OracleAdapter) Name() string                 { return a.name }
func (a *OracleAdapter) StreamingMode() StreamingMode { return StreamCursor }

func (a *OracleAdapter) Connect(ctx context.Context) error { return a.pool.Connect(ctx) }

func (a *OracleAdapter) Disconnect() error {
	a.schemaMu.Lock()
	a.schema = ""
	a.schemaMu.Unlock()
	return a.pool.Disconnect()
}

// DefaultSchema is the configured schema, or the connected user.
func (a *OracleAdapter) DefaultSchema(ctx context.Context) (string, error) {
	if a.conn.Schema != "" {
		return oracleName(a.conn.Schema), nil
	}

	a.schemaMu.Lock()
	defer a.schemaMu.Unlock()
	if a.schema != "" {
		return a.schema, nil
	}

	var user string
	err := a.pool.With(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, "SELECT USER FROM DUAL").Scan(&user)
	})
	if err != nil {
		return "", err
	}
	a.schema = user
	return user, nil
}

func (a *OracleAdapter) schemaOr(ctx context.Context, schema string) (string, error) {
	if schema != "" {
		return oracleName(schema), nil
	}
	return a.DefaultSchema(ctx)
}

// oracleName folds unquoted-looking names to upper case, the way Oracle
// stores them. Mixed-case names are assumed to have been created quoted.
func oracleName(name string) string {
	if name == strings.ToLower(name) {
		return strings.ToUpper(name)
	}
	return name
}

func (a *OracleAdapter) qualified(schema, table string) string {
	return quoteWith(schema, `"`, `"`) + "." + quoteWith(table, `"`, `"`)
}

var oracleLargeTypes = largeTypes("CLOB", "NCLOB", "BLOB", "BFILE", "LONG", "LONG RAW", "LONGRAW", "XMLTYPE")

var oracleLimitPattern = regexp.MustCompile(`(?i)\bFETCH\s+(FIRST|NEXT)\b|\bROWNUM\b`)

func (a *OracleAdapter) LimitSQL(sqlQuery string, n int) string {
	if oracleLimitPattern.MatchString(stripStringsAndComments(sqlQuery, oracleLex)) {
		return sqlQuery
	}
	return appendClause(sqlQuery, oracleLex, fmt.Sprintf("FETCH FIRST %d ROWS ONLY", n))
}

func (a *OracleAdapter) QuoteLiteral(v string) string {
	return quoteLiteral(v)
}

func (a *OracleAdapter) ExecuteQuery(ctx context.Context, sqlQuery string, opts QueryOptions) (*QueryResult, error) {
	var isLarge largeColumnFunc
	if opts.ExcludeLargeColumns {
		isLarge = oracleLargeTypes
	}
	rowCap := opts.RowCap
	if rowCap < 0 {
		rowCap = DefaultMaxRows
	}
	return runQuery(ctx, a.pool, a.LimitSQL(sqlQuery, rowCap), rowCap, isLarge)
}

func (a *OracleAdapter) ListTables(ctx context.Context, schema, pattern string) ([]string, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	return queryStrings(ctx, a.pool, `SELECT table_name FROM all_tables
		WHERE owner = :1 AND table_name LIKE :2 ORDER BY table_name`, schema, oracleName(likePattern(pattern)))
}

const oracleColumnsQuery = `SELECT c.column_name, c.data_type, c.char_length, c.data_precision, c.data_scale,
	c.nullable, c.data_default,
	CASE WHEN EXISTS (SELECT 1 FROM all_cons_columns cc
		JOIN all_constraints k ON k.owner = cc.owner AND k.constraint_name = cc.constraint_name
		WHERE k.constraint_type = 'P' AND cc.owner = c.owner
			AND cc.table_name = c.table_name AND cc.column_name = c.column_name) THEN 1 ELSE 0 END,
	CASE WHEN EXISTS (SELECT 1 FROM all_cons_columns cc
		JOIN all_constraints k ON k.owner = cc.owner AND k.constraint_name = cc.constraint_name
		WHERE k.constraint_type = 'R' AND cc.owner = c.owner
			AND cc.table_name = c.table_name AND cc.column_name = c.column_name) THEN 1 ELSE 0 END
FROM all_tab_columns c
WHERE c.owner = :1 AND c.table_name = :2
ORDER BY c.column_id`

func (a *OracleAdapter) GetTableInfo(ctx context.Context, table, schema string) (*TableInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	table = oracleName(table)

	columns := []ColumnInfo{}
	err = eachRow(ctx, a.pool, oracleColumnsQuery, []any{schema, table}, func(rows *sql.Rows) error {
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
		if length.Valid && length.Int64 > 0 {
			col.Length = nullableInt(length)
		}
		col.Precision = nullableInt(precision)
		col.Scale = nullableInt(scale)
		col.Nullable = nullable == "Y"
		if def.Valid {
			def.String = strings.TrimSpace(def.String)
		}
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

func (a *OracleAdapter) GetRowCount(ctx context.Context, table, schema, filter string) (int64, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return 0, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return 0, err
	}
	query, err := countSQL(a.qualified(schema, oracleName(table)), filter)
	if err != nil {
		return 0, err
	}
	return queryInt64(ctx, a.pool, query)
}

func (a *OracleAdapter) ListSchemas(ctx context.Context) ([]SchemaInfo, error) {
	names, err := queryStrings(ctx, a.pool, `SELECT username FROM all_users
		WHERE oracle_maintained = 'N' ORDER BY username`)
	if err != nil {
		return nil, err
	}
	schemas := make([]SchemaInfo, 0, len(names))
	for _, n := range names {
		schemas = append(schemas, SchemaInfo{Name: n, Owner: n})
	}
	return schemas, nil
}

func (a *OracleAdapter) ListViews(ctx context.Context, schema string) ([]ViewInfo, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	names, err := queryStrings(ctx, a.pool, `SELECT view_name FROM all_views
		WHERE owner = :1 ORDER BY view_name`, schema)
	if err != nil {
		return nil, err
	}
	views := make([]ViewInfo, 0, len(names))
	for _, n := range names {
		views = append(views, ViewInfo{Name: n, Schema: schema})
	}
	return views, nil
}

func (a *OracleAdapter) GetViewDefinition(ctx context.Context, view, schema string) (*ViewDefinition, error) {
	view, schema = splitQualified(view, schema)
	if err := checkIdentifier("view", view); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	view = oracleName(view)

	var def sql.NullString
	err = a.pool.With(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT text FROM all_views
			WHERE owner = :1 AND view_name = :2`, schema, view).Scan(&def)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Object: "view " + schema + "." + view}
	}
	if err != nil {
		return nil, err
	}
	return &ViewDefinition{Name: view, Schema: schema, Definition: strings.TrimSpace(def.String)}, nil
}

const oracleIndexesQuery = `SELECT i.index_name, ic.column_name, i.uniqueness, i.index_type,
	CASE WHEN EXISTS (SELECT 1 FROM all_constraints k
		WHERE k.owner = i.table_owner AND k.index_name = i.index_name AND k.constraint_type = 'P')
		THEN 1 ELSE 0 END
FROM all_indexes i
JOIN all_ind_columns ic ON ic.index_owner = i.owner AND ic.index_name = i.index_name
WHERE i.table_owner = :1 AND i.table_name = :2
ORDER BY i.index_name, ic.column_position`

func (a *OracleAdapter) GetIndexes(ctx context.Context, table, schema string) ([]IndexInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	table = oracleName(table)

	var rows []indexRow
	err = eachRow(ctx, a.pool, oracleIndexesQuery, []any{schema, table}, func(r *sql.Rows) error {
		var ir indexRow
		var uniqueness string
		var primary int
		if err := r.Scan(&ir.name, &ir.column, &uniqueness, &ir.kind, &primary); err != nil {
			return err
		}
		ir.unique = uniqueness == "UNIQUE"
		ir.primary = primary != 0
		rows = append(rows, ir)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groupIndexes(schema, table, rows), nil
}

const oracleForeignKeysQuery = `SELECT c.constraint_name, cc.column_name, r.owner, r.table_name,
	rc.column_name, c.delete_rule
FROM all_constraints c
JOIN all_cons_columns cc ON cc.owner = c.owner AND cc.constraint_name = c.constraint_name
JOIN all_constraints r ON r.owner = c.r_owner AND r.constraint_name = c.r_constraint_name
JOIN all_cons_columns rc ON rc.owner = r.owner AND rc.constraint_name = r.constraint_name
	AND rc.position = cc.position
WHERE c.constraint_type = 'R' AND c.owner = :1 AND c.table_name = :2
ORDER BY c.constraint_name, cc.position`

func (a *OracleAdapter) GetForeignKeys(ctx context.Context, table, schema string) ([]ForeignKeyInfo, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	table = oracleName(table)

	var rows []foreignKeyRow
	err = eachRow(ctx, a.pool, oracleForeignKeysQuery, []any{schema, table}, func(r *sql.Rows) error {
		// Oracle has no ON UPDATE actions.
		fk := foreignKeyRow{onUpdate: "NO ACTION"}
		if err := r.Scan(&fk.name, &fk.column, &fk.refSchema, &fk.refTable, &fk.refColumn, &fk.onDelete); err != nil {
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

func (a *OracleAdapter) ListStoredProcedures(ctx context.Context, schema string) ([]StoredProcedureInfo, error) {
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	procs := []StoredProcedureInfo{}
	err = eachRow(ctx, a.pool, `SELECT object_name, object_type FROM all_objects
		WHERE owner = :1 AND object_type IN ('PROCEDURE', 'FUNCTION', 'PACKAGE')
		ORDER BY object_name`, []any{schema}, func(rows *sql.Rows) error {
		p := StoredProcedureInfo{Schema: schema, Language: "PL/SQL"}
		if err := rows.Scan(&p.Name, &p.Type); err != nil {
			return err
		}
		procs = append(procs, p)
		return nil
	})
	return procs, err
}

const oracleStatsQuery = `SELECT NVL(t.num_rows, 0) AS row_count,
	NVL(t.num_rows, 0) * NVL(t.avg_row_len, 0) AS data_bytes,
	(SELECT COUNT(*) FROM all_indexes i WHERE i.table_owner = t.owner AND i.table_name = t.table_name) AS index_count,
	t.blocks, t.avg_row_len, t.last_analyzed
FROM all_tables t
WHERE t.owner = :1 AND t.table_name = :2`

func (a *OracleAdapter) GetTableStatistics(ctx context.Context, table, schema string) (*TableStatistics, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}
	table = oracleName(table)

	res, err := runQuery(ctx, a.pool, oracleStatsQuery, 1, nil, schema, table)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, &NotFoundError{Object: "table " + schema + "." + table}
	}
	return statsFromRow(table, schema, res), nil
}

// ExplainQuery writes the plan to the session's PLAN_TABLE under a unique
// statement id and reads it back through DBMS_XPLAN.
func (a *OracleAdapter) ExplainQuery(ctx context.Context, sqlQuery string) (*ExplainPlan, error) {
	// STATEMENT_ID is limited to 30 characters.
	id := "GW" + strings.ReplaceAll(uuid.NewString(), "-", "")[:28]

	var res *QueryResult
	err := a.pool.With(ctx, func(conn *sql.Conn) error {
		explain := fmt.Sprintf("EXPLAIN PLAN SET STATEMENT_ID = '%s' FOR %s", id, trimStatement(sqlQuery))
		if _, err := conn.ExecContext(ctx, explain); err != nil {
			return err
		}
		rows, err := conn.QueryContext(ctx,
			`SELECT plan_table_output FROM TABLE(DBMS_XPLAN.DISPLAY(NULL, :1, 'TYPICAL'))`, id)
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
	return &ExplainPlan{Dialect: DialectOracle, Format: "text", Plan: firstColumnText(res)}, nil
}

func (a *OracleAdapter) SampleTableData(ctx context.Context, table, schema string, opts SampleOptions) (*QueryResult, error) {
	table, schema = splitQualified(table, schema)
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	schema, err := a.schemaOr(ctx, schema)
	if err != nil {
		return nil, err
	}

	limit := sampleLimit(opts.Limit)
	query := "SELECT * FROM " + a.qualified(schema, oracleName(table))
	if opts.Random {
		query += " ORDER BY DBMS_RANDOM.VALUE"
	}
	query += fmt.Sprintf(" FETCH FIRST %d ROWS ONLY", limit)

	var isLarge largeColumnFunc
	if opts.ExcludeLargeColumns {
		isLarge = oracleLargeTypes
	}
	return runQuery(ctx, a.pool, query, limit, isLarge)
}

func (a *OracleAdapter) TestConnection(ctx context.Context) error {
	_, err := queryInt64(ctx, a.pool, "SELECT 1 FROM DUAL")
	return err
}

// ExecuteQueryStream reads from the open server cursor; the driver pulls
// rows in prefetch-sized round trips as batches are requested.
func (a *OracleAdapter) ExecuteQueryStream(ctx context.Context, sqlQuery string, batchSize int) (*RowStream, error) {
	s, err := streamRows(ctx, a.pool, trimStatement(sqlQuery), batchSize)
	if err != nil {
		return nil, err
	}
	s.mode = StreamCursor
	return s, nil
}

func (a *OracleAdapter) ExecuteTransaction(ctx context.Context, statements []string, rowCap int) ([]*QueryResult, error) {
	begin := func(ctx context.Context, conn *sql.Conn) (*sql.Tx, error) {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, "SET TRANSACTION READ ONLY"); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		return tx, nil
	}
	return runReadOnlyTransaction(ctx, a.pool, begin, a.LimitSQL, statements, rowCap)
}

var oracleLex = lexRules{}

var oracleHazards = []hazard{
	keywordHazard("MERGE"),
	keywordHazard("CALL"),
	{re: regexp.MustCompile(`(?i)\bDBMS_LOCK\s*\.\s*SLEEP\b`), desc: "DBMS_LOCK.SLEEP", raw: true},
	{re: regexp.MustCompile(`(?i)\bDBMS_SESSION\s*\.\s*SLEEP\b`), desc: "DBMS_SESSION.SLEEP", raw: true},
	{re: regexp.MustCompile(`(?i)\bUTL_(FILE|HTTP|TCP|SMTP|INADDR|MAIL)\b`), desc: "UTL network or file package", raw: true},
	{re: regexp.MustCompile(`(?i)\bDBMS_(PIPE|SQL|SCHEDULER|JAVA|JOB|ALERT|AQ|XMLGEN)\b`), desc: "DBMS package", raw: true},
	{re: regexp.MustCompile(`(?i)\bHTTPURITYPE\b`), desc: "HTTPURITYPE", raw: true},
}

func (a *OracleAdapter) ScreenQuery(sqlQuery string) error {
	return screenQuery(sqlQuery, oracleLex, oracleHazards)
}

func (a *OracleAdapter) ClassifyError(err error) error {
	return classifyWith(err, classifyOracle)
}

var oracleCodePattern = regexp.MustCompile(`ORA-(\d{5})`)

func classifyOracle(err error) error {
	m := oracleCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return nil
	}
	code, _ := strconv.Atoi(m[1])
	switch code {
	case 942, 904, 4043, 1918, 2289:
		return &NotFoundError{Cause: err}
	case 1017, 28000, 1005, 28001:
		return &AuthError{Cause: err}
	case 1031, 1045, 16000, 1456:
		return &PermissionError{Cause: err}
	case 1013, 30006:
		return &TimeoutError{Op: "query", Cause: err}
	case 12541, 12514, 12505, 12528, 12537, 12547, 12170, 3113, 3114, 3135:
		return &ConnectionError{Retryable: true, Cause: err}
	}
	return &ExecutionError{Cause: err}
}
