package sqlgateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventRows = 250

// newSQLiteFixture writes a small shop database to a temp file and returns its path.
func newSQLiteFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shop.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	schema := []string{
		`CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			email VARCHAR(255),
			score NUMERIC(5,2) DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE orders (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			total NUMERIC(10,2)
		)`,
		`CREATE INDEX idx_orders_user ON orders(user_id)`,
		`CREATE TABLE events (id INTEGER PRIMARY KEY, kind TEXT)`,
		`CREATE VIEW active_users AS SELECT id, name FROM users WHERE active = 1`,
		`INSERT INTO users (id, name, email, score, active) VALUES
			(1, 'Ada', 'ada@example.com', 9.5, 1),
			(2, 'Linus', NULL, 7.25, 1),
			(3, 'Grace', 'grace@example.com', 8, 0)`,
		`INSERT INTO orders (id, user_id, total) VALUES (1, 1, 10.5), (2, 1, 3), (3, 2, 99.99)`,
	}
	for _, stmt := range schema {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	tx, err := db.Begin()
	require.NoError(t, err)
	for i := 1; i <= eventRows; i++ {
		_, err := tx.Exec(`INSERT INTO events (id, kind) VALUES (?, ?)`, i, fmt.Sprintf("kind-%d", i%3))
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
	return path
}

func newSQLiteTestAdapter(t *testing.T) *SQLiteAdapter {
	t.Helper()
	a := NewSQLiteAdapter(ConnectionConfig{Path: newSQLiteFixture(t)}, WithRetryConfig(fastRetry))
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { _ = a.Disconnect() })
	return a
}

func TestSQLiteValidateQuery_AllowedQueries(t *testing.T) {
	adapter := NewSQLiteAdapter(ConnectionConfig{})
	allowedQueries := []string{
		"SELECT * FROM users",
		"SELECT id, name FROM users WHERE id = 1",
		"select * from users",
		"SELECT * FROM settings",
		"SELECT * FROM user_settings WHERE setting_name = 'theme'",
		"SELECT * FROM users WHERE name = 'ATTACH'",
		"SELECT editor, vacuumed FROM docs",
		"SELECT * FROM [order items]",
		"SELECT * FROM pragma_table_info('users')",
		"SELECT * FROM users -- load_extension('x')",
	}

	for _, query := range allowedQueries {
		t.Run(query, func(t *testing.T) {
			if err := checkReadOnly(adapter, query); err != nil {
				t.Errorf("Expected query to be allowed, but got error: %v", err)
			}
		})
	}
}

func TestSQLiteValidateQuery_BlockedQueries(t *testing.T) {
	adapter := NewSQLiteAdapter(ConnectionConfig{})
	blockedQueries := []struct {
		query       string
		shouldBlock string
	}{
		{"INSERT INTO users VALUES (1, 'test')", "INSERT"},
		{"DROP TABLE users", "DROP"},
		{"SELECT 1; DROP TABLE users", "DROP"},
		{"SELECT load_extension('hack.so')", "load_extension"},
		{"SELECT writefile('/tmp/data', content) FROM t", "writefile"},
		{"SELECT edit(content) FROM t", "edit"},
		{"SELECT fts3_tokenizer('simple')", "fts3_tokenizer"},
		{"SELECT REPLACE(name, 'a', 'b') FROM users", "REPLACE"},
		{"ATTACH DATABASE '/tmp/other.db' AS other", "ATTACH"},
		{"SELECT 1; ATTACH DATABASE '/tmp/other.db' AS other", "ATTACH"},
		{"SELECT 1; SELECT 2", "multiple statements"},
		{"PRAGMA query_only = 0", "PRAGMA"},
	}

	for _, tc := range blockedQueries {
		t.Run(tc.query, func(t *testing.T) {
			if err := checkReadOnly(adapter, tc.query); err == nil {
				t.Errorf("Expected query to be blocked for %s, but it was allowed", tc.shouldBlock)
			}
		})
	}
}

func TestSQLiteStripStringsAndComments(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "bracket identifier kept",
			input:    "SELECT [drop] FROM t WHERE a = 'x'",
			expected: "SELECT [drop] FROM t WHERE a = ''",
		},
		{
			name:     "backtick identifier kept",
			input:    "SELECT `a;b` FROM t",
			expected: "SELECT `a;b` FROM t",
		},
		{
			name:     "block comment",
			input:    "SELECT 1 /* ; */",
			expected: "SELECT 1  ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := stripStringsAndComments(tt.input, sqliteLex)
			if result != tt.expected {
				t.Errorf("stripStringsAndComments() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestBuildSQLiteDSN(t *testing.T) {
	dsn, err := BuildSQLiteDSN(ConnectionConfig{Path: "file:/data/app.db?cache=shared"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:/data/app.db?"), dsn)

	q, err := url.ParseQuery(strings.SplitN(dsn, "?", 2)[1])
	require.NoError(t, err)
	assert.Equal(t, "ro", q.Get("mode"))
	assert.Contains(t, q["_pragma"], "query_only(1)")
	assert.Contains(t, q["_pragma"], "busy_timeout(10000)")

	dsn, err = BuildSQLiteDSN(ConnectionConfig{Database: "local.db"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "file:local.db?"))

	_, err = BuildSQLiteDSN(ConnectionConfig{})
	require.Error(t, err)
}

func TestSQLiteAdapter_ExecuteQuery(t *testing.T) {
	a := newSQLiteTestAdapter(t)
	ctx := context.Background()

	res, err := a.ExecuteQuery(ctx, "SELECT id, name FROM users ORDER BY id", QueryOptions{RowCap: -1})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.Columns)
	assert.Equal(t, 3, res.RowCount)
	assert.Equal(t, "Ada", res.Rows[0]["name"])

	res, err = a.ExecuteQuery(ctx, "SELECT * FROM events", QueryOptions{RowCap: 10})
	require.NoError(t, err)
	assert.Equal(t, 10, res.RowCount)

	res, err = a.ExecuteQuery(ctx, "SELECT * FROM events -- newest first", QueryOptions{RowCap: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowCount)

	res, err = a.ExecuteQuery(ctx, "SELECT * FROM events", QueryOptions{RowCap: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowCount)
	assert.Empty(t, res.Rows)

	res, err = a.ExecuteQuery(ctx, "SELECT id, name, email FROM users", QueryOptions{RowCap: 5, ExcludeLargeColumns: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "email"}, res.Columns)
}

func TestSQLiteAdapter_RejectsWrites(t *testing.T) {
	a := newSQLiteTestAdapter(t)
	ctx := context.Background()

	err := a.pool.With(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, "DELETE FROM users")
		return err
	})
	require.Error(t, err)
	assert.IsType(t, &PermissionError{}, a.ClassifyError(err))

	n, err := a.GetRowCount(ctx, "users", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSQLiteAdapter_Metadata(t *testing.T) {
	a := newSQLiteTestAdapter(t)
	ctx := context.Background()

	tables, err := a.ListTables(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "orders", "users"}, tables)

	tables, err = a.ListTables(ctx, "main", "o%")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, tables)

	info, err := a.GetTableInfo(ctx, "users", "")
	require.NoError(t, err)
	assert.Equal(t, "main", info.Schema)
	assert.Equal(t, int64(3), info.RowCount)
	require.Len(t, info.Columns, 5)

	id, name, email, score := info.Columns[0], info.Columns[1], info.Columns[2], info.Columns[3]
	assert.True(t, id.PrimaryKey)
	assert.False(t, id.Nullable)
	assert.False(t, name.Nullable)
	assert.True(t, email.Nullable)
	require.NotNil(t, email.Length)
	assert.Equal(t, int64(255), *email.Length)
	require.NotNil(t, score.Precision)
	require.NotNil(t, score.Scale)
	assert.Equal(t, int64(5), *score.Precision)
	assert.Equal(t, int64(2), *score.Scale)
	require.NotNil(t, score.Default)
	assert.Equal(t, "0", *score.Default)

	orders, err := a.GetTableInfo(ctx, "main.orders", "")
	require.NoError(t, err)
	assert.True(t, orders.Columns[1].ForeignKey)

	_, err = a.GetTableInfo(ctx, "ghost", "")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	schemas, err := a.ListSchemas(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, schemas)
	assert.Equal(t, "main", schemas[0].Name)

	views, err := a.ListViews(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []ViewInfo{{Name: "active_users", Schema: "main"}}, views)

	def, err := a.GetViewDefinition(ctx, "active_users", "")
	require.NoError(t, err)
	assert.Contains(t, def.Definition, "CREATE VIEW active_users")

	_, err = a.GetViewDefinition(ctx, "nope", "")
	require.ErrorAs(t, err, &nf)

	indexes, err := a.GetIndexes(ctx, "orders", "")
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	assert.Equal(t, "idx_orders_user", indexes[0].Name)
	assert.Equal(t, []string{"user_id"}, indexes[0].Columns)
	assert.False(t, indexes[0].Unique)

	fks, err := a.GetForeignKeys(ctx, "orders", "")
	require.NoError(t, err)
	require.Len(t, fks, 1)
	assert.Equal(t, "users", fks[0].ReferencedTable)
	assert.Equal(t, []string{"user_id"}, fks[0].Columns)
	assert.Equal(t, []string{"id"}, fks[0].ReferencedColumns)
	assert.Equal(t, "CASCADE", fks[0].OnDelete)

	procs, err := a.ListStoredProcedures(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, procs)

	stats, err := a.GetTableStatistics(ctx, "orders", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.RowCount)
	assert.Equal(t, 1, stats.IndexCount)
}

func TestSQLiteAdapter_RowCountFilter(t *testing.T) {
	a := newSQLiteTestAdapter(t)
	ctx := context.Background()

	n, err := a.GetRowCount(ctx, "users", "", "active = 1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = a.GetRowCount(ctx, "users", "", "1=1 UNION SELECT 1")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestSQLiteAdapter_ExplainAndSample(t *testing.T) {
	a := newSQLiteTestAdapter(t)
	ctx := context.Background()

	plan, err := a.ExplainQuery(ctx, "SELECT * FROM orders WHERE user_id = 1;")
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, plan.Dialect)
	assert.Contains(t, plan.Plan, "idx_orders_user")

	sample, err := a.SampleTableData(ctx, "events", "", SampleOptions{Limit: 5, Random: true})
	require.NoError(t, err)
	assert.Equal(t, 5, sample.RowCount)

	sample, err = a.SampleTableData(ctx, "events", "", SampleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10, sample.RowCount)

	require.NoError(t, a.TestConnection(ctx))
}

func TestSQLiteAdapter_StreamBatches(t *testing.T) {
	a := newSQLiteTestAdapter(t)
	ctx := context.Background()

	stream, err := a.ExecuteQueryStream(ctx, "SELECT id, kind FROM events ORDER BY id", 100)
	require.NoError(t, err)
	assert.Equal(t, StreamIncremental, stream.Mode())
	assert.Equal(t, []string{"id", "kind"}, stream.Columns())

	var sizes []int
	var last int64
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(batch))
		last = batch[len(batch)-1]["id"].(int64)
	}
	assert.Equal(t, []int{100, 100, 50}, sizes)
	assert.Equal(t, int64(eventRows), last)

	// Exhausted streams stay exhausted.
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, stream.Close())

	// The connection went back to the pool.
	require.NoError(t, a.TestConnection(ctx))
}

func TestSQLiteAdapter_StreamExactMultiple(t *testing.T) {
	a := newSQLiteTestAdapter(t)
	ctx := context.Background()

	stream, err := a.ExecuteQueryStream(ctx, "SELECT id FROM events WHERE id <= 200", 100)
	require.NoError(t, err)

	total := 0
	for batch, err := range stream.Batches(ctx) {
		require.NoError(t, err)
		total += len(batch)
	}
	assert.Equal(t, 200, total)

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSQLiteAdapter_StreamCloseEarly(t *testing.T) {
	a := newSQLiteTestAdapter(t)
	ctx := context.Background()

	stream, err := a.ExecuteQueryStream(ctx, "SELECT id FROM events", 10)
	require.NoError(t, err)

	batch, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 10)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSQLiteAdapter_Transaction(t *testing.T) {
	a := newSQLiteTestAdapter(t)
	ctx := context.Background()

	results, err := a.ExecuteTransaction(ctx, []string{
		"SELECT COUNT(*) AS n FROM users",
		"SELECT id FROM orders ORDER BY id",
	}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(3), results[0].Rows[0]["n"])
	assert.Equal(t, 2, results[1].RowCount)

	results, err = a.ExecuteTransaction(ctx, []string{
		"SELECT 1",
		"SELECT * FROM missing_table",
	}, 10)
	require.Error(t, err)
	assert.Nil(t, results)
	assert.Contains(t, err.Error(), "statement 2")
	assert.IsType(t, &NotFoundError{}, a.ClassifyError(err))

	results, err = a.ExecuteTransaction(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}
