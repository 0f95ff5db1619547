package sqlgateway

import (
	"context"
	"errors"
	"io"
	"net/url"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresValidateQuery_AllowedQueries(t *testing.T) {
	adapter := NewPostgresAdapter(ConnectionConfig{})
	allowedQueries := []string{
		"SELECT * FROM users",
		"SELECT id, name FROM users WHERE id = 1",
		"select * from users",
		"SELECT * FROM settings",
		"SELECT * FROM user_settings WHERE setting_name = 'theme'",
		"SELECT intolerance, copyright FROM t",
		"SELECT * FROM users WHERE note = 'pg_sleep(1)'",
		"SELECT $$COPY users TO '/tmp/x'$$ AS txt",
		"SELECT $body$ pg_read_file('x') $body$",
		"SELECT * FROM users WHERE name = 'a;b'",
		"SELECT count(*) FROM pg_stat_activity",
		"WITH t AS (SELECT 1 AS x) SELECT x FROM t",
		"SELECT a # b FROM t", // # is an operator in Postgres
	}

	for _, query := range allowedQueries {
		t.Run(query, func(t *testing.T) {
			if err := checkReadOnly(adapter, query); err != nil {
				t.Errorf("Expected query to be allowed, but got error: %v", err)
			}
		})
	}
}

func TestPostgresValidateQuery_BlockedQueries(t *testing.T) {
	adapter := NewPostgresAdapter(ConnectionConfig{})
	blockedQueries := []struct {
		query       string
		shouldBlock string
	}{
		{"INSERT INTO users VALUES (1, 'test')", "INSERT"},
		{"COPY users TO '/tmp/users.csv'", "COPY"},
		{"SELECT * INTO backup_users FROM users", "INTO"},
		{"SELECT pg_sleep(5)", "pg_sleep"},
		{"SELECT pg_sleep_for('5 minutes')", "pg_sleep_for"},
		{"SELECT pg_read_file('/etc/passwd')", "pg_read_file"},
		{"SELECT pg_ls_dir('.')", "pg_ls_dir"},
		{"SELECT lo_export(1234, '/tmp/x')", "lo_export"},
		{"SELECT pg_advisory_lock(1)", "pg_advisory_lock"},
		{"SELECT pg_terminate_backend(42)", "pg_terminate_backend"},
		{"SELECT set_config('search_path', 'evil', false)", "set_config"},
		{"SELECT nextval('users_id_seq')", "nextval"},
		{"SELECT * FROM dblink('host=x', 'SELECT 1') AS t(a int)", "dblink"},
		{"SELECT * FROM users FOR SHARE", "FOR SHARE"},
		{"SELECT * FROM users FOR KEY SHARE", "FOR KEY SHARE"},
		{"SELECT * FROM users FOR NO KEY SHARE", "FOR NO KEY SHARE"},
		{"SELECT 1; SELECT 2", "multiple statements"},
		{"SELECT $$a$$; SELECT 2", "multiple statements"},
		{"WITH x AS (SELECT 1) SELECT * FROM x; LISTEN chan", "multiple statements"},
	}

	for _, tc := range blockedQueries {
		t.Run(tc.query, func(t *testing.T) {
			if err := checkReadOnly(adapter, tc.query); err == nil {
				t.Errorf("Expected query to be blocked for %s, but it was allowed", tc.shouldBlock)
			}
		})
	}
}

func TestPostgresStripStringsAndComments(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "dollar quoted",
			input:    "SELECT $$it's; here$$ FROM t",
			expected: "SELECT '' FROM t",
		},
		{
			name:     "tagged dollar quote",
			input:    "SELECT $fn$ SELECT 1; $fn$",
			expected: "SELECT ''",
		},
		{
			name:     "positional parameter untouched",
			input:    "SELECT * FROM t WHERE id = $1",
			expected: "SELECT * FROM t WHERE id = $1",
		},
		{
			name:     "double quoted identifier kept",
			input:    `SELECT "Select" FROM t -- x`,
			expected: `SELECT "Select" FROM t  `,
		},
		{
			name:     "backslash is not an escape",
			input:    `SELECT 'a\' FROM t`,
			expected: "SELECT '' FROM t",
		},
		{
			name:     "escape string honours backslashes",
			input:    `SELECT E'it\'s; DROP' FROM t`,
			expected: "SELECT '' FROM t",
		},
		{
			name:     "trailing e is part of a name",
			input:    `SELECT name'x' FROM t`,
			expected: "SELECT name'' FROM t",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := stripStringsAndComments(tt.input, postgresLex)
			if result != tt.expected {
				t.Errorf("stripStringsAndComments() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestPostgresLimitSQL(t *testing.T) {
	a := NewPostgresAdapter(ConnectionConfig{})
	assert.Equal(t, "SELECT * FROM t LIMIT 10", a.LimitSQL("SELECT * FROM t;", 10))
	assert.Equal(t, "SELECT * FROM t LIMIT ALL", a.LimitSQL("SELECT * FROM t LIMIT ALL", 10))
	assert.Equal(t, "SELECT * FROM t FETCH FIRST 3 ROWS ONLY", a.LimitSQL("SELECT * FROM t FETCH FIRST 3 ROWS ONLY", 10))
	assert.Equal(t, "SELECT $$LIMIT 1$$ LIMIT 10", a.LimitSQL("SELECT $$LIMIT 1$$", 10))
	assert.Equal(t, "SELECT id FROM events -- newest first LIMIT 5\nLIMIT 10",
		a.LimitSQL("SELECT id FROM events -- newest first LIMIT 5", 10))
}

func TestPostgresQuoteLiteral(t *testing.T) {
	a := NewPostgresAdapter(ConnectionConfig{})
	assert.Equal(t, "'O''Brien'", a.QuoteLiteral("O'Brien"))
	assert.Equal(t, `E'x\\'' OR 1=1 --'`, a.QuoteLiteral(`x\' OR 1=1 --`))
	assert.Equal(t, "SELECT * FROM t WHERE v = ''", stripStringsAndComments("SELECT * FROM t WHERE v = "+a.QuoteLiteral(`x\' OR 1=1 --`), postgresLex))
}

func TestBuildPostgresDSN(t *testing.T) {
	dsn, err := BuildPostgresDSN(ConnectionConfig{
		Host:     "pg.internal",
		User:     "reader",
		Password: "p@ss word",
		Database: "analytics",
		Options:  map[string]string{"application_name": "sqlgateway"},
	})
	require.NoError(t, err)

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "pg.internal:5432", u.Host)
	assert.Equal(t, "/analytics", u.Path)
	assert.Equal(t, "reader", u.User.Username())
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss word", pw)

	q := u.Query()
	assert.Equal(t, "on", q.Get("default_transaction_read_only"))
	assert.Equal(t, "prefer", q.Get("sslmode"))
	assert.Equal(t, "10", q.Get("connect_timeout"))
	assert.Equal(t, "sqlgateway", q.Get("application_name"))

	dsn, err = BuildPostgresDSN(ConnectionConfig{Host: "h", User: "u", Database: "d", Port: 6543, SSLMode: "require"})
	require.NoError(t, err)
	u, err = url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "h:6543", u.Host)
	assert.Equal(t, "require", u.Query().Get("sslmode"))

	_, err = BuildPostgresDSN(ConnectionConfig{Host: "h"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database")
}

func TestPostgresClassifyError(t *testing.T) {
	a := NewPostgresAdapter(ConnectionConfig{})

	tests := []struct {
		code pq.ErrorCode
		want any
	}{
		{"42P01", &NotFoundError{}},
		{"42703", &NotFoundError{}},
		{"28P01", &AuthError{}},
		{"42501", &PermissionError{}},
		{"25006", &PermissionError{}},
		{"57014", &TimeoutError{}},
		{"08006", &ConnectionError{}},
		{"57P01", &ConnectionError{}},
		{"22012", &ExecutionError{}},
	}

	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.IsType(t, tc.want, a.ClassifyError(&pq.Error{Code: tc.code, Message: "x"}))
		})
	}

	var ce *ConnectionError
	require.ErrorAs(t, a.ClassifyError(&pq.Error{Code: "08006"}), &ce)
	assert.True(t, ce.Retryable)

	// A non-retryable connect failure caused by bad credentials surfaces as AuthError.
	wrapped := &ConnectionError{Cause: &pq.Error{Code: "28P01", Message: "password authentication failed"}}
	assert.IsType(t, &AuthError{}, a.ClassifyError(wrapped))
}

func TestPostgresAdapter_ListSchemas(t *testing.T) {
	db, mock := newMock(t)
	a := NewPostgresAdapter(ConnectionConfig{}, mockOptions(db)...)
	require.NoError(t, a.Connect(context.Background()))

	mock.ExpectQuery("FROM information_schema.schemata").
		WillReturnRows(sqlmock.NewRows([]string{"schema_name", "schema_owner"}).
			AddRow("public", "postgres").
			AddRow("sales", nil))

	schemas, err := a.ListSchemas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []SchemaInfo{{Name: "public", Owner: "postgres"}, {Name: "sales"}}, schemas)

	closeMock(t, a, mock)
}

func TestPostgresAdapter_ExecuteQueryAppliesRowCap(t *testing.T) {
	db, mock := newMock(t)
	a := NewPostgresAdapter(ConnectionConfig{}, mockOptions(db)...)
	require.NoError(t, a.Connect(context.Background()))

	mock.ExpectQuery(`SELECT id FROM users LIMIT 2$`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

	res, err := a.ExecuteQuery(context.Background(), "SELECT id FROM users", QueryOptions{RowCap: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, res.Columns)
	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, int64(1), res.Rows[0]["id"])

	closeMock(t, a, mock)
}

func TestPostgresAdapter_GetViewDefinitionNotFound(t *testing.T) {
	db, mock := newMock(t)
	a := NewPostgresAdapter(ConnectionConfig{}, mockOptions(db)...)
	require.NoError(t, a.Connect(context.Background()))

	mock.ExpectQuery("pg_get_viewdef").
		WithArgs("public", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"pg_get_viewdef"}))

	_, err := a.GetViewDefinition(context.Background(), "missing", "")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	closeMock(t, a, mock)
}

func TestPostgresAdapter_GetIndexesGroupsColumns(t *testing.T) {
	db, mock := newMock(t)
	a := NewPostgresAdapter(ConnectionConfig{}, mockOptions(db)...)
	require.NoError(t, a.Connect(context.Background()))

	mock.ExpectQuery("FROM pg_index ix").
		WithArgs("public", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"relname", "attname", "indisunique", "indisprimary", "amname"}).
			AddRow("orders_pkey", "id", true, true, "btree").
			AddRow("orders_customer_date_idx", "customer_id", false, false, "btree").
			AddRow("orders_customer_date_idx", "created_at", false, false, "btree"))

	indexes, err := a.GetIndexes(context.Background(), "orders", "")
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.Equal(t, "orders_pkey", indexes[0].Name)
	assert.True(t, indexes[0].Primary)
	assert.Equal(t, []string{"customer_id", "created_at"}, indexes[1].Columns)
	assert.False(t, indexes[1].Unique)

	closeMock(t, a, mock)
}

func TestPostgresAdapter_StreamUsesCursor(t *testing.T) {
	db, mock := newMock(t)
	a := NewPostgresAdapter(ConnectionConfig{}, mockOptions(db)...)
	require.NoError(t, a.Connect(context.Background()))

	mock.ExpectBegin()
	mock.ExpectExec(`DECLARE "sqlgw_\w+" NO SCROLL CURSOR FOR SELECT \* FROM events`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FETCH FORWARD 2 FROM "sqlgw_\w+"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
	mock.ExpectQuery(`FETCH FORWARD 2 FROM "sqlgw_\w+"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectExec(`CLOSE "sqlgw_\w+"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ctx := context.Background()
	stream, err := a.ExecuteQueryStream(ctx, "SELECT * FROM events;", 2)
	require.NoError(t, err)
	assert.Equal(t, StreamCursor, stream.Mode())

	batch, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Equal(t, []string{"id"}, stream.Columns())

	batch, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 1)

	_, err = stream.Next(ctx)
	assert.True(t, errors.Is(err, io.EOF))
	require.NoError(t, stream.Close())

	closeMock(t, a, mock)
}
