package sqlgateway

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate_AllowedQueries(t *testing.T) {
	allowedQueries := []string{
		"SELECT * FROM users",
		"SELECT id, name FROM users WHERE id = 1",
		"select * from users", // lowercase
		"  select 1",
		"\n\tSELECT 1\n",
		"WITH recent AS (SELECT * FROM orders) SELECT * FROM recent",
		"with t as (select 1 as x) select x from t",
		"SELECT * FROM settings", // 'settings' contains 'set' but should be allowed
		"SELECT * FROM user_settings WHERE setting_name = 'theme'",
		"SELECT created_at FROM orders",   // 'created' contains 'create'
		"SELECT updated_at FROM products", // 'updated' contains 'update'
		"SELECT deleted FROM items",       // 'deleted' contains 'delete'
		"SELECT dropped_at, inserted_by, executed FROM audit",
		"SELECT * FROM grants_history",
	}

	for _, query := range allowedQueries {
		t.Run(query, func(t *testing.T) {
			if err := Validate(query); err != nil {
				t.Errorf("Expected query to be allowed, but got error: %v", err)
			}
		})
	}
}

func TestValidate_BlockedQueries(t *testing.T) {
	blockedQueries := []struct {
		query       string
		shouldBlock string
	}{
		{"INSERT INTO users VALUES (1, 'test')", "INSERT"},
		{"UPDATE users SET name = 'test'", "UPDATE"},
		{"DELETE FROM users", "DELETE"},
		{"DROP TABLE users", "DROP"},
		{"CREATE TABLE test (id INT)", "CREATE"},
		{"ALTER TABLE users ADD COLUMN age INT", "ALTER"},
		{"TRUNCATE TABLE users", "TRUNCATE"},
		{"GRANT ALL ON *.* TO 'user'", "GRANT"},
		{"REVOKE ALL ON *.* FROM 'user'", "REVOKE"},
		{"EXECUTE some_statement", "EXECUTE"},
		{"EXEC sp_who", "EXEC"},
		{"SHOW TABLES", "not SELECT/WITH"},
		{"DESCRIBE users", "not SELECT/WITH"},
		{"EXPLAIN SELECT * FROM users", "not SELECT/WITH"},
		{"SET @var = 1", "not SELECT/WITH"},
		{"SeLeCt 1; DROP TABLE t", "DROP"},
		{"SELECT 1; -- comment\nDROP TABLE users", "DROP"},
		{"WITH d AS (DELETE FROM t RETURNING *) SELECT * FROM d", "DELETE"},
		{"SELECT * FROM users WHERE name = 'DROP TABLE users'", "DROP in literal"},
		{"SELECT 1 /* truncate */", "TRUNCATE in comment"},
		{"selectx FROM users", "not SELECT/WITH"},
	}

	for _, tc := range blockedQueries {
		t.Run(tc.query, func(t *testing.T) {
			err := Validate(tc.query)
			if err == nil {
				t.Errorf("Expected query to be blocked for %s, but it was allowed", tc.shouldBlock)
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("Expected ValidationError, got %T", err)
			}
		})
	}
}

func TestValidate_EmptyQuery(t *testing.T) {
	for _, query := range []string{"", "   ", "\n\t"} {
		err := Validate(query)
		if err == nil {
			t.Errorf("Expected %q to be rejected", query)
			continue
		}
		if !strings.Contains(err.Error(), "empty") {
			t.Errorf("Expected error to mention empty query, got: %v", err)
		}
	}
}

func TestValidate_ReasonNamesKeyword(t *testing.T) {
	err := Validate("SELECT 1; drop table t")
	if err == nil {
		t.Fatal("Expected query to be rejected")
	}
	if !strings.Contains(err.Error(), "DROP") {
		t.Errorf("Expected error to name DROP, got: %v", err)
	}
}

func TestValidateFilterExpression(t *testing.T) {
	tests := []struct {
		filter  string
		allowed bool
	}{
		{"", true},
		{"   ", true},
		{"status = 'active'", true},
		{"age > 21 AND country IN ('EG', 'US')", true},
		{"created_at >= '2024-01-01'", true},
		{"updated_by IS NULL", true},
		{"1=1; DROP TABLE users", false},
		{"id = 1; delete from users", false},
		{"id = 1 UNION SELECT password FROM users", false},
		{"id = 1 union all select 1", false},
		{"id = 1 -- trailing", false},
		{"id = 1 /* hidden */", false},
		{"name = 'x' OR EXEC xp_cmdshell", false},
	}

	for _, tc := range tests {
		t.Run(tc.filter, func(t *testing.T) {
			err := ValidateFilterExpression(tc.filter)
			if tc.allowed && err != nil {
				t.Errorf("Expected filter to be allowed, got error: %v", err)
			}
			if !tc.allowed && err == nil {
				t.Errorf("Expected filter to be rejected")
			}
		})
	}
}

func TestScreenQuery_StackedStatements(t *testing.T) {
	tests := []struct {
		query   string
		allowed bool
	}{
		{"SELECT 1;", true},
		{"SELECT 1;   ", true},
		{"SELECT 1; -- trailing comment", true},
		{"SELECT ';' FROM t", true},
		{"SELECT 1; SELECT 2", false},
		{"SELECT 1;\n/* c */ SELECT 2", false},
	}

	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			err := screenQuery(tc.query, lexRules{}, nil)
			if tc.allowed && err != nil {
				t.Errorf("Expected query to be allowed, got error: %v", err)
			}
			if !tc.allowed && err == nil {
				t.Errorf("Expected query to be rejected")
			}
		})
	}
}

func TestStripStringsAndComments_Generic(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple string",
			input:    "SELECT * FROM users WHERE name = 'test'",
			expected: "SELECT * FROM users WHERE name = ''",
		},
		{
			name:     "escaped quote by doubling",
			input:    "SELECT * FROM users WHERE name = 'it''s'",
			expected: "SELECT * FROM users WHERE name = ''",
		},
		{
			name:     "line comment",
			input:    "SELECT * FROM users -- comment",
			expected: "SELECT * FROM users  ",
		},
		{
			name:     "block comment",
			input:    "SELECT /* comment */ * FROM users",
			expected: "SELECT   * FROM users",
		},
		{
			name:     "quoted identifier kept",
			input:    `SELECT "Drop" FROM t`,
			expected: `SELECT "Drop" FROM t`,
		},
		{
			name:     "unterminated literal",
			input:    "SELECT 'abc",
			expected: "SELECT ''",
		},
		{
			name:     "hash is not a comment by default",
			input:    "SELECT a # b FROM t",
			expected: "SELECT a # b FROM t",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := stripStringsAndComments(tt.input, lexRules{})
			if result != tt.expected {
				t.Errorf("stripStringsAndComments() = %q, want %q", result, tt.expected)
			}
		})
	}
}
