package sqlgateway

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryConfig{Attempts: 3, BaseDelay: time.Millisecond}

// newMock returns a sqlmock-backed handle.
func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func mockOpener(db *sql.DB) OpenFunc {
	return func(context.Context) (*sql.DB, error) { return db, nil }
}

func mockOptions(db *sql.DB) []AdapterOption {
	return []AdapterOption{WithOpener(mockOpener(db)), WithRetryConfig(fastRetry)}
}

// checkReadOnly runs the generic validator followed by the dialect screen.
func checkReadOnly(a DBAdapter, query string) error {
	if err := Validate(query); err != nil {
		return err
	}
	return a.ScreenQuery(query)
}

func closeMock(t *testing.T, a DBAdapter, mock sqlmock.Sqlmock) {
	t.Helper()
	mock.ExpectClose()
	require.NoError(t, a.Disconnect())
	require.NoError(t, mock.ExpectationsWereMet())
}
