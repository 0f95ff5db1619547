package sqlgateway

import (
	"context"
	"database/sql"
	"fmt"
)

// beginFunc opens a transaction on conn with the engine's read-only idiom.
type beginFunc func(ctx context.Context, conn *sql.Conn) (*sql.Tx, error)

// runReadOnlyTransaction executes statements in order inside one transaction.
// Any failure rolls back and no partial results are returned.
func runReadOnlyTransaction(
	ctx context.Context,
	pool *Pool,
	begin beginFunc,
	limit func(sql string, n int) string,
	statements []string,
	rowCap int,
) ([]*QueryResult, error) {
	if len(statements) == 0 {
		return []*QueryResult{}, nil
	}
	if rowCap < 0 {
		rowCap = DefaultMaxRows
	}

	var results []*QueryResult
	err := pool.With(ctx, func(conn *sql.Conn) error {
		tx, err := begin(ctx, conn)
		if err != nil {
			return fmt.Errorf("failed to begin read-only transaction: %w", err)
		}

		out := make([]*QueryResult, 0, len(statements))
		for i, stmt := range statements {
			res, err := queryTx(ctx, tx, limit(stmt, rowCap), rowCap)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
			out = append(out, res)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit read-only transaction: %w", err)
		}
		results = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func queryTx(ctx context.Context, tx *sql.Tx, query string, rowCap int) (*QueryResult, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanResult(rows, rowCap, nil)
}
