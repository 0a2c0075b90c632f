package sqlutil

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// WithTransactionContext runs fn inside a transaction. If fn returns an error or panics the
// transaction is rolled back, otherwise it is committed. Cancelling ctx rolls it back.
func WithTransactionContext(ctx context.Context, db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}

// UniqueViolation returns the name of the violated unique constraint or index if err is a
// postgres unique_violation, else "". The name is "unknown" when postgres did not report one.
func UniqueViolation(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == "" {
			return "unknown"
		}
		return pqErr.Constraint
	}
	return ""
}
