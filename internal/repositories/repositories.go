package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-sqlite3"

	"github.com/cadenza-fm/cadenza/internal/shared"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so a
// repository can run against either a pooled connection or an open
// transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Transact runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func Transact(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", shared.ErrTransaction, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", shared.ErrTransaction, err)
	}
	return nil
}

// classify maps a database error onto the shared taxonomy while preserving
// the original message.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", shared.ErrNotFound, op)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s: %v", shared.ErrConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %v", shared.ErrTransaction, op, err)
}

// logOp logs a completed repository operation with its duration.
func logOp(logger *log.Logger, op string, start time.Time, kv ...any) {
	if logger == nil {
		return
	}
	args := append([]any{"op", op, "duration", time.Since(start)}, kv...)
	logger.Debug("repository operation", args...)
}

// marshalJSON serializes v for a JSON column; nil maps become NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON column: %w", err)
	}
	return string(data), nil
}

// unmarshalMap deserializes a nullable JSON object column.
func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON column: %w", err)
	}
	return m, nil
}

// now returns the current UTC time, truncated to milliseconds so values
// round-trip through SQLite byte-identically.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// nullTime converts an optional timestamp for storage.
func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return shared.UTC(*t)
}

// timePtr converts a scanned nullable timestamp back to the domain shape.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	u := nt.Time.UTC()
	return &u
}

// placeholders builds a "?, ?, ?" list for IN clauses.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ", "...)
		}
		buf = append(buf, '?')
	}
	return string(buf)
}

func intArgs(ids []int) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
