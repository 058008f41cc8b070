package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Procedure names a server-side function that performs a multi-row write in
// a single statement
type Procedure string

const (
	ProcUpsertCustomer     Procedure = "upsert_customer_atomic"
	ProcCreateSubscription Procedure = "create_subscription_atomic"
)

var knownProcedures = map[Procedure]bool{
	ProcUpsertCustomer:     true,
	ProcCreateSubscription: true,
}

// CallAtomic invokes proc with args and hands the single result row to scan.
// The call is retried like any other operation.
func (s *Store) CallAtomic(ctx context.Context, proc Procedure, scan func(row *sql.Row) error, args ...interface{}) error {
	if !knownProcedures[proc] {
		return fmt.Errorf("unknown atomic procedure: %s", proc)
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("SELECT * FROM %s(%s)", proc, strings.Join(placeholders, ", "))

	return s.Do(ctx, string(proc), func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, query, args...)
		return scan(row)
	})
}

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
