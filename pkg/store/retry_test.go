package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock, *[]time.Duration) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var slept []time.Duration
	opts = append([]Option{WithSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})}, opts...)

	return New(db, DefaultRetryConfig(), nil, opts...), mock, &slept
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadlock", &pq.Error{Code: "40P01"}, KindDeadlock},
		{"serialization", &pq.Error{Code: "40001"}, KindSerialization},
		{"connection class", &pq.Error{Code: "08006"}, KindConnection},
		{"admin shutdown", &pq.Error{Code: "57P01"}, KindConnection},
		{"query canceled", &pq.Error{Code: "57014"}, KindTimeout},
		{"lock not available", &pq.Error{Code: "55P03"}, KindLockConflict},
		{"unique violation", &pq.Error{Code: "23505"}, KindUniqueViolation},
		{"check violation", &pq.Error{Code: "23514"}, KindUnknown},
		{"no rows", sql.ErrNoRows, KindNotFound},
		{"wrapped no rows", fmt.Errorf("failed to get: %w", sql.ErrNoRows), KindNotFound},
		{"wrapped deadlock", fmt.Errorf("failed to update: %w", &pq.Error{Code: "40P01"}), KindDeadlock},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindCanceled},
		{"conn done", sql.ErrConnDone, KindConnection},
		{"store error", &Error{Kind: KindLockConflict, Err: errors.New("x")}, KindLockConflict},
		{"message text is ignored", errors.New("deadlock detected"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKind_Retryable(t *testing.T) {
	retryable := []Kind{KindDeadlock, KindSerialization, KindConnection, KindTimeout, KindLockConflict}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), k.String())
	}
	for _, k := range []Kind{KindUnknown, KindUniqueViolation, KindNotFound, KindCanceled} {
		assert.False(t, k.Retryable(), k.String())
	}
}

func TestRetryPolicy_NextRetryDelay(t *testing.T) {
	p := NewRetryPolicy(DefaultRetryConfig())

	assert.Equal(t, 100*time.Millisecond, p.NextRetryDelay(0))
	assert.Equal(t, 100*time.Millisecond, p.NextRetryDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.NextRetryDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.NextRetryDelay(3))
	assert.Equal(t, 1600*time.Millisecond, p.NextRetryDelay(5))
	assert.Equal(t, 2*time.Second, p.NextRetryDelay(6))
	assert.Equal(t, 2*time.Second, p.NextRetryDelay(20))
}

func TestNewRetryPolicy_Defaults(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{})
	assert.Equal(t, 3, p.MaxAttempts())
	assert.Equal(t, 100*time.Millisecond, p.NextRetryDelay(1))
}

func TestStore_Do(t *testing.T) {
	t.Run("succeeds first time", func(t *testing.T) {
		s, _, slept := newTestStore(t)
		calls := 0
		err := s.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, *slept)
	})

	t.Run("retries retryable errors then succeeds", func(t *testing.T) {
		s, _, slept := newTestStore(t)
		calls := 0
		err := s.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return &pq.Error{Code: "40P01"}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		s, _, slept := newTestStore(t)
		calls := 0
		err := s.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			return &pq.Error{Code: "40001"}
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Len(t, *slept, 2)

		var se *Error
		require.True(t, errors.As(err, &se))
		assert.Equal(t, KindSerialization, se.Kind)
		assert.Equal(t, 3, se.Attempts)
		assert.Equal(t, "op", se.Op)
	})

	t.Run("non-retryable propagates immediately", func(t *testing.T) {
		s, _, slept := newTestStore(t)
		calls := 0
		err := s.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			return &pq.Error{Code: "23505", Constraint: "customers_org_email_key"}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, *slept)
		assert.True(t, IsUniqueViolation(err))
		assert.Equal(t, "customers_org_email_key", ConstraintName(err))
	})

	t.Run("canceled context stops backoff", func(t *testing.T) {
		s, _, _ := newTestStore(t, WithSleep(func(ctx context.Context, d time.Duration) error {
			return context.Canceled
		}))
		calls := 0
		err := s.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			return &pq.Error{Code: "08006"}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, KindCanceled, Classify(err))
	})
}

func TestStore_InTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		s, mock, _ := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE t SET x = 1")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := s.InTx(context.Background(), "tx", func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE t SET x = 1")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back and retries on deadlock", func(t *testing.T) {
		s, mock, _ := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE t SET x = 1")).WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE t SET x = 1")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := s.InTx(context.Background(), "tx", func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE t SET x = 1")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_CallAtomic(t *testing.T) {
	t.Run("builds positional call", func(t *testing.T) {
		s, mock, _ := newTestStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM upsert_customer_atomic($1, $2, $3)")).
			WithArgs("org-1", "ext-1", "a@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created"}).AddRow("cus-1", true))

		var id string
		var created bool
		err := s.CallAtomic(context.Background(), ProcUpsertCustomer, func(row *sql.Row) error {
			return row.Scan(&id, &created)
		}, "org-1", "ext-1", "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, "cus-1", id)
		assert.True(t, created)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unknown procedure", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		err := s.CallAtomic(context.Background(), Procedure("drop_everything"), func(row *sql.Row) error { return nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown atomic procedure")
	})
}
