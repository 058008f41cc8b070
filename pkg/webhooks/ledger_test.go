package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
	"github.com/platinummonkey/subledger/pkg/store"
)

var ledgerNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, store.DefaultRetryConfig(), observability.NewNopLogger(),
		store.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	)
	l := NewLedger(s, LedgerConfig{MaxAttempts: 3, ProcessingLease: time.Minute}, nil)
	l.now = func() time.Time { return ledgerNow }
	return l, mock
}

func testEvent() *processor.Event {
	return &processor.Event{
		ID:   "evt_1",
		Type: processor.EventSubscriptionUpdated,
		Raw:  []byte(`{"id":"evt_1"}`),
	}
}

func TestLedgerRecordAndCheck(t *testing.T) {
	t.Run("first arrival is new", func(t *testing.T) {
		l, mock := newTestLedger(t)
		mock.ExpectQuery("INSERT INTO webhook_events .* ON CONFLICT \\(event_id\\) DO UPDATE").
			WithArgs("evt_1", "customer.subscription.updated", false, []byte(`{"id":"evt_1"}`), nil,
				ledgerNow, 2, ledgerNow.Add(-time.Minute)).
			WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(0))

		claim, err := l.RecordAndCheck(context.Background(), testEvent(), "")
		require.NoError(t, err)
		assert.Equal(t, Claim{IsNew: true, Attempt: 1, Recorded: true}, claim)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("archived payload is referenced by key", func(t *testing.T) {
		l, mock := newTestLedger(t)
		mock.ExpectQuery("INSERT INTO webhook_events").
			WithArgs("evt_1", "customer.subscription.updated", false, nil, "events/evt_1.json",
				ledgerNow, 2, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(0))

		claim, err := l.RecordAndCheck(context.Background(), testEvent(), "events/evt_1.json")
		require.NoError(t, err)
		assert.True(t, claim.IsNew)
	})

	t.Run("second arrival is a duplicate", func(t *testing.T) {
		l, mock := newTestLedger(t)
		mock.ExpectQuery("INSERT INTO webhook_events").
			WillReturnRows(sqlmock.NewRows([]string{"retry_count"}))

		claim, err := l.RecordAndCheck(context.Background(), testEvent(), "")
		require.NoError(t, err)
		assert.False(t, claim.IsNew)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed event is reclaimed with its attempt number", func(t *testing.T) {
		l, mock := newTestLedger(t)
		mock.ExpectQuery("INSERT INTO webhook_events").
			WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(2))

		claim, err := l.RecordAndCheck(context.Background(), testEvent(), "")
		require.NoError(t, err)
		assert.True(t, claim.IsNew)
		assert.Equal(t, 3, claim.Attempt)
	})

	t.Run("write failure falls back to processed row", func(t *testing.T) {
		l, mock := newTestLedger(t)
		mock.ExpectQuery("INSERT INTO webhook_events").WillReturnError(errors.New("permission denied"))
		mock.ExpectQuery("SELECT status FROM webhook_events WHERE event_id = \\$1").
			WithArgs("evt_1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processed"))

		claim, err := l.RecordAndCheck(context.Background(), testEvent(), "")
		require.NoError(t, err)
		assert.False(t, claim.IsNew)
	})

	t.Run("write failure without row processes unrecorded", func(t *testing.T) {
		l, mock := newTestLedger(t)
		mock.ExpectQuery("INSERT INTO webhook_events").WillReturnError(errors.New("permission denied"))
		mock.ExpectQuery("SELECT status FROM webhook_events").WillReturnError(sql.ErrNoRows)

		claim, err := l.RecordAndCheck(context.Background(), testEvent(), "")
		require.NoError(t, err)
		assert.Equal(t, Claim{IsNew: true, Attempt: 1, Recorded: false}, claim)
	})

	t.Run("write and read failure is an error", func(t *testing.T) {
		l, mock := newTestLedger(t)
		mock.ExpectQuery("INSERT INTO webhook_events").WillReturnError(errors.New("permission denied"))
		mock.ExpectQuery("SELECT status FROM webhook_events").WillReturnError(errors.New("permission denied"))

		_, err := l.RecordAndCheck(context.Background(), testEvent(), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "evt_1")
	})
}

func TestLedgerMark(t *testing.T) {
	t.Run("processed", func(t *testing.T) {
		l, mock := newTestLedger(t)
		mock.ExpectExec("UPDATE webhook_events\\s+SET status = 'processed'.*WHERE event_id = \\$1 AND status = 'pending'").
			WithArgs("evt_1", ledgerNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, l.MarkProcessed(context.Background(), "evt_1"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed keeps the cause", func(t *testing.T) {
		l, mock := newTestLedger(t)
		mock.ExpectExec("UPDATE webhook_events\\s+SET status = 'failed'").
			WithArgs("evt_1", "subscription write failed", ledgerNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, l.MarkFailed(context.Background(), "evt_1", errors.New("subscription write failed")))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("error is wrapped", func(t *testing.T) {
		l, mock := newTestLedger(t)
		mock.ExpectExec("UPDATE webhook_events").WillReturnError(errors.New("boom"))

		err := l.MarkProcessed(context.Background(), "evt_1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to mark webhook event evt_1 processed")
	})
}

func TestNewLedgerDefaults(t *testing.T) {
	l := NewLedger(nil, LedgerConfig{}, nil)
	assert.Equal(t, DefaultLedgerConfig().MaxAttempts, l.MaxAttempts())
	assert.Equal(t, DefaultLedgerConfig().ProcessingLease, l.config.ProcessingLease)
}
