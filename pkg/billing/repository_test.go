package billing

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/store"
)

func newTestRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, store.DefaultRetryConfig(), observability.NewNopLogger(),
		store.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	)
	return NewPostgresRepository(s), mock
}

var subscriptionCols = []string{
	"id", "organization_id", "customer_id", "product_id", "price_id", "status", "amount",
	"currency", "current_period_start", "current_period_end", "trial_start", "trial_end",
	"processor_subscription_ref", "cancel_at_period_end", "canceled_at", "last_event_at",
	"created_at", "updated_at",
}

func subscriptionRow(id, status string, ref interface{}) *sqlmock.Rows {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(subscriptionCols).AddRow(
		id, "org_1", "cus_1", "prod_1", "price_1", status, int64(2000),
		"usd", start, start.AddDate(0, 1, 0), nil, nil,
		ref, false, nil, nil,
		start, start,
	)
}

func TestGetPrice(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectQuery("SELECT .* FROM prices WHERE id = \\$1").
			WithArgs("price_1").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "organization_id", "product_id", "amount", "currency", "billing_interval",
				"interval_count", "processor_price_ref", "active",
			}).AddRow("price_1", "org_1", "prod_1", int64(3000), "usd", "month", 1, "price_stripe", true))

		price, err := repo.GetPrice(context.Background(), "price_1")
		require.NoError(t, err)
		assert.Equal(t, int64(3000), price.Amount)
		assert.Equal(t, IntervalMonth, price.Interval)
		require.NotNil(t, price.ProcessorPriceRef)
		assert.Equal(t, "price_stripe", *price.ProcessorPriceRef)
		assert.True(t, price.Paid())
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectQuery("SELECT .* FROM prices").WillReturnError(sql.ErrNoRows)

		_, err := repo.GetPrice(context.Background(), "missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPriceNotFound)
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("retries deadlock", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectQuery("SELECT .* FROM prices").WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectQuery("SELECT .* FROM prices").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "organization_id", "product_id", "amount", "currency", "billing_interval",
				"interval_count", "processor_price_ref", "active",
			}).AddRow("price_1", "org_1", "prod_1", int64(0), "usd", "month", 1, nil, true))

		price, err := repo.GetPrice(context.Background(), "price_1")
		require.NoError(t, err)
		assert.False(t, price.Paid())
		assert.Nil(t, price.ProcessorPriceRef)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListProductFeatures(t *testing.T) {
	repo, mock := newTestRepo(t)
	mock.ExpectQuery("SELECT product_id, feature_id, properties FROM product_features").
		WithArgs("prod_1").
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "feature_id", "properties"}).
			AddRow("prod_1", "feat_a", []byte(`{"seats":5}`)).
			AddRow("prod_1", "feat_b", []byte(`{}`)))

	features, err := repo.ListProductFeatures(context.Background(), "prod_1")
	require.NoError(t, err)
	require.Len(t, features, 2)
	assert.Equal(t, float64(5), features[0].Properties["seats"])
}

func TestGetSubscriptionByProcessorRef(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectQuery("FROM subscriptions WHERE processor_subscription_ref = \\$1").
			WithArgs("sub_stripe").
			WillReturnRows(subscriptionRow("sub_1", "active", "sub_stripe"))

		sub, err := repo.GetSubscriptionByProcessorRef(context.Background(), "sub_stripe")
		require.NoError(t, err)
		assert.Equal(t, SubscriptionStatusActive, sub.Status)
		assert.True(t, sub.HasProcessorRef())
		assert.Nil(t, sub.TrialEnd)
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectQuery("FROM subscriptions").WillReturnError(sql.ErrNoRows)

		_, err := repo.GetSubscriptionByProcessorRef(context.Background(), "sub_missing")
		assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	})
}

func TestSyncSubscription(t *testing.T) {
	eventAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	in := SubscriptionSync{
		Status:             SubscriptionStatusActive,
		CurrentPeriodStart: eventAt,
		CurrentPeriodEnd:   eventAt.AddDate(0, 1, 0),
		EventAt:            eventAt,
	}

	t.Run("applied", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectExec("UPDATE subscriptions").
			WithArgs("active", in.CurrentPeriodStart, in.CurrentPeriodEnd, nil, nil, false, nil, eventAt, "sub_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		applied, err := repo.SyncSubscription(context.Background(), "sub_1", in)
		require.NoError(t, err)
		assert.True(t, applied)
	})

	t.Run("stale event ignored", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectExec("last_event_at IS NULL OR last_event_at <= \\$8").
			WillReturnResult(sqlmock.NewResult(0, 0))

		applied, err := repo.SyncSubscription(context.Background(), "sub_1", in)
		require.NoError(t, err)
		assert.False(t, applied)
	})
}

func TestCancelSubscription(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("revokes grants in the same transaction", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE subscriptions").
			WithArgs("canceled", at, "sub_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE feature_grants SET revoked_at = \\$1 WHERE subscription_id = \\$2 AND revoked_at IS NULL").
			WithArgs(at, "sub_1").
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectCommit()

		revoked, err := repo.CancelSubscription(context.Background(), "sub_1", SubscriptionStatusCanceled, at)
		require.NoError(t, err)
		assert.Equal(t, int64(3), revoked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on revoke failure", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE subscriptions").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE feature_grants").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err := repo.CancelSubscription(context.Background(), "sub_1", SubscriptionStatusCanceled, at)
		require.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCreateUsagePeriod(t *testing.T) {
	repo, mock := newTestRepo(t)
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (grant_id, period_start) DO NOTHING")).
		WithArgs("sub_1", start, end).
		WillReturnResult(sqlmock.NewResult(0, 2))

	created, err := repo.CreateUsagePeriod(context.Background(), "sub_1", start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(2), created)
}

func TestApplyPriceChange(t *testing.T) {
	at := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)
	ref := "sub_stripe"
	change := PriceChange{
		SubscriptionID:           "sub_1",
		CustomerID:               "cus_1",
		FromPriceID:              "price_1",
		ToPrice:                  &Price{ID: "price_2", ProductID: "prod_2", Amount: 3000, Currency: "usd"},
		ProcessorSubscriptionRef: &ref,
		PeriodStart:              at,
		PeriodEnd:                at.AddDate(0, 1, 0),
		At:                       at,
	}

	t.Run("swaps price and grants", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE subscriptions").
			WithArgs("price_2", "prod_2", int64(3000), "usd", "sub_stripe", "sub_1", false, "price_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE feature_grants SET revoked_at").WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec("INSERT INTO feature_grants").
			WithArgs("sub_1", "cus_1", "prod_2", at).
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectExec("INSERT INTO usage_quotas").WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectCommit()

		require.NoError(t, repo.ApplyPriceChange(context.Background(), change))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing subscription", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE subscriptions").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)")).
			WithArgs("sub_1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		err := repo.ApplyPriceChange(context.Background(), change)
		assert.ErrorIs(t, err, ErrSubscriptionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("subscription moved off the from price", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("WHERE id = $6 AND price_id = $8")).
			WithArgs("price_2", "prod_2", int64(3000), "usd", "sub_stripe", "sub_1", false, "price_1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)")).
			WithArgs("sub_1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		err := repo.ApplyPriceChange(context.Background(), change)
		assert.ErrorIs(t, err, ErrSubscriptionChanged)
		assert.Equal(t, KindConflict, KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpsertGrant(t *testing.T) {
	repo, mock := newTestRepo(t)
	ref := "ent_1"
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (subscription_id, feature_id) WHERE revoked_at IS NULL DO UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))

	inserted, err := repo.UpsertGrant(context.Background(), FeatureGrant{
		CustomerID:              "cus_1",
		SubscriptionID:          "sub_1",
		FeatureID:               "feat_a",
		GrantedAt:               time.Now(),
		ProcessorEntitlementRef: &ref,
	})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestRevokeGrantByEntitlementRef(t *testing.T) {
	repo, mock := newTestRepo(t)
	at := time.Now()
	mock.ExpectExec("UPDATE feature_grants SET revoked_at").
		WithArgs(at, "ent_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	revoked, err := repo.RevokeGrantByEntitlementRef(context.Background(), "ent_missing", at)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestUpdateAccountCapabilities(t *testing.T) {
	repo, mock := newTestRepo(t)
	mock.ExpectExec("UPDATE processor_accounts").
		WithArgs(true, false, true, "restricted", "acct_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	found, err := repo.UpdateAccountCapabilities(context.Background(), "acct_1", true, false, true)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSoftDeleteCustomer(t *testing.T) {
	repo, mock := newTestRepo(t)
	mock.ExpectExec("UPDATE customers SET deleted_at").
		WithArgs("cus_1", "org_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SoftDeleteCustomer(context.Background(), "org_1", "cus_1")
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestAccountStatus(t *testing.T) {
	assert.Equal(t, "active", AccountStatus(true, true, true))
	assert.Equal(t, "restricted", AccountStatus(true, false, true))
	assert.Equal(t, "pending", AccountStatus(false, false, false))
}
