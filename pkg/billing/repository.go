package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/subledger/pkg/store"
)

// PostgresRepository reads and writes catalog, customer, subscription and
// grant rows through the retrying store
type PostgresRepository struct {
	store *store.Store
}

// NewPostgresRepository creates a new PostgresRepository
func NewPostgresRepository(s *store.Store) *PostgresRepository {
	return &PostgresRepository{store: s}
}

// Store returns the underlying operation store
func (r *PostgresRepository) Store() *store.Store {
	return r.store
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// notFound maps a missing-row failure to sentinel, passing other errors through
func notFound(err error, sentinel error) error {
	if store.IsNotFound(err) {
		return sentinel
	}
	return err
}

const priceColumns = `id, organization_id, product_id, amount, currency, billing_interval,
		       interval_count, processor_price_ref, active`

// GetPrice retrieves a price by ID
func (r *PostgresRepository) GetPrice(ctx context.Context, id string) (*Price, error) {
	query := `SELECT ` + priceColumns + ` FROM prices WHERE id = $1`
	price := &Price{}
	err := r.store.Do(ctx, "get_price", func(ctx context.Context) error {
		return r.store.DB().QueryRowContext(ctx, query, id).Scan(
			&price.ID, &price.OrganizationID, &price.ProductID, &price.Amount, &price.Currency,
			&price.Interval, &price.IntervalCount, &price.ProcessorPriceRef, &price.Active,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get price %s: %w", id, notFound(err, ErrPriceNotFound))
	}
	return price, nil
}

// GetProduct retrieves a product by ID
func (r *PostgresRepository) GetProduct(ctx context.Context, id string) (*Product, error) {
	query := `
		SELECT id, organization_id, name, family, is_free, processor_product_ref
		FROM products
		WHERE id = $1
	`
	product := &Product{}
	err := r.store.Do(ctx, "get_product", func(ctx context.Context) error {
		return r.store.DB().QueryRowContext(ctx, query, id).Scan(
			&product.ID, &product.OrganizationID, &product.Name, &product.Family,
			&product.IsFree, &product.ProcessorProductRef,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", id, notFound(err, ErrProductNotFound))
	}
	return product, nil
}

// ListProductFeatures lists the features a product grants
func (r *PostgresRepository) ListProductFeatures(ctx context.Context, productID string) ([]ProductFeature, error) {
	query := `SELECT product_id, feature_id, properties FROM product_features WHERE product_id = $1 ORDER BY feature_id`

	var features []ProductFeature
	err := r.store.Do(ctx, "list_product_features", func(ctx context.Context) error {
		features = features[:0]
		rows, err := r.store.DB().QueryContext(ctx, query, productID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var pf ProductFeature
			var props []byte
			if err := rows.Scan(&pf.ProductID, &pf.FeatureID, &props); err != nil {
				return err
			}
			if err := unmarshalJSON(props, &pf.Properties); err != nil {
				return fmt.Errorf("failed to unmarshal properties: %w", err)
			}
			features = append(features, pf)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list product features: %w", err)
	}
	return features, nil
}

// GetFeatureByProcessorRef resolves a processor feature reference
func (r *PostgresRepository) GetFeatureByProcessorRef(ctx context.Context, ref string) (*Feature, error) {
	query := `
		SELECT id, organization_id, lookup_key, name, processor_feature_ref, usage_limit
		FROM features
		WHERE processor_feature_ref = $1
	`
	feature := &Feature{}
	err := r.store.Do(ctx, "get_feature", func(ctx context.Context) error {
		return r.store.DB().QueryRowContext(ctx, query, ref).Scan(
			&feature.ID, &feature.OrganizationID, &feature.LookupKey, &feature.Name,
			&feature.ProcessorFeatureRef, &feature.UsageLimit,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get feature %s: %w", ref, notFound(err, ErrFeatureNotFound))
	}
	return feature, nil
}

const customerColumns = `id, organization_id, external_id, email, name, billing_address,
		       processor_customer_ref, metadata, deleted_at, created_at, updated_at`

func scanCustomer(row rowScanner) (*Customer, error) {
	c := &Customer{}
	var address, metadata []byte
	if err := row.Scan(
		&c.ID, &c.OrganizationID, &c.ExternalID, &c.Email, &c.Name, &address,
		&c.ProcessorCustomerRef, &metadata, &c.DeletedAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(address, &c.BillingAddress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal billing address: %w", err)
	}
	if err := unmarshalJSON(metadata, &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return c, nil
}

// GetCustomer retrieves a customer by ID, including soft-deleted rows
func (r *PostgresRepository) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`
	var customer *Customer
	err := r.store.Do(ctx, "get_customer", func(ctx context.Context) error {
		var err error
		customer, err = scanCustomer(r.store.DB().QueryRowContext(ctx, query, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get customer %s: %w", id, notFound(err, ErrCustomerNotFound))
	}
	return customer, nil
}

// GetCustomerByProcessorRef resolves a live customer by processor reference
func (r *PostgresRepository) GetCustomerByProcessorRef(ctx context.Context, ref string) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers
		WHERE processor_customer_ref = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`
	var customer *Customer
	err := r.store.Do(ctx, "get_customer_by_ref", func(ctx context.Context) error {
		var err error
		customer, err = scanCustomer(r.store.DB().QueryRowContext(ctx, query, ref))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get customer by ref %s: %w", ref, notFound(err, ErrCustomerNotFound))
	}
	return customer, nil
}

// SetCustomerProcessorRef links a customer to its processor-side record
func (r *PostgresRepository) SetCustomerProcessorRef(ctx context.Context, id, ref string) error {
	query := `UPDATE customers SET processor_customer_ref = $1, updated_at = NOW() WHERE id = $2`
	err := r.store.Do(ctx, "set_customer_ref", func(ctx context.Context) error {
		_, err := r.store.DB().ExecContext(ctx, query, ref, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set customer processor ref: %w", err)
	}
	return nil
}

// SoftDeleteCustomer marks a customer deleted, which releases its external
// id and email for reuse within the organization
func (r *PostgresRepository) SoftDeleteCustomer(ctx context.Context, organizationID, id string) error {
	query := `
		UPDATE customers SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
	`
	var affected int64
	err := r.store.Do(ctx, "soft_delete_customer", func(ctx context.Context) error {
		res, err := r.store.DB().ExecContext(ctx, query, id, organizationID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}
	if affected == 0 {
		return ErrCustomerNotFound
	}
	return nil
}

const accountColumns = `id, organization_id, account_ref, charges_enabled, payouts_enabled,
		       details_submitted, status, updated_at`

func (r *PostgresRepository) getAccount(ctx context.Context, op, where, arg string) (*ProcessorAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM processor_accounts WHERE ` + where + ` = $1`
	acct := &ProcessorAccount{}
	err := r.store.Do(ctx, op, func(ctx context.Context) error {
		return r.store.DB().QueryRowContext(ctx, query, arg).Scan(
			&acct.ID, &acct.OrganizationID, &acct.AccountRef, &acct.ChargesEnabled,
			&acct.PayoutsEnabled, &acct.DetailsSubmitted, &acct.Status, &acct.UpdatedAt,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get processor account: %w", notFound(err, ErrAccountNotFound))
	}
	return acct, nil
}

// GetAccountByOrganization returns the connected account of an organization
func (r *PostgresRepository) GetAccountByOrganization(ctx context.Context, organizationID string) (*ProcessorAccount, error) {
	return r.getAccount(ctx, "get_account_by_org", "organization_id", organizationID)
}

// GetAccountByRef returns the account for a processor account reference
func (r *PostgresRepository) GetAccountByRef(ctx context.Context, ref string) (*ProcessorAccount, error) {
	return r.getAccount(ctx, "get_account_by_ref", "account_ref", ref)
}

// UpdateAccountCapabilities records the processor-reported capability flags.
// It returns false when the account is not known locally.
func (r *PostgresRepository) UpdateAccountCapabilities(ctx context.Context, ref string, charges, payouts, details bool) (bool, error) {
	query := `
		UPDATE processor_accounts
		SET charges_enabled = $1, payouts_enabled = $2, details_submitted = $3, status = $4, updated_at = NOW()
		WHERE account_ref = $5
	`
	status := AccountStatus(charges, payouts, details)
	var affected int64
	err := r.store.Do(ctx, "update_account", func(ctx context.Context) error {
		res, err := r.store.DB().ExecContext(ctx, query, charges, payouts, details, status, ref)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to update processor account: %w", err)
	}
	return affected > 0, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
