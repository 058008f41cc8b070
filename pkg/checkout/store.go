package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/store"
)

var (
	// ErrCheckoutNotFound is returned for unknown metadata ids
	ErrCheckoutNotFound = fmt.Errorf("checkout metadata %w", billing.ErrNotFound)
	// ErrCheckoutExpired is returned for metadata read after its expiry
	// while still pending, and on every read after that
	ErrCheckoutExpired = errors.New("checkout session expired")
	// ErrAlreadyClaimed is returned when another worker finalizes the
	// checkout or it already reached a terminal status
	ErrAlreadyClaimed = errors.New("checkout already claimed")
)

// Status is the lifecycle state of checkout metadata
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
	StatusFailed     Status = "failed"
)

// Metadata holds every checkout parameter the processor never sees. The
// processor session only carries ID.
type Metadata struct {
	ID                 string           `json:"id"`
	OrganizationID     string           `json:"organization_id"`
	CustomerID         *string          `json:"customer_id,omitempty"`
	ExternalCustomerID *string          `json:"external_customer_id,omitempty"`
	ProductID          string           `json:"product_id"`
	PriceID            string           `json:"price_id"`
	Email              string           `json:"email"`
	Name               string           `json:"name,omitempty"`
	Amount             int64            `json:"amount"`
	Currency           string           `json:"currency"`
	Interval           billing.Interval `json:"interval"`
	SuccessURL         string           `json:"success_url"`
	CancelURL          string           `json:"cancel_url"`
	Status             Status           `json:"status"`
	SubscriptionID     *string          `json:"subscription_id,omitempty"`
	CheckoutSessionRef *string          `json:"checkout_session_ref,omitempty"`
	ExpiresAt          time.Time        `json:"expires_at"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// CreateParams is the snapshot written before any processor call
type CreateParams struct {
	OrganizationID     string
	CustomerID         *string
	ExternalCustomerID *string
	Price              *billing.Price
	Email              string
	Name               string
	SuccessURL         string
	CancelURL          string
}

// StoreConfig bounds metadata lifetimes
type StoreConfig struct {
	// TTL is the lifetime of pending metadata and of the processor session
	TTL time.Duration `json:"ttl" yaml:"ttl"`
	// ClaimLease is how long a processing row blocks other finalizers
	ClaimLease time.Duration `json:"claim_lease" yaml:"claim_lease"`
}

// DefaultStoreConfig returns the default metadata lifetimes
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		TTL:        24 * time.Hour,
		ClaimLease: 10 * time.Minute,
	}
}

// Store persists checkout metadata in the checkout_metadata table
type Store struct {
	store  *store.Store
	config StoreConfig
	now    func() time.Time
}

// NewStore creates a metadata store
func NewStore(s *store.Store, config StoreConfig) *Store {
	defaults := DefaultStoreConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = defaults.ClaimLease
	}
	return &Store{store: s, config: config, now: time.Now}
}

const metadataColumns = `id, organization_id, customer_id, external_customer_id, product_id, price_id,
	email, name, amount, currency, billing_interval, success_url, cancel_url, status,
	subscription_id, checkout_session_ref, expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMetadata(row rowScanner) (*Metadata, error) {
	var m Metadata
	var customerID, externalID, subscriptionID, sessionRef sql.NullString
	err := row.Scan(
		&m.ID, &m.OrganizationID, &customerID, &externalID, &m.ProductID, &m.PriceID,
		&m.Email, &m.Name, &m.Amount, &m.Currency, &m.Interval, &m.SuccessURL, &m.CancelURL, &m.Status,
		&subscriptionID, &sessionRef, &m.ExpiresAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.CustomerID = fromNull(customerID)
	m.ExternalCustomerID = fromNull(externalID)
	m.SubscriptionID = fromNull(subscriptionID)
	m.CheckoutSessionRef = fromNull(sessionRef)
	return &m, nil
}

func fromNull(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func toNull(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// Create writes pending metadata expiring after the configured TTL
func (s *Store) Create(ctx context.Context, params CreateParams) (*Metadata, error) {
	now := s.now().UTC()
	m := &Metadata{
		ID:                 uuid.NewString(),
		OrganizationID:     params.OrganizationID,
		CustomerID:         params.CustomerID,
		ExternalCustomerID: params.ExternalCustomerID,
		ProductID:          params.Price.ProductID,
		PriceID:            params.Price.ID,
		Email:              params.Email,
		Name:               params.Name,
		Amount:             params.Price.Amount,
		Currency:           params.Price.Currency,
		Interval:           params.Price.Interval,
		SuccessURL:         params.SuccessURL,
		CancelURL:          params.CancelURL,
		Status:             StatusPending,
		ExpiresAt:          now.Add(s.config.TTL),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.store.Do(ctx, "create_checkout_metadata", func(ctx context.Context) error {
		_, err := s.store.DB().ExecContext(ctx, `
			INSERT INTO checkout_metadata (id, organization_id, customer_id, external_customer_id, product_id,
				price_id, email, name, amount, currency, billing_interval, success_url, cancel_url, status,
				expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`,
			m.ID, m.OrganizationID, toNull(m.CustomerID), toNull(m.ExternalCustomerID), m.ProductID,
			m.PriceID, m.Email, m.Name, m.Amount, m.Currency, string(m.Interval), m.SuccessURL, m.CancelURL,
			string(m.Status), m.ExpiresAt, now,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout metadata: %w", err)
	}
	return m, nil
}

// Get reads metadata by id. Pending metadata past its expiry is flipped to
// expired on read; expired metadata always yields ErrCheckoutExpired.
func (s *Store) Get(ctx context.Context, id string) (*Metadata, error) {
	var m *Metadata
	err := s.store.Do(ctx, "get_checkout_metadata", func(ctx context.Context) error {
		var err error
		m, err = scanMetadata(s.store.DB().QueryRowContext(ctx,
			`SELECT `+metadataColumns+` FROM checkout_metadata WHERE id = $1`, id))
		return err
	})
	if store.IsNotFound(err) {
		return nil, ErrCheckoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout metadata %s: %w", id, err)
	}

	switch {
	case m.Status == StatusExpired:
		return nil, ErrCheckoutExpired
	case m.Status == StatusPending && !s.now().Before(m.ExpiresAt):
		if err := s.expire(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrCheckoutExpired
	}
	return m, nil
}

func (s *Store) expire(ctx context.Context, id string) error {
	err := s.store.Do(ctx, "expire_checkout_metadata", func(ctx context.Context) error {
		_, err := s.store.DB().ExecContext(ctx, `
			UPDATE checkout_metadata SET status = 'expired', updated_at = $2
			WHERE id = $1 AND status = 'pending'`,
			id, s.now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to expire checkout metadata %s: %w", id, err)
	}
	return nil
}

// LinkToCheckoutRef records the processor session created for the metadata
func (s *Store) LinkToCheckoutRef(ctx context.Context, id, checkoutRef string) error {
	return s.update(ctx, "link_checkout_metadata", id, `
		UPDATE checkout_metadata SET checkout_session_ref = $2, updated_at = $3 WHERE id = $1`,
		id, checkoutRef, s.now().UTC(),
	)
}

// UpdateStatus sets the status and, when given, the created subscription
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, subscriptionID *string) error {
	return s.update(ctx, "update_checkout_status", id, `
		UPDATE checkout_metadata
		SET status = $2, subscription_id = COALESCE($3, subscription_id), updated_at = $4
		WHERE id = $1`,
		id, string(status), toNull(subscriptionID), s.now().UTC(),
	)
}

func (s *Store) update(ctx context.Context, op, id, query string, args ...interface{}) error {
	var affected int64
	err := s.store.Do(ctx, op, func(ctx context.Context) error {
		res, err := s.store.DB().ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update checkout metadata %s: %w", id, err)
	}
	if affected == 0 {
		return ErrCheckoutNotFound
	}
	return nil
}

// Claim moves metadata to processing for exactly one finalizer. Expired
// rows stay claimable: the processor session shares the metadata expiry, so
// a completed session may be reported after the row was lazily expired.
// A processing row whose lease ran out belongs to a crashed finalizer.
func (s *Store) Claim(ctx context.Context, id string) (*Metadata, error) {
	now := s.now().UTC()
	var m *Metadata
	err := s.store.Do(ctx, "claim_checkout_metadata", func(ctx context.Context) error {
		var err error
		m, err = scanMetadata(s.store.DB().QueryRowContext(ctx, `
			UPDATE checkout_metadata SET status = 'processing', updated_at = $2
			WHERE id = $1
			  AND (status IN ('pending', 'expired') OR (status = 'processing' AND updated_at < $3))
			RETURNING `+metadataColumns,
			id, now, now.Add(-s.config.ClaimLease),
		))
		return err
	})
	if err == nil {
		return m, nil
	}
	if !store.IsNotFound(err) {
		return nil, fmt.Errorf("failed to claim checkout metadata %s: %w", id, err)
	}

	var exists bool
	err = s.store.Do(ctx, "checkout_metadata_exists", func(ctx context.Context) error {
		return s.store.DB().QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM checkout_metadata WHERE id = $1)`, id,
		).Scan(&exists)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim checkout metadata %s: %w", id, err)
	}
	if !exists {
		return nil, ErrCheckoutNotFound
	}
	return nil, ErrAlreadyClaimed
}
