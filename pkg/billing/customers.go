package billing

import (
	"context"
	"database/sql"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/store"
)

// CustomerService creates and updates customers under a per-identity
// advisory lock
type CustomerService struct {
	repo   *PostgresRepository
	logger *observability.Logger
}

// NewCustomerService creates a new CustomerService
func NewCustomerService(repo *PostgresRepository, logger *observability.Logger) *CustomerService {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &CustomerService{
		repo:   repo,
		logger: logger.WithField("component", "customers"),
	}
}

// CustomerLockKey is the advisory lock key for one customer identity
func CustomerLockKey(organizationID string, externalID *string, email string) string {
	if externalID != nil && *externalID != "" {
		return "customer:" + organizationID + ":" + *externalID
	}
	return "customer:" + organizationID + ":" + strings.ToLower(email)
}

func validateUpsert(req *UpsertCustomerRequest) error {
	if req.OrganizationID == "" {
		return Validation("organization_id is required")
	}
	if strings.TrimSpace(req.Email) == "" {
		return Validation("email is required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return Validation("email is invalid")
	}
	if req.ExternalID != nil && strings.TrimSpace(*req.ExternalID) == "" {
		return Validation("external_id cannot be blank")
	}
	return nil
}

// Upsert resolves a customer by external id or email and creates or updates
// it. It reports whether a new customer was created.
func (s *CustomerService) Upsert(ctx context.Context, req *UpsertCustomerRequest) (*Customer, bool, error) {
	if err := validateUpsert(req); err != nil {
		return nil, false, err
	}

	address, err := marshalJSON(req.BillingAddress)
	if err != nil {
		return nil, false, Validation("billing_address is invalid")
	}
	metadata, err := marshalJSON(req.Metadata)
	if err != nil {
		return nil, false, Validation("metadata is invalid")
	}

	var id string
	var created bool
	key := CustomerLockKey(req.OrganizationID, req.ExternalID, req.Email)
	err = s.repo.store.WithLock(ctx, key, func(ctx context.Context) error {
		return s.repo.store.CallAtomic(ctx, store.ProcUpsertCustomer, func(row *sql.Row) error {
			return row.Scan(&id, &created)
		},
			uuid.NewString(), req.OrganizationID, nullString(req.ExternalID), req.Email, req.Name,
			address, metadata,
		)
	})
	if err != nil {
		return nil, false, classifyCustomerError(err)
	}

	customer, err := s.repo.GetCustomer(ctx, id)
	if err != nil {
		return nil, false, err
	}

	s.logger.WithFields(map[string]interface{}{
		"customer_id":     id,
		"organization_id": req.OrganizationID,
		"created":         created,
	}).Info("Customer upserted")
	return customer, created, nil
}

// SoftDelete marks a customer deleted
func (s *CustomerService) SoftDelete(ctx context.Context, organizationID, id string) error {
	if err := s.repo.SoftDeleteCustomer(ctx, organizationID, id); err != nil {
		return err
	}
	s.logger.WithField("customer_id", id).Info("Customer soft-deleted")
	return nil
}

func classifyCustomerError(err error) error {
	switch {
	case store.ConstraintName(err) == "customers_external_id_immutable":
		return NewError(KindConflict, ErrExternalIDImmutable.Error(), err)
	case store.IsUniqueViolation(err):
		return NewError(KindConflict, ErrDuplicateCustomer.Error(), err)
	case store.KindOf(err).Retryable():
		return NewError(KindTransient, "customer store temporarily unavailable", err)
	default:
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
}
