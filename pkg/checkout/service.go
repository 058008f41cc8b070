package checkout

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/processor"
)

// MetadataStore persists checkout metadata
type MetadataStore interface {
	Create(ctx context.Context, params CreateParams) (*Metadata, error)
	Get(ctx context.Context, id string) (*Metadata, error)
	LinkToCheckoutRef(ctx context.Context, id, checkoutRef string) error
	UpdateStatus(ctx context.Context, id string, status Status, subscriptionID *string) error
	Claim(ctx context.Context, id string) (*Metadata, error)
}

// Prices resolves catalog prices
type Prices interface {
	Price(ctx context.Context, id string) (*billing.Price, error)
}

// Directory resolves customers and processor accounts
type Directory interface {
	GetCustomer(ctx context.Context, id string) (*billing.Customer, error)
	GetAccountByOrganization(ctx context.Context, organizationID string) (*billing.ProcessorAccount, error)
}

// SessionCreator opens hosted processor checkouts
type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, account string, req processor.CheckoutSessionRequest) (*processor.CheckoutSession, error)
}

// StartRequest is a request to begin a paid checkout
type StartRequest struct {
	OrganizationID     string  `json:"organization_id" validate:"required"`
	PriceID            string  `json:"price_id" validate:"required"`
	CustomerID         *string `json:"customer_id,omitempty" validate:"omitempty,min=1"`
	ExternalCustomerID *string `json:"external_customer_id,omitempty" validate:"omitempty,min=1,max=255"`
	Email              string  `json:"email" validate:"required,email,max=320"`
	Name               string  `json:"name,omitempty" validate:"max=200"`
	SuccessURL         string  `json:"success_url" validate:"required,url"`
	CancelURL          string  `json:"cancel_url" validate:"required,url"`
}

// StartResult points the buyer at the hosted checkout
type StartResult struct {
	MetadataID string    `json:"metadata_id"`
	SessionRef string    `json:"session_ref"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Service begins checkouts. Every purchase parameter is written locally
// first; the processor session only carries the metadata id.
type Service struct {
	store     MetadataStore
	prices    Prices
	directory Directory
	sessions  SessionCreator
	validate  *validator.Validate
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewService creates a checkout Service
func NewService(metadata MetadataStore, prices Prices, directory Directory, sessions SessionCreator, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Service{
		store:     metadata,
		prices:    prices,
		directory: directory,
		sessions:  sessions,
		validate:  newValidator(),
		logger:    logger.WithField("component", "checkout"),
		metrics:   metrics,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

func (s *Service) validateRequest(req *StartRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return billing.Validation(fmt.Sprintf("invalid %s: failed %s check", fe.Field(), fe.Tag()))
	}
	return billing.NewError(billing.KindValidation, "invalid checkout request", err)
}

// Start validates the request, writes pending metadata and opens the
// processor session
func (s *Service) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	req.Email = strings.TrimSpace(req.Email)

	price, err := s.checkPrice(ctx, req)
	if err != nil {
		return nil, err
	}

	var customerRef string
	if req.CustomerID != nil {
		customer, err := s.directory.GetCustomer(ctx, *req.CustomerID)
		if errors.Is(err, billing.ErrNotFound) || (err == nil && customer.OrganizationID != req.OrganizationID) {
			return nil, billing.Validation("customer does not exist")
		}
		if err != nil {
			return nil, err
		}
		if customer.ProcessorCustomerRef != nil {
			customerRef = *customer.ProcessorCustomerRef
		}
	}

	account, err := s.account(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}

	m, err := s.store.Create(ctx, CreateParams{
		OrganizationID:     req.OrganizationID,
		CustomerID:         req.CustomerID,
		ExternalCustomerID: req.ExternalCustomerID,
		Price:              price,
		Email:              req.Email,
		Name:               req.Name,
		SuccessURL:         req.SuccessURL,
		CancelURL:          req.CancelURL,
	})
	if err != nil {
		return nil, err
	}
	logger := s.logger.WithFields(map[string]interface{}{
		"metadata_id":     m.ID,
		"organization_id": m.OrganizationID,
		"price_id":        m.PriceID,
	})

	session, err := s.sessions.CreateCheckoutSession(ctx, account, processor.CheckoutSessionRequest{
		MetadataID:  m.ID,
		CustomerRef: customerRef,
		PriceRef:    *price.ProcessorPriceRef,
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
		ExpiresAt:   m.ExpiresAt,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to create checkout session")
		if uerr := s.store.UpdateStatus(ctx, m.ID, StatusFailed, nil); uerr != nil {
			logger.WithError(uerr).Warn("Failed to mark checkout metadata failed")
		}
		s.record(StatusFailed)
		return nil, billing.NewError(billing.KindTransient, "failed to create checkout session", err)
	}

	// Completion is resolved by metadata id, so a missing link only costs
	// lookups by session reference.
	if err := s.store.LinkToCheckoutRef(ctx, m.ID, session.Ref); err != nil {
		logger.WithError(err).Warn("Failed to link checkout session")
	}
	s.record(StatusPending)
	logger.WithField("session_ref", session.Ref).Info("Checkout started")

	return &StartResult{
		MetadataID: m.ID,
		SessionRef: session.Ref,
		URL:        session.URL,
		ExpiresAt:  m.ExpiresAt,
	}, nil
}

func (s *Service) checkPrice(ctx context.Context, req *StartRequest) (*billing.Price, error) {
	price, err := s.prices.Price(ctx, req.PriceID)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, billing.Validation("price does not exist")
	}
	if err != nil {
		return nil, err
	}
	switch {
	case price.OrganizationID != req.OrganizationID:
		// Indistinguishable from a missing price to the caller.
		return nil, billing.Validation("price does not exist")
	case !price.Active:
		return nil, billing.Validation("price is not available for purchase")
	case !price.Paid():
		return nil, billing.Validation("free prices do not require checkout")
	case price.ProcessorPriceRef == nil || *price.ProcessorPriceRef == "":
		return nil, billing.Validation("price is not published to the payment processor")
	}
	return price, nil
}

// account resolves the tenant's connected account. Tenants without one sell
// through the platform account.
func (s *Service) account(ctx context.Context, organizationID string) (string, error) {
	acct, err := s.directory.GetAccountByOrganization(ctx, organizationID)
	if errors.Is(err, billing.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !acct.ChargesEnabled {
		return "", billing.Validation("payment account cannot accept charges yet")
	}
	return acct.AccountRef, nil
}

// Get returns the tenant's checkout metadata
func (s *Service) Get(ctx context.Context, organizationID, id string) (*Metadata, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.OrganizationID != organizationID {
		return nil, ErrCheckoutNotFound
	}
	return m, nil
}

func (s *Service) record(status Status) {
	if s.metrics != nil {
		s.metrics.CheckoutsTotal.WithLabelValues(string(status)).Inc()
	}
}
