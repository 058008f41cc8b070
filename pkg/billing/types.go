package billing

import (
	"time"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	// SubscriptionStatusCancelled marks a subscription replaced by a scheduled downgrade
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusEnded     SubscriptionStatus = "ended"
	SubscriptionStatusUnpaid    SubscriptionStatus = "unpaid"
)

// Live reports whether the subscription currently confers access
func (s SubscriptionStatus) Live() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing || s == SubscriptionStatusPastDue
}

// Interval is a recurring billing interval
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Customer is a tenant's billable party
type Customer struct {
	ID                   string         `json:"id"`
	OrganizationID       string         `json:"organization_id"`
	ExternalID           *string        `json:"external_id,omitempty"`
	Email                string         `json:"email"`
	Name                 string         `json:"name,omitempty"`
	BillingAddress       map[string]any `json:"billing_address,omitempty"`
	ProcessorCustomerRef *string        `json:"processor_customer_ref,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	DeletedAt            *time.Time     `json:"deleted_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Product groups features sold under one or more prices
type Product struct {
	ID                  string  `json:"id"`
	OrganizationID      string  `json:"organization_id"`
	Name                string  `json:"name"`
	Family              string  `json:"family,omitempty"`
	IsFree              bool    `json:"is_free"`
	ProcessorProductRef *string `json:"processor_product_ref,omitempty"`
}

// Price is a recurring amount in minor currency units
type Price struct {
	ID                string   `json:"id"`
	OrganizationID    string   `json:"organization_id"`
	ProductID         string   `json:"product_id"`
	Amount            int64    `json:"amount"`
	Currency          string   `json:"currency"`
	Interval          Interval `json:"interval"`
	IntervalCount     int      `json:"interval_count"`
	ProcessorPriceRef *string  `json:"processor_price_ref,omitempty"`
	Active            bool     `json:"active"`
}

// Paid reports whether the price moves money
func (p *Price) Paid() bool {
	return p.Amount > 0
}

// Feature is a unit of entitlement
type Feature struct {
	ID                  string  `json:"id"`
	OrganizationID      string  `json:"organization_id"`
	LookupKey           string  `json:"lookup_key"`
	Name                string  `json:"name"`
	ProcessorFeatureRef *string `json:"processor_feature_ref,omitempty"`
	UsageLimit          *int64  `json:"usage_limit,omitempty"`
}

// ProductFeature links a feature to a product with grant properties
type ProductFeature struct {
	ProductID  string         `json:"product_id"`
	FeatureID  string         `json:"feature_id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Subscription is the local mirror of a recurring billing agreement. A free
// subscription has no processor reference.
type Subscription struct {
	ID                       string             `json:"id"`
	OrganizationID           string             `json:"organization_id"`
	CustomerID               string             `json:"customer_id"`
	ProductID                string             `json:"product_id"`
	PriceID                  string             `json:"price_id"`
	Status                   SubscriptionStatus `json:"status"`
	Amount                   int64              `json:"amount"`
	Currency                 string             `json:"currency"`
	CurrentPeriodStart       time.Time          `json:"current_period_start"`
	CurrentPeriodEnd         time.Time          `json:"current_period_end"`
	TrialStart               *time.Time         `json:"trial_start,omitempty"`
	TrialEnd                 *time.Time         `json:"trial_end,omitempty"`
	ProcessorSubscriptionRef *string            `json:"processor_subscription_ref,omitempty"`
	CancelAtPeriodEnd        bool               `json:"cancel_at_period_end"`
	CanceledAt               *time.Time         `json:"canceled_at,omitempty"`
	LastEventAt              *time.Time         `json:"last_event_at,omitempty"`
	CreatedAt                time.Time          `json:"created_at"`
	UpdatedAt                time.Time          `json:"updated_at"`
}

// HasProcessorRef reports whether the subscription is billed by the processor
func (s *Subscription) HasProcessorRef() bool {
	return s.ProcessorSubscriptionRef != nil && *s.ProcessorSubscriptionRef != ""
}

// SyncStatus tracks whether a grant matches the processor's entitlement
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusFailed  SyncStatus = "failed"
)

// FeatureGrant is a customer's right to use a feature through a subscription
type FeatureGrant struct {
	ID                      string         `json:"id"`
	CustomerID              string         `json:"customer_id"`
	SubscriptionID          string         `json:"subscription_id"`
	FeatureID               string         `json:"feature_id"`
	GrantedAt               time.Time      `json:"granted_at"`
	RevokedAt               *time.Time     `json:"revoked_at,omitempty"`
	Properties              map[string]any `json:"properties,omitempty"`
	ProcessorEntitlementRef *string        `json:"processor_entitlement_ref,omitempty"`
	SyncStatus              SyncStatus     `json:"sync_status"`
}

// UsageQuota is the consumption counter of one grant for one billing period
type UsageQuota struct {
	ID             string    `json:"id"`
	GrantID        string    `json:"grant_id"`
	SubscriptionID string    `json:"subscription_id"`
	FeatureID      string    `json:"feature_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	ConsumedUnits  int64     `json:"consumed_units"`
	LimitUnits     *int64    `json:"limit_units,omitempty"`
}

// ProcessorAccount is a tenant's connected sub-account at the processor
type ProcessorAccount struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organization_id"`
	AccountRef       string    `json:"account_ref"`
	ChargesEnabled   bool      `json:"charges_enabled"`
	PayoutsEnabled   bool      `json:"payouts_enabled"`
	DetailsSubmitted bool      `json:"details_submitted"`
	Status           string    `json:"status"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AccountStatus derives a coarse status from the capability flags
func AccountStatus(chargesEnabled, payoutsEnabled, detailsSubmitted bool) string {
	switch {
	case chargesEnabled && payoutsEnabled:
		return "active"
	case detailsSubmitted:
		return "restricted"
	default:
		return "pending"
	}
}

// SubscriptionSync carries processor-reported lifecycle fields onto a
// subscription row
type SubscriptionSync struct {
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	EventAt            time.Time
}

// NewSubscription is the input to the atomic subscription create
type NewSubscription struct {
	OrganizationID           string
	CustomerID               string
	ProductID                string
	PriceID                  string
	Status                   SubscriptionStatus
	Amount                   int64
	Currency                 string
	CurrentPeriodStart       time.Time
	CurrentPeriodEnd         time.Time
	TrialEnd                 *time.Time
	ProcessorSubscriptionRef *string
}

// UpsertCustomerRequest is the input to CustomerService.Upsert
type UpsertCustomerRequest struct {
	OrganizationID string         `json:"organization_id"`
	ExternalID     *string        `json:"external_id,omitempty"`
	Email          string         `json:"email"`
	Name           string         `json:"name,omitempty"`
	BillingAddress map[string]any `json:"billing_address,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
