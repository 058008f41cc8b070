package planchange

import (
	"time"

	"github.com/platinummonkey/subledger/pkg/billing"
)

// ChangeType classifies a plan change by amount
type ChangeType string

const (
	ChangeUpgrade   ChangeType = "upgrade"
	ChangeDowngrade ChangeType = "downgrade"
	// ChangeLateral moves between different prices of equal amount
	ChangeLateral ChangeType = "lateral"
)

// Classify compares recurring amounts
func Classify(currentAmount, targetAmount int64) ChangeType {
	switch {
	case targetAmount > currentAmount:
		return ChangeUpgrade
	case targetAmount < currentAmount:
		return ChangeDowngrade
	default:
		return ChangeLateral
	}
}

// Timing is when a change takes effect
type Timing string

const (
	TimingImmediate Timing = "immediate"
	TimingPeriodEnd Timing = "period_end"
)

// ChangeStatus is the lifecycle of a recorded change
type ChangeStatus string

const (
	StatusScheduled  ChangeStatus = "scheduled"
	StatusProcessing ChangeStatus = "processing"
	StatusCompleted  ChangeStatus = "completed"
	StatusFailed     ChangeStatus = "failed"
)

// ProrationSource names who computed the proration
type ProrationSource string

const (
	SourceProcessor ProrationSource = "processor"
	SourceLocal     ProrationSource = "local"
	SourceNone      ProrationSource = "none"
)

var (
	ErrSamePlan         = billing.Validation("subscription is already on this price")
	ErrCurrencyMismatch = billing.Validation("target price uses a different currency")
	ErrCrossTenant      = billing.Validation("target price belongs to a different organization")
	ErrIntervalMismatch = billing.Validation("changing the billing interval is not supported")
	ErrAmountMismatch   = billing.Validation("confirmed amount no longer matches the quoted amount")
	ErrNotLive          = billing.Validation("subscription is not active")
)

// Request asks to move a subscription onto another price
type Request struct {
	OrganizationID string `json:"organization_id"`
	SubscriptionID string `json:"subscription_id"`
	TargetPriceID  string `json:"target_price_id"`
	// Timing defaults to period end for downgrades and immediate otherwise
	Timing Timing `json:"timing,omitempty"`
	// ConfirmedAmount, when set, must equal the quoted immediate payment
	ConfirmedAmount *int64 `json:"confirmed_amount,omitempty"`
}

// Preview is the side-effect free quote of a change
type Preview struct {
	SubscriptionID   string          `json:"subscription_id"`
	FromPriceID      string          `json:"from_price_id"`
	ToPriceID        string          `json:"to_price_id"`
	ChangeType       ChangeType      `json:"change_type"`
	Timing           Timing          `json:"timing"`
	Currency         string          `json:"currency"`
	CurrentAmount    int64           `json:"current_amount"`
	TargetAmount     int64           `json:"target_amount"`
	ProrationCredit  int64           `json:"proration_credit"`
	ProrationCharge  int64           `json:"proration_charge"`
	ImmediatePayment int64           `json:"immediate_payment"`
	EffectiveAt      time.Time       `json:"effective_at"`
	Source           ProrationSource `json:"proration_source"`
	QuotedAt         time.Time       `json:"quoted_at"`
}

// Change is a recorded plan change
type Change struct {
	ID              string       `json:"id"`
	SubscriptionID  string       `json:"subscription_id"`
	ChangeType      ChangeType   `json:"change_type"`
	FromPriceID     string       `json:"from_price_id"`
	ToPriceID       string       `json:"to_price_id"`
	ProrationCredit int64        `json:"proration_credit"`
	ProrationCharge int64        `json:"proration_charge"`
	NetAmount       int64        `json:"net_amount"`
	Currency        string       `json:"currency"`
	Status          ChangeStatus `json:"status"`
	ScheduledFor    *time.Time   `json:"scheduled_for,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	ErrorMessage    *string      `json:"error_message,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Result is the outcome of ChangePlan
type Result struct {
	Change  *Change  `json:"change"`
	Preview *Preview `json:"preview"`
}
