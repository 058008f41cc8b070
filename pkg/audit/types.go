package audit

import (
	"time"
)

// EventType is the category of an audit entry
type EventType string

const (
	EventTypeRefund          EventType = "billing.refund"
	EventTypeEntitlementSync EventType = "billing.entitlement_sync"
)

// EventStatus is the outcome of an audited action
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
)

// StatusFor maps an error to an outcome
func StatusFor(err error) EventStatus {
	if err != nil {
		return EventStatusFailure
	}
	return EventStatusSuccess
}

// RefundEntry records one attempt to refund a captured payment
type RefundEntry struct {
	Timestamp    time.Time   `json:"timestamp"`
	PaymentRef   string      `json:"payment_ref"`
	RefundRef    *string     `json:"refund_ref,omitempty"`
	Amount       *int64      `json:"amount,omitempty"`
	Reason       string      `json:"reason"`
	Status       EventStatus `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// EntitlementAction is what a sync did to a grant
type EntitlementAction string

const (
	EntitlementActionGrant  EntitlementAction = "grant"
	EntitlementActionUpdate EntitlementAction = "update"
	EntitlementActionRevoke EntitlementAction = "revoke"
	EntitlementActionResync EntitlementAction = "resync"
)

// EntitlementSyncEntry records one processor entitlement applied locally
type EntitlementSyncEntry struct {
	Timestamp      time.Time         `json:"timestamp"`
	EventID        string            `json:"event_id"`
	CustomerID     *string           `json:"customer_id,omitempty"`
	FeatureID      *string           `json:"feature_id,omitempty"`
	EntitlementRef *string           `json:"entitlement_ref,omitempty"`
	Action         EntitlementAction `json:"action"`
	Status         EventStatus       `json:"status"`
	ErrorMessage   string            `json:"error_message,omitempty"`
}
