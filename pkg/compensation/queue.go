package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/store"
)

// ErrItemNotFound is returned when resolving an unknown or already resolved item
var ErrItemNotFound = errors.New("reconciliation item not found")

// ItemType is the failure category of a reconciliation item
type ItemType string

const (
	ItemAutomaticRefund        ItemType = "automatic_refund"
	ItemRefundFailed           ItemType = "refund_failed"
	ItemCompensationFailed     ItemType = "compensation_failed"
	ItemSyncFailed             ItemType = "sync_failed"
	ItemScheduledChangeFailed  ItemType = "scheduled_change_failed"
	ItemWebhookRetriesExceeded ItemType = "webhook_retries_exceeded"
	ItemDuplicateSubscription  ItemType = "duplicate_subscription"
	// ItemUntrackedCharge is a payment on a processor subscription this
	// service started but holds no local row for
	ItemUntrackedCharge ItemType = "untracked_charge"
	// ItemChangeUnrecorded is a scheduled change that was applied but could
	// not be marked completed
	ItemChangeUnrecorded ItemType = "scheduled_change_unrecorded"
	// ItemChangeStalled is a scheduled change left in processing past its lease
	ItemChangeStalled ItemType = "scheduled_change_stalled"
)

// Priority orders the queue; higher is handled first
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// ItemStatus is the lifecycle of a reconciliation item
type ItemStatus string

const (
	ItemStatusOpen     ItemStatus = "open"
	ItemStatusResolved ItemStatus = "resolved"
)

// Item is a failure that needs a human or a later sweep to reconcile
type Item struct {
	ID           string         `json:"id"`
	Type         ItemType       `json:"type"`
	ReferenceID  string         `json:"reference_id"`
	Status       ItemStatus     `json:"status"`
	Priority     Priority       `json:"priority"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Resolution   *string        `json:"resolution,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

// NewItem builds an open item from a failure
func NewItem(itemType ItemType, referenceID string, priority Priority, cause error, details map[string]any) Item {
	item := Item{
		Type:        itemType,
		ReferenceID: referenceID,
		Priority:    priority,
		Details:     details,
	}
	if cause != nil {
		msg := cause.Error()
		item.ErrorMessage = &msg
	}
	return item
}

// Queue is the append-only reconciliation queue
type Queue struct {
	store   *store.Store
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewQueue creates a reconciliation queue on the datastore
func NewQueue(s *store.Store, logger *observability.Logger, metrics *observability.Metrics) *Queue {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Queue{
		store:   s,
		logger:  logger.WithField("component", "reconciliation"),
		metrics: metrics,
	}
}

// Enqueue appends an open item and returns its id
func (q *Queue) Enqueue(ctx context.Context, item Item) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Priority == 0 {
		item.Priority = PriorityNormal
	}
	details := item.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to marshal details: %w", err)
	}

	query := `
		INSERT INTO reconciliation_queue (id, type, reference_id, status, priority, error_message, details)
		VALUES ($1, $2, $3, 'open', $4, $5, $6)
	`
	err = q.store.Do(ctx, "enqueue_reconciliation", func(ctx context.Context) error {
		_, err := q.store.DB().ExecContext(ctx, query,
			item.ID, string(item.Type), item.ReferenceID, int(item.Priority), item.ErrorMessage, detailsJSON,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue reconciliation item: %w", err)
	}

	if q.metrics != nil {
		q.metrics.ReconciliationItemsTotal.WithLabelValues(string(item.Type)).Inc()
	}
	q.logger.WithFields(map[string]interface{}{
		"item_id":      item.ID,
		"type":         string(item.Type),
		"reference_id": item.ReferenceID,
		"priority":     int(item.Priority),
	}).Warn("Reconciliation item enqueued")
	return item.ID, nil
}

// ListFilter selects queue items
type ListFilter struct {
	Status ItemStatus
	Limit  int
}

// List returns items with the given status, highest priority then oldest first
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Item, error) {
	if filter.Status == "" {
		filter.Status = ItemStatusOpen
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	query := `
		SELECT id, type, reference_id, status, priority, error_message, details, resolution,
		       created_at, resolved_at
		FROM reconciliation_queue
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`
	var items []*Item
	err := q.store.Do(ctx, "list_reconciliation", func(ctx context.Context) error {
		items = items[:0]
		rows, err := q.store.DB().QueryContext(ctx, query, string(filter.Status), filter.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			item := &Item{}
			var details []byte
			if err := rows.Scan(
				&item.ID, &item.Type, &item.ReferenceID, &item.Status, &item.Priority, &item.ErrorMessage,
				&details, &item.Resolution, &item.CreatedAt, &item.ResolvedAt,
			); err != nil {
				return err
			}
			if len(details) > 0 {
				if err := json.Unmarshal(details, &item.Details); err != nil {
					return fmt.Errorf("failed to unmarshal details: %w", err)
				}
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation items: %w", err)
	}
	return items, nil
}

// Resolve closes an open item with a resolution note
func (q *Queue) Resolve(ctx context.Context, id, resolution string) error {
	query := `
		UPDATE reconciliation_queue
		SET status = 'resolved', resolution = $1, resolved_at = NOW()
		WHERE id = $2 AND status = 'open'
	`
	var affected int64
	err := q.store.Do(ctx, "resolve_reconciliation", func(ctx context.Context) error {
		res, err := q.store.DB().ExecContext(ctx, query, resolution, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation item: %w", err)
	}
	if affected == 0 {
		return ErrItemNotFound
	}

	q.logger.WithFields(map[string]interface{}{
		"item_id":    id,
		"resolution": resolution,
	}).Info("Reconciliation item resolved")
	return nil
}

// Report enqueues an item and logs instead of returning an enqueue failure.
// It is the sink for best-effort paths that have nowhere to surface an error.
func (q *Queue) Report(ctx context.Context, item Item) {
	if _, err := q.Enqueue(ctx, item); err != nil {
		fields := map[string]interface{}{
			"type":         string(item.Type),
			"reference_id": item.ReferenceID,
			"priority":     int(item.Priority),
		}
		if item.ErrorMessage != nil {
			fields["cause"] = *item.ErrorMessage
		}
		q.logger.WithError(err).WithFields(fields).Error("Failed to enqueue reconciliation item")
	}
}
