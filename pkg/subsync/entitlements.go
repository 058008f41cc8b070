package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/subledger/pkg/audit"
	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/processor"
)

const manualResyncEventID = "manual_resync"

// ResyncResult counts what a resync changed
type ResyncResult struct {
	Granted int `json:"granted"`
	Revoked int `json:"revoked"`
	Skipped int `json:"skipped"`
}

func (s *Synchronizer) handleEntitlementGranted(ctx context.Context, evt *processor.Event) error {
	payload, ok := evt.Payload.(*processor.EntitlementPayload)
	if !ok {
		return unexpectedPayload(evt)
	}

	entry := &audit.EntitlementSyncEntry{
		EventID:        evt.ID,
		EntitlementRef: strPtr(payload.Ref),
		Action:         audit.EntitlementActionGrant,
	}
	if evt.Type == processor.EventEntitlementUpdated {
		entry.Action = audit.EntitlementActionUpdate
	}

	err := s.applyGrant(ctx, evt, payload, entry)
	s.recordSync(ctx, entry, err)
	return s.skipOutOfScope(evt, err)
}

func (s *Synchronizer) applyGrant(ctx context.Context, evt *processor.Event, payload *processor.EntitlementPayload, entry *audit.EntitlementSyncEntry) error {
	feature, customer, err := s.resolve(ctx, payload.FeatureRef, payload.CustomerRef, entry)
	if err != nil {
		return err
	}
	sub, err := s.repo.LatestLiveSubscription(ctx, customer.ID)
	if err != nil {
		return err
	}

	inserted, err := s.repo.UpsertGrant(ctx, billing.FeatureGrant{
		CustomerID:              customer.ID,
		SubscriptionID:          sub.ID,
		FeatureID:               feature.ID,
		GrantedAt:               s.eventTime(evt),
		ProcessorEntitlementRef: strPtr(payload.Ref),
		SyncStatus:              billing.SyncStatusSynced,
	})
	if err != nil {
		return err
	}
	s.logger.WithEvent(evt.ID, string(evt.Type)).WithFields(map[string]interface{}{
		"customer_id":     customer.ID,
		"feature_id":      feature.ID,
		"subscription_id": sub.ID,
		"inserted":        inserted,
	}).Info("Feature grant synced")
	return nil
}

func (s *Synchronizer) handleEntitlementRevoked(ctx context.Context, evt *processor.Event) error {
	payload, ok := evt.Payload.(*processor.EntitlementPayload)
	if !ok {
		return unexpectedPayload(evt)
	}

	entry := &audit.EntitlementSyncEntry{
		EventID:        evt.ID,
		EntitlementRef: strPtr(payload.Ref),
		Action:         audit.EntitlementActionRevoke,
	}
	err := s.applyRevoke(ctx, evt, payload, entry)
	s.recordSync(ctx, entry, err)
	return s.skipOutOfScope(evt, err)
}

func (s *Synchronizer) applyRevoke(ctx context.Context, evt *processor.Event, payload *processor.EntitlementPayload, entry *audit.EntitlementSyncEntry) error {
	at := s.eventTime(evt)
	if payload.Ref != "" {
		revoked, err := s.repo.RevokeGrantByEntitlementRef(ctx, payload.Ref, at)
		if err != nil || revoked {
			return err
		}
	}

	// The grant was never linked to the entitlement; fall back to the
	// customer's grants of the feature.
	feature, customer, err := s.resolve(ctx, payload.FeatureRef, payload.CustomerRef, entry)
	if err != nil {
		return err
	}
	revoked, err := s.repo.RevokeCustomerFeature(ctx, customer.ID, feature.ID, at)
	if err != nil {
		return err
	}
	s.logger.WithEvent(evt.ID, string(evt.Type)).WithFields(map[string]interface{}{
		"customer_id": customer.ID,
		"feature_id":  feature.ID,
		"revoked":     revoked,
	}).Info("Feature grants revoked")
	return nil
}

func (s *Synchronizer) handleEntitlementSummary(ctx context.Context, evt *processor.Event) error {
	payload, ok := evt.Payload.(*processor.EntitlementPayload)
	if !ok {
		return unexpectedPayload(evt)
	}
	customer, err := s.repo.GetCustomerByProcessorRef(ctx, payload.CustomerRef)
	if err != nil {
		return s.skipOutOfScope(evt, err)
	}

	result, err := s.reconcile(ctx, evt.ID, customer, payload.Summary, s.eventTime(evt))
	s.logger.WithEvent(evt.ID, string(evt.Type)).WithFields(map[string]interface{}{
		"customer_id": customer.ID,
		"granted":     result.Granted,
		"revoked":     result.Revoked,
		"skipped":     result.Skipped,
	}).Info("Entitlement summary applied")
	return err
}

// ResyncEntitlements compares the processor's active entitlements of a
// customer with the local grants, granting missing ones and revoking
// processor-linked grants the processor no longer reports. Customers of
// another organization are reported as not found.
func (s *Synchronizer) ResyncEntitlements(ctx context.Context, organizationID, customerID string) (ResyncResult, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return ResyncResult{}, err
	}
	if customer.OrganizationID != organizationID {
		return ResyncResult{}, billing.ErrCustomerNotFound
	}
	if customer.ProcessorCustomerRef == nil {
		return ResyncResult{}, billing.Validation("customer has no processor reference")
	}

	var account string
	acct, err := s.repo.GetAccountByOrganization(ctx, customer.OrganizationID)
	switch {
	case err == nil:
		account = acct.AccountRef
	case !errors.Is(err, billing.ErrNotFound):
		return ResyncResult{}, err
	}

	active, err := s.entitlements.ListActiveEntitlements(ctx, account, *customer.ProcessorCustomerRef)
	if err != nil {
		return ResyncResult{}, billing.NewError(billing.KindTransient, "failed to list processor entitlements", err)
	}
	return s.reconcile(ctx, manualResyncEventID, customer, active, s.now())
}

func (s *Synchronizer) reconcile(ctx context.Context, eventID string, customer *billing.Customer, active []processor.Entitlement, at time.Time) (ResyncResult, error) {
	var result ResyncResult

	grants, err := s.repo.ListLiveGrantsForCustomer(ctx, customer.ID)
	if err != nil {
		return result, err
	}
	sub, err := s.repo.LatestLiveSubscription(ctx, customer.ID)
	if err != nil && !errors.Is(err, billing.ErrNotFound) {
		return result, err
	}

	var errs []error
	wanted := make(map[string]bool, len(active))
	for _, ent := range active {
		entry := &audit.EntitlementSyncEntry{
			EventID:        eventID,
			CustomerID:     strPtr(customer.ID),
			EntitlementRef: strPtr(ent.Ref),
			Action:         audit.EntitlementActionResync,
		}

		feature, err := s.repo.GetFeatureByProcessorRef(ctx, ent.FeatureRef)
		if err != nil {
			s.recordSync(ctx, entry, err)
			if !errors.Is(err, billing.ErrNotFound) {
				errs = append(errs, err)
			}
			result.Skipped++
			continue
		}
		entry.FeatureID = strPtr(feature.ID)
		wanted[feature.ID] = true

		if sub == nil {
			s.recordSync(ctx, entry, billing.ErrSubscriptionNotFound)
			result.Skipped++
			continue
		}

		inserted, err := s.repo.UpsertGrant(ctx, billing.FeatureGrant{
			CustomerID:              customer.ID,
			SubscriptionID:          sub.ID,
			FeatureID:               feature.ID,
			GrantedAt:               at,
			ProcessorEntitlementRef: strPtr(ent.Ref),
			SyncStatus:              billing.SyncStatusSynced,
		})
		s.recordSync(ctx, entry, err)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if inserted {
			result.Granted++
		}
	}

	// Grants created locally from the product catalog carry no processor
	// reference and are left alone.
	for _, g := range grants {
		if g.ProcessorEntitlementRef == nil || wanted[g.FeatureID] {
			continue
		}
		revoked, err := s.repo.RevokeGrantByEntitlementRef(ctx, *g.ProcessorEntitlementRef, at)
		s.recordSync(ctx, &audit.EntitlementSyncEntry{
			EventID:        eventID,
			CustomerID:     strPtr(customer.ID),
			FeatureID:      strPtr(g.FeatureID),
			EntitlementRef: g.ProcessorEntitlementRef,
			Action:         audit.EntitlementActionRevoke,
		}, err)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if revoked {
			result.Revoked++
		}
	}

	if err := errors.Join(errs...); err != nil {
		return result, fmt.Errorf("failed to reconcile entitlements of customer %s: %w", customer.ID, err)
	}
	return result, nil
}

// resolve maps processor feature and customer references to local rows,
// filling the audit entry as it goes
func (s *Synchronizer) resolve(ctx context.Context, featureRef, customerRef string, entry *audit.EntitlementSyncEntry) (*billing.Feature, *billing.Customer, error) {
	feature, err := s.repo.GetFeatureByProcessorRef(ctx, featureRef)
	if err != nil {
		return nil, nil, err
	}
	entry.FeatureID = strPtr(feature.ID)

	customer, err := s.repo.GetCustomerByProcessorRef(ctx, customerRef)
	if err != nil {
		return nil, nil, err
	}
	entry.CustomerID = strPtr(customer.ID)
	return feature, customer, nil
}

// recordSync writes the side audit row; its failure is only logged
func (s *Synchronizer) recordSync(ctx context.Context, entry *audit.EntitlementSyncEntry, cause error) {
	entry.Timestamp = s.now()
	entry.Status = audit.StatusFor(cause)
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	if err := s.audit.LogEntitlementSync(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("event_id", entry.EventID).Warn("Failed to write entitlement sync audit")
	}
}

// skipOutOfScope drops errors about entities that are not tracked locally
func (s *Synchronizer) skipOutOfScope(evt *processor.Event, err error) error {
	if errors.Is(err, billing.ErrNotFound) {
		s.logger.WithEvent(evt.ID, string(evt.Type)).WithError(err).Info("Entitlement outside local scope, skipping")
		return nil
	}
	return err
}

func (s *Synchronizer) eventTime(evt *processor.Event) time.Time {
	if evt.Created.IsZero() {
		return s.now()
	}
	return evt.Created
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
