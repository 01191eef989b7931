package subsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// Event handlers. Each applies a bounded, idempotent mutation to the local
// subscription record. An event referencing a subscription this system has
// no record of is logged and dropped, never escalated: the next
// status-bearing event (or reconciliation) corrects the gap.

// handleCheckoutCompleted creates the provisional subscription for a
// completed subscription-mode checkout. The provider's authoritative period
// end is not known yet, so a default expiry is stamped; the first
// subscription-updated event overwrites it.
func (p *Processor) handleCheckoutCompleted(ctx context.Context, event *billing.Event, payload billing.CheckoutCompleted) error {
	if payload.Mode != billing.ModeSubscription {
		p.logger.Debug("ignoring non-subscription checkout",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "session_id", Value: payload.SessionID})
		return nil
	}

	userID := payload.Metadata["user_id"]
	planID := payload.Metadata["plan_id"]
	if userID == "" || planID == "" {
		return fmt.Errorf("%w: checkout session %s needs user_id and plan_id", ErrMissingMetadata, payload.SessionID)
	}
	if payload.SubscriptionID == "" {
		return fmt.Errorf("%w: checkout session %s carries no subscription id", ErrMissingMetadata, payload.SessionID)
	}

	// Persisted before the existence check so a redelivery after a partial
	// failure still lands the customer id on the user record.
	if payload.CustomerID != "" {
		if err := p.store.SetUserProviderCustomerID(ctx, userID, payload.CustomerID); err != nil {
			return fmt.Errorf("failed to persist provider customer id: %w", err)
		}
	}

	// Re-delivery or a raced async-payment event may have created it already.
	if _, err := p.store.GetSubscriptionByProviderID(ctx, payload.SubscriptionID); err == nil {
		p.logger.Debug("subscription already exists for checkout",
			Field{Key: "provider_subscription_id", Value: payload.SubscriptionID})
		return nil
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return err
	}

	// At most one active subscription per user.
	expired, err := p.store.ExpireActiveSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to expire previous subscriptions: %w", err)
	}
	if expired > 0 {
		p.logger.Info("expired previous active subscriptions",
			Field{Key: "user_id", Value: userID},
			Field{Key: "count", Value: expired})
	}

	now := p.now().UTC()
	sub := &Subscription{
		ID:                     uuid.NewString(),
		UserID:                 userID,
		PlanID:                 planID,
		ProviderSubscriptionID: payload.SubscriptionID,
		ProviderCustomerID:     payload.CustomerID,
		Status:                 StatusActive,
		ProviderStatus:         ProviderStatusActive,
		StartsAt:               now,
		ExpiresAt:              now.Add(DefaultProvisionalPeriod),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := p.store.InsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}

	p.metrics.RecordStatusChange(p.provider.Name(), StatusExpired, StatusActive)
	p.logger.Info("subscription created from checkout",
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "user_id", Value: userID},
		Field{Key: "plan_id", Value: planID},
		Field{Key: "provider_subscription_id", Value: payload.SubscriptionID})
	return nil
}

// handleSubscriptionUpdated overwrites the local record with the provider's
// current view: raw status, derived canonical status, period end, and the
// cancellation flag.
func (p *Processor) handleSubscriptionUpdated(ctx context.Context, event *billing.Event, payload billing.SubscriptionUpdated) error {
	sub, err := p.store.GetSubscriptionByProviderID(ctx, payload.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			// Either not ours, or the update raced ahead of checkout
			// completion. The next event self-heals.
			p.logger.Warn("update for unknown subscription",
				Field{Key: "event_id", Value: event.ID},
				Field{Key: "provider_subscription_id", Value: payload.SubscriptionID})
			return nil
		}
		return err
	}

	// Deletion is an absolute override: a late or replayed update must not
	// resurrect a cancelled subscription.
	if sub.Status == StatusCancelled {
		p.logger.Debug("ignoring update for cancelled subscription",
			Field{Key: "subscription_id", Value: sub.ID})
		return nil
	}

	previous := sub.Status
	sub.ProviderStatus = payload.Status
	sub.Status = MapProviderStatus(payload.Status)
	sub.CancelAtPeriodEnd = payload.CancelAtPeriodEnd
	if !payload.CurrentPeriodEnd.IsZero() {
		sub.ExpiresAt = payload.CurrentPeriodEnd
	}
	sub.UpdatedAt = p.now().UTC()

	if err := p.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	if previous != sub.Status {
		p.metrics.RecordStatusChange(p.provider.Name(), previous, sub.Status)
	}
	p.logger.Info("subscription updated",
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "provider_status", Value: payload.Status},
		Field{Key: "status", Value: string(sub.Status)})
	return nil
}

// handleSubscriptionDeleted forces the terminal cancelled state.
func (p *Processor) handleSubscriptionDeleted(ctx context.Context, event *billing.Event, payload billing.SubscriptionDeleted) error {
	sub, err := p.store.GetSubscriptionByProviderID(ctx, payload.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			p.logger.Warn("deletion for unknown subscription",
				Field{Key: "event_id", Value: event.ID},
				Field{Key: "provider_subscription_id", Value: payload.SubscriptionID})
			return nil
		}
		return err
	}

	previous := sub.Status
	sub.Status = StatusCancelled
	sub.ProviderStatus = ProviderStatusCanceled
	sub.CancelAtPeriodEnd = false
	sub.UpdatedAt = p.now().UTC()

	if err := p.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	if previous != StatusCancelled {
		p.metrics.RecordStatusChange(p.provider.Name(), previous, StatusCancelled)
	}
	p.logger.Info("subscription cancelled",
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "user_id", Value: sub.UserID})
	return nil
}

// handleInvoicePaid restores an active state when a past-due subscription
// pays up. This duplicates what the matching subscription-updated event
// does; both paths stay, as defense against a delayed or lost update.
func (p *Processor) handleInvoicePaid(ctx context.Context, event *billing.Event, payload billing.InvoicePaid) error {
	if payload.SubscriptionID == "" {
		// One-off invoice, nothing to synchronize.
		return nil
	}

	sub, err := p.store.GetSubscriptionByProviderID(ctx, payload.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			p.logger.Warn("invoice paid for unknown subscription",
				Field{Key: "event_id", Value: event.ID},
				Field{Key: "provider_subscription_id", Value: payload.SubscriptionID})
			return nil
		}
		return err
	}

	if sub.ProviderStatus != ProviderStatusPastDue {
		return nil
	}

	previous := sub.Status
	sub.Status = StatusActive
	sub.ProviderStatus = ProviderStatusActive
	sub.UpdatedAt = p.now().UTC()

	if err := p.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to restore subscription: %w", err)
	}

	if previous != StatusActive {
		p.metrics.RecordStatusChange(p.provider.Name(), previous, StatusActive)
	}
	p.logger.Info("past-due subscription restored by paid invoice",
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "invoice_id", Value: payload.InvoiceID})
	return nil
}

// handleInvoicePaymentFailed stamps the failure for observability and moves
// the raw status to past-due. Cancellation only ever comes from the
// provider's own deletion event once its retry window is exhausted.
func (p *Processor) handleInvoicePaymentFailed(ctx context.Context, event *billing.Event, payload billing.InvoicePaymentFailed) error {
	if payload.SubscriptionID == "" {
		return nil
	}

	sub, err := p.store.GetSubscriptionByProviderID(ctx, payload.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			p.logger.Warn("invoice payment failed for unknown subscription",
				Field{Key: "event_id", Value: event.ID},
				Field{Key: "provider_subscription_id", Value: payload.SubscriptionID})
			return nil
		}
		return err
	}

	now := p.now().UTC()
	previous := sub.Status
	sub.LastPaymentFailedAt = &now
	sub.ProviderStatus = ProviderStatusPastDue
	sub.Status = MapProviderStatus(ProviderStatusPastDue)
	sub.UpdatedAt = now

	if err := p.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to record payment failure: %w", err)
	}

	if previous != sub.Status {
		p.metrics.RecordStatusChange(p.provider.Name(), previous, sub.Status)
	}
	p.logger.Warn("invoice payment failed",
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "user_id", Value: sub.UserID},
		Field{Key: "invoice_id", Value: payload.InvoiceID})
	return nil
}

// handleAsyncPaymentSucceeded confirms a delayed-payment checkout. When the
// local record does not exist yet the checkout-completed event for the same
// session is expected to create it, so absence is not a warning condition.
func (p *Processor) handleAsyncPaymentSucceeded(ctx context.Context, event *billing.Event, payload billing.AsyncPaymentSucceeded) error {
	if payload.Mode != billing.ModeSubscription || payload.SubscriptionID == "" {
		return nil
	}

	sub, err := p.store.GetSubscriptionByProviderID(ctx, payload.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			p.logger.Debug("async payment succeeded before checkout completion",
				Field{Key: "event_id", Value: event.ID},
				Field{Key: "provider_subscription_id", Value: payload.SubscriptionID})
			return nil
		}
		return err
	}

	previous := sub.Status
	sub.Status = StatusActive
	sub.ProviderStatus = ProviderStatusActive
	sub.UpdatedAt = p.now().UTC()

	if err := p.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}

	if previous != StatusActive {
		p.metrics.RecordStatusChange(p.provider.Name(), previous, StatusActive)
	}
	p.logger.Info("delayed payment confirmed",
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "session_id", Value: payload.SessionID})
	return nil
}

// handleAsyncPaymentFailed expires the provisional subscription created at
// checkout completion when the delayed payment never clears.
func (p *Processor) handleAsyncPaymentFailed(ctx context.Context, event *billing.Event, payload billing.AsyncPaymentFailed) error {
	if payload.Mode != billing.ModeSubscription || payload.SubscriptionID == "" {
		return nil
	}

	sub, err := p.store.GetSubscriptionByProviderID(ctx, payload.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			p.logger.Debug("async payment failed for unknown subscription",
				Field{Key: "event_id", Value: event.ID},
				Field{Key: "provider_subscription_id", Value: payload.SubscriptionID})
			return nil
		}
		return err
	}

	previous := sub.Status
	sub.Status = StatusExpired
	sub.ProviderStatus = ProviderStatusIncompleteExpired
	sub.UpdatedAt = p.now().UTC()

	if err := p.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to expire subscription: %w", err)
	}

	if previous != StatusExpired {
		p.metrics.RecordStatusChange(p.provider.Name(), previous, StatusExpired)
	}
	p.logger.Warn("delayed payment failed, subscription expired",
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "user_id", Value: sub.UserID})
	return nil
}
