package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// ListSubscriptions fetches up to limit subscriptions across all Stripe
// statuses, for the reconciliation comparator.
func (p *Provider) ListSubscriptions(ctx context.Context, limit int) ([]billing.ProviderSubscription, error) {
	if p.client == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	params := &stripe.SubscriptionListParams{}
	params.Status = stripe.String("all")
	if limit > 0 {
		params.Limit = stripe.Int64(int64(limit))
	}

	var out []billing.ProviderSubscription
	for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		out = append(out, toProviderSubscription(sub))
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}

func toProviderSubscription(sub *stripe.Subscription) billing.ProviderSubscription {
	ps := billing.ProviderSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		ps.CustomerID = sub.Customer.ID
	}

	// current_period_end lives on the subscription items since the 2025
	// API versions; take the latest across items.
	var periodEnd int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	if periodEnd > 0 {
		ps.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	return ps
}
