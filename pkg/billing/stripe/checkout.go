package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// CheckoutURL creates a Stripe Checkout Session in subscription mode and
// returns the hosted URL. The user and plan identifiers are injected into
// both the session and subscription metadata; the checkout-completed
// webhook handler requires them to create the local subscription.
func (p *Provider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	if p.client == nil {
		return "", billing.ErrProviderNotConfigured
	}
	if req.UserID == "" || req.PlanID == "" || req.PriceID == "" {
		return "", fmt.Errorf("user, plan and price are required for checkout")
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}

	params.AddMetadata("user_id", req.UserID)
	params.AddMetadata("plan_id", req.PlanID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata("user_id", req.UserID)
	params.SubscriptionData.AddMetadata("plan_id", req.PlanID)

	// Reuse the stored customer when there is one, so repeated checkouts do
	// not multiply Stripe customers.
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.ClientReferenceID = stripe.String(req.UserID)
	}

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	return session.URL, nil
}
