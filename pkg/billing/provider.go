package billing

import (
	"context"
	"time"
)

// Provider is the generic interface any billing backend must implement.
// It is constructed explicitly and injected; nothing in this module reaches
// for ambient provider state.
type Provider interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// Configured reports whether the provider has the credentials it needs
	// for both webhook verification and outbound API calls.
	Configured() bool

	// VerifyWebhook checks payload authenticity against the signature header
	// and decodes the payload into a typed Event. Returns
	// ErrInvalidWebhookSignature or ErrInvalidWebhookPayload on failure.
	VerifyWebhook(payload []byte, signature string) (*Event, error)

	// ListSubscriptions fetches up to limit subscription records across all
	// provider statuses, for reconciliation.
	ListSubscriptions(ctx context.Context, limit int) ([]ProviderSubscription, error)

	// CheckoutURL creates a hosted checkout session for the given user and
	// provider price, returning the redirect URL. The metadata it injects is
	// what the checkout-completed webhook handler later reads.
	CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error)
}

// ProviderSubscription is the provider's current view of one subscription,
// as returned by ListSubscriptions.
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	Status            string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// CheckoutRequest describes a checkout session to create.
type CheckoutRequest struct {
	UserID     string
	PlanID     string
	PriceID    string
	CustomerID string // optional; reuses an existing provider customer
	SuccessURL string
	CancelURL  string
}
