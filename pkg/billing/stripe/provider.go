// Package stripe implements the billing.Provider boundary against Stripe.
// Webhook payloads are verified and decoded here, once, into the typed
// event union; nothing downstream touches raw Stripe JSON.
package stripe

import (
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const providerName = "stripe"

var _ billing.Provider = (*Provider)(nil)

// Config configures the Stripe provider.
type Config struct {
	// APIKey is the Stripe secret key for outbound calls
	// (list subscriptions, checkout sessions).
	APIKey string

	// WebhookSecret is the signing secret used to verify inbound webhook
	// payloads (whsec_...).
	WebhookSecret string
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	apiKey        string
	webhookSecret string
	client        *stripe.Client
}

// NewProvider creates a Stripe billing provider. Construction succeeds even
// with missing credentials so callers can wire it unconditionally and gate
// on Configured; operations that need the missing credential return
// billing.ErrProviderNotConfigured.
func NewProvider(config Config) *Provider {
	apiKey := strings.TrimSpace(config.APIKey)

	var client *stripe.Client
	if apiKey != "" {
		client = stripe.NewClient(apiKey)
	}

	return &Provider{
		apiKey:        apiKey,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		client:        client,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// Configured reports whether both the API key and the webhook secret are set.
func (p *Provider) Configured() bool {
	return p.apiKey != "" && p.webhookSecret != ""
}
