package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// VerifyWebhook checks the Stripe-Signature header against the signing
// secret and decodes the payload into the typed event union. Event types
// outside the dispatch set come back with a nil payload.
func (p *Provider) VerifyWebhook(payload []byte, signature string) (*billing.Event, error) {
	if p.webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	event, err := stripe.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}

	decoded, err := decodeEvent(&event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return decoded, nil
}

func decodeEvent(event *stripe.Event) (*billing.Event, error) {
	out := &billing.Event{
		ID:        event.ID,
		Type:      billing.EventType(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch out.Type {
	case billing.EventCheckoutCompleted:
		payload, err := decodeCheckoutSession(raw)
		if err != nil {
			return nil, err
		}
		out.Payload = billing.CheckoutCompleted(payload)
	case billing.EventSubscriptionUpdated:
		payload, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		out.Payload = billing.SubscriptionUpdated{
			SubscriptionID:    payload.ID,
			CustomerID:        payload.CustomerID,
			Status:            payload.Status,
			CurrentPeriodEnd:  payload.CurrentPeriodEnd,
			CancelAtPeriodEnd: payload.CancelAtPeriodEnd,
		}
	case billing.EventSubscriptionDeleted:
		payload, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		out.Payload = billing.SubscriptionDeleted{
			SubscriptionID: payload.ID,
			CustomerID:     payload.CustomerID,
			Status:         payload.Status,
		}
	case billing.EventInvoicePaid:
		payload, err := decodeInvoice(raw)
		if err != nil {
			return nil, err
		}
		out.Payload = billing.InvoicePaid(payload)
	case billing.EventInvoicePaymentFailed:
		payload, err := decodeInvoice(raw)
		if err != nil {
			return nil, err
		}
		out.Payload = billing.InvoicePaymentFailed(payload)
	case billing.EventAsyncPaymentSucceeded:
		payload, err := decodeCheckoutSession(raw)
		if err != nil {
			return nil, err
		}
		out.Payload = billing.AsyncPaymentSucceeded{
			SessionID:      payload.SessionID,
			Mode:           payload.Mode,
			SubscriptionID: payload.SubscriptionID,
		}
	case billing.EventAsyncPaymentFailed:
		payload, err := decodeCheckoutSession(raw)
		if err != nil {
			return nil, err
		}
		out.Payload = billing.AsyncPaymentFailed{
			SessionID:      payload.SessionID,
			Mode:           payload.Mode,
			SubscriptionID: payload.SubscriptionID,
		}
	}

	return out, nil
}

// idRef unmarshals Stripe's expandable references, which arrive either as a
// bare id string or as an embedded object with an "id" field.
type idRef struct {
	ID string
}

func (r *idRef) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}

type checkoutSessionFields struct {
	SessionID      string
	Mode           string
	SubscriptionID string
	CustomerID     string
	Metadata       map[string]string
}

func decodeCheckoutSession(raw json.RawMessage) (checkoutSessionFields, error) {
	var session struct {
		ID           string            `json:"id"`
		Mode         string            `json:"mode"`
		Subscription idRef             `json:"subscription"`
		Customer     idRef             `json:"customer"`
		Metadata     map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &session); err != nil {
		return checkoutSessionFields{}, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	return checkoutSessionFields{
		SessionID:      session.ID,
		Mode:           session.Mode,
		SubscriptionID: session.Subscription.ID,
		CustomerID:     session.Customer.ID,
		Metadata:       session.Metadata,
	}, nil
}

type subscriptionFields struct {
	ID                string
	CustomerID        string
	Status            string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

func decodeSubscription(raw json.RawMessage) (subscriptionFields, error) {
	var sub struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		Customer          idRef  `json:"customer"`
		CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
		CurrentPeriodEnd  int64  `json:"current_period_end"`
		Items             struct {
			Data []struct {
				CurrentPeriodEnd int64 `json:"current_period_end"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &sub); err != nil {
		return subscriptionFields{}, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	// Newer API versions carry current_period_end on the items; older
	// payloads carry it on the subscription itself. Take the latest.
	periodEnd := sub.CurrentPeriodEnd
	for _, item := range sub.Items.Data {
		if item.CurrentPeriodEnd > periodEnd {
			periodEnd = item.CurrentPeriodEnd
		}
	}

	fields := subscriptionFields{
		ID:                sub.ID,
		CustomerID:        sub.Customer.ID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if periodEnd > 0 {
		fields.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	return fields, nil
}

type invoiceFields struct {
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
}

func decodeInvoice(raw json.RawMessage) (invoiceFields, error) {
	var invoice struct {
		ID           string `json:"id"`
		Customer     idRef  `json:"customer"`
		Subscription idRef  `json:"subscription"`
		Parent       struct {
			SubscriptionDetails struct {
				Subscription idRef `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return invoiceFields{}, fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	// The subscription reference moved under parent.subscription_details in
	// newer API versions.
	subscriptionID := invoice.Subscription.ID
	if subscriptionID == "" {
		subscriptionID = invoice.Parent.SubscriptionDetails.Subscription.ID
	}

	return invoiceFields{
		InvoiceID:      invoice.ID,
		SubscriptionID: subscriptionID,
		CustomerID:     invoice.Customer.ID,
	}, nil
}
