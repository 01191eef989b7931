package billing

import "time"

// EventType enumerates the provider event categories this system dispatches on.
type EventType string

const (
	EventCheckoutCompleted     EventType = "checkout.session.completed"
	EventSubscriptionUpdated   EventType = "customer.subscription.updated"
	EventSubscriptionDeleted   EventType = "customer.subscription.deleted"
	EventInvoicePaid           EventType = "invoice.paid"
	EventInvoicePaymentFailed  EventType = "invoice.payment_failed"
	EventAsyncPaymentSucceeded EventType = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed    EventType = "checkout.session.async_payment_failed"
)

// Event is a provider webhook event decoded once at the provider boundary.
// Payload is nil for event types this system does not handle; the processor
// treats those as success for forward compatibility.
type Event struct {
	ID        string
	Type      EventType
	CreatedAt time.Time
	Payload   EventPayload
}

// EventPayload is the tagged union of decoded event bodies. Handlers switch
// exhaustively on the concrete type instead of reaching into raw JSON.
type EventPayload interface {
	isEventPayload()
}

// CheckoutCompleted carries a completed checkout session.
type CheckoutCompleted struct {
	SessionID      string
	Mode           string // "subscription", "payment", "setup"
	SubscriptionID string
	CustomerID     string
	Metadata       map[string]string // expected to carry user_id and plan_id
}

// SubscriptionUpdated carries the provider's current view of a subscription.
type SubscriptionUpdated struct {
	SubscriptionID    string
	CustomerID        string
	Status            string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// SubscriptionDeleted signals the provider side is terminally gone.
type SubscriptionDeleted struct {
	SubscriptionID string
	CustomerID     string
	Status         string
}

// InvoicePaid signals a successful charge for a subscription invoice.
type InvoicePaid struct {
	InvoiceID      string
	SubscriptionID string // empty for non-subscription invoices
	CustomerID     string
}

// InvoicePaymentFailed signals a failed charge for a subscription invoice.
type InvoicePaymentFailed struct {
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
}

// AsyncPaymentSucceeded carries a delayed-confirmation checkout whose
// payment cleared after the session completed.
type AsyncPaymentSucceeded struct {
	SessionID      string
	Mode           string
	SubscriptionID string
}

// AsyncPaymentFailed carries a delayed-confirmation checkout whose payment
// ultimately failed.
type AsyncPaymentFailed struct {
	SessionID      string
	Mode           string
	SubscriptionID string
}

func (CheckoutCompleted) isEventPayload()     {}
func (SubscriptionUpdated) isEventPayload()   {}
func (SubscriptionDeleted) isEventPayload()   {}
func (InvoicePaid) isEventPayload()           {}
func (InvoicePaymentFailed) isEventPayload()  {}
func (AsyncPaymentSucceeded) isEventPayload() {}
func (AsyncPaymentFailed) isEventPayload()    {}

// ModeSubscription is the checkout mode that creates a subscription; the
// checkout handlers act only on this mode.
const ModeSubscription = "subscription"
