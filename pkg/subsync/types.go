package subsync

import "time"

// Status is the canonical three-valued subscription state owned by this
// system, distinct from the provider's raw status vocabulary.
type Status string

const (
	// StatusActive means the user is currently entitled.
	StatusActive Status = "active"
	// StatusExpired means the entitlement has lapsed or is in a
	// transitional/problem state that must not grant access.
	StatusExpired Status = "expired"
	// StatusCancelled means the provider reported an explicit terminal end.
	StatusCancelled Status = "cancelled"
)

// Subscription is the local source of truth for a user's entitlement.
// It is never physically deleted; cancelled and expired are terminal.
type Subscription struct {
	ID                     string
	UserID                 string
	PlanID                 string
	ProviderSubscriptionID string // empty until checkout completes
	ProviderCustomerID     string
	Status                 Status
	ProviderStatus         string // raw status last seen from the provider, kept for audit
	StartsAt               time.Time
	ExpiresAt              time.Time
	CancelAtPeriodEnd      bool
	LastPaymentFailedAt    *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Plan is read-mostly reference data mapping a local plan to a provider
// pricing identifier.
type Plan struct {
	ID              string
	Name            string
	ProviderPriceID string
	Active          bool
}

// User carries the identifying fields this core reads and the provider
// customer id it persists after a completed checkout.
type User struct {
	ID                 string
	Email              string
	ProviderCustomerID string
}

// EventRecord is one idempotency ledger entry per provider event id.
// Append-only: presence of a record is the sole truth of "already processed".
type EventRecord struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// DefaultProvisionalPeriod is the expiry stamped on a subscription created
// at checkout completion, before the provider's authoritative period end
// arrives on the first status-bearing event.
const DefaultProvisionalPeriod = 30 * 24 * time.Hour
