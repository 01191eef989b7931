package subsync

import "context"

// Storage defines the persistence interface the synchronization engine runs
// against. All methods use concrete types from this package to avoid import
// cycles.
type Storage interface {
	// GetSubscription retrieves a subscription by local id.
	// Returns ErrSubscriptionNotFound if absent.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// GetSubscriptionByProviderID retrieves a subscription by the
	// provider-assigned subscription id.
	// Returns ErrSubscriptionNotFound if absent.
	GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error)

	// ListProviderSubscriptions returns all subscriptions that carry a
	// non-empty provider subscription id, for reconciliation joins.
	ListProviderSubscriptions(ctx context.Context) ([]*Subscription, error)

	// InsertSubscription stores a new subscription.
	InsertSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription overwrites an existing subscription by local id.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// ExpireActiveSubscriptions moves every active subscription of the user
	// to expired. Called before activating a new one so that at most one
	// subscription per user is active. Returns the number expired.
	ExpireActiveSubscriptions(ctx context.Context, userID string) (int, error)

	// GetUser retrieves a user by id.
	// Returns ErrUserNotFound if absent.
	GetUser(ctx context.Context, userID string) (*User, error)

	// SetUserProviderCustomerID persists the provider customer id on the
	// user record for reuse by future checkouts.
	SetUserProviderCustomerID(ctx context.Context, userID, customerID string) error

	// GetPlan retrieves a plan by id.
	// Returns ErrPlanNotFound if absent.
	GetPlan(ctx context.Context, planID string) (*Plan, error)

	// HasProcessedEvent reports whether the idempotency ledger already holds
	// a record for the event id. This is the fast-path dedup check; the
	// uniqueness constraint behind MarkEventProcessed is the real guarantee.
	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)

	// MarkEventProcessed appends a ledger record for the event id. Must be
	// called only after the handler's effects are durably committed.
	// Returns ErrEventAlreadyProcessed when a record already exists; under
	// concurrent delivery of the same event exactly one caller wins and the
	// others receive the conflict.
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}
