package subsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

func processEvent(t *testing.T, processor *subsync.Processor, provider *fakeProvider, event *billing.Event) *subsync.Result {
	t.Helper()
	provider.addEvent(event.ID, event)
	result, err := processor.Process(context.Background(), []byte("{}"), event.ID)
	if err != nil {
		t.Fatalf("Process(%s) failed: %v", event.ID, err)
	}
	return result
}

func TestHandleCheckoutCompleted_CreatesProvisionalSubscription(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)
	ctx := context.Background()

	processEvent(t, processor, provider, checkoutEvent("evt_1", "cs_1", "sub_1", "cus_1",
		map[string]string{"user_id": "user-1", "plan_id": "plan-pro"}))

	sub, err := store.GetSubscriptionByProviderID(ctx, "sub_1")
	if err != nil {
		t.Fatalf("Expected subscription to exist: %v", err)
	}
	if sub.UserID != "user-1" || sub.PlanID != "plan-pro" {
		t.Errorf("Unexpected ownership: user=%q plan=%q", sub.UserID, sub.PlanID)
	}
	if sub.Status != subsync.StatusActive {
		t.Errorf("Expected provisional active status, got %q", sub.Status)
	}
	if sub.ProviderCustomerID != "cus_1" {
		t.Errorf("Expected provider customer id cus_1, got %q", sub.ProviderCustomerID)
	}

	// Provisional expiry until the first subscription-updated event.
	wantExpiry := sub.StartsAt.Add(subsync.DefaultProvisionalPeriod)
	if !sub.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("Expected provisional expiry %v, got %v", wantExpiry, sub.ExpiresAt)
	}

	// The provider customer id is persisted on the user for later checkouts.
	user, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.ProviderCustomerID != "cus_1" {
		t.Errorf("Expected user customer id cus_1, got %q", user.ProviderCustomerID)
	}
}

func TestHandleCheckoutCompleted_ExpiresPreviousActive(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)
	ctx := context.Background()

	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "old-sub",
		UserID:                 "user-1",
		PlanID:                 "plan-basic",
		ProviderSubscriptionID: "sub_old",
		Status:                 subsync.StatusActive,
		ProviderStatus:         subsync.ProviderStatusActive,
	})

	processEvent(t, processor, provider, checkoutEvent("evt_1", "cs_1", "sub_new", "cus_1",
		map[string]string{"user_id": "user-1", "plan_id": "plan-pro"}))

	old, err := store.GetSubscription(ctx, "old-sub")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if old.Status != subsync.StatusExpired {
		t.Errorf("Previous active subscription must be expired, got %q", old.Status)
	}

	fresh, err := store.GetSubscriptionByProviderID(ctx, "sub_new")
	if err != nil {
		t.Fatalf("Expected new subscription: %v", err)
	}
	if fresh.Status != subsync.StatusActive {
		t.Errorf("Expected new subscription active, got %q", fresh.Status)
	}
}

func TestHandleCheckoutCompleted_ExistingSubscriptionStillPersistsCustomerID(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)
	ctx := context.Background()

	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		PlanID:                 "plan-pro",
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusActive,
		ProviderStatus:         subsync.ProviderStatusActive,
	})

	processEvent(t, processor, provider, checkoutEvent("evt_1", "cs_1", "sub_1", "cus_1",
		map[string]string{"user_id": "user-1", "plan_id": "plan-pro"}))

	// The existing-subscription no-op must not skip the customer id write.
	user, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.ProviderCustomerID != "cus_1" {
		t.Errorf("Expected provider customer id cus_1, got %q", user.ProviderCustomerID)
	}

	// And it must still not create a second subscription.
	subs, err := store.ListProviderSubscriptions(ctx)
	if err != nil {
		t.Fatalf("ListProviderSubscriptions failed: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("Expected 1 subscription, got %d", len(subs))
	}
}

func TestHandleCheckoutCompleted_IgnoresPaymentMode(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)

	event := &billing.Event{
		ID:   "evt_1",
		Type: billing.EventCheckoutCompleted,
		Payload: billing.CheckoutCompleted{
			SessionID: "cs_1",
			Mode:      "payment",
		},
	}
	processEvent(t, processor, provider, event)

	subs, err := store.ListProviderSubscriptions(context.Background())
	if err != nil {
		t.Fatalf("ListProviderSubscriptions failed: %v", err)
	}
	if len(subs) != 0 {
		t.Error("One-off payment checkout must not create a subscription")
	}
}

func TestHandleCheckoutCompleted_ExistingProviderSubscriptionIsNoop(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)

	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		PlanID:                 "plan-pro",
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusActive,
		ProviderStatus:         subsync.ProviderStatusActive,
	})

	processEvent(t, processor, provider, checkoutEvent("evt_2", "cs_2", "sub_1", "cus_1",
		map[string]string{"user_id": "user-1", "plan_id": "plan-pro"}))

	subs, err := store.ListProviderSubscriptions(context.Background())
	if err != nil {
		t.Fatalf("ListProviderSubscriptions failed: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("Expected 1 subscription, got %d", len(subs))
	}
}

func TestHandleSubscriptionUpdated_OverwritesStatusAndPeriod(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)
	ctx := context.Background()

	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		PlanID:                 "plan-pro",
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusActive,
		ProviderStatus:         subsync.ProviderStatusActive,
	})

	periodEnd := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_1",
		Type: billing.EventSubscriptionUpdated,
		Payload: billing.SubscriptionUpdated{
			SubscriptionID:    "sub_1",
			Status:            subsync.ProviderStatusPastDue,
			CurrentPeriodEnd:  periodEnd,
			CancelAtPeriodEnd: true,
		},
	})

	sub, err := store.GetSubscriptionByProviderID(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if sub.ProviderStatus != subsync.ProviderStatusPastDue {
		t.Errorf("Expected raw status past_due, got %q", sub.ProviderStatus)
	}
	if sub.Status != subsync.StatusExpired {
		t.Errorf("Expected canonical status expired, got %q", sub.Status)
	}
	if !sub.CancelAtPeriodEnd {
		t.Error("Expected cancel_at_period_end to be set")
	}
	if !sub.ExpiresAt.Equal(periodEnd) {
		t.Errorf("Expected expiry %v, got %v", periodEnd, sub.ExpiresAt)
	}
}

func TestHandleSubscriptionUpdated_ZeroPeriodEndKeepsExpiry(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)

	expiry := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		PlanID:                 "plan-pro",
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusActive,
		ProviderStatus:         subsync.ProviderStatusActive,
		ExpiresAt:              expiry,
	})

	processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_1",
		Type: billing.EventSubscriptionUpdated,
		Payload: billing.SubscriptionUpdated{
			SubscriptionID: "sub_1",
			Status:         subsync.ProviderStatusActive,
		},
	})

	sub, err := store.GetSubscriptionByProviderID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if !sub.ExpiresAt.Equal(expiry) {
		t.Errorf("Zero period end must not clear expiry: got %v", sub.ExpiresAt)
	}
}

func TestHandleSubscriptionUpdated_UnknownSubscriptionIsNoop(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)

	result := processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_1",
		Type: billing.EventSubscriptionUpdated,
		Payload: billing.SubscriptionUpdated{
			SubscriptionID: "sub_unknown",
			Status:         subsync.ProviderStatusActive,
		},
	})
	if result.Duplicate || result.Ignored {
		t.Error("Unknown subscription update is accepted, not flagged")
	}
}

func TestHandleSubscriptionDeleted_Cancels(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)

	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		PlanID:                 "plan-pro",
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusActive,
		ProviderStatus:         subsync.ProviderStatusActive,
		CancelAtPeriodEnd:      true,
	})

	processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_1",
		Type: billing.EventSubscriptionDeleted,
		Payload: billing.SubscriptionDeleted{
			SubscriptionID: "sub_1",
			Status:         subsync.ProviderStatusCanceled,
		},
	})

	sub, err := store.GetSubscriptionByProviderID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if sub.Status != subsync.StatusCancelled {
		t.Errorf("Expected cancelled, got %q", sub.Status)
	}
	if sub.ProviderStatus != subsync.ProviderStatusCanceled {
		t.Errorf("Expected raw status canceled, got %q", sub.ProviderStatus)
	}
	if sub.CancelAtPeriodEnd {
		t.Error("Cancellation flag must be cleared once terminal")
	}
}

// A replayed or late update must not resurrect a cancelled subscription.
func TestHandleSubscriptionUpdated_AfterDeletionStaysCancelled(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)
	ctx := context.Background()

	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		PlanID:                 "plan-pro",
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusActive,
		ProviderStatus:         subsync.ProviderStatusActive,
	})

	processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_deleted",
		Type: billing.EventSubscriptionDeleted,
		Payload: billing.SubscriptionDeleted{
			SubscriptionID: "sub_1",
			Status:         subsync.ProviderStatusCanceled,
		},
	})
	processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_late_update",
		Type: billing.EventSubscriptionUpdated,
		Payload: billing.SubscriptionUpdated{
			SubscriptionID:   "sub_1",
			Status:           subsync.ProviderStatusActive,
			CurrentPeriodEnd: time.Now().Add(720 * time.Hour),
		},
	})

	sub, err := store.GetSubscriptionByProviderID(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if sub.Status != subsync.StatusCancelled {
		t.Errorf("Late update resurrected a cancelled subscription: %q", sub.Status)
	}
}

func TestHandleInvoicePaid_RestoresPastDue(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)

	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		PlanID:                 "plan-pro",
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusExpired,
		ProviderStatus:         subsync.ProviderStatusPastDue,
	})

	processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_1",
		Type: billing.EventInvoicePaid,
		Payload: billing.InvoicePaid{
			InvoiceID:      "in_1",
			SubscriptionID: "sub_1",
		},
	})

	sub, err := store.GetSubscriptionByProviderID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if sub.Status != subsync.StatusActive {
		t.Errorf("Expected restored active, got %q", sub.Status)
	}
	if sub.ProviderStatus != subsync.ProviderStatusActive {
		t.Errorf("Expected raw status active, got %q", sub.ProviderStatus)
	}
}

func TestHandleInvoicePaid_NonPastDueIsNoop(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)

	updatedAt := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		PlanID:                 "plan-pro",
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusActive,
		ProviderStatus:         subsync.ProviderStatusActive,
		UpdatedAt:              updatedAt,
	})

	processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_1",
		Type: billing.EventInvoicePaid,
		Payload: billing.InvoicePaid{
			InvoiceID:      "in_1",
			SubscriptionID: "sub_1",
		},
	})

	sub, err := store.GetSubscriptionByProviderID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if !sub.UpdatedAt.Equal(updatedAt) {
		t.Error("Routine renewal invoice must not touch the record")
	}
}

func TestHandleInvoicePaid_OneOffInvoiceIsNoop(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)

	result := processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_1",
		Type: billing.EventInvoicePaid,
		Payload: billing.InvoicePaid{
			InvoiceID: "in_oneoff",
		},
	})
	if result.Ignored || result.Duplicate {
		t.Error("One-off invoice is accepted without flags")
	}
}

func TestHandleInvoicePaymentFailed_MarksPastDue(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)

	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		PlanID:                 "plan-pro",
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusActive,
		ProviderStatus:         subsync.ProviderStatusActive,
	})

	processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_1",
		Type: billing.EventInvoicePaymentFailed,
		Payload: billing.InvoicePaymentFailed{
			InvoiceID:      "in_1",
			SubscriptionID: "sub_1",
		},
	})

	sub, err := store.GetSubscriptionByProviderID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if sub.ProviderStatus != subsync.ProviderStatusPastDue {
		t.Errorf("Expected raw status past_due, got %q", sub.ProviderStatus)
	}
	if sub.Status != subsync.StatusExpired {
		t.Errorf("Expected canonical status expired, got %q", sub.Status)
	}
	if sub.LastPaymentFailedAt == nil {
		t.Error("Expected payment failure timestamp to be stamped")
	}
	if sub.Status == subsync.StatusCancelled {
		t.Error("Payment failure must not cancel; only the provider's deletion event does")
	}
}

func TestHandleAsyncPaymentSucceeded_Activates(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)

	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		PlanID:                 "plan-pro",
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusExpired,
		ProviderStatus:         subsync.ProviderStatusIncomplete,
	})

	processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_1",
		Type: billing.EventAsyncPaymentSucceeded,
		Payload: billing.AsyncPaymentSucceeded{
			SessionID:      "cs_1",
			Mode:           billing.ModeSubscription,
			SubscriptionID: "sub_1",
		},
	})

	sub, err := store.GetSubscriptionByProviderID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if sub.Status != subsync.StatusActive {
		t.Errorf("Expected active after delayed payment cleared, got %q", sub.Status)
	}
}

func TestHandleAsyncPaymentFailed_Expires(t *testing.T) {
	provider := &fakeProvider{}
	store := memory.New()
	processor := newTestProcessor(t, provider, store)

	seedSubscription(t, store, &subsync.Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		PlanID:                 "plan-pro",
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusActive,
		ProviderStatus:         subsync.ProviderStatusActive,
	})

	processEvent(t, processor, provider, &billing.Event{
		ID:   "evt_1",
		Type: billing.EventAsyncPaymentFailed,
		Payload: billing.AsyncPaymentFailed{
			SessionID:      "cs_1",
			Mode:           billing.ModeSubscription,
			SubscriptionID: "sub_1",
		},
	})

	sub, err := store.GetSubscriptionByProviderID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if sub.Status != subsync.StatusExpired {
		t.Errorf("Expected expired after failed delayed payment, got %q", sub.Status)
	}
	if sub.ProviderStatus != subsync.ProviderStatusIncompleteExpired {
		t.Errorf("Expected raw status incomplete_expired, got %q", sub.ProviderStatus)
	}
}
