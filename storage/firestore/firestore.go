// Package firestore provides a Firestore implementation of the
// subsync.Storage interface. The idempotency ledger relies on document
// Create, which fails with AlreadyExists when a concurrent delivery of the
// same event got there first.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using Google Cloud Firestore.
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	usersCollection         string
	plansCollection         string
	eventsCollection        string
}

// Config holds Firestore storage configuration.
type Config struct {
	// SubscriptionsCollection default: "subscriptions"
	SubscriptionsCollection string

	// UsersCollection default: "users"
	UsersCollection string

	// PlansCollection default: "plans"
	PlansCollection string

	// EventsCollection holds the idempotency ledger. Default: "processed_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.PlansCollection == "" {
		config.PlansCollection = "plans"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "processed_events"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		usersCollection:         config.UsersCollection,
		plansCollection:         config.PlansCollection,
		eventsCollection:        config.EventsCollection,
	}, nil
}

// subscriptionDoc is the Firestore document shape for a subscription.
type subscriptionDoc struct {
	UserID                 string     `firestore:"userId"`
	PlanID                 string     `firestore:"planId"`
	ProviderSubscriptionID string     `firestore:"providerSubscriptionId"`
	ProviderCustomerID     string     `firestore:"providerCustomerId"`
	Status                 string     `firestore:"status"`
	ProviderStatus         string     `firestore:"providerStatus"`
	StartsAt               time.Time  `firestore:"startsAt"`
	ExpiresAt              time.Time  `firestore:"expiresAt"`
	CancelAtPeriodEnd      bool       `firestore:"cancelAtPeriodEnd"`
	LastPaymentFailedAt    *time.Time `firestore:"lastPaymentFailedAt"`
	CreatedAt              time.Time  `firestore:"createdAt"`
	UpdatedAt              time.Time  `firestore:"updatedAt"`
}

func toDoc(sub *subsync.Subscription) subscriptionDoc {
	return subscriptionDoc{
		UserID:                 sub.UserID,
		PlanID:                 sub.PlanID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		ProviderCustomerID:     sub.ProviderCustomerID,
		Status:                 string(sub.Status),
		ProviderStatus:         sub.ProviderStatus,
		StartsAt:               sub.StartsAt,
		ExpiresAt:              sub.ExpiresAt,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		LastPaymentFailedAt:    sub.LastPaymentFailedAt,
		CreatedAt:              sub.CreatedAt,
		UpdatedAt:              sub.UpdatedAt,
	}
}

func fromDoc(id string, doc subscriptionDoc) *subsync.Subscription {
	return &subsync.Subscription{
		ID:                     id,
		UserID:                 doc.UserID,
		PlanID:                 doc.PlanID,
		ProviderSubscriptionID: doc.ProviderSubscriptionID,
		ProviderCustomerID:     doc.ProviderCustomerID,
		Status:                 subsync.Status(doc.Status),
		ProviderStatus:         doc.ProviderStatus,
		StartsAt:               doc.StartsAt,
		ExpiresAt:              doc.ExpiresAt,
		CancelAtPeriodEnd:      doc.CancelAtPeriodEnd,
		LastPaymentFailedAt:    doc.LastPaymentFailedAt,
		CreatedAt:              doc.CreatedAt,
		UpdatedAt:              doc.UpdatedAt,
	}
}

// GetSubscription implements subsync.Storage.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var doc subscriptionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return fromDoc(snap.Ref.ID, doc), nil
}

// GetSubscriptionByProviderID implements subsync.Storage.
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*subsync.Subscription, error) {
	iter := s.client.Collection(s.subscriptionsCollection).
		Where("providerSubscriptionId", "==", providerSubID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}

	var doc subscriptionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return fromDoc(snap.Ref.ID, doc), nil
}

// ListProviderSubscriptions implements subsync.Storage.
func (s *Storage) ListProviderSubscriptions(ctx context.Context) ([]*subsync.Subscription, error) {
	iter := s.client.Collection(s.subscriptionsCollection).
		Where("providerSubscriptionId", "!=", "").
		Documents(ctx)
	defer iter.Stop()

	var out []*subsync.Subscription
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		var doc subscriptionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		out = append(out, fromDoc(snap.Ref.ID, doc))
	}
	return out, nil
}

// InsertSubscription implements subsync.Storage.
func (s *Storage) InsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := s.client.Collection(s.subscriptionsCollection).Doc(sub.ID).Create(ctx, toDoc(sub))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("subscription %s already exists", sub.ID)
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements subsync.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.ID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(doc); err != nil {
			if status.Code(err) == codes.NotFound {
				return subsync.ErrSubscriptionNotFound
			}
			return err
		}
		return tx.Set(doc, toDoc(sub))
	})
	if err != nil {
		if err == subsync.ErrSubscriptionNotFound {
			return err
		}
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// ExpireActiveSubscriptions implements subsync.Storage.
func (s *Storage) ExpireActiveSubscriptions(ctx context.Context, userID string) (int, error) {
	iter := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Where("status", "==", string(subsync.StatusActive)).
		Documents(ctx)
	defer iter.Stop()

	expired := 0
	now := time.Now().UTC()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return expired, fmt.Errorf("failed to query active subscriptions: %w", err)
		}
		_, err = snap.Ref.Update(ctx, []firestore.Update{
			{Path: "status", Value: string(subsync.StatusExpired)},
			{Path: "updatedAt", Value: now},
		})
		if err != nil {
			return expired, fmt.Errorf("failed to expire subscription: %w", err)
		}
		expired++
	}
	return expired, nil
}

// GetUser implements subsync.Storage.
func (s *Storage) GetUser(ctx context.Context, userID string) (*subsync.User, error) {
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	data := snap.Data()
	user := &subsync.User{ID: userID}
	if email, ok := data["email"].(string); ok {
		user.Email = email
	}
	if customerID, ok := data["providerCustomerId"].(string); ok {
		user.ProviderCustomerID = customerID
	}
	return user, nil
}

// SetUserProviderCustomerID implements subsync.Storage.
func (s *Storage) SetUserProviderCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.client.Collection(s.usersCollection).Doc(userID).Set(ctx,
		map[string]interface{}{"providerCustomerId": customerID}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set provider customer id: %w", err)
	}
	return nil
}

// GetPlan implements subsync.Storage.
func (s *Storage) GetPlan(ctx context.Context, planID string) (*subsync.Plan, error) {
	snap, err := s.client.Collection(s.plansCollection).Doc(planID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	data := snap.Data()
	plan := &subsync.Plan{ID: planID}
	if name, ok := data["name"].(string); ok {
		plan.Name = name
	}
	if priceID, ok := data["providerPriceId"].(string); ok {
		plan.ProviderPriceID = priceID
	}
	if active, ok := data["active"].(bool); ok {
		plan.Active = active
	}
	return plan, nil
}

// HasProcessedEvent implements subsync.Storage.
func (s *Storage) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	_, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return true, nil
}

// MarkEventProcessed implements subsync.Storage. Create fails with
// AlreadyExists when another delivery won the race.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	_, err := s.client.Collection(s.eventsCollection).Doc(eventID).Create(ctx,
		map[string]interface{}{
			"eventType":   eventType,
			"processedAt": time.Now().UTC(),
		})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return subsync.ErrEventAlreadyProcessed
		}
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}
