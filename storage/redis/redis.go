// Package redis provides a Redis implementation of the subsync.Storage
// interface. Subscriptions are stored as JSON values with secondary index
// keys for provider-id and per-user lookups; the idempotency ledger uses
// SET NX so that concurrent deliveries of the same event have exactly one
// winner.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using Redis.
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:").
	KeyPrefix string

	// EventTTL is the TTL for idempotency ledger entries (0 = no
	// expiration). Providers stop redelivering after days, not months, so
	// a bounded ledger is usually safe here.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "subsync:",
		EventTTL:  0,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}
	return &Storage{client: client, config: config}, nil
}

func (s *Storage) subscriptionKey(id string) string {
	return s.config.KeyPrefix + "sub:" + id
}

func (s *Storage) providerIndexKey(providerSubID string) string {
	return s.config.KeyPrefix + "sub:provider:" + providerSubID
}

func (s *Storage) userIndexKey(userID string) string {
	return s.config.KeyPrefix + "sub:user:" + userID
}

func (s *Storage) linkedSetKey() string {
	return s.config.KeyPrefix + "sub:linked"
}

func (s *Storage) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Storage) planKey(planID string) string {
	return s.config.KeyPrefix + "plan:" + planID
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func (s *Storage) loadSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	data, err := s.client.Get(ctx, s.subscriptionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub subsync.Subscription
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

func (s *Storage) storeSubscription(ctx context.Context, sub *subsync.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.subscriptionKey(sub.ID), data, 0)
	pipe.SAdd(ctx, s.userIndexKey(sub.UserID), sub.ID)
	if sub.ProviderSubscriptionID != "" {
		pipe.Set(ctx, s.providerIndexKey(sub.ProviderSubscriptionID), sub.ID, 0)
		pipe.SAdd(ctx, s.linkedSetKey(), sub.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	return nil
}

// GetSubscription implements subsync.Storage.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	return s.loadSubscription(ctx, id)
}

// GetSubscriptionByProviderID implements subsync.Storage.
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*subsync.Subscription, error) {
	id, err := s.client.Get(ctx, s.providerIndexKey(providerSubID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider id: %w", err)
	}
	return s.loadSubscription(ctx, id)
}

// ListProviderSubscriptions implements subsync.Storage.
func (s *Storage) ListProviderSubscriptions(ctx context.Context) ([]*subsync.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.linkedSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list linked subscriptions: %w", err)
	}

	out := make([]*subsync.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := s.loadSubscription(ctx, id)
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// InsertSubscription implements subsync.Storage.
func (s *Storage) InsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	ok, err := s.client.SetNX(ctx, s.subscriptionKey(sub.ID)+":lock", "1", 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve subscription id: %w", err)
	}
	if !ok {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	return s.storeSubscription(ctx, sub)
}

// UpdateSubscription implements subsync.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if _, err := s.loadSubscription(ctx, sub.ID); err != nil {
		return err
	}
	return s.storeSubscription(ctx, sub)
}

// ExpireActiveSubscriptions implements subsync.Storage.
func (s *Storage) ExpireActiveSubscriptions(ctx context.Context, userID string) (int, error) {
	ids, err := s.client.SMembers(ctx, s.userIndexKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user subscriptions: %w", err)
	}

	expired := 0
	now := time.Now().UTC()
	for _, id := range ids {
		sub, err := s.loadSubscription(ctx, id)
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		if sub.Status != subsync.StatusActive {
			continue
		}
		sub.Status = subsync.StatusExpired
		sub.UpdatedAt = now
		if err := s.storeSubscription(ctx, sub); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// GetUser implements subsync.Storage.
func (s *Storage) GetUser(ctx context.Context, userID string) (*subsync.User, error) {
	data, err := s.client.Get(ctx, s.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var user subsync.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

// SetUserProviderCustomerID implements subsync.Storage.
func (s *Storage) SetUserProviderCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	user, err := s.GetUser(ctx, userID)
	if errors.Is(err, subsync.ErrUserNotFound) {
		user = &subsync.User{ID: userID}
	} else if err != nil {
		return err
	}
	user.ProviderCustomerID = customerID

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := s.client.Set(ctx, s.userKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set user: %w", err)
	}
	return nil
}

// GetPlan implements subsync.Storage.
func (s *Storage) GetPlan(ctx context.Context, planID string) (*subsync.Plan, error) {
	data, err := s.client.Get(ctx, s.planKey(planID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	var plan subsync.Plan
	if err := json.Unmarshal([]byte(data), &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return &plan, nil
}

// HasProcessedEvent implements subsync.Storage.
func (s *Storage) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// MarkEventProcessed implements subsync.Storage. SET NX makes exactly one
// concurrent caller the winner; the rest see the conflict.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	record := subsync.EventRecord{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.eventKey(eventID), data, s.config.EventTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if !ok {
		return subsync.ErrEventAlreadyProcessed
	}
	return nil
}

// SeedPlan stores a plan record. For tests and examples.
func (s *Storage) SeedPlan(ctx context.Context, plan *subsync.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	return s.client.Set(ctx, s.planKey(plan.ID), data, 0).Err()
}

// Ping verifies connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}
