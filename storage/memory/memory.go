// Package memory provides an in-memory implementation of the
// subsync.Storage interface. Primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using mutex-guarded maps.
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*subsync.Subscription // by local id
	byProviderID  map[string]string                // provider subscription id -> local id
	users         map[string]*subsync.User
	plans         map[string]*subsync.Plan
	events        map[string]*subsync.EventRecord // by event id
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*subsync.Subscription),
		byProviderID:  make(map[string]string),
		users:         make(map[string]*subsync.User),
		plans:         make(map[string]*subsync.Plan),
		events:        make(map[string]*subsync.EventRecord),
	}
}

// GetSubscription implements subsync.Storage.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// GetSubscriptionByProviderID implements subsync.Storage.
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byProviderID[providerSubID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	subCopy := *s.subscriptions[id]
	return &subCopy, nil
}

// ListProviderSubscriptions implements subsync.Storage.
func (s *Storage) ListProviderSubscriptions(ctx context.Context) ([]*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subsync.Subscription, 0, len(s.byProviderID))
	for _, id := range s.byProviderID {
		subCopy := *s.subscriptions[id]
		out = append(out, &subCopy)
	}
	return out, nil
}

// InsertSubscription implements subsync.Storage.
func (s *Storage) InsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	subCopy := *sub
	s.subscriptions[sub.ID] = &subCopy
	if sub.ProviderSubscriptionID != "" {
		s.byProviderID[sub.ProviderSubscriptionID] = sub.ID
	}
	return nil
}

// UpdateSubscription implements subsync.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.ID]
	if !ok {
		return subsync.ErrSubscriptionNotFound
	}
	if existing.ProviderSubscriptionID != sub.ProviderSubscriptionID {
		delete(s.byProviderID, existing.ProviderSubscriptionID)
		if sub.ProviderSubscriptionID != "" {
			s.byProviderID[sub.ProviderSubscriptionID] = sub.ID
		}
	}
	subCopy := *sub
	s.subscriptions[sub.ID] = &subCopy
	return nil
}

// ExpireActiveSubscriptions implements subsync.Storage.
func (s *Storage) ExpireActiveSubscriptions(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	now := time.Now().UTC()
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.Status == subsync.StatusActive {
			sub.Status = subsync.StatusExpired
			sub.UpdatedAt = now
			expired++
		}
	}
	return expired, nil
}

// GetUser implements subsync.Storage.
func (s *Storage) GetUser(ctx context.Context, userID string) (*subsync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, subsync.ErrUserNotFound
	}
	userCopy := *user
	return &userCopy, nil
}

// SetUserProviderCustomerID implements subsync.Storage. Creates the user
// record when absent, mirroring the upsert the SQL adapters perform.
func (s *Storage) SetUserProviderCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		user = &subsync.User{ID: userID}
		s.users[userID] = user
	}
	user.ProviderCustomerID = customerID
	return nil
}

// GetPlan implements subsync.Storage.
func (s *Storage) GetPlan(ctx context.Context, planID string) (*subsync.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[planID]
	if !ok {
		return nil, subsync.ErrPlanNotFound
	}
	planCopy := *plan
	return &planCopy, nil
}

// HasProcessedEvent implements subsync.Storage.
func (s *Storage) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

// MarkEventProcessed implements subsync.Storage. The write lock gives the
// same exactly-one-winner semantics a unique constraint provides.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[eventID]; exists {
		return subsync.ErrEventAlreadyProcessed
	}
	s.events[eventID] = &subsync.EventRecord{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now().UTC(),
	}
	return nil
}

// SeedUser stores a user record. For tests and examples.
func (s *Storage) SeedUser(user *subsync.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userCopy := *user
	s.users[user.ID] = &userCopy
}

// SeedPlan stores a plan record. For tests and examples.
func (s *Storage) SeedPlan(plan *subsync.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	planCopy := *plan
	s.plans[plan.ID] = &planCopy
}
