package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const defaultReconcilePageSize = 100

// ReconcilerConfig configures a reconciliation comparator. Provider and
// Storage are required.
type ReconcilerConfig struct {
	Provider billing.Provider
	Storage  Storage
	Logger   Logger
	Metrics  Metrics

	// PageSize bounds the number of provider subscriptions fetched per run.
	// Defaults to 100.
	PageSize int
}

// Reconciler compares provider-reported subscription state against local
// records and classifies the drift. It is read-only: it reports
// discrepancies for administrative follow-up and never repairs them.
type Reconciler struct {
	provider billing.Provider
	store    Storage
	logger   Logger
	metrics  Metrics
	pageSize int
}

// MissingLocally describes a subscription the provider has and the local
// store does not.
type MissingLocally struct {
	ProviderSubscriptionID string    `json:"providerSubscriptionId"`
	ProviderCustomerID     string    `json:"providerCustomerId"`
	ProviderStatus         string    `json:"providerStatus"`
	CurrentPeriodEnd       time.Time `json:"currentPeriodEnd"`
}

// StaleStatus describes a local record whose canonical or cached raw status
// disagrees with the provider's current values.
type StaleStatus struct {
	SubscriptionID         string `json:"subscriptionId"`
	ProviderSubscriptionID string `json:"providerSubscriptionId"`
	UserID                 string `json:"userId"`
	UserEmail              string `json:"userEmail,omitempty"`
	LocalStatus            Status `json:"localStatus"`
	LocalProviderStatus    string `json:"localProviderStatus"`
	ExpectedStatus         Status `json:"expectedStatus"`
	ProviderStatus         string `json:"providerStatus"`
}

// ReportSummary carries the counts of one reconciliation run.
type ReportSummary struct {
	ProviderSubscriptions int `json:"providerSubscriptions"`
	LocalSubscriptions    int `json:"localSubscriptions"`
	Matched               int `json:"matched"`
	MissingLocally        int `json:"missingLocally"`
	StaleStatus           int `json:"staleStatus"`
}

// Report is the output of one reconciliation run.
type Report struct {
	Summary        ReportSummary    `json:"summary"`
	MissingLocally []MissingLocally `json:"missingLocally"`
	StaleStatus    []StaleStatus    `json:"staleStatus"`
}

// NewReconciler creates a reconciliation comparator.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Provider == nil || config.Storage == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = defaultReconcilePageSize
	}

	return &Reconciler{
		provider: config.Provider,
		store:    config.Storage,
		logger:   logger,
		metrics:  metrics,
		pageSize: pageSize,
	}, nil
}

// Compare fetches one bounded page of provider subscriptions, joins it
// against local records by provider subscription id, and classifies each
// pair. Read skew against concurrent webhook processing is acceptable and
// self-corrects on the next run.
func (r *Reconciler) Compare(ctx context.Context) (*Report, error) {
	startTime := time.Now()
	providerName := r.provider.Name()

	if !r.provider.Configured() {
		r.metrics.RecordReconciliationRun(providerName, "error")
		return nil, billing.ErrProviderNotConfigured
	}

	var (
		remote []billing.ProviderSubscription
		local  []*Subscription
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		remote, err = r.provider.ListSubscriptions(gctx, r.pageSize)
		if err != nil {
			return fmt.Errorf("failed to list provider subscriptions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		local, err = r.store.ListProviderSubscriptions(gctx)
		if err != nil {
			return fmt.Errorf("failed to list local subscriptions: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		r.metrics.RecordReconciliationRun(providerName, "error")
		return nil, err
	}

	byProviderID := make(map[string]*Subscription, len(local))
	for _, sub := range local {
		byProviderID[sub.ProviderSubscriptionID] = sub
	}

	report := &Report{
		Summary: ReportSummary{
			ProviderSubscriptions: len(remote),
			LocalSubscriptions:    len(local),
		},
		MissingLocally: []MissingLocally{},
		StaleStatus:    []StaleStatus{},
	}

	for _, ps := range remote {
		sub, ok := byProviderID[ps.ID]
		if !ok {
			report.MissingLocally = append(report.MissingLocally, MissingLocally{
				ProviderSubscriptionID: ps.ID,
				ProviderCustomerID:     ps.CustomerID,
				ProviderStatus:         ps.Status,
				CurrentPeriodEnd:       ps.CurrentPeriodEnd,
			})
			r.metrics.RecordDiscrepancy(providerName, "missing_locally")
			continue
		}

		expected := MapProviderStatus(ps.Status)
		if sub.Status != expected || sub.ProviderStatus != ps.Status {
			report.StaleStatus = append(report.StaleStatus, r.staleEntry(ctx, sub, ps, expected))
			r.metrics.RecordDiscrepancy(providerName, "stale_status")
			continue
		}

		report.Summary.Matched++
	}

	report.Summary.MissingLocally = len(report.MissingLocally)
	report.Summary.StaleStatus = len(report.StaleStatus)

	r.metrics.RecordReconciliationRun(providerName, "success")
	r.metrics.RecordReconciliationDuration(providerName, time.Since(startTime))
	r.logger.Info("reconciliation complete",
		Field{Key: "provider_subscriptions", Value: report.Summary.ProviderSubscriptions},
		Field{Key: "local_subscriptions", Value: report.Summary.LocalSubscriptions},
		Field{Key: "matched", Value: report.Summary.Matched},
		Field{Key: "missing_locally", Value: report.Summary.MissingLocally},
		Field{Key: "stale_status", Value: report.Summary.StaleStatus})
	return report, nil
}

// staleEntry builds a stale-status discrepancy, attaching the owning user's
// email when available for triage.
func (r *Reconciler) staleEntry(ctx context.Context, sub *Subscription, ps billing.ProviderSubscription, expected Status) StaleStatus {
	entry := StaleStatus{
		SubscriptionID:         sub.ID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		UserID:                 sub.UserID,
		LocalStatus:            sub.Status,
		LocalProviderStatus:    sub.ProviderStatus,
		ExpectedStatus:         expected,
		ProviderStatus:         ps.Status,
	}

	user, err := r.store.GetUser(ctx, sub.UserID)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			r.logger.Warn("failed to load user for discrepancy",
				Field{Key: "user_id", Value: sub.UserID},
				Field{Key: "error", Value: err.Error()})
		}
		return entry
	}
	entry.UserEmail = user.Email
	return entry
}
