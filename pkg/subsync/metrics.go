package subsync

import "time"

// Metrics defines the interface for tracking synchronization operations.
// All methods are optional - components should gracefully handle nil metrics
// by substituting NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// status: "success", "duplicate", "error" or "ignored"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordStatusChange records a canonical status transition on a subscription.
	RecordStatusChange(provider string, fromStatus, toStatus Status)

	// RecordReconciliationRun records a reconciliation comparison.
	// status: "success" or "error"
	RecordReconciliationRun(provider, status string)

	// RecordReconciliationDuration records how long a reconciliation run took.
	RecordReconciliationDuration(provider string, duration time.Duration)

	// RecordDiscrepancy records one classified reconciliation discrepancy.
	// kind: "missing_locally" or "stale_status"
	RecordDiscrepancy(provider, kind string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordStatusChange(_ string, _, _ Status)                     {}
func (n *NoopMetrics) RecordReconciliationRun(_, _ string)                          {}
func (n *NoopMetrics) RecordReconciliationDuration(_ string, _ time.Duration)       {}
func (n *NoopMetrics) RecordDiscrepancy(_, _ string)                                {}
