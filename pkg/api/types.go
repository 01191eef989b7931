package api

import "github.com/mihaimyh/subsync/pkg/subsync"

// WebhookResponse is the body returned to the billing provider.
type WebhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// ReconcileResponse is the administrative reconciliation report body.
type ReconcileResponse struct {
	Summary       subsync.ReportSummary `json:"summary"`
	Discrepancies Discrepancies         `json:"discrepancies"`
}

// Discrepancies groups the two typed discrepancy lists.
type Discrepancies struct {
	MissingLocally []subsync.MissingLocally `json:"missingLocally"`
	StaleStatus    []subsync.StaleStatus    `json:"staleStatus"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
