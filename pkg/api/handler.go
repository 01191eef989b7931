// Package api exposes the synchronization engine over HTTP: the inbound
// webhook endpoint and the administrative reconciliation endpoint.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/api/internal"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Handler serves the webhook and reconciliation endpoints.
type Handler struct {
	config Config
}

// WebhookHandler returns the webhook endpoint wrapped with per-IP rate
// limiting, ready to mount on a router.
func (h *Handler) WebhookHandler() http.Handler {
	limiter := internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow)
	return limiter.Middleware(http.HandlerFunc(h.HandleWebhook))
}

// HandleWebhook processes one inbound provider delivery. A 5xx response
// signals the provider to redeliver later; 4xx and 2xx end the delivery.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.config.Processor == nil {
		writeError(w, http.StatusInternalServerError, "webhook processing not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	signature := r.Header.Get(h.config.SignatureHeader)
	if signature == "" {
		writeError(w, http.StatusBadRequest, "missing signature")
		return
	}

	result, err := h.config.Processor.Process(r.Context(), body, signature)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidWebhookSignature),
			errors.Is(err, billing.ErrInvalidWebhookPayload):
			writeError(w, http.StatusBadRequest, "invalid signature")
		case errors.Is(err, billing.ErrProviderNotConfigured):
			h.config.Logger.Error("webhook received with unconfigured provider")
			writeError(w, http.StatusInternalServerError, "webhook not configured")
		default:
			// Tell the provider to retry; the handler is idempotent.
			h.config.Logger.Error("webhook processing failed",
				subsync.Field{Key: "error", Value: err.Error()})
			writeError(w, http.StatusInternalServerError, "failed to process webhook")
		}
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, WebhookResponse{
		Received:  true,
		Duplicate: result.Duplicate,
	})
}

// HandleReconcile runs the reconciliation comparator and returns the drift
// report. Administrative only.
func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.config.Reconciler == nil {
		writeError(w, http.StatusInternalServerError, "reconciliation not configured")
		return
	}

	if err := h.config.Authorize(r); err != nil {
		switch {
		case errors.Is(err, ErrUnauthenticated):
			writeError(w, http.StatusUnauthorized, "authentication required")
		case errors.Is(err, ErrForbidden):
			writeError(w, http.StatusForbidden, "administrative privilege required")
		default:
			writeError(w, http.StatusInternalServerError, "authorization failed")
		}
		return
	}

	startTime := time.Now()
	report, err := h.config.Reconciler.Compare(r.Context())
	if err != nil {
		if errors.Is(err, billing.ErrProviderNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "billing provider not configured")
			return
		}
		h.config.Logger.Error("reconciliation failed",
			subsync.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}

	h.config.Logger.Debug("reconciliation served",
		subsync.Field{Key: "duration_ms", Value: time.Since(startTime).Milliseconds()})
	_ = internal.WriteJSON(w, http.StatusOK, ReconcileResponse{
		Summary: report.Summary,
		Discrepancies: Discrepancies{
			MissingLocally: report.MissingLocally,
			StaleStatus:    report.StaleStatus,
		},
	})
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	_ = internal.WriteJSON(w, code, ErrorResponse{Error: msg})
}
