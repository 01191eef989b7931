package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

type stubProvider struct {
	unconfigured  bool
	events        map[string]*billing.Event
	subscriptions []billing.ProviderSubscription
	listErr       error
}

func (s *stubProvider) Name() string     { return "stub" }
func (s *stubProvider) Configured() bool { return !s.unconfigured }

func (s *stubProvider) VerifyWebhook(payload []byte, signature string) (*billing.Event, error) {
	event, ok := s.events[signature]
	if !ok {
		return nil, billing.ErrInvalidWebhookSignature
	}
	return event, nil
}

func (s *stubProvider) ListSubscriptions(ctx context.Context, limit int) ([]billing.ProviderSubscription, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.subscriptions, nil
}

func (s *stubProvider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	return "https://checkout.example.com/session", nil
}

func newTestHandler(t *testing.T, provider billing.Provider) (*Handler, *memory.Storage) {
	t.Helper()
	store := memory.New()

	processor, err := subsync.NewProcessor(subsync.ProcessorConfig{
		Provider: provider,
		Storage:  store,
	})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	reconciler, err := subsync.NewReconciler(subsync.ReconcilerConfig{
		Provider: provider,
		Storage:  store,
	})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}

	handler, err := NewHandler(Config{
		Processor:  processor,
		Reconciler: reconciler,
		Authorize:  AuthorizeHeader("X-Admin-Token", "secret"),
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, store
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("Expected error with neither processor nor reconciler")
	}

	provider := &stubProvider{}
	reconciler, err := subsync.NewReconciler(subsync.ReconcilerConfig{
		Provider: provider,
		Storage:  memory.New(),
	})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	if _, err := NewHandler(Config{Reconciler: reconciler}); err == nil {
		t.Error("Expected error with reconciler but no authorize func")
	}
}

func TestHandleWebhook_MethodNotAllowed(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/webhooks/billing", nil)
	w := httptest.NewRecorder()
	handler.HandleWebhook(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestHandleWebhook_MissingSignature(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	handler.HandleWebhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing signature, got %d", w.Code)
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader("{}"))
	req.Header.Set("Stripe-Signature", "bogus")
	w := httptest.NewRecorder()
	handler.HandleWebhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid signature, got %d", w.Code)
	}
}

func TestHandleWebhook_ProviderNotConfigured(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{unconfigured: true})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader("{}"))
	req.Header.Set("Stripe-Signature", "sig")
	w := httptest.NewRecorder()
	handler.HandleWebhook(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 for unconfigured provider, got %d", w.Code)
	}
}

func TestHandleWebhook_PayloadTooLarge(t *testing.T) {
	provider := &stubProvider{}
	store := memory.New()
	processor, err := subsync.NewProcessor(subsync.ProcessorConfig{
		Provider: provider,
		Storage:  store,
	})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	handler, err := NewHandler(Config{
		Processor:    processor,
		MaxBodyBytes: 16,
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	body := bytes.Repeat([]byte("a"), 64)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "sig")
	w := httptest.NewRecorder()
	handler.HandleWebhook(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", w.Code)
	}
}

func TestHandleWebhook_Success(t *testing.T) {
	provider := &stubProvider{
		events: map[string]*billing.Event{
			"sig": {
				ID:   "evt_1",
				Type: billing.EventCheckoutCompleted,
				Payload: billing.CheckoutCompleted{
					SessionID:      "cs_1",
					Mode:           billing.ModeSubscription,
					SubscriptionID: "sub_1",
					CustomerID:     "cus_1",
					Metadata:       map[string]string{"user_id": "user-1", "plan_id": "plan-pro"},
				},
			},
		},
	}
	handler, store := newTestHandler(t, provider)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader("{}"))
		req.Header.Set("Stripe-Signature", "sig")
		w := httptest.NewRecorder()
		handler.HandleWebhook(w, req)
		return w
	}

	w := send()
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp WebhookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Received || resp.Duplicate {
		t.Errorf("Unexpected response: %+v", resp)
	}

	// Redelivery acknowledges with the duplicate flag.
	w = send()
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on redelivery, got %d", w.Code)
	}
	resp = WebhookResponse{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Received || !resp.Duplicate {
		t.Errorf("Expected duplicate acknowledgement, got %+v", resp)
	}

	if _, err := store.GetSubscriptionByProviderID(context.Background(), "sub_1"); err != nil {
		t.Errorf("Expected subscription to be created: %v", err)
	}
}

func TestHandleReconcile_AuthFlow(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{})

	// No token: 401.
	req := httptest.NewRequest(http.MethodGet, "/admin/reconcile", nil)
	w := httptest.NewRecorder()
	handler.HandleReconcile(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}

	// Wrong token: 403.
	req = httptest.NewRequest(http.MethodGet, "/admin/reconcile", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	w = httptest.NewRecorder()
	handler.HandleReconcile(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with wrong token, got %d", w.Code)
	}
}

func TestHandleReconcile_MethodNotAllowed(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodPost, "/admin/reconcile", nil)
	w := httptest.NewRecorder()
	handler.HandleReconcile(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestHandleReconcile_ProviderNotConfigured(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{unconfigured: true})

	req := httptest.NewRequest(http.MethodGet, "/admin/reconcile", nil)
	req.Header.Set("X-Admin-Token", "secret")
	w := httptest.NewRecorder()
	handler.HandleReconcile(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestHandleReconcile_Success(t *testing.T) {
	periodEnd := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	provider := &stubProvider{
		subscriptions: []billing.ProviderSubscription{
			{ID: "sub_ghost", CustomerID: "cus_1", Status: "active", CurrentPeriodEnd: periodEnd},
		},
	}
	handler, _ := newTestHandler(t, provider)

	req := httptest.NewRequest(http.MethodGet, "/admin/reconcile", nil)
	req.Header.Set("X-Admin-Token", "secret")
	w := httptest.NewRecorder()
	handler.HandleReconcile(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp ReconcileResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Summary.ProviderSubscriptions != 1 {
		t.Errorf("Expected 1 provider subscription, got %d", resp.Summary.ProviderSubscriptions)
	}
	if len(resp.Discrepancies.MissingLocally) != 1 {
		t.Errorf("Expected 1 missing-locally entry, got %d", len(resp.Discrepancies.MissingLocally))
	}
	if resp.Discrepancies.MissingLocally[0].ProviderSubscriptionID != "sub_ghost" {
		t.Errorf("Unexpected discrepancy: %+v", resp.Discrepancies.MissingLocally[0])
	}
}

func TestHandleReconcile_ListFailure(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{listErr: billing.ErrProviderAPIError})

	req := httptest.NewRequest(http.MethodGet, "/admin/reconcile", nil)
	req.Header.Set("X-Admin-Token", "secret")
	w := httptest.NewRecorder()
	handler.HandleReconcile(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

func TestWebhookHandler_RateLimitHeadersPresent(t *testing.T) {
	handler, _ := newTestHandler(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader("{}"))
	req.Header.Set("Stripe-Signature", "bogus")
	req.RemoteAddr = "192.0.2.1:12345"
	w := httptest.NewRecorder()
	handler.WebhookHandler().ServeHTTP(w, req)

	// Still a 400: one request is far below the limit.
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 through middleware, got %d", w.Code)
	}
}
