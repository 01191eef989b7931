package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const (
	webhookStatusSuccess   = "success"
	webhookStatusDuplicate = "duplicate"
	webhookStatusIgnored   = "ignored"
	webhookStatusError     = "error"
)

// ProcessorConfig configures a webhook Processor. Provider and Storage are
// required; Logger and Metrics default to no-ops.
type ProcessorConfig struct {
	Provider billing.Provider
	Storage  Storage
	Logger   Logger
	Metrics  Metrics

	// Now overrides the time source, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Processor is the webhook event processor: it verifies authenticity,
// deduplicates via the idempotency ledger, routes to the handler matching
// the event type, and records the ledger entry once the handler's effects
// are committed.
type Processor struct {
	provider billing.Provider
	store    Storage
	logger   Logger
	metrics  Metrics
	now      func() time.Time
}

// Result reports the outcome of processing one webhook delivery.
type Result struct {
	EventID   string
	EventType string

	// Duplicate is set when the ledger already held a record for the event,
	// either on the fast-path check or on a lost insert race.
	Duplicate bool

	// Ignored is set for event types this system does not handle and for
	// terminal payload defects that redelivery cannot fix.
	Ignored bool
}

// NewProcessor creates a webhook processor.
func NewProcessor(config ProcessorConfig) (*Processor, error) {
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
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Processor{
		provider: config.Provider,
		store:    config.Storage,
		logger:   logger,
		metrics:  metrics,
		now:      now,
	}, nil
}

// Process handles one inbound webhook delivery. A nil error means the
// provider should consider the delivery accepted; a non-nil error that is
// not an authentication or configuration failure signals the provider to
// redeliver later. Handlers are idempotent, so redelivery after a partial
// failure is safe.
func (p *Processor) Process(ctx context.Context, payload []byte, signature string) (*Result, error) {
	startTime := p.now()
	providerName := p.provider.Name()

	if !p.provider.Configured() {
		return nil, billing.ErrProviderNotConfigured
	}

	event, err := p.provider.VerifyWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidWebhookSignature) {
			p.metrics.RecordWebhookError(providerName, "auth_failed")
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return nil, err
	}

	eventType := string(event.Type)
	result := &Result{EventID: event.ID, EventType: eventType}

	// Fast-path dedup. The unique constraint behind MarkEventProcessed is
	// the actual guarantee; this check only skips handler work.
	processed, err := p.store.HasProcessedEvent(ctx, event.ID)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "ledger_read_failed")
		return nil, fmt.Errorf("failed to check idempotency ledger: %w", err)
	}
	if processed {
		p.logger.Debug("duplicate webhook event skipped",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "event_type", Value: eventType})
		p.metrics.RecordWebhookEvent(providerName, eventType, webhookStatusDuplicate)
		result.Duplicate = true
		return result, nil
	}

	if event.Payload == nil {
		// Event type this system does not handle. Treated as success so the
		// provider stops redelivering when it adds new types.
		p.logger.Info("unhandled webhook event type",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "event_type", Value: eventType})
		p.metrics.RecordWebhookEvent(providerName, eventType, webhookStatusIgnored)
		result.Ignored = true
		return result, nil
	}

	if err := p.dispatch(ctx, event); err != nil {
		if errors.Is(err, ErrMissingMetadata) {
			// Redelivery carries the same malformed payload, so retrying
			// cannot help. Logged for operator follow-up.
			p.logger.Error("webhook event has malformed metadata",
				Field{Key: "event_id", Value: event.ID},
				Field{Key: "event_type", Value: eventType},
				Field{Key: "error", Value: err.Error()})
			p.metrics.RecordWebhookError(providerName, "malformed_metadata")
			result.Ignored = true
			return result, nil
		}
		p.metrics.RecordWebhookEvent(providerName, eventType, webhookStatusError)
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return nil, fmt.Errorf("failed to handle %s: %w", eventType, err)
	}

	// Ledger write happens strictly after the handler's mutation committed.
	// Losing the insert race to a concurrent delivery of the same event is
	// not an error: exactly one record exists either way.
	if err := p.store.MarkEventProcessed(ctx, event.ID, eventType); err != nil {
		if errors.Is(err, ErrEventAlreadyProcessed) {
			p.metrics.RecordWebhookEvent(providerName, eventType, webhookStatusDuplicate)
			result.Duplicate = true
			return result, nil
		}
		p.metrics.RecordWebhookError(providerName, "ledger_write_failed")
		return nil, fmt.Errorf("failed to record processed event: %w", err)
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, webhookStatusSuccess)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, p.now().Sub(startTime))
	return result, nil
}

// dispatch routes a decoded event to its handler.
func (p *Processor) dispatch(ctx context.Context, event *billing.Event) error {
	switch payload := event.Payload.(type) {
	case billing.CheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, event, payload)
	case billing.SubscriptionUpdated:
		return p.handleSubscriptionUpdated(ctx, event, payload)
	case billing.SubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, event, payload)
	case billing.InvoicePaid:
		return p.handleInvoicePaid(ctx, event, payload)
	case billing.InvoicePaymentFailed:
		return p.handleInvoicePaymentFailed(ctx, event, payload)
	case billing.AsyncPaymentSucceeded:
		return p.handleAsyncPaymentSucceeded(ctx, event, payload)
	case billing.AsyncPaymentFailed:
		return p.handleAsyncPaymentFailed(ctx, event, payload)
	default:
		return fmt.Errorf("no handler for event type %s", event.Type)
	}
}
