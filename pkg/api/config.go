package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	defaultMaxBodyBytes      = 256 * 1024
	defaultSignatureHeader   = "Stripe-Signature"
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
)

var (
	// ErrUnauthenticated is returned by Authorize when the request carries
	// no administrative identity; mapped to 401.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrForbidden is returned by Authorize when the caller lacks
	// administrative privilege; mapped to 403.
	ErrForbidden = errors.New("administrative privilege required")
)

// Config holds configuration for the HTTP handler.
type Config struct {
	// Processor handles inbound webhook deliveries (required for the
	// webhook endpoint).
	Processor *subsync.Processor

	// Reconciler produces drift reports (required for the reconciliation
	// endpoint).
	Reconciler *subsync.Reconciler

	// Authorize guards the reconciliation endpoint. Return nil to allow,
	// ErrUnauthenticated for 401, ErrForbidden for 403 (required when
	// Reconciler is set).
	Authorize func(*http.Request) error

	// SignatureHeader names the header carrying the webhook signature.
	// Defaults to "Stripe-Signature".
	SignatureHeader string

	// MaxBodyBytes caps the webhook payload size. Defaults to 256 KiB.
	MaxBodyBytes int64

	// Logger defaults to a no-op.
	Logger subsync.Logger
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Processor == nil && c.Reconciler == nil {
		return fmt.Errorf("processor or reconciler is required")
	}
	if c.Reconciler != nil && c.Authorize == nil {
		return fmt.Errorf("authorize is required with a reconciler")
	}
	return nil
}

// NewHandler creates an HTTP handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = defaultSignatureHeader
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// AuthorizeHeader returns an Authorize func granting admin access when the
// named header equals the given token. Intended for internal deployments;
// front real user auth in production.
func AuthorizeHeader(headerName, token string) func(*http.Request) error {
	return func(r *http.Request) error {
		got := r.Header.Get(headerName)
		if got == "" {
			return ErrUnauthenticated
		}
		if got != token {
			return ErrForbidden
		}
		return nil
	}
}
