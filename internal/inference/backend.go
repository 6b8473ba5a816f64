// Package inference is the boundary to the token-generation backend. The
// backend is opaque: a prompt and sampling parameters go in, decoded text comes
// out either whole or as ordered fragments.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FragmentHandler receives streamed text fragments in order. Returning an error
// aborts the stream.
type FragmentHandler func(fragment string) error

// Backend generates text for a prompt. Both calls must be safe to use from a
// goroutine other than the caller's. The decoded output may begin with the
// prompt itself; callers strip it.
//
// Implementations must return promptly once ctx is done: turn timeouts are
// enforced by cancelling ctx. A call that keeps running is abandoned after a
// short grace period and its later onFragment calls are rejected.
type Backend interface {
	Generate(ctx context.Context, prompt string, params Params) (string, error)
	Stream(ctx context.Context, prompt string, params Params, onFragment FragmentHandler) error
	// Close releases the backend handle. It is called exactly once at teardown.
	Close() error
}

// Config controls backend construction.
type Config struct {
	Mode        string
	URL         string
	FallbackURL string
	HTTPTimeout time.Duration
}

func NewBackend(cfg Config) (Backend, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoBackend(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, &ConfigurationError{Field: "BACKEND_URL", Reason: "required for http mode"}
		}
		return NewHTTPBackend(cfg.URL, cfg.HTTPTimeout), nil
	case "fallback":
		if strings.TrimSpace(cfg.URL) == "" || strings.TrimSpace(cfg.FallbackURL) == "" {
			return nil, &ConfigurationError{Field: "BACKEND_FALLBACK_URL", Reason: "fallback mode needs BACKEND_URL and BACKEND_FALLBACK_URL"}
		}
		return NewFallbackBackend(NewHTTPBackend(cfg.URL, cfg.HTTPTimeout), NewHTTPBackend(cfg.FallbackURL, cfg.HTTPTimeout)), nil
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, &ConfigurationError{Field: "BACKEND_MODE", Reason: fmt.Sprintf("unsupported backend mode %q", cfg.Mode)}
	}
}

func newAutoBackend(cfg Config) Backend {
	primaryURL := strings.TrimSpace(cfg.URL)
	fallbackURL := strings.TrimSpace(cfg.FallbackURL)
	switch {
	case primaryURL != "" && fallbackURL != "":
		return NewFallbackBackend(NewHTTPBackend(primaryURL, cfg.HTTPTimeout), NewHTTPBackend(fallbackURL, cfg.HTTPTimeout))
	case primaryURL != "":
		return NewHTTPBackend(primaryURL, cfg.HTTPTimeout)
	default:
		return NewMockBackend()
	}
}

// CloseAll closes every backend and joins their errors.
func CloseAll(backends ...Backend) error {
	var errs []error
	for _, b := range backends {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
