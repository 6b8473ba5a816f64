package inference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// FallbackBackend attempts a primary backend first and falls back when the
// primary is unavailable. A stream is only retried on the secondary if the
// primary failed before delivering any fragment, since a stream cannot be
// restarted once the consumer has seen output.
type FallbackBackend struct {
	primary  Backend
	fallback Backend
}

func NewFallbackBackend(primary Backend, fallback Backend) *FallbackBackend {
	return &FallbackBackend{
		primary:  primary,
		fallback: fallback,
	}
}

func (b *FallbackBackend) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	if b.primary == nil {
		return "", errors.New("fallback backend misconfigured")
	}
	out, err := b.primary.Generate(ctx, prompt, params)
	if err == nil || !shouldFallBack(ctx, err) || b.fallback == nil {
		return out, err
	}
	out, fallbackErr := b.fallback.Generate(ctx, prompt, params)
	if fallbackErr != nil {
		return "", fmt.Errorf("primary backend error: %w; fallback backend error: %v", err, fallbackErr)
	}
	return out, nil
}

func (b *FallbackBackend) Stream(ctx context.Context, prompt string, params Params, onFragment FragmentHandler) error {
	if b.primary == nil {
		return errors.New("fallback backend misconfigured")
	}
	var delivered atomic.Bool
	err := b.primary.Stream(ctx, prompt, params, func(fragment string) error {
		delivered.Store(true)
		if onFragment == nil {
			return nil
		}
		return onFragment(fragment)
	})
	if err == nil || delivered.Load() || !shouldFallBack(ctx, err) || b.fallback == nil {
		return err
	}
	if fallbackErr := b.fallback.Stream(ctx, prompt, params, onFragment); fallbackErr != nil {
		return fmt.Errorf("primary backend error: %w; fallback backend error: %v", err, fallbackErr)
	}
	return nil
}

func (b *FallbackBackend) Close() error {
	return CloseAll(b.primary, b.fallback)
}

func shouldFallBack(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return false
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
