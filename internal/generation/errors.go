package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/antoniostano/lilith/internal/inference"
)

var (
	// ErrGenerationFailed wraps every backend failure of a turn together with
	// ErrBackendTimeout or ErrBackendUnavailable.
	ErrGenerationFailed   = errors.New("generation failed")
	ErrBackendTimeout     = inference.ErrTimeout
	ErrBackendUnavailable = inference.ErrUnavailable
	// ErrStreamCancelled ends a stream whose consumer went away.
	ErrStreamCancelled = errors.New("stream cancelled")
)

// ConfigurationError is returned before any state is touched when generation
// parameters are malformed.
type ConfigurationError = inference.ConfigurationError

// PersistenceError reports a failed durable write. It never replaces a
// successful reply; it rides along in TurnResult.PersistErr.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func generationError(err error) error {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return fmt.Errorf("%w: %w", ErrGenerationFailed, inference.Classify(err))
}

// outcome is the metrics label for a turn error.
func outcome(err error) string {
	var cfgErr *ConfigurationError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStreamCancelled):
		return "cancelled"
	case errors.Is(err, ErrBackendTimeout):
		return "timeout"
	case errors.Is(err, ErrBackendUnavailable):
		return "unavailable"
	case errors.As(err, &cfgErr):
		return "config_error"
	default:
		return "error"
	}
}
