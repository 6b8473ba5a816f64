package inference

import (
	"fmt"
	"math"
	"strings"
)

// Params are the sampling knobs passed through to the backend untouched.
type Params struct {
	MaxNewTokens      int      `json:"max_new_tokens" yaml:"max_new_tokens"`
	Temperature       float64  `json:"temperature" yaml:"temperature"`
	TopP              float64  `json:"top_p" yaml:"top_p"`
	RepetitionPenalty float64  `json:"repetition_penalty" yaml:"repetition_penalty"`
	Stop              []string `json:"stop,omitempty" yaml:"stop"`
}

const maxNewTokensLimit = 32768

func DefaultParams() Params {
	return Params{
		MaxNewTokens:      512,
		Temperature:       0.7,
		TopP:              0.9,
		RepetitionPenalty: 1.0,
	}
}

// Validate reports the first malformed option as a *ConfigurationError.
func (p Params) Validate() error {
	switch {
	case p.MaxNewTokens <= 0 || p.MaxNewTokens > maxNewTokensLimit:
		return &ConfigurationError{Field: "max_new_tokens", Reason: fmt.Sprintf("must be in [1, %d], got %d", maxNewTokensLimit, p.MaxNewTokens)}
	case !finite(p.Temperature) || p.Temperature < 0:
		return &ConfigurationError{Field: "temperature", Reason: fmt.Sprintf("must be >= 0, got %v", p.Temperature)}
	case !finite(p.TopP) || p.TopP <= 0 || p.TopP > 1:
		return &ConfigurationError{Field: "top_p", Reason: fmt.Sprintf("must be in (0, 1], got %v", p.TopP)}
	case !finite(p.RepetitionPenalty) || p.RepetitionPenalty <= 0:
		return &ConfigurationError{Field: "repetition_penalty", Reason: fmt.Sprintf("must be > 0, got %v", p.RepetitionPenalty)}
	}
	for i, s := range p.Stop {
		if s == "" {
			return &ConfigurationError{Field: "stop", Reason: fmt.Sprintf("entry %d is empty", i)}
		}
	}
	return nil
}

// CutAtStop truncates text at the earliest stop sequence. It reports whether a
// stop sequence was found.
func (p Params) CutAtStop(text string) (string, bool) {
	cut := -1
	for _, s := range p.Stop {
		if i := strings.Index(text, s); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return text, false
	}
	return text[:cut], true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
