package providers

import (
	"errors"
	"fmt"
	"strings"
)

// Reason categorizes a provider failure into the recovery action it calls
// for. Vendors surface these conditions as loosely structured error text,
// so classification is by message inspection.
type Reason int

const (
	// ReasonFatal is unrecoverable for this request.
	ReasonFatal Reason = iota
	// ReasonRetryKey rotates to the next API key (quota, auth).
	ReasonRetryKey
	// ReasonTrimHistory pops the oldest history entry (context overflow).
	ReasonTrimHistory
	// ReasonDropImages strips image refs (modality unsupported).
	ReasonDropImages
	// ReasonDropTools drops the tool catalog (tool calling unsupported).
	ReasonDropTools
	// ReasonDropSystemPrompt clears the system prompt.
	ReasonDropSystemPrompt
)

func (r Reason) String() string {
	switch r {
	case ReasonRetryKey:
		return "retry_key"
	case ReasonTrimHistory:
		return "trim_history"
	case ReasonDropImages:
		return "drop_images"
	case ReasonDropTools:
		return "drop_tools"
	case ReasonDropSystemPrompt:
		return "drop_system_prompt"
	default:
		return "fatal"
	}
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Reason   Reason
	Provider string
	Model    string
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s model=%s: %v", e.Reason, e.Provider, e.Model, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// WrapError classifies and wraps a vendor error. Already-classified errors
// pass through.
func WrapError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{
		Reason:   Classify(err),
		Provider: provider,
		Model:    model,
		Cause:    err,
	}
}

// ReasonOf extracts the classification from an error chain, classifying
// raw errors on the fly.
func ReasonOf(err error) Reason {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return Classify(err)
}

// Classify maps vendor error text onto a recovery reason.
func Classify(err error) Reason {
	if err == nil {
		return ReasonFatal
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "incorrect api key"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "quota"):
		return ReasonRetryKey

	case strings.Contains(msg, "maximum context length"),
		strings.Contains(msg, "context length"),
		strings.Contains(msg, "context_length_exceeded"),
		strings.Contains(msg, "context window"),
		strings.Contains(msg, "too many tokens"),
		strings.Contains(msg, "prompt is too long"):
		return ReasonTrimHistory

	case containsAll(msg, "image") || containsAll(msg, "vision") || containsAll(msg, "multimodal"):
		return ReasonDropImages

	case containsAll(msg, "tool") || containsAll(msg, "function call") || containsAll(msg, "function_call"):
		return ReasonDropTools

	case containsAll(msg, "system prompt") || containsAll(msg, "system message") || containsAll(msg, "developer message"):
		return ReasonDropSystemPrompt

	default:
		return ReasonFatal
	}
}

// containsAll reports whether the message names the feature together with
// an unsupported marker.
func containsAll(msg, feature string) bool {
	if !strings.Contains(msg, feature) {
		return false
	}
	for _, marker := range []string{"not support", "unsupported", "not enabled", "does not have", "invalid"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
