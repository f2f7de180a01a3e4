package api

import (
	"errors"
	"fmt"
)

// Engine error codes. Engines fail with exactly one of these plus a message.
const (
	ErrMissingDependency = "MISSING_DEPENDENCY"
	ErrMissingPrompt     = "MISSING_PROMPT"
	ErrAPIError          = "API_ERROR"
	ErrParseError        = "PARSE_ERROR"
	ErrOCRError          = "OCR_ERROR"
	ErrInvalidLanguage   = "INVALID_LANGUAGE"

	ErrUnknownTask         = "UNKNOWN_TASK"
	ErrUnknownEngine       = "UNKNOWN_ENGINE"
	ErrUnknownPreprocessor = "UNKNOWN_PREPROCESSOR"

	// ErrUnknown is the classification for anything an engine did not tag.
	ErrUnknown = "UNKNOWN"
)

// EngineError is the single structured failure engines surface. It is data,
// not control flow: the orchestrator records the code in ProcessingState and
// carries the message onto the event.
type EngineError struct {
	Code    string
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewEngineError constructs an EngineError with a formatted message.
func NewEngineError(code, format string, args ...interface{}) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsEngineError unwraps err down to an EngineError if one is in the chain.
func AsEngineError(err error) (*EngineError, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}

// ConfigError marks a configuration problem. Configuration errors escape the
// per-specimen isolation and fail the run.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// NewConfigError constructs a ConfigError with a formatted message.
func NewConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err should escape per-specimen isolation.
func IsConfigError(err error) bool {
	var configErr *ConfigError
	return errors.As(err, &configErr)
}

// UnsupportedStepError is raised for a pipeline step name outside the task
// set. It is a configuration error.
type UnsupportedStepError struct {
	Step string
}

func (e *UnsupportedStepError) Error() string {
	return fmt.Sprintf("unsupported pipeline step: %s", e.Step)
}

// InvalidVersionError is raised for a DwC-A bundle version that is not
// MAJOR.MINOR.PATCH.
type InvalidVersionError struct {
	Version string
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid archive version %q: must be MAJOR.MINOR.PATCH", e.Version)
}
