package app

import (
	"errors"
	"fmt"
)

// ErrorKind is the normalized failure category surfaced by the AgentClient.
type ErrorKind string

const (
	ErrCancelled ErrorKind = "CANCELLED"
	ErrNetwork   ErrorKind = "NETWORK_ERROR"
	ErrQuota     ErrorKind = "QUOTA_ERROR"
	ErrServer    ErrorKind = "SERVER_ERROR"
	ErrClient    ErrorKind = "CLIENT_ERROR"
)

// Quota subtype codes as reported by the backend's error_code field.
const (
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeRateLimit         = "RATE_LIMIT"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeAPIKeyInvalid     = "API_KEY_INVALID"
	CodeBillingNotEnabled = "BILLING_NOT_ENABLED"
	CodeTimeout           = "TIMEOUT"
)

// AgentError is a backend or transport failure normalized into the small
// taxonomy the exchange protocol reacts to.
type AgentError struct {
	Kind       ErrorKind
	Code       string // quota subtype, empty for other kinds
	Message    string // raw backend/transport text
	RetryAfter int    // seconds, 0 when the backend gave no hint
}

func (e *AgentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the UI should offer a retry affordance.
// API key and billing problems need user action a retry cannot supply.
func (e *AgentError) Retryable() bool {
	switch e.Kind {
	case ErrCancelled, ErrNetwork:
		return true
	case ErrQuota:
		switch e.Code {
		case CodeAPIKeyInvalid, CodeBillingNotEnabled:
			return false
		}
		return true
	}
	return false
}

// AsAgentError unwraps err into an *AgentError, normalizing unknown errors
// into the network kind (transport failures reach the core unclassified).
func AsAgentError(err error) *AgentError {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae
	}
	return &AgentError{Kind: ErrNetwork, Message: err.Error()}
}
