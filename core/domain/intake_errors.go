package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAccountInactive     = errors.New("email account is inactive")
	ErrIngestionInProgress = errors.New("ingestion already in progress for this account")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUnknownProvider     = errors.New("unknown provider kind")
)

// ConnectionError means an adapter could not authenticate or reach the
// mailbox. Diagnostic is meant for the operator. Transient separates network
// trouble from configuration trouble.
type ConnectionError struct {
	Provider   ProviderKind
	Diagnostic string
	Transient  bool
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s connection failed: %s: %v", e.Provider, e.Diagnostic, e.Err)
	}
	return fmt.Sprintf("%s connection failed: %s", e.Provider, e.Diagnostic)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QuotaError is a provider throttling signal. It is retryable.
type QuotaError struct {
	Provider   ProviderKind
	Operation  string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded during %s (status %d): %v", e.Provider, e.Operation, e.StatusCode, e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// IsQuota reports whether err carries a QuotaError.
func IsQuota(err error) bool {
	var q *QuotaError
	return errors.As(err, &q)
}

// CredentialsError wraps failures to read stored credentials.
type CredentialsError struct {
	AccountID string
	Err       error
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("stored credentials for account %s are unreadable: %v", e.AccountID, e.Err)
}

func (e *CredentialsError) Unwrap() error { return e.Err }

// ClassificationError is a model failure. It never escapes the classifier.
type ClassificationError struct {
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification failed: %s: %v", e.Reason, e.Err)
	}
	return "classification failed: " + e.Reason
}

func (e *ClassificationError) Unwrap() error { return e.Err }
