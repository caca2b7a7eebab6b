package apperr

import (
	"fmt"
	"net/http"
	"time"
)

// Error codes
const (
	// Auth
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeForbidden    = "FORBIDDEN"

	// Validation
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeBadRequest       = "BAD_REQUEST"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeMissingField     = "MISSING_FIELD"

	// Resources
	CodeNotFound = "NOT_FOUND"
	CodeConflict = "CONFLICT"

	// Mailbox providers
	CodeProviderConnect = "PROVIDER_CONNECT_FAILED"
	CodeProviderError   = "PROVIDER_ERROR"
	CodeRateLimited     = "RATE_LIMITED"
	CodeCredentials     = "CREDENTIALS_UNREADABLE"

	// Ingestion
	CodeIngestionBusy   = "INGESTION_IN_PROGRESS"
	CodeAccountInactive = "ACCOUNT_INACTIVE"

	CodeInternalError = "INTERNAL_ERROR"
	CodeTimeout       = "TIMEOUT"
	CodeUnavailable   = "SERVICE_UNAVAILABLE"
)

// AppError is an error with a stable code and the HTTP status it maps to.
// Err is logged but never sent to clients.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) HTTPStatus() int {
	return e.Status
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

// =============================================================================
// Auth / validation
// =============================================================================

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(message string) *AppError {
	return New(CodeInvalidToken, message, http.StatusUnauthorized)
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return New(CodeForbidden, message, http.StatusForbidden)
}

func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

func ValidationFailed(message string) *AppError {
	return New(CodeValidationFailed, message, http.StatusBadRequest)
}

func InvalidInput(field, reason string) *AppError {
	e := New(CodeInvalidInput, fmt.Sprintf("invalid input for '%s': %s", field, reason), http.StatusBadRequest)
	e.Details = map[string]any{"field": field}
	return e
}

func MissingField(field string) *AppError {
	e := New(CodeMissingField, "missing required field: "+field, http.StatusBadRequest)
	e.Details = map[string]any{"field": field}
	return e
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, resource+" not found", http.StatusNotFound)
}

// =============================================================================
// Mailbox / ingestion
// =============================================================================

func ProviderConnect(provider, diagnostic string, err error) *AppError {
	return &AppError{
		Code:    CodeProviderConnect,
		Message: fmt.Sprintf("could not connect to %s: %s", provider, diagnostic),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

// ProviderFailure is a provider call that failed after the connection was
// established.
func ProviderFailure(provider string, err error) *AppError {
	return &AppError{
		Code:    CodeProviderError,
		Message: provider + " request failed",
		Status:  http.StatusBadGateway,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

// RateLimited reports upstream quota pushback. retryAfter is omitted when
// the provider gave no hint.
func RateLimited(provider string, retryAfter time.Duration, err error) *AppError {
	e := &AppError{
		Code:    CodeRateLimited,
		Message: provider + " rate limit reached, try again later",
		Status:  http.StatusTooManyRequests,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
	if retryAfter > 0 {
		e.Details["retry_after_seconds"] = int(retryAfter.Seconds())
	}
	return e
}

func CredentialsUnreadable(err error) *AppError {
	return &AppError{
		Code:    CodeCredentials,
		Message: "stored credentials could not be decrypted",
		Status:  http.StatusUnprocessableEntity,
		Err:     err,
	}
}

func IngestionBusy() *AppError {
	return New(CodeIngestionBusy, "ingestion already running for this account", http.StatusConflict)
}

func AccountInactive() *AppError {
	return New(CodeAccountInactive, "email account is not active", http.StatusConflict)
}

// =============================================================================
// Internal
// =============================================================================

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return New(CodeInternalError, message, http.StatusInternalServerError)
}

func InternalWithError(err error) *AppError {
	e := Internal("")
	e.Err = err
	return e
}

func Timeout(operation string) *AppError {
	return New(CodeTimeout, "operation timed out: "+operation, http.StatusGatewayTimeout)
}
