package http

import (
	"context"
	"errors"
	"strings"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
	"intake_server/core/service/account"
	"intake_server/core/service/classification"
	"intake_server/infra/middleware"
	"intake_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

// GetViewer reads the caller set by the JWT middleware.
func GetViewer(c *fiber.Ctx) (in.Viewer, error) {
	userID, ok := c.Locals(middleware.LocalUserID).(string)
	if !ok || userID == "" {
		return in.Viewer{}, apperr.Unauthorized("")
	}
	role, _ := c.Locals(middleware.LocalGlobalRole).(domain.GlobalRole)
	if role == "" {
		role = domain.GlobalRoleUser
	}
	return in.Viewer{UserID: userID, GlobalRole: role}, nil
}

// toAppError maps service errors onto transport errors. resource names the
// thing that was not found.
func toAppError(err error, resource string) error {
	if err == nil {
		return nil
	}

	var (
		appErr   *apperr.AppError
		connErr  *domain.ConnectionError
		credErr  *domain.CredentialsError
		quotaErr *domain.QuotaError
		provErr  *out.ProviderError
	)
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, domain.ErrNotFound):
		return apperr.NotFound(resource)
	case errors.Is(err, domain.ErrUnknownProvider),
		errors.Is(err, domain.ErrInvalidCredentials),
		errors.Is(err, account.ErrNameRequired),
		errors.Is(err, account.ErrEmailRequired),
		errors.Is(err, classification.ErrInvalidSpamStatus):
		return apperr.ValidationFailed(err.Error())
	case errors.Is(err, domain.ErrAccountInactive):
		return apperr.AccountInactive()
	case errors.Is(err, domain.ErrIngestionInProgress):
		return apperr.IngestionBusy()
	case errors.As(err, &credErr):
		return apperr.CredentialsUnreadable(err)
	case errors.As(err, &connErr):
		return apperr.ProviderConnect(string(connErr.Provider), connErr.Diagnostic, err)
	case errors.As(err, &quotaErr):
		return apperr.RateLimited(string(quotaErr.Provider), quotaErr.RetryAfter, err)
	case errors.As(err, &provErr):
		return apperr.ProviderFailure(string(provErr.Provider), err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Timeout(resource)
	default:
		return apperr.InternalWithError(err)
	}
}

// ingestFailureMessage is the operator-facing text for a failed ingestion.
// It never includes raw driver or transport errors.
func ingestFailureMessage(err error) string {
	var (
		connErr  *domain.ConnectionError
		credErr  *domain.CredentialsError
		quotaErr *domain.QuotaError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "Email account not found"
	case errors.Is(err, domain.ErrAccountInactive):
		return "Email account is not active"
	case errors.Is(err, domain.ErrIngestionInProgress):
		return "Ingestion is already running for this account"
	case errors.As(err, &credErr):
		return "Stored credentials could not be read; please re-enter them"
	case errors.As(err, &connErr):
		return "Could not connect to mailbox: " + connErr.Diagnostic
	case errors.As(err, &quotaErr):
		return "Provider rate limit reached; try again later"
	case errors.Is(err, context.DeadlineExceeded):
		return "Ingestion timed out"
	default:
		return "Ingestion failed"
	}
}

func queryString(c *fiber.Ctx, key string) *string {
	val := strings.TrimSpace(c.Query(key))
	if val == "" {
		return nil
	}
	return &val
}
