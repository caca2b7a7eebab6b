package in

import (
	"context"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

// =============================================================================
// Account Registry
// =============================================================================

type AccountService interface {
	Create(ctx context.Context, input *CreateAccountInput, ownerID string) (*domain.EmailAccount, error)
	Update(ctx context.Context, id, ownerID string, input *UpdateAccountInput) (*domain.EmailAccount, error)
	Get(ctx context.Context, id, ownerID string) (*domain.EmailAccount, error)
	List(ctx context.Context, ownerID string) ([]*domain.EmailAccount, error)
	Delete(ctx context.Context, id, ownerID string) error

	GetDecryptedCredentials(ctx context.Context, id, ownerID string) (*domain.Credentials, error)

	// IngestFromAccount runs one ingestion cycle and returns how many new
	// messages were stored.
	IngestFromAccount(ctx context.Context, id, ownerID string, since *time.Time) (int, error)
	IngestScheduled(ctx context.Context, account *domain.EmailAccount) (int, error)
	ListActive(ctx context.Context) ([]*domain.EmailAccount, error)
}

type CreateAccountInput struct {
	Name         string              `json:"name"`
	Provider     domain.ProviderKind `json:"provider"`
	EmailAddress string              `json:"emailAddress"`
	Credentials  domain.Credentials  `json:"credentials"`
	RedirectURI  *string             `json:"redirectUri,omitempty"`
	IsActive     *bool               `json:"isActive,omitempty"`
}

// UpdateAccountInput is a partial update. Nil fields are left alone.
type UpdateAccountInput struct {
	Name         *string             `json:"name,omitempty"`
	EmailAddress *string             `json:"emailAddress,omitempty"`
	Credentials  *domain.Credentials `json:"credentials,omitempty"`
	RedirectURI  *string             `json:"redirectUri,omitempty"`
	IsActive     *bool               `json:"isActive,omitempty"`
}

// =============================================================================
// Ingestion
// =============================================================================

type IngestionService interface {
	Ingest(ctx context.Context, cfg out.AdapterConfig, since *time.Time) (*IngestResult, error)
}

// IngestResult counts what happened to each fetched message.
type IngestResult struct {
	Fetched  int `json:"fetched"`
	Ingested int `json:"ingested"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// =============================================================================
// Classification
// =============================================================================

type ProcessorService interface {
	Process(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	ClassifyByID(ctx context.Context, id string) (*domain.Message, error)
	ClassifyBatch(ctx context.Context, ids []string) (*BatchResult, error)
	ProcessUnprocessed(ctx context.Context) (*BatchResult, error)
	MarkSpamStatus(ctx context.Context, ids []string, status domain.SpamStatus) error
}

type BatchResult struct {
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	Errors    []BatchError `json:"errors,omitempty"`
}

type BatchError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// =============================================================================
// Visibility
// =============================================================================

// Viewer is the authenticated caller a read is resolved for.
type Viewer struct {
	UserID     string
	GlobalRole domain.GlobalRole
}

type Page struct {
	Limit  int
	Offset int
}

type MessagePage struct {
	Items  []*domain.Message `json:"items"`
	Total  int64             `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

type VisibilityService interface {
	Resolve(ctx context.Context, viewer Viewer, filter domain.MessageFilter) (domain.MessageScope, error)
	ListVisible(ctx context.Context, viewer Viewer, filter domain.MessageFilter, page Page) (*MessagePage, error)
	CanView(ctx context.Context, viewer Viewer, messageID string) (bool, error)
	// GetVisible returns the message with its attachments, or
	// domain.ErrNotFound when it does not exist or is not visible.
	GetVisible(ctx context.Context, viewer Viewer, messageID string) (*domain.Message, error)
}
