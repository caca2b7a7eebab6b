package out

import (
	"context"
	"time"

	"intake_server/core/domain"
)

// =============================================================================
// Mail Provider Port
// =============================================================================

// MailProvider is the uniform contract every mailbox protocol implements.
// A provider is single-use: Connect, any number of fetches, Disconnect.
type MailProvider interface {
	// Connect authenticates. Failures are *domain.ConnectionError.
	Connect(ctx context.Context) error
	// FetchEmails returns messages received at or after since. A nil since
	// fetches the whole mailbox.
	FetchEmails(ctx context.Context, since *time.Time) ([]FetchedMessage, error)
	Disconnect(ctx context.Context) error
	// DownloadAttachment retrieves bytes for a placeholder returned by
	// FetchEmails. messageRef is FetchedMessage.FetchRef.
	DownloadAttachment(ctx context.Context, messageRef, attachmentID string) ([]byte, error)
	Kind() domain.ProviderKind
}

// MailProviderFactory selects the adapter for cfg.Provider.
type MailProviderFactory interface {
	Create(cfg AdapterConfig) (MailProvider, error)
}

// AdapterConfig is everything an adapter needs to open one mailbox.
type AdapterConfig struct {
	AccountID    string
	Provider     domain.ProviderKind
	EmailAddress string
	Credentials  domain.Credentials
}

// FetchedMessage is the protocol-agnostic shape adapters normalize into.
type FetchedMessage struct {
	ProviderMessageID string
	// FetchRef is the native handle used for attachment downloads
	// (Gmail/Graph message id, IMAP UID).
	FetchRef        string
	ThreadID        string
	MessageIDHeader string
	InReplyTo       string
	References      []string

	Subject  string
	TextBody string
	HTMLBody string

	From []domain.Address
	To   []domain.Address
	Cc   []domain.Address
	Bcc  []domain.Address

	ReceivedAt  time.Time
	Attachments []FetchedAttachment
}

// FetchedAttachment is a placeholder. Bytes are fetched lazily.
type FetchedAttachment struct {
	ProviderAttachmentID string
	Filename             string
	ContentType          string
	Size                 int64
}

// =============================================================================
// Provider Error
// =============================================================================

type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
)

// ProviderError is a non-quota API failure.
type ProviderError struct {
	Provider   domain.ProviderKind
	Code       ProviderErrorCode
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return string(e.Provider) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Provider) + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ClientSide reports whether retrying the same request cannot help.
func (e *ProviderError) ClientSide() bool {
	return e.Code == ProviderErrAuth || e.Code == ProviderErrNotFound || e.Code == ProviderErrInvalidInput
}

func NewProviderError(provider domain.ProviderKind, code ProviderErrorCode, status int, message string, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		StatusCode: status,
		Message:    message,
		Err:        err,
	}
}
