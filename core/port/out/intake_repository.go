package out

import (
	"context"
	"time"

	"intake_server/core/domain"
)

// AccountRepository persists email accounts. Lookups of missing rows
// return domain.ErrNotFound.
type AccountRepository interface {
	Create(ctx context.Context, account *domain.EmailAccount) error
	Update(ctx context.Context, account *domain.EmailAccount) error
	GetByID(ctx context.Context, id string) (*domain.EmailAccount, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.EmailAccount, error)
	ListActive(ctx context.Context) ([]*domain.EmailAccount, error)
	Delete(ctx context.Context, id string) error
	RecordIngestion(ctx context.Context, id string, at time.Time, count int) error
}

// MessageRepository persists messages.
type MessageRepository interface {
	ExistsByProviderID(ctx context.Context, provider domain.ProviderKind, providerMessageID string) (bool, error)
	// Insert stores msg unless its dedup key already exists, in which case
	// it reports false and leaves storage untouched.
	Insert(ctx context.Context, msg *domain.Message) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	SaveClassification(ctx context.Context, msg *domain.Message) error
	// ListUnprocessed returns not_spam messages with no AI suggestion yet.
	ListUnprocessed(ctx context.Context, limit int) ([]*domain.Message, error)
	// UpdateBatch loads each id, applies fn and saves the classification
	// fields, all in one transaction. A missing id rolls everything back.
	UpdateBatch(ctx context.Context, ids []string, fn func(*domain.Message) error) error

	ListByScope(ctx context.Context, scope domain.MessageScope, limit, offset int) ([]*domain.Message, int64, error)
	InScope(ctx context.Context, scope domain.MessageScope, id string) (bool, error)
}

type AttachmentRepository interface {
	Create(ctx context.Context, att *domain.Attachment) error
	ListByMessage(ctx context.Context, messageID string) ([]*domain.Attachment, error)
}

// ProjectRepository is a read model for classification candidates.
type ProjectRepository interface {
	ListActive(ctx context.Context) ([]*domain.Project, error)
}

// MembershipRepository is a read model for visibility.
type MembershipRepository interface {
	ListByUser(ctx context.Context, userID string) ([]*domain.Membership, error)
}
