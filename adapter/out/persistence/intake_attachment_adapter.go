package persistence

import (
	"context"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Attachment Adapter
// =============================================================================

// AttachmentAdapter implements out.AttachmentRepository.
type AttachmentAdapter struct {
	db *sqlx.DB
}

func NewAttachmentAdapter(db *sqlx.DB) *AttachmentAdapter {
	return &AttachmentAdapter{db: db}
}

type attachmentRow struct {
	ID                   string    `db:"id"`
	EmailID              string    `db:"email_id"`
	Filename             string    `db:"filename"`
	ContentType          string    `db:"content_type"`
	Size                 int64     `db:"size"`
	FilePath             string    `db:"file_path"`
	ProviderAttachmentID string    `db:"provider_attachment_id"`
	CreatedAt            time.Time `db:"created_at"`
}

func (r *attachmentRow) toEntity() *domain.Attachment {
	return &domain.Attachment{
		ID:                   r.ID,
		MessageID:            r.EmailID,
		Filename:             r.Filename,
		ContentType:          r.ContentType,
		Size:                 r.Size,
		FilePath:             r.FilePath,
		ProviderAttachmentID: r.ProviderAttachmentID,
		CreatedAt:            r.CreatedAt,
	}
}

func (a *AttachmentAdapter) Create(ctx context.Context, att *domain.Attachment) error {
	query := a.db.Rebind(`
		INSERT INTO email_attachments (id, email_id, filename, content_type, size, file_path, provider_attachment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := a.db.ExecContext(ctx, query,
		att.ID, att.MessageID, att.Filename, att.ContentType, att.Size,
		att.FilePath, att.ProviderAttachmentID, att.CreatedAt,
	)
	return err
}

func (a *AttachmentAdapter) ListByMessage(ctx context.Context, messageID string) ([]*domain.Attachment, error) {
	query := a.db.Rebind(`
		SELECT id, email_id, filename, content_type, size, file_path, provider_attachment_id, created_at
		FROM email_attachments
		WHERE email_id = ?
		ORDER BY created_at`)

	var rows []attachmentRow
	if err := a.db.SelectContext(ctx, &rows, query, messageID); err != nil {
		return nil, err
	}

	atts := make([]*domain.Attachment, len(rows))
	for i := range rows {
		atts[i] = rows[i].toEntity()
	}
	return atts, nil
}

var _ out.AttachmentRepository = (*AttachmentAdapter)(nil)
