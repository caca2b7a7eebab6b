// Package ingestion drives one mailbox adapter through a fetch cycle and
// stages what it returns.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"

	"github.com/google/uuid"
)

type Orchestrator struct {
	factory     out.MailProviderFactory
	messages    out.MessageRepository
	attachments out.AttachmentRepository
	store       out.AttachmentStore
	now         func() time.Time
}

func NewOrchestrator(
	factory out.MailProviderFactory,
	messages out.MessageRepository,
	attachments out.AttachmentRepository,
	store out.AttachmentStore,
) *Orchestrator {
	return &Orchestrator{
		factory:     factory,
		messages:    messages,
		attachments: attachments,
		store:       store,
		now:         time.Now,
	}
}

// Ingest connects, fetches and stores every message not seen before.
// Connect and fetch failures abort the run. Failures of a single message
// are counted and logged.
func (o *Orchestrator) Ingest(ctx context.Context, cfg out.AdapterConfig, since *time.Time) (*in.IngestResult, error) {
	provider, err := o.factory.Create(cfg)
	if err != nil {
		return nil, err
	}
	log := logger.WithFields(map[string]any{
		"account_id": cfg.AccountID,
		"provider":   cfg.Provider,
	})

	if err := provider.Connect(ctx); err != nil {
		return nil, err
	}

	fetched, err := provider.FetchEmails(ctx, since)
	if err != nil {
		o.disconnect(provider, log)
		return nil, fmt.Errorf("fetch failed: %w", err)
	}

	result := &in.IngestResult{Fetched: len(fetched)}
	for i := range fetched {
		if ctx.Err() != nil {
			break
		}
		stored, err := o.ingestOne(ctx, provider, cfg, &fetched[i], log)
		switch {
		case err != nil:
			result.Failed++
			log.WithError(err).Warn("[Ingestion] skipping message %s", fetched[i].ProviderMessageID)
		case stored:
			result.Ingested++
		default:
			result.Skipped++
		}
	}

	o.disconnect(provider, log)
	log.Info("[Ingestion] fetched=%d ingested=%d skipped=%d failed=%d",
		result.Fetched, result.Ingested, result.Skipped, result.Failed)
	return result, ctx.Err()
}

func (o *Orchestrator) disconnect(provider out.MailProvider, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := provider.Disconnect(ctx); err != nil {
		log.WithError(err).Warn("[Ingestion] disconnect failed")
	}
}

func (o *Orchestrator) ingestOne(ctx context.Context, provider out.MailProvider, cfg out.AdapterConfig, fm *out.FetchedMessage, log *logger.Logger) (stored bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			stored, err = false, fmt.Errorf("panic while ingesting: %v", r)
		}
	}()

	if fm.ProviderMessageID == "" {
		return false, fmt.Errorf("message has no provider id")
	}

	exists, err := o.messages.ExistsByProviderID(ctx, cfg.Provider, fm.ProviderMessageID)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	if exists {
		return false, nil
	}

	msg := o.toMessage(cfg, fm)
	inserted, err := o.messages.Insert(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("insert: %w", err)
	}
	if !inserted {
		// lost a race with a concurrent run
		return false, nil
	}

	for _, fa := range fm.Attachments {
		if err := o.storeAttachment(ctx, provider, msg.ID, fm.FetchRef, fa); err != nil {
			log.WithError(err).Warn("[Ingestion] attachment %q of %s not stored", fa.Filename, msg.ID)
		}
	}
	return true, nil
}

func (o *Orchestrator) toMessage(cfg out.AdapterConfig, fm *out.FetchedMessage) *domain.Message {
	now := o.now().UTC()
	received := fm.ReceivedAt
	if received.IsZero() {
		received = now
	}

	var accountID *string
	if cfg.AccountID != "" {
		id := cfg.AccountID
		accountID = &id
	}

	msg := &domain.Message{
		ID:                uuid.NewString(),
		AccountID:         accountID,
		Subject:           fm.Subject,
		Body:              fm.TextBody,
		HTMLBody:          fm.HTMLBody,
		From:              fm.From,
		To:                fm.To,
		Cc:                fm.Cc,
		Bcc:               fm.Bcc,
		ReceivedAt:        received.UTC(),
		Provider:          cfg.Provider,
		ProviderMessageID: fm.ProviderMessageID,
		MessageIDHeader:   fm.MessageIDHeader,
		InReplyTo:         fm.InReplyTo,
		References:        fm.References,
		ThreadID:          fm.ThreadID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	msg.Stage()
	return msg
}

func (o *Orchestrator) storeAttachment(ctx context.Context, provider out.MailProvider, messageID, fetchRef string, fa out.FetchedAttachment) error {
	data, err := provider.DownloadAttachment(ctx, fetchRef, fa.ProviderAttachmentID)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	filePath, err := o.store.Save(ctx, messageID, fa.Filename, data)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}

	contentType := fa.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return o.attachments.Create(ctx, &domain.Attachment{
		ID:                   uuid.NewString(),
		MessageID:            messageID,
		Filename:             fa.Filename,
		ContentType:          contentType,
		Size:                 int64(len(data)),
		FilePath:             filePath,
		ProviderAttachmentID: fa.ProviderAttachmentID,
		CreatedAt:            o.now().UTC(),
	})
}

var _ in.IngestionService = (*Orchestrator)(nil)
