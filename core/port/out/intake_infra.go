package out

import (
	"context"
	"time"

	"intake_server/core/domain"
)

// AttachmentStore writes attachment bytes under a per-message directory.
type AttachmentStore interface {
	Save(ctx context.Context, messageID, filename string, data []byte) (string, error)
	Open(ctx context.Context, path string) ([]byte, error)
}

// ReleaseFunc gives up a lease. It is safe to call more than once.
type ReleaseFunc func(ctx context.Context) error

// AccountLocker grants one ingestion lease per account at a time.
// Acquire returns domain.ErrIngestionInProgress when the lease is held.
type AccountLocker interface {
	Acquire(ctx context.Context, accountID string, ttl time.Duration) (ReleaseFunc, error)
}

// ClassificationModel is the external language model contract. It returns
// the raw verdict; policy is applied by the caller.
type ClassificationModel interface {
	ClassifyCombined(ctx context.Context, content string, candidates []domain.ProjectCandidate) (*domain.CombinedVerdict, error)
}
