// Package account is the registry for mailboxes. It is the only code that
// decrypts stored credentials and the only caller of ingestion per account.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
	"intake_server/pkg/crypto"
	"intake_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var (
	ErrSecretMissing = errors.New("credentials secret is not configured")
	ErrNameRequired  = errors.New("account name is required")
	ErrEmailRequired = errors.New("account email address is required")
)

// DefaultLeaseTTL bounds one ingestion run when no TTL is configured.
const DefaultLeaseTTL = 30 * time.Minute

type Service struct {
	repo     out.AccountRepository
	vault    *crypto.Vault
	secret   string
	ingester in.IngestionService
	locker   out.AccountLocker
	leaseTTL time.Duration
	now      func() time.Time
}

func NewService(
	repo out.AccountRepository,
	vault *crypto.Vault,
	secret string,
	ingester in.IngestionService,
	locker out.AccountLocker,
	leaseTTL time.Duration,
) *Service {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Service{
		repo:     repo,
		vault:    vault,
		secret:   secret,
		ingester: ingester,
		locker:   locker,
		leaseTTL: leaseTTL,
		now:      time.Now,
	}
}

// =============================================================================
// CRUD
// =============================================================================

func (s *Service) Create(ctx context.Context, input *in.CreateAccountInput, ownerID string) (*domain.EmailAccount, error) {
	if !input.Provider.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, input.Provider)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	address := strings.TrimSpace(input.EmailAddress)
	if address == "" {
		return nil, ErrEmailRequired
	}

	creds := input.Credentials
	if creds.RedirectURI == "" && input.RedirectURI != nil {
		creds.RedirectURI = *input.RedirectURI
	}
	if err := creds.Validate(input.Provider); err != nil {
		return nil, err
	}
	sealed, err := s.seal(&creds)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	acc := &domain.EmailAccount{
		ID:                   uuid.NewString(),
		Name:                 name,
		Provider:             input.Provider,
		EmailAddress:         address,
		EncryptedCredentials: sealed,
		RedirectURI:          input.RedirectURI,
		IsActive:             true,
		OwnerID:              ownerID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if input.IsActive != nil {
		acc.IsActive = *input.IsActive
	}

	if err := s.repo.Create(ctx, acc); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	logger.WithFields(map[string]any{
		"account_id": acc.ID,
		"provider":   acc.Provider,
	}).Info("[AccountService] created account %s", acc.EmailAddress)
	return acc, nil
}

// Update applies the non-nil fields. Credentials are re-sealed only when
// new ones are supplied.
func (s *Service) Update(ctx context.Context, id, ownerID string, input *in.UpdateAccountInput) (*domain.EmailAccount, error) {
	acc, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, ErrNameRequired
		}
		acc.Name = name
	}
	if input.EmailAddress != nil {
		address := strings.TrimSpace(*input.EmailAddress)
		if address == "" {
			return nil, ErrEmailRequired
		}
		acc.EmailAddress = address
	}
	if input.RedirectURI != nil {
		acc.RedirectURI = input.RedirectURI
	}
	if input.IsActive != nil {
		acc.IsActive = *input.IsActive
	}
	if input.Credentials != nil {
		creds := *input.Credentials
		if creds.RedirectURI == "" && acc.RedirectURI != nil {
			creds.RedirectURI = *acc.RedirectURI
		}
		if err := creds.Validate(acc.Provider); err != nil {
			return nil, err
		}
		sealed, err := s.seal(&creds)
		if err != nil {
			return nil, err
		}
		acc.EncryptedCredentials = sealed
	}

	acc.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, acc); err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	return acc, nil
}

// Get returns domain.ErrNotFound for accounts owned by someone else, so
// callers cannot probe for foreign ids.
func (s *Service) Get(ctx context.Context, id, ownerID string) (*domain.EmailAccount, error) {
	acc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return acc, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]*domain.EmailAccount, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

func (s *Service) ListActive(ctx context.Context) ([]*domain.EmailAccount, error) {
	return s.repo.ListActive(ctx)
}

func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	if _, err := s.Get(ctx, id, ownerID); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// =============================================================================
// Credentials
// =============================================================================

func (s *Service) GetDecryptedCredentials(ctx context.Context, id, ownerID string) (*domain.Credentials, error) {
	acc, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	return s.open(acc)
}

func (s *Service) seal(creds *domain.Credentials) (string, error) {
	if s.secret == "" {
		return "", ErrSecretMissing
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("failed to encode credentials: %w", err)
	}
	sealed, err := s.vault.Encrypt(string(raw), s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return sealed, nil
}

func (s *Service) open(acc *domain.EmailAccount) (*domain.Credentials, error) {
	if s.secret == "" {
		return nil, &domain.CredentialsError{AccountID: acc.ID, Err: ErrSecretMissing}
	}
	plain, err := s.vault.Decrypt(acc.EncryptedCredentials, s.secret)
	if err != nil {
		return nil, &domain.CredentialsError{AccountID: acc.ID, Err: err}
	}
	var creds domain.Credentials
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		return nil, &domain.CredentialsError{AccountID: acc.ID, Err: fmt.Errorf("credentials payload is not valid JSON: %w", err)}
	}
	return &creds, nil
}

// =============================================================================
// Ingestion
// =============================================================================

func (s *Service) IngestFromAccount(ctx context.Context, id, ownerID string, since *time.Time) (int, error) {
	acc, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return 0, err
	}
	return s.ingest(ctx, acc, since)
}

// IngestScheduled ingests on behalf of the owner, starting where the last
// successful run stopped.
func (s *Service) IngestScheduled(ctx context.Context, acc *domain.EmailAccount) (int, error) {
	return s.ingest(ctx, acc, acc.LastIngestedAt)
}

func (s *Service) ingest(ctx context.Context, acc *domain.EmailAccount, since *time.Time) (int, error) {
	if !acc.IsActive {
		return 0, domain.ErrAccountInactive
	}

	release, err := s.locker.Acquire(ctx, acc.ID, s.leaseTTL)
	if err != nil {
		return 0, err
	}
	defer func() {
		// the run context may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			logger.WithError(err).Warn("[AccountService] failed to release ingestion lease for %s", acc.ID)
		}
	}()

	creds, err := s.open(acc)
	if err != nil {
		return 0, err
	}
	if creds.RedirectURI == "" && acc.RedirectURI != nil {
		creds.RedirectURI = *acc.RedirectURI
	}

	startedAt := s.now().UTC()
	result, err := s.ingester.Ingest(ctx, out.AdapterConfig{
		AccountID:    acc.ID,
		Provider:     acc.Provider,
		EmailAddress: acc.EmailAddress,
		Credentials:  *creds,
	}, since)
	if err != nil {
		return 0, err
	}

	if err := s.repo.RecordIngestion(ctx, acc.ID, startedAt, result.Ingested); err != nil {
		return result.Ingested, fmt.Errorf("failed to record ingestion: %w", err)
	}
	acc.LastIngestedAt = &startedAt
	acc.LastIngestedCount = result.Ingested

	logger.WithFields(map[string]any{
		"account_id": acc.ID,
		"fetched":    result.Fetched,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
	}).Info("[AccountService] ingested %d new messages from %s", result.Ingested, acc.EmailAddress)
	return result.Ingested, nil
}

var _ in.AccountService = (*Service)(nil)
