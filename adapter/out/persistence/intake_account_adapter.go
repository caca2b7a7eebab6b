package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Email Account Adapter
// =============================================================================

// AccountAdapter implements out.AccountRepository.
type AccountAdapter struct {
	db *sqlx.DB
}

func NewAccountAdapter(db *sqlx.DB) *AccountAdapter {
	return &AccountAdapter{db: db}
}

type accountRow struct {
	ID                   string         `db:"id"`
	Name                 string         `db:"name"`
	Provider             string         `db:"provider"`
	EmailAddress         string         `db:"email_address"`
	EncryptedCredentials string         `db:"encrypted_credentials"`
	RedirectURI          sql.NullString `db:"redirect_uri"`
	IsActive             bool           `db:"is_active"`
	LastIngestedAt       sql.NullTime   `db:"last_ingested_at"`
	LastIngestedCount    int            `db:"last_ingested_count"`
	OwnerID              string         `db:"owner_id"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (r *accountRow) toEntity() *domain.EmailAccount {
	a := &domain.EmailAccount{
		ID:                   r.ID,
		Name:                 r.Name,
		Provider:             domain.ProviderKind(r.Provider),
		EmailAddress:         r.EmailAddress,
		EncryptedCredentials: r.EncryptedCredentials,
		IsActive:             r.IsActive,
		LastIngestedCount:    r.LastIngestedCount,
		OwnerID:              r.OwnerID,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if r.RedirectURI.Valid {
		a.RedirectURI = &r.RedirectURI.String
	}
	if r.LastIngestedAt.Valid {
		t := r.LastIngestedAt.Time
		a.LastIngestedAt = &t
	}
	return a
}

const accountColumns = `id, name, provider, email_address, encrypted_credentials, redirect_uri,
	is_active, last_ingested_at, last_ingested_count, owner_id, created_at, updated_at`

func (a *AccountAdapter) Create(ctx context.Context, acc *domain.EmailAccount) error {
	query := a.db.Rebind(`
		INSERT INTO email_accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := a.db.ExecContext(ctx, query,
		acc.ID, acc.Name, string(acc.Provider), acc.EmailAddress, acc.EncryptedCredentials,
		acc.RedirectURI, acc.IsActive, acc.LastIngestedAt, acc.LastIngestedCount,
		acc.OwnerID, acc.CreatedAt, acc.UpdatedAt,
	)
	return err
}

func (a *AccountAdapter) Update(ctx context.Context, acc *domain.EmailAccount) error {
	query := a.db.Rebind(`
		UPDATE email_accounts
		SET name = ?, email_address = ?, encrypted_credentials = ?, redirect_uri = ?,
			is_active = ?, updated_at = ?
		WHERE id = ?`)

	res, err := a.db.ExecContext(ctx, query,
		acc.Name, acc.EmailAddress, acc.EncryptedCredentials, acc.RedirectURI,
		acc.IsActive, acc.UpdatedAt, acc.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (a *AccountAdapter) GetByID(ctx context.Context, id string) (*domain.EmailAccount, error) {
	var row accountRow
	query := a.db.Rebind(`SELECT ` + accountColumns + ` FROM email_accounts WHERE id = ?`)

	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

func (a *AccountAdapter) ListByOwner(ctx context.Context, ownerID string) ([]*domain.EmailAccount, error) {
	query := a.db.Rebind(`SELECT ` + accountColumns + ` FROM email_accounts WHERE owner_id = ? ORDER BY created_at`)
	return a.list(ctx, query, ownerID)
}

func (a *AccountAdapter) ListActive(ctx context.Context) ([]*domain.EmailAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM email_accounts WHERE is_active = TRUE ORDER BY created_at`
	return a.list(ctx, query)
}

func (a *AccountAdapter) list(ctx context.Context, query string, args ...any) ([]*domain.EmailAccount, error) {
	var rows []accountRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	accounts := make([]*domain.EmailAccount, len(rows))
	for i := range rows {
		accounts[i] = rows[i].toEntity()
	}
	return accounts, nil
}

func (a *AccountAdapter) Delete(ctx context.Context, id string) error {
	res, err := a.db.ExecContext(ctx, a.db.Rebind(`DELETE FROM email_accounts WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (a *AccountAdapter) RecordIngestion(ctx context.Context, id string, at time.Time, count int) error {
	query := a.db.Rebind(`
		UPDATE email_accounts
		SET last_ingested_at = ?, last_ingested_count = ?, updated_at = ?
		WHERE id = ?`)

	res, err := a.db.ExecContext(ctx, query, at, count, at, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ out.AccountRepository = (*AccountAdapter)(nil)
