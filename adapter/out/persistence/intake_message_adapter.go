package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Message Adapter
// =============================================================================

// MessageAdapter implements out.MessageRepository.
type MessageAdapter struct {
	db *sqlx.DB
}

func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

type messageRow struct {
	ID                   string          `db:"id"`
	AccountID            sql.NullString  `db:"account_id"`
	Subject              string          `db:"subject"`
	Body                 string          `db:"body"`
	HTMLBody             string          `db:"html_body"`
	FromAddresses        string          `db:"from_addresses"`
	ToAddresses          string          `db:"to_addresses"`
	CcAddresses          string          `db:"cc_addresses"`
	BccAddresses         string          `db:"bcc_addresses"`
	ReceivedAt           time.Time       `db:"received_at"`
	Provider             string          `db:"provider"`
	ProviderMessageID    string          `db:"provider_message_id"`
	MessageIDHeader      string          `db:"message_id_header"`
	InReplyTo            string          `db:"in_reply_to"`
	References           string          `db:"references_header"`
	ThreadID             string          `db:"thread_id"`
	Status               string          `db:"status"`
	SpamStatus           string          `db:"spam_status"`
	SpamConfidence       float64         `db:"spam_confidence"`
	ProjectID            sql.NullString  `db:"project_id"`
	AssignedToID         sql.NullString  `db:"assigned_to_id"`
	AssignedToRoleID     sql.NullString  `db:"assigned_to_role_id"`
	AISuggestedProjectID sql.NullString  `db:"ai_suggested_project_id"`
	AIProjectConfidence  sql.NullFloat64 `db:"ai_project_confidence"`
	IsUnassigned         bool            `db:"is_unassigned"`
	ClassifiedAt         sql.NullTime    `db:"classified_at"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

func (r *messageRow) toEntity() *domain.Message {
	m := &domain.Message{
		ID:                   r.ID,
		AccountID:            nullString(r.AccountID),
		Subject:              r.Subject,
		Body:                 r.Body,
		HTMLBody:             r.HTMLBody,
		From:                 decodeAddresses(r.FromAddresses),
		To:                   decodeAddresses(r.ToAddresses),
		Cc:                   decodeAddresses(r.CcAddresses),
		Bcc:                  decodeAddresses(r.BccAddresses),
		ReceivedAt:           r.ReceivedAt,
		Provider:             domain.ProviderKind(r.Provider),
		ProviderMessageID:    r.ProviderMessageID,
		MessageIDHeader:      r.MessageIDHeader,
		InReplyTo:            r.InReplyTo,
		References:           strings.Fields(r.References),
		ThreadID:             r.ThreadID,
		Status:               domain.MessageStatus(r.Status),
		SpamStatus:           domain.SpamStatus(r.SpamStatus),
		SpamConfidence:       r.SpamConfidence,
		ProjectID:            nullString(r.ProjectID),
		AssignedToID:         nullString(r.AssignedToID),
		AssignedToRoleID:     nullString(r.AssignedToRoleID),
		AISuggestedProjectID: nullString(r.AISuggestedProjectID),
		IsUnassigned:         r.IsUnassigned,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if r.AIProjectConfidence.Valid {
		v := r.AIProjectConfidence.Float64
		m.AIProjectConfidence = &v
	}
	if r.ClassifiedAt.Valid {
		t := r.ClassifiedAt.Time
		m.ClassifiedAt = &t
	}
	return m
}

const messageColumns = `id, account_id, subject, body, html_body,
	from_addresses, to_addresses, cc_addresses, bcc_addresses, received_at,
	provider, provider_message_id, message_id_header, in_reply_to, references_header, thread_id,
	status, spam_status, spam_confidence, project_id, assigned_to_id, assigned_to_role_id,
	ai_suggested_project_id, ai_project_confidence, is_unassigned, classified_at,
	created_at, updated_at`

// =============================================================================
// Ingestion
// =============================================================================

func (a *MessageAdapter) ExistsByProviderID(ctx context.Context, provider domain.ProviderKind, providerMessageID string) (bool, error) {
	var n int
	query := a.db.Rebind(`SELECT COUNT(*) FROM emails WHERE provider = ? AND provider_message_id = ?`)
	if err := a.db.GetContext(ctx, &n, query, string(provider), providerMessageID); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Insert relies on the unique (provider, provider_message_id) key so a
// racing duplicate is dropped instead of failing.
func (a *MessageAdapter) Insert(ctx context.Context, m *domain.Message) (bool, error) {
	query := a.db.Rebind(`
		INSERT INTO emails (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_message_id) DO NOTHING`)

	res, err := a.db.ExecContext(ctx, query,
		m.ID, m.AccountID, m.Subject, m.Body, m.HTMLBody,
		encodeAddresses(m.From), encodeAddresses(m.To), encodeAddresses(m.Cc), encodeAddresses(m.Bcc), m.ReceivedAt,
		string(m.Provider), m.ProviderMessageID, m.MessageIDHeader, m.InReplyTo, strings.Join(m.References, " "), m.ThreadID,
		string(m.Status), string(m.SpamStatus), m.SpamConfidence, m.ProjectID, m.AssignedToID, m.AssignedToRoleID,
		m.AISuggestedProjectID, m.AIProjectConfidence, m.IsUnassigned, m.ClassifiedAt,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// =============================================================================
// Classification
// =============================================================================

func (a *MessageAdapter) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	return a.get(ctx, a.db, id)
}

func (a *MessageAdapter) get(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Message, error) {
	var row messageRow
	query := a.db.Rebind(`SELECT ` + messageColumns + ` FROM emails WHERE id = ?`)
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

func (a *MessageAdapter) SaveClassification(ctx context.Context, m *domain.Message) error {
	return a.saveClassification(ctx, a.db, m)
}

func (a *MessageAdapter) saveClassification(ctx context.Context, e sqlx.ExecerContext, m *domain.Message) error {
	query := a.db.Rebind(`
		UPDATE emails
		SET status = ?, spam_status = ?, spam_confidence = ?, project_id = ?,
			ai_suggested_project_id = ?, ai_project_confidence = ?, is_unassigned = ?,
			classified_at = ?, updated_at = ?
		WHERE id = ?`)

	m.UpdatedAt = time.Now().UTC()
	res, err := e.ExecContext(ctx, query,
		string(m.Status), string(m.SpamStatus), m.SpamConfidence, m.ProjectID,
		m.AISuggestedProjectID, m.AIProjectConfidence, m.IsUnassigned,
		m.ClassifiedAt, m.UpdatedAt, m.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (a *MessageAdapter) ListUnprocessed(ctx context.Context, limit int) ([]*domain.Message, error) {
	query := a.db.Rebind(`
		SELECT ` + messageColumns + ` FROM emails
		WHERE spam_status = ? AND ai_suggested_project_id IS NULL
		ORDER BY received_at
		LIMIT ?`)

	var rows []messageRow
	if err := a.db.SelectContext(ctx, &rows, query, string(domain.SpamStatusNotSpam), limit); err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

func (a *MessageAdapter) UpdateBatch(ctx context.Context, ids []string, fn func(*domain.Message) error) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		m, err := a.get(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		if err := fn(m); err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		if err := a.saveClassification(ctx, tx, m); err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// =============================================================================
// Visibility
// =============================================================================

// likeEscaper makes a search term match literally inside LIKE ... ESCAPE '\'.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// scopeWhere renders a resolved scope as a WHERE clause over alias e.
// ok is false when the scope cannot match anything.
func scopeWhere(scope domain.MessageScope) (clause string, args []any, ok bool, err error) {
	if scope.Empty {
		return "", nil, false, nil
	}

	var conds []string

	if scope.All {
		if len(scope.ProjectIDs) > 0 {
			c, a, err := sqlx.In(`e.project_id IN (?)`, scope.ProjectIDs)
			if err != nil {
				return "", nil, false, err
			}
			conds = append(conds, c)
			args = append(args, a...)
		}
	} else {
		var branches []string
		if len(scope.ProjectIDs) > 0 {
			c, a, err := sqlx.In(`e.project_id IN (?)`, scope.ProjectIDs)
			if err != nil {
				return "", nil, false, err
			}
			branches = append(branches, c)
			args = append(args, a...)
		}
		if scope.AssignedTo != "" {
			assigned := `(e.assigned_to_id = ? OR EXISTS (
				SELECT 1 FROM message_assignments ma WHERE ma.email_id = e.id AND ma.user_id = ?))`
			args = append(args, scope.AssignedTo, scope.AssignedTo)
			if scope.AssignedWithin != nil {
				c, a, err := sqlx.In(`e.project_id IN (?)`, scope.AssignedWithin)
				if err != nil {
					return "", nil, false, err
				}
				assigned = "(" + assigned + " AND " + c + ")"
				args = append(args, a...)
			}
			branches = append(branches, assigned)
		}
		if len(branches) == 0 {
			return "", nil, false, nil
		}
		conds = append(conds, "("+strings.Join(branches, " OR ")+")")
	}

	if scope.Status != nil {
		conds = append(conds, `e.status = ?`)
		args = append(args, string(*scope.Status))
	}
	if scope.SpamStatus != nil {
		conds = append(conds, `e.spam_status = ?`)
		args = append(args, string(*scope.SpamStatus))
	}
	if term := strings.TrimSpace(scope.Search); term != "" {
		like := "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"
		conds = append(conds, `(LOWER(e.subject) LIKE ? ESCAPE '\' OR LOWER(e.body) LIKE ? ESCAPE '\')`)
		args = append(args, like, like)
	}

	if len(conds) == 0 {
		return "1 = 1", nil, true, nil
	}
	return strings.Join(conds, " AND "), args, true, nil
}

func (a *MessageAdapter) ListByScope(ctx context.Context, scope domain.MessageScope, limit, offset int) ([]*domain.Message, int64, error) {
	where, args, ok, err := scopeWhere(scope)
	if err != nil || !ok {
		return nil, 0, err
	}

	var total int64
	countQuery := a.db.Rebind(`SELECT COUNT(*) FROM emails e WHERE ` + where)
	if err := a.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, nil
	}

	listQuery := a.db.Rebind(`SELECT ` + prefixed("e", messageColumns) + ` FROM emails e WHERE ` + where +
		` ORDER BY e.received_at DESC LIMIT ? OFFSET ?`)

	var rows []messageRow
	if err := a.db.SelectContext(ctx, &rows, listQuery, append(args, limit, offset)...); err != nil {
		return nil, 0, err
	}
	return toMessages(rows), total, nil
}

func (a *MessageAdapter) InScope(ctx context.Context, scope domain.MessageScope, id string) (bool, error) {
	where, args, ok, err := scopeWhere(scope)
	if err != nil || !ok {
		return false, err
	}

	var n int
	query := a.db.Rebind(`SELECT COUNT(*) FROM emails e WHERE e.id = ? AND ` + where)
	if err := a.db.GetContext(ctx, &n, query, append([]any{id}, args...)...); err != nil {
		return false, err
	}
	return n > 0, nil
}

// =============================================================================
// Helpers
// =============================================================================

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func toMessages(rows []messageRow) []*domain.Message {
	msgs := make([]*domain.Message, len(rows))
	for i := range rows {
		msgs[i] = rows[i].toEntity()
	}
	return msgs
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func encodeAddresses(addrs []domain.Address) string {
	if len(addrs) == 0 {
		return "[]"
	}
	data, err := json.Marshal(addrs)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeAddresses(s string) []domain.Address {
	if s == "" || s == "[]" {
		return nil
	}
	var addrs []domain.Address
	if err := json.Unmarshal([]byte(s), &addrs); err != nil {
		return nil
	}
	return addrs
}

var _ out.MessageRepository = (*MessageAdapter)(nil)
