package persistence

import (
	"context"
	"strings"

	"intake_server/core/domain"
	"intake_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Project / Membership Read Models
// =============================================================================

// ProjectAdapter reads projects and memberships. Both tables are owned by
// the project administration surface; this service never writes them.
type ProjectAdapter struct {
	db *sqlx.DB
}

func NewProjectAdapter(db *sqlx.DB) *ProjectAdapter {
	return &ProjectAdapter{db: db}
}

type projectRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Keywords    string `db:"keywords"`
	ClientName  string `db:"client_name"`
	IsActive    bool   `db:"is_active"`
}

func (r *projectRow) toEntity() *domain.Project {
	var keywords []string
	for _, k := range strings.Split(r.Keywords, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &domain.Project{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Keywords:    keywords,
		ClientName:  r.ClientName,
		IsActive:    r.IsActive,
	}
}

func (a *ProjectAdapter) ListActive(ctx context.Context) ([]*domain.Project, error) {
	var rows []projectRow
	query := `SELECT id, name, description, keywords, client_name, is_active FROM projects WHERE is_active = TRUE ORDER BY name`
	if err := a.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	projects := make([]*domain.Project, len(rows))
	for i := range rows {
		projects[i] = rows[i].toEntity()
	}
	return projects, nil
}

type membershipRow struct {
	UserID    string `db:"user_id"`
	ProjectID string `db:"project_id"`
	RoleID    string `db:"role_id"`
	RoleType  string `db:"role_type"`
}

func (a *ProjectAdapter) ListByUser(ctx context.Context, userID string) ([]*domain.Membership, error) {
	var rows []membershipRow
	query := a.db.Rebind(`SELECT user_id, project_id, role_id, role_type FROM project_memberships WHERE user_id = ?`)
	if err := a.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}

	ms := make([]*domain.Membership, len(rows))
	for i, r := range rows {
		ms[i] = &domain.Membership{
			UserID:    r.UserID,
			ProjectID: r.ProjectID,
			RoleID:    r.RoleID,
			RoleType:  domain.RoleType(r.RoleType),
		}
	}
	return ms, nil
}

var (
	_ out.ProjectRepository    = (*ProjectAdapter)(nil)
	_ out.MembershipRepository = (*ProjectAdapter)(nil)
)
