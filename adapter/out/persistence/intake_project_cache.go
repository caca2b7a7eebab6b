package persistence

import (
	"context"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/cache"
	"intake_server/pkg/logger"
)

const activeProjectsKey = "projects:active"

// CachedProjects keeps the active project list in a shared cache so batch
// classification does not hit the projects table once per message.
// Cache failures fall through to the repository.
type CachedProjects struct {
	out.ProjectRepository
	cache cache.JSONCache
	ttl   time.Duration
}

var _ out.ProjectRepository = (*CachedProjects)(nil)

func NewCachedProjects(repo out.ProjectRepository, c cache.JSONCache, ttl time.Duration) *CachedProjects {
	return &CachedProjects{ProjectRepository: repo, cache: c, ttl: ttl}
}

func (p *CachedProjects) ListActive(ctx context.Context) ([]*domain.Project, error) {
	var projects []*domain.Project
	hit, err := p.cache.GetJSON(ctx, activeProjectsKey, &projects)
	if err != nil {
		logger.WithError(err).Warn("[CachedProjects] cache read failed")
	} else if hit {
		return projects, nil
	}

	projects, err = p.ProjectRepository.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.cache.SetJSON(ctx, activeProjectsKey, projects, p.ttl); err != nil {
		logger.WithError(err).Warn("[CachedProjects] cache write failed")
	}
	return projects, nil
}
