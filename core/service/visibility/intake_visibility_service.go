// Package visibility decides which messages a user may read.
package visibility

import (
	"context"
	"fmt"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type Service struct {
	messages    out.MessageRepository
	attachments out.AttachmentRepository
	memberships out.MembershipRepository
}

func NewService(messages out.MessageRepository, attachments out.AttachmentRepository, memberships out.MembershipRepository) *Service {
	return &Service{
		messages:    messages,
		attachments: attachments,
		memberships: memberships,
	}
}

func (s *Service) Resolve(ctx context.Context, viewer in.Viewer, filter domain.MessageFilter) (domain.MessageScope, error) {
	if viewer.GlobalRole == domain.GlobalRoleSuperUser {
		return ResolveScope(viewer, nil, filter), nil
	}
	if viewer.UserID == "" {
		return domain.EmptyScope(), nil
	}

	memberships, err := s.memberships.ListByUser(ctx, viewer.UserID)
	if err != nil {
		return domain.MessageScope{}, fmt.Errorf("failed to load memberships: %w", err)
	}
	return ResolveScope(viewer, memberships, filter), nil
}

// ResolveScope is the visibility policy.
//
// A super user sees everything, narrowed to the filter project if any.
// Everyone else sees all messages of projects they manage plus messages
// individually assigned to them. A filter project the user does not belong
// to yields the empty scope. There is never a fallback to everything.
func ResolveScope(viewer in.Viewer, memberships []*domain.Membership, filter domain.MessageFilter) domain.MessageScope {
	var scope domain.MessageScope

	switch {
	case viewer.GlobalRole == domain.GlobalRoleSuperUser:
		scope.All = true
		if filter.ProjectID != nil {
			scope.ProjectIDs = []string{*filter.ProjectID}
		}

	case viewer.UserID == "":
		return domain.EmptyScope()

	case filter.ProjectID != nil:
		p := *filter.ProjectID
		role, member := roleIn(memberships, p)
		switch {
		case !member:
			return domain.EmptyScope()
		case role == domain.RoleProjectManager:
			scope.ProjectIDs = []string{p}
		default:
			scope.AssignedTo = viewer.UserID
			scope.AssignedWithin = []string{p}
		}

	default:
		for _, m := range memberships {
			if m.RoleType == domain.RoleProjectManager {
				scope.ProjectIDs = append(scope.ProjectIDs, m.ProjectID)
			}
		}
		scope.AssignedTo = viewer.UserID
	}

	scope.Status = filter.Status
	scope.SpamStatus = filter.SpamStatus
	scope.Search = filter.Search
	return scope
}

func roleIn(memberships []*domain.Membership, projectID string) (domain.RoleType, bool) {
	var (
		role  domain.RoleType
		found bool
	)
	for _, m := range memberships {
		if m.ProjectID != projectID {
			continue
		}
		found = true
		if m.RoleType == domain.RoleProjectManager {
			return m.RoleType, true
		}
		role = m.RoleType
	}
	return role, found
}

func (s *Service) ListVisible(ctx context.Context, viewer in.Viewer, filter domain.MessageFilter, page in.Page) (*in.MessagePage, error) {
	page = normalizePage(page)
	result := &in.MessagePage{Items: []*domain.Message{}, Limit: page.Limit, Offset: page.Offset}

	scope, err := s.Resolve(ctx, viewer, filter)
	if err != nil {
		return nil, err
	}
	if scope.Empty {
		return result, nil
	}

	items, total, err := s.messages.ListByScope(ctx, scope, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	if items != nil {
		result.Items = items
	}
	result.Total = total
	return result, nil
}

func (s *Service) CanView(ctx context.Context, viewer in.Viewer, messageID string) (bool, error) {
	scope, err := s.Resolve(ctx, viewer, domain.MessageFilter{})
	if err != nil {
		return false, err
	}
	if scope.Empty {
		return false, nil
	}
	return s.messages.InScope(ctx, scope, messageID)
}

func (s *Service) GetVisible(ctx context.Context, viewer in.Viewer, messageID string) (*domain.Message, error) {
	ok, err := s.CanView(ctx, viewer, messageID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotFound
	}

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	atts, err := s.attachments.ListByMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	msg.Attachments = atts
	return msg, nil
}

func normalizePage(p in.Page) in.Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

var _ in.VisibilityService = (*Service)(nil)
