package domain

// Project is a client engagement messages get routed to.
type Project struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	ClientName  string   `json:"client_name"`
	IsActive    bool     `json:"is_active"`
}

type RoleType string

const (
	RoleProjectManager RoleType = "project_manager"
	RoleMember         RoleType = "member"
)

// GlobalRole is the caller's application-wide role. Anything other than
// super_user is a regular user.
type GlobalRole string

const (
	GlobalRoleSuperUser GlobalRole = "super_user"
	GlobalRoleUser      GlobalRole = "user"
)

// Membership ties a user to a project through a role.
type Membership struct {
	UserID    string   `json:"user_id"`
	ProjectID string   `json:"project_id"`
	RoleID    string   `json:"role_id"`
	RoleType  RoleType `json:"role_type"`
}

// MessageScope is the resolved set of messages a viewer may read.
//
// All means no project restriction. Otherwise a message is visible when its
// project is in ProjectIDs or it is individually assigned to AssignedTo.
// Empty means nothing is visible and storage need not be queried.
type MessageScope struct {
	All        bool
	ProjectIDs []string
	AssignedTo string
	// AssignedWithin restricts assigned messages to these projects.
	AssignedWithin []string
	Empty          bool

	Status     *MessageStatus
	SpamStatus *SpamStatus
	Search     string
}

// EmptyScope is the scope that matches nothing.
func EmptyScope() MessageScope {
	return MessageScope{Empty: true}
}
