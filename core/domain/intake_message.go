package domain

import "time"

// MessageStatus is the workflow state of a case.
type MessageStatus string

const (
	StatusOpen       MessageStatus = "open"
	StatusInProgress MessageStatus = "in_progress"
	StatusWaiting    MessageStatus = "waiting"
	StatusClosed     MessageStatus = "closed"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusWaiting, StatusClosed:
		return true
	}
	return false
}

type SpamStatus string

const (
	SpamStatusNotSpam      SpamStatus = "not_spam"
	SpamStatusSpam         SpamStatus = "spam"
	SpamStatusPossibleSpam SpamStatus = "possible_spam"
)

func (s SpamStatus) Valid() bool {
	switch s {
	case SpamStatusNotSpam, SpamStatusSpam, SpamStatusPossibleSpam:
		return true
	}
	return false
}

// Address is a single envelope participant.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Message is an ingested email. (Provider, ProviderMessageID) is unique.
//
// A message marked spam never carries a project. IsUnassigned only turns
// false once an assignee, a role or a confident project is set, or once the
// message was resolved as spam.
type Message struct {
	ID                string       `json:"id"`
	AccountID         *string      `json:"account_id,omitempty"`
	Subject           string       `json:"subject"`
	Body              string       `json:"body"`
	HTMLBody          string       `json:"html_body,omitempty"`
	From              []Address    `json:"from"`
	To                []Address    `json:"to"`
	Cc                []Address    `json:"cc,omitempty"`
	Bcc               []Address    `json:"bcc,omitempty"`
	ReceivedAt        time.Time    `json:"received_at"`
	Provider          ProviderKind `json:"provider"`
	ProviderMessageID string       `json:"provider_message_id"`
	MessageIDHeader   string       `json:"message_id_header,omitempty"`
	InReplyTo         string       `json:"in_reply_to,omitempty"`
	References        []string     `json:"references,omitempty"`
	ThreadID          string       `json:"thread_id,omitempty"`

	Status               MessageStatus `json:"status"`
	SpamStatus           SpamStatus    `json:"spam_status"`
	SpamConfidence       float64       `json:"spam_confidence"`
	ProjectID            *string       `json:"project_id,omitempty"`
	AssignedToID         *string       `json:"assigned_to_id,omitempty"`
	AssignedToRoleID     *string       `json:"assigned_to_role_id,omitempty"`
	AISuggestedProjectID *string       `json:"ai_suggested_project_id,omitempty"`
	AIProjectConfidence  *float64      `json:"ai_project_confidence,omitempty"`
	IsUnassigned         bool          `json:"is_unassigned"`
	ClassifiedAt         *time.Time    `json:"classified_at,omitempty"`

	Attachments []*Attachment `json:"attachments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stage resets the classification fields to the state every freshly
// ingested message starts in.
func (m *Message) Stage() {
	if m.Status == "" {
		m.Status = StatusOpen
	}
	m.SpamStatus = SpamStatusPossibleSpam
	m.SpamConfidence = 0
	m.IsUnassigned = true
}

// ForceReview puts the message into the conservative needs-a-human state.
func (m *Message) ForceReview() {
	if m.Status == "" {
		m.Status = StatusOpen
	}
	m.SpamStatus = SpamStatusPossibleSpam
	m.SpamConfidence = 0
	m.ProjectID = nil
	m.IsUnassigned = true
}

// HasAssignee reports whether a person or role owns the message.
func (m *Message) HasAssignee() bool {
	return m.AssignedToID != nil || m.AssignedToRoleID != nil
}

// Attachment is a stored file that belongs to a message.
type Attachment struct {
	ID                   string    `json:"id"`
	MessageID            string    `json:"message_id"`
	Filename             string    `json:"filename"`
	ContentType          string    `json:"content_type"`
	Size                 int64     `json:"size"`
	FilePath             string    `json:"file_path"`
	ProviderAttachmentID string    `json:"-"`
	CreatedAt            time.Time `json:"created_at"`
}

// MessageFilter narrows a message listing.
type MessageFilter struct {
	ProjectID  *string
	Status     *MessageStatus
	SpamStatus *SpamStatus
	Search     string
}
