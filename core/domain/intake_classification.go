package domain

// SpamCategory is the model's spam verdict.
type SpamCategory string

const (
	SpamCategorySpam         SpamCategory = "spam"
	SpamCategoryPossibleSpam SpamCategory = "possible_spam"
	SpamCategoryNotSpam      SpamCategory = "not_spam"
)

// ProjectAssignThreshold is the minimum project confidence that routes a
// message automatically.
const ProjectAssignThreshold = 0.5

// MinClassifiableLength is the shortest trimmed content sent to the model.
const MinClassifiableLength = 10

// ProjectCandidate is the project metadata offered to the model.
type ProjectCandidate struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	ClientName  string   `json:"clientName,omitempty"`
}

func CandidateFromProject(p *Project) ProjectCandidate {
	return ProjectCandidate{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Keywords:    p.Keywords,
		ClientName:  p.ClientName,
	}
}

type SpamVerdict struct {
	Category   SpamCategory `json:"category"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason"`
}

type ProjectVerdict struct {
	ProjectID  *string `json:"projectId"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// CombinedVerdict is one model answer covering spam and project routing.
// Fallback marks the safe verdict returned when the model was unavailable;
// its not_spam/0 must be read as unclassified.
type CombinedVerdict struct {
	Spam     SpamVerdict    `json:"spam"`
	Project  ProjectVerdict `json:"project"`
	Fallback bool           `json:"-"`
}
