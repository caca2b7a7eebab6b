package classification

import (
	"context"
	"errors"
	"strings"
	"testing"

	"intake_server/core/domain"
	"intake_server/pkg/resilience"
)

type fakeModel struct {
	verdict *domain.CombinedVerdict
	err     error
	panics  bool
	calls   int
	content string
}

func (m *fakeModel) ClassifyCombined(_ context.Context, content string, _ []domain.ProjectCandidate) (*domain.CombinedVerdict, error) {
	m.calls++
	m.content = content
	if m.panics {
		panic("model exploded")
	}
	if m.err != nil {
		return nil, m.err
	}
	v := *m.verdict
	return &v, nil
}

func strPtr(s string) *string { return &s }

func verdict(category domain.SpamCategory, spamConf float64, projectID *string, projectConf float64) *domain.CombinedVerdict {
	return &domain.CombinedVerdict{
		Spam:    domain.SpamVerdict{Category: category, Confidence: spamConf},
		Project: domain.ProjectVerdict{ProjectID: projectID, Confidence: projectConf},
	}
}

var candidates = []domain.ProjectCandidate{
	{ID: "proj-a", Name: "Apollo"},
	{ID: "proj-b", Name: "Borealis"},
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name        string
		in          *domain.CombinedVerdict
		category    domain.SpamCategory
		spamConf    float64
		projectID   string
		projectConf float64
	}{
		{"valid passthrough", verdict(domain.SpamCategoryNotSpam, 0.9, strPtr("proj-a"), 0.8), domain.SpamCategoryNotSpam, 0.9, "proj-a", 0.8},
		{"clamped high", verdict(domain.SpamCategoryNotSpam, 1.7, strPtr("proj-a"), 3), domain.SpamCategoryNotSpam, 1, "proj-a", 1},
		{"clamped low", verdict(domain.SpamCategoryNotSpam, -0.2, nil, -1), domain.SpamCategoryNotSpam, 0, "", 0},
		{"unknown project nulled", verdict(domain.SpamCategoryNotSpam, 0.9, strPtr("proj-zzz"), 0.9), domain.SpamCategoryNotSpam, 0.9, "", 0},
		{"spam forces null project", verdict(domain.SpamCategorySpam, 0.95, strPtr("proj-a"), 0.9), domain.SpamCategorySpam, 0.95, "", 0.9},
		{"possible spam forces null project", verdict(domain.SpamCategoryPossibleSpam, 0.5, strPtr("proj-b"), 0.7), domain.SpamCategoryPossibleSpam, 0.5, "", 0.7},
		{"unknown category", verdict("phishing", 0.9, strPtr("proj-a"), 0.9), domain.SpamCategoryPossibleSpam, 0.9, "", 0.9},
		{"whitespace id trimmed", verdict(domain.SpamCategoryNotSpam, 0.9, strPtr(" proj-b "), 0.6), domain.SpamCategoryNotSpam, 0.9, "proj-b", 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(*tt.in, candidates)
			if got.Spam.Category != tt.category || got.Spam.Confidence != tt.spamConf {
				t.Errorf("spam = %+v", got.Spam)
			}
			id := ""
			if got.Project.ProjectID != nil {
				id = *got.Project.ProjectID
			}
			if id != tt.projectID || got.Project.Confidence != tt.projectConf {
				t.Errorf("project = %q/%v, want %q/%v", id, got.Project.Confidence, tt.projectID, tt.projectConf)
			}
		})
	}
}

func TestClassifierFallsBackOnModelFailure(t *testing.T) {
	model := &fakeModel{err: errors.New("401 invalid api key")}
	c := NewClassifier(model, nil)

	v := c.ClassifyCombined(context.Background(), "Quarterly numbers attached", candidates)
	if !v.Fallback {
		t.Fatal("expected fallback verdict")
	}
	if v.Spam.Category != domain.SpamCategoryNotSpam || v.Spam.Confidence != 0 || v.Project.ProjectID != nil {
		t.Errorf("fallback = %+v", v)
	}
	if !strings.Contains(v.Spam.Reason, "classification unavailable") {
		t.Errorf("reason = %q", v.Spam.Reason)
	}
}

func TestClassifierWithoutModel(t *testing.T) {
	v := NewClassifier(nil, nil).ClassifyCombined(context.Background(), "anything at all", candidates)
	if !v.Fallback {
		t.Error("a missing model must yield the fallback verdict")
	}
}

func TestClassifierBreakerOpens(t *testing.T) {
	cfg := resilience.DefaultBreakerConfig("classifier-test")
	cfg.ConsecutiveFailures = 1
	model := &fakeModel{err: errors.New("connection refused")}
	c := NewClassifier(model, resilience.NewBreaker(cfg, nil))

	for i := 0; i < 5; i++ {
		v := c.ClassifyCombined(context.Background(), "some content here", candidates)
		if !v.Fallback {
			t.Fatalf("call %d should fall back", i)
		}
	}
	if model.calls != 2 {
		t.Errorf("breaker should stop calls after tripping, model saw %d", model.calls)
	}
	v := c.ClassifyCombined(context.Background(), "x", candidates)
	if !strings.Contains(v.Spam.Reason, "circuit open") {
		t.Errorf("reason = %q", v.Spam.Reason)
	}
}

func TestFallbackVerdictWithoutCause(t *testing.T) {
	v := FallbackVerdict(nil)
	if v.Spam.Reason != "classification unavailable" || !v.Fallback {
		t.Errorf("fallback = %+v", v)
	}
}
