package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/textutil"

	"github.com/goccy/go-json"
)

const maxContentLength = 4000

const combinedSystemPrompt = `You triage inbound email for a professional services firm.
Decide whether the email is spam and which client project it belongs to.

Spam categories:
- spam: unsolicited bulk mail, phishing, scams
- possible_spam: unclear, automated or low-signal mail a human should check
- not_spam: a genuine message from a client, partner or colleague

Only choose a project id from the candidate list. Use null when no project fits
or when the category is not not_spam. Confidences are between 0 and 1.

Respond with JSON only:
{
  "spam": {"category": "spam|possible_spam|not_spam", "confidence": 0.0, "reason": "..."},
  "project": {"projectId": "id or null", "confidence": 0.0, "reason": "..."}
}`

// rawVerdict accepts what models actually send: numbers as strings and
// projectId as a number or the string "null".
type rawVerdict struct {
	Spam struct {
		Category   string          `json:"category"`
		Confidence json.RawMessage `json:"confidence"`
		Reason     string          `json:"reason"`
	} `json:"spam"`
	Project struct {
		ProjectID  json.RawMessage `json:"projectId"`
		Confidence json.RawMessage `json:"confidence"`
		Reason     string          `json:"reason"`
	} `json:"project"`
}

// ClassifyCombined returns the model's verdict unvalidated. Clamping and
// candidate checks are the caller's job.
func (c *Client) ClassifyCombined(ctx context.Context, content string, candidates []domain.ProjectCandidate) (*domain.CombinedVerdict, error) {
	resp, err := c.CompleteJSON(ctx, combinedSystemPrompt, buildCombinedPrompt(content, candidates))
	if err != nil {
		return nil, err
	}
	return ParseCombinedVerdict(resp)
}

func buildCombinedPrompt(content string, candidates []domain.ProjectCandidate) string {
	var sb strings.Builder
	sb.WriteString("Candidate projects:\n")
	if len(candidates) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, p := range candidates {
		fmt.Fprintf(&sb, "- id=%s name=%q", p.ID, p.Name)
		if p.ClientName != "" {
			fmt.Fprintf(&sb, " client=%q", p.ClientName)
		}
		if len(p.Keywords) > 0 {
			fmt.Fprintf(&sb, " keywords=%q", strings.Join(p.Keywords, ", "))
		}
		if p.Description != "" {
			fmt.Fprintf(&sb, " description=%q", textutil.Truncate(p.Description, 300))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nEmail:\n")
	sb.WriteString(textutil.Truncate(content, maxContentLength))
	return sb.String()
}

// ParseCombinedVerdict decodes a model answer, tolerating markdown fences.
func ParseCombinedVerdict(resp string) (*domain.CombinedVerdict, error) {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	resp = strings.TrimSpace(resp)

	var raw rawVerdict
	if err := json.Unmarshal([]byte(resp), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse classification response: %w", err)
	}
	if raw.Spam.Category == "" {
		return nil, fmt.Errorf("classification response has no spam category")
	}

	spamConf, err := number(raw.Spam.Confidence)
	if err != nil {
		return nil, fmt.Errorf("spam confidence: %w", err)
	}
	projectConf, err := number(raw.Project.Confidence)
	if err != nil {
		return nil, fmt.Errorf("project confidence: %w", err)
	}

	return &domain.CombinedVerdict{
		Spam: domain.SpamVerdict{
			Category:   domain.SpamCategory(strings.ToLower(strings.TrimSpace(raw.Spam.Category))),
			Confidence: spamConf,
			Reason:     raw.Spam.Reason,
		},
		Project: domain.ProjectVerdict{
			ProjectID:  projectID(raw.Project.ProjectID),
			Confidence: projectConf,
			Reason:     raw.Project.Reason,
		},
	}, nil
}

func number(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	s = strings.Trim(s, `"`)
	return strconv.ParseFloat(s, 64)
}

func projectID(raw json.RawMessage) *string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "none") {
		return nil
	}
	return &s
}

var _ out.ClassificationModel = (*Client)(nil)
