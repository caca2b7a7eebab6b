// Package classification applies the combined spam/project verdict to
// staged messages.
package classification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"
	"intake_server/pkg/resilience"
)

// =============================================================================
// Classifier
// =============================================================================

// Classifier validates model output. It never returns an error: any model
// failure becomes the fallback verdict.
type Classifier struct {
	model   out.ClassificationModel
	breaker *resilience.Breaker
}

// NewClassifier wraps model. breaker may be nil.
func NewClassifier(model out.ClassificationModel, breaker *resilience.Breaker) *Classifier {
	return &Classifier{
		model:   model,
		breaker: breaker,
	}
}

func (c *Classifier) ClassifyCombined(ctx context.Context, content string, candidates []domain.ProjectCandidate) domain.CombinedVerdict {
	raw, err := c.call(ctx, content, candidates)
	if err != nil {
		cerr := &domain.ClassificationError{Reason: failureReason(err), Err: err}
		logger.WithError(err).Warn("[Classifier] %s, using fallback verdict", cerr.Reason)
		return FallbackVerdict(cerr)
	}
	return Sanitize(*raw, candidates)
}

func (c *Classifier) call(ctx context.Context, content string, candidates []domain.ProjectCandidate) (*domain.CombinedVerdict, error) {
	if c.model == nil {
		return nil, errors.New("no classification model configured")
	}

	var verdict *domain.CombinedVerdict
	invoke := func() error {
		v, err := c.model.ClassifyCombined(ctx, content, candidates)
		if err != nil {
			return err
		}
		if v == nil {
			return errors.New("model returned an empty verdict")
		}
		verdict = v
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute("classify", invoke)
	} else {
		err = invoke()
	}
	return verdict, err
}

func failureReason(err error) string {
	switch {
	case resilience.IsRejection(err):
		return "classification service circuit open"
	case errors.Is(err, context.DeadlineExceeded):
		return "classification service timed out"
	case errors.Is(err, context.Canceled):
		return "classification cancelled"
	}
	return "classification service unavailable"
}

// FallbackVerdict is the safe answer when the model cannot be used. Its
// not_spam/0 means unclassified, never a positive signal.
func FallbackVerdict(cause *domain.ClassificationError) domain.CombinedVerdict {
	reason := "classification unavailable"
	if cause != nil {
		reason = fmt.Sprintf("classification unavailable: %s", cause.Reason)
	}
	return domain.CombinedVerdict{
		Spam: domain.SpamVerdict{
			Category:   domain.SpamCategoryNotSpam,
			Confidence: 0,
			Reason:     reason,
		},
		Project: domain.ProjectVerdict{
			Confidence: 0,
			Reason:     reason,
		},
		Fallback: true,
	}
}

// Sanitize enforces the output contract on a raw model verdict.
func Sanitize(v domain.CombinedVerdict, candidates []domain.ProjectCandidate) domain.CombinedVerdict {
	v.Spam.Confidence = clamp(v.Spam.Confidence)
	v.Project.Confidence = clamp(v.Project.Confidence)

	switch v.Spam.Category {
	case domain.SpamCategorySpam, domain.SpamCategoryPossibleSpam, domain.SpamCategoryNotSpam:
	default:
		logger.WithField("category", v.Spam.Category).Warn("[Classifier] unknown spam category, treating as possible_spam")
		v.Spam.Category = domain.SpamCategoryPossibleSpam
	}

	if v.Project.ProjectID != nil {
		id := strings.TrimSpace(*v.Project.ProjectID)
		if !isCandidate(id, candidates) {
			logger.WithField("project_id", id).Warn("[Classifier] model returned a project outside the candidate list, discarding")
			v.Project.ProjectID = nil
			v.Project.Confidence = 0
		} else {
			v.Project.ProjectID = &id
		}
	}

	if v.Spam.Category != domain.SpamCategoryNotSpam {
		v.Project.ProjectID = nil
	}
	return v
}

func isCandidate(id string, candidates []domain.ProjectCandidate) bool {
	if id == "" {
		return false
	}
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
