package classification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"
	"intake_server/pkg/resilience"
)

// UnprocessedBatchSize caps one ProcessUnprocessed sweep.
const UnprocessedBatchSize = 100

var ErrInvalidSpamStatus = errors.New("invalid spam status")

// Processor is the only writer of classification fields.
type Processor struct {
	messages   out.MessageRepository
	projects   out.ProjectRepository
	classifier *Classifier
	throttle   time.Duration
	sleep      resilience.SleepFunc
	now        func() time.Time
}

// NewProcessor creates a processor. throttle is the pause between model
// calls in batch operations.
func NewProcessor(messages out.MessageRepository, projects out.ProjectRepository, classifier *Classifier, throttle time.Duration) *Processor {
	return &Processor{
		messages:   messages,
		projects:   projects,
		classifier: classifier,
		throttle:   throttle,
		sleep:      resilience.SleepContext,
		now:        time.Now,
	}
}

// =============================================================================
// Single message
// =============================================================================

// Process classifies msg and saves the result. A failure inside
// classification never escapes: the message is saved in the review state.
// Only the final save can fail.
func (p *Processor) Process(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if err := p.classify(ctx, msg); err != nil {
		logger.WithField("message_id", msg.ID).WithError(err).Warn("[Processor] classification failed, forcing review")
		forceReview(msg)
	}

	now := p.now().UTC()
	msg.ClassifiedAt = &now
	if err := p.messages.SaveClassification(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save classification: %w", err)
	}
	return msg, nil
}

func (p *Processor) classify(ctx context.Context, msg *domain.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during classification: %v", r)
		}
	}()

	content := strings.TrimSpace(msg.Subject + "\n" + msg.Body)
	if utf8.RuneCountInString(content) < domain.MinClassifiableLength {
		forceReview(msg)
		return nil
	}

	projects, err := p.projects.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load projects: %w", err)
	}
	candidates := make([]domain.ProjectCandidate, 0, len(projects))
	for _, proj := range projects {
		candidates = append(candidates, domain.CandidateFromProject(proj))
	}

	verdict := p.classifier.ClassifyCombined(ctx, content, candidates)
	Apply(msg, verdict)
	return nil
}

// Apply runs the status transition for a sanitized verdict.
func Apply(msg *domain.Message, v domain.CombinedVerdict) {
	if msg.Status == "" {
		msg.Status = domain.StatusOpen
	}
	msg.SpamConfidence = v.Spam.Confidence

	msg.AISuggestedProjectID = nil
	msg.AIProjectConfidence = nil
	if v.Project.ProjectID != nil {
		id, conf := *v.Project.ProjectID, v.Project.Confidence
		msg.AISuggestedProjectID = &id
		msg.AIProjectConfidence = &conf
	}

	switch v.Spam.Category {
	case domain.SpamCategorySpam:
		msg.SpamStatus = domain.SpamStatusSpam
		msg.ProjectID = nil
		msg.IsUnassigned = false

	case domain.SpamCategoryNotSpam:
		if v.Project.ProjectID != nil && v.Project.Confidence >= domain.ProjectAssignThreshold {
			id := *v.Project.ProjectID
			msg.SpamStatus = domain.SpamStatusNotSpam
			msg.ProjectID = &id
			msg.IsUnassigned = false
			return
		}
		msg.SpamStatus = domain.SpamStatusPossibleSpam
		msg.ProjectID = nil
		msg.IsUnassigned = true

	default:
		msg.SpamStatus = domain.SpamStatusPossibleSpam
		msg.ProjectID = nil
		msg.IsUnassigned = true
	}
}

func forceReview(msg *domain.Message) {
	msg.ForceReview()
	msg.AISuggestedProjectID = nil
	msg.AIProjectConfidence = nil
}

func (p *Processor) ClassifyByID(ctx context.Context, id string) (*domain.Message, error) {
	msg, err := p.messages.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, msg)
}

// =============================================================================
// Batches
// =============================================================================

// ClassifyBatch runs ids one after another with the throttle delay between
// model calls. Failures are collected per id.
func (p *Processor) ClassifyBatch(ctx context.Context, ids []string) (*in.BatchResult, error) {
	result := &in.BatchResult{}
	for i, id := range ids {
		if i > 0 {
			if err := p.pause(ctx); err != nil {
				return result, err
			}
		}
		if _, err := p.ClassifyByID(ctx, id); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, in.BatchError{ID: id, Error: err.Error()})
			continue
		}
		result.Processed++
	}
	return result, nil
}

// ProcessUnprocessed sweeps not_spam messages that never got a model
// suggestion, up to UnprocessedBatchSize.
func (p *Processor) ProcessUnprocessed(ctx context.Context) (*in.BatchResult, error) {
	msgs, err := p.messages.ListUnprocessed(ctx, UnprocessedBatchSize)
	if err != nil {
		return nil, err
	}

	result := &in.BatchResult{}
	for i, msg := range msgs {
		if i > 0 {
			if err := p.pause(ctx); err != nil {
				return result, err
			}
		}
		if _, err := p.Process(ctx, msg); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, in.BatchError{ID: msg.ID, Error: err.Error()})
			continue
		}
		result.Processed++
	}

	logger.Info("[Processor] processed %d unprocessed messages (%d failed)", result.Processed, result.Failed)
	return result, nil
}

func (p *Processor) pause(ctx context.Context) error {
	if p.throttle <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, p.throttle)
}

// =============================================================================
// Manual override
// =============================================================================

// MarkSpamStatus applies a human decision to every id in one transaction.
// A manual not_spam is kept as is even without a project.
func (p *Processor) MarkSpamStatus(ctx context.Context, ids []string, status domain.SpamStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSpamStatus, status)
	}
	if len(ids) == 0 {
		return nil
	}

	now := p.now().UTC()
	return p.messages.UpdateBatch(ctx, ids, func(m *domain.Message) error {
		MarkManual(m, status)
		m.ClassifiedAt = &now
		return nil
	})
}

// MarkManual applies a human spam decision to m.
func MarkManual(m *domain.Message, status domain.SpamStatus) {
	if m.Status == "" {
		m.Status = domain.StatusOpen
	}
	m.SpamStatus = status

	switch status {
	case domain.SpamStatusSpam:
		m.SpamConfidence = 1
		m.ProjectID = nil
		m.IsUnassigned = false
	case domain.SpamStatusNotSpam:
		m.SpamConfidence = 1
		m.IsUnassigned = m.ProjectID == nil && !m.HasAssignee()
	case domain.SpamStatusPossibleSpam:
		m.SpamConfidence = 0
		m.IsUnassigned = m.ProjectID == nil && !m.HasAssignee()
	}
}

var _ in.ProcessorService = (*Processor)(nil)
