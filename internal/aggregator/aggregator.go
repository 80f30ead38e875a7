// Package aggregator folds completed task outputs into goal-scoped
// deliverables, advances goal progress, and finalizes deliverables once their
// goal is satisfied.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskforge/internal/domain/deliverable"
	"taskforge/internal/domain/goal"
	"taskforge/internal/domain/task"
	"taskforge/internal/events"
	"taskforge/internal/ids"
	"taskforge/internal/logging"
	"taskforge/internal/store"
	"taskforge/internal/transform"
)

// Config bounds aggregation.
type Config struct {
	// MinCompletedTasks is how many distinct contributing tasks a deliverable
	// needs before it can complete.
	MinCompletedTasks int
}

// Service aggregates outputs into deliverables.
type Service struct {
	deliverables deliverable.Store
	goals        goal.Registry
	transformer  *transform.Transformer
	bus          *events.Bus
	cfg          Config
	logger       logging.Logger

	now func() time.Time
}

// NewService builds the aggregator.
func NewService(deliverables deliverable.Store, goals goal.Registry, transformer *transform.Transformer,
	bus *events.Bus, cfg Config, logger logging.Logger) *Service {
	if cfg.MinCompletedTasks <= 0 {
		cfg.MinCompletedTasks = 2
	}
	return &Service{
		deliverables: deliverables,
		goals:        goals,
		transformer:  transformer,
		bus:          bus,
		cfg:          cfg,
		logger:       logging.OrNop(logger),
		now:          time.Now,
	}
}

// content is the structured execution format of a deliverable: everything the
// contributing tasks produced, merged.
type content struct {
	Records   []task.Record       `json:"records,omitempty"`
	Documents []string            `json:"documents,omitempty"`
	Summaries []string            `json:"summaries,omitempty"`
	Artifacts []task.ArtifactMeta `json:"artifacts,omitempty"`
}

// Ingest folds one completed task output into its goal's deliverable and
// advances the goal. Returns the deliverable the output landed in.
func (s *Service) Ingest(ctx context.Context, t *task.Task, out *task.Output) (*deliverable.Deliverable, error) {
	if out == nil {
		return nil, fmt.Errorf("aggregator: nil output for task %s", t.ID)
	}

	contribution := out.Contribution
	if contribution == 0 {
		contribution = t.Contribution
	}
	g, err := s.goals.Advance(ctx, t.GoalID, contribution)
	if err != nil {
		return nil, fmt.Errorf("advance goal %s: %w", t.GoalID, err)
	}
	s.reportProgress(ctx, g)

	d, err := s.upsert(ctx, t, g, out, contribution)
	if err != nil {
		// The goal already advanced; roll the credit back so progress never
		// counts work that produced no deliverable.
		if _, rbErr := s.goals.Rollback(ctx, t.GoalID, g.CurrentValue-contribution); rbErr != nil {
			s.logger.Error("rollback goal %s after failed aggregation: %v", t.GoalID, rbErr)
		}
		return nil, err
	}

	if g.Satisfied() && len(d.ContributingTasks) >= s.cfg.MinCompletedTasks {
		if err := s.finalize(ctx, d, g); err != nil {
			s.logger.Warn("finalize deliverable %s: %v", d.ID, err)
		}
	}
	return d, nil
}

func (s *Service) upsert(ctx context.Context, t *task.Task, g *goal.Goal, out *task.Output, contribution float64) (*deliverable.Deliverable, error) {
	title := deriveTitle(g)

	d, err := s.deliverables.GetBySlot(ctx, t.WorkspaceID, g.ID, title)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		d = &deliverable.Deliverable{
			ID:          ids.New(),
			WorkspaceID: t.WorkspaceID,
			GoalID:      g.ID,
			Title:       title,
			Status:      deliverable.StatusInProgress,
			Content:     json.RawMessage(`{}`),
			TraceID:     ids.TraceID(ctx),
		}
		if createErr := s.deliverables.Create(ctx, d); createErr != nil {
			// A concurrent ingest won the slot; merge into the winner.
			existingID, ok := store.ExistingID(createErr)
			if !ok {
				return nil, createErr
			}
			d, err = s.deliverables.Get(ctx, existingID)
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, err
	}

	var merged content
	if len(d.Content) > 0 {
		if err := json.Unmarshal(d.Content, &merged); err != nil {
			s.logger.Warn("deliverable %s content unreadable, rebuilding: %v", d.ID, err)
			merged = content{}
		}
	}
	merged.Records = append(merged.Records, out.Records...)
	if out.Document != "" {
		merged.Documents = append(merged.Documents, out.Document)
	}
	if out.Summary != "" {
		merged.Summaries = append(merged.Summaries, out.Summary)
	}
	merged.Artifacts = append(merged.Artifacts, out.Artifacts...)

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal deliverable content: %w", err)
	}
	d.Content = raw
	if !contains(d.ContributingTasks, t.ID) {
		d.ContributingTasks = append(d.ContributingTasks, t.ID)
		d.ContributedValue += contribution
	}
	if t.QualityFlag == task.QualityDegraded {
		d.BusinessValueScore = degrade(d.BusinessValueScore)
	} else {
		d.BusinessValueScore = valueScore(d, g)
	}
	if d.Status == deliverable.StatusDraft {
		d.Status = deliverable.StatusInProgress
	}

	if err := s.deliverables.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// finalize completes the deliverable and runs the display transformation.
func (s *Service) finalize(ctx context.Context, d *deliverable.Deliverable, g *goal.Goal) error {
	if err := s.deliverables.SetStatus(ctx, d.ID, deliverable.StatusCompleted); err != nil {
		return err
	}
	d.Status = deliverable.StatusCompleted

	if s.transformer != nil {
		res := s.transformer.Transform(ctx, d)
		if err := s.deliverables.SetDisplay(ctx, d.ID, res.Content, res.Format,
			res.Quality, res.Status, s.now().UTC()); err != nil {
			return err
		}
		d.DisplayContent = res.Content
		d.DisplayFormat = res.Format
		d.TransformationStatus = res.Status
	}

	if s.bus != nil {
		_ = s.bus.Publish(&events.Event{
			Type:        events.DeliverableReady,
			WorkspaceID: d.WorkspaceID,
			EntityID:    d.ID,
			TraceID:     d.TraceID,
			Payload: map[string]any{
				"goal_id": g.ID,
				"title":   d.Title,
			},
		})
	}
	return nil
}

// reportProgress keeps the outward progress number honest: it always reports
// the calculated value, and emits a transparency event if the stored reported
// number had drifted.
func (s *Service) reportProgress(ctx context.Context, g *goal.Goal) {
	calculated := g.CalculatedProgress()
	if g.TransparencyGap() && s.bus != nil {
		_ = s.bus.Publish(&events.Event{
			Type:        events.GoalTransparencyGap,
			WorkspaceID: g.WorkspaceID,
			EntityID:    g.ID,
			Payload: map[string]any{
				"reported":   g.ReportedProgress,
				"calculated": calculated,
			},
		})
	}
	if err := s.goals.ReportProgress(ctx, g.ID, calculated); err != nil {
		s.logger.Warn("report progress for goal %s: %v", g.ID, err)
	}
	g.ReportedProgress = calculated

	if s.bus != nil {
		_ = s.bus.Publish(&events.Event{
			Type:        events.GoalProgressUpdated,
			WorkspaceID: g.WorkspaceID,
			EntityID:    g.ID,
			Payload: map[string]any{
				"progress": calculated,
				"current":  g.CurrentValue,
				"target":   g.TargetValue,
			},
		})
	}
}

func deriveTitle(g *goal.Goal) string {
	title := strings.TrimSpace(g.Description)
	if title == "" {
		title = "Goal " + g.ID
	}
	if len(title) > 120 {
		title = title[:120]
	}
	return title
}

func valueScore(d *deliverable.Deliverable, g *goal.Goal) float64 {
	if g.TargetValue <= 0 {
		return d.BusinessValueScore
	}
	score := d.ContributedValue / g.TargetValue
	if score > 1 {
		score = 1
	}
	return score
}

// degrade discounts the value score when degraded-quality output lands in
// the deliverable.
func degrade(score float64) float64 {
	discounted := score * 0.8
	if discounted == 0 {
		discounted = 0.1
	}
	return discounted
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
