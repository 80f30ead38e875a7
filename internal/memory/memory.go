// Package memory manages workspace insights: recording what agents learn,
// recalling the most valuable entries for prompts, and evicting stale
// low-value entries to keep the store bounded.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"taskforge/internal/domain/deliverable"
	"taskforge/internal/domain/insight"
	"taskforge/internal/ids"
	"taskforge/internal/logging"
)

// Config bounds the memory store.
type Config struct {
	MaxPerWorkspace int
	EvictionMinAge  time.Duration
}

// Service is the workspace memory.
type Service struct {
	insights     insight.Store
	deliverables deliverable.Store
	cfg          Config
	logger       logging.Logger

	now func() time.Time
}

// NewService builds the memory service.
func NewService(insights insight.Store, deliverables deliverable.Store, cfg Config, logger logging.Logger) *Service {
	if cfg.MaxPerWorkspace <= 0 {
		cfg.MaxPerWorkspace = 100
	}
	if cfg.EvictionMinAge <= 0 {
		cfg.EvictionMinAge = 24 * time.Hour
	}
	return &Service{
		insights:     insights,
		deliverables: deliverables,
		cfg:          cfg,
		logger:       logging.OrNop(logger),
		now:          time.Now,
	}
}

// Record stores a new insight and evicts past the cap. Confidence and
// business value clamp into [0,1].
func (s *Service) Record(ctx context.Context, in *insight.Insight) (*insight.Insight, error) {
	if in.WorkspaceID == "" || in.Content == "" {
		return nil, fmt.Errorf("memory: workspace id and content are required")
	}
	if in.ID == "" {
		in.ID = ids.New()
	}
	if in.Kind == "" {
		in.Kind = insight.KindDiscovery
	}
	in.Confidence = clamp01(in.Confidence)
	in.BusinessValue = clamp01(in.BusinessValue)
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.now().UTC()
	}
	if in.TraceID == "" {
		in.TraceID = ids.TraceID(ctx)
	}

	if err := s.insights.Insert(ctx, in); err != nil {
		return nil, err
	}
	if err := s.evict(ctx, in.WorkspaceID); err != nil {
		s.logger.Warn("evict insights for workspace %s: %v", in.WorkspaceID, err)
	}
	return in, nil
}

// Query returns the workspace's insights passing the filter, best first,
// capped at limit.
func (s *Service) Query(ctx context.Context, workspaceID string, filter insight.Filter, limit int) ([]*insight.Insight, error) {
	all, err := s.insights.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	var matched []*insight.Insight
	for _, in := range all {
		if filter.Matches(in) {
			matched = append(matched, in)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Score() != matched[j].Score() {
			return matched[i].Score() > matched[j].Score()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// evict removes the lowest-scoring insights above the cap. Entries younger
// than the minimum age and entries referenced by a deliverable are protected;
// when every candidate is protected the store may temporarily exceed the cap.
func (s *Service) evict(ctx context.Context, workspaceID string) error {
	count, err := s.insights.CountByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if count <= s.cfg.MaxPerWorkspace {
		return nil
	}

	all, err := s.insights.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	protected, err := s.referencedInsights(ctx, workspaceID)
	if err != nil {
		return err
	}

	cutoff := s.now().UTC().Add(-s.cfg.EvictionMinAge)
	var candidates []*insight.Insight
	for _, in := range all {
		if protected[in.ID] || in.CreatedAt.After(cutoff) {
			continue
		}
		candidates = append(candidates, in)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score() != candidates[j].Score() {
			return candidates[i].Score() < candidates[j].Score()
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	excess := count - s.cfg.MaxPerWorkspace
	for i := 0; i < excess && i < len(candidates); i++ {
		if err := s.insights.Delete(ctx, candidates[i].ID); err != nil {
			return err
		}
		s.logger.Debug("evicted insight %s (score %.2f)", candidates[i].ID, candidates[i].Score())
	}
	return nil
}

func (s *Service) referencedInsights(ctx context.Context, workspaceID string) (map[string]bool, error) {
	if s.deliverables == nil {
		return nil, nil
	}
	list, err := s.deliverables.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	protected := make(map[string]bool)
	for _, d := range list {
		for _, id := range d.SourceInsightIDs {
			protected[id] = true
		}
	}
	return protected, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
