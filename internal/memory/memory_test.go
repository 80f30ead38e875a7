package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskforge/internal/domain/deliverable"
	"taskforge/internal/domain/insight"
	"taskforge/internal/store/memstore"
)

func newService(cap int) (*Service, *memstore.InsightStore, *memstore.DeliverableStore) {
	insights := memstore.NewInsightStore()
	deliverables := memstore.NewDeliverableStore()
	svc := NewService(insights, deliverables, Config{
		MaxPerWorkspace: cap,
		EvictionMinAge:  24 * time.Hour,
	}, nil)
	return svc, insights, deliverables
}

func TestRecordClampsScores(t *testing.T) {
	svc, _, _ := newService(10)

	in, err := svc.Record(context.Background(), &insight.Insight{
		WorkspaceID: "ws", Content: "x", Confidence: 1.7, BusinessValue: -0.2,
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, in.Confidence)
	require.Equal(t, 0.0, in.BusinessValue)
	require.NotEmpty(t, in.ID)
}

func TestQueryOrdersByScore(t *testing.T) {
	svc, _, _ := newService(10)
	ctx := context.Background()

	_, err := svc.Record(ctx, &insight.Insight{WorkspaceID: "ws", Content: "weak", Confidence: 0.3, BusinessValue: 0.3})
	require.NoError(t, err)
	_, err = svc.Record(ctx, &insight.Insight{WorkspaceID: "ws", Content: "strong", Confidence: 0.9, BusinessValue: 0.9})
	require.NoError(t, err)

	got, err := svc.Query(ctx, "ws", insight.Filter{}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "strong", got[0].Content)
}

func TestQueryFilter(t *testing.T) {
	svc, _, _ := newService(10)
	ctx := context.Background()

	_, err := svc.Record(ctx, &insight.Insight{WorkspaceID: "ws", Kind: insight.KindRisk, Content: "risk", Confidence: 0.9, BusinessValue: 0.5})
	require.NoError(t, err)
	_, err = svc.Record(ctx, &insight.Insight{WorkspaceID: "ws", Kind: insight.KindDiscovery, Content: "finding", Confidence: 0.9, BusinessValue: 0.5})
	require.NoError(t, err)

	got, err := svc.Query(ctx, "ws", insight.Filter{Kinds: []insight.Kind{insight.KindRisk}}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "risk", got[0].Content)
}

func TestEvictionDropsLowestScoredOldEntries(t *testing.T) {
	svc, insights, _ := newService(3)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	for i := 0; i < 3; i++ {
		_, err := svc.Record(ctx, &insight.Insight{
			WorkspaceID: "ws", Content: fmt.Sprintf("old-%d", i),
			Confidence: 0.1 * float64(i+1), BusinessValue: 1,
			CreatedAt: old,
		})
		require.NoError(t, err)
	}

	// The fourth entry pushes the store over the cap; the weakest old entry
	// goes.
	_, err := svc.Record(ctx, &insight.Insight{
		WorkspaceID: "ws", Content: "fresh", Confidence: 0.9, BusinessValue: 0.9,
		CreatedAt: old,
	})
	require.NoError(t, err)

	count, err := insights.CountByWorkspace(ctx, "ws")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	remaining, err := insights.ListByWorkspace(ctx, "ws")
	require.NoError(t, err)
	for _, in := range remaining {
		require.NotEqual(t, "old-0", in.Content, "lowest-scored entry should be evicted")
	}
}

func TestEvictionProtectsRecentAndReferenced(t *testing.T) {
	svc, insights, deliverables := newService(2)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	kept, err := svc.Record(ctx, &insight.Insight{
		WorkspaceID: "ws", Content: "referenced", Confidence: 0.01, BusinessValue: 0.01,
		CreatedAt: old,
	})
	require.NoError(t, err)

	require.NoError(t, deliverables.Create(ctx, &deliverable.Deliverable{
		ID: "d1", WorkspaceID: "ws", GoalID: "g", Title: "out",
		Content: []byte(`{}`), SourceInsightIDs: []string{kept.ID},
	}))

	_, err = svc.Record(ctx, &insight.Insight{
		WorkspaceID: "ws", Content: "recent", Confidence: 0.02, BusinessValue: 0.02,
	})
	require.NoError(t, err)

	// Third entry exceeds the cap but both existing entries are protected:
	// one by deliverable reference, one by age.
	_, err = svc.Record(ctx, &insight.Insight{
		WorkspaceID: "ws", Content: "third", Confidence: 0.9, BusinessValue: 0.9,
	})
	require.NoError(t, err)

	count, err := insights.CountByWorkspace(ctx, "ws")
	require.NoError(t, err)
	require.Equal(t, 3, count, "protected entries must not be evicted even over cap")
}
