package transform

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"taskforge/internal/domain/deliverable"
	"taskforge/internal/llm"
)

type countingProvider struct {
	calls    int
	response *llm.Response
	err      error
}

func (p *countingProvider) CompleteForWorkspace(_ context.Context, _ string, _ *llm.Request) (*llm.Response, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.response, nil
}

func newDeliverable(content string) *deliverable.Deliverable {
	return &deliverable.Deliverable{
		ID: "d1", WorkspaceID: "ws", GoalID: "g", Title: "Lead List",
		Content: json.RawMessage(content),
	}
}

func TestEmptyContentSkipped(t *testing.T) {
	tr, err := New(nil, Config{}, nil)
	require.NoError(t, err)

	res := tr.Transform(context.Background(), newDeliverable(`{}`))
	require.Equal(t, deliverable.TransformSkipped, res.Status)
	require.Empty(t, res.Content)
}

func TestModelResultCached(t *testing.T) {
	provider := &countingProvider{response: &llm.Response{Content: "# Leads\n\n- Acme"}}
	tr, err := New(provider, Config{}, nil)
	require.NoError(t, err)

	d := newDeliverable(`{"records":[{"name":"Acme"}]}`)
	first := tr.Transform(context.Background(), d)
	require.Equal(t, deliverable.TransformSuccess, first.Status)
	require.Equal(t, 1, provider.calls)

	second := tr.Transform(context.Background(), d)
	require.Equal(t, first.Content, second.Content)
	require.Equal(t, 1, provider.calls, "identical content must not hit the model again")
}

func TestCacheKeyedByBusinessContext(t *testing.T) {
	provider := &countingProvider{response: &llm.Response{Content: "# Leads\n\n- Acme"}}
	tr, err := New(provider, Config{}, nil)
	require.NoError(t, err)

	d := newDeliverable(`{"records":[{"name":"Acme"}]}`)
	first := tr.Transform(context.Background(), d)
	require.Equal(t, deliverable.TransformSuccess, first.Status)
	require.Equal(t, 1, provider.calls)

	// The same content under a different title is a different deliverable
	// and must be rendered on its own.
	retitled := newDeliverable(`{"records":[{"name":"Acme"}]}`)
	retitled.Title = "Qualified Accounts"
	second := tr.Transform(context.Background(), retitled)
	require.Equal(t, deliverable.TransformSuccess, second.Status)
	require.Equal(t, 2, provider.calls)
}

func TestModelFailureFallsBackToRules(t *testing.T) {
	provider := &countingProvider{err: errors.New("model down")}
	tr, err := New(provider, Config{}, nil)
	require.NoError(t, err)

	d := newDeliverable(`{"records":[{"name":"Acme","score":9},{"name":"Globex","score":7}]}`)
	res := tr.Transform(context.Background(), d)
	require.Equal(t, deliverable.TransformSuccess, res.Status)
	require.Contains(t, res.Content, "| name | score |")
	require.Contains(t, res.Content, "Acme")
	require.Equal(t, deliverable.FormatMarkdown, res.Format)
}

func TestEmailShapeRendered(t *testing.T) {
	tr, err := New(nil, Config{}, nil)
	require.NoError(t, err)

	d := newDeliverable(`{"subject":"Q3 outreach","body":"Hello team, ..."}`)
	res := tr.Transform(context.Background(), d)
	require.Equal(t, deliverable.TransformSuccess, res.Status)
	require.Contains(t, res.Content, "**Subject:** Q3 outreach")
}

func TestPlanShapeRendered(t *testing.T) {
	tr, err := New(nil, Config{}, nil)
	require.NoError(t, err)

	d := newDeliverable(`{"title":"Launch plan","steps":["Draft copy","Review","Send"]}`)
	res := tr.Transform(context.Background(), d)
	require.Equal(t, deliverable.TransformSuccess, res.Status)
	require.Contains(t, res.Content, "## Launch plan")
	require.Contains(t, res.Content, "1. Draft copy")
	require.Contains(t, res.Content, "3. Send")
}

func TestUnknownShapeRendersFencedJSON(t *testing.T) {
	tr, err := New(nil, Config{}, nil)
	require.NoError(t, err)

	d := newDeliverable(`{"anything":42}`)
	res := tr.Transform(context.Background(), d)
	require.Equal(t, deliverable.TransformSuccess, res.Status)
	require.Contains(t, res.Content, "```json")
}
