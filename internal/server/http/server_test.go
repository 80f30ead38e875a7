package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"taskforge/internal/domain/insight"
	"taskforge/internal/domain/workspace"
	"taskforge/internal/events"
	"taskforge/internal/memory"
	"taskforge/internal/proposal"
	"taskforge/internal/queue"
	"taskforge/internal/store/memstore"
)

type fixture struct {
	server     *Server
	workspaces workspace.Store
	bus        *events.Bus
	memory     *memory.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	workspaces := memstore.NewWorkspaceStore()
	goals := memstore.NewGoalRegistry()
	tasks := memstore.NewTaskStore()
	agents := memstore.NewAgentStore()
	deliverables := memstore.NewDeliverableStore()
	insights := memstore.NewInsightStore()
	recoveries := memstore.NewRecoveryStore()
	bus := events.NewBus()

	q := queue.NewService(tasks, goals, bus, queue.Config{}, nil)
	mem := memory.NewService(insights, deliverables, memory.Config{}, nil)
	proposals := proposal.NewService(workspaces, goals, agents, q, nil, bus, proposal.Config{}, nil)

	srv := NewServer(Deps{
		Workspaces:   workspaces,
		Goals:        goals,
		Tasks:        tasks,
		Agents:       agents,
		Deliverables: deliverables,
		Recovery:     recoveries,
		Memory:       mem,
		Proposals:    proposals,
		Queue:        q,
		Bus:          bus,
	}, Config{}, nil)

	return &fixture{server: srv, workspaces: workspaces, bus: bus, memory: mem}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateWorkspace(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/workspaces/", map[string]string{
		"name":      "launch",
		"goal_text": "Research 20 leads and write a summary report",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	created := decode[workspace.Workspace](t, rec)
	require.NotEmpty(t, created.ID)
	require.Equal(t, workspace.StatusCreated, created.Status)
	require.Equal(t, rec.Header().Get("X-Trace-ID"), created.TraceID)
}

func TestCreateWorkspaceRejectsMissingFields(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/workspaces/", map[string]string{"name": "launch"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	payload := decode[apiError](t, rec)
	require.Equal(t, "validation", payload.ErrorKind)
	require.NotEmpty(t, payload.TraceID)
}

func TestGetWorkspaceNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/workspaces/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decode[apiError](t, rec).ErrorKind)
}

func TestProposeAndApproveFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/workspaces/", map[string]string{
		"name":      "leads",
		"goal_text": "Research 20 leads",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ws := decode[workspace.Workspace](t, rec)

	rec = f.do(t, http.MethodPost, "/workspaces/"+ws.ID+"/proposal", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)
	prop := decode[proposal.Proposal](t, rec)
	require.NotEmpty(t, prop.ID)
	require.NotEmpty(t, prop.Goals)
	require.NotEmpty(t, prop.Team)

	rec = f.do(t, http.MethodPost, "/workspaces/"+ws.ID+"/approve?proposal_id="+prop.ID, map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decode[map[string]any](t, rec)
	require.Equal(t, "approved", approved["status"])
	require.Greater(t, approved["seeded_tasks"].(float64), 0.0)

	rec = f.do(t, http.MethodGet, "/workspaces/"+ws.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[workspace.Snapshot](t, rec)
	require.Equal(t, workspace.StatusActive, snap.Status)
	require.Greater(t, snap.ActiveGoals, 0)
	require.Greater(t, snap.PendingTasks, 0)
	require.Equal(t, "ok", snap.Health)

	rec = f.do(t, http.MethodGet, "/workspaces/"+ws.ID+"/goals/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"goals"`)

	rec = f.do(t, http.MethodGet, "/workspaces/"+ws.ID+"/tasks/?status=ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasksBody := decode[map[string]json.RawMessage](t, rec)
	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(tasksBody["tasks"], &list))
	require.NotEmpty(t, list)
}

func TestApproveUnknownProposal(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/workspaces/", map[string]string{
		"name": "leads", "goal_text": "Research 20 leads",
	})
	ws := decode[workspace.Workspace](t, rec)

	rec = f.do(t, http.MethodPost, "/workspaces/"+ws.ID+"/approve?proposal_id=ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "proposal_not_found", decode[apiError](t, rec).ErrorKind)

	rec = f.do(t, http.MethodPost, "/workspaces/"+ws.ID+"/approve", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoverySummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ws := &workspace.Workspace{ID: "ws-1", Name: "n", GoalText: "g", Status: workspace.StatusActive}
	require.NoError(t, f.workspaces.Create(ctx, ws))
	require.NoError(t, f.workspaces.RecordRecovery(ctx, ws.ID, false))
	require.NoError(t, f.workspaces.RecordRecovery(ctx, ws.ID, true))

	rec := f.do(t, http.MethodPost, "/workspaces/ws-1/recovery", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	require.EqualValues(t, 2, body["total_recovery_attempts"])
	require.EqualValues(t, 1, body["successful_recoveries"])
}

func TestInsightFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.workspaces.Create(ctx, &workspace.Workspace{
		ID: "ws-1", Name: "n", GoalText: "g", Status: workspace.StatusActive,
	}))
	_, err := f.memory.Record(ctx, &insight.Insight{
		WorkspaceID: "ws-1", Kind: insight.KindRisk, Content: "rate limit looms", Confidence: 0.9,
	})
	require.NoError(t, err)
	_, err = f.memory.Record(ctx, &insight.Insight{
		WorkspaceID: "ws-1", Kind: insight.KindDiscovery, Content: "API accepts batches", Confidence: 0.4,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/workspaces/ws-1/insights/?kind=risk&min_confidence=0.5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]insight.Insight](t, rec)
	require.Len(t, body["insights"], 1)
	require.Equal(t, "rate limit looms", body["insights"][0].Content)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.workspaces.Create(ctx, &workspace.Workspace{
		ID: "ws-1", Name: "n", GoalText: "g", Status: workspace.StatusActive,
	}))

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/workspaces/ws-1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// Give the watcher a moment to register before publishing.
	require.Eventually(t, func() bool {
		return f.bus.WatcherCount("ws-1") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, f.bus.Publish(&events.Event{
		Type:        events.TaskStatusChanged,
		WorkspaceID: "ws-1",
		EntityID:    "task-1",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt events.Event
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, events.TaskStatusChanged, evt.Type)
	require.Equal(t, "task-1", evt.EntityID)
}

type stubController struct {
	paused  []string
	started []string
	ticked  []string
}

func (c *stubController) PauseWorkspace(_ context.Context, id string) error {
	c.paused = append(c.paused, id)
	return nil
}

func (c *stubController) StartWorkspace(_ context.Context, id string) error {
	c.started = append(c.started, id)
	return nil
}

func (c *stubController) TickNow(_ context.Context, id string) error {
	c.ticked = append(c.ticked, id)
	return nil
}

func TestWorkspaceControlEndpoints(t *testing.T) {
	f := newFixture(t)
	stub := &stubController{}
	f.server.deps.Control = stub

	rec := f.do(t, http.MethodPost, "/workspaces/ws-1/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "paused", decode[map[string]any](t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/workspaces/ws-1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "started", decode[map[string]any](t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/workspaces/ws-1/tick", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ticked", decode[map[string]any](t, rec)["status"])

	require.Equal(t, []string{"ws-1"}, stub.paused)
	require.Equal(t, []string{"ws-1"}, stub.started)
	require.Equal(t, []string{"ws-1"}, stub.ticked)
}

func TestControlWithoutSupervisor(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/workspaces/ws-1/pause", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "unavailable", decode[apiError](t, rec).ErrorKind)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
}
