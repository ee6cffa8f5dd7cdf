package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maraver/planline/internal/device"
	"github.com/maraver/planline/internal/engine"
	"github.com/maraver/planline/internal/expressions"
	"github.com/maraver/planline/internal/plan"
	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/internal/streaming"
	"github.com/maraver/planline/pkg/schema"
)

// mockStore satisfies store.Store for monitor tests.
type mockStore struct {
	store.Store
	mu   sync.Mutex
	runs map[string]*store.Run
	docs map[string][]*store.Document
	tpls []*store.Template
	jobs []*store.ScheduledJob
}

func newMockStore() *mockStore {
	return &mockStore{
		runs: make(map[string]*store.Run),
		docs: make(map[string][]*store.Document),
	}
}

func (m *mockStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	return nil
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, r := range m.runs {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.PlanName != "" && r.PlanName != filter.PlanName {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) AppendDocument(_ context.Context, doc *store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	cp.Sequence = int64(len(m.docs[doc.RunID]) + 1)
	m.docs[doc.RunID] = append(m.docs[doc.RunID], &cp)
	doc.Sequence = cp.Sequence
	return nil
}

func (m *mockStore) GetDocuments(_ context.Context, runID string, since int64) ([]*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Document
	for _, d := range m.docs[runID] {
		if d.Sequence > since {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockStore) ListTemplates(_ context.Context, _ store.TemplateFilter) ([]*store.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tpls, nil
}

func (m *mockStore) ListScheduledJobs(_ context.Context, _ store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs, nil
}

func newTestServer(t *testing.T, ms *mockStore) (*Server, *engine.Engine, *streaming.MemoryHub) {
	t.Helper()
	reg := device.NewRegistry()
	require.NoError(t, reg.Register(device.NewSimMotor("m1")))
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	hub := streaming.NewMemoryHub()
	tee := streaming.NewTeeAppender(ms, hub)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := engine.DefaultOptions()
	opts.WaitPollInterval = 5 * time.Millisecond
	eng := engine.New(reg, ms, tee, cel, logger, opts)

	srv := NewServer(Deps{
		Store:  ms,
		Engine: eng,
		Hub:    hub,
		Logger: logger,
	})
	return srv, eng, hub
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestListRuns(t *testing.T) {
	ms := newMockStore()
	srv, _, _ := newTestServer(t, ms)
	h := srv.Handler()

	now := time.Now().UTC()
	require.NoError(t, ms.CreateRun(context.Background(), &store.Run{
		ID: "run-1", PlanName: "scan", Status: schema.RunStatusCompleted, CreatedAt: now,
	}))
	require.NoError(t, ms.CreateRun(context.Background(), &store.Run{
		ID: "run-2", PlanName: "tune", Status: schema.RunStatusFailed, CreatedAt: now.Add(time.Second),
	}))

	rec, body := doJSON(t, h, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	runs := body["runs"].([]any)
	assert.Len(t, runs, 2)
	// Newest first.
	first := runs[0].(map[string]any)
	assert.Equal(t, "run-2", first["id"])
}

func TestListRunsStatusFilter(t *testing.T) {
	ms := newMockStore()
	srv, _, _ := newTestServer(t, ms)
	h := srv.Handler()

	require.NoError(t, ms.CreateRun(context.Background(), &store.Run{
		ID: "run-ok", PlanName: "scan", Status: schema.RunStatusCompleted,
	}))
	require.NoError(t, ms.CreateRun(context.Background(), &store.Run{
		ID: "run-bad", PlanName: "scan", Status: schema.RunStatusFailed,
	}))

	rec, body := doJSON(t, h, http.MethodGet, "/api/runs?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)

	runs := body["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-bad", runs[0].(map[string]any)["id"])
}

func TestRunDetail(t *testing.T) {
	ms := newMockStore()
	srv, _, _ := newTestServer(t, ms)
	h := srv.Handler()

	require.NoError(t, ms.CreateRun(context.Background(), &store.Run{
		ID: "run-1", PlanName: "scan", Status: schema.RunStatusCompleted,
	}))

	rec, body := doJSON(t, h, http.MethodGet, "/api/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	run := body["run"].(map[string]any)
	assert.Equal(t, "scan", run["plan_name"])
	// Not active: no live status.
	assert.NotContains(t, body, "live_status")
}

func TestRunDetailNotFound(t *testing.T) {
	ms := newMockStore()
	srv, _, _ := newTestServer(t, ms)
	h := srv.Handler()

	rec, _ := doJSON(t, h, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunDetailLiveRun(t *testing.T) {
	ms := newMockStore()
	srv, eng, _ := newTestServer(t, ms)
	h := srv.Handler()

	p := plan.NewSequence("slow",
		schema.Read("m1"),
		schema.Sleep(5*time.Second),
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Execute(context.Background(), &store.Run{ID: "run-live", PlanName: "slow"}, p)
	}()
	require.Eventually(t, func() bool {
		s, ok := eng.Status("run-live")
		return ok && s == schema.RunStatusRunning
	}, 2*time.Second, time.Millisecond)

	rec, body := doJSON(t, h, http.MethodGet, "/api/runs/run-live", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["live_status"])
	assert.Contains(t, body, "readings")

	require.NoError(t, eng.Control("run-live", schema.ControlRequest{Action: schema.ControlHalt}))
	<-errCh
}

func TestRunDocuments(t *testing.T) {
	ms := newMockStore()
	srv, _, _ := newTestServer(t, ms)
	h := srv.Handler()

	ctx := context.Background()
	for _, typ := range []string{schema.DocRunStarted, schema.DocReading, schema.DocRunCompleted} {
		require.NoError(t, ms.AppendDocument(ctx, &store.Document{RunID: "run-1", Type: typ}))
	}

	rec, body := doJSON(t, h, http.MethodGet, "/api/runs/run-1/documents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["count"])

	// since skips already-seen sequences.
	rec, body = doJSON(t, h, http.MethodGet, "/api/runs/run-1/documents?since=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestControlUnknownRun(t *testing.T) {
	ms := newMockStore()
	srv, _, _ := newTestServer(t, ms)
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/runs/missing/control", `{"action":"pause"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "missing")
}

func TestControlInvalidAction(t *testing.T) {
	ms := newMockStore()
	srv, _, _ := newTestServer(t, ms)
	h := srv.Handler()

	rec, _ := doJSON(t, h, http.MethodPost, "/api/runs/run-1/control", `{"action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlPausesRun(t *testing.T) {
	ms := newMockStore()
	srv, eng, _ := newTestServer(t, ms)
	h := srv.Handler()

	p := plan.NewSequence("pausable",
		schema.Read("m1"),
		schema.Sleep(20*time.Millisecond),
		schema.Read("m1"),
		schema.Sleep(20*time.Millisecond),
		schema.Read("m1"),
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Execute(context.Background(), &store.Run{ID: "run-p", PlanName: "pausable"}, p)
	}()
	require.Eventually(t, func() bool {
		s, ok := eng.Status("run-p")
		return ok && s == schema.RunStatusRunning
	}, 2*time.Second, time.Millisecond)

	rec, _ := doJSON(t, h, http.MethodPost, "/api/runs/run-p/control", `{"action":"pause"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		s, ok := eng.Status("run-p")
		return ok && s == schema.RunStatusPaused
	}, 2*time.Second, time.Millisecond)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/runs/run-p/control", `{"action":"resume"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, <-errCh)
}

func TestListTemplatesAndJobs(t *testing.T) {
	ms := newMockStore()
	ms.tpls = []*store.Template{{Name: "scan", Version: "1"}}
	ms.jobs = []*store.ScheduledJob{{ID: "job-1", TemplateName: "scan", CronExpression: "0 * * * *"}}
	srv, _, _ := newTestServer(t, ms)
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/api/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["templates"], 1)

	rec, body = doJSON(t, h, http.MethodGet, "/api/scheduler", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["jobs"], 1)
}

func TestSuspendersWithoutSupervisor(t *testing.T) {
	ms := newMockStore()
	srv, _, _ := newTestServer(t, ms)
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/api/suspenders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["suspenders"])
}

func TestBreakerStats(t *testing.T) {
	ms := newMockStore()
	srv, _, _ := newTestServer(t, ms)
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/api/breakers/m1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m1", body["device"])
	assert.Equal(t, "closed", body["state"])
}

func TestSSERunStream(t *testing.T) {
	ms := newMockStore()
	srv, _, hub := newTestServer(t, ms)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse/runs/run-1", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the subscription a moment to register, then publish.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), store.Document{
		RunID: "run-1", Type: schema.DocCheckpoint,
	}))
	require.NoError(t, hub.Publish(context.Background(), store.Document{
		RunID: "run-other", Type: schema.DocCheckpoint,
	}))

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Equal(t, schema.DocCheckpoint, event)

	var doc store.Document
	require.NoError(t, json.Unmarshal([]byte(data), &doc))
	assert.Equal(t, "run-1", doc.RunID)
}
