package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/agent"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/github"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/pipeline"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/terminal"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/workspace"
)

type fakeSource struct {
	headMessage string
	headBranch  string
	prErr       error
}

func (f *fakeSource) PRDiff(context.Context, string, int) (*github.DiffResult, error) {
	return &github.DiffResult{}, nil
}

func (f *fakeSource) ReadFile(context.Context, string, string, string) (*github.FileContent, error) {
	return &github.FileContent{}, nil
}

func (f *fakeSource) WriteFile(context.Context, string, string, []byte, string, string, string) (*github.CommitResult, error) {
	return &github.CommitResult{}, nil
}

func (f *fakeSource) PullRequest(_ context.Context, _ string, number int) (*github.PullRequest, error) {
	if f.prErr != nil {
		return nil, f.prErr
	}
	return &github.PullRequest{Number: number, HeadBranch: f.headBranch}, nil
}

func (f *fakeSource) PostComment(context.Context, string, int, string) error {
	return nil
}

func (f *fakeSource) RecentCommits(context.Context, string, string, int) ([]github.Commit, error) {
	return []github.Commit{{SHA: "head", Message: f.headMessage}}, nil
}

// gatedBuild blocks until released so tests can observe an active pipeline.
type gatedBuild struct {
	release chan struct{}
}

func (g *gatedBuild) Run(context.Context, agent.BuildInput, agent.Reporter) *agent.BuildOutput {
	if g.release != nil {
		<-g.release
	}
	return &agent.BuildOutput{
		BuildResult: &workspace.BuildResult{Success: true},
		Diff:        &github.DiffResult{},
	}
}

type passAnalyze struct{}

func (passAnalyze) Run(context.Context, agent.AnalyzeInput, agent.Reporter) *agent.AnalysisResult {
	return &agent.AnalysisResult{Success: true}
}

type passFix struct{}

func (passFix) Run(context.Context, agent.FixInput, agent.Reporter) *agent.FixResult {
	return &agent.FixResult{Success: true}
}

type passTest struct{}

func (passTest) Run(context.Context, agent.TestInput, agent.Reporter) *agent.TestResult {
	return &agent.TestResult{Success: true, Skipped: true}
}

type testHarness struct {
	server *Server
	bus    *bus.Bus
	orch   *pipeline.Orchestrator
	build  *gatedBuild
}

func newHarness(t *testing.T, source *fakeSource) *testHarness {
	t.Helper()
	b := bus.NewBus()
	pub := events.NewPublisher(b)
	build := &gatedBuild{}
	orch := pipeline.NewOrchestrator(source, pipeline.Agents{
		Build:   build,
		Analyze: passAnalyze{},
		Fix:     passFix{},
		Test:    passTest{},
	}, pub, nil, nil, "test")
	terminals := terminal.NewManager(b, pub)
	return &testHarness{
		server: NewServer(orch, b, terminals),
		bus:    b,
		orch:   orch,
		build:  build,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func prEventBody(action string) string {
	return `{
		"action": "` + action + `",
		"number": 7,
		"pull_request": {
			"number": 7,
			"title": "add feature",
			"head": {"ref": "feat", "sha": "abc"},
			"user": {"login": "dev"}
		},
		"repository": {"full_name": "o/r"}
	}`
}

func TestSecurityHeaders(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	rec, _ := doJSON(t, h.server.Handler(), http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestGithubWebhook_Opened(t *testing.T) {
	h := newHarness(t, &fakeSource{headMessage: "normal"})
	rec, body := doJSON(t, h.server.Handler(), http.MethodPost, "/webhook/github", prEventBody("opened"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pipeline started", body["message"])
	assert.Equal(t, float64(7), body["pr_number"])
	assert.Equal(t, "o/r", body["repo"])
	assert.NotEmpty(t, body["pipeline_id"])
	assert.Equal(t, "starting", body["pipeline_status"])
}

func TestGithubWebhook_SynchronizeSuppressed(t *testing.T) {
	h := newHarness(t, &fakeSource{headMessage: "🤖 AI Fix: x [skip-pipeline]"})
	rec, body := doJSON(t, h.server.Handler(), http.MethodPost, "/webhook/github", prEventBody("synchronize"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ai_generated_commit", body["reason"])
	assert.Zero(t, h.orch.Count())
}

func TestGithubWebhook_IgnoredAction(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	rec, body := doJSON(t, h.server.Handler(), http.MethodPost, "/webhook/github", prEventBody("closed"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["message"], "ignored")
	assert.Zero(t, h.orch.Count())
}

func TestGithubWebhook_Malformed(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	rec, _ := doJSON(t, h.server.Handler(), http.MethodPost, "/webhook/github", `{"action": "opened"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestManualTrigger_MissingFields(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	rec, _ := doJSON(t, h.server.Handler(), http.MethodPost, "/agents/trigger", `{"repo_name": "o/r"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualTrigger_ResolvesBranchFromPR(t *testing.T) {
	h := newHarness(t, &fakeSource{headBranch: "feat"})
	rec, body := doJSON(t, h.server.Handler(), http.MethodPost, "/agents/trigger",
		`{"repo_name": "o/r", "pr_number": 3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "initiated", body["status"])
	assert.NotEmpty(t, body["pipeline_id"])
}

func TestManualTrigger_ExplicitBranchSkipsLookup(t *testing.T) {
	h := newHarness(t, &fakeSource{prErr: errors.New("api down")})
	rec, body := doJSON(t, h.server.Handler(), http.MethodPost, "/agents/trigger",
		`{"repo_name": "o/r", "pr_number": 3, "branch_name": "feat"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "initiated", body["status"])
}

func TestManualTrigger_BranchLookupFailure(t *testing.T) {
	h := newHarness(t, &fakeSource{prErr: errors.New("api down")})
	rec, _ := doJSON(t, h.server.Handler(), http.MethodPost, "/agents/trigger",
		`{"repo_name": "o/r", "pr_number": 3}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResultsWebhook(t *testing.T) {
	h := newHarness(t, &fakeSource{})

	rec, body := doJSON(t, h.server.Handler(), http.MethodPost, "/webhook/results",
		`{"event_type": "pipeline_complete", "results": {"pipeline_id": "x"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "x", body["pipeline_id"])

	rec, _ = doJSON(t, h.server.Handler(), http.MethodPost, "/webhook/results",
		`{"event_type": "something_else", "results": {}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h.server.Handler(), http.MethodPost, "/webhook/results",
		`{"event_type": "pipeline_complete"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPipelineSnapshot(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	h.build.release = make(chan struct{})

	p := h.orch.Trigger("o/r", "feat", 9, pipeline.TriggerInfo{Type: "manual"})
	rec, body := doJSON(t, h.server.Handler(), http.MethodGet, "/pipeline/"+p.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, p.ID, body["pipeline_id"])
	assert.Equal(t, float64(9), body["pr_number"])

	close(h.build.release)
	require.Eventually(t, func() bool { return h.orch.Count() == 0 }, 5*time.Second, 10*time.Millisecond)

	rec, body = doJSON(t, h.server.Handler(), http.MethodGet, "/pipeline/"+p.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], p.ID)
}

func TestActivePipelines(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	sub := h.bus.Subscribe("some-topic")
	defer h.bus.Unsubscribe(sub)

	rec, body := doJSON(t, h.server.Handler(), http.MethodGet, "/pipelines/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total_connections"])
	assert.Equal(t, float64(0), body["pipeline_count"])
	conns := body["active_connections"].(map[string]any)
	assert.Equal(t, float64(1), conns["some-topic"])
}

func TestRootBanner(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	rec, body := doJSON(t, h.server.Handler(), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agentic-devops-pipeline", body["service"])
	assert.NotEmpty(t, body["endpoints"])
}

func dialWS(t *testing.T, baseURL, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + path
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func writeWS(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestWebSocket_AllPipelinesStreamAndAck(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws/all")
	defer conn.Close(websocket.StatusNormalClosure, "")

	greeting := readWS(t, conn)
	assert.Equal(t, "connection_established", greeting["type"])

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount(bus.AllPipelines) == 1
	}, time.Second, 10*time.Millisecond)

	h.bus.Publish("o/r_1_1", bus.Event{"type": "status_update", "message": "hi"})
	ev := readWS(t, conn)
	assert.Equal(t, "status_update", ev["type"])
	// Fan-in injects the owning pipeline id.
	assert.Equal(t, "o/r_1_1", ev["pipeline_id"])

	writeWS(t, conn, map[string]any{"hello": "server"})
	ack := readWS(t, conn)
	assert.Equal(t, "ack", ack["type"])
	received := ack["received"].(map[string]any)
	assert.Equal(t, "server", received["hello"])
}

func TestWebSocket_TerminalCommands(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv.URL, "/ws/terminal/all")
	defer conn.Close(websocket.StatusNormalClosure, "")

	greeting := readWS(t, conn)
	assert.Equal(t, "terminal_connected", greeting["type"])

	writeWS(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readWS(t, conn)["type"])

	writeWS(t, conn, map[string]any{"type": "list_sessions"})
	list := readWS(t, conn)
	assert.Equal(t, "session_list", list["type"])

	writeWS(t, conn, map[string]any{"type": "get_status", "session_id": "nope"})
	errEv := readWS(t, conn)
	assert.Equal(t, "error", errEv["type"])
	assert.Equal(t, "not_found", errEv["status"])

	writeWS(t, conn, map[string]any{"type": "bogus"})
	unknown := readWS(t, conn)
	assert.Equal(t, "error", unknown["type"])
	assert.Contains(t, unknown["message"], "unknown command")
}
