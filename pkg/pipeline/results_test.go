package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/agent"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/github"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/workspace"
)

func finishedPipeline() *Pipeline {
	p := NewPipeline("o/r", "feat", 5, TriggerInfo{Type: "webhook", EventType: "opened"})
	p.build = &agent.BuildOutput{
		BuildResult: &workspace.BuildResult{
			Success:     true,
			ProjectType: workspace.ProjectPython,
			FileInfo: map[string]workspace.FileInfo{
				"a.py": {Extension: ".py", Lines: 10},
				"b.js": {Extension: ".js", Lines: 5},
			},
			Metadata: workspace.Metadata{TotalFiles: 2},
		},
		Diff:     &github.DiffResult{},
		Duration: 1.5,
	}
	p.analysis = &agent.AnalysisResult{
		Success:     true,
		TotalIssues: 2,
		Vulnerabilities: []agent.Issue{
			{Type: "sqli", Severity: agent.SeverityHigh, Filename: "a.py", Line: 3, Confidence: 90},
		},
		QualityIssues: []agent.Issue{
			{Type: "naming", Severity: agent.SeverityLow, Filename: "a.py", Line: 8, Confidence: 50},
		},
		OverallRisk:   agent.SeverityHigh,
		FilesAnalyzed: 2,
	}
	p.fix = &agent.FixResult{
		Success:       true,
		FixesApplied:  1,
		FilesModified: 1,
		CommitsMade:   1,
		Fixes: []agent.FixRecord{{
			Filename:   "a.py",
			FixSummary: "parameterize query",
			NewCode:    "cur.execute(q, args)\nreturn cur",
			Confidence: 0.9,
			CommitSHA:  "abc123",
		}},
	}
	p.test = &agent.TestResult{
		Success:             true,
		FunctionsDiscovered: 1,
		Generated:           []agent.GeneratedTest{{FunctionName: "f", Filename: "a.py", TestName: "test_f"}},
		MethodResults:       []agent.TestMethodResult{{TestFile: "test_f_0.py", MethodName: "test_f", Status: agent.TestStatusPassed}},
		TestsGenerated:      1,
		TestsExecuted:       1,
		TestsPassed:         1,
		TotalMethods:        1,
	}
	p.state = StateComplete
	p.endedAt = p.startedAt.Add(10 * time.Second)
	return p
}

func TestPipelineStatus(t *testing.T) {
	status, passed := pipelineStatus([4]bool{true, true, true, true})
	assert.Equal(t, "success", status)
	assert.Equal(t, 4, passed)

	status, _ = pipelineStatus([4]bool{false, false, false, false})
	assert.Equal(t, "failed", status)

	status, passed = pipelineStatus([4]bool{true, true, false, true})
	assert.Equal(t, "partial", status)
	assert.Equal(t, 3, passed)
}

func TestStageFlags_SkippedFixCountsAsPassed(t *testing.T) {
	p := finishedPipeline()
	p.fix = nil
	p.analysis.TotalIssues = 0

	flags := stageFlags(p)
	assert.True(t, flags[2])
}

func TestBuildComprehensive(t *testing.T) {
	p := finishedPipeline()
	record := BuildComprehensive(p, "1.0.0")

	assert.Equal(t, "pipeline_complete", record["event_type"])
	assert.Equal(t, "1.0.0", record["version"])

	results := record["results"].(map[string]any)
	assert.Equal(t, p.ID, results["pipeline_id"])
	assert.Equal(t, "o/r", results["repository_name"])
	assert.Equal(t, "success", results["pipeline_status"])
	assert.InDelta(t, 100.0, results["success_rate"], 0.001)
	assert.InDelta(t, 10.0, results["total_duration"], 0.001)

	analysis := results["analysis_results"].(map[string]any)
	issues := analysis["vulnerabilities"].([]map[string]any)
	require.Len(t, issues, 2)
	assert.Equal(t, "vulnerability", issues[0]["category"])
	assert.Equal(t, "quality", issues[1]["category"])
	assert.Equal(t, map[string]int{"HIGH": 1, "LOW": 1}, analysis["severity_breakdown"])
	assert.InDelta(t, 70.0, analysis["ai_confidence_score"], 0.001)

	fix := results["fix_results"].(map[string]any)
	assert.Equal(t, "abc123", fix["commit_sha"])
	assert.Equal(t, 2, fix["total_lines_changed"])

	test := results["test_results"].(map[string]any)
	tf := test["test_functions"].([]map[string]any)
	require.Len(t, tf, 1)
	assert.Equal(t, agent.TestStatusPassed, tf[0]["status"])
	assert.InDelta(t, 100.0, test["test_coverage_percentage"], 0.001)

	metrics := results["resource_metrics"].(map[string]any)
	assert.Positive(t, metrics["goroutines"])
}

func TestBuildComprehensive_FailedBuildOnly(t *testing.T) {
	p := NewPipeline("o/r", "feat", 5, TriggerInfo{})
	p.build = &agent.BuildOutput{BuildResult: &workspace.BuildResult{Success: false}}
	p.state = StateFailed
	p.endedAt = time.Now()

	record := BuildComprehensive(p, "1.0.0")
	results := record["results"].(map[string]any)
	assert.Equal(t, "failed", results["pipeline_status"])
	assert.InDelta(t, 0.0, results["success_rate"], 0.001)
}

func TestCommentMarkdown(t *testing.T) {
	p := finishedPipeline()
	md := CommentMarkdown(p, "success")
	assert.Contains(t, md, "AI Pipeline passed")
	assert.Contains(t, md, "PR #5")
	assert.Contains(t, md, "✅ Build: success")

	md = CommentMarkdown(p, "failed")
	assert.Contains(t, md, "⚠️")
}

func TestResultsDelivery_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewResultsDelivery(srv.URL, t.TempDir())
	err := d.Deliver(context.Background(), "o/r_5_1", map[string]any{"event_type": "pipeline_complete"})
	require.NoError(t, err)
	assert.Equal(t, "pipeline_complete", got["event_type"])
}

func TestResultsDelivery_FailureWritesBackup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewResultsDelivery(srv.URL, dir)
	err := d.Deliver(context.Background(), "o/r_5_1", map[string]any{"k": "v"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	matches, globErr := filepath.Glob(filepath.Join(dir, "pipeline_results_o_r_5_1_*.json"))
	require.NoError(t, globErr)
	require.Len(t, matches, 1)

	payload, readErr := os.ReadFile(matches[0])
	require.NoError(t, readErr)
	assert.JSONEq(t, `{"k":"v"}`, string(payload))
}

func TestResultsDelivery_DisabledWithoutURL(t *testing.T) {
	d := NewResultsDelivery("", t.TempDir())
	assert.NoError(t, d.Deliver(context.Background(), "id", map[string]any{}))
}
