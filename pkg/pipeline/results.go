package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/agent"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
)

// stageFlags reports the per-stage success flags used for pipeline_status
// and success_rate. A stage skipped by the rules (fix with zero issues, test
// with no changed functions) counts as passed; a stage never reached counts
// as failed.
func stageFlags(p *Pipeline) [4]bool {
	var f [4]bool
	f[0] = p.build != nil && p.build.Success
	f[1] = p.analysis != nil && p.analysis.Success
	switch {
	case p.fix != nil:
		f[2] = p.fix.Success
	case f[1] && p.analysis.TotalIssues == 0:
		f[2] = true
	}
	f[3] = p.test != nil && p.test.Success
	return f
}

// pipelineStatus folds the stage flags: success iff all passed, failed iff
// none did, partial otherwise.
func pipelineStatus(flags [4]bool) (string, int) {
	passed := 0
	for _, ok := range flags {
		if ok {
			passed++
		}
	}
	switch passed {
	case len(flags):
		return "success", passed
	case 0:
		return "failed", passed
	default:
		return "partial", passed
	}
}

// BuildComprehensive assembles the full results record emitted as
// pipeline_results_complete and posted to the external webhook.
func BuildComprehensive(p *Pipeline, version string) map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	flags := stageFlags(p)
	status, passed := pipelineStatus(flags)

	results := map[string]any{
		"pipeline_id":             p.ID,
		"repository_name":         p.Repo,
		"branch_name":             p.Branch,
		"pr_number":               p.PRNumber,
		"pipeline_status":         status,
		"start_timestamp":         p.startedAt.UTC().Format(time.RFC3339),
		"end_timestamp":           p.endedAt.UTC().Format(time.RFC3339),
		"total_duration":          p.endedAt.Sub(p.startedAt).Seconds(),
		"trigger_info":            p.Trigger,
		"build_results":           buildResults(p.build),
		"analysis_results":        analysisResults(p.analysis),
		"fix_results":             fixResults(p.fix),
		"test_results":            testResults(p.test),
		"success_rate":            float64(passed) / 4 * 100,
		"resource_metrics":        resourceMetrics(),
		"previous_run_comparison": nil,
		"errors":                  append([]string(nil), p.errors...),
		"warnings":                append([]string(nil), p.warnings...),
	}
	return map[string]any{
		"event_type": "pipeline_complete",
		"timestamp":  events.Timestamp(),
		"version":    version,
		"results":    results,
	}
}

func buildResults(b *agent.BuildOutput) map[string]any {
	if b == nil {
		return map[string]any{"success": false, "duration": 0.0}
	}
	types := map[string]int{}
	for _, fi := range b.FileInfo {
		types[fi.Extension]++
	}
	return map[string]any{
		"success":              b.Success,
		"duration":             b.Duration,
		"files_downloaded":     b.Metadata.TotalFiles,
		"file_types_processed": types,
		"build_errors":         b.Errors,
		"files_analyzed":       len(b.FileInfo),
	}
}

func analysisResults(a *agent.AnalysisResult) map[string]any {
	if a == nil {
		return map[string]any{"success": false, "duration": 0.0}
	}

	severity := map[string]int{}
	categories := map[string]int{}
	confidenceSum := 0
	var issues []map[string]any
	appendIssues := func(list []agent.Issue, category string) {
		for _, issue := range list {
			severity[issue.Severity]++
			categories[category]++
			confidenceSum += issue.Confidence
			issues = append(issues, map[string]any{
				"type":             issue.Type,
				"description":      issue.Description,
				"severity":         issue.Severity,
				"file_path":        issue.Filename,
				"line_number":      issue.Line,
				"confidence_score": issue.Confidence,
				"category":         category,
			})
		}
	}
	appendIssues(a.Vulnerabilities, "vulnerability")
	appendIssues(a.SecurityIssues, "security")
	appendIssues(a.QualityIssues, "quality")

	avgConfidence := 0.0
	if len(issues) > 0 {
		avgConfidence = float64(confidenceSum) / float64(len(issues))
	}
	return map[string]any{
		"success":              a.Success,
		"duration":             a.Duration,
		"files_analyzed":       a.FilesAnalyzed,
		"total_issues":         a.TotalIssues,
		"vulnerabilities":      issues,
		"severity_breakdown":   severity,
		"categories_breakdown": categories,
		"overall_risk_level":   a.OverallRisk,
		"ai_confidence_score":  avgConfidence,
		"recommendations":      a.Recommendations,
	}
}

func fixResults(f *agent.FixResult) map[string]any {
	if f == nil {
		return map[string]any{"success": true, "duration": 0.0, "files_modified": 0}
	}

	var fixed []map[string]any
	totalLines := 0
	confidenceSum := 0.0
	lastSHA := ""
	lastMessage := ""
	for _, fix := range f.Fixes {
		lines := len(strings.Split(strings.TrimRight(fix.NewCode, "\n"), "\n"))
		totalLines += lines
		confidenceSum += fix.Confidence
		if fix.CommitSHA != "" {
			lastSHA = fix.CommitSHA
			lastMessage = agent.FixCommitPrefix + fix.FixSummary + agent.FixCommitSuffix
		}
		fixed = append(fixed, map[string]any{
			"function_name":    fix.FunctionName,
			"file_path":        fix.Filename,
			"fix_type":         fix.IssueType,
			"description":      fix.FixSummary,
			"confidence_score": fix.Confidence,
			"lines_changed":    lines,
		})
	}
	avg := 0.0
	if len(f.Fixes) > 0 {
		avg = confidenceSum / float64(len(f.Fixes))
	}
	return map[string]any{
		"success":                f.Success,
		"duration":               f.Duration,
		"files_modified":         f.FilesModified,
		"functions_fixed":        fixed,
		"commit_sha":             lastSHA,
		"commit_message":         lastMessage,
		"total_lines_changed":    totalLines,
		"fix_confidence_average": avg,
	}
}

func testResults(t *agent.TestResult) map[string]any {
	if t == nil {
		return map[string]any{"success": false, "duration": 0.0, "functions_discovered": 0}
	}

	// Index method outcomes by test name so each generated test reports the
	// status of its primary method.
	statusByMethod := map[string]agent.TestMethodResult{}
	for _, m := range t.MethodResults {
		if _, seen := statusByMethod[m.MethodName]; !seen {
			statusByMethod[m.MethodName] = m
		}
	}
	var testFunctions []map[string]any
	for _, g := range t.Generated {
		entry := map[string]any{
			"function_name": g.FunctionName,
			"file_path":     g.Filename,
			"test_name":     g.TestName,
			"status":        "UNKNOWN",
		}
		if m, ok := statusByMethod[g.TestName]; ok {
			entry["status"] = m.Status
			entry["execution_time"] = m.ExecutionTime
			if m.Message != "" {
				entry["error_message"] = m.Message
			}
		}
		testFunctions = append(testFunctions, entry)
	}

	coverage := 0.0
	if t.TestsExecuted > 0 {
		coverage = float64(t.TestsPassed) / float64(t.TestsExecuted) * 100
	}
	return map[string]any{
		"success":                  t.Success,
		"duration":                 t.Duration,
		"functions_discovered":     t.FunctionsDiscovered,
		"test_functions":           testFunctions,
		"tests_generated":          t.TestsGenerated,
		"tests_executed":           t.TestsExecuted,
		"tests_passed":             t.TestsPassed,
		"tests_failed":             t.TestsFailed,
		"test_coverage_percentage": coverage,
		"execution_time_total":     t.Duration,
	}
}

func resourceMetrics() map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]any{
		"goroutines":      runtime.NumGoroutine(),
		"heap_alloc_mb":   float64(mem.HeapAlloc) / (1 << 20),
		"heap_sys_mb":     float64(mem.HeapSys) / (1 << 20),
		"gc_cycles":       mem.NumGC,
		"cpu_count":       runtime.NumCPU(),
	}
}

// stageLines renders one human-readable line per stage, shared by the PR
// comment and the notifier.
func stageLines(p *Pipeline) []string {
	lines := []string{stageLine("Build", statusOf(p.build != nil && p.build.Success, p.build != nil))}
	lines = append(lines, stageLine("Analyze", statusOf(p.analysis != nil && p.analysis.Success, p.analysis != nil)))

	switch {
	case p.fix != nil:
		lines = append(lines, fmt.Sprintf("%s Fix: %d fixes applied across %d files", emoji(p.fix.Success), p.fix.FixesApplied, p.fix.FilesModified))
	case p.analysis != nil && p.analysis.Success:
		lines = append(lines, "⏭️ Fix: skipped, no issues found")
	default:
		lines = append(lines, "⏭️ Fix: not reached")
	}

	switch {
	case p.test != nil && p.test.Skipped:
		lines = append(lines, "⏭️ Test: skipped, no changed functions")
	case p.test != nil:
		lines = append(lines, fmt.Sprintf("%s Test: %d/%d generated tests passed (%d methods)", emoji(p.test.Success), p.test.TestsPassed, p.test.TestsExecuted, p.test.TotalMethods))
	default:
		lines = append(lines, "⏭️ Test: not reached")
	}
	return lines
}

func stageLine(name, status string) string {
	return fmt.Sprintf("%s %s: %s", emojiFor(status), name, status)
}

func statusOf(success, ran bool) string {
	switch {
	case !ran:
		return "not reached"
	case success:
		return "success"
	default:
		return "failed"
	}
}

func emoji(success bool) string {
	if success {
		return "✅"
	}
	return "❌"
}

func emojiFor(status string) string {
	switch status {
	case "success":
		return "✅"
	case "failed":
		return "❌"
	default:
		return "⏭️"
	}
}

// stageSummary is the compact per-stage map on pipeline_complete.
func stageSummary(p *Pipeline) map[string]any {
	lines := stageLines(p)
	return map[string]any{
		"build":   lines[0],
		"analyze": lines[1],
		"fix":     lines[2],
		"test":    lines[3],
	}
}

// CommentMarkdown renders the PR comment for a finished pipeline. A failed
// pipeline renders as a warning, not an error wall.
func CommentMarkdown(p *Pipeline, status string) string {
	var sb strings.Builder
	switch status {
	case "success":
		sb.WriteString("## ✅ AI Pipeline passed\n\n")
	case "failed":
		sb.WriteString("## ⚠️ AI Pipeline failed\n\n")
	default:
		sb.WriteString("## 🟡 AI Pipeline finished with warnings\n\n")
	}
	fmt.Fprintf(&sb, "**Pipeline** `%s` on `%s` (PR #%d)\n\n", p.ID, p.Repo, p.PRNumber)
	for _, line := range stageLines(p) {
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\n_Total duration: %.1fs_\n", p.Duration())
	return sb.String()
}

// ResultsDelivery POSTs comprehensive records to an external webhook and
// falls back to a local backup file when delivery fails.
type ResultsDelivery struct {
	url       string
	backupDir string
	client    *http.Client
}

// NewResultsDelivery creates a delivery over url. An empty url disables
// delivery entirely. backupDir defaults to the working directory.
func NewResultsDelivery(url, backupDir string) *ResultsDelivery {
	if backupDir == "" {
		backupDir = "."
	}
	return &ResultsDelivery{
		url:       url,
		backupDir: backupDir,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Deliver POSTs the record as JSON. On any failure it writes the record to a
// timestamped backup file and returns the delivery error.
func (d *ResultsDelivery) Deliver(ctx context.Context, pipelineID string, record map[string]any) error {
	if d.url == "" {
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}

	deliverErr := d.post(ctx, payload)
	if deliverErr == nil {
		return nil
	}
	if backupErr := d.writeBackup(pipelineID, payload); backupErr != nil {
		return fmt.Errorf("%w (backup also failed: %v)", deliverErr, backupErr)
	}
	return deliverErr
}

func (d *ResultsDelivery) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building results request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting results: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("results webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (d *ResultsDelivery) writeBackup(pipelineID string, payload []byte) error {
	name := fmt.Sprintf("pipeline_results_%s_%s.json",
		strings.ReplaceAll(pipelineID, "/", "_"),
		time.Now().Format("20060102_150405"))
	return os.WriteFile(filepath.Join(d.backupDir, name), payload, 0o644)
}
