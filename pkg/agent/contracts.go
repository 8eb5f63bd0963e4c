// Package agent defines the four stage contracts the orchestrator consumes
// (Build, Analyze, Fix, Test) and their implementations. Agents never panic
// into the orchestrator and never return Go errors for stage-level failures:
// each returns a result with Success=false and populated Errors, which the
// orchestrator maps onto the pipeline state machine.
package agent

import (
	"context"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/github"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/workspace"
)

// Reporter carries the two callbacks an agent may use during its run.
// Either field may be nil; use the methods, which are nil-safe.
type Reporter struct {
	// OnProgress publishes a status_update. progress is an integer in
	// [0,100], or nil for a sub-step tick.
	OnProgress func(message string, progress *int, details map[string]any)
	// OnEvent publishes a stage-specific event (test_generated,
	// functions_discovered, ...) on the pipeline topic.
	OnEvent func(ev bus.Event)
}

// Progress reports a status update through the reporter.
func (r Reporter) Progress(message string, progress *int, details map[string]any) {
	if r.OnProgress != nil {
		r.OnProgress(message, progress, details)
	}
}

// Emit publishes a stage-specific event through the reporter.
func (r Reporter) Emit(ev bus.Event) {
	if r.OnEvent != nil {
		r.OnEvent(ev)
	}
}

// Build materializes the PR branch and collects static metadata.
type Build interface {
	Run(ctx context.Context, in BuildInput, report Reporter) *BuildOutput
}

// Analyze classifies the PR's changes into issue lists.
type Analyze interface {
	Run(ctx context.Context, in AnalyzeInput, report Reporter) *AnalysisResult
}

// Fix proposes and commits minimal-change fixes for reported issues.
type Fix interface {
	Run(ctx context.Context, in FixInput, report Reporter) *FixResult
}

// Test discovers changed functions, generates tests for them, and runs the
// generated tests.
type Test interface {
	Run(ctx context.Context, in TestInput, report Reporter) *TestResult
}

// BuildInput identifies the PR branch to materialize.
type BuildInput struct {
	Repo     string
	Branch   string
	PRNumber int
}

// BuildOutput is the build stage's result: workspace metadata plus the
// parsed PR diff injected for downstream stages.
type BuildOutput struct {
	*workspace.BuildResult
	Diff     *github.DiffResult
	Duration float64
}

// AnalyzeInput is the analyze stage's input.
type AnalyzeInput struct {
	Diff  *github.DiffResult
	Build *BuildOutput
}

// Severity levels for reported issues.
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
	SeverityLow    = "LOW"
)

// Issue is one finding from the analyze stage. Filename is always non-empty
// and names one of the analyzed input files.
type Issue struct {
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Filename       string `json:"filename"`
	Line           int    `json:"line_number"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
	CodeSnippet    string `json:"code_snippet,omitempty"`
	// Confidence is a percentage in [0,100].
	Confidence int `json:"confidence"`
}

// AnalysisResult is the analyze stage's result.
type AnalysisResult struct {
	Success         bool     `json:"success"`
	Vulnerabilities []Issue  `json:"vulnerabilities"`
	SecurityIssues  []Issue  `json:"security_issues"`
	QualityIssues   []Issue  `json:"quality_issues"`
	OverallRisk     string   `json:"overall_risk"`
	Recommendations []string `json:"recommendations"`
	FilesAnalyzed   int      `json:"files_analyzed"`
	TotalIssues     int      `json:"total_issues"`
	Errors          []string `json:"errors"`
	Duration        float64  `json:"duration"`
}

// AllIssues returns the three issue lists concatenated, vulnerabilities
// first. The fix stage consumes every issue without filtering.
func (a *AnalysisResult) AllIssues() []Issue {
	out := make([]Issue, 0, len(a.Vulnerabilities)+len(a.SecurityIssues)+len(a.QualityIssues))
	out = append(out, a.Vulnerabilities...)
	out = append(out, a.SecurityIssues...)
	out = append(out, a.QualityIssues...)
	return out
}

// FixInput is the fix stage's input.
type FixInput struct {
	Analysis *AnalysisResult
	Repo     string
	Branch   string
}

// FixRecord is one applied (or attempted) fix.
type FixRecord struct {
	Filename      string  `json:"filename"`
	FunctionName  string  `json:"function_name"`
	IssueType     string  `json:"issue_type"`
	FixSummary    string  `json:"fix_summary"`
	Confidence    float64 `json:"confidence"`
	LinesAffected string  `json:"lines_affected"`
	OldCode       string  `json:"old_code"`
	NewCode       string  `json:"new_code"`
	Explanation   string  `json:"explanation,omitempty"`
	CommitSHA     string  `json:"commit_sha,omitempty"`
}

// FixResult is the fix stage's result.
type FixResult struct {
	Success       bool        `json:"success"`
	FixesApplied  int         `json:"fixes_applied"`
	FilesModified int         `json:"files_modified"`
	CommitsMade   int         `json:"commits_made"`
	Fixes         []FixRecord `json:"fixes"`
	Errors        []string    `json:"errors"`
	Duration      float64     `json:"duration"`
}

// TestInput is the test stage's input.
type TestInput struct {
	Diff      *github.DiffResult
	FixResult *FixResult
	Repo      string
	Branch    string
}

// ChangedFunction is a function definition whose span intersects the PR's
// changed lines. EndLine >= StartLine always holds.
type ChangedFunction struct {
	Filename   string   `json:"filename"`
	Name       string   `json:"function_name"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line"`
	Source     string   `json:"source"`
	IsMethod   bool     `json:"is_method"`
	ClassName  string   `json:"class_name,omitempty"`
	Decorators []string `json:"decorators,omitempty"`
	Docstring  string   `json:"docstring,omitempty"`
}

// FunctionQuestion pairs a discovered function with the natural-language
// test specification obtained from the analysis collaborator.
type FunctionQuestion struct {
	Filename     string `json:"filename"`
	FunctionName string `json:"function_name"`
	Question     string `json:"question"`
	Reasoning    string `json:"reasoning"`
}

// GeneratedTest is one generated test body for a FunctionQuestion.
type GeneratedTest struct {
	FunctionName string  `json:"function_name"`
	Filename     string  `json:"filename"`
	TestName     string  `json:"test_name"`
	Code         string  `json:"code"`
	Confidence   float64 `json:"confidence_score"`
}

// Test method statuses as reported by the runner.
const (
	TestStatusPassed  = "PASSED"
	TestStatusFailed  = "FAILED"
	TestStatusError   = "ERROR"
	TestStatusSkipped = "SKIPPED"
)

// TestMethodResult is one executed test method.
type TestMethodResult struct {
	TestFile      string  `json:"test_file"`
	ClassName     string  `json:"class_name,omitempty"`
	MethodName    string  `json:"method_name"`
	Status        string  `json:"status"`
	ExecutionTime float64 `json:"execution_time"`
	Message       string  `json:"error_message,omitempty"`
}

// TestResult is the test stage's result across all three phases.
type TestResult struct {
	Success             bool               `json:"success"`
	Skipped             bool               `json:"skipped"`
	FunctionsDiscovered int                `json:"functions_discovered"`
	Functions           []ChangedFunction  `json:"functions,omitempty"`
	Generated           []GeneratedTest    `json:"generated,omitempty"`
	MethodResults       []TestMethodResult `json:"method_results,omitempty"`
	TestsGenerated      int                `json:"tests_generated"`
	TestsExecuted       int                `json:"tests_executed"`
	TestsPassed         int                `json:"tests_passed"`
	TestsFailed         int                `json:"tests_failed"`
	MethodsPassed       int                `json:"methods_passed"`
	MethodsFailed       int                `json:"methods_failed"`
	MethodsErrored      int                `json:"methods_errored"`
	TotalMethods        int                `json:"total_methods"`
	Errors              []string           `json:"errors"`
	Duration            float64            `json:"duration"`
}
