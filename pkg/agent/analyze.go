package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/github"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/llm"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/workspace"
)

// Collaborator is a chat-completions LLM endpoint.
type Collaborator interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// contextWindowLines is how many trailing context lines precede the added
// lines in each file's code window.
const contextWindowLines = 3

// AnalyzeAgent classifies PR changes into vulnerability, security, and
// quality issues via the analysis collaborator.
type AnalyzeAgent struct {
	model  Collaborator
	logger *slog.Logger
}

// NewAnalyzeAgent creates the analyze stage agent.
func NewAnalyzeAgent(model Collaborator) *AnalyzeAgent {
	return &AnalyzeAgent{
		model:  model,
		logger: slog.Default().With("component", "analyze-agent"),
	}
}

const analyzeSystemPrompt = `You are a senior code reviewer. You receive one changed file from a pull request: a window of trailing unchanged context lines followed by the added lines, each prefixed with its new-file line number. Classify problems in the ADDED lines only.

Respond with a single JSON object:
{
  "vulnerabilities": [{"type": "...", "severity": "HIGH|MEDIUM|LOW", "line_number": <int>, "description": "...", "recommendation": "...", "confidence": <0-100>}],
  "security_issues": [...same shape...],
  "quality_issues": [...same shape...],
  "recommendations": ["..."]
}
Use empty arrays when a category has no findings. Do not invent line numbers outside the window.`

// fileFindings is the JSON contract of one per-file collaborator response.
type fileFindings struct {
	Vulnerabilities []Issue  `json:"vulnerabilities"`
	SecurityIssues  []Issue  `json:"security_issues"`
	QualityIssues   []Issue  `json:"quality_issues"`
	Recommendations []string `json:"recommendations"`
}

// Run analyzes every supported added/modified code file in the diff.
// Per-file collaborator failures degrade the stage (recorded in Errors);
// the stage fails outright only when every file call failed.
func (a *AnalyzeAgent) Run(ctx context.Context, in AnalyzeInput, report Reporter) *AnalysisResult {
	started := time.Now()
	result := &AnalysisResult{Success: true, OverallRisk: SeverityLow}

	files := analyzableFiles(in.Diff)
	report.Progress("Starting analysis", events.Progress(5), map[string]any{
		"files_to_analyze": len(files),
	})
	if len(files) == 0 {
		result.Duration = time.Since(started).Seconds()
		report.Progress("No analyzable files in diff", events.Progress(100), nil)
		return result
	}

	failed := 0
	for i, file := range files {
		pct := 10 + (i*85)/len(files)
		report.Progress(fmt.Sprintf("Analyzing %s", file.Filename), events.Progress(pct), nil)

		findings, err := a.analyzeFile(ctx, file, in.Build)
		if err != nil {
			failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", file.Filename, err))
			a.logger.Warn("File analysis failed", "filename", file.Filename, "error", err)
			continue
		}

		result.Vulnerabilities = append(result.Vulnerabilities, tagFilename(findings.Vulnerabilities, file.Filename)...)
		result.SecurityIssues = append(result.SecurityIssues, tagFilename(findings.SecurityIssues, file.Filename)...)
		result.QualityIssues = append(result.QualityIssues, tagFilename(findings.QualityIssues, file.Filename)...)
		result.Recommendations = append(result.Recommendations, findings.Recommendations...)
		result.FilesAnalyzed++
	}

	if failed == len(files) {
		result.Success = false
	}
	result.TotalIssues = len(result.Vulnerabilities) + len(result.SecurityIssues) + len(result.QualityIssues)
	result.OverallRisk = overallRisk(result.AllIssues())
	result.Duration = time.Since(started).Seconds()

	report.Progress("Analysis complete", events.Progress(100), map[string]any{
		"total_issues": result.TotalIssues,
		"overall_risk": result.OverallRisk,
	})
	a.logger.Info("Analyze stage done",
		"files_analyzed", result.FilesAnalyzed,
		"total_issues", result.TotalIssues,
		"overall_risk", result.OverallRisk,
		"success", result.Success)
	return result
}

func (a *AnalyzeAgent) analyzeFile(ctx context.Context, file github.ChangedFile, build *BuildOutput) (*fileFindings, error) {
	window := CodeWindow(file)
	if window == "" {
		return &fileFindings{}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s (%s, +%d/-%d)\n", file.Filename, file.Status, file.Additions, file.Deletions)
	if build != nil && build.BuildResult != nil {
		fmt.Fprintf(&sb, "Project type: %s\n", build.ProjectType)
		if fi, ok := build.FileInfo[file.Filename]; ok {
			fmt.Fprintf(&sb, "File symbols: %d functions, %d classes\n", len(fi.Functions), len(fi.Classes))
		}
	}
	sb.WriteString("\nCode window:\n")
	sb.WriteString(window)

	raw, err := a.model.Complete(ctx, analyzeSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	payload, ok := llm.ExtractJSONObject(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var findings fileFindings
	if err := json.Unmarshal([]byte(payload), &findings); err != nil {
		return nil, fmt.Errorf("decoding findings: %w", err)
	}
	return &findings, nil
}

// CodeWindow builds the analysis view of one changed file: the last
// contextWindowLines context lines followed by every added line, each
// prefixed with its new-file line number.
func CodeWindow(file github.ChangedFile) string {
	if len(file.AddedLines) == 0 {
		return ""
	}

	var sb strings.Builder
	ctxLines := file.ContextLines
	if len(ctxLines) > contextWindowLines {
		ctxLines = ctxLines[len(ctxLines)-contextWindowLines:]
	}
	for _, c := range ctxLines {
		fmt.Fprintf(&sb, "%d: %s\n", c.NewNumber, c.Content)
	}
	for _, l := range file.AddedLines {
		fmt.Fprintf(&sb, "%d: + %s\n", l.Number, l.Content)
	}
	return sb.String()
}

// analyzableFiles filters the diff to supported code files with added or
// modified status that actually carry added lines. Removed and binary files
// are skipped.
func analyzableFiles(diff *github.DiffResult) []github.ChangedFile {
	if diff == nil {
		return nil
	}
	var out []github.ChangedFile
	for _, f := range diff.Files {
		if f.Status != github.StatusAdded && f.Status != github.StatusModified {
			continue
		}
		ext := strings.ToLower(extOf(f.Filename))
		if !workspace.SupportedExtensions[ext] {
			continue
		}
		if len(f.AddedLines) == 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

func extOf(filename string) string {
	if idx := strings.LastIndexByte(filename, '.'); idx >= 0 {
		return filename[idx:]
	}
	return ""
}

// tagFilename forces every issue to carry the analyzed file's name and a
// sane severity; collaborator output is not trusted for either.
func tagFilename(issues []Issue, filename string) []Issue {
	out := make([]Issue, 0, len(issues))
	for _, issue := range issues {
		issue.Filename = filename
		issue.Severity = normalizeSeverity(issue.Severity)
		if issue.Confidence < 0 {
			issue.Confidence = 0
		}
		if issue.Confidence > 100 {
			issue.Confidence = 100
		}
		out = append(out, issue)
	}
	return out
}

func normalizeSeverity(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// overallRisk is the max severity across all issues.
func overallRisk(issues []Issue) string {
	risk := SeverityLow
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityHigh:
			return SeverityHigh
		case SeverityMedium:
			risk = SeverityMedium
		}
	}
	return risk
}
