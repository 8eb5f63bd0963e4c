package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/llm"
)

// FixCommitPrefix and FixCommitSuffix frame every bot commit message so the
// recursion filter can recognize self-triggered pushes.
const (
	FixCommitPrefix = "🤖 AI Fix: "
	FixCommitSuffix = " [skip-pipeline]"
)

// fuzzyMatchThreshold is the minimum fraction of matching lines for the
// line-level fallback when old_code is not present verbatim.
const fuzzyMatchThreshold = 0.8

// FixAgent asks the analysis collaborator for minimal-change fix proposals
// and commits the ones that apply cleanly.
type FixAgent struct {
	model  Collaborator
	source SourceHost
	logger *slog.Logger
}

// NewFixAgent creates the fix stage agent.
func NewFixAgent(model Collaborator, source SourceHost) *FixAgent {
	return &FixAgent{
		model:  model,
		source: source,
		logger: slog.Default().With("component", "fix-agent"),
	}
}

const fixSystemPrompt = `You are an automated code fixer. You receive one issue found in a file and the file's full current content. Propose the smallest possible change that fixes the issue.

Respond with a single JSON object:
{
  "function_name": "...",
  "fix_summary": "one line",
  "issue_type": "...",
  "confidence": <0.0-1.0>,
  "lines_affected": "start-end",
  "old_code": "exact snippet currently in the file",
  "new_code": "replacement snippet",
  "explanation": "..."
}
old_code must be copied verbatim from the file. Keep the change minimal.`

// fixProposal is the JSON contract of one collaborator fix response.
type fixProposal struct {
	FunctionName  string  `json:"function_name"`
	FixSummary    string  `json:"fix_summary"`
	IssueType     string  `json:"issue_type"`
	Confidence    float64 `json:"confidence"`
	LinesAffected string  `json:"lines_affected"`
	OldCode       string  `json:"old_code"`
	NewCode       string  `json:"new_code"`
	Explanation   string  `json:"explanation"`
}

// Run processes every issue from the analysis without confidence filtering.
// Each issue is handled independently: a failed read, bad proposal, stale
// blob, or unmatchable snippet skips that issue and the stage continues.
// The stage itself succeeds unless nothing could even be attempted.
func (a *FixAgent) Run(ctx context.Context, in FixInput, report Reporter) *FixResult {
	started := time.Now()
	result := &FixResult{Success: true}

	issues := in.Analysis.AllIssues()
	report.Progress("Starting fix stage", events.Progress(5), map[string]any{
		"issues": len(issues),
	})

	modifiedFiles := make(map[string]bool)
	for i, issue := range issues {
		if issue.Filename == "" {
			continue
		}
		pct := 10 + (i*85)/len(issues)
		report.Progress(fmt.Sprintf("Fixing %s issue in %s", issue.Type, issue.Filename), events.Progress(pct), nil)

		record, err := a.fixIssue(ctx, in, issue)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", issue.Filename, err))
			a.logger.Warn("Fix skipped", "filename", issue.Filename, "issue_type", issue.Type, "error", err)
			continue
		}
		if record == nil {
			continue
		}

		result.Fixes = append(result.Fixes, *record)
		if record.CommitSHA != "" {
			result.FixesApplied++
			result.CommitsMade++
			modifiedFiles[record.Filename] = true
		}
	}
	result.FilesModified = len(modifiedFiles)
	result.Duration = time.Since(started).Seconds()

	report.Progress("Fix stage complete", events.Progress(100), map[string]any{
		"fixes_applied":  result.FixesApplied,
		"files_modified": result.FilesModified,
	})
	a.logger.Info("Fix stage done",
		"fixes_applied", result.FixesApplied,
		"commits_made", result.CommitsMade,
		"errors", len(result.Errors))
	return result
}

// fixIssue handles one issue end to end. A nil record with nil error means
// the proposal was a no-op (old and new code identical): reported, not
// committed.
func (a *FixAgent) fixIssue(ctx context.Context, in FixInput, issue Issue) (*FixRecord, error) {
	blob, err := a.source.ReadFile(ctx, in.Repo, issue.Filename, in.Branch)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	content := string(blob.Content)

	proposal, err := a.propose(ctx, issue, content)
	if err != nil {
		return nil, err
	}

	record := &FixRecord{
		Filename:      issue.Filename,
		FunctionName:  proposal.FunctionName,
		IssueType:     proposal.IssueType,
		FixSummary:    proposal.FixSummary,
		Confidence:    proposal.Confidence,
		LinesAffected: proposal.LinesAffected,
		OldCode:       proposal.OldCode,
		NewCode:       proposal.NewCode,
		Explanation:   proposal.Explanation,
	}
	if record.IssueType == "" {
		record.IssueType = issue.Type
	}

	// An identical replacement is a reported no-op, never a commit.
	if proposal.OldCode == proposal.NewCode {
		return record, nil
	}

	fixed, ok := ApplyFix(content, proposal.OldCode, proposal.NewCode)
	if !ok {
		return nil, fmt.Errorf("old_code not found in file (exact and fuzzy match failed)")
	}

	message := FixCommitPrefix + proposal.FixSummary + FixCommitSuffix
	commit, err := a.source.WriteFile(ctx, in.Repo, issue.Filename, []byte(fixed), message, in.Branch, blob.SHA)
	if err != nil {
		return nil, fmt.Errorf("committing fix: %w", err)
	}
	record.CommitSHA = commit.CommitSHA
	return record, nil
}

func (a *FixAgent) propose(ctx context.Context, issue Issue, content string) (*fixProposal, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Issue type: %s\nSeverity: %s\nLine: %d\nDescription: %s\n", issue.Type, issue.Severity, issue.Line, issue.Description)
	if issue.Recommendation != "" {
		fmt.Fprintf(&sb, "Recommendation: %s\n", issue.Recommendation)
	}
	fmt.Fprintf(&sb, "\nFile content:\n%s", content)

	raw, err := a.model.Complete(ctx, fixSystemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("requesting fix proposal: %w", err)
	}
	payload, ok := llm.ExtractJSONObject(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON object in fix proposal")
	}
	var proposal fixProposal
	if err := json.Unmarshal([]byte(payload), &proposal); err != nil {
		return nil, fmt.Errorf("decoding fix proposal: %w", err)
	}
	if proposal.OldCode == "" {
		return nil, fmt.Errorf("fix proposal has empty old_code")
	}
	return &proposal, nil
}

// ApplyFix replaces oldCode with newCode in content. It tries an exact
// substring replacement first, then a line-window fuzzy match requiring at
// least fuzzyMatchThreshold of the window's lines to match (whitespace
// trimmed). Returns the updated content and whether a replacement happened.
func ApplyFix(content, oldCode, newCode string) (string, bool) {
	if strings.Contains(content, oldCode) {
		return strings.Replace(content, oldCode, newCode, 1), true
	}

	contentLines := strings.Split(content, "\n")
	oldLines := strings.Split(strings.TrimRight(oldCode, "\n"), "\n")
	if len(oldLines) == 0 || len(oldLines) > len(contentLines) {
		return content, false
	}

	bestIdx := -1
	bestScore := 0.0
	for i := 0; i+len(oldLines) <= len(contentLines); i++ {
		matched := 0
		for j, old := range oldLines {
			if strings.TrimSpace(contentLines[i+j]) == strings.TrimSpace(old) {
				matched++
			}
		}
		score := float64(matched) / float64(len(oldLines))
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 || bestScore < fuzzyMatchThreshold {
		return content, false
	}

	newLines := strings.Split(strings.TrimRight(newCode, "\n"), "\n")
	out := make([]string, 0, len(contentLines)-len(oldLines)+len(newLines))
	out = append(out, contentLines[:bestIdx]...)
	out = append(out, newLines...)
	out = append(out, contentLines[bestIdx+len(oldLines):]...)
	return strings.Join(out, "\n"), true
}
