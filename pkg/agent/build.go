package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/github"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/workspace"
)

// BuildAgent materializes the PR branch through the workspace manager and
// injects the parsed PR diff for downstream stages.
type BuildAgent struct {
	workspaces *workspace.Manager
	source     SourceHost
	logger     *slog.Logger
}

// SourceHost is the slice of the source-host adapter the agents consume.
type SourceHost interface {
	PRDiff(ctx context.Context, repo string, number int) (*github.DiffResult, error)
	ReadFile(ctx context.Context, repo, path, ref string) (*github.FileContent, error)
	WriteFile(ctx context.Context, repo, path string, content []byte, message, branch, priorSHA string) (*github.CommitResult, error)
}

// NewBuildAgent creates the build stage agent.
func NewBuildAgent(workspaces *workspace.Manager, source SourceHost) *BuildAgent {
	return &BuildAgent{
		workspaces: workspaces,
		source:     source,
		logger:     slog.Default().With("component", "build-agent"),
	}
}

// Run clones and inspects the branch, then fetches the parsed PR diff.
// A clone failure or an unfetchable diff makes the stage unsuccessful.
func (a *BuildAgent) Run(ctx context.Context, in BuildInput, report Reporter) *BuildOutput {
	started := time.Now()
	out := &BuildOutput{}

	report.Progress("Fetching PR diff", events.Progress(5), nil)
	diff, err := a.source.PRDiff(ctx, in.Repo, in.PRNumber)
	if err != nil {
		out.BuildResult = &workspace.BuildResult{
			ProjectType: workspace.ProjectUnknown,
			Errors:      []string{fmt.Sprintf("fetching PR diff: %v", err)},
		}
		out.Duration = time.Since(started).Seconds()
		return out
	}
	out.Diff = diff

	report.Progress("Cloning branch", events.Progress(15), map[string]any{
		"branch": in.Branch,
	})
	out.BuildResult = a.workspaces.Materialize(ctx, in.Repo, in.Branch, func(stream, line string) {
		report.Progress(line, nil, map[string]any{"stream": stream})
	})

	report.Progress("Build stage finished", events.Progress(100), map[string]any{
		"project_type": string(out.ProjectType),
		"total_files":  out.Metadata.TotalFiles,
		"dependencies": len(out.Dependencies),
	})
	out.Duration = time.Since(started).Seconds()

	a.logger.Info("Build stage done",
		"repo", in.Repo,
		"pr", in.PRNumber,
		"success", out.Success,
		"files", out.Metadata.TotalFiles)
	return out
}
