package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/agent"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/github"
)

// SourceHost is the source-host surface the orchestrator and agents consume.
type SourceHost interface {
	agent.SourceHost
	PullRequest(ctx context.Context, repo string, number int) (*github.PullRequest, error)
	PostComment(ctx context.Context, repo string, number int, markdown string) error
	RecentCommits(ctx context.Context, repo, ref string, limit int) ([]github.Commit, error)
}

// Agents bundles the four stage implementations.
type Agents struct {
	Build   agent.Build
	Analyze agent.Analyze
	Fix     agent.Fix
	Test    agent.Test
}

// Completion is the terminal summary handed to an optional notifier.
type Completion struct {
	PipelineID string
	Repo       string
	Branch     string
	PRNumber   int
	Status     string
	Duration   float64
	StageLines []string
}

// Notifier receives terminal pipeline summaries. Implementations must
// tolerate being called concurrently.
type Notifier interface {
	PipelineFinished(ctx context.Context, c Completion)
}

// Orchestrator owns the active-pipeline registry and runs each pipeline
// through the stage chain on its own goroutine.
type Orchestrator struct {
	source   SourceHost
	agents   Agents
	pub      *events.Publisher
	delivery *ResultsDelivery
	notifier Notifier
	version  string
	logger   *slog.Logger

	mu     sync.RWMutex
	active map[string]*Pipeline
}

// NewOrchestrator creates an orchestrator. delivery and notifier may be nil.
func NewOrchestrator(source SourceHost, agents Agents, pub *events.Publisher, delivery *ResultsDelivery, notifier Notifier, version string) *Orchestrator {
	return &Orchestrator{
		source:   source,
		agents:   agents,
		pub:      pub,
		delivery: delivery,
		notifier: notifier,
		version:  version,
		logger:   slog.Default().With("component", "orchestrator"),
		active:   make(map[string]*Pipeline),
	}
}

// ShouldSuppress reports whether the head commit of ref carries a
// self-trigger marker. An unreadable history never suppresses; a missing
// marker check must not block real PR pushes.
func (o *Orchestrator) ShouldSuppress(ctx context.Context, repo, ref string) (bool, error) {
	commits, err := o.source.RecentCommits(ctx, repo, ref, 1)
	if err != nil {
		return false, fmt.Errorf("checking recent commits: %w", err)
	}
	if len(commits) == 0 {
		return false, nil
	}
	return HasMarker(commits[0].Message), nil
}

// ResolveBranch looks up the PR's head branch. Manual triggers name only the
// repo and PR number; the branch comes from the source host.
func (o *Orchestrator) ResolveBranch(ctx context.Context, repo string, prNumber int) (string, error) {
	pr, err := o.source.PullRequest(ctx, repo, prNumber)
	if err != nil {
		return "", fmt.Errorf("resolving head branch for PR %d: %w", prNumber, err)
	}
	return pr.HeadBranch, nil
}

// Trigger registers a new pipeline and starts it asynchronously.
func (o *Orchestrator) Trigger(repo, branch string, prNumber int, trigger TriggerInfo) *Pipeline {
	p := NewPipeline(repo, branch, prNumber, trigger)

	o.mu.Lock()
	o.active[p.ID] = p
	o.mu.Unlock()

	o.logger.Info("Pipeline triggered",
		"pipeline_id", p.ID,
		"repo", repo,
		"pr", prNumber,
		"trigger", trigger.Type)
	go o.run(context.Background(), p)
	return p
}

// Get returns an active pipeline by id.
func (o *Orchestrator) Get(pipelineID string) (*Pipeline, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.active[pipelineID]
	return p, ok
}

// Count reports how many pipelines are currently active.
func (o *Orchestrator) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

func (o *Orchestrator) remove(pipelineID string) {
	o.mu.Lock()
	delete(o.active, pipelineID)
	o.mu.Unlock()
}

// run drives one pipeline to a terminal state. A panic anywhere in a stage
// lands the pipeline in failed with an error event, never in the server.
func (o *Orchestrator) run(ctx context.Context, p *Pipeline) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Pipeline panicked",
				"pipeline_id", p.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			p.addError(fmt.Sprintf("internal error: %v", r))
			o.pub.Error(p.ID, p.State(), fmt.Sprintf("internal error: %v", r), "internal_error", nil)
			o.finish(ctx, p, StateFailed)
		}
	}()

	o.pub.PipelineStart(p.ID, p.PRNumber, p.Repo, p.Branch)

	if !o.runBuild(ctx, p) {
		o.finish(ctx, p, StateFailed)
		return
	}
	if !o.runAnalyze(ctx, p) {
		o.finish(ctx, p, StateFailed)
		return
	}
	o.runFix(ctx, p)
	o.runTest(ctx, p)
	o.finish(ctx, p, StateComplete)
}

// reporter binds a stage's progress and event callbacks to the pipeline
// topic.
func (o *Orchestrator) reporter(p *Pipeline, stage string) agent.Reporter {
	return agent.Reporter{
		OnProgress: func(message string, progress *int, details map[string]any) {
			o.pub.StatusUpdate(p.ID, stage, message, progress, details)
		},
		OnEvent: func(ev bus.Event) {
			if _, ok := ev["stage"]; !ok {
				ev["stage"] = stage
			}
			o.pub.Publish(events.PipelineTopic(p.ID), ev)
		},
	}
}

func (o *Orchestrator) runBuild(ctx context.Context, p *Pipeline) bool {
	p.setState(events.StageBuild)
	o.pub.StageStart(p.ID, events.StageBuild, 1, "Materializing PR branch")

	out := o.agents.Build.Run(ctx, agent.BuildInput{
		Repo:     p.Repo,
		Branch:   p.Branch,
		PRNumber: p.PRNumber,
	}, o.reporter(p, events.StageBuild))
	p.mu.Lock()
	p.build = out
	p.mu.Unlock()

	status := events.StatusSuccess
	if !out.Success {
		status = events.StatusFailed
		for _, e := range out.Errors {
			p.addError("build: " + e)
		}
	}
	o.pub.StageComplete(p.ID, events.StageBuild, status, out.Duration, map[string]any{
		"project_type": string(out.ProjectType),
		"total_files":  out.Metadata.TotalFiles,
		"dependencies": len(out.Dependencies),
	})
	return out.Success
}

func (o *Orchestrator) runAnalyze(ctx context.Context, p *Pipeline) bool {
	p.setState(events.StageAnalyze)
	o.pub.StageStart(p.ID, events.StageAnalyze, 2, "Analyzing changed files")

	result := o.agents.Analyze.Run(ctx, agent.AnalyzeInput{
		Diff:  p.build.Diff,
		Build: p.build,
	}, o.reporter(p, events.StageAnalyze))
	p.mu.Lock()
	p.analysis = result
	p.mu.Unlock()

	status := events.StatusSuccess
	if !result.Success {
		status = events.StatusFailed
		for _, e := range result.Errors {
			p.addError("analyze: " + e)
		}
	}
	o.pub.StageComplete(p.ID, events.StageAnalyze, status, result.Duration, map[string]any{
		"files_analyzed": result.FilesAnalyzed,
		"total_issues":   result.TotalIssues,
		"overall_risk":   result.OverallRisk,
	})
	return result.Success
}

// runFix skips when the analysis found nothing; any other outcome still
// advances to the test stage.
func (o *Orchestrator) runFix(ctx context.Context, p *Pipeline) {
	p.setState(events.StageFix)
	if p.analysis.TotalIssues == 0 {
		o.pub.StageComplete(p.ID, events.StageFix, events.StatusSkipped, 0, map[string]any{
			"reason": "no issues found",
		})
		return
	}

	o.pub.StageStart(p.ID, events.StageFix, 3, "Applying fixes")
	result := o.agents.Fix.Run(ctx, agent.FixInput{
		Analysis: p.analysis,
		Repo:     p.Repo,
		Branch:   p.Branch,
	}, o.reporter(p, events.StageFix))
	p.mu.Lock()
	p.fix = result
	p.mu.Unlock()

	status := events.StatusSuccess
	switch {
	case !result.Success:
		status = events.StatusFailed
	case len(result.Errors) > 0:
		status = events.StatusPartial
	}
	for _, e := range result.Errors {
		p.addWarning("fix: " + e)
	}
	o.pub.StageComplete(p.ID, events.StageFix, status, result.Duration, map[string]any{
		"fixes_applied":  result.FixesApplied,
		"files_modified": result.FilesModified,
		"commits_made":   result.CommitsMade,
	})
}

func (o *Orchestrator) runTest(ctx context.Context, p *Pipeline) {
	p.setState(events.StageTest)
	o.pub.StageStart(p.ID, events.StageTest, 4, "Generating and executing tests")

	result := o.agents.Test.Run(ctx, agent.TestInput{
		Diff:      p.build.Diff,
		FixResult: p.fix,
		Repo:      p.Repo,
		Branch:    p.Branch,
	}, o.reporter(p, events.StageTest))
	p.mu.Lock()
	p.test = result
	p.mu.Unlock()

	status := events.StatusSuccess
	switch {
	case result.Skipped:
		status = events.StatusSkipped
	case !result.Success:
		status = events.StatusFailed
	}
	for _, e := range result.Errors {
		p.addWarning("test: " + e)
	}
	o.pub.StageComplete(p.ID, events.StageTest, status, result.Duration, map[string]any{
		"functions_discovered": result.FunctionsDiscovered,
		"tests_generated":      result.TestsGenerated,
		"tests_executed":       result.TestsExecuted,
		"tests_passed":         result.TestsPassed,
		"total_methods":        result.TotalMethods,
	})
}

// finish performs the terminal protocol: comprehensive record, completion
// events, PR comment, webhook delivery, notification, then removal from the
// active set. Only removal happens after the final events so late
// subscribers on the id topic still resolve an active pipeline until the
// last event is out.
func (o *Orchestrator) finish(ctx context.Context, p *Pipeline, state string) {
	p.mu.Lock()
	p.state = state
	p.endedAt = time.Now()
	p.mu.Unlock()

	record := BuildComprehensive(p, o.version)
	results := record["results"].(map[string]any)
	status := results["pipeline_status"].(string)
	summary := stageSummary(p)

	o.pub.PipelineComplete(p.ID, status, p.Duration(), summary)
	o.pub.ResultsComplete(p.ID, record, summary)

	if err := o.source.PostComment(ctx, p.Repo, p.PRNumber, CommentMarkdown(p, status)); err != nil {
		p.addWarning(fmt.Sprintf("posting PR comment: %v", err))
		o.logger.Warn("PR comment failed", "pipeline_id", p.ID, "error", err)
	}
	if o.delivery != nil {
		if err := o.delivery.Deliver(ctx, p.ID, record); err != nil {
			o.logger.Warn("Results delivery failed", "pipeline_id", p.ID, "error", err)
		}
	}
	if o.notifier != nil {
		o.notifier.PipelineFinished(ctx, Completion{
			PipelineID: p.ID,
			Repo:       p.Repo,
			Branch:     p.Branch,
			PRNumber:   p.PRNumber,
			Status:     status,
			Duration:   p.Duration(),
			StageLines: stageLines(p),
		})
	}

	o.remove(p.ID)
	o.logger.Info("Pipeline finished",
		"pipeline_id", p.ID,
		"status", status,
		"duration", p.Duration())
}
