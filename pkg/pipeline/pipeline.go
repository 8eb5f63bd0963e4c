// Package pipeline drives one PR through the four-stage agent chain and
// owns the registry of active pipelines. Stages run strictly sequentially
// inside a pipeline; pipelines run concurrently and share nothing beyond the
// bus and the source-host client.
package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/agent"
)

// Pipeline states. The four stage names double as states while the stage
// runs; pending, complete and failed bracket them.
const (
	StatePending  = "pending"
	StateComplete = "complete"
	StateFailed   = "failed"
)

// recursionMarkers identify commits written by this system. A synchronize
// event whose head commit message contains any marker never starts a
// pipeline.
var recursionMarkers = []string{
	"[skip-pipeline]",
	"🤖 AI Fix:",
	"🤖 AI Test:",
	"🤖 AI Refactor:",
	"[ai-generated]",
	"[hackademia-ai]",
}

// HasMarker reports whether a commit message carries any self-trigger marker.
func HasMarker(message string) bool {
	for _, m := range recursionMarkers {
		if strings.Contains(message, m) {
			return true
		}
	}
	return false
}

// TriggerInfo records how a pipeline was started.
type TriggerInfo struct {
	Type      string `json:"trigger_type"` // webhook | manual
	By        string `json:"triggered_by"`
	EventType string `json:"event_type"` // opened | synchronize | manual
	Timestamp string `json:"timestamp"`
}

// Pipeline is one PR run through the stage chain. All mutation goes through
// the orchestrator; readers take snapshots.
type Pipeline struct {
	ID       string
	Repo     string
	Branch   string
	PRNumber int
	Trigger  TriggerInfo

	mu        sync.RWMutex
	state     string
	startedAt time.Time
	endedAt   time.Time
	errors    []string
	warnings  []string

	build    *agent.BuildOutput
	analysis *agent.AnalysisResult
	fix      *agent.FixResult
	test     *agent.TestResult
}

// NewPipeline creates a pending pipeline. The id embeds repo, PR number and
// start epoch so concurrent runs of the same PR stay distinguishable.
func NewPipeline(repo, branch string, prNumber int, trigger TriggerInfo) *Pipeline {
	now := time.Now()
	return &Pipeline{
		ID:        fmt.Sprintf("%s_%d_%d", repo, prNumber, now.Unix()),
		Repo:      repo,
		Branch:    branch,
		PRNumber:  prNumber,
		Trigger:   trigger,
		state:     StatePending,
		startedAt: now,
	}
}

func (p *Pipeline) setState(state string) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

// State returns the current state or running stage name.
func (p *Pipeline) State() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Pipeline) addError(msg string) {
	p.mu.Lock()
	p.errors = append(p.errors, msg)
	p.mu.Unlock()
}

func (p *Pipeline) addWarning(msg string) {
	p.mu.Lock()
	p.warnings = append(p.warnings, msg)
	p.mu.Unlock()
}

// Duration is elapsed wall clock, frozen once the pipeline ends.
func (p *Pipeline) Duration() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.endedAt.IsZero() {
		return time.Since(p.startedAt).Seconds()
	}
	return p.endedAt.Sub(p.startedAt).Seconds()
}

// Snapshot is the GET /pipeline/{id} projection.
func (p *Pipeline) Snapshot() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	results := map[string]any{}
	if p.build != nil {
		results["build"] = p.build
	}
	if p.analysis != nil {
		results["analysis"] = p.analysis
	}
	if p.fix != nil {
		results["fix"] = p.fix
	}
	if p.test != nil {
		results["test"] = p.test
	}

	duration := time.Since(p.startedAt).Seconds()
	if !p.endedAt.IsZero() {
		duration = p.endedAt.Sub(p.startedAt).Seconds()
	}
	return map[string]any{
		"pipeline_id": p.ID,
		"stage":       p.state,
		"pr_number":   p.PRNumber,
		"repo_name":   p.Repo,
		"duration":    duration,
		"results":     results,
		"errors":      append([]string(nil), p.errors...),
	}
}
