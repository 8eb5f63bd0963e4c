package events

import (
	"log/slog"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
)

// Publisher emits typed pipeline events onto the bus. All methods are
// fire-and-forget: the bus never blocks and delivery failures evict the slow
// subscriber rather than surfacing here.
type Publisher struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// NewPublisher creates a publisher over the given bus.
func NewPublisher(b *bus.Bus) *Publisher {
	return &Publisher{
		bus:    b,
		logger: slog.Default().With("component", "event-publisher"),
	}
}

// Publish stamps a timestamp (if absent) and routes the event to topic.
// Agents use this for their stage-specific event types.
func (p *Publisher) Publish(topic string, ev bus.Event) {
	if _, ok := ev["timestamp"]; !ok {
		ev["timestamp"] = Timestamp()
	}
	p.bus.Publish(topic, ev)
}

// PipelineStart announces a new pipeline with its stage list.
func (p *Publisher) PipelineStart(pipelineID string, prNumber int, repo, branch string) {
	p.Publish(PipelineTopic(pipelineID), bus.Event{
		"type":      EventTypePipelineStart,
		"pr_number": prNumber,
		"repo":      repo,
		"branch":    branch,
		"stages":    Stages,
		"message":   "Pipeline started",
	})
}

// StageStart announces a stage beginning. Index is 1-based.
func (p *Publisher) StageStart(pipelineID, stage string, index int, message string) {
	p.Publish(PipelineTopic(pipelineID), bus.Event{
		"type":        EventTypeStageStart,
		"stage":       stage,
		"stage_index": index,
		"message":     message,
	})
}

// StatusUpdate reports in-stage progress. A nil progress means a sub-step
// tick with no percentage.
func (p *Publisher) StatusUpdate(pipelineID, stage, message string, progress *int, details map[string]any) {
	ev := bus.Event{
		"type":    EventTypeStatusUpdate,
		"stage":   stage,
		"message": message,
	}
	if progress != nil {
		ev["progress"] = *progress
	} else {
		ev["progress"] = nil
	}
	if details != nil {
		ev["details"] = details
	}
	p.Publish(PipelineTopic(pipelineID), ev)
}

// StageComplete reports a stage's terminal status with a compact projection
// of its results (never full diffs).
func (p *Publisher) StageComplete(pipelineID, stage, status string, durationSeconds float64, results map[string]any) {
	p.Publish(PipelineTopic(pipelineID), bus.Event{
		"type":             EventTypeStageComplete,
		"stage":            stage,
		"status":           status,
		"duration_seconds": durationSeconds,
		"results":          results,
	})
}

// PipelineComplete reports the pipeline's terminal status with a one-line
// summary per stage. Always published before ResultsComplete.
func (p *Publisher) PipelineComplete(pipelineID, status string, totalDuration float64, summary map[string]any) {
	p.Publish(PipelineTopic(pipelineID), bus.Event{
		"type":           EventTypePipelineComplete,
		"status":         status,
		"total_duration": totalDuration,
		"summary":        summary,
	})
}

// ResultsComplete re-emits the comprehensive results record on the pipeline
// topic, after PipelineComplete.
func (p *Publisher) ResultsComplete(pipelineID string, comprehensive, summary map[string]any) {
	p.Publish(PipelineTopic(pipelineID), bus.Event{
		"type":                  EventTypeResultsComplete,
		"comprehensive_results": comprehensive,
		"summary":               summary,
	})
}

// Error reports a pipeline-level error. Published before PipelineComplete on
// the failure path.
func (p *Publisher) Error(pipelineID, stage, message, code string, details map[string]any) {
	ev := bus.Event{
		"type":       EventTypeError,
		"stage":      stage,
		"message":    message,
		"error_code": code,
	}
	if details != nil {
		ev["details"] = details
	}
	p.Publish(PipelineTopic(pipelineID), ev)
}

// Progress returns a pointer to v, for StatusUpdate's optional progress.
func Progress(v int) *int {
	return &v
}
