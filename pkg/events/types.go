// Package events defines the event vocabulary of the pipeline and a typed
// publisher over the bus.
//
// Event flow:
//  1. The orchestrator and agents publish through Publisher, which stamps
//     timestamps and routes to the pipeline's bus topic.
//  2. The bus fans concrete-topic events into the "all_pipelines" /
//     "all_terminals" sentinels with the owning id injected.
//  3. WebSocket connections subscribe to topics and forward events verbatim
//     as JSON.
//
// All events carry {type, timestamp}. Progress-bearing events carry an
// integer progress in [0,100] or null (null means a sub-step tick); most
// carry an open-ended details object.
package events

import (
	"time"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
)

// Pipeline lifecycle event types.
const (
	EventTypePipelineStart    = "pipeline_start"
	EventTypeStageStart       = "stage_start"
	EventTypeStatusUpdate     = "status_update"
	EventTypeStageComplete    = "stage_complete"
	EventTypePipelineComplete = "pipeline_complete"
	EventTypeResultsComplete  = "pipeline_results_complete"
	EventTypeError            = "error"
)

// Test-stage event types.
const (
	EventTypeTestStart            = "test_start"
	EventTypeFunctionsDiscovered  = "functions_discovered"
	EventTypeTestGenerationStart  = "test_generation_start"
	EventTypeTestGenerated        = "test_generated"
	EventTypeTestGenerationFailed = "test_generation_failed"
	EventTypeTestExecutionResult  = "test_execution_result"
)

// Terminal session event types.
const (
	EventTypeTerminalConnected   = "terminal_connected"
	EventTypeTerminalStart       = "terminal_start"
	EventTypeTerminalOutput      = "terminal_output"
	EventTypeTerminalEnd         = "terminal_end"
	EventTypeTerminalTerminating = "terminal_terminating"
)

// Client-facing acknowledgements.
const (
	EventTypeAck  = "ack"
	EventTypePong = "pong"
)

// Stage names in execution order.
const (
	StageBuild   = "build"
	StageAnalyze = "analyze"
	StageFix     = "fix"
	StageTest    = "test"
)

// Stages lists the four stages in execution order, as announced by
// pipeline_start.
var Stages = []string{StageBuild, StageAnalyze, StageFix, StageTest}

// Stage completion statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusPartial = "partial"
)

// Timestamp returns the canonical event timestamp for now.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// PipelineTopic returns the bus topic for a pipeline. Pipeline ids are used
// as topics directly.
func PipelineTopic(pipelineID string) string {
	return pipelineID
}

// TerminalTopic returns the bus topic for a terminal session.
func TerminalTopic(sessionID string) string {
	return bus.TerminalTopic(sessionID)
}
