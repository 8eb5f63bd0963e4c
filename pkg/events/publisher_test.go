package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
)

func recvEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublisher_StampsTimestamp(t *testing.T) {
	b := bus.NewBus()
	sub := b.Subscribe("p1")
	pub := NewPublisher(b)

	pub.Publish("p1", bus.Event{"type": EventTypeTestStart})

	ev := recvEvent(t, sub)
	ts, ok := ev["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestPublisher_PipelineStart(t *testing.T) {
	b := bus.NewBus()
	sub := b.Subscribe("o/r_7_100")
	pub := NewPublisher(b)

	pub.PipelineStart("o/r_7_100", 7, "o/r", "feat")

	ev := recvEvent(t, sub)
	assert.Equal(t, EventTypePipelineStart, ev["type"])
	assert.Equal(t, 7, ev["pr_number"])
	assert.Equal(t, "o/r", ev["repo"])
	assert.Equal(t, Stages, ev["stages"])
}

func TestPublisher_StatusUpdateProgress(t *testing.T) {
	b := bus.NewBus()
	sub := b.Subscribe("p1")
	pub := NewPublisher(b)

	pub.StatusUpdate("p1", StageBuild, "cloning", Progress(25), map[string]any{"step": "clone"})
	ev := recvEvent(t, sub)
	assert.Equal(t, 25, ev["progress"])
	assert.Equal(t, map[string]any{"step": "clone"}, ev["details"])

	pub.StatusUpdate("p1", StageBuild, "tick", nil, nil)
	ev = recvEvent(t, sub)
	val, present := ev["progress"]
	require.True(t, present, "progress key present even when null")
	assert.Nil(t, val)
}

func TestPublisher_CompletionOrdering(t *testing.T) {
	b := bus.NewBus()
	sub := b.Subscribe("p1")
	pub := NewPublisher(b)

	pub.PipelineComplete("p1", StatusSuccess, 12.5, map[string]any{"build": "success"})
	pub.ResultsComplete("p1", map[string]any{"pipeline_id": "p1"}, map[string]any{})

	first := recvEvent(t, sub)
	second := recvEvent(t, sub)
	assert.Equal(t, EventTypePipelineComplete, first["type"])
	assert.Equal(t, EventTypeResultsComplete, second["type"])
}

func TestPublisher_ErrorEvent(t *testing.T) {
	b := bus.NewBus()
	sub := b.Subscribe("p1")
	pub := NewPublisher(b)

	pub.Error("p1", StageAnalyze, "agent unavailable", "AgentUnavailable", nil)

	ev := recvEvent(t, sub)
	assert.Equal(t, EventTypeError, ev["type"])
	assert.Equal(t, StageAnalyze, ev["stage"])
	assert.Equal(t, "AgentUnavailable", ev["error_code"])
}
