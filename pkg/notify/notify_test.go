package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/pipeline"
)

func completion() pipeline.Completion {
	return pipeline.Completion{
		PipelineID: "o/r_5_1700000000",
		Repo:       "o/r",
		Branch:     "feat",
		PRNumber:   5,
		Status:     "success",
		Duration:   12.5,
		StageLines: []string{"✅ Build: success", "✅ Analyze: success"},
	}
}

func TestNewService(t *testing.T) {
	assert.Nil(t, NewService(ServiceConfig{Token: "", Channel: "C123"}))
	assert.Nil(t, NewService(ServiceConfig{Token: "xoxb-test", Channel: ""}))
	assert.NotNil(t, NewService(ServiceConfig{Token: "xoxb-test", Channel: "C123"}))
}

func TestService_NilReceiver(t *testing.T) {
	var s *Service
	// Must not panic.
	s.PipelineFinished(context.Background(), completion())
}

func TestBuildCompletionMessage(t *testing.T) {
	blocks := BuildCompletionMessage(completion())
	require.Len(t, blocks, 3)

	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, "Pipeline Passed")
	assert.Contains(t, header.Text.Text, "PR #5")

	body := blocks[1].(*goslack.SectionBlock)
	assert.Contains(t, body.Text.Text, "Build: success")
}

func TestBuildCompletionMessage_UnknownStatus(t *testing.T) {
	c := completion()
	c.Status = "weird"
	c.StageLines = nil

	blocks := BuildCompletionMessage(c)
	require.Len(t, blocks, 2)
	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, "Pipeline weird")
}

func TestTruncateForSlack(t *testing.T) {
	long := strings.Repeat("x", maxBlockTextLength+100)
	out := truncateForSlack(long)
	assert.Len(t, out, maxBlockTextLength)
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestPipelineFinished_PostsMessage(t *testing.T) {
	var posted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat.postMessage", r.URL.Path)
		posted = true
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C123", "ts": "1.2"})
	}))
	defer srv.Close()

	client := NewClientWithAPIURL("xoxb-test", "C123", srv.URL+"/")
	s := NewServiceWithClient(client)
	s.PipelineFinished(context.Background(), completion())
	assert.True(t, posted)
}
