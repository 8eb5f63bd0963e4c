package notify

import (
	"fmt"
	"strings"

	goslack "github.com/slack-go/slack"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/pipeline"
)

const maxBlockTextLength = 2900

var statusEmoji = map[string]string{
	"success": ":white_check_mark:",
	"failed":  ":x:",
	"partial": ":large_yellow_circle:",
}

var statusLabel = map[string]string{
	"success": "Pipeline Passed",
	"failed":  "Pipeline Failed",
	"partial": "Pipeline Finished With Warnings",
}

// BuildCompletionMessage creates Block Kit blocks for a finished pipeline.
func BuildCompletionMessage(c pipeline.Completion) []goslack.Block {
	emoji := statusEmoji[c.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[c.Status]
	if label == "" {
		label = "Pipeline " + c.Status
	}

	header := fmt.Sprintf("%s *%s*: `%s` PR #%d (%.1fs)", emoji, label, c.Repo, c.PRNumber, c.Duration)
	body := truncateForSlack(strings.Join(c.StageLines, "\n"))

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
	}
	if body != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false),
			nil, nil,
		))
	}
	blocks = append(blocks, goslack.NewContextBlock("",
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("pipeline `%s`", c.PipelineID), false, false),
	))
	return blocks
}

func truncateForSlack(s string) string {
	if len(s) <= maxBlockTextLength {
		return s
	}
	return s[:maxBlockTextLength-3] + "..."
}
