package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/pipeline"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.Default().With("component", "notify-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "notify-service"),
	}
}

// PipelineFinished sends the completion summary for one pipeline.
// Fail-open: errors are logged, never returned.
func (s *Service) PipelineFinished(ctx context.Context, c pipeline.Completion) {
	if s == nil {
		return
	}

	blocks := BuildCompletionMessage(c)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack notification",
			"pipeline_id", c.PipelineID,
			"status", c.Status,
			"error", err)
	}
}
