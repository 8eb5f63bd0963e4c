// Pipeline server: receives GitHub PR webhooks and drives each pull
// request through the build, analyze, fix and test agent chain while
// streaming progress over WebSockets.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/agent"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/api"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/config"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/github"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/llm"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/notify"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/pipeline"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/terminal"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/version"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/workspace"
)

func main() {
	configPath := flag.String("config", os.Getenv("PIPELINE_CONFIG"),
		"Path to pipeline.yaml (optional)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting pipeline server", "version", version.Full())

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Event fabric: one bus carries pipeline and terminal topics, the
	// publisher stamps and routes typed events onto it.
	b := bus.NewBusWithInboxSize(cfg.EventInboxSize)
	pub := events.NewPublisher(b)
	terminals := terminal.NewManager(b, pub)

	source := github.NewClient(cfg.GitHubToken)
	workspaces := workspace.NewManager(source.CloneURL, cfg.CommandTimeout)

	analysisModel := llm.NewClient(cfg.AnalysisBaseURL, cfg.AnalysisAPIKey, cfg.AnalysisModel)
	codeModel := llm.NewClient(cfg.CodeModelBaseURL, "", cfg.CodeModel)

	agents := pipeline.Agents{
		Build:   agent.NewBuildAgent(workspaces, source),
		Analyze: agent.NewAnalyzeAgent(analysisModel),
		Fix:     agent.NewFixAgent(analysisModel, source),
		Test:    agent.NewTestAgent(analysisModel, codeModel, source, agent.SpawnPytestRunner{}, cfg.PytestTimeout),
	}

	delivery := pipeline.NewResultsDelivery(cfg.ResultsWebhookURL, "")
	notifier := notify.NewService(notify.ServiceConfig{
		Token:   cfg.SlackToken,
		Channel: cfg.SlackChannel,
	})

	orch := pipeline.NewOrchestrator(source, agents, pub, delivery, notifier, version.GitCommit)
	server := api.NewServer(orch, b, terminals)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	terminals.TerminateAll()
	slog.Info("Shutdown complete")
}
