package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/pipeline"
)

// pullRequestEvent is the slice of the GitHub PR webhook payload the ingress
// consumes.
type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// githubWebhookHandler handles POST /webhook/github. Only opened and
// synchronize actions admit a pipeline; synchronize is first checked against
// the recursion filter so bot commits never re-trigger.
func (s *Server) githubWebhookHandler(c *echo.Context) error {
	var ev pullRequestEvent
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "malformed webhook payload")
	}
	if ev.Repository.FullName == "" || ev.PullRequest.Head.Ref == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "malformed webhook payload")
	}

	if ev.Action != "opened" && ev.Action != "synchronize" {
		return c.JSON(http.StatusOK, map[string]any{
			"message": "ignored action: " + ev.Action,
		})
	}

	prNumber := ev.PullRequest.Number
	if prNumber == 0 {
		prNumber = ev.Number
	}
	repo := ev.Repository.FullName

	if ev.Action == "synchronize" {
		suppressed, err := s.orch.ShouldSuppress(c.Request().Context(), repo, ev.PullRequest.Head.SHA)
		if err != nil {
			s.logger.Warn("Recursion check failed, admitting pipeline",
				"repo", repo, "pr", prNumber, "error", err)
		}
		if suppressed {
			s.logger.Info("Pipeline suppressed", "repo", repo, "pr", prNumber)
			return c.JSON(http.StatusOK, map[string]any{
				"message": "pipeline suppressed for bot commit",
				"reason":  "ai_generated_commit",
			})
		}
	}

	p := s.orch.Trigger(repo, ev.PullRequest.Head.Ref, prNumber, pipeline.TriggerInfo{
		Type:      "webhook",
		By:        ev.PullRequest.User.Login,
		EventType: ev.Action,
		Timestamp: events.Timestamp(),
	})
	return c.JSON(http.StatusOK, map[string]any{
		"message":         "pipeline started",
		"pr_number":       prNumber,
		"repo":            repo,
		"pipeline_id":     p.ID,
		"pipeline_status": "starting",
	})
}

// manualTriggerRequest is the POST /agents/trigger body. branch_name is
// optional; when absent the PR's head branch is resolved from the source
// host.
type manualTriggerRequest struct {
	RepoName   string `json:"repo_name"`
	PRNumber   int    `json:"pr_number"`
	BranchName string `json:"branch_name"`
}

func (s *Server) manualTriggerHandler(c *echo.Context) error {
	var req manualTriggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.RepoName == "" || req.PRNumber == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "repo_name and pr_number are required")
	}

	branch := req.BranchName
	if branch == "" {
		resolved, err := s.orch.ResolveBranch(c.Request().Context(), req.RepoName, req.PRNumber)
		if err != nil {
			s.logger.Warn("Branch resolution failed", "repo", req.RepoName, "pr", req.PRNumber, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		branch = resolved
	}

	p := s.orch.Trigger(req.RepoName, branch, req.PRNumber, pipeline.TriggerInfo{
		Type:      "manual",
		EventType: "manual",
		Timestamp: events.Timestamp(),
	})
	return c.JSON(http.StatusOK, map[string]any{
		"message":     "pipeline started",
		"pr_number":   req.PRNumber,
		"repo":        req.RepoName,
		"pipeline_id": p.ID,
		"status":      "initiated",
	})
}

// resultsWebhookRequest is this system's own comprehensive-results POST,
// accepted back for self-integration.
type resultsWebhookRequest struct {
	EventType string         `json:"event_type"`
	Results   map[string]any `json:"results"`
}

func (s *Server) resultsWebhookHandler(c *echo.Context) error {
	var req resultsWebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.EventType != "pipeline_complete" || req.Results == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected event_type pipeline_complete with results")
	}

	pipelineID, _ := req.Results["pipeline_id"].(string)
	s.logger.Info("Results received", "pipeline_id", pipelineID)
	return c.JSON(http.StatusOK, map[string]any{
		"message":     "results received",
		"pipeline_id": pipelineID,
	})
}

func (s *Server) pipelineSnapshotHandler(c *echo.Context) error {
	id := c.Param("pipeline_id")
	p, ok := s.orch.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]any{
			"error": "no active pipeline with id " + id,
		})
	}
	return c.JSON(http.StatusOK, p.Snapshot())
}

func (s *Server) activePipelinesHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"active_connections": s.bus.Stats(),
		"total_connections":  s.bus.TotalSubscribers(),
		"pipeline_count":     s.orch.Count(),
	})
}
