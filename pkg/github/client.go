// Package github is a stateless GitHub REST adapter for the pipeline: PR
// metadata, changed files, diffs, file blobs, comments, commit history.
// Authentication is injected at construction; the client holds no other
// state.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// ErrNotFound indicates the repo, PR, or path does not exist (or the token
// cannot see it).
var ErrNotFound = errors.New("github: not found")

// ErrAuthMissing indicates no access token was configured. Ingress still
// serves health in this state; any pipeline operation fails here.
var ErrAuthMissing = errors.New("github: access token not configured")

// StaleBlobError indicates a write raced with another commit: the blob SHA
// passed as the optimistic-concurrency token no longer matches.
type StaleBlobError struct {
	Path string
	SHA  string
}

func (e *StaleBlobError) Error() string {
	return fmt.Sprintf("github: stale blob sha %s for %s", e.SHA, e.Path)
}

// PullRequest is the PR metadata the pipeline consumes.
type PullRequest struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Author     string `json:"author"`
	HeadBranch string `json:"head_branch"`
	HeadSHA    string `json:"head_sha"`
	BaseBranch string `json:"base_branch"`
}

// FileContent is a file blob at a ref.
type FileContent struct {
	Content []byte
	SHA     string
}

// CommitResult reports a successful contents-API write.
type CommitResult struct {
	CommitSHA  string
	NewBlobSHA string
}

// Commit is one entry from the commit history of a ref.
type Commit struct {
	SHA         string
	Message     string
	AuthorName  string
	AuthorEmail string
}

// Client talks to the GitHub REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewClient creates a GitHub client. An empty token is allowed; every call
// then fails with ErrAuthMissing.
func NewClient(token string) *Client {
	return NewClientWithBaseURL(token, defaultBaseURL)
}

// NewClientWithBaseURL creates a client against a custom API base URL.
// Useful for testing with a mock server.
func NewClientWithBaseURL(token, baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     slog.Default().With("component", "github-client"),
	}
}

// PullRequest fetches PR metadata.
func (c *Client) PullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	var raw struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		User   struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, number)
	if err := c.get(ctx, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching pull request %s#%d: %w", repo, number, err)
	}
	return &PullRequest{
		Number:     raw.Number,
		Title:      raw.Title,
		Body:       raw.Body,
		Author:     raw.User.Login,
		HeadBranch: raw.Head.Ref,
		HeadSHA:    raw.Head.SHA,
		BaseBranch: raw.Base.Ref,
	}, nil
}

// ChangedFiles lists the PR's changed files with raw unparsed patches.
func (c *Client) ChangedFiles(ctx context.Context, repo string, number int) ([]ChangedFile, error) {
	var files []ChangedFile
	page := 1
	for {
		var raw []struct {
			Filename  string `json:"filename"`
			Status    string `json:"status"`
			Additions int    `json:"additions"`
			Deletions int    `json:"deletions"`
			Patch     string `json:"patch"`
		}
		path := fmt.Sprintf("/repos/%s/pulls/%d/files", repo, number)
		query := url.Values{"per_page": {"100"}, "page": {fmt.Sprint(page)}}
		if err := c.get(ctx, path, query, &raw); err != nil {
			return nil, fmt.Errorf("listing changed files for %s#%d: %w", repo, number, err)
		}
		for _, f := range raw {
			files = append(files, ChangedFile{
				Filename:  f.Filename,
				Status:    FileStatus(f.Status),
				Additions: f.Additions,
				Deletions: f.Deletions,
				Patch:     f.Patch,
			})
		}
		if len(raw) < 100 {
			return files, nil
		}
		page++
	}
}

// PRDiff fetches PR metadata and changed files, parsing every patch into its
// added/removed/context line projections.
func (c *Client) PRDiff(ctx context.Context, repo string, number int) (*DiffResult, error) {
	pr, err := c.PullRequest(ctx, repo, number)
	if err != nil {
		return nil, err
	}
	files, err := c.ChangedFiles(ctx, repo, number)
	if err != nil {
		return nil, err
	}

	result := &DiffResult{PR: pr}
	for _, f := range files {
		f.ParsePatch()
		result.Files = append(result.Files, f)
		result.TotalAdditions += f.Additions
		result.TotalDeletions += f.Deletions
	}
	return result, nil
}

// ReadFile fetches a file blob at a ref. The returned SHA is the
// optimistic-concurrency token for WriteFile.
func (c *Client) ReadFile(ctx context.Context, repo, path, ref string) (*FileContent, error) {
	var raw struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		SHA      string `json:"sha"`
	}
	apiPath := fmt.Sprintf("/repos/%s/contents/%s", repo, escapePath(path))
	query := url.Values{}
	if ref != "" {
		query.Set("ref", ref)
	}
	if err := c.get(ctx, apiPath, query, &raw); err != nil {
		return nil, fmt.Errorf("reading %s at %s: %w", path, ref, err)
	}

	content := []byte(raw.Content)
	if raw.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(raw.Content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		content = decoded
	}
	return &FileContent{Content: content, SHA: raw.SHA}, nil
}

// WriteFile commits new content for a file on a branch. priorSHA must be the
// blob SHA returned by the ReadFile that produced the edit; a mismatch fails
// with StaleBlobError and nothing is written.
func (c *Client) WriteFile(ctx context.Context, repo, path string, content []byte, message, branch, priorSHA string) (*CommitResult, error) {
	body := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  branch,
		"sha":     priorSHA,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding write for %s: %w", path, err)
	}

	apiPath := fmt.Sprintf("/repos/%s/contents/%s", repo, escapePath(path))
	req, err := c.newRequest(ctx, http.MethodPut, apiPath, nil, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return nil, &StaleBlobError{Path: path, SHA: priorSHA}
	case http.StatusNotFound:
		return nil, fmt.Errorf("writing %s: %w", path, ErrNotFound)
	default:
		return nil, fmt.Errorf("writing %s: unexpected status %d", path, resp.StatusCode)
	}

	var raw struct {
		Content struct {
			SHA string `json:"sha"`
		} `json:"content"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding write response for %s: %w", path, err)
	}
	return &CommitResult{CommitSHA: raw.Commit.SHA, NewBlobSHA: raw.Content.SHA}, nil
}

// PostComment posts a Markdown comment on a PR.
func (c *Client) PostComment(ctx context.Context, repo string, number int, markdown string) error {
	payload, err := json.Marshal(map[string]string{"body": markdown})
	if err != nil {
		return fmt.Errorf("encoding comment: %w", err)
	}

	apiPath := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	req, err := c.newRequest(ctx, http.MethodPost, apiPath, nil, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting comment on %s#%d: %w", repo, number, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("posting comment on %s#%d: unexpected status %d", repo, number, resp.StatusCode)
	}
	return nil
}

// RecentCommits lists the most recent commits reachable from ref. The
// orchestrator inspects the head commit's message for recursion markers.
func (c *Client) RecentCommits(ctx context.Context, repo, ref string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 1
	}
	var raw []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"author"`
		} `json:"commit"`
	}
	apiPath := fmt.Sprintf("/repos/%s/commits", repo)
	query := url.Values{"sha": {ref}, "per_page": {fmt.Sprint(limit)}}
	if err := c.get(ctx, apiPath, query, &raw); err != nil {
		return nil, fmt.Errorf("listing commits for %s at %s: %w", repo, ref, err)
	}

	commits := make([]Commit, 0, len(raw))
	for _, entry := range raw {
		commits = append(commits, Commit{
			SHA:         entry.SHA,
			Message:     entry.Commit.Message,
			AuthorName:  entry.Commit.Author.Name,
			AuthorEmail: entry.Commit.Author.Email,
		})
	}
	return commits, nil
}

// CloneURL builds an authenticated HTTPS remote for the repo.
func (c *Client) CloneURL(repo string) string {
	if c.token == "" {
		return fmt.Sprintf("https://github.com/%s.git", repo)
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", c.token, repo)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("requesting %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	if c.token == "" {
		return nil, ErrAuthMissing
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// escapePath escapes each path segment while preserving the separators, so
// paths with spaces or unusual characters survive URL construction.
func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
