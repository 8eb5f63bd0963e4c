// Package llm wraps the chat-completions collaborators the agents consult:
// the analysis model (issue classification, function questions) and the
// local code model (test generation). Both speak the OpenAI chat-completions
// protocol; only the base URL, key, and model differ.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyResponse indicates the collaborator answered with no content.
var ErrEmptyResponse = errors.New("llm: empty response")

// ChatClient captures the subset of the go-openai client the pipeline uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Client is one configured collaborator endpoint.
type Client struct {
	chat   ChatClient
	model  string
	logger *slog.Logger
}

// NewClient builds a collaborator client. baseURL may point at any
// chat-completions-compatible endpoint (a hosted API or a local LM-Studio
// style server). Requests carry no client-side timeout: local models answer
// when they answer, and callers bound their own lifetimes via ctx.
func NewClient(baseURL, apiKey, model string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{}
	return NewClientWithChat(openai.NewClientWithConfig(cfg), model)
}

// NewClientWithChat builds a client over a pre-built chat implementation.
// Used by tests to substitute a scripted collaborator.
func NewClientWithChat(chat ChatClient, model string) *Client {
	return &Client{
		chat:   chat,
		model:  model,
		logger: slog.Default().With("component", "llm-client", "model", model),
	}
}

// Complete sends one system+user exchange and returns the assistant text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: user,
	})

	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.3,
		MaxTokens:   1500,
	})
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

// Model reports the configured model id.
func (c *Client) Model() string {
	return c.model
}
