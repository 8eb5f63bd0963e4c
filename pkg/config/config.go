// Package config loads the service configuration from environment variables
// with an optional YAML overlay.
//
// Precedence, lowest to highest: built-in defaults, pipeline.yaml (when
// present), environment variables. YAML content is env-expanded with Go
// template syntax ({{.VAR}}) before parsing.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Settings is the resolved service configuration.
type Settings struct {
	// Port serves ingress HTTP and WebSocket traffic.
	Port int `yaml:"port" validate:"gt=0,lte=65535"`

	// GitHubToken authenticates the source-host adapter. May be empty:
	// health endpoints still serve, pipeline operations fail structurally.
	GitHubToken string `yaml:"github_token"`

	// Analysis collaborator (issue classification + function questions).
	AnalysisAPIKey  string `yaml:"analysis_api_key"`
	AnalysisBaseURL string `yaml:"analysis_base_url" validate:"required,url"`
	AnalysisModel   string `yaml:"analysis_model" validate:"required"`

	// Code-generation collaborator (LM-Studio-style local endpoint).
	CodeModelBaseURL string `yaml:"code_model_base_url" validate:"required,url"`
	CodeModel        string `yaml:"code_model" validate:"required"`

	// ResultsWebhookURL, when set, receives the comprehensive results record
	// after every pipeline.
	ResultsWebhookURL string `yaml:"results_webhook_url" validate:"omitempty,url"`

	// Slack completion notifications. Disabled when either field is empty.
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`

	// CommandTimeout bounds clone/install/build child commands.
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`
	// PytestTimeout bounds each generated test file's execution.
	PytestTimeout time.Duration `yaml:"pytest_timeout" validate:"gt=0"`

	// EventInboxSize bounds each bus subscriber's inbox.
	EventInboxSize int `yaml:"event_inbox_size" validate:"gt=0"`
}

// LoadError wraps a configuration source with its failure.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Defaults returns the built-in configuration baseline.
func Defaults() Settings {
	return Settings{
		Port:             8000,
		AnalysisBaseURL:  "https://generativelanguage.googleapis.com/v1beta/openai",
		AnalysisModel:    "gemini-2.0-flash",
		CodeModelBaseURL: "http://localhost:1234/v1",
		CodeModel:        "qwen2.5-coder-7b-instruct",
		CommandTimeout:   5 * time.Minute,
		PytestTimeout:    30 * time.Second,
		EventInboxSize:   256,
	}
}

// Load resolves the configuration. yamlPath may be empty; a missing file at
// a non-empty path is an error.
func Load(yamlPath string) (*Settings, error) {
	cfg := Defaults()

	if yamlPath != "" {
		overlay, err := loadYAML(yamlPath)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(&cfg, overlay, mergo.WithOverride); err != nil {
			return nil, &LoadError{Source: yamlPath, Err: err}
		}
	}

	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded",
		"port", cfg.Port,
		"github_token_present", cfg.GitHubToken != "",
		"analysis_model", cfg.AnalysisModel,
		"code_model", cfg.CodeModel,
		"results_webhook_configured", cfg.ResultsWebhookURL != "",
		"slack_configured", cfg.SlackToken != "" && cfg.SlackChannel != "")
	return &cfg, nil
}

func loadYAML(path string) (Settings, error) {
	var overlay Settings
	data, err := os.ReadFile(path)
	if err != nil {
		return overlay, &LoadError{Source: path, Err: err}
	}
	if err := yaml.Unmarshal(ExpandEnv(data), &overlay); err != nil {
		return overlay, &LoadError{Source: path, Err: err}
	}
	return overlay, nil
}

// applyEnv overlays recognized environment variables onto cfg.
func applyEnv(cfg *Settings) {
	setString(&cfg.GitHubToken, "GITHUB_TOKEN")
	setString(&cfg.AnalysisAPIKey, "GEMINI_API_KEY")
	setString(&cfg.AnalysisBaseURL, "ANALYSIS_BASE_URL")
	setString(&cfg.AnalysisModel, "ANALYSIS_MODEL")
	setString(&cfg.CodeModelBaseURL, "LM_STUDIO_URL")
	setString(&cfg.CodeModel, "LM_STUDIO_MODEL")
	setString(&cfg.ResultsWebhookURL, "RESULTS_WEBHOOK_URL")
	setString(&cfg.SlackToken, "SLACK_BOT_TOKEN")
	setString(&cfg.SlackChannel, "SLACK_CHANNEL")

	if raw := os.Getenv("PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			cfg.Port = port
		} else {
			slog.Warn("Ignoring non-numeric PORT", "value", raw)
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func validate(cfg *Settings) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("config validation: field %s failed %q rule", first.Field(), first.Tag())
		}
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
