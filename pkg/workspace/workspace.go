// Package workspace materializes a PR branch into an ephemeral directory:
// shallow clone, project-kind detection, best-effort dependency install and
// build, and a static-analysis walk that produces per-file symbol metadata.
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/pysrc"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/spawn"
)

// ProjectType classifies a cloned workspace.
type ProjectType string

const (
	ProjectPython  ProjectType = "python"
	ProjectNode    ProjectType = "node"
	ProjectGeneric ProjectType = "generic"
	ProjectUnknown ProjectType = "unknown"
)

// SupportedExtensions are the file types the static walk analyzes.
var SupportedExtensions = map[string]bool{
	".py":   true,
	".js":   true,
	".ts":   true,
	".java": true,
	".cpp":  true,
	".c":    true,
}

// skippedDirs are never descended into during the walk.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
}

// jsImportRe extracts import/require targets from JS/TS source.
var jsImportRe = regexp.MustCompile(`(?:import|require)\s*\(?['"]([^'"]+)['"]`)

// FileInfo is the static metadata of one analyzed file.
type FileInfo struct {
	Size      int64            `json:"size"`
	Lines     int              `json:"lines"`
	Extension string           `json:"extension"`
	Functions []pysrc.Function `json:"functions,omitempty"`
	Classes   []pysrc.Class    `json:"classes,omitempty"`
	Imports   []pysrc.Import   `json:"imports,omitempty"`
	JSImports []string         `json:"js_imports,omitempty"`
	// Complexity is functions + 2*classes; zero for non-Python files.
	Complexity int `json:"complexity_score"`
}

// Metadata aggregates the walk.
type Metadata struct {
	TotalFiles     int `json:"total_files"`
	TotalLines     int `json:"total_lines"`
	TotalFunctions int `json:"total_functions"`
	TotalClasses   int `json:"total_classes"`
}

// BuildResult is the outcome of materializing a branch.
type BuildResult struct {
	Success       bool                `json:"success"`
	ProjectType   ProjectType         `json:"project_type"`
	Dependencies  []string            `json:"dependencies"`
	FileInfo      map[string]FileInfo `json:"file_info"`
	Metadata      Metadata            `json:"metadata"`
	Errors        []string            `json:"errors"`
	Warnings      []string            `json:"warnings"`
	BuildLog      []string            `json:"build_log"`
	WorkspacePath string              `json:"workspace_path"`
}

// LogFunc receives live child-process output during materialization.
type LogFunc func(stream, line string)

// Manager clones and inspects PR branches.
type Manager struct {
	remoteURL      func(repo string) string
	commandTimeout time.Duration
	baseDir        string
	logger         *slog.Logger
}

// NewManager creates a workspace manager. remoteURL builds the (typically
// token-authenticated) clone remote for a repo.
func NewManager(remoteURL func(repo string) string, commandTimeout time.Duration) *Manager {
	return &Manager{
		remoteURL:      remoteURL,
		commandTimeout: commandTimeout,
		baseDir:        os.TempDir(),
		logger:         slog.Default().With("component", "workspace-manager"),
	}
}

// Materialize clones branch, detects the project kind, runs install and
// build best-effort, and walks the tree for static metadata. Only a clone
// failure is fatal; install/build problems and unsupported files degrade to
// warnings. onLog may be nil.
func (m *Manager) Materialize(ctx context.Context, repo, branch string, onLog LogFunc) *BuildResult {
	result := &BuildResult{
		ProjectType: ProjectUnknown,
		FileInfo:    make(map[string]FileInfo),
	}
	logLine := func(stream, line string) {
		result.BuildLog = append(result.BuildLog, line)
		if onLog != nil {
			onLog(stream, line)
		}
	}

	dir := filepath.Join(m.baseDir, "pipeline-ws-"+uuid.New().String())
	if err := m.clone(ctx, repo, branch, dir, logLine); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("clone failed: %v", err))
		m.logger.Error("Clone failed", "repo", repo, "branch", branch, "error", err)
		return result
	}
	result.WorkspacePath = dir
	result.Success = true

	result.ProjectType = DetectProjectType(dir)
	logLine("system", fmt.Sprintf("detected project type: %s", result.ProjectType))

	m.install(ctx, dir, result, logLine)
	m.build(ctx, dir, result, logLine)
	m.walk(dir, result)

	m.logger.Info("Workspace materialized",
		"repo", repo,
		"branch", branch,
		"project_type", result.ProjectType,
		"files", result.Metadata.TotalFiles,
		"success", result.Success)
	return result
}

// Cleanup removes a materialized workspace directory.
func (m *Manager) Cleanup(result *BuildResult) {
	if result == nil || result.WorkspacePath == "" {
		return
	}
	if err := os.RemoveAll(result.WorkspacePath); err != nil {
		m.logger.Warn("Workspace cleanup failed", "path", result.WorkspacePath, "error", err)
	}
}

func (m *Manager) clone(ctx context.Context, repo, branch, dir string, onLog LogFunc) error {
	res, err := spawn.Run(ctx, spawn.Command{
		Name:    "git",
		Args:    []string{"clone", "--depth", "1", "--branch", branch, m.remoteURL(repo), dir},
		Timeout: m.commandTimeout,
	}, spawn.LineFunc(onLog2(onLog)))
	if err != nil {
		return err
	}
	if res.TimedOut {
		return fmt.Errorf("clone timed out after %s", m.commandTimeout)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git clone exited with code %d", res.ExitCode)
	}
	return nil
}

// DetectProjectType probes well-known manifest files.
func DetectProjectType(dir string) ProjectType {
	if fileExists(filepath.Join(dir, "pyproject.toml")) || fileExists(filepath.Join(dir, "requirements.txt")) {
		return ProjectPython
	}
	if fileExists(filepath.Join(dir, "package.json")) {
		return ProjectNode
	}
	return ProjectGeneric
}

// install runs the project's dependency install, best-effort.
func (m *Manager) install(ctx context.Context, dir string, result *BuildResult, onLog LogFunc) {
	switch result.ProjectType {
	case ProjectPython:
		if fileExists(filepath.Join(dir, "requirements.txt")) {
			m.bestEffort(ctx, dir, result, onLog, "pip install",
				spawn.Command{Name: "pip", Args: []string{"install", "-r", "requirements.txt"}})
		}
	case ProjectNode:
		m.bestEffort(ctx, dir, result, onLog, "npm install",
			spawn.Command{Name: "npm", Args: []string{"install", "--no-audit", "--no-fund"}})
	}
}

// build runs the project's build step, best-effort.
func (m *Manager) build(ctx context.Context, dir string, result *BuildResult, onLog LogFunc) {
	switch result.ProjectType {
	case ProjectPython:
		if !m.bestEffort(ctx, dir, result, onLog, "python -m build",
			spawn.Command{Name: "python", Args: []string{"-m", "build"}}) {
			m.bestEffort(ctx, dir, result, onLog, "python setup.py build",
				spawn.Command{Name: "python", Args: []string{"setup.py", "build"}})
		}
	case ProjectNode:
		if hasNpmBuildScript(dir) {
			m.bestEffort(ctx, dir, result, onLog, "npm run build",
				spawn.Command{Name: "npm", Args: []string{"run", "build"}})
		}
	case ProjectGeneric:
		m.bestEffort(ctx, dir, result, onLog, "make build",
			spawn.Command{Name: "make", Args: []string{"build"}})
	}
}

// bestEffort runs a command whose failure is a warning, not an error.
// Returns true when the command exited zero.
func (m *Manager) bestEffort(ctx context.Context, dir string, result *BuildResult, onLog LogFunc, label string, cmd spawn.Command) bool {
	cmd.Dir = dir
	cmd.Timeout = m.commandTimeout
	res, err := spawn.Run(ctx, cmd, spawn.LineFunc(onLog2(onLog)))
	switch {
	case err != nil:
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", label, err))
		return false
	case res.TimedOut:
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s timed out after %s", label, m.commandTimeout))
		return false
	case res.ExitCode != 0:
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s exited with code %d", label, res.ExitCode))
		return false
	}
	return true
}

// walk analyzes every supported file under dir and aggregates dependencies.
func (m *Manager) walk(dir string, result *BuildResult) {
	depSet := make(map[string]bool)

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("walk: %v", err))
			return nil
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !SupportedExtensions[ext] {
			return nil
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", rel, infoErr))
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", rel, readErr))
			return nil
		}

		fi := FileInfo{
			Size:      info.Size(),
			Lines:     countLines(content),
			Extension: ext,
		}

		switch ext {
		case ".py":
			mod, parseErr := pysrc.Parse(string(content))
			if parseErr != nil {
				// A Python file that does not parse is a real defect of the
				// branch, unlike unsupported tooling.
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, parseErr))
				result.Success = false
			} else {
				fi.Functions = mod.Functions
				fi.Classes = mod.Classes
				fi.Imports = mod.Imports
				fi.Complexity = mod.ComplexityScore()
				for _, dep := range mod.TopLevelModules() {
					depSet[dep] = true
				}
			}
		case ".js", ".ts":
			for _, match := range jsImportRe.FindAllStringSubmatch(string(content), -1) {
				fi.JSImports = append(fi.JSImports, match[1])
				depSet[topLevelJSModule(match[1])] = true
			}
		}

		result.FileInfo[rel] = fi
		result.Metadata.TotalFiles++
		result.Metadata.TotalLines += fi.Lines
		result.Metadata.TotalFunctions += len(fi.Functions)
		result.Metadata.TotalClasses += len(fi.Classes)
		return nil
	})

	for dep := range depSet {
		if dep != "" && !strings.HasPrefix(dep, ".") {
			result.Dependencies = append(result.Dependencies, dep)
		}
	}
	sort.Strings(result.Dependencies)
}

func hasNpmBuildScript(dir string) bool {
	content, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}
	// A structural decode is overkill for one probe; the scripts block is
	// checked for a "build" key.
	return regexp.MustCompile(`"scripts"\s*:\s*\{[^}]*"build"\s*:`).Match(content)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := strings.Count(string(content), "\n")
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

func topLevelJSModule(spec string) string {
	if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

func onLog2(onLog LogFunc) func(stream spawn.Stream, line string) {
	if onLog == nil {
		return nil
	}
	return func(stream spawn.Stream, line string) {
		onLog(string(stream), line)
	}
}
