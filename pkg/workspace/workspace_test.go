package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDetectProjectType(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  ProjectType
	}{
		{"requirements", []string{"requirements.txt"}, ProjectPython},
		{"pyproject", []string{"pyproject.toml"}, ProjectPython},
		{"node", []string{"package.json"}, ProjectNode},
		{"python wins over node", []string{"pyproject.toml", "package.json"}, ProjectPython},
		{"bare", nil, ProjectGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				writeFile(t, dir, f, "")
			}
			assert.Equal(t, tt.want, DetectProjectType(dir))
		})
	}
}

func TestWalk_PythonMetadata(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.py", "import requests\n\ndef main():\n    return 1\n\nclass App:\n    def run(self):\n        pass\n")
	writeFile(t, dir, "notes.txt", "not analyzed\n")
	writeFile(t, dir, "__pycache__/app.cpython-311.pyc", "binary")

	m := NewManager(nil, time.Minute)
	result := &BuildResult{Success: true, FileInfo: make(map[string]FileInfo)}
	m.walk(dir, result)

	require.Contains(t, result.FileInfo, "app.py")
	fi := result.FileInfo["app.py"]
	assert.Equal(t, 8, fi.Lines)
	assert.Len(t, fi.Functions, 2)
	assert.Len(t, fi.Classes, 1)
	assert.Equal(t, 4, fi.Complexity)

	assert.Equal(t, 1, result.Metadata.TotalFiles, "only supported extensions counted")
	assert.Equal(t, []string{"requests"}, result.Dependencies)
	assert.True(t, result.Success)
}

func TestWalk_PythonParseErrorFlipsSuccess(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.py", "x = \"\"\"never closed\n")

	m := NewManager(nil, time.Minute)
	result := &BuildResult{Success: true, FileInfo: make(map[string]FileInfo)}
	m.walk(dir, result)

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "broken.py")
}

func TestWalk_JSImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.js", "import 'core-js'\nconst fp = require(\"lodash/fp\")\nimport('./lazy')\n")

	m := NewManager(nil, time.Minute)
	result := &BuildResult{Success: true, FileInfo: make(map[string]FileInfo)}
	m.walk(dir, result)

	fi := result.FileInfo["index.js"]
	assert.Equal(t, []string{"core-js", "lodash/fp", "./lazy"}, fi.JSImports)
	assert.Equal(t, []string{"core-js", "lodash"}, result.Dependencies)
}

func TestHasNpmBuildScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"x","scripts":{"test":"jest","build":"tsc"}}`)
	assert.True(t, hasNpmBuildScript(dir))

	dir2 := t.TempDir()
	writeFile(t, dir2, "package.json", `{"name":"x","scripts":{"test":"jest"}}`)
	assert.False(t, hasNpmBuildScript(dir2))
}

func TestTopLevelJSModule(t *testing.T) {
	assert.Equal(t, "express", topLevelJSModule("express"))
	assert.Equal(t, "lodash", topLevelJSModule("lodash/fp"))
	assert.Equal(t, "@scope/pkg", topLevelJSModule("@scope/pkg/sub"))
	assert.Equal(t, "", topLevelJSModule("./local"))
}

func TestMaterialize_CloneFailureIsFatal(t *testing.T) {
	m := NewManager(func(string) string { return "/nonexistent/remote.git" }, 10*time.Second)
	result := m.Materialize(context.Background(), "o/r", "main", nil)

	assert.False(t, result.Success)
	assert.Equal(t, ProjectUnknown, result.ProjectType)
	assert.Empty(t, result.WorkspacePath)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "clone failed")
	assert.Equal(t, 0, result.Metadata.TotalFiles)
}

func TestMaterialize_LocalRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	origin := t.TempDir()
	writeFile(t, origin, "util.py", "def add(a, b):\n    return a + b\n")
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = origin
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@e", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@e")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("add", ".")
	run("commit", "-m", "initial")

	var logs []string
	m := NewManager(func(string) string { return origin }, time.Minute)
	result := m.Materialize(context.Background(), "o/r", "main", func(stream, line string) {
		logs = append(logs, line)
	})
	t.Cleanup(func() { m.Cleanup(result) })

	assert.True(t, result.Success)
	assert.Equal(t, ProjectGeneric, result.ProjectType)
	assert.Contains(t, result.FileInfo, "util.py")
	assert.Equal(t, 1, result.Metadata.TotalFiles)
	assert.NotEmpty(t, logs, "child output streams through the log callback")
	// make build on a bare repo is a warning, never an error
	assert.Empty(t, result.Errors)
}
