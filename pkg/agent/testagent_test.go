package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/github"
)

const calcSource = `def add(a, b):
    return a + b


def sub(a, b):
    return a - b
`

type scriptedRunner struct {
	runs []PytestRun
	err  error
	dirs []string
}

func (r *scriptedRunner) Run(_ context.Context, dir, _ string, _ time.Duration) (*PytestRun, error) {
	r.dirs = append(r.dirs, dir)
	if r.err != nil {
		return nil, r.err
	}
	run := r.runs[0]
	if len(r.runs) > 1 {
		r.runs = r.runs[1:]
	}
	return &run, nil
}

func calcDiff() *github.DiffResult {
	return &github.DiffResult{Files: []github.ChangedFile{
		modifiedPyFile("calc.py", github.DiffLine{Number: 2, Content: "    return a + b"}),
	}}
}

func TestDiscoverFunctions_SpanIntersection(t *testing.T) {
	source := &mockSource{files: map[string]string{"calc.py": calcSource}}
	a := NewTestAgent(&scriptedModel{}, &scriptedModel{}, source, &scriptedRunner{}, 0)

	var result TestResult
	functions := a.discoverFunctions(context.Background(), TestInput{Diff: calcDiff(), Repo: "o/r", Branch: "feat"}, &result)

	// Line 2 sits inside add's span only.
	require.Len(t, functions, 1)
	assert.Equal(t, "add", functions[0].Name)
	assert.Equal(t, "calc.py", functions[0].Filename)
	assert.Equal(t, 1, functions[0].StartLine)
	assert.Contains(t, functions[0].Source, "return a + b")
	assert.Empty(t, result.Errors)
}

func TestDiscoverFunctions_DropsOutOfRangeLines(t *testing.T) {
	source := &mockSource{files: map[string]string{"calc.py": calcSource}}
	a := NewTestAgent(&scriptedModel{}, &scriptedModel{}, source, &scriptedRunner{}, 0)

	diff := &github.DiffResult{Files: []github.ChangedFile{
		modifiedPyFile("calc.py", github.DiffLine{Number: 9999, Content: "gone"}),
	}}
	var result TestResult
	functions := a.discoverFunctions(context.Background(), TestInput{Diff: diff, Repo: "o/r", Branch: "feat"}, &result)
	assert.Empty(t, functions)
}

func TestDiscoverFunctions_UnreadableFileDegrades(t *testing.T) {
	source := &mockSource{readErr: errors.New("404")}
	a := NewTestAgent(&scriptedModel{}, &scriptedModel{}, source, &scriptedRunner{}, 0)

	var result TestResult
	functions := a.discoverFunctions(context.Background(), TestInput{Diff: calcDiff(), Repo: "o/r", Branch: "feat"}, &result)
	assert.Empty(t, functions)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "404")
}

func TestGenerateQuestions_MatchesByExactPair(t *testing.T) {
	model := &scriptedModel{responses: []string{`[
		{"filename": "calc.py", "function_name": "add", "question": "verify addition", "reasoning": "core path"},
		{"filename": "other.py", "function_name": "add", "question": "wrong file"},
		{"filename": "calc.py", "function_name": "mul", "question": "not discovered"}
	]`}}
	a := NewTestAgent(model, &scriptedModel{}, &mockSource{}, &scriptedRunner{}, 0)

	functions := []ChangedFunction{
		{Filename: "calc.py", Name: "add"},
		{Filename: "calc.py", Name: "sub"},
	}
	var result TestResult
	questions := a.generateQuestions(context.Background(), functions, &result)

	require.Len(t, questions, 2)
	assert.Equal(t, "verify addition", questions[0].Question)
	assert.Equal(t, "core path", questions[0].Reasoning)
	// Unanswered functions get a fallback question.
	assert.Contains(t, questions[1].Question, "sub")
}

func TestDeriveTestName(t *testing.T) {
	tests := []struct {
		name, code, fn, want string
	}{
		{"mentions function", "def test_helper():\n    pass\ndef test_add_two():\n    pass", "add", "test_add_two"},
		{"first test def", "def test_something():\n    pass", "add", "test_something"},
		{"no test defs", "x = 1", "add", "test_add"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveTestName(tt.code, tt.fn))
		})
	}
}

func TestParsePytestOutput(t *testing.T) {
	output := `collected 3 items

test_add_0.py::test_add_basic PASSED
test_add_0.py::TestAdd::test_negative FAILED
test_other_1.py::test_unrelated PASSED
test_add_0.py::test_broken ERROR

=== short test summary info ===`

	methods := parsePytestOutput(output, "test_add_0.py")
	require.Len(t, methods, 3)
	assert.Equal(t, "test_add_basic", methods[0].MethodName)
	assert.Empty(t, methods[0].ClassName)
	assert.Equal(t, TestStatusPassed, methods[0].Status)
	assert.Equal(t, "TestAdd", methods[1].ClassName)
	assert.Equal(t, TestStatusFailed, methods[1].Status)
	assert.Equal(t, TestStatusError, methods[2].Status)
}

func TestFileStatus(t *testing.T) {
	passed := []TestMethodResult{{Status: TestStatusPassed}}
	failed := []TestMethodResult{{Status: TestStatusPassed}, {Status: TestStatusFailed}}

	assert.Equal(t, TestStatusError, fileStatus(nil, &PytestRun{}))
	assert.Equal(t, TestStatusError, fileStatus(passed, &PytestRun{TimedOut: true}))
	assert.Equal(t, TestStatusPassed, fileStatus(passed, &PytestRun{ExitCode: 0}))
	assert.Equal(t, TestStatusFailed, fileStatus(failed, &PytestRun{ExitCode: 1}))
	// Clean methods but a non-zero exit still counts against the file.
	assert.Equal(t, TestStatusFailed, fileStatus(passed, &PytestRun{ExitCode: 2}))
}

func TestWithStub(t *testing.T) {
	defined := GeneratedTest{FunctionName: "add", Code: "def add(a, b):\n    return a + b\n\ndef test_add():\n    assert add(1, 2) == 3"}
	assert.Equal(t, defined.Code, withStub(defined))

	imported := GeneratedTest{FunctionName: "add", Code: "from calc import add\n\ndef test_add():\n    assert add(1, 2) == 3"}
	assert.Equal(t, imported.Code, withStub(imported))

	missing := GeneratedTest{FunctionName: "add", Code: "def test_add():\n    assert add(1, 2) == 3"}
	out := withStub(missing)
	assert.True(t, strings.HasPrefix(out, "def add(*args, **kwargs):"))
	assert.Contains(t, out, "return args[0] + args[1]")
	assert.Contains(t, out, "return None")
	assert.Contains(t, out, missing.Code)
}

func TestRun_SkipWhenNoFunctions(t *testing.T) {
	a := NewTestAgent(&scriptedModel{}, &scriptedModel{}, &mockSource{}, &scriptedRunner{}, 0)

	var cap capture
	result := a.Run(context.Background(), TestInput{Diff: &github.DiffResult{}}, cap.reporter())

	assert.True(t, result.Success)
	assert.True(t, result.Skipped)
	assert.Zero(t, result.TestsGenerated)
	assert.Equal(t, []string{events.EventTypeTestStart, events.EventTypeFunctionsDiscovered}, cap.eventTypes())
}

func TestRun_EndToEnd(t *testing.T) {
	source := &mockSource{files: map[string]string{"calc.py": calcSource}}
	questions := &scriptedModel{responses: []string{`[{"filename": "calc.py", "function_name": "add", "question": "verify addition"}]`}}
	codeModel := &scriptedModel{responses: []string{"```python\ndef add(a, b):\n    return a + b\n\ndef test_add_basic():\n    assert add(1, 2) == 3\n```"}}
	runner := &scriptedRunner{runs: []PytestRun{{
		Output:   "test_add_0.py::test_add_basic PASSED\n",
		ExitCode: 0,
	}}}
	a := NewTestAgent(questions, codeModel, source, runner, 0)

	var cap capture
	result := a.Run(context.Background(), TestInput{Diff: calcDiff(), Repo: "o/r", Branch: "feat"}, cap.reporter())

	assert.True(t, result.Success)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.FunctionsDiscovered)
	assert.Equal(t, 1, result.TestsGenerated)
	assert.Equal(t, 1, result.TestsExecuted)
	assert.Equal(t, 1, result.TestsPassed)
	assert.Equal(t, 1, result.MethodsPassed)
	assert.Equal(t, 1, result.TotalMethods)
	assert.Empty(t, result.Errors)

	require.Len(t, result.Generated, 1)
	assert.Equal(t, "test_add_basic", result.Generated[0].TestName)
	assert.InDelta(t, 0.8, result.Generated[0].Confidence, 0.001)
	// Fences are stripped before the file is written.
	assert.NotContains(t, result.Generated[0].Code, "```")

	types := cap.eventTypes()
	assert.Equal(t, []string{
		events.EventTypeTestStart,
		events.EventTypeFunctionsDiscovered,
		events.EventTypeTestGenerationStart,
		events.EventTypeTestGenerated,
		events.EventTypeTestExecutionResult,
	}, types)
}

func TestRun_GenerationFailureEmitsEvent(t *testing.T) {
	source := &mockSource{files: map[string]string{"calc.py": calcSource}}
	questions := &scriptedModel{responses: []string{`[]`}}
	codeModel := &scriptedModel{err: errors.New("lm studio offline")}
	a := NewTestAgent(questions, codeModel, source, &scriptedRunner{}, 0)

	var cap capture
	result := a.Run(context.Background(), TestInput{Diff: calcDiff(), Repo: "o/r", Branch: "feat"}, cap.reporter())

	assert.Zero(t, result.TestsGenerated)
	assert.Zero(t, result.TestsExecuted)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, cap.eventTypes(), events.EventTypeTestGenerationFailed)
}
