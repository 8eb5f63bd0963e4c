package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/github"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/llm"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/pysrc"
)

// generatedTestConfidence is the fixed confidence reported for every
// generated test.
const generatedTestConfidence = 0.8

// TestAgent runs the three-phase test stage: discover changed Python
// functions, generate one pytest body per function through the code model,
// and execute the generated files.
type TestAgent struct {
	model        Collaborator // analysis model, phase 1 questions
	codeModel    Collaborator // local code model, phase 2 generation
	source       SourceHost
	runner       PytestRunner
	pytestPerRun time.Duration
	logger       *slog.Logger
}

// NewTestAgent creates the test stage agent. pytestTimeout bounds each
// generated file's pytest run.
func NewTestAgent(model, codeModel Collaborator, source SourceHost, runner PytestRunner, pytestTimeout time.Duration) *TestAgent {
	if pytestTimeout <= 0 {
		pytestTimeout = 30 * time.Second
	}
	return &TestAgent{
		model:        model,
		codeModel:    codeModel,
		source:       source,
		runner:       runner,
		pytestPerRun: pytestTimeout,
		logger:       slog.Default().With("component", "test-agent"),
	}
}

// Run executes the three phases in order. Discovering zero changed functions
// is the skip path: Skipped=true, Success=true, no generation or execution.
func (a *TestAgent) Run(ctx context.Context, in TestInput, report Reporter) *TestResult {
	started := time.Now()
	result := &TestResult{Success: true}

	report.Emit(bus.Event{
		"type":    events.EventTypeTestStart,
		"message": "Analyzing changed functions",
	})
	report.Progress("Discovering changed functions", events.Progress(10), nil)

	functions := a.discoverFunctions(ctx, in, result)
	result.Functions = functions
	result.FunctionsDiscovered = len(functions)

	report.Progress("Function discovery complete", events.Progress(30), nil)
	report.Emit(functionsDiscoveredEvent(functions))

	if len(functions) == 0 {
		result.Skipped = true
		result.Duration = time.Since(started).Seconds()
		report.Progress("No changed functions to test", events.Progress(100), nil)
		a.logger.Info("Test stage skipped", "reason", "no changed functions")
		return result
	}

	report.Progress("Generating test specifications", events.Progress(50), nil)
	questions := a.generateQuestions(ctx, functions, result)
	report.Progress("Test specifications ready", events.Progress(75), map[string]any{
		"questions": len(questions),
	})

	generated := a.generateTests(ctx, functions, questions, report, result)
	result.Generated = generated
	result.TestsGenerated = len(generated)

	a.executeTests(ctx, generated, report, result)

	result.Duration = time.Since(started).Seconds()
	report.Progress("Test stage complete", events.Progress(100), map[string]any{
		"tests_generated": result.TestsGenerated,
		"tests_executed":  result.TestsExecuted,
		"tests_passed":    result.TestsPassed,
		"total_methods":   result.TotalMethods,
	})
	a.logger.Info("Test stage done",
		"functions", result.FunctionsDiscovered,
		"generated", result.TestsGenerated,
		"methods_passed", result.MethodsPassed,
		"methods_failed", result.MethodsFailed)
	return result
}

// discoverFunctions intersects every changed Python file's function spans
// with its changed line numbers. Each file is fetched at the branch head so
// spans reflect any fixes committed by the previous stage. Unreadable or
// unparseable files degrade discovery, never fail it.
func (a *TestAgent) discoverFunctions(ctx context.Context, in TestInput, result *TestResult) []ChangedFunction {
	var out []ChangedFunction
	if in.Diff == nil {
		return out
	}

	for _, file := range in.Diff.Files {
		if file.Status != github.StatusAdded && file.Status != github.StatusModified {
			continue
		}
		if !strings.HasSuffix(file.Filename, ".py") || len(file.AddedLines) == 0 {
			continue
		}

		blob, err := a.source.ReadFile(ctx, in.Repo, file.Filename, in.Branch)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: reading head content: %v", file.Filename, err))
			continue
		}
		lines := strings.Split(string(blob.Content), "\n")

		// Diff line numbers can exceed the head file after a fix commit;
		// out-of-range lines are dropped and an emptied file is skipped.
		changed := validLines(file.ChangedLineNumbers(), len(lines))
		if len(changed) == 0 {
			continue
		}

		mod, err := pysrc.Parse(string(blob.Content))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", file.Filename, err))
			continue
		}

		for _, fn := range mod.Functions {
			if !spanHits(fn.StartLine, fn.EndLine, changed) {
				continue
			}
			out = append(out, ChangedFunction{
				Filename:   file.Filename,
				Name:       fn.Name,
				StartLine:  fn.StartLine,
				EndLine:    fn.EndLine,
				Source:     strings.Join(lines[fn.StartLine-1:fn.EndLine], "\n"),
				IsMethod:   fn.IsMethod,
				ClassName:  fn.ClassName,
				Decorators: fn.Decorators,
				Docstring:  fn.Docstring,
			})
		}
	}
	return out
}

const questionSystemPrompt = `You write test specifications. For each Python function below, state in one or two sentences what a unit test should verify about it, including the edge case most worth covering.

Respond with a single JSON array:
[{"filename": "...", "function_name": "...", "question": "...", "reasoning": "..."}]
Use the filename and function_name exactly as given. One entry per function.`

// generateQuestions asks the analysis model for a test specification per
// function in one batched call, then matches answers back to functions by
// exact (filename, function_name) pair. Unmatched answers are dropped; a
// function without an answer gets a fallback question so generation still
// covers it.
func (a *TestAgent) generateQuestions(ctx context.Context, functions []ChangedFunction, result *TestResult) []FunctionQuestion {
	var sb strings.Builder
	for _, fn := range functions {
		fmt.Fprintf(&sb, "File: %s\nFunction: %s\n", fn.Filename, fn.Name)
		if fn.Docstring != "" {
			fmt.Fprintf(&sb, "Docstring: %s\n", fn.Docstring)
		}
		fmt.Fprintf(&sb, "Source:\n%s\n\n", fn.Source)
	}

	byKey := make(map[string]FunctionQuestion)
	raw, err := a.model.Complete(ctx, questionSystemPrompt, sb.String())
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("question generation: %v", err))
	} else if payload, ok := llm.ExtractJSONArray(raw); !ok {
		result.Errors = append(result.Errors, "question generation: no JSON array in response")
	} else {
		var answers []FunctionQuestion
		if err := json.Unmarshal([]byte(payload), &answers); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("question generation: decoding: %v", err))
		}
		for _, q := range answers {
			byKey[q.Filename+"\x00"+q.FunctionName] = q
		}
	}

	out := make([]FunctionQuestion, 0, len(functions))
	for _, fn := range functions {
		if q, ok := byKey[fn.Filename+"\x00"+fn.Name]; ok {
			out = append(out, q)
			continue
		}
		out = append(out, FunctionQuestion{
			Filename:     fn.Filename,
			FunctionName: fn.Name,
			Question:     fmt.Sprintf("Verify that %s behaves correctly for typical inputs and at least one edge case.", fn.Name),
		})
	}
	return out
}

func functionsDiscoveredEvent(functions []ChangedFunction) bus.Event {
	names := make([]string, 0, len(functions))
	byFile := make(map[string][]string)
	for _, fn := range functions {
		names = append(names, fn.Name)
		byFile[fn.Filename] = append(byFile[fn.Filename], fn.Name)
	}
	return bus.Event{
		"type":    events.EventTypeFunctionsDiscovered,
		"message": fmt.Sprintf("Discovered %d changed functions", len(functions)),
		"details": map[string]any{
			"functions_count":    len(functions),
			"function_names":     names,
			"files_with_changes": len(byFile),
			"functions_by_file":  byFile,
		},
	}
}

func validLines(lines []int, max int) []int {
	out := lines[:0:0]
	for _, n := range lines {
		if n >= 1 && n <= max {
			out = append(out, n)
		}
	}
	return out
}

func spanHits(start, end int, lines []int) bool {
	for _, n := range lines {
		if n >= start && n <= end {
			return true
		}
	}
	return false
}
