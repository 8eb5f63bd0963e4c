package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/llm"
)

const generateSystemPrompt = `You write Python unit tests with pytest. You receive one function and a specification of what to verify. Write a complete, self-contained test file body: import pytest, define the function under test inline if needed, and write test functions named test_<something>. Output only Python code, no prose.`

// generateTests runs phase 2: one code-model call per discovered function,
// paired with its question by position. Failures emit test_generation_failed
// and are recorded, never fatal.
func (a *TestAgent) generateTests(ctx context.Context, functions []ChangedFunction, questions []FunctionQuestion, report Reporter, result *TestResult) []GeneratedTest {
	var out []GeneratedTest
	for i, fn := range functions {
		pct := 70 + (i*20)/len(functions)
		report.Progress(fmt.Sprintf("Generating test for %s", fn.Name), events.Progress(pct), nil)
		report.Emit(bus.Event{
			"type":          events.EventTypeTestGenerationStart,
			"function_name": fn.Name,
			"filename":      fn.Filename,
		})

		code, err := a.generateOne(ctx, fn, questions[i])
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", fn.Name, err))
			report.Emit(bus.Event{
				"type":          events.EventTypeTestGenerationFailed,
				"function_name": fn.Name,
				"error":         err.Error(),
			})
			a.logger.Warn("Test generation failed", "function", fn.Name, "error", err)
			continue
		}

		test := GeneratedTest{
			FunctionName: fn.Name,
			Filename:     fn.Filename,
			TestName:     deriveTestName(code, fn.Name),
			Code:         code,
			Confidence:   generatedTestConfidence,
		}
		out = append(out, test)
		report.Emit(bus.Event{
			"type":             events.EventTypeTestGenerated,
			"function_name":    fn.Name,
			"test_name":        test.TestName,
			"confidence_score": test.Confidence,
		})
	}
	return out
}

func (a *TestAgent) generateOne(ctx context.Context, fn ChangedFunction, q FunctionQuestion) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Function %s from %s:\n%s\n\nWrite tests that: %s\n", fn.Name, fn.Filename, fn.Source, q.Question)
	if q.Reasoning != "" {
		fmt.Fprintf(&sb, "Context: %s\n", q.Reasoning)
	}

	raw, err := a.codeModel.Complete(ctx, generateSystemPrompt, sb.String())
	if err != nil {
		return "", fmt.Errorf("code model: %w", err)
	}
	code := llm.StripCodeFences(raw)
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("code model returned empty test body")
	}
	return code, nil
}

var testDefRe = regexp.MustCompile(`(?m)^\s*def\s+(test_\w+)\s*\(`)

// deriveTestName picks the reported name for a generated test body: the
// first test def mentioning the target function, else the first test def,
// else a synthesized test_<function> name.
func deriveTestName(code, functionName string) string {
	matches := testDefRe.FindAllStringSubmatch(code, -1)
	for _, m := range matches {
		if strings.Contains(strings.ToLower(m[1]), strings.ToLower(functionName)) {
			return m[1]
		}
	}
	if len(matches) > 0 {
		return matches[0][1]
	}
	return "test_" + functionName
}
