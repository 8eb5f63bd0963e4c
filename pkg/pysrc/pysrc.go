// Package pysrc extracts a symbol table from Python source: function and
// class records with line spans, argument names, decorators and docstrings,
// plus import records. The build stage uses it for per-file metadata and the
// test stage uses it to intersect function spans with changed lines.
//
// It is a line scanner, not a full grammar: it tracks indentation, decorator
// stacks, multi-line signatures and string literals, which is sufficient for
// the symbol records the pipeline consumes. Grossly malformed source (an
// unterminated triple-quoted string, a def without a parameter list) is
// reported as a ParseError.
package pysrc

import (
	"fmt"
	"regexp"
	"strings"
)

// ParseError reports unparseable Python source.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("pysrc: line %d: %s", e.Line, e.Reason)
}

// Function is one function or method definition.
type Function struct {
	Name       string   `json:"name"`
	StartLine  int      `json:"line"`     // 1-based def line
	EndLine    int      `json:"end_line"` // inclusive last line of the body
	Args       []string `json:"args"`
	Decorators []string `json:"decorators"`
	Docstring  string   `json:"docstring,omitempty"`
	IsMethod   bool     `json:"is_method"`
	ClassName  string   `json:"class_name,omitempty"`
}

// Class is one class definition.
type Class struct {
	Name      string   `json:"name"`
	StartLine int      `json:"line"`
	EndLine   int      `json:"end_line"`
	Bases     []string `json:"bases"`
	Methods   []string `json:"methods"`
}

// ImportKind distinguishes "import x" from "from x import y".
type ImportKind string

const (
	ImportPlain ImportKind = "import"
	ImportFrom  ImportKind = "from_import"
)

// Import is one imported module or symbol.
type Import struct {
	Module string     `json:"module"`
	Name   string     `json:"name,omitempty"`  // imported symbol for from-imports
	Alias  string     `json:"alias,omitempty"` // "as" alias if present
	Kind   ImportKind `json:"type"`
}

// Module is the extracted symbol table of one source file.
type Module struct {
	Functions []Function
	Classes   []Class
	Imports   []Import
}

// ComplexityScore is the build stage's crude file complexity metric.
func (m *Module) ComplexityScore() int {
	return len(m.Functions) + 2*len(m.Classes)
}

// FunctionAt returns the innermost function whose span contains line.
func (m *Module) FunctionAt(line int) *Function {
	var best *Function
	for i := range m.Functions {
		f := &m.Functions[i]
		if line < f.StartLine || line > f.EndLine {
			continue
		}
		if best == nil || f.StartLine > best.StartLine {
			best = f
		}
	}
	return best
}

var (
	defRe    = regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`)
	classRe  = regexp.MustCompile(`^(\s*)class\s+([A-Za-z_]\w*)\s*(?:\((.*?)\))?\s*:`)
	decorRe  = regexp.MustCompile(`^\s*@\s*(.+?)\s*$`)
	importRe = regexp.MustCompile(`^\s*import\s+(.+?)\s*$`)
	fromRe   = regexp.MustCompile(`^\s*from\s+([.\w]+)\s+import\s+(.+?)\s*$`)
	badDefRe = regexp.MustCompile(`^\s*(?:async\s+)?def\s+[A-Za-z_]\w*\s*(?:$|[^(\s])`)
)

type classFrame struct {
	index  int // index into Module.Classes
	indent int
}

// Parse extracts the symbol table from src.
func Parse(src string) (*Module, error) {
	lines := strings.Split(src, "\n")
	mod := &Module{}

	var stack []classFrame
	var pendingDecorators []string

	inString := false
	stringDelim := ""

	for i := 0; i < len(lines); i++ {
		lineno := i + 1
		line := lines[i]

		if inString {
			if strings.Contains(line, stringDelim) {
				inString = false
			}
			continue
		}
		if delim, open := opensTripleString(line); open {
			inString = true
			stringDelim = delim
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		indent := indentOf(line)
		popTo(&stack, indent)

		if m := decorRe.FindStringSubmatch(line); m != nil && !strings.HasPrefix(trimmed, "@=") {
			pendingDecorators = append(pendingDecorators, m[1])
			continue
		}

		if m := classRe.FindStringSubmatch(line); m != nil {
			cls := Class{
				Name:      m[2],
				StartLine: lineno,
				EndLine:   blockEnd(lines, i, indent),
				Bases:     splitTopLevel(m[3]),
			}
			mod.Classes = append(mod.Classes, cls)
			stack = append(stack, classFrame{index: len(mod.Classes) - 1, indent: indent})
			pendingDecorators = nil
			continue
		}

		if m := defRe.FindStringSubmatch(line); m != nil {
			sig, sigEnd, err := collectSignature(lines, i)
			if err != nil {
				return nil, err
			}
			fn := Function{
				Name:       m[2],
				StartLine:  lineno,
				EndLine:    blockEnd(lines, sigEnd, indent),
				Args:       parseArgs(sig),
				Decorators: pendingDecorators,
				Docstring:  docstringAfter(lines, sigEnd),
			}
			if len(stack) > 0 {
				frame := stack[len(stack)-1]
				fn.IsMethod = true
				fn.ClassName = mod.Classes[frame.index].Name
				mod.Classes[frame.index].Methods = append(mod.Classes[frame.index].Methods, fn.Name)
			}
			mod.Functions = append(mod.Functions, fn)
			pendingDecorators = nil
			i = sigEnd
			continue
		}

		if badDefRe.MatchString(line) {
			return nil, &ParseError{Line: lineno, Reason: "def without parameter list"}
		}

		pendingDecorators = nil

		if m := fromRe.FindStringSubmatch(line); m != nil {
			module := m[1]
			for _, item := range splitTopLevel(m[2]) {
				name, alias := splitAlias(item)
				if name == "" {
					continue
				}
				mod.Imports = append(mod.Imports, Import{
					Module: module,
					Name:   name,
					Alias:  alias,
					Kind:   ImportFrom,
				})
			}
			continue
		}
		if m := importRe.FindStringSubmatch(line); m != nil {
			for _, item := range splitTopLevel(m[1]) {
				name, alias := splitAlias(item)
				if name == "" {
					continue
				}
				mod.Imports = append(mod.Imports, Import{
					Module: name,
					Alias:  alias,
					Kind:   ImportPlain,
				})
			}
			continue
		}
	}

	if inString {
		return nil, &ParseError{Line: len(lines), Reason: "unterminated triple-quoted string"}
	}
	return mod, nil
}

// TopLevelModules returns the distinct top-level module names imported by the
// file, for dependency aggregation. Relative imports contribute nothing.
func (m *Module) TopLevelModules() []string {
	seen := make(map[string]bool)
	var out []string
	for _, imp := range m.Imports {
		top := imp.Module
		if idx := strings.IndexByte(top, '.'); idx >= 0 {
			top = top[:idx]
		}
		if top == "" || seen[top] {
			continue
		}
		seen[top] = true
		out = append(out, top)
	}
	return out
}

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 8
		default:
			return n
		}
	}
	return n
}

func popTo(stack *[]classFrame, indent int) {
	s := *stack
	for len(s) > 0 && indent <= s[len(s)-1].indent {
		s = s[:len(s)-1]
	}
	*stack = s
}

// blockEnd finds the inclusive last content line of the block whose header
// is at headerIdx with the given indent. Trailing blank lines are excluded.
func blockEnd(lines []string, headerIdx, indent int) int {
	end := headerIdx + 1
	for i := headerIdx + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if indentOf(lines[i]) <= indent {
			break
		}
		end = i + 1
	}
	if end <= headerIdx+1 {
		return headerIdx + 1
	}
	return end
}

// collectSignature joins a possibly multi-line def signature into one string
// and returns the index of its final line.
func collectSignature(lines []string, start int) (string, int, error) {
	depth := 0
	var sb strings.Builder
	for i := start; i < len(lines); i++ {
		line := lines[i]
		sb.WriteString(line)
		for _, r := range line {
			switch r {
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				depth--
			}
		}
		if depth <= 0 && strings.Contains(line, ")") {
			return sb.String(), i, nil
		}
		sb.WriteString(" ")
	}
	return "", start, &ParseError{Line: start + 1, Reason: "unterminated function signature"}
}

// parseArgs extracts parameter names from a joined signature, dropping
// annotations, defaults, and the * / ** markers.
func parseArgs(sig string) []string {
	open := strings.IndexByte(sig, '(')
	if open < 0 {
		return nil
	}
	depth := 0
	closeIdx := -1
	for i := open; i < len(sig); i++ {
		switch sig[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				closeIdx = i
			}
		}
		if closeIdx >= 0 {
			break
		}
	}
	if closeIdx < 0 {
		closeIdx = len(sig)
	}

	var args []string
	for _, raw := range splitTopLevel(sig[open+1 : closeIdx]) {
		name := raw
		if idx := strings.IndexAny(name, ":="); idx >= 0 {
			name = name[:idx]
		}
		name = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(name), "*"))
		if name == "" || name == "/" {
			continue
		}
		args = append(args, name)
	}
	return args
}

// splitTopLevel splits on commas that are not nested inside brackets.
func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				if part := strings.TrimSpace(s[start:i]); part != "" {
					out = append(out, part)
				}
				start = i + 1
			}
		}
	}
	if part := strings.TrimSpace(s[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

func splitAlias(item string) (name, alias string) {
	parts := strings.Fields(item)
	switch {
	case len(parts) >= 3 && parts[1] == "as":
		return parts[0], parts[2]
	case len(parts) >= 1:
		return parts[0], ""
	default:
		return "", ""
	}
}

// docstringAfter returns the docstring that immediately follows a def
// signature ending at sigEnd, if any.
func docstringAfter(lines []string, sigEnd int) string {
	for i := sigEnd + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		for _, delim := range []string{`"""`, "'''"} {
			if !strings.HasPrefix(trimmed, delim) {
				continue
			}
			rest := trimmed[len(delim):]
			if idx := strings.Index(rest, delim); idx >= 0 {
				return strings.TrimSpace(rest[:idx])
			}
			var sb strings.Builder
			sb.WriteString(rest)
			for j := i + 1; j < len(lines); j++ {
				if idx := strings.Index(lines[j], delim); idx >= 0 {
					sb.WriteString("\n")
					sb.WriteString(lines[j][:idx])
					return strings.TrimSpace(sb.String())
				}
				sb.WriteString("\n")
				sb.WriteString(lines[j])
			}
			return strings.TrimSpace(sb.String())
		}
		return ""
	}
	return ""
}

// opensTripleString reports whether a line opens (and does not close) a
// module-level triple-quoted string that is not a recognized docstring
// position handled elsewhere. Only unassigned standalone strings matter for
// scanner state; docstrings after defs are consumed by docstringAfter but
// still need skipping here, so any line whose triple quote count is odd
// toggles string state.
func opensTripleString(line string) (string, bool) {
	for _, delim := range []string{`"""`, "'''"} {
		count := strings.Count(line, delim)
		if count%2 == 1 {
			return delim, true
		}
	}
	return "", false
}
