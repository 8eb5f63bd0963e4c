package llm

import (
	"strings"
)

// StripCodeFences removes a surrounding Markdown code fence from model
// output, if present, returning the inner text. Text without fences passes
// through unchanged.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	// Drop the opening fence (with optional language tag) and a trailing
	// closing fence if one exists.
	body := lines[1:]
	for i := len(body) - 1; i >= 0; i-- {
		if strings.TrimSpace(body[i]) == "```" {
			body = body[:i]
			break
		}
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}

// ExtractJSONObject finds the first balanced {...} in model output, fences
// stripped. Models frequently wrap JSON in prose; this recovers it.
func ExtractJSONObject(s string) (string, bool) {
	return extractBalanced(StripCodeFences(s), '{', '}')
}

// ExtractJSONArray finds the first balanced [...] in model output.
func ExtractJSONArray(s string) (string, bool) {
	return extractBalanced(StripCodeFences(s), '[', ']')
}

func extractBalanced(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
