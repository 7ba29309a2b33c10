// Package jsonextract implements lenient embedded-JSON extraction:
// parse JSON from the tail, else from anywhere, else treat the input
// as plain text. Provider outputs (AI completions, shell
// stdout, HTTP bodies, MCP tool results) are free text that may or may
// not carry a trailing or embedded JSON object describing issues.
package jsonextract

import (
	"encoding/json"
	"strings"

	"github.com/visor-run/visor/internal/domain"
)

// issuesPayload is the shape a provider's embedded JSON is expected to
// take when it describes issues directly, either as a bare array or
// wrapped in {"issues": [...], "output": ...}.
type issuesPayload struct {
	Issues []domain.Issue `json:"issues"`
	Output any            `json:"output"`
}

// Issues extracts any issues and a dependents-visible output value from
// free-form provider text. If no embedded JSON is found, output is the
// trimmed text itself and issues is empty, so a provider with no
// structured findings still produces a usable ReviewSummary.
func Issues(text string) ([]domain.Issue, any) {
	parsed, ok := Parse(text)
	if !ok {
		return nil, strings.TrimSpace(text)
	}

	switch v := parsed.(type) {
	case []any:
		return issuesFromArray(v), v
	case map[string]any:
		if raw, hasIssues := v["issues"]; hasIssues {
			b, _ := json.Marshal(map[string]any{"issues": raw})
			var payload issuesPayload
			_ = json.Unmarshal(b, &payload)
			out, hasOutput := v["output"]
			if !hasOutput {
				out = v
			}
			return payload.Issues, out
		}
		return nil, v
	default:
		return nil, v
	}
}

func issuesFromArray(items []any) []domain.Issue {
	b, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	var issues []domain.Issue
	if err := json.Unmarshal(b, &issues); err != nil {
		return nil
	}
	return issues
}

// Parse applies the tail-first/anywhere/none lenient JSON extraction to
// s, returning the parsed value and whether anything was found.
func Parse(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}

	var out any
	if json.Unmarshal([]byte(trimmed), &out) == nil {
		return out, true
	}

	if idx := lastJSONStart(trimmed); idx >= 0 {
		if json.Unmarshal([]byte(trimmed[idx:]), &out) == nil {
			return out, true
		}
	}

	if start, end := firstJSONSpan(trimmed); start >= 0 {
		if json.Unmarshal([]byte(trimmed[start:end]), &out) == nil {
			return out, true
		}
	}

	return nil, false
}

func lastJSONStart(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '{' || s[i] == '[' {
			var out any
			if json.Unmarshal([]byte(s[i:]), &out) == nil {
				return i
			}
		}
	}
	return -1
}

func firstJSONSpan(s string) (int, int) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		open, closeCh := s[i], closer(s[i])
		depth := 0
		for j := i; j < len(s); j++ {
			switch s[j] {
			case open:
				depth++
			case closeCh:
				depth--
				if depth == 0 {
					return i, j + 1
				}
			}
		}
	}
	return -1, -1
}

func closer(open byte) byte {
	if open == '{' {
		return '}'
	}
	return ']'
}
