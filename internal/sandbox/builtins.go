package sandbox

import (
	"fmt"
	"strings"
)

// builtins returns the enumerated built-in functions
// bound to one call's scope. Issue helpers read scope["issues"]
// ([]map[string]any or anything shaped like it); permission helpers
// read scope["pr"].permission/author fields.
func builtins(scope Scope, sb *Sandbox, opts Options) map[string]any {
	return map[string]any{
		"always":  func() bool { return true },
		"success": func() bool { return !scopeFatal(scope) },
		"failure": func() bool { return scopeFatal(scope) },

		"contains":   func(s, sub string) bool { return strings.Contains(s, sub) },
		"startsWith": func(s, prefix string) bool { return strings.HasPrefix(s, prefix) },
		"endsWith":   func(s, suffix string) bool { return strings.HasSuffix(s, suffix) },
		"length":     builtinLength,

		"hasIssue":        func(ruleID string) bool { return hasIssue(scope, ruleID) },
		"countIssues":     func(severity string) int { return countIssues(scope, severity) },
		"hasFileMatching": func(pattern string) bool { return hasFileMatching(scope, pattern) },
		"hasFileWith":     func(pattern, content string) bool { return hasFileWith(scope, pattern, content) },
		"hasIssueWith":    func(field, value string) bool { return hasIssueWith(scope, field, value) },

		"hasMinPermission": func(level string) bool { return hasMinPermission(scope, level) },
		"isOwner":          func() bool { return boolField(scope, "isOwner") },
		"isMember":         func() bool { return boolField(scope, "isMember") },
		"isCollaborator":   func() bool { return boolField(scope, "isCollaborator") },
		"isContributor":    func() bool { return boolField(scope, "isContributor") },
		"isFirstTimer":     func() bool { return boolField(scope, "isFirstTimer") },

		"log": func(args ...any) bool {
			if opts.InjectLog {
				parts := make([]string, len(args))
				for i, a := range args {
					parts[i] = fmt.Sprint(a)
				}
				sb.logEvent(strings.Join(parts, " "), nil)
			}
			return true
		},
	}
}

func builtinLength(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 0
	}
}

func scopeFatal(scope Scope) bool {
	if v, ok := scope["fatal"].(bool); ok {
		return v
	}
	return countIssues(scope, "error")+countIssues(scope, "critical") > 0
}

func issueSlice(scope Scope) []map[string]any {
	raw, ok := scope["issues"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func hasIssue(scope Scope, ruleID string) bool {
	for _, iss := range issueSlice(scope) {
		if fmt.Sprint(iss["ruleId"]) == ruleID {
			return true
		}
	}
	return false
}

func countIssues(scope Scope, severity string) int {
	n := 0
	for _, iss := range issueSlice(scope) {
		if severity == "" || fmt.Sprint(iss["severity"]) == severity {
			n++
		}
	}
	return n
}

func hasIssueWith(scope Scope, field, value string) bool {
	for _, iss := range issueSlice(scope) {
		if fmt.Sprint(iss[field]) == value {
			return true
		}
	}
	return false
}

func fileSlice(scope Scope) []string {
	raw, ok := scope["files"]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		for _, f := range v {
			out = append(out, fmt.Sprint(f))
		}
	}
	return out
}

func hasFileMatching(scope Scope, pattern string) bool {
	for _, f := range fileSlice(scope) {
		if strings.Contains(f, pattern) {
			return true
		}
	}
	return false
}

// hasFileWith matches files whose patch/content (scope["files_content"]
// keyed by name) contains the given substring.
func hasFileWith(scope Scope, pattern, content string) bool {
	raw, ok := scope["files_content"].(map[string]any)
	if !ok {
		return false
	}
	for name, body := range raw {
		if strings.Contains(name, pattern) && strings.Contains(fmt.Sprint(body), content) {
			return true
		}
	}
	return false
}

var permissionRank = map[string]int{
	"none":  0,
	"read":  1,
	"triage": 2,
	"write": 3,
	"maintain": 4,
	"admin": 5,
}

func hasMinPermission(scope Scope, level string) bool {
	pr, ok := scope["pr"].(map[string]any)
	if !ok {
		return false
	}
	actual, _ := pr["permission"].(string)
	want, wOk := permissionRank[level]
	have, hOk := permissionRank[actual]
	if !wOk || !hOk {
		return false
	}
	return have >= want
}

func boolField(scope Scope, field string) bool {
	pr, ok := scope["pr"].(map[string]any)
	if !ok {
		return false
	}
	b, _ := pr[field].(bool)
	return b
}
