package domain

// ReviewSummary is what a check execution produces: the issues it
// raised, the output its dependents see, an optional human-readable
// rendering, and (for forEach producers) the pre-extraction raw object
// and/or its per-iteration history.
type ReviewSummary struct {
	Issues  []Issue `json:"issues,omitempty"`
	Output  any     `json:"output,omitempty"`
	Content string  `json:"content,omitempty"`
	Raw     any     `json:"__raw,omitempty"`

	// History holds one ReviewSummary per prior completion of this
	// check within the owning scope; populated by the Output Store's
	// history() accessor, not set directly by providers.
	History []ReviewSummary `json:"history,omitempty"`

	// Fatal is true once any of assume/guarantee/fail_if/budget checks
	// has marked this result terminal for its check.
	Fatal bool `json:"-"`
}

// HasFatalIssue reports whether any issue in this summary is itself
// fatal (error or critical severity), independent of the Fatal flag set
// by routing.
func (r ReviewSummary) HasFatalIssue() bool {
	for _, iss := range r.Issues {
		if iss.IsFatal() {
			return true
		}
	}
	return false
}

// CountIssues counts issues matching an optional severity filter; pass
// "" to count all issues. Mirrors the sandbox's countIssues built-in.
func (r ReviewSummary) CountIssues(severity string) int {
	if severity == "" {
		return len(r.Issues)
	}
	n := 0
	for _, iss := range r.Issues {
		if string(iss.Severity) == severity {
			n++
		}
	}
	return n
}

// WithIssue returns a copy of r with iss appended; ReviewSummary
// values are treated as immutable once produced.
func (r ReviewSummary) WithIssue(iss Issue) ReviewSummary {
	out := r
	out.Issues = append(append([]Issue{}, r.Issues...), iss)
	if iss.IsFatal() {
		out.Fatal = true
	}
	return out
}
