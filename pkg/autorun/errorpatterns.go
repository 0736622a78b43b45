// Package autorun implements the supervised autonomous execution loop: the
// controller that turns LLM responses into shell commands and tool calls, the
// stuck detector that recognizes unproductive loops, and the watchdog that
// recognizes lost liveness. One Controller instance owns one session's state.
package autorun

import (
	"regexp"
)

// ErrorCategory identifies a known class of command failure. Categories carry
// a priority; when multiple categories match the same output, the highest
// priority wins.
type ErrorCategory string

const (
	CategoryPortInUse        ErrorCategory = "port_in_use"
	CategoryPermissionDenied ErrorCategory = "permission_denied"
	CategoryCommandNotFound  ErrorCategory = "command_not_found"
	CategoryFileNotFound     ErrorCategory = "file_not_found"
	CategoryDependencyError  ErrorCategory = "dependency_error"
	CategoryGitConflict      ErrorCategory = "git_conflict"
	CategoryGenericError     ErrorCategory = "generic_error"
)

// errorPattern defines one recognizable failure category.
type errorPattern struct {
	category ErrorCategory
	priority int
	patterns []*regexp.Regexp
	// extract pulls structured fields out of the output, e.g. the port number.
	extract func(output string) map[string]string
}

// ErrorPatternMatcher classifies raw command output into a failure category.
// Classification is pure and deterministic: identical output always yields the
// identical category. The stuck detector's recurring-error check relies on that.
type ErrorPatternMatcher struct {
	patterns []errorPattern
}

var portExtractPattern = regexp.MustCompile(`(?:port[:\s]?|:)(\d{2,5})`)

// NewErrorPatternMatcher creates a matcher with the default category set,
// ordered by descending priority.
func NewErrorPatternMatcher() *ErrorPatternMatcher {
	return &ErrorPatternMatcher{
		patterns: []errorPattern{
			{
				category: CategoryPortInUse,
				priority: 100,
				patterns: compileAll(
					`(?i)EADDRINUSE`,
					`(?i)address already in use`,
					`(?i)port .* is (already )?in use`,
					`(?i)bind.*address in use`,
				),
				extract: func(output string) map[string]string {
					port := "unknown"
					if m := portExtractPattern.FindStringSubmatch(output); m != nil {
						port = m[1]
					}
					return map[string]string{"port": port}
				},
			},
			{
				category: CategoryPermissionDenied,
				priority: 90,
				patterns: compileAll(
					`(?i)permission denied`,
					`(?i)EACCES`,
					`(?i)operation not permitted`,
					`(?i)access is denied`,
				),
			},
			{
				category: CategoryCommandNotFound,
				priority: 85,
				patterns: compileAll(
					`(?i)command not found`,
					`(?i)not recognized as an internal or external command`,
					`(?i)\bENOENT\b.*spawn`,
					`(?i)no such command`,
				),
			},
			{
				category: CategoryFileNotFound,
				priority: 80,
				patterns: compileAll(
					`(?i)no such file or directory`,
					`(?i)cannot find (the )?(file|path)`,
					`(?i)\bENOENT\b`,
					`(?i)file not found`,
				),
			},
			{
				category: CategoryDependencyError,
				priority: 75,
				patterns: compileAll(
					`(?i)cannot find module`,
					`(?i)module not found`,
					`(?i)no module named`,
					`(?i)package .* is not in`,
					`(?i)unresolved dependenc`,
					`(?i)npm ERR! missing`,
				),
			},
			{
				category: CategoryGitConflict,
				priority: 70,
				patterns: compileAll(
					`(?i)merge conflict`,
					`(?i)CONFLICT \(`,
					`(?i)automatic merge failed`,
					`(?i)needs merge`,
				),
			},
			{
				category: CategoryGenericError,
				priority: 1,
				patterns: compileAll(
					`(?i)\berror\b`,
					`(?i)\bfatal\b`,
					`(?i)\bfailed\b`,
					`(?i)exception`,
				),
			},
		},
	}
}

// Classify returns the highest-priority category whose patterns match the
// output, or empty if nothing matches.
func (m *ErrorPatternMatcher) Classify(output string) (ErrorCategory, bool) {
	for _, p := range m.patterns {
		for _, re := range p.patterns {
			if re.MatchString(output) {
				return p.category, true
			}
		}
	}
	return "", false
}

// Extract returns structured fields for the given category matched against the
// output, e.g. {"port": "3000"} for port_in_use. Returns nil when the category
// has no extractor.
func (m *ErrorPatternMatcher) Extract(category ErrorCategory, output string) map[string]string {
	for _, p := range m.patterns {
		if p.category == category && p.extract != nil {
			return p.extract(output)
		}
	}
	return nil
}

// Priority returns the priority assigned to a category, or 0 if unknown.
func (m *ErrorPatternMatcher) Priority(category ErrorCategory) int {
	for _, p := range m.patterns {
		if p.category == category {
			return p.priority
		}
	}
	return 0
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(expr))
	}
	return out
}

// categorySuggestions maps error-category substrings to canned remediation
// questions surfaced when the loop halts on a stuck verdict.
var categorySuggestions = map[ErrorCategory][]string{
	CategoryPortInUse: {
		"A process is blocking the port. Should I find and kill it?",
		"Should I try a different port?",
	},
	CategoryPermissionDenied: {
		"The command needs elevated permissions. Should I retry with sudo?",
		"Should I change the file ownership instead?",
	},
	CategoryCommandNotFound: {
		"The command is not installed. Should I install it?",
		"Is there an alternative tool already available?",
	},
	CategoryFileNotFound: {
		"The file or directory does not exist. Should I create it first?",
		"Is the working directory correct?",
	},
	CategoryDependencyError: {
		"A dependency is missing. Should I run the package install step?",
	},
	CategoryGitConflict: {
		"There is a merge conflict. Should I abort the merge, or resolve it?",
	},
}

// genericSuggestions are the fallback probing questions used when no
// category-specific suggestion applies.
var genericSuggestions = []string{
	"Should I try a different approach?",
	"Do you want to run a diagnostic command first?",
	"Can you provide more detail about what you expect to happen?",
}

// suggestionsFor builds the deduplicated suggestion list for a set of error
// categories, falling back to the generic questions when none of the
// categories carries a specific suggestion.
func suggestionsFor(categories []ErrorCategory) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, cat := range categories {
		for _, s := range categorySuggestions[cat] {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = append(out, genericSuggestions...)
	}
	return out
}
