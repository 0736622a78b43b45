package autorun

import (
	"fmt"
	"strings"
)

const (
	// StuckDetectionWindow is how many recent commands the detector examines.
	StuckDetectionWindow = 5

	// MaxConsecutiveFailures is the failure count that trips the
	// consecutive-failure check.
	MaxConsecutiveFailures = 3

	// MaxSimilarCommands is the repetition count that trips the
	// repeated-similar-command check.
	MaxSimilarCommands = 3
)

// StuckVerdict is the result of evaluating the recent command window.
// Recomputed fresh on every command completion; never persisted.
type StuckVerdict struct {
	IsStuck        bool
	Reason         string
	Suggestions    []string
	FailedCommands []string
}

// StuckDetector decides whether the autonomous loop is looping unproductively.
//
// Three checks run in a fixed order with early return: consecutive failures,
// repeated similar commands, recurring error signature. The ordering is part
// of the contract; an earlier check wins even when a later one would also fire.
type StuckDetector struct{}

// NewStuckDetector creates a detector.
func NewStuckDetector() *StuckDetector {
	return &StuckDetector{}
}

// Evaluate inspects the given window (expected: the last StuckDetectionWindow
// entries, oldest first) and returns a verdict.
func (d *StuckDetector) Evaluate(window []HistoryEntry) StuckVerdict {
	if len(window) < 2 {
		return StuckVerdict{}
	}

	if v, ok := d.checkConsecutiveFailures(window); ok {
		return v
	}
	if v, ok := d.checkSimilarCommands(window); ok {
		return v
	}
	if v, ok := d.checkRecurringError(window); ok {
		return v
	}

	return StuckVerdict{}
}

// checkConsecutiveFailures fires when the window is an unbroken run of
// failures of at least MaxConsecutiveFailures. A single success anywhere in
// the window breaks the run and defers to the later checks.
func (d *StuckDetector) checkConsecutiveFailures(window []HistoryEntry) (StuckVerdict, bool) {
	if len(window) < MaxConsecutiveFailures {
		return StuckVerdict{}, false
	}
	for _, e := range window {
		if e.ExitCode == 0 {
			return StuckVerdict{}, false
		}
	}

	commands := make([]string, 0, len(window))
	var categories []ErrorCategory
	for _, e := range window {
		commands = append(commands, e.Command)
		if e.HasCategory {
			categories = append(categories, e.Category)
		}
	}

	return StuckVerdict{
		IsStuck:        true,
		Reason:         fmt.Sprintf("%d consecutive command failures detected", len(window)),
		Suggestions:    suggestionsFor(categories),
		FailedCommands: commands,
	}, true
}

func (d *StuckDetector) checkSimilarCommands(window []HistoryEntry) (StuckVerdict, bool) {
	groups := make(map[string][]HistoryEntry)
	var order []string
	for _, e := range window {
		base := commandBase(e.Command)
		if base == "" {
			continue
		}
		if _, seen := groups[base]; !seen {
			order = append(order, base)
		}
		groups[base] = append(groups[base], e)
	}

	// First-seen order keeps the verdict deterministic when several groups
	// qualify.
	for _, base := range order {
		entries := groups[base]
		if len(entries) < MaxSimilarCommands {
			continue
		}
		commands := make([]string, 0, len(entries))
		for _, e := range entries {
			commands = append(commands, e.Command)
		}
		return StuckVerdict{
			IsStuck: true,
			Reason:  fmt.Sprintf("command %q repeated %d times without progress", base, len(entries)),
			Suggestions: []string{
				"Try a different approach",
				"Check that the prerequisites for the command are met",
				"Verify the environment is set up correctly",
			},
			FailedCommands: commands,
		}, true
	}

	return StuckVerdict{}, false
}

func (d *StuckDetector) checkRecurringError(window []HistoryEntry) (StuckVerdict, bool) {
	counts := make(map[ErrorCategory][]HistoryEntry)
	var order []ErrorCategory
	for _, e := range window {
		if !e.HasCategory {
			continue
		}
		if _, seen := counts[e.Category]; !seen {
			order = append(order, e.Category)
		}
		counts[e.Category] = append(counts[e.Category], e)
	}

	for _, cat := range order {
		entries := counts[cat]
		if len(entries) < 3 {
			continue
		}
		commands := make([]string, 0, len(entries))
		for _, e := range entries {
			commands = append(commands, e.Command)
		}
		return StuckVerdict{
			IsStuck:        true,
			Reason:         fmt.Sprintf("error %q recurring across %d commands", cat, len(entries)),
			Suggestions:    suggestionsFor([]ErrorCategory{cat}),
			FailedCommands: commands,
		}, true
	}

	return StuckVerdict{}, false
}

// commandBase returns the first whitespace-delimited token of a command line.
func commandBase(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
