// Package impact judges how destructive a proposed shell command is. The
// auto-run safety gate consults it before dispatching any command; commands
// at or above the high level are held for explicit user approval.
package impact

import (
	"regexp"
	"strings"
)

// Level represents the severity of a detected impact.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

// String returns a human-readable level.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Assessment contains the result of classifying one command.
type Assessment struct {
	Level       Level
	Description string
}

type impactPattern struct {
	pattern     *regexp.Regexp
	level       Level
	description string
}

// Classifier analyzes commands for destructive or irreversible effects.
type Classifier struct {
	patterns []impactPattern
}

// NewClassifier creates a classifier with the default pattern set.
func NewClassifier() *Classifier {
	return &Classifier{
		patterns: []impactPattern{
			// Critical: irreversible destructive operations
			{
				pattern:     regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`),
				level:       LevelCritical,
				description: "recursively deletes files without confirmation",
			},
			{
				pattern:     regexp.MustCompile(`(?i)\b(mkfs|dd\s+.*of=/dev/|shred\b)`),
				level:       LevelCritical,
				description: "overwrites a device or destroys data irrecoverably",
			},
			{
				pattern:     regexp.MustCompile(`(?i)\b(drop\s+(database|table)|truncate\s+table)\b`),
				level:       LevelCritical,
				description: "destroys database objects",
			},
			{
				pattern:     regexp.MustCompile(`(?i)\bgit\s+push\s+.*--force\b`),
				level:       LevelCritical,
				description: "force push can overwrite remote history",
			},
			// High: hard to undo or privilege-escalating
			{
				pattern:     regexp.MustCompile(`(?i)\bgit\s+(reset\s+--hard|clean\s+-[a-z]*f)`),
				level:       LevelHigh,
				description: "discards uncommitted changes",
			},
			{
				pattern:     regexp.MustCompile(`(?i)\bsudo\b`),
				level:       LevelHigh,
				description: "runs with elevated privileges",
			},
			{
				pattern:     regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]*R[a-z]*\s+)?777\b`),
				level:       LevelHigh,
				description: "makes files world-writable",
			},
			{
				pattern:     regexp.MustCompile(`(?i)(curl|wget)\b.*\|\s*(ba)?sh\b`),
				level:       LevelHigh,
				description: "pipes a downloaded script straight into a shell",
			},
			{
				pattern:     regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`),
				level:       LevelHigh,
				description: "stops the machine",
			},
			{
				pattern:     regexp.MustCompile(`(?i)\bkill(all)?\s+(-9\s+)?(1|-1)\b`),
				level:       LevelHigh,
				description: "kills critical processes",
			},
			// Medium: noisy but recoverable
			{
				pattern:     regexp.MustCompile(`(?i)\brm\s+-[a-z]*r\b`),
				level:       LevelMedium,
				description: "recursively deletes files",
			},
			{
				pattern:     regexp.MustCompile(`(?i)\bgit\s+checkout\s+--\s+\.`),
				level:       LevelMedium,
				description: "discards working tree changes",
			},
		},
	}
}

// Analyze returns the highest-level assessment matching the command.
func (c *Classifier) Analyze(command string) Assessment {
	out := Assessment{Level: LevelNone}
	for _, p := range c.patterns {
		if p.pattern.MatchString(command) && p.level > out.Level {
			out = Assessment{Level: p.level, Description: p.description}
		}
	}
	return out
}

// Classify implements the auto-run gate contract: a non-empty description
// means the command needs explicit approval. Only high and critical levels
// gate execution.
func (c *Classifier) Classify(command string) (string, bool) {
	a := c.Analyze(strings.TrimSpace(command))
	if a.Level >= LevelHigh {
		return a.Description, true
	}
	return "", false
}
