package autorun

import (
	"sync"
	"time"
)

// HistoryCap is the maximum number of command results retained per session.
const HistoryCap = 10

// HistoryEntry records one finished command.
type HistoryEntry struct {
	Command   string
	ExitCode  int
	Timestamp time.Time

	// Category is set only for failed commands that matched a known pattern.
	Category    ErrorCategory
	HasCategory bool
}

// HistoryTracker keeps a bounded window of recent command results for one
// session. Oldest entries are evicted first.
type HistoryTracker struct {
	mu      sync.Mutex
	matcher *ErrorPatternMatcher
	entries []HistoryEntry
}

// NewHistoryTracker creates a tracker backed by the given matcher.
func NewHistoryTracker(matcher *ErrorPatternMatcher) *HistoryTracker {
	return &HistoryTracker{matcher: matcher}
}

// Record appends a finished command. Output is classified only for nonzero
// exit codes.
func (t *HistoryTracker) Record(command string, exitCode int, output string) {
	entry := HistoryEntry{
		Command:   command,
		ExitCode:  exitCode,
		Timestamp: time.Now(),
	}
	if exitCode != 0 && t.matcher != nil {
		if cat, ok := t.matcher.Classify(output); ok {
			entry.Category = cat
			entry.HasCategory = true
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	if len(t.entries) > HistoryCap {
		t.entries = t.entries[len(t.entries)-HistoryCap:]
	}
}

// Window returns the most recent n entries in chronological order
// (oldest first).
func (t *HistoryTracker) Window(n int) []HistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n > len(t.entries) {
		n = len(t.entries)
	}
	out := make([]HistoryEntry, n)
	copy(out, t.entries[len(t.entries)-n:])
	return out
}

// Len returns the number of retained entries.
func (t *HistoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Reset clears the window. Called when the user sends a new message or runs a
// command manually.
func (t *HistoryTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}
