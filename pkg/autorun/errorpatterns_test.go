package autorun

import (
	"testing"
)

func TestClassifyCategories(t *testing.T) {
	m := NewErrorPatternMatcher()

	cases := []struct {
		name   string
		output string
		want   ErrorCategory
	}{
		{"eaddrinuse", "Error: listen EADDRINUSE: address already in use :::3000", CategoryPortInUse},
		{"address in use", "bind: address already in use", CategoryPortInUse},
		{"permission", "mkdir: cannot create directory '/etc/app': Permission denied", CategoryPermissionDenied},
		{"eacces", "EACCES: permission denied, open '/var/log/app.log'", CategoryPermissionDenied},
		{"command not found", "bash: flarb: command not found", CategoryCommandNotFound},
		{"file not found", "cat: notes.txt: No such file or directory", CategoryFileNotFound},
		{"node module", "Error: Cannot find module 'express'", CategoryDependencyError},
		{"python module", "ModuleNotFoundError: No module named 'requests'", CategoryDependencyError},
		{"git conflict", "CONFLICT (content): Merge conflict in main.go\nAutomatic merge failed", CategoryGitConflict},
		{"generic", "build failed with 3 errors", CategoryGenericError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := m.Classify(tc.output)
			if !ok {
				t.Fatalf("Classify(%q) matched nothing, want %s", tc.output, tc.want)
			}
			if got != tc.want {
				t.Errorf("Classify(%q) = %s, want %s", tc.output, got, tc.want)
			}
		})
	}
}

func TestClassifyNoMatch(t *testing.T) {
	m := NewErrorPatternMatcher()
	if cat, ok := m.Classify("all tests passed\nok  \t0.412s"); ok {
		t.Errorf("Classify matched %s on clean output", cat)
	}
}

// An output matching both a specific category and the generic patterns must
// resolve to the specific one.
func TestClassifyPriority(t *testing.T) {
	m := NewErrorPatternMatcher()

	output := "Error: listen EADDRINUSE: address already in use :::8080\nserver failed to start"
	got, ok := m.Classify(output)
	if !ok || got != CategoryPortInUse {
		t.Fatalf("Classify = %s (ok=%v), want %s", got, ok, CategoryPortInUse)
	}

	if m.Priority(CategoryPortInUse) <= m.Priority(CategoryGenericError) {
		t.Error("port_in_use must outrank generic_error")
	}
}

func TestClassifyDeterministic(t *testing.T) {
	m := NewErrorPatternMatcher()
	output := "fatal: could not read from remote repository\nPermission denied (publickey)"
	first, _ := m.Classify(output)
	for i := 0; i < 50; i++ {
		got, _ := m.Classify(output)
		if got != first {
			t.Fatalf("classification changed between runs: %s then %s", first, got)
		}
	}
}

func TestExtractPort(t *testing.T) {
	m := NewErrorPatternMatcher()

	fields := m.Extract(CategoryPortInUse, "Error: listen EADDRINUSE: address already in use :::3000")
	if fields["port"] != "3000" {
		t.Errorf("port = %q, want 3000", fields["port"])
	}

	fields = m.Extract(CategoryPortInUse, "address already in use")
	if fields["port"] != "unknown" {
		t.Errorf("port = %q, want unknown when absent", fields["port"])
	}

	if m.Extract(CategoryGitConflict, "CONFLICT") != nil {
		t.Error("categories without extractors must return nil")
	}
}

func TestSuggestionsFor(t *testing.T) {
	got := suggestionsFor([]ErrorCategory{CategoryPortInUse, CategoryPortInUse})
	if len(got) != 2 {
		t.Fatalf("suggestions = %v, want 2 deduplicated entries", got)
	}

	generic := suggestionsFor(nil)
	if len(generic) != len(genericSuggestions) {
		t.Fatalf("fallback suggestions = %v, want generics", generic)
	}
}
