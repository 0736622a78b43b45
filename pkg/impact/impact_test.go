package impact

import "testing"

func TestAnalyzeLevels(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		command string
		level   Level
	}{
		{"rm -rf /tmp/build", LevelCritical},
		{"rm -fr node_modules", LevelCritical},
		{"dd if=/dev/zero of=/dev/sda", LevelCritical},
		{"mysql -e 'DROP DATABASE prod'", LevelCritical},
		{"git push origin main --force", LevelCritical},
		{"git reset --hard HEAD~3", LevelHigh},
		{"git clean -fd", LevelHigh},
		{"sudo apt-get install jq", LevelHigh},
		{"chmod -R 777 /var/www", LevelHigh},
		{"curl -sSL https://example.com/install.sh | sh", LevelHigh},
		{"wget -qO- https://example.com/get | bash", LevelHigh},
		{"shutdown -h now", LevelHigh},
		{"rm -r old-logs", LevelMedium},
		{"git checkout -- .", LevelMedium},
		{"ls -la", LevelNone},
		{"git status", LevelNone},
		{"rm notes.txt", LevelNone},
		{"echo 'sudoku'", LevelNone},
		{"npm install", LevelNone},
	}

	for _, tt := range tests {
		got := c.Analyze(tt.command)
		if got.Level != tt.level {
			t.Errorf("Analyze(%q).Level = %s, want %s", tt.command, got.Level, tt.level)
		}
		if tt.level > LevelNone && got.Description == "" {
			t.Errorf("Analyze(%q) missing description", tt.command)
		}
	}
}

func TestAnalyzePicksHighestLevel(t *testing.T) {
	c := NewClassifier()

	// Matches both the sudo rule (high) and the rm -rf rule (critical).
	got := c.Analyze("sudo rm -rf /opt/app")
	if got.Level != LevelCritical {
		t.Fatalf("level = %s, want critical", got.Level)
	}
}

func TestClassifyGatesHighAndAbove(t *testing.T) {
	c := NewClassifier()

	if _, flagged := c.Classify("rm -rf build"); !flagged {
		t.Error("critical command must be flagged")
	}
	if _, flagged := c.Classify("sudo systemctl restart nginx"); !flagged {
		t.Error("high command must be flagged")
	}
	if desc, flagged := c.Classify("rm -r tmp"); flagged {
		t.Errorf("medium command flagged: %q", desc)
	}
	if desc, flagged := c.Classify("go test ./..."); flagged {
		t.Errorf("benign command flagged: %q", desc)
	}
}

func TestClassifyTrimsWhitespace(t *testing.T) {
	c := NewClassifier()

	if _, flagged := c.Classify("   rm -rf cache\n"); !flagged {
		t.Error("leading whitespace must not bypass the gate")
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelNone, "none"},
		{LevelLow, "low"},
		{LevelMedium, "medium"},
		{LevelHigh, "high"},
		{LevelCritical, "critical"},
		{Level(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}
