package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestExecuteCapturesOutput(t *testing.T) {
	r := NewRunner(WithShell("/bin/sh"))

	result, err := r.Execute(context.Background(), "cmd-1", "echo hello", t.TempDir(), 10*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	if !strings.Contains(result.Output, "hello") {
		t.Errorf("output = %q", result.Output)
	}
}

func TestExecuteReportsExitCode(t *testing.T) {
	r := NewRunner(WithShell("/bin/sh"))

	result, err := r.Execute(context.Background(), "cmd-2", "exit 3", t.TempDir(), 10*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
}

func TestExecuteRunsInWorkdir(t *testing.T) {
	r := NewRunner(WithShell("/bin/sh"))
	dir := t.TempDir()

	result, err := r.Execute(context.Background(), "cmd-3", "pwd", dir, 10*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result.Output, dir) {
		t.Errorf("output = %q, want workdir %s", result.Output, dir)
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRunner(WithShell("/bin/sh"))

	start := time.Now()
	result, err := r.Execute(context.Background(), "cmd-4", "sleep 30", t.TempDir(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ExitCode != ExitTimeout {
		t.Errorf("exit code = %d, want %d", result.ExitCode, ExitTimeout)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestExecuteContextCancel(t *testing.T) {
	r := NewRunner(WithShell("/bin/sh"))
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	result, err := r.Execute(ctx, "cmd-5", "sleep 30", t.TempDir(), time.Minute)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ExitCode != ExitCancelled {
		t.Errorf("exit code = %d, want %d", result.ExitCode, ExitCancelled)
	}
}

func TestCancelRunningCommand(t *testing.T) {
	r := NewRunner(WithShell("/bin/sh"))

	go func() {
		time.Sleep(200 * time.Millisecond)
		r.Cancel("cmd-6")
	}()

	result, err := r.Execute(context.Background(), "cmd-6", "sleep 30", t.TempDir(), time.Minute)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ExitCode != ExitCancelled {
		t.Errorf("exit code = %d, want %d", result.ExitCode, ExitCancelled)
	}
}

func TestCancelUnknownIDIsNoop(t *testing.T) {
	r := NewRunner()
	r.Cancel("never-started")
}

func TestOutputHookReceivesChunks(t *testing.T) {
	var mu sync.Mutex
	var chunks []string
	r := NewRunner(WithShell("/bin/sh"), WithOutputHook(func(commandID string, chunk []byte) {
		mu.Lock()
		chunks = append(chunks, string(chunk))
		mu.Unlock()
	}))

	if _, err := r.Execute(context.Background(), "cmd-7", "echo streamed", t.TempDir(), 10*time.Second); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	joined := strings.Join(chunks, "")
	mu.Unlock()
	if !strings.Contains(joined, "streamed") {
		t.Errorf("hook output = %q", joined)
	}
}

func TestAppendBoundedKeepsTail(t *testing.T) {
	r := NewRunner(WithShell("/bin/sh"))

	// Large output followed by a marker; the tail must survive the cap.
	command := "head -c 400000 /dev/zero | tr '\\0' 'x'; echo END-MARKER"
	result, err := r.Execute(context.Background(), "cmd-8", command, t.TempDir(), 30*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Output) > maxOutputBytes {
		t.Errorf("output length = %d, cap is %d", len(result.Output), maxOutputBytes)
	}
	if !strings.Contains(result.Output, "END-MARKER") {
		t.Error("tail of output must be retained")
	}
}
