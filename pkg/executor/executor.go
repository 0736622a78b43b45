// Package executor runs shell commands on behalf of the auto-run loop.
// Commands run under a PTY so they behave the way they would in the user's
// terminal (line buffering, color output, prompts).
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/skiffworks/skiff/pkg/logging"
)

const (
	// ExitCancelled is reported for commands terminated by user cancel or
	// watchdog intervention, mirroring a shell's SIGINT convention.
	ExitCancelled = 130

	// ExitTimeout is reported for commands killed on timeout, mirroring the
	// timeout(1) convention.
	ExitTimeout = 124

	// maxOutputBytes caps captured output; only the tail is kept.
	maxOutputBytes = 256 * 1024
)

// Result is the outcome of one command execution.
type Result struct {
	Output   string
	ExitCode int
}

// OutputHook receives output chunks as the command produces them.
type OutputHook func(commandID string, chunk []byte)

// Runner executes commands and tracks them by id so an in-flight command can
// be cancelled. Safe for concurrent use across sessions.
type Runner struct {
	shell    string
	onOutput OutputHook
	logger   *logging.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithShell overrides the shell used to interpret commands.
func WithShell(shell string) RunnerOption {
	return func(r *Runner) { r.shell = shell }
}

// WithOutputHook registers a callback for live output chunks.
func WithOutputHook(hook OutputHook) RunnerOption {
	return func(r *Runner) { r.onOutput = hook }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a command runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		shell:   defaultShell(),
		running: make(map[string]*exec.Cmd),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// Execute runs the command under a PTY and blocks until it finishes, times
// out, or is cancelled. Timeout and cancellation are reported as ordinary
// results with the conventional exit codes, not as errors; an error means the
// command could not be started at all.
func (r *Runner) Execute(ctx context.Context, commandID, command, cwd string, timeout time.Duration) (Result, error) {
	cmd := exec.Command(r.shell, "-c", command)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	// Own process group so cancellation reaches child processes too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return Result{}, fmt.Errorf("start command: %w", err)
	}
	defer ptmx.Close()

	r.mu.Lock()
	r.running[commandID] = cmd
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, commandID)
		r.mu.Unlock()
	}()

	output := make(chan []byte, 1)
	go func() {
		var buf bytes.Buffer
		chunk := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(chunk)
			if n > 0 {
				appendBounded(&buf, chunk[:n])
				if r.onOutput != nil {
					r.onOutput(commandID, append([]byte(nil), chunk[:n]...))
				}
			}
			if readErr != nil {
				// EIO on PTY close is the normal end of stream on Linux.
				break
			}
		}
		output <- buf.Bytes()
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	cancelled := false
	timedOut := false

	select {
	case <-done:
	case <-ctx.Done():
		cancelled = true
		r.terminate(cmd)
		<-done
	case <-timeoutCh:
		timedOut = true
		r.terminate(cmd)
		<-done
	}

	out := <-output

	exitCode := cmd.ProcessState.ExitCode()
	switch {
	case timedOut:
		exitCode = ExitTimeout
	case cancelled || wasInterrupted(cmd):
		exitCode = ExitCancelled
	case exitCode < 0:
		// Killed by an uncaught signal.
		exitCode = ExitCancelled
	}

	r.logInfo("command_done", command, map[string]any{
		"command_id": commandID,
		"exit_code":  exitCode,
		"timed_out":  timedOut,
		"cancelled":  cancelled,
	})

	return Result{Output: string(out), ExitCode: exitCode}, nil
}

// Cancel terminates the identified running command. Explicit user cancel and
// watchdog intervention both arrive here.
func (r *Runner) Cancel(commandID string) {
	r.mu.Lock()
	cmd := r.running[commandID]
	r.mu.Unlock()

	if cmd == nil {
		return
	}
	r.logInfo("command_cancel", "", map[string]any{"command_id": commandID})
	r.terminate(cmd)
}

// terminate interrupts the process group, escalating to SIGKILL after a grace
// period.
func (r *Runner) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGINT)

	go func() {
		time.Sleep(2 * time.Second)
		if cmd.ProcessState == nil {
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}
	}()
}

func wasInterrupted(cmd *exec.Cmd) bool {
	state := cmd.ProcessState
	if state == nil {
		return false
	}
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return status.Signaled() && status.Signal() == syscall.SIGINT
}

func appendBounded(buf *bytes.Buffer, chunk []byte) {
	buf.Write(chunk)
	if buf.Len() > maxOutputBytes {
		// Keep the tail; errors show up at the end of output.
		trimmed := buf.Bytes()[buf.Len()-maxOutputBytes:]
		rest := append([]byte(nil), trimmed...)
		buf.Reset()
		buf.Write(rest)
	}
}

func (r *Runner) logInfo(eventType, message string, details map[string]any) {
	_ = r.logger.Info(logging.CategoryCommand, eventType, message, details)
}
