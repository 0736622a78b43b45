package autorun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/skiffworks/skiff/pkg/logging"
)

// MaxAutoSteps is the per-attempt budget of autonomously dispatched commands.
const MaxAutoSteps = 10

// maxStallNotices bounds consecutive responses with no actionable content
// before the loop hands control back to the user. Parse failures advance
// neither the step counter nor the history window, so without this cap they
// would sit outside the step budget and the stuck detector entirely.
const maxStallNotices = 3

var (
	// ErrAutoRunDisabled is returned when the loop is driven while disabled.
	ErrAutoRunDisabled = errors.New("auto-run is not enabled")

	// ErrNoPendingSafety is returned when approving or rejecting without a
	// pending safety command.
	ErrNoPendingSafety = errors.New("no pending safety command")

	// ErrBudgetExceeded is returned when the step budget is exhausted.
	ErrBudgetExceeded = errors.New("auto-run step budget exceeded")
)

// ModelClient is the LLM collaborator. A failed call is a ProviderFailure:
// it halts the current attempt but does not clear the auto-run flag.
type ModelClient interface {
	Chat(ctx context.Context, systemPrompt string, contextMessages []string) (string, error)
}

// Controller is the orchestrator for one session's autonomous loop. It decides,
// per LLM response, whether to stop, ask the user, call a tool, or run a
// command. It never calls the executor directly; command dispatch is an intent
// emitted on the session event stream, and completion arrives asynchronously
// through OnCommandFinished.
type Controller struct {
	sessionID    string
	model        ModelClient
	gate         *SafetyGate
	tools        *ToolDispatcher
	tracker      *HistoryTracker
	detector     *StuckDetector
	sink         EventSink
	logger       *logging.Logger
	liveness     *Liveness
	systemPrompt string
	contextLog   *contextLog

	mu            sync.Mutex
	state         State
	run           AutoRunState
	generation    uint64
	pendingSafety *PendingSafetyCommand
	lastCommand   string
	stallStreak   int
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithSafetyGate sets the safety gate consulted before command dispatch.
func WithSafetyGate(gate *SafetyGate) ControllerOption {
	return func(c *Controller) { c.gate = gate }
}

// WithToolDispatcher sets the dispatcher for embedded tool calls.
func WithToolDispatcher(tools *ToolDispatcher) ControllerOption {
	return func(c *Controller) { c.tools = tools }
}

// WithEventSink sets the session event stream sink.
func WithEventSink(sink EventSink) ControllerOption {
	return func(c *Controller) { c.sink = sink }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithSystemPrompt overrides the default system prompt.
func WithSystemPrompt(prompt string) ControllerOption {
	return func(c *Controller) { c.systemPrompt = prompt }
}

// WithContextBudget overrides the token budget for the accumulated context.
func WithContextBudget(tokens int) ControllerOption {
	return func(c *Controller) { c.contextLog = newContextLog(tokens) }
}

// NewController creates a controller for one session.
func NewController(sessionID string, model ModelClient, opts ...ControllerOption) *Controller {
	c := &Controller{
		sessionID:    sessionID,
		model:        model,
		tracker:      NewHistoryTracker(NewErrorPatternMatcher()),
		detector:     NewStuckDetector(),
		sink:         NopSink,
		liveness:     NewLiveness(),
		systemPrompt: defaultSystemPrompt,
		contextLog:   newContextLog(0),
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the session this controller belongs to.
func (c *Controller) SessionID() string { return c.sessionID }

// Liveness returns the activity timestamps observed by the watchdog.
func (c *Controller) Liveness() *Liveness { return c.liveness }

// State returns the current loop state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the auto-run state.
func (c *Controller) Snapshot() AutoRunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

// PendingSafety returns a copy of the pending safety command, if any.
func (c *Controller) PendingSafety() (PendingSafetyCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingSafety == nil {
		return PendingSafetyCommand{}, false
	}
	return *c.pendingSafety, true
}

// Enable turns auto-run on. The loop starts on the next user message.
func (c *Controller) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run.Enabled = true
	c.logInfo("autorun_enabled", "", nil)
}

// Disable turns auto-run off and discards all loop state for the session.
func (c *Controller) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run.Enabled = false
	c.resetLocked()
	if c.state != StateIdle {
		c.transitionLocked(StateIdle)
	}
	c.logInfo("autorun_disabled", "", nil)
}

// ManualCommandRun records that the user ran a command by hand, which resets
// the loop counters and history per the session lifecycle rules.
func (c *Controller) ManualCommandRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	if c.state == StateWaitingForSafety {
		// The pending command was just discarded; nothing is left to approve.
		c.transitionLocked(StateWaitingForUser)
	}
}

// UserMessage starts (or restarts) the loop on a new user message. Any stuck
// or waiting state is cleared: a new message is the explicit human input every
// halted state waits for.
func (c *Controller) UserMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	if !c.run.Enabled {
		c.mu.Unlock()
		return ErrAutoRunDisabled
	}
	c.resetLocked()
	if c.state != StateRunning {
		c.transitionLocked(StateRunning)
	}
	c.contextLog.Append("USER: " + text)
	c.liveness.Touch()
	gen := c.generation
	c.mu.Unlock()

	return c.advance(ctx, gen)
}

// OnCommandFinished delivers a command completion from the executor. Cancelled
// commands arrive here as exitCode 130 and flow through the same path.
func (c *Controller) OnCommandFinished(ctx context.Context, commandID, output string, exitCode int) error {
	c.mu.Lock()
	if commandID == "" || commandID != c.run.RunningCommandID {
		// Stale completion from a superseded attempt.
		c.mu.Unlock()
		return nil
	}
	command := c.lastCommand
	c.run.RunningCommandID = ""
	c.lastCommand = ""
	c.liveness.CommandFinished()

	c.emit(func(ev *Event) {
		ev.Type = EventCommandFinished
		ev.CommandID = commandID
		ev.Command = command
		ev.ExitCode = exitCode
	})
	c.logInfo("command_finished", command, map[string]any{"exit_code": exitCode})

	c.tracker.Record(command, exitCode, output)
	verdict := c.detector.Evaluate(c.tracker.Window(StuckDetectionWindow))
	if verdict.IsStuck {
		c.run.Stuck = true
		c.run.StuckReason = verdict.Reason
		c.transitionLocked(StateStuck)
		v := verdict
		c.emit(func(ev *Event) {
			ev.Type = EventStuckDetected
			ev.Message = verdict.Reason
			ev.Verdict = &v
		})
		c.logWarn("stuck_detected", verdict.Reason, map[string]any{
			"failed_commands": verdict.FailedCommands,
		})
		c.mu.Unlock()
		return nil
	}

	c.contextLog.Append(commandResultMessage(command, output, exitCode))
	if exitCode != 0 {
		c.contextLog.Append(recoveryProtocol(command, exitCode))
	}
	gen := c.generation
	c.mu.Unlock()

	return c.advance(ctx, gen)
}

// ApproveSafety releases the pending safety command for execution.
func (c *Controller) ApproveSafety(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingSafety == nil {
		return ErrNoPendingSafety
	}
	command := c.pendingSafety.Command
	c.pendingSafety = nil

	if c.run.StepCount >= MaxAutoSteps {
		c.budgetExceededLocked()
		return ErrBudgetExceeded
	}

	c.transitionLocked(StateRunning)
	c.dispatchLocked(command)
	return nil
}

// RejectSafety discards the pending safety command and halts the loop until
// the user sends a new message.
func (c *Controller) RejectSafety() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingSafety == nil {
		return ErrNoPendingSafety
	}
	command := c.pendingSafety.Command
	c.pendingSafety = nil
	c.transitionLocked(StateWaitingForUser)
	c.contextLog.Append(fmt.Sprintf("User rejected the command: %s", command))
	c.emit(func(ev *Event) {
		ev.Type = EventStatus
		ev.Message = "command rejected, auto-run paused"
		ev.Command = command
	})
	return nil
}

// advance runs the LLM, processes the response, and repeats while the response
// produced only tool output or a stall notice. It returns when a command was
// dispatched (the loop suspends awaiting completion) or the loop halted.
// gen identifies the attempt this advance belongs to; a new user message or a
// manual command supersedes it, and any response still in flight is dropped
// instead of driving the new attempt's state.
func (c *Controller) advance(ctx context.Context, gen uint64) error {
	for {
		response, err := c.chat(ctx)
		if err != nil {
			c.providerFailure(gen, err)
			return err
		}
		if !c.processResponse(gen, response) {
			return nil
		}
	}
}

func (c *Controller) chat(ctx context.Context) (string, error) {
	c.mu.Lock()
	prompt := c.systemPrompt
	messages := c.contextLog.Snapshot()
	c.mu.Unlock()

	c.liveness.ThinkingStarted()
	defer c.liveness.ThinkingStopped()

	response, err := c.model.Chat(ctx, prompt, messages)
	if err != nil {
		return "", fmt.Errorf("model chat: %w", err)
	}
	return response, nil
}

// processResponse applies the fixed priority order over the parsed response:
// sentinel, tool calls, shell command, completion phrase, stall notice.
// Returns true when the loop should immediately call the model again.
func (c *Controller) processResponse(gen uint64, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		// A newer user message or a manual command superseded this attempt
		// while the model call was in flight.
		return false
	}
	if c.state != StateRunning || !c.run.Enabled {
		// Disabled or halted while the model call was in flight.
		return false
	}

	c.liveness.Touch()
	segments := ParseResponse(text)

	if sentinel, ok := FirstSentinel(segments); ok {
		c.stallStreak = 0
		c.transitionLocked(StateWaitingForUser)
		c.emit(func(ev *Event) {
			ev.Type = EventStatus
			ev.Message = sentinelMessage(sentinel)
		})
		c.logInfo("sentinel", sentinel.Sentinel, nil)
		return false
	}

	toolCalls := ToolCalls(segments)
	if len(toolCalls) > 0 {
		c.stallStreak = 0
		results := c.tools.Dispatch(toolCalls)
		for _, r := range results {
			c.contextLog.Append(r.Message())
			if r.Err != nil {
				c.logWarn("tool_failed", string(r.Call.Verb), map[string]any{
					"argument": r.Call.Argument,
					"error":    r.Err.Error(),
				})
			} else {
				c.logInfo("tool_ok", string(r.Call.Verb), map[string]any{
					"argument": r.Call.Argument,
				})
			}
		}
	}

	if command, ok := FirstShellCommand(segments); ok {
		c.stallStreak = 0
		if c.run.StepCount >= MaxAutoSteps {
			c.budgetExceededLocked()
			return false
		}
		if impact, flagged := c.gate.Check(command); flagged {
			c.pendingSafety = &PendingSafetyCommand{
				Command:   command,
				SessionID: c.sessionID,
				Impact:    impact,
			}
			c.transitionLocked(StateWaitingForSafety)
			c.emit(func(ev *Event) {
				ev.Type = EventSafetyCheckRequired
				ev.Command = command
				ev.Impact = impact
			})
			c.logWarn("safety_check_required", command, map[string]any{"impact": impact})
			return false
		}
		c.dispatchLocked(command)
		return false
	}

	if strings.Contains(strings.ToLower(text), "task complete") {
		c.resetLocked()
		c.transitionLocked(StateIdle)
		c.emit(func(ev *Event) {
			ev.Type = EventStatus
			ev.Message = "task complete"
		})
		c.logInfo("task_complete", "", nil)
		return false
	}

	if len(toolCalls) > 0 {
		// Tool output only; feed it back to the model.
		return true
	}

	// ParseFailure: no sentinel, tool, command, or completion phrase.
	c.stallStreak++
	c.contextLog.Append(stallNotice)
	c.emit(func(ev *Event) {
		ev.Type = EventStatus
		ev.Message = "response contained no command or tool call"
	})
	if c.stallStreak >= maxStallNotices {
		c.transitionLocked(StateWaitingForUser)
		c.emit(func(ev *Event) {
			ev.Type = EventStatus
			ev.Message = "auto-run paused after repeated empty responses"
		})
		c.logWarn("stall_limit", "", map[string]any{"streak": c.stallStreak})
		return false
	}
	return true
}

// dispatchLocked emits a command-dispatch intent and suspends the loop until
// the completion arrives. Caller holds the lock.
func (c *Controller) dispatchLocked(command string) {
	c.run.StepCount++
	id := ulid.Make().String()
	c.run.RunningCommandID = id
	c.lastCommand = command
	c.liveness.CommandStarted()
	c.liveness.SetCommandID(id)

	c.emit(func(ev *Event) {
		ev.Type = EventCommandDispatchRequest
		ev.CommandID = id
		ev.Command = command
	})
	c.logInfo("command_dispatched", command, map[string]any{
		"command_id": id,
		"step":       c.run.StepCount,
	})
}

// budgetExceededLocked halts the loop; re-enabling auto-run is an explicit
// user action. Caller holds the lock.
func (c *Controller) budgetExceededLocked() {
	c.run.Enabled = false
	c.transitionLocked(StateIdle)
	c.emit(func(ev *Event) {
		ev.Type = EventBudgetExceeded
		ev.Message = fmt.Sprintf("auto-run stopped after %d steps", MaxAutoSteps)
	})
	c.logWarn("budget_exceeded", "", map[string]any{"steps": c.run.StepCount})
}

// providerFailure halts the current attempt. The auto-run flag stays set so
// the user can simply retry.
func (c *Controller) providerFailure(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		// The attempt was already superseded; the failure is moot.
		c.logError("provider_failure", err.Error(), map[string]any{"superseded": true})
		return
	}
	if c.state == StateRunning {
		c.transitionLocked(StateIdle)
	}
	c.emit(func(ev *Event) {
		ev.Type = EventStatus
		ev.Message = "auto-run attempt failed, send a message to retry"
	})
	c.logError("provider_failure", err.Error(), nil)
}

// transitionLocked moves the state machine, ignoring invalid transitions
// after logging them. Caller holds the lock.
func (c *Controller) transitionLocked(next State) {
	if c.state == next {
		return
	}
	if !c.state.CanTransitionTo(next) {
		c.logError("invalid_transition", ErrInvalidTransition{From: c.state, To: next}.Error(), nil)
		return
	}
	c.state = next
}

// resetLocked clears counters, history, and pending work, and bumps the
// attempt generation so in-flight model responses are dropped. Caller holds
// the lock.
func (c *Controller) resetLocked() {
	c.generation++
	c.tracker.Reset()
	c.run.StepCount = 0
	c.run.Stuck = false
	c.run.StuckReason = ""
	c.run.RunningCommandID = ""
	c.lastCommand = ""
	c.stallStreak = 0
	c.pendingSafety = nil
}

func (c *Controller) emit(fill func(ev *Event)) {
	ev := newEvent(c.sessionID, EventStatus)
	fill(&ev)
	c.sink.Emit(ev)
}

func (c *Controller) logInfo(eventType, message string, details map[string]any) {
	_ = c.logger.Info(logging.CategoryAutoRun, eventType, message, details)
}

func (c *Controller) logWarn(eventType, message string, details map[string]any) {
	_ = c.logger.Warn(logging.CategoryAutoRun, eventType, message, details)
}

func (c *Controller) logError(eventType, message string, details map[string]any) {
	_ = c.logger.Error(logging.CategoryAutoRun, eventType, message, details)
}

func sentinelMessage(s Segment) string {
	switch s.Sentinel {
	case SentinelWait:
		if s.Text != "" {
			return "waiting for you: " + s.Text
		}
		return "waiting for you"
	case SentinelAskUser:
		if s.Text != "" {
			return "question for you: " + s.Text
		}
		return "the agent has a question for you"
	case SentinelNeedHelp:
		if s.Text != "" {
			return "the agent needs help: " + s.Text
		}
		return "the agent needs help"
	default:
		return "auto-run paused"
	}
}

func commandResultMessage(command, output string, exitCode int) string {
	return fmt.Sprintf("COMMAND: %s\nEXIT CODE: %d\nOUTPUT:\n%s", command, exitCode, output)
}

func recoveryProtocol(command string, exitCode int) string {
	return fmt.Sprintf(`AUTO-RECOVERY PROTOCOL:
The command %q failed with exit code %d.
1. Read the output above and state the root cause in one sentence.
2. Propose ONE corrected command in a fenced code block.
3. Do not repeat the failed command unchanged.
4. If you cannot make progress, reply with [NEED_HELP] and explain.`, command, exitCode)
}

const stallNotice = `Your last response contained no runnable command, tool call, or completion signal.
Reply with a fenced code block containing the next command, a tool call, or "task complete" if done.`

const defaultSystemPrompt = `You are an autonomous terminal agent embedded in a browser-based shell.
You work in small steps: propose exactly one shell command per response inside a fenced code block.
You may also use file tools: [READ_FILE: path], [WRITE_FILE: path] followed by a fenced content block, [LIST_FILES: path], [MKDIR: path].
If you need the user, reply with [WAIT], [ASK_USER] or [NEED_HELP] and your question.
When the task is finished, say "task complete".`
