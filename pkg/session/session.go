// Package session owns the lifetime of browser terminal sessions. Each
// session bundles an auto-run controller, a PTY command runner, a liveness
// watchdog, and a bus-backed event stream under one ULID identity.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skiffworks/skiff/pkg/autorun"
	"github.com/skiffworks/skiff/pkg/bus"
	"github.com/skiffworks/skiff/pkg/executor"
	"github.com/skiffworks/skiff/pkg/impact"
	"github.com/skiffworks/skiff/pkg/logging"
	"github.com/skiffworks/skiff/pkg/workspace"
)

// EventSubject returns the bus subject carrying a session's event stream.
func EventSubject(sessionID string) string {
	return fmt.Sprintf("skiff.session.%s.events", sessionID)
}

// StatusSubject returns the bus subject answering status queries for a
// session. Each session responds to requests on its own subject, which lets
// other processes on the same bus inspect a session without going through
// the HTTP API.
func StatusSubject(sessionID string) string {
	return fmt.Sprintf("skiff.session.%s.status", sessionID)
}

// Status is the snapshot served to bus status queries.
type Status struct {
	SessionID        string `json:"sessionId"`
	State            string `json:"state"`
	AutoRunEnabled   bool   `json:"autoRunEnabled"`
	StepCount        int    `json:"stepCount"`
	RunningCommandID string `json:"runningCommandId,omitempty"`
	Stuck            bool   `json:"stuck"`
	StuckReason      string `json:"stuckReason,omitempty"`
	PendingCommand   string `json:"pendingCommand,omitempty"`
	Workdir          string `json:"workdir"`
}

// Session is one live browser terminal with its embedded agent.
type Session struct {
	ID        string
	CreatedAt time.Time
	Workdir   string

	Controller *autorun.Controller
	Runner     *executor.Runner

	logger    *logging.Logger
	cancel    context.CancelFunc
	statusSub bus.Subscription
}

// Status reports the session's current loop state.
func (s *Session) Status() Status {
	run := s.Controller.Snapshot()
	st := Status{
		SessionID:        s.ID,
		State:            string(s.Controller.State()),
		AutoRunEnabled:   run.Enabled,
		StepCount:        run.StepCount,
		RunningCommandID: run.RunningCommandID,
		Stuck:            run.Stuck,
		StuckReason:      run.StuckReason,
		Workdir:          s.Workdir,
	}
	if pending, ok := s.Controller.PendingSafety(); ok {
		st.PendingCommand = pending.Command
	}
	return st
}

// Close stops the session's watchdog and releases its resources.
func (s *Session) Close() error {
	if s.statusSub != nil {
		_ = s.statusSub.Unsubscribe()
	}
	s.cancel()
	return s.logger.Close()
}

// Manager creates sessions and routes command dispatch intents to the
// executor. Safe for concurrent use.
type Manager struct {
	busConn        bus.MessageBus
	model          autorun.ModelClient
	logDir         string
	logLevel       logging.Level
	commandTimeout time.Duration
	contextBudget  int
	systemPrompt   string
	shell          string
	defaultWorkdir string

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogDir sets the directory for per-session JSONL logs.
func WithLogDir(dir string) ManagerOption {
	return func(m *Manager) { m.logDir = dir }
}

// WithLogLevel sets the minimum level for session logs.
func WithLogLevel(level logging.Level) ManagerOption {
	return func(m *Manager) { m.logLevel = level }
}

// WithCommandTimeout bounds each dispatched command's runtime.
func WithCommandTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) { m.commandTimeout = timeout }
}

// WithContextBudget sets the token budget for each session's rolling context.
func WithContextBudget(tokens int) ManagerOption {
	return func(m *Manager) { m.contextBudget = tokens }
}

// WithSystemPrompt overrides the agent system prompt for new sessions.
func WithSystemPrompt(prompt string) ManagerOption {
	return func(m *Manager) { m.systemPrompt = prompt }
}

// WithShell sets the shell used for dispatched commands.
func WithShell(shell string) ManagerOption {
	return func(m *Manager) { m.shell = shell }
}

// WithDefaultWorkdir sets the workdir used when a session request names none.
func WithDefaultWorkdir(dir string) ManagerOption {
	return func(m *Manager) {
		if dir != "" {
			m.defaultWorkdir = dir
		}
	}
}

// NewManager creates a session manager.
func NewManager(busConn bus.MessageBus, model autorun.ModelClient, opts ...ManagerOption) *Manager {
	m := &Manager{
		busConn:        busConn,
		model:          model,
		logDir:         "logs",
		logLevel:       logging.LevelInfo,
		commandTimeout: 2 * time.Minute,
		defaultWorkdir: ".",
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a new session rooted at workdir, or at the manager's default
// when workdir is empty.
func (m *Manager) Create(workdir string) (*Session, error) {
	if workdir == "" {
		workdir = m.defaultWorkdir
	}
	id := ulid.Make().String()

	logger, err := logging.NewLogger(m.logDir, id)
	if err != nil {
		return nil, fmt.Errorf("create session logger: %w", err)
	}
	logger.SetMinLevel(m.logLevel)

	ws, err := workspace.New(workdir)
	if err != nil {
		logger.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	runnerOpts := []executor.RunnerOption{executor.WithLogger(logger)}
	if m.shell != "" {
		runnerOpts = append(runnerOpts, executor.WithShell(m.shell))
	}
	runner := executor.NewRunner(runnerOpts...)

	sink := m.busSink(ctx, id, logger)

	classifier := impact.NewClassifier()
	ctrlOpts := []autorun.ControllerOption{
		autorun.WithSafetyGate(autorun.NewSafetyGate(classifier)),
		autorun.WithToolDispatcher(autorun.NewToolDispatcher(ws)),
		autorun.WithEventSink(sink),
		autorun.WithLogger(logger),
	}
	if m.contextBudget > 0 {
		ctrlOpts = append(ctrlOpts, autorun.WithContextBudget(m.contextBudget))
	}
	if m.systemPrompt != "" {
		ctrlOpts = append(ctrlOpts, autorun.WithSystemPrompt(m.systemPrompt))
	}
	controller := autorun.NewController(id, m.model, ctrlOpts...)

	sess := &Session{
		ID:         id,
		CreatedAt:  time.Now(),
		Workdir:    ws.Root(),
		Controller: controller,
		Runner:     runner,
		logger:     logger,
		cancel:     cancel,
	}

	statusSub, err := m.busConn.Subscribe(ctx, StatusSubject(id), func(*bus.Message) []byte {
		data, marshalErr := json.Marshal(sess.Status())
		if marshalErr != nil {
			return nil
		}
		return data
	})
	if err != nil {
		cancel()
		logger.Close()
		return nil, fmt.Errorf("subscribe status responder: %w", err)
	}
	sess.statusSub = statusSub

	watchdog := autorun.NewWatchdog(id, controller.Liveness(), sink, runner.Cancel, logger, autorun.DefaultWatchdogConfig())
	go watchdog.Run(ctx)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	logger.Info(logging.CategorySession, "session_created", workdir, map[string]any{"session_id": id})
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List returns all live sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Close tears down one session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown session %s", id)
	}
	return sess.Close()
}

// CloseAll tears down every session, for server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// busSink publishes controller events to the session's bus subject and runs
// dispatched commands. Dispatch intents are intercepted here rather than in a
// bus round-trip so a lost message cannot strand the loop; the event is still
// published for observers.
func (m *Manager) busSink(ctx context.Context, sessionID string, logger *logging.Logger) autorun.EventSink {
	return autorun.EventSinkFunc(func(ev autorun.Event) {
		countEvent(ev)
		data, err := json.Marshal(ev)
		if err == nil {
			publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if pubErr := m.busConn.Publish(publishCtx, EventSubject(sessionID), data); pubErr != nil {
				logger.Warn(logging.CategorySession, "event_publish_failed", string(ev.Type), map[string]any{"error": pubErr.Error()})
			}
			cancel()
		}

		if ev.Type == autorun.EventCommandDispatchRequest {
			go m.runCommand(ctx, sessionID, ev.CommandID, ev.Command)
		}
	})
}

// runCommand executes one dispatched command and feeds the result back into
// the controller. Runs on its own goroutine per intent.
func (m *Manager) runCommand(ctx context.Context, sessionID, commandID, command string) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return
	}

	m.publishEvent(sessionID, autorun.Event{
		Type:      autorun.EventCommandStarted,
		SessionID: sessionID,
		CommandID: commandID,
		Command:   command,
		Timestamp: time.Now(),
	})

	result, err := sess.Runner.Execute(ctx, commandID, command, sess.Workdir, m.commandTimeout)
	if err != nil {
		// The command never started; report it as a failure to the loop.
		result = executor.Result{Output: err.Error(), ExitCode: 127}
	}

	if finishErr := sess.Controller.OnCommandFinished(ctx, commandID, result.Output, result.ExitCode); finishErr != nil {
		sess.logger.Warn(logging.CategorySession, "command_completion_failed", command, map[string]any{"error": finishErr.Error()})
	}
}

func (m *Manager) publishEvent(sessionID string, ev autorun.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.busConn.Publish(ctx, EventSubject(sessionID), data)
}
