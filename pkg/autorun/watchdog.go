package autorun

import (
	"context"
	"sync"
	"time"

	"github.com/skiffworks/skiff/pkg/logging"
)

// Liveness tracks the activity timestamps the watchdog observes. It is
// deliberately the only coupling between the watchdog and the controller:
// the watchdog must keep working even if the controller logic is wedged.
type Liveness struct {
	mu             sync.Mutex
	lastActivity   time.Time
	commandStart   time.Time
	commandID      string
	commandRunning bool
	thinkingStart  time.Time
	thinking       bool
}

// NewLiveness creates a liveness tracker with activity marked now.
func NewLiveness() *Liveness {
	return &Liveness{lastActivity: time.Now()}
}

// Touch records inbound activity: new output, a user message, a state change.
func (l *Liveness) Touch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastActivity = time.Now()
}

// CommandStarted marks a command as running.
func (l *Liveness) CommandStarted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastActivity = now
	l.commandStart = now
	l.commandRunning = true
}

// SetCommandID records the id of the running command for cancel intents.
func (l *Liveness) SetCommandID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commandID = id
}

// CommandFinished clears the running command.
func (l *Liveness) CommandFinished() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastActivity = time.Now()
	l.commandRunning = false
	l.commandID = ""
}

// ThinkingStarted marks an LLM call in flight.
func (l *Liveness) ThinkingStarted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastActivity = now
	l.thinkingStart = now
	l.thinking = true
}

// ThinkingStopped clears the in-flight LLM call.
func (l *Liveness) ThinkingStopped() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastActivity = time.Now()
	l.thinking = false
}

type livenessSnapshot struct {
	lastActivity   time.Time
	commandStart   time.Time
	commandID      string
	commandRunning bool
	thinkingStart  time.Time
	thinking       bool
}

func (l *Liveness) snapshot() livenessSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return livenessSnapshot{
		lastActivity:   l.lastActivity,
		commandStart:   l.commandStart,
		commandID:      l.commandID,
		commandRunning: l.commandRunning,
		thinkingStart:  l.thinkingStart,
		thinking:       l.thinking,
	}
}

// WatchdogConfig holds the watchdog thresholds.
type WatchdogConfig struct {
	// Poll is the evaluation interval.
	Poll time.Duration
	// CommandStallAfter marks a running command stalled when both its runtime
	// and the activity gap exceed this.
	CommandStallAfter time.Duration
	// CommandCancelAfter is the total runtime past which a stalled command is
	// auto-cancelled.
	CommandCancelAfter time.Duration
	// ThinkingStallAfter marks an in-flight LLM call stalled. Reported only;
	// there is no abort primitive for the model call.
	ThinkingStallAfter time.Duration
}

// DefaultWatchdogConfig returns the standard thresholds.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Poll:               time.Second,
		CommandStallAfter:  30 * time.Second,
		CommandCancelAfter: 35 * time.Second,
		ThinkingStallAfter: 45 * time.Second,
	}
}

// CancelFunc terminates the identified running command. The watchdog's
// auto-intervention and an explicit user cancel resolve to the same signal.
type CancelFunc func(commandID string)

// Watchdog is the per-session liveness monitor. It polls on a fixed timer,
// independent from the controller's event-driven suspension points, so it can
// detect exactly the cases where the event-driven path never fires.
type Watchdog struct {
	sessionID string
	liveness  *Liveness
	sink      EventSink
	cancel    CancelFunc
	logger    *logging.Logger
	cfg       WatchdogConfig

	// Reported flags reset whenever new activity is observed.
	commandSuspected  bool
	commandIntervened bool
	thinkingSuspected bool
	seenActivity      time.Time
}

// NewWatchdog creates a watchdog over the given liveness tracker.
func NewWatchdog(sessionID string, liveness *Liveness, sink EventSink, cancel CancelFunc, logger *logging.Logger, cfg WatchdogConfig) *Watchdog {
	if cfg.Poll <= 0 {
		cfg = DefaultWatchdogConfig()
	}
	if sink == nil {
		sink = NopSink
	}
	return &Watchdog{
		sessionID: sessionID,
		liveness:  liveness,
		sink:      sink,
		cancel:    cancel,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run polls until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.evaluate(time.Now())
		}
	}
}

// evaluate applies the stall rules at a single point in time. Split out from
// Run so tests can drive it with synthetic clocks.
func (w *Watchdog) evaluate(now time.Time) {
	snap := w.liveness.snapshot()

	// Any new activity resets the watchdog to healthy.
	if snap.lastActivity.After(w.seenActivity) {
		w.seenActivity = snap.lastActivity
		w.commandSuspected = false
		w.commandIntervened = false
		w.thinkingSuspected = false
	}

	if snap.commandRunning {
		runtime := now.Sub(snap.commandStart)
		idle := now.Sub(snap.lastActivity)

		if !w.commandSuspected && runtime > w.cfg.CommandStallAfter && idle > w.cfg.CommandStallAfter {
			w.commandSuspected = true
			w.emit(EventStallSuspected, "command produced no output for "+idle.Round(time.Second).String())
			w.logWarn("command_stall", snap.commandID, map[string]any{
				"runtime": runtime.String(),
				"idle":    idle.String(),
			})
		}

		if w.commandSuspected && !w.commandIntervened && runtime > w.cfg.CommandCancelAfter {
			w.commandIntervened = true
			if w.cancel != nil {
				w.cancel(snap.commandID)
			}
			w.emit(EventInterventionPerformed, "stalled command cancelled by watchdog")
			w.logWarn("command_cancelled", snap.commandID, map[string]any{
				"runtime": runtime.String(),
			})
		}
	}

	if snap.thinking && !w.thinkingSuspected {
		if now.Sub(snap.thinkingStart) > w.cfg.ThinkingStallAfter {
			w.thinkingSuspected = true
			w.emit(EventStallSuspected, "model call has been in flight for "+now.Sub(snap.thinkingStart).Round(time.Second).String())
			w.logWarn("thinking_stall", "", map[string]any{
				"elapsed": now.Sub(snap.thinkingStart).String(),
			})
		}
	}
}

func (w *Watchdog) emit(typ EventType, message string) {
	ev := newEvent(w.sessionID, typ)
	ev.Message = message
	w.sink.Emit(ev)
}

func (w *Watchdog) logWarn(eventType, message string, details map[string]any) {
	_ = w.logger.Warn(logging.CategoryWatchdog, eventType, message, details)
}
