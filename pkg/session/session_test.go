package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/skiffworks/skiff/pkg/autorun"
	"github.com/skiffworks/skiff/pkg/bus"
)

type scriptedModel struct {
	mu        sync.Mutex
	responses []string
}

func (m *scriptedModel) Chat(ctx context.Context, systemPrompt string, contextMessages []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return "[WAIT]", nil
	}
	response := m.responses[0]
	m.responses = m.responses[1:]
	return response, nil
}

func newTestManager(t *testing.T, model autorun.ModelClient) (*Manager, bus.MessageBus) {
	t.Helper()
	memBus := bus.NewMemoryBus()
	m := NewManager(memBus, model,
		WithLogDir(t.TempDir()),
		WithCommandTimeout(10*time.Second),
	)
	t.Cleanup(func() {
		m.CloseAll()
		memBus.Close()
	})
	return m, memBus
}

func TestCreateGetClose(t *testing.T) {
	m, _ := newTestManager(t, &scriptedModel{})

	sess, err := m.Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" || sess.Controller == nil || sess.Runner == nil {
		t.Fatalf("session = %+v", sess)
	}

	got, ok := m.Get(sess.ID)
	if !ok || got.ID != sess.ID {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if len(m.List()) != 1 {
		t.Errorf("List = %d sessions", len(m.List()))
	}

	if err := m.Close(sess.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := m.Get(sess.ID); ok {
		t.Error("session still present after Close")
	}
	if err := m.Close(sess.ID); err == nil {
		t.Error("closing an unknown session must fail")
	}
}

func TestCreateRejectsMissingWorkdir(t *testing.T) {
	m, _ := newTestManager(t, &scriptedModel{})
	if _, err := m.Create("/nonexistent/path/for/skiff"); err == nil {
		t.Fatal("expected error for missing workdir")
	}
}

func subscribeEvents(t *testing.T, memBus bus.MessageBus, sessionID string) <-chan autorun.Event {
	t.Helper()
	events := make(chan autorun.Event, 64)
	sub, err := memBus.Subscribe(context.Background(), EventSubject(sessionID), func(msg *bus.Message) []byte {
		var ev autorun.Event
		if json.Unmarshal(msg.Data, &ev) == nil {
			select {
			case events <- ev:
			default:
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return events
}

func waitForEvent(t *testing.T, events <-chan autorun.Event, typ autorun.EventType) autorun.Event {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func TestDispatchedCommandRunsAndPublishes(t *testing.T) {
	model := &scriptedModel{responses: []string{
		"```\necho session-test\n```",
		"Task complete.",
	}}
	m, memBus := newTestManager(t, model)

	sess, err := m.Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	events := subscribeEvents(t, memBus, sess.ID)

	sess.Controller.Enable()
	if err := sess.Controller.UserMessage(context.Background(), "say hello"); err != nil {
		t.Fatalf("UserMessage: %v", err)
	}

	dispatch := waitForEvent(t, events, autorun.EventCommandDispatchRequest)
	if dispatch.Command != "echo session-test" {
		t.Errorf("command = %q", dispatch.Command)
	}
	started := waitForEvent(t, events, autorun.EventCommandStarted)
	if started.CommandID != dispatch.CommandID {
		t.Errorf("started id = %q, dispatch id = %q", started.CommandID, dispatch.CommandID)
	}

	finished := waitForEvent(t, events, autorun.EventCommandFinished)
	if finished.ExitCode != 0 {
		t.Errorf("exit code = %d", finished.ExitCode)
	}

	// The completion drives the next model call, which ends the task.
	deadline := time.Now().Add(15 * time.Second)
	for sess.Controller.State() != autorun.StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want idle", sess.Controller.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventSubject(t *testing.T) {
	if got := EventSubject("abc"); got != "skiff.session.abc.events" {
		t.Errorf("EventSubject = %q", got)
	}
}

func TestStatusQueryOverBus(t *testing.T) {
	m, memBus := newTestManager(t, &scriptedModel{})

	sess, err := m.Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data, err := memBus.Request(context.Background(), StatusSubject(sess.ID), nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.SessionID != sess.ID {
		t.Errorf("session id = %q, want %q", st.SessionID, sess.ID)
	}
	if st.State != string(sess.Controller.State()) {
		t.Errorf("state = %q, want %q", st.State, sess.Controller.State())
	}
	if st.AutoRunEnabled {
		t.Error("auto-run must start disabled")
	}
	if st.Workdir != sess.Workdir {
		t.Errorf("workdir = %q, want %q", st.Workdir, sess.Workdir)
	}

	// A closed session stops responding.
	if err := m.Close(sess.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := memBus.Request(context.Background(), StatusSubject(sess.ID), nil, 100*time.Millisecond); err == nil {
		t.Error("closed session must not answer status queries")
	}
}
