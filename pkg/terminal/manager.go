// Package terminal runs shell sessions and streams their output as bus
// events. Each session publishes on its own topic (bus.TerminalTopic) and
// fans into the "all_terminals" sentinel, so dashboards can follow one
// session or all of them.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/bus"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/events"
	"github.com/mysteryisfun/Agentic-devops-pipeline/pkg/spawn"
)

// terminateGrace is how long a SIGTERM'd process gets before a hard kill.
const terminateGrace = 5 * time.Second

// ErrSessionExists is returned by Start when the session id is already live.
var ErrSessionExists = errors.New("terminal: session already running")

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("terminal: session not found")

// Status is a point-in-time snapshot of one session.
type Status struct {
	SessionID   string  `json:"session_id"`
	Command     string  `json:"command"`
	Running     bool    `json:"running"`
	StartedAt   string  `json:"started_at"`
	ExitCode    *int    `json:"exit_code"`
	Duration    float64 `json:"duration_seconds"`
	Subscribers int     `json:"subscribers"`
}

type session struct {
	id      string
	command string
	cwd     string
	proc    *spawn.Process

	mu          sync.Mutex
	running     bool
	exitCode    *int
	startedAt   time.Time
	terminating bool
}

// Manager owns the terminal session registry. Sessions auto-terminate when
// the last subscriber of their topic disconnects (wired through the bus
// topic-empty hook in NewManager).
type Manager struct {
	bus    *bus.Bus
	pub    *events.Publisher
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewManager creates the session registry and installs the auto-terminate
// hook on the bus.
func NewManager(b *bus.Bus, pub *events.Publisher) *Manager {
	m := &Manager{
		bus:      b,
		pub:      pub,
		logger:   slog.Default().With("component", "terminal-manager"),
		sessions: make(map[string]*session),
	}
	b.TopicEmptyHook = m.onTopicEmpty
	return m
}

// Start launches a shell command as a new session. Events published, in
// order: terminal_start, terminal_output per line, terminal_end on exit.
// A spawn failure returns an error and publishes nothing.
func (m *Manager) Start(sessionID, command, cwd string) error {
	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		existing.mu.Lock()
		running := existing.running
		existing.mu.Unlock()
		if running {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
		}
	}
	sess := &session{id: sessionID, command: command, cwd: cwd}
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	topic := events.TerminalTopic(sessionID)

	// The output pumps start with the process, before terminal_start is
	// published. Hold every line behind the gate so terminal_start is always
	// the first event on the topic.
	started := make(chan struct{})
	proc, err := spawn.Start(context.Background(), spawn.Command{Shell: command, Dir: cwd}, func(stream spawn.Stream, line string) {
		<-started
		m.pub.Publish(topic, bus.Event{
			"type":   events.EventTypeTerminalOutput,
			"stream": string(stream),
			"output": line,
		})
	})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		close(started)
		return fmt.Errorf("terminal: starting session %s: %w", sessionID, err)
	}

	sess.mu.Lock()
	sess.proc = proc
	sess.running = true
	sess.startedAt = proc.StartedAt()
	sess.mu.Unlock()

	m.logger.Info("Terminal session started", "session_id", sessionID, "command", command)
	m.pub.Publish(topic, bus.Event{
		"type":    events.EventTypeTerminalStart,
		"command": command,
		"cwd":     cwd,
	})
	close(started)

	go m.monitor(sess, topic)
	return nil
}

// monitor waits for the process and publishes terminal_end exactly once.
func (m *Manager) monitor(sess *session, topic string) {
	res := sess.proc.Wait()

	sess.mu.Lock()
	sess.running = false
	code := res.ExitCode
	sess.exitCode = &code
	sess.mu.Unlock()

	m.logger.Info("Terminal session ended",
		"session_id", sess.id,
		"exit_code", res.ExitCode,
		"duration_seconds", res.Duration.Seconds())
	m.pub.Publish(topic, bus.Event{
		"type":      events.EventTypeTerminalEnd,
		"exit_code": res.ExitCode,
		"duration":  res.Duration.Seconds(),
	})
}

// Terminate asks a running session to stop. terminal_terminating is published
// immediately; terminal_end follows once the process actually exits. After a
// grace period the process is killed outright.
func (m *Manager) Terminate(sessionID string) error {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	sess.mu.Lock()
	if !sess.running || sess.terminating {
		sess.mu.Unlock()
		return nil
	}
	sess.terminating = true
	proc := sess.proc
	sess.mu.Unlock()

	m.pub.Publish(events.TerminalTopic(sessionID), bus.Event{
		"type": events.EventTypeTerminalTerminating,
	})

	if err := proc.Terminate(); err != nil {
		return fmt.Errorf("terminal: terminating session %s: %w", sessionID, err)
	}

	go func() {
		time.Sleep(terminateGrace)
		sess.mu.Lock()
		stillRunning := sess.running
		sess.mu.Unlock()
		if stillRunning {
			m.logger.Warn("Session ignored SIGTERM, killing", "session_id", sessionID)
			_ = proc.Kill()
		}
	}()
	return nil
}

// Status reports one session's state.
func (m *Manager) Status(sessionID string) (Status, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.snapshot(sess), nil
}

// List reports every known session, running or finished.
func (m *Manager) List() []Status {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, m.snapshot(sess))
	}
	return out
}

func (m *Manager) snapshot(sess *session) Status {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	st := Status{
		SessionID:   sess.id,
		Command:     sess.command,
		Running:     sess.running,
		ExitCode:    sess.exitCode,
		Subscribers: m.bus.SubscriberCount(events.TerminalTopic(sess.id)),
	}
	if !sess.startedAt.IsZero() {
		st.StartedAt = sess.startedAt.UTC().Format(time.RFC3339Nano)
		st.Duration = time.Since(sess.startedAt).Seconds()
	}
	return st
}

// TerminateAll asks every running session to stop. Used during server
// shutdown; does not wait for the processes to exit.
func (m *Manager) TerminateAll() {
	for _, st := range m.List() {
		if st.Running {
			_ = m.Terminate(st.SessionID)
		}
	}
}

// onTopicEmpty terminates a session whose last subscriber went away.
func (m *Manager) onTopicEmpty(topic string) {
	sessionID, ok := sessionFromTopic(topic)
	if !ok {
		return
	}
	m.mu.RLock()
	sess, known := m.sessions[sessionID]
	m.mu.RUnlock()
	if !known {
		return
	}
	sess.mu.Lock()
	running := sess.running
	sess.mu.Unlock()
	if !running {
		return
	}
	m.logger.Info("Last subscriber disconnected, terminating session", "session_id", sessionID)
	_ = m.Terminate(sessionID)
}

func sessionFromTopic(topic string) (string, bool) {
	const prefix = bus.TerminalTopicPrefix
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", false
	}
	return topic[len(prefix):], true
}
