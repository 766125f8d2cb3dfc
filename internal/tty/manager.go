// Package tty manages interactive terminal sessions. A session runs either
// on a local PTY or inside a container shell; output is fanned out to the
// event bus as tty.output.
package tty

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events/bus"
	"github.com/aether-os/aether/internal/sandbox"
	"github.com/aether-os/aether/pkg/kernel"
)

const outputBufSize = 4096

// Session is one live terminal bound to a process.
type Session struct {
	ID        string    `json:"id"`
	PID       uint64    `json:"pid"`
	Kind      string    `json:"kind"` // pty or container
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	CreatedAt time.Time `json:"createdAt"`

	shell sandbox.ShellSession
}

// Manager owns all terminal sessions. It is the only writer to session state.
type Manager struct {
	ptyBackend       sandbox.PTYBackend
	containerBackend sandbox.ContainerBackend
	eventBus         bus.EventBus
	logger           *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates the TTY manager. containerBackend may be nil when Docker
// is disabled.
func NewManager(ptyBackend sandbox.PTYBackend, containerBackend sandbox.ContainerBackend, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		ptyBackend:       ptyBackend,
		containerBackend: containerBackend,
		eventBus:         eventBus,
		logger:           log.WithFields(zap.String("component", "tty-manager")),
		sessions:         make(map[string]*Session),
	}
}

// Open creates a terminal for pid. When a container backend is attached and
// yields a running shell, the session is containerized; otherwise it falls
// back to a local PTY.
func (m *Manager) Open(ctx context.Context, pid uint64, cwd string, cols, rows uint16, sandboxCfg sandbox.Config) (*Session, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	var shell sandbox.ShellSession
	kind := "pty"
	if m.containerBackend != nil && sandboxCfg.Kind == sandbox.KindContainer {
		s, err := m.containerBackend.SpawnShell(ctx, pid, sandboxCfg)
		if err != nil {
			m.logger.WithError(err).Warn("container shell failed, falling back to pty",
				zap.Uint64("pid", pid))
		} else if s != nil {
			shell = s
			kind = "container"
		}
	}
	if shell == nil {
		s, err := m.ptyBackend.SpawnShell(ctx, cwd, nil, cols, rows)
		if err != nil {
			return nil, err
		}
		shell = s
	}

	session := &Session{
		ID:        uuid.New().String(),
		PID:       pid,
		Kind:      kind,
		Cols:      cols,
		Rows:      rows,
		CreatedAt: time.Now().UTC(),
		shell:     shell,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	go m.pumpOutput(session)

	bus.Emit(ctx, m.eventBus, "tty-manager", kernel.EvtTTYOpened, map[string]any{
		"ttyId": session.ID,
		"pid":   pid,
		"kind":  kind,
	})
	m.logger.Info("tty opened",
		zap.String("tty_id", session.ID),
		zap.Uint64("pid", pid),
		zap.String("kind", kind))
	return session, nil
}

// pumpOutput is the dedicated reader worker for one session. Bytes reach the
// bus in read order; the loop ends when the shell closes.
func (m *Manager) pumpOutput(session *Session) {
	buf := make([]byte, outputBufSize)
	for {
		n, err := session.shell.Read(buf)
		if n > 0 {
			bus.Emit(context.Background(), m.eventBus, "tty-manager", kernel.EvtTTYOutput, map[string]any{
				"ttyId": session.ID,
				"pid":   session.PID,
				"data":  string(buf[:n]),
			})
		}
		if err != nil {
			m.closeSession(session, false)
			return
		}
	}
}

// Write forwards input bytes to a session. Returns false for unknown ids.
func (m *Manager) Write(ttyID string, data []byte) bool {
	m.mu.Lock()
	session, ok := m.sessions[ttyID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if _, err := session.shell.Write(data); err != nil {
		m.logger.WithError(err).Warn("tty write failed", zap.String("tty_id", ttyID))
		return false
	}
	return true
}

// Resize changes a session's window size. Container sessions succeed
// best-effort. Returns false for unknown ids.
func (m *Manager) Resize(ttyID string, cols, rows uint16) bool {
	m.mu.Lock()
	session, ok := m.sessions[ttyID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := session.shell.Resize(cols, rows); err != nil && session.Kind == "pty" {
		m.logger.WithError(err).Warn("tty resize failed", zap.String("tty_id", ttyID))
		return false
	}
	session.Cols, session.Rows = cols, rows
	return true
}

// Close terminates a session's shell and removes the entry.
func (m *Manager) Close(ttyID string) bool {
	m.mu.Lock()
	session, ok := m.sessions[ttyID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.closeSession(session, true)
	return true
}

func (m *Manager) closeSession(session *Session, kill bool) {
	m.mu.Lock()
	if _, live := m.sessions[session.ID]; !live {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, session.ID)
	m.mu.Unlock()

	if kill {
		_ = session.shell.Kill()
	}
	_ = session.shell.Close()

	bus.Emit(context.Background(), m.eventBus, "tty-manager", kernel.EvtTTYClosed, map[string]any{
		"ttyId": session.ID,
		"pid":   session.PID,
	})
	m.logger.Info("tty closed", zap.String("tty_id", session.ID), zap.Uint64("pid", session.PID))
}

// Get returns a session by id.
func (m *Manager) Get(ttyID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[ttyID]
	return s, ok
}

// GetByPID returns all sessions bound to a pid.
func (m *Manager) GetByPID(pid uint64) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.PID == pid {
			out = append(out, s)
		}
	}
	return out
}

// List returns every live session.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown closes all sessions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.closeSession(s, true)
	}
}
