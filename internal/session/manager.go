// Package session maps user ids to live sessions: a transcript, a bound
// sandbox target, and the serialization that keeps one turn at a time
// running per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetherlabs/tether/internal/exporter"
	"github.com/tetherlabs/tether/internal/sandbox"
	"github.com/tetherlabs/tether/internal/transcript"
	"github.com/tetherlabs/tether/pkg/models"
)

// DefaultSystemPromptPath is where each sandbox keeps its per-user system
// instructions.
const DefaultSystemPromptPath = "/data/system_prompt.txt"

// ErrTargetUnavailable indicates session creation failed because no
// sandbox target could be bound for the user.
var ErrTargetUnavailable = errors.New("session: sandbox target unavailable")

// TargetResolver maps a session id to its sandbox target, verifying the
// target is usable. Resolution runs once at session creation.
type TargetResolver func(ctx context.Context, sessionID string) (string, error)

// Pinger is implemented by runners that can check target liveness.
type Pinger interface {
	Ping(ctx context.Context, target string) error
}

// NamedTargets resolves session ids to <prefix><id>, pinging the target
// when the runner supports it.
func NamedTargets(prefix string, runner sandbox.Runner) TargetResolver {
	return func(ctx context.Context, sessionID string) (string, error) {
		target := prefix + sessionID
		if p, ok := runner.(Pinger); ok {
			if err := p.Ping(ctx, target); err != nil {
				return "", fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
			}
		}
		return target, nil
	}
}

// Session binds one user's transcript to a sandbox target. All turn and
// edit operations on a session run under its lock.
type Session struct {
	ID     string
	Target string

	store        *transcript.Store
	mu           sync.Mutex
	systemLoaded bool
}

// Acquire locks the session for one turn or administrative operation and
// returns the release function.
func (s *Session) Acquire() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

// Transcript returns the session's transcript store. Callers mutate it
// only while holding the session lock.
func (s *Session) Transcript() *transcript.Store {
	return s.store
}

// Manager owns the session registry.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	runner     sandbox.Runner
	resolver   TargetResolver
	export     exporter.Sink
	logger     *slog.Logger
	systemPath string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSystemPromptPath overrides the in-sandbox system prompt location.
func WithSystemPromptPath(path string) ManagerOption {
	return func(m *Manager) {
		if path != "" {
			m.systemPath = path
		}
	}
}

// NewManager creates a session manager. The export sink may be nil when
// resets should discard history without archiving it.
func NewManager(runner sandbox.Runner, resolver TargetResolver, export exporter.Sink, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		sessions:   map[string]*Session{},
		runner:     runner,
		resolver:   resolver,
		export:     export,
		logger:     logger,
		systemPath: DefaultSystemPromptPath,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the live session for id, creating and binding it to
// a sandbox target on first sight. Creation fails with
// ErrTargetUnavailable when no target can be bound; no session is
// registered in that case.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	// Resolve outside the registry lock; target checks can be slow.
	target, err := m.resolver(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTargetUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	s := &Session{
		ID:     id,
		Target: target,
		store:  transcript.New(),
	}
	m.sessions[id] = s
	m.logger.Info("session created", "session", id, "target", target)
	return s, nil
}

// Prepare readies a session for a turn: it loads the system instructions
// from the sandbox on first use and closes any tool requests left dangling
// by an interrupted turn. Callers hold the session lock.
func (m *Manager) Prepare(ctx context.Context, s *Session) {
	if !s.systemLoaded {
		m.loadSystem(ctx, s)
	}
	if n := s.store.RepairDangling(); n > 0 {
		m.logger.Warn("repaired dangling tool requests", "session", s.ID, "count", n)
	}
}

// loadSystem reads the per-user system instructions stored inside the
// sandbox. A missing file leaves the session without system instructions
// and is cached; a transient sandbox failure is not, so the next turn
// retries the read. The cache flag is cleared on reset.
func (m *Manager) loadSystem(ctx context.Context, s *Session) {
	out, err := m.runner.Exec(ctx, s.Target, fmt.Sprintf("cat %s 2>/dev/null", m.systemPath))
	if err != nil {
		var exitErr *sandbox.ExitError
		if !errors.As(err, &exitErr) {
			m.logger.Warn("system prompt unavailable", "session", s.ID, "error", err)
			return
		}
		// The command ran and the file is absent; nothing to retry.
		s.systemLoaded = true
		return
	}
	s.systemLoaded = true
	if out == "(no output)" {
		return
	}
	s.store.SetSystem(strings.TrimSpace(out))
}

// Export snapshots the session's history in the archival format. The
// system entry is excluded.
func (m *Manager) Export(s *Session) models.SessionExport {
	return models.SessionExport{
		SessionID: s.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Messages:  s.store.Entries(),
	}
}

// Reset archives the session's history to the export sink, clears the
// transcript, and invalidates the cached system instructions so the next
// turn rereads them from the sandbox. Export failures are logged, not
// returned; a reset always succeeds locally. Callers hold the session
// lock.
func (m *Manager) Reset(ctx context.Context, s *Session) {
	if m.export != nil && s.store.Len() > 0 {
		export := m.Export(s)
		if err := m.export.Save(ctx, s.Target, export); err != nil {
			m.logger.Warn("session export failed", "session", s.ID, "error", err)
		}
	}
	s.store.Clear()
	s.store.SetSystem("")
	s.systemLoaded = false
	m.logger.Info("session reset", "session", s.ID)
}

// Get returns the live session for id without creating one.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove drops the session from the registry. Removing an unknown id is a
// no-op. The sandbox target is left untouched; its lifecycle is managed
// outside the orchestrator.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.logger.Info("session removed", "session", id)
	}
}

// Ids returns the ids of all live sessions.
func (m *Manager) Ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}
