package shell

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quarksoft/workspaced/internal/logging"
	"github.com/quarksoft/workspaced/pkg/types"
)

// Manager multiplexes numbered sessions. All map access happens under one
// mutex; command execution itself runs outside it.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[int]*Session
}

// NewManager creates an empty session manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts.withDefaults(),
		sessions: make(map[int]*Session),
	}
}

// Handle dispatches a bash request: listing, status checks, restarts, and
// command execution. The returned error is reserved for request-level
// failures (no usable parameters).
func (m *Manager) Handle(req types.BashRequest) (types.Result, error) {
	if req.ListSessions {
		return m.List(), nil
	}
	if req.CheckSession != nil {
		return m.Status(*req.CheckSession), nil
	}
	if req.Restart {
		id := 1
		if req.Session != nil {
			id = *req.Session
		}
		return m.Restart(id), nil
	}
	return m.Execute(req.Command, req.Session, req.Timeout)
}

// List describes every session: status, last command, working directory.
func (m *Manager) List() types.Result {
	m.mu.Lock()
	ids := make([]int, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	snapshot := make(map[int]*Session, len(m.sessions))
	for id, s := range m.sessions {
		snapshot[id] = s
	}
	m.mu.Unlock()

	if len(ids) == 0 {
		return types.Result{System: "No active sessions."}
	}
	sort.Ints(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		s := snapshot[id]
		status := "idle"
		if !s.Poll() {
			status = "running command"
		}
		lastCmd := s.LastCommand()
		if lastCmd == "" {
			lastCmd = "None"
		}
		lines = append(lines, fmt.Sprintf("Session %d: %s, Last command: '%s', Directory: %s",
			id, status, lastCmd, s.WorkDir()))
	}
	return types.Result{Output: strings.Join(lines, "\n")}
}

// Status reports on the command running in a session. The busy flag is read
// without a completion probe so a finished command is reported once, with
// its output, instead of collapsing into the idle message.
func (m *Manager) Status(id int) types.Result {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()

	if !ok {
		return types.Result{Error: fmt.Sprintf("Session %d not found.", id)}
	}
	if !s.Busy() {
		return types.Result{
			System: fmt.Sprintf("No command running in session %d. Last command: '%s'", id, s.LastCommand()),
		}
	}
	return s.Snapshot()
}

// Restart stops a session (if present) and replaces it with a fresh shell
// under the same id.
func (m *Manager) Restart(id int) types.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[id]; ok {
		old.Stop()
	}
	fresh := NewSession(id, m.opts)
	if err := fresh.Start(); err != nil {
		delete(m.sessions, id)
		return types.Result{Error: fmt.Sprintf("Failed to restart session %d: %v", id, err)}
	}
	m.sessions[id] = fresh
	logging.Info("session restarted", logging.Int("session", id))
	return types.Result{System: fmt.Sprintf("Session %d has been restarted.", id)}
}

// Execute runs a command in a session, allocating the smallest idle id when
// none is given and creating sessions on demand. Timeout is in seconds.
func (m *Manager) Execute(command *string, session *int, timeoutSec *float64) (types.Result, error) {
	createdMsg := ""

	m.mu.Lock()
	if session == nil && command != nil {
		for id := 1; ; id++ {
			existing, ok := m.sessions[id]
			if !ok || !existing.Busy() {
				session = &id
				break
			}
		}
	}
	id := 1
	if session != nil {
		id = *session
	}
	current, ok := m.sessions[id]
	if !ok {
		current = NewSession(id, m.opts)
		if err := current.Start(); err != nil {
			m.mu.Unlock()
			return types.Result{Error: fmt.Sprintf("Failed to create session %d: %v", id, err)}, nil
		}
		m.sessions[id] = current
		createdMsg = fmt.Sprintf("Created new session with ID: %d", id)
		logging.Info("session created", logging.Int("session", id))
	}
	m.mu.Unlock()

	current.Poll()

	if command == nil {
		if createdMsg != "" {
			return types.Result{System: createdMsg}, nil
		}
		return types.Result{}, types.NewToolError("no command provided.")
	}

	if current.Busy() {
		return types.Result{
			System: fmt.Sprintf("Session %d is busy running '%s'. Please use another session number.", id, current.LastCommand()),
		}, nil
	}

	if len(*command) > MaxCommandLength {
		return types.Result{
			Error: fmt.Sprintf("Error executing command: Command too long (%d bytes). Maximum allowed: %d bytes", len(*command), MaxCommandLength),
		}, nil
	}

	timeout := m.opts.DefaultTimeout
	if timeoutSec != nil {
		timeout = time.Duration(*timeoutSec * float64(time.Second))
	}

	result, completed := current.Run(*command, timeout)

	if needsRestart(result) {
		m.mu.Lock()
		current.Stop()
		fresh := NewSession(id, m.opts)
		if err := fresh.Start(); err != nil {
			delete(m.sessions, id)
			m.mu.Unlock()
			return types.Result{Error: fmt.Sprintf("Failed to automatically restart session %d: %v", id, err)}, nil
		}
		m.sessions[id] = fresh
		m.mu.Unlock()
		logging.Warn("session automatically restarted", logging.Int("session", id))

		result, _ = fresh.Run(*command, timeout)
		system := fmt.Sprintf("Session %d was automatically restarted and the command was re-run.", id)
		if result.System != "" {
			system = system + " " + result.System
		}
		result.System = system
		return result, nil
	}

	if createdMsg != "" && completed {
		if result.System != "" {
			result.System = createdMsg + ". " + result.System
		} else {
			result.System = createdMsg
		}
	}
	return result, nil
}

// OpenStreamSession creates and starts a dedicated session one past the
// highest existing id, for callers that stream output.
func (m *Manager) OpenStreamSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := 1
	for existing := range m.sessions {
		if existing >= id {
			id = existing + 1
		}
	}
	s := NewSession(id, m.opts)
	if err := s.Start(); err != nil {
		return nil, err
	}
	m.sessions[id] = s
	logging.Info("stream session created", logging.Int("session", id))
	return s, nil
}

// CloseSession stops and removes a session.
func (m *Manager) CloseSession(id int) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Stop()
	}
}

// StopAll terminates every session, for shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[int]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}

// needsRestart matches the advisory text of results that historically meant
// the shell process was gone or its stream broke mid-read.
func needsRestart(r types.Result) bool {
	if strings.Contains(r.System, "must be restarted") {
		return true
	}
	if strings.Contains(r.System, "Stream reading error") || strings.Contains(r.Error, "Stream reading error") {
		return true
	}
	return strings.Contains(r.System, "stream reading issue")
}
