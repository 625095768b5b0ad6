// Package terminal runs interactive shells on pseudo-terminals.
//
// Terminals are keyed by a caller-chosen id. Output and exit notifications are
// pushed to a Sink as they happen; input is written with Manager.Write.
package terminal

import (
	"sort"
	"sync"
	"time"

	apperrors "github.com/guseggert/procbridge/internal/errors"
	"github.com/guseggert/procbridge/internal/process"
	"go.uber.org/zap"
)

type EventType string

const (
	EventOutput EventType = "output"
	EventExit   EventType = "exit"
)

// Event is a chunk of terminal output, or the single notice that a terminal ended.
type Event struct {
	Type       EventType
	TerminalID string
	// Data is raw PTY output and may split multi-byte characters. Empty for exit events.
	Data []byte
}

// Sink receives terminal events. Publish is called from terminal reader goroutines
// and must not block for long.
type Sink interface {
	Publish(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Info describes a running terminal.
type Info struct {
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	WorkingDir string    `json:"workingDir,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
}

// StartOptions configure one terminal. Zero values fall back to the manager's defaults.
type StartOptions struct {
	WorkingDir string
	Size       process.Size
}

type Option func(m *Manager)

// WithShell overrides the platform's default shell.
func WithShell(shell string, args ...string) Option {
	return func(m *Manager) {
		m.shell = shell
		m.shellArgs = args
	}
}

// WithSize sets the size new terminals get when none is requested.
func WithSize(size process.Size) Option {
	return func(m *Manager) { m.size = size }
}

// Manager owns the running terminals. At most one terminal exists per id.
type Manager struct {
	log       *zap.SugaredLogger
	sink      Sink
	shell     string
	shellArgs []string
	size      process.Size

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewManager(log *zap.SugaredLogger, sink Sink, opts ...Option) *Manager {
	shell, args := process.DefaultShell()
	m := &Manager{
		log:       log,
		sink:      sink,
		shell:     shell,
		shellArgs: args,
		size:      process.DefaultSize,
		sessions:  map[string]*session{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches a shell under id. A terminal already running under id is killed
// and replaced; it still emits its own exit event.
func (m *Manager) Start(id string, opts StartOptions) error {
	size := opts.Size
	if size.Rows == 0 || size.Cols == 0 {
		size = m.size
	}
	spec := process.Spec{
		Command: m.shell,
		Args:    m.shellArgs,
		Dir:     opts.WorkingDir,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return apperrors.New(apperrors.CodeSpawnFailed, "terminal manager is shut down")
	}

	if old, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		if err := old.kill(); err != nil {
			m.log.Debugf("killing replaced terminal %s: %s", id, err)
		}
		m.log.Infow("replacing terminal", "ID", id, "PID", old.pty.Pid())
	}

	s, err := startSession(m.log.Named(id), id, spec, size)
	if err != nil {
		return err
	}
	m.sessions[id] = s
	go s.readLoop(m.sink, m.remove)

	m.log.Infow("terminal started", "ID", id, "PID", s.pty.Pid(), "Shell", m.shell, "WorkingDir", opts.WorkingDir)
	return nil
}

// remove drops s if it is still the terminal registered under its id.
func (m *Manager) remove(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
		m.log.Infow("terminal exited", "ID", s.id)
	}
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("terminal", id)
	}
	return s, nil
}

// Write sends input to the terminal's shell.
func (m *Manager) Write(id string, data []byte) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (m *Manager) Resize(id string, size process.Size) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.resize(size)
}

// Stop kills the terminal and forgets it. Kill failures are logged, not returned.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return apperrors.NotFound("terminal", id)
	}
	if err := s.kill(); err != nil {
		m.log.Debugf("killing terminal %s: %s", id, err)
	}
	m.log.Infow("terminal stopped", "ID", id)
	return nil
}

// Done returns a channel closed after the terminal's exit event has been published.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.done, nil
}

// List returns the running terminals ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info())
	}
	m.mu.Unlock()
	sort.Slice(infos, func(a, b int) bool { return infos[a].ID < infos[b].ID })
	return infos
}

// StopAll kills every terminal. Later calls to Start fail.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[string]*session{}
	m.closed = true
	m.mu.Unlock()
	for id, s := range sessions {
		if err := s.kill(); err != nil {
			m.log.Debugf("killing terminal %s: %s", id, err)
		}
	}
}
