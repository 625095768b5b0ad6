package terminal

import (
	"sync"
	"time"

	apperrors "github.com/guseggert/procbridge/internal/errors"
	"github.com/guseggert/procbridge/internal/process"
	"go.uber.org/zap"
)

const readChunkSize = 4096

// session is one shell on one PTY. Its reader goroutine is the only reader of the
// PTY; writes are serialized by writeMu.
type session struct {
	id         string
	workingDir string
	startedAt  time.Time

	log *zap.SugaredLogger
	pty *process.PTY

	writeMu sync.Mutex

	exitOnce sync.Once
	done     chan struct{}
}

func startSession(log *zap.SugaredLogger, id string, spec process.Spec, size process.Size) (*session, error) {
	pty, err := process.StartPTY(spec, size)
	if err != nil {
		return nil, err
	}
	return &session{
		id:         id,
		workingDir: spec.Dir,
		startedAt:  time.Now(),
		log:        log,
		pty:        pty,
		done:       make(chan struct{}),
	}, nil
}

// readLoop forwards output until the PTY stops producing it, then emits the exit
// event and calls onExit.
func (s *session) readLoop(sink Sink, onExit func(*session)) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink.Publish(Event{Type: EventOutput, TerminalID: s.id, Data: chunk})
		}
		if err != nil {
			s.log.Debugf("terminal output ended: %s", err)
			break
		}
	}
	if err := s.pty.Close(); err != nil {
		s.log.Debugf("closing terminal: %s", err)
	}
	s.exitOnce.Do(func() {
		sink.Publish(Event{Type: EventExit, TerminalID: s.id})
		close(s.done)
	})
	onExit(s)
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.pty.Write(data); err != nil {
		return apperrors.IOFailed("writing to terminal", err)
	}
	return nil
}

func (s *session) resize(size process.Size) error {
	if err := s.pty.Resize(size); err != nil {
		return apperrors.IOFailed("resizing terminal", err)
	}
	return nil
}

// kill ends the shell; the reader then emits the exit event.
func (s *session) kill() error {
	return s.pty.Close()
}

func (s *session) info() Info {
	return Info{
		ID:         s.id,
		PID:        s.pty.Pid(),
		WorkingDir: s.workingDir,
		StartedAt:  s.startedAt,
	}
}
