package process

import (
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
	apperrors "github.com/guseggert/procbridge/internal/errors"
)

// Size is a terminal size in character cells.
type Size struct {
	Rows uint16
	Cols uint16
}

// DefaultSize is the size a terminal gets when none is requested.
var DefaultSize = Size{Rows: 24, Cols: 80}

// PTY is a child process attached to a pseudo-terminal.
// Reads and writes go through the master side.
type PTY struct {
	*waiter

	ptmx      *os.File
	closeOnce sync.Once
}

// StartPTY allocates a pseudo-terminal of the given size and starts spec on its slave side.
func StartPTY(spec Spec, size Size) (*PTY, error) {
	if size.Rows == 0 || size.Cols == 0 {
		size = DefaultSize
	}
	cmd := spec.command()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, apperrors.SpawnFailed(spec.Command, err)
	}
	return &PTY{waiter: newWaiter(cmd), ptmx: ptmx}, nil
}

func (p *PTY) Read(b []byte) (int, error) { return p.ptmx.Read(b) }

func (p *PTY) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

// Resize changes the terminal dimensions, which delivers SIGWINCH to the foreground process group.
func (p *PTY) Resize(size Size) error {
	if size.Rows == 0 || size.Cols == 0 {
		return fmt.Errorf("invalid terminal size %dx%d", size.Cols, size.Rows)
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}

// Close kills the process and closes the master side. Safe to call more than once.
func (p *PTY) Close() error {
	err := p.Kill()
	p.closeOnce.Do(func() {
		p.ptmx.Close()
	})
	return err
}
