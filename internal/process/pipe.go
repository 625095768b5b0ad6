package process

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	apperrors "github.com/guseggert/procbridge/internal/errors"
	"go.uber.org/zap"
)

// Pipe is a child process with piped stdin and stdout.
//
// The stdio ends are plain os.Pipe files rather than exec's StdinPipe/StdoutPipe,
// so reaping the process never closes a pipe that is still being read, and closing
// our end unblocks a pending Read or Write.
type Pipe struct {
	*waiter
	log *zap.SugaredLogger

	stdin  *os.File
	stdout *os.File

	closeOnce sync.Once
}

// StartPipe starts spec with piped stdin/stdout. stderr is logged at debug level.
func StartPipe(log *zap.SugaredLogger, spec Spec) (*Pipe, error) {
	cmd := spec.command()

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, apperrors.SpawnFailed(spec.Command, fmt.Errorf("creating stdin pipe: %w", err))
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, apperrors.SpawnFailed(spec.Command, fmt.Errorf("creating stdout pipe: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, apperrors.SpawnFailed(spec.Command, fmt.Errorf("creating stderr pipe: %w", err))
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, apperrors.SpawnFailed(spec.Command, err)
	}
	// the child holds its own copies now
	closeAll(stdinR, stdoutW, stderrW)

	p := &Pipe{
		waiter: newWaiter(cmd),
		log:    log,
		stdin:  stdinW,
		stdout: stdoutR,
	}
	go p.logStderr(stderrR)
	log.Debugw("started process", "Command", spec.Command, "Args", spec.Args, "Dir", spec.Dir, "PID", p.Pid())
	return p, nil
}

// Stdin is the write end of the child's stdin.
func (p *Pipe) Stdin() io.Writer { return p.stdin }

// Stdout is the read end of the child's stdout.
func (p *Pipe) Stdout() io.Reader { return p.stdout }

// Close kills the process and closes both stdio ends, failing any in-flight
// reads and writes. It is safe to call more than once.
func (p *Pipe) Close() error {
	err := p.Kill()
	p.closeOnce.Do(func() {
		closeAll(p.stdin, p.stdout)
	})
	return err
}

func (p *Pipe) logStderr(r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.log.Debug(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		p.log.Debugf("stderr reader stopped: %s", err)
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
