package process

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
)

// Spec describes a program to start.
type Spec struct {
	Command string
	Args    []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env is appended to the parent's environment.
	Env []string
}

func (s Spec) command() *exec.Cmd {
	cmd := exec.Command(s.Command, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	return cmd
}

// DefaultShell returns the platform's interactive shell and the arguments that
// make it a login shell.
func DefaultShell() (string, []string) {
	if runtime.GOOS == "windows" {
		return "powershell.exe", nil
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return shell, []string{"-l"}
}

// waiter reaps a started command and records how it ended.
type waiter struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func newWaiter(cmd *exec.Cmd) *waiter {
	w := &waiter{cmd: cmd, done: make(chan struct{})}
	go func() {
		w.err = cmd.Wait()
		close(w.done)
	}()
	return w
}

// Done is closed once the process has exited and been reaped.
func (w *waiter) Done() <-chan struct{} { return w.done }

// Err returns the Wait result. Only valid after Done is closed.
func (w *waiter) Err() error { return w.err }

func (w *waiter) Pid() int { return w.cmd.Process.Pid }

// Kill sends SIGKILL unless the process has already exited.
func (w *waiter) Kill() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	err := w.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
