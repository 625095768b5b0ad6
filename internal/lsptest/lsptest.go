// Package lsptest turns a test binary into a fake language server.
//
// A test package calls Main from its TestMain. When the binary is re-executed
// with the mode variable set it speaks Content-Length framing on stdio instead
// of running tests.
package lsptest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guseggert/procbridge/internal/framing"
)

const (
	modeEnv     = "PROCBRIDGE_FAKE_LSP"
	recordEnv   = "PROCBRIDGE_FAKE_LSP_RECORD"
	releaseEnv  = "PROCBRIDGE_FAKE_LSP_RELEASE"
	exitMessage = `{"method":"exit"}`
)

const (
	// ModeEcho writes every message it reads back to stdout.
	ModeEcho = "echo"
	// ModeGarbage emits a malformed frame and then a valid one before echoing.
	ModeGarbage = "garbage"
	// ModeStall emits tick messages without reading stdin until released.
	ModeStall = "stall"
	// ModeCrash exits with status 3 after the first message.
	ModeCrash = "crash"
)

// Server describes how to launch the fake server.
type Server struct {
	Command string
	Args    []string
	Env     []string
}

type Option func(*Server)

// WithRecording copies every raw stdin byte to path.
func WithRecording(path string) Option {
	return func(s *Server) { s.Env = append(s.Env, recordEnv+"="+path) }
}

// WithReleaseFile makes ModeStall start reading stdin once path exists.
func WithReleaseFile(path string) Option {
	return func(s *Server) { s.Env = append(s.Env, releaseEnv+"="+path) }
}

// Command returns the invocation that runs the current test binary as a fake server.
func Command(mode string, opts ...Option) (Server, error) {
	exe, err := os.Executable()
	if err != nil {
		return Server{}, fmt.Errorf("finding test binary: %w", err)
	}
	s := Server{
		Command: exe,
		Args:    []string{"-test.run=^$"},
		Env:     []string{modeEnv + "=" + mode},
	}
	for _, o := range opts {
		o(&s)
	}
	return s, nil
}

// Main runs the fake server and exits if this process was launched as one.
// Otherwise it runs the tests.
func Main(run func() int) {
	mode := os.Getenv(modeEnv)
	if mode == "" {
		os.Exit(run())
	}
	if err := serve(mode); err != nil {
		fmt.Fprintf(os.Stderr, "fake language server: %s\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func serve(mode string) error {
	var in io.Reader = os.Stdin
	if path := os.Getenv(recordEnv); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = io.TeeReader(os.Stdin, f)
	}

	switch mode {
	case ModeEcho, ModeCrash:
	case ModeGarbage:
		if _, err := os.Stdout.Write([]byte("Content-Type: nope\r\n\r\n")); err != nil {
			return err
		}
		if err := framing.WriteMessage(os.Stdout, []byte(`{"after":"garbage"}`)); err != nil {
			return err
		}
	case ModeStall:
		release := os.Getenv(releaseEnv)
		for i := 0; ; i++ {
			if _, err := os.Stat(release); err == nil {
				break
			}
			if err := framing.WriteMessage(os.Stdout, []byte(fmt.Sprintf(`{"tick":%d}`, i))); err != nil {
				return err
			}
			time.Sleep(10 * time.Millisecond)
		}
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	fmt.Fprintln(os.Stderr, "fake language server ready")
	r := framing.NewReader(in)
	for {
		body, err := r.ReadMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if mode == ModeCrash {
			os.Exit(3)
		}
		if string(body) == exitMessage {
			return nil
		}
		if err := framing.WriteMessage(os.Stdout, body); err != nil {
			return err
		}
	}
}
