package process

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	apperrors "github.com/guseggert/procbridge/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log = zap.NewNop().Sugar()

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestPipeRoundTrip(t *testing.T) {
	skipOnWindows(t)
	p, err := StartPipe(log, Spec{Command: "cat"})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Stdin().Write([]byte("hello\n"))
	require.NoError(t, err)

	buf := make([]byte, 6)
	_, err = io.ReadFull(p.Stdout(), buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf))
}

func TestPipeWorkingDirAndEnv(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	p, err := StartPipe(log, Spec{
		Command: "sh",
		Args:    []string{"-c", `printf "%s|%s" "$(pwd -P)" "$PROCBRIDGE_TEST"`},
		Dir:     dir,
		Env:     []string{"PROCBRIDGE_TEST=yes"},
	})
	require.NoError(t, err)
	defer p.Close()

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	parts := strings.SplitN(string(out), "|", 2)
	require.Len(t, parts, 2)
	realDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, realDir, parts[0])
	assert.Equal(t, "yes", parts[1])
}

func TestPipeSpawnFailure(t *testing.T) {
	_, err := StartPipe(log, Spec{Command: "procbridge-no-such-binary"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSpawn))
}

func TestPipeKillIsIdempotent(t *testing.T) {
	skipOnWindows(t)
	p, err := StartPipe(log, Spec{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	waitDone(t, p.Done())
	assert.NoError(t, p.Kill())
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}

func TestPipeCloseUnblocksReader(t *testing.T) {
	skipOnWindows(t)
	p, err := StartPipe(log, Spec{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := p.Stdout().Read(make([]byte, 1))
		readErr <- err
	}()

	require.NoError(t, p.Close())
	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("reader was not unblocked")
	}
}

func TestPTYEcho(t *testing.T) {
	skipOnWindows(t)
	p, err := StartPTY(Spec{Command: "/bin/sh"}, Size{})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Write([]byte("echo procbridge-$((40+2))\n"))
	require.NoError(t, err)

	var out bytes.Buffer
	buf := make([]byte, 4096)
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(out.String(), "procbridge-42") {
		require.True(t, time.Now().Before(deadline), "never saw output, got %q", out.String())
		n, err := p.Read(buf)
		require.NoError(t, err)
		out.Write(buf[:n])
	}

	require.NoError(t, p.Resize(Size{Rows: 40, Cols: 120}))
	assert.Error(t, p.Resize(Size{}))
}

func TestPTYKillEndsOutput(t *testing.T) {
	skipOnWindows(t)
	p, err := StartPTY(Spec{Command: "/bin/sh"}, DefaultSize)
	require.NoError(t, err)
	defer p.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 1024)
		for {
			if _, err := p.Read(buf); err != nil {
				return
			}
		}
	}()

	require.NoError(t, p.Kill())
	waitDone(t, p.Done())
	waitDone(t, readDone)
	assert.NoError(t, p.Kill())
}

func TestDefaultShell(t *testing.T) {
	shell, args := DefaultShell()
	assert.NotEmpty(t, shell)
	if runtime.GOOS != "windows" {
		assert.Equal(t, []string{"-l"}, args)
	}
}
