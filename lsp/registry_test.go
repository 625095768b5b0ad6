package lsp_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/guseggert/procbridge/internal/errors"
	"github.com/guseggert/procbridge/internal/lsptest"
	"github.com/guseggert/procbridge/lsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`

func startRegistry(t *testing.T, table lsp.Table) *lsp.Registry {
	t.Helper()
	reg := lsp.NewRegistry(log, table)
	t.Cleanup(func() { _ = reg.StopAll() })
	return reg
}

func dial(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)
	conn.SetReadLimit(8 << 20)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, body string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(body)))
}

func recv(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	return string(data)
}

func waitClients(t *testing.T, inst *lsp.Instance, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return inst.ClientCount() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestStartFramesClientMessagesExactly(t *testing.T) {
	record := filepath.Join(t.TempDir(), "stdin")
	reg := startRegistry(t, fakeLanguage(t, lsptest.ModeEcho, lsptest.WithRecording(record)))
	root := goProject(t)

	inst, err := reg.Start("go", root)
	require.NoError(t, err)
	assert.NotZero(t, inst.Port)
	assert.Equal(t, "go", inst.Language)
	assert.Equal(t, root, inst.RootPath)

	conn := dial(t, inst.Port)
	send(t, conn, initializeBody)
	assert.Equal(t, initializeBody, recv(t, conn))

	expected := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(initializeBody), initializeBody)
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(record)
		return err == nil && string(b) == expected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMultiByteBodiesUseByteLength(t *testing.T) {
	record := filepath.Join(t.TempDir(), "stdin")
	reg := startRegistry(t, fakeLanguage(t, lsptest.ModeEcho, lsptest.WithRecording(record)))

	inst, err := reg.Start("go", goProject(t))
	require.NoError(t, err)

	body := `{"text":"héllo 世界"}`
	conn := dial(t, inst.Port)
	send(t, conn, body)
	assert.Equal(t, body, recv(t, conn))

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(record)
		return err == nil && strings.HasPrefix(string(b), fmt.Sprintf("Content-Length: %d\r\n", len(body)))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOutputGoesToEveryClient(t *testing.T) {
	reg := startRegistry(t, fakeLanguage(t, lsptest.ModeEcho))
	inst, err := reg.Start("go", goProject(t))
	require.NoError(t, err)

	a, b, c := dial(t, inst.Port), dial(t, inst.Port), dial(t, inst.Port)
	waitClients(t, inst, 3)

	for i := 0; i < 20; i++ {
		send(t, a, fmt.Sprintf(`{"n":%d}`, i))
	}
	for _, conn := range []*websocket.Conn{a, b, c} {
		for i := 0; i < 20; i++ {
			assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), recv(t, conn))
		}
	}

	require.NoError(t, c.Close(websocket.StatusNormalClosure, ""))
	waitClients(t, inst, 2)

	send(t, b, `{"after":"close"}`)
	assert.Equal(t, `{"after":"close"}`, recv(t, a))
	assert.Equal(t, `{"after":"close"}`, recv(t, b))
}

func TestMalformedServerFrameIsDropped(t *testing.T) {
	reg := startRegistry(t, fakeLanguage(t, lsptest.ModeGarbage))
	inst, err := reg.Start("go", goProject(t))
	require.NoError(t, err)

	// the valid frame after the garbage may already be gone; later frames must flow
	conn := dial(t, inst.Port)
	waitClients(t, inst, 1)
	send(t, conn, `{"id":2}`)
	for {
		msg := recv(t, conn)
		if msg == `{"id":2}` {
			break
		}
		assert.Equal(t, `{"after":"garbage"}`, msg)
	}
	assert.True(t, inst.Alive())
}

func TestStalledStdinDoesNotBlockOutput(t *testing.T) {
	release := filepath.Join(t.TempDir(), "release")
	reg := startRegistry(t, fakeLanguage(t, lsptest.ModeStall, lsptest.WithReleaseFile(release)))
	inst, err := reg.Start("go", goProject(t))
	require.NoError(t, err)

	writer, watcher := dial(t, inst.Port), dial(t, inst.Port)
	waitClients(t, inst, 2)

	// far larger than a pipe buffer; the server is not reading stdin yet
	big := fmt.Sprintf(`{"blob":"%s"}`, strings.Repeat("x", 2<<20))
	send(t, writer, big)
	time.Sleep(200 * time.Millisecond)

	// ticks keep arriving while the bridge is stuck writing to stdin
	start := time.Now()
	for time.Since(start) < 500*time.Millisecond {
		assert.Contains(t, recv(t, watcher), `"tick"`)
	}

	require.NoError(t, os.WriteFile(release, nil, 0o644))
	for {
		msg := recv(t, watcher)
		if !strings.HasPrefix(msg, `{"tick"`) {
			assert.Equal(t, big, msg)
			break
		}
	}
}

func TestServerExit(t *testing.T) {
	reg := startRegistry(t, fakeLanguage(t, lsptest.ModeCrash))
	inst, err := reg.Start("go", goProject(t))
	require.NoError(t, err)

	conn := dial(t, inst.Port)
	send(t, conn, initializeBody)

	select {
	case <-inst.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop after the server exited")
	}
	assert.False(t, inst.Alive())
	assert.ErrorIs(t, inst.Send([]byte(initializeBody)), apperrors.ErrIO)

	// the next client message closes that client
	send(t, conn, initializeBody)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))

	infos := reg.List()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Alive)

	require.NoError(t, reg.Stop(inst.ID))
	assert.ErrorIs(t, reg.Stop(inst.ID), apperrors.ErrLookup)
}

func TestStartFailures(t *testing.T) {
	reg := startRegistry(t, lsp.Table{{Tag: "go", Command: "procbridge-definitely-not-installed"}})

	_, err := reg.Start("cobol", t.TempDir())
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)

	_, err = reg.Start("go", t.TempDir())
	assert.ErrorIs(t, err, apperrors.ErrSpawn)

	assert.Empty(t, reg.List())
}

func TestStartAfterStopAllFails(t *testing.T) {
	reg := startRegistry(t, fakeLanguage(t, lsptest.ModeEcho))
	inst, err := reg.Start("go", goProject(t))
	require.NoError(t, err)

	require.NoError(t, reg.StopAll())
	<-inst.Done()

	_, err = reg.Start("go", goProject(t))
	assert.ErrorIs(t, err, apperrors.ErrSpawn)
	assert.Empty(t, reg.List())
}

func TestConcurrentStartAndStopAllLeaveNothingRunning(t *testing.T) {
	reg := startRegistry(t, fakeLanguage(t, lsptest.ModeEcho))
	root := goProject(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []*lsp.Instance
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := reg.Start("go", root)
			if err != nil {
				assert.ErrorIs(t, err, apperrors.ErrSpawn)
				return
			}
			mu.Lock()
			started = append(started, inst)
			mu.Unlock()
		}()
	}
	require.NoError(t, reg.StopAll())
	wg.Wait()

	// anything registered before StopAll swapped the map was closed by it
	assert.Empty(t, reg.List())
	for _, inst := range started {
		select {
		case <-inst.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("instance %s still running after StopAll", inst.ID)
		}
	}
}

func TestStopClosesClientsAndListener(t *testing.T) {
	reg := startRegistry(t, fakeLanguage(t, lsptest.ModeEcho))
	inst, err := reg.Start("go", goProject(t))
	require.NoError(t, err)

	conn := dial(t, inst.Port)
	waitClients(t, inst, 1)

	require.NoError(t, reg.Stop(inst.ID))
	_, err = reg.Get(inst.ID)
	assert.ErrorIs(t, err, apperrors.ErrLookup)
	assert.Empty(t, reg.List())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	assert.Error(t, err)

	_, _, err = websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", inst.Port), nil)
	assert.Error(t, err)
}

func TestFailedHandshakeDoesNotAffectOthers(t *testing.T) {
	reg := startRegistry(t, fakeLanguage(t, lsptest.ModeEcho))
	inst, err := reg.Start("go", goProject(t))
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", inst.Port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, http.StatusBadRequest)

	conn := dial(t, inst.Port)
	send(t, conn, initializeBody)
	assert.Equal(t, initializeBody, recv(t, conn))
}

func TestInstancesAreIndependent(t *testing.T) {
	reg := startRegistry(t, fakeLanguage(t, lsptest.ModeEcho))
	first, err := reg.Start("go", goProject(t))
	require.NoError(t, err)
	second, err := reg.Start("go", goProject(t))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Port, second.Port)
	assert.Len(t, reg.List(), 2)

	c1, c2 := dial(t, first.Port), dial(t, second.Port)
	send(t, c1, `{"to":"first"}`)
	send(t, c2, `{"to":"second"}`)
	assert.Equal(t, `{"to":"first"}`, recv(t, c1))
	assert.Equal(t, `{"to":"second"}`, recv(t, c2))

	require.NoError(t, reg.Stop(first.ID))
	send(t, c2, `{"still":"here"}`)
	assert.Equal(t, `{"still":"here"}`, recv(t, c2))
}
