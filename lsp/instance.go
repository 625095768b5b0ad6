package lsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/guseggert/procbridge/internal/errors"
	"github.com/guseggert/procbridge/internal/fanout"
	"github.com/guseggert/procbridge/internal/framing"
	pnet "github.com/guseggert/procbridge/internal/net"
	"github.com/guseggert/procbridge/internal/process"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// clientReadLimit bounds one WebSocket message from a client. LSP payloads such as
// full-document syncs can be large.
const clientReadLimit = 64 << 20

// Instance bridges one language server process to any number of WebSocket clients.
//
// Every client message is framed and written to the server's stdin; every frame the
// server writes to stdout is sent to all connected clients. Stdin and stdout are
// guarded by separate locks and never held together, so a stdin write stalled on a
// full pipe cannot hold up delivery of server output.
type Instance struct {
	ID       string
	Language string
	RootPath string
	Port     int

	log  *zap.SugaredLogger
	proc *process.Pipe

	stdinMu sync.Mutex
	stdin   io.Writer

	stdoutMu sync.Mutex
	stdout   *framing.Reader

	clients fanout.Set[[]byte]

	httpServer *http.Server

	// ctx bounds every client connection; cancelling it closes them all.
	ctx    context.Context
	cancel context.CancelFunc

	dead       atomic.Bool
	readerDone chan struct{}
	closeOnce  sync.Once
}

// Info is a snapshot of an instance's state.
type Info struct {
	ID       string `json:"lspId"`
	Language string `json:"language"`
	RootPath string `json:"rootPath"`
	Port     int    `json:"port"`
	Clients  int    `json:"clients"`
	Alive    bool   `json:"alive"`
}

// startInstance launches lang in rootPath and starts accepting clients. It returns once
// the listener is serving.
func startInstance(log *zap.SugaredLogger, id string, lang Language, rootPath string) (*Instance, error) {
	log = log.Named(id)
	proc, err := process.StartPipe(log.Named("stderr"), process.Spec{
		Command: lang.Command,
		Args:    lang.Args,
		Dir:     rootPath,
		Env:     lang.Env,
	})
	if err != nil {
		return nil, err
	}

	listener, port, err := pnet.ListenLoopback()
	if err != nil {
		if kerr := proc.Close(); kerr != nil {
			log.Debugf("killing language server after listen failure: %s", kerr)
		}
		return nil, apperrors.IOFailed("binding client listener", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		ID:         id,
		Language:   lang.Tag,
		RootPath:   rootPath,
		Port:       port,
		log:        log,
		proc:       proc,
		stdin:      proc.Stdin(),
		stdout:     framing.NewReader(proc.Stdout()),
		ctx:        ctx,
		cancel:     cancel,
		readerDone: make(chan struct{}),
	}
	inst.httpServer = &http.Server{
		Handler:           http.HandlerFunc(inst.serveClient),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ready := make(chan struct{})
	go func() {
		close(ready)
		err := inst.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("client listener stopped: %s", err)
		}
	}()
	<-ready

	go inst.readLoop()

	log.Infow("language server started", "Language", lang.Tag, "RootPath", rootPath, "Port", port, "PID", proc.Pid())
	return inst, nil
}

// Send frames body and writes it to the server's stdin as one unit.
func (i *Instance) Send(body []byte) error {
	if i.dead.Load() {
		return apperrors.IOFailed("language server is not running", nil)
	}
	frame := framing.Encode(body)

	i.stdinMu.Lock()
	_, err := i.stdin.Write(frame)
	i.stdinMu.Unlock()

	if err != nil {
		return apperrors.IOFailed("writing to language server stdin", err)
	}
	return nil
}

// readLoop decodes stdout frames and broadcasts each body. Malformed frames are
// dropped; a stream error ends the loop and marks the instance dead.
func (i *Instance) readLoop() {
	defer close(i.readerDone)
	for {
		body, err := i.readFrame()
		if errors.Is(err, apperrors.ErrProtocol) {
			i.log.Warnf("dropping malformed frame from language server: %s", err)
			continue
		}
		if err != nil {
			if i.dead.Swap(true) {
				return
			}
			if errors.Is(err, io.EOF) {
				i.log.Infow("language server closed stdout", "Clients", i.clients.Len())
			} else {
				i.log.Warnf("language server stdout failed: %s", err)
			}
			return
		}
		n := i.clients.Publish(body)
		i.log.Debugf("broadcast %d bytes to %d clients", len(body), n)
	}
}

// readFrame holds the stdout lock separately for the header and the body.
func (i *Instance) readFrame() ([]byte, error) {
	i.stdoutMu.Lock()
	n, err := i.stdout.ReadHeader()
	i.stdoutMu.Unlock()
	if err != nil {
		return nil, err
	}

	i.stdoutMu.Lock()
	defer i.stdoutMu.Unlock()
	return i.stdout.ReadBody(n)
}

func (i *Instance) serveClient(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// clients are browser pages served from a different origin
		InsecureSkipVerify: true,
	})
	if err != nil {
		i.log.Debugf("rejecting client connection: %s", err)
		return
	}
	conn.SetReadLimit(clientReadLimit)

	ctx, cancel := context.WithCancel(i.ctx)
	defer cancel()

	sub := i.clients.Subscribe()
	log := i.log.With("Client", sub.ID(), "RemoteAddr", r.RemoteAddr)
	log.Debug("client connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		i.writeToClient(ctx, log, conn, sub)
	}()

	status, reason := i.readFromClient(ctx, log, conn)

	i.clients.Unsubscribe(sub)
	if err := conn.Close(status, reason); err != nil {
		log.Debugf("closing client connection: %s", err)
	}
	cancel()
	wg.Wait()
	log.Debug("client disconnected")
}

// readFromClient forwards client text messages until the client goes away or the
// server can no longer take input. It returns the status to close the connection with.
func (i *Instance) readFromClient(ctx context.Context, log *zap.SugaredLogger, conn *websocket.Conn) (websocket.StatusCode, string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debugf("reading from client: %s", err)
			}
			return websocket.StatusNormalClosure, ""
		}
		if typ != websocket.MessageText {
			log.Debugf("ignoring %v message from client", typ)
			continue
		}
		if err := i.Send(data); err != nil {
			log.Warnf("forwarding client message: %s", err)
			return websocket.StatusInternalError, "language server unavailable"
		}
	}
}

func (i *Instance) writeToClient(ctx context.Context, log *zap.SugaredLogger, conn *websocket.Conn, sub *fanout.Subscriber[[]byte]) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				log.Debugf("writing to client: %s", err)
				return
			}
		}
	}
}

// Alive reports whether the server's stdout is still open.
func (i *Instance) Alive() bool { return !i.dead.Load() }

// Done is closed once the stdout reader has stopped.
func (i *Instance) Done() <-chan struct{} { return i.readerDone }

func (i *Instance) ClientCount() int { return i.clients.Len() }

func (i *Instance) Info() Info {
	return Info{
		ID:       i.ID,
		Language: i.Language,
		RootPath: i.RootPath,
		Port:     i.Port,
		Clients:  i.clients.Len(),
		Alive:    i.Alive(),
	}
}

// Close stops accepting clients, disconnects the current ones and kills the server.
// It does not wait for the process to be reaped.
func (i *Instance) Close() error {
	var err error
	i.closeOnce.Do(func() {
		i.dead.Store(true)
		i.cancel()
		if cerr := i.httpServer.Close(); cerr != nil {
			err = fmt.Errorf("closing client listener: %w", cerr)
		}
		i.clients.Close()
		if perr := i.proc.Close(); perr != nil && err == nil {
			err = fmt.Errorf("killing language server: %w", perr)
		}
		i.log.Infow("language server stopped", "Language", i.Language, "Port", i.Port)
	})
	return err
}
