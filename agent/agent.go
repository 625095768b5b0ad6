package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/procbridge/internal/fanout"
	"github.com/guseggert/procbridge/internal/process"
	"github.com/guseggert/procbridge/lsp"
	"github.com/guseggert/procbridge/terminal"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// Agent owns every language server and terminal, and serves the control API
// the editor front end uses to manage them.
type Agent struct {
	logger *zap.SugaredLogger

	listenAddr string
	languages  lsp.Table

	shell        string
	shellArgs    []string
	terminalSize process.Size

	inputRate  rate.Limit
	inputBurst int

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration

	lsps         *lsp.Registry
	terminals    *terminal.Manager
	events       fanout.Set[terminal.Event]
	inputLimiter *rate.Limiter

	listener   net.Listener
	httpServer *http.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("procbridge").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithLanguages replaces the built-in language table.
func WithLanguages(t lsp.Table) Option {
	return func(a *Agent) {
		a.languages = t
	}
}

// WithShell sets the program terminals run instead of the platform shell.
func WithShell(shell string, args ...string) Option {
	return func(a *Agent) {
		a.shell = shell
		a.shellArgs = args
	}
}

func WithTerminalSize(s process.Size) Option {
	return func(a *Agent) {
		a.terminalSize = s
	}
}

// WithInputRateLimit caps terminal input requests per second. A zero limit disables it.
func WithInputRateLimit(r rate.Limit, burst int) Option {
	return func(a *Agent) {
		a.inputRate = r
		a.inputBurst = burst
	}
}

// WithHeartbeatTimeout makes the agent call its heartbeat failure handler when no
// heartbeat arrives within d. Zero disables the check.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

// HeartbeatFailureExit exits the process, taking every child down with it.
func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// New constructs an agent. Nothing is started until Listen or Run.
func New(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:           logger.Named("procbridge").Sugar(),
		listenAddr:       "127.0.0.1:7373",
		languages:        lsp.DefaultLanguages(),
		terminalSize:     process.DefaultSize,
		heartbeatTimeout: 0,
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.heartbeatFailureHandler == nil {
		a.heartbeatFailureHandler = func() {
			if err := a.Close(); err != nil {
				a.logger.Warnf("closing after heartbeat failure: %s", err)
			}
		}
	}

	a.lsps = lsp.NewRegistry(a.logger.Named("lsp"), a.languages)

	termOpts := []terminal.Option{terminal.WithSize(a.terminalSize)}
	if a.shell != "" {
		termOpts = append(termOpts, terminal.WithShell(a.shell, a.shellArgs...))
	}
	a.terminals = terminal.NewManager(a.logger.Named("terminal"), terminal.SinkFunc(a.publish), termOpts...)

	if a.inputRate > 0 {
		a.inputLimiter = rate.NewLimiter(a.inputRate, a.inputBurst)
	}
	return a, nil
}

func (a *Agent) publish(e terminal.Event) {
	a.events.Publish(e)
}

// Listen binds the control API's listener.
func (a *Agent) Listen() error {
	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	a.listener = l
	a.httpServer = &http.Server{
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.logger.Infow("control API listening", "Addr", l.Addr().String())
	return nil
}

// Addr is the bound control API address. Only valid after Listen.
func (a *Agent) Addr() net.Addr {
	return a.listener.Addr()
}

func (a *Agent) router() http.Handler {
	router := httprouter.New()
	router.GET("/health", a.health)
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/events", a.eventsWS)

	router.GET("/lsp", a.listLSPs)
	router.POST("/lsp", a.startLSP)
	router.DELETE("/lsp/:id", a.stopLSP)
	router.GET("/lsp/available/:language", a.probeLSP)
	router.POST("/project/detect", a.detectProject)

	router.GET("/terminals", a.listTerminals)
	router.POST("/terminals/:id", a.startTerminal)
	router.POST("/terminals/:id/input", a.writeTerminal)
	router.POST("/terminals/:id/resize", a.resizeTerminal)
	router.DELETE("/terminals/:id", a.stopTerminal)
	return router
}

// Serve serves the control API on the listener bound by Listen, returning once the agent is closed.
func (a *Agent) Serve() error {
	a.startHeartbeatCheck()

	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run listens and serves until the agent is closed.
func (a *Agent) Run() error {
	if err := a.Listen(); err != nil {
		return err
	}
	return a.Serve()
}

// startHeartbeatCheck calls the failure handler once if heartbeats stop arriving.
func (a *Agent) startHeartbeatCheck() {
	if a.heartbeatTimeout <= 0 {
		return
	}
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(a.heartbeatTimeout / 10)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.logger.Warnw("heartbeat timed out", "LastHeartbeat", lastHeartbeat)
				a.heartbeatFailureHandler()
				return
			}
		}
	}()
}

// Close stops the control API and tears down every language server and terminal.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		if a.httpServer != nil {
			err = multierr.Append(err, a.httpServer.Close())
		}
		a.terminals.StopAll()
		err = multierr.Append(err, a.lsps.StopAll())
		a.events.Close()
		a.logger.Info("agent closed")
	})
	return err
}

// StartLSP starts a language server for language rooted at rootPath.
func (a *Agent) StartLSP(language, rootPath string) (StartLSPResponse, error) {
	inst, err := a.lsps.Start(language, rootPath)
	if err != nil {
		return StartLSPResponse{}, err
	}
	return StartLSPResponse{ID: inst.ID, Port: inst.Port}, nil
}

func (a *Agent) StopLSP(id string) error {
	return a.lsps.Stop(id)
}

func (a *Agent) ListLSPs() []LSPInfo {
	return a.lsps.List()
}

func (a *Agent) DetectProject(path string) (Project, error) {
	return lsp.DetectProject(path, a.languages)
}

func (a *Agent) ProbeLanguageServer(ctx context.Context, language string) (bool, error) {
	return lsp.Probe(ctx, a.logger.Named("probe"), a.languages, language)
}

func (a *Agent) StartTerminal(id string, req StartTerminalRequest) error {
	return a.terminals.Start(id, terminal.StartOptions{
		WorkingDir: req.WorkingDir,
		Size:       process.Size{Rows: req.Rows, Cols: req.Cols},
	})
}

func (a *Agent) WriteTerminal(id string, data []byte) error {
	return a.terminals.Write(id, data)
}

func (a *Agent) ResizeTerminal(id string, rows, cols uint16) error {
	return a.terminals.Resize(id, process.Size{Rows: rows, Cols: cols})
}

func (a *Agent) StopTerminal(id string) error {
	return a.terminals.Stop(id)
}

func (a *Agent) ListTerminals() []TerminalInfo {
	return a.terminals.List()
}
