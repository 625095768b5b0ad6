package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/guseggert/procbridge/internal/errors"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to an agent's control API. API errors come back as *errors.CodedError
// values so callers can match them against the error kinds.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	wsURL                    string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("procbridge_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// retryConnErrors retries requests that never got a response. Any response,
// including a 5xx, is final: starting a server or terminal is not idempotent.
func retryConnErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil, nil
}

// NewClient builds a client for the agent listening on addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) (*Client, error) {
	if err := validateAddr(addr); err != nil {
		return nil, err
	}
	c := &Client{
		Logger:       log.Named("procbridge_client"),
		baseURL:      "http://" + addr,
		wsURL:        "ws://" + addr,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = retryConnErrors
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func validateAddr(addr string) error {
	u, err := url.Parse("http://" + addr)
	if err != nil {
		return fmt.Errorf("parsing agent address %q: %w", addr, err)
	}
	if u.Port() == "" {
		return fmt.Errorf("agent address %q has no port", addr)
	}
	return nil
}

// do sends a request and decodes a JSON response into out, if out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Add("Content-Type", contentType)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	return c.do(ctx, method, path, body, "application/json", out)
}

func decodeError(resp *http.Response) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("HTTP status code %d, error reading body: %w", resp.StatusCode, err)
	}
	var e ErrorResponse
	if err := json.Unmarshal(b, &e); err != nil || e.Code == "" {
		return fmt.Errorf("unexpected HTTP status code %d: %s", resp.StatusCode, string(b))
	}
	return apperrors.New(e.Code, e.Message)
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &resp)
	return resp, err
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.doJSON(ctx, http.MethodGet, "/heartbeat", nil, nil)
}

// WaitForServer polls the health endpoint until it answers or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

func (c *Client) StartLSP(ctx context.Context, language, rootPath string) (StartLSPResponse, error) {
	var resp StartLSPResponse
	err := c.doJSON(ctx, http.MethodPost, "/lsp", StartLSPRequest{Language: language, RootPath: rootPath}, &resp)
	return resp, err
}

func (c *Client) StopLSP(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/lsp/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListLSPs(ctx context.Context) ([]LSPInfo, error) {
	var resp []LSPInfo
	err := c.doJSON(ctx, http.MethodGet, "/lsp", nil, &resp)
	return resp, err
}

func (c *Client) DetectProject(ctx context.Context, path string) (Project, error) {
	var resp Project
	err := c.doJSON(ctx, http.MethodPost, "/project/detect", DetectProjectRequest{Path: path}, &resp)
	return resp, err
}

func (c *Client) ProbeLanguageServer(ctx context.Context, language string) (bool, error) {
	var resp ProbeResponse
	err := c.doJSON(ctx, http.MethodGet, "/lsp/available/"+url.PathEscape(language), nil, &resp)
	return resp.Available, err
}

func (c *Client) StartTerminal(ctx context.Context, id string, req StartTerminalRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/terminals/"+url.PathEscape(id), req, nil)
}

func (c *Client) WriteTerminal(ctx context.Context, id string, data []byte) error {
	return c.do(ctx, http.MethodPost, "/terminals/"+url.PathEscape(id)+"/input", bytes.NewReader(data), "application/octet-stream", nil)
}

func (c *Client) ResizeTerminal(ctx context.Context, id string, rows, cols uint16) error {
	return c.doJSON(ctx, http.MethodPost, "/terminals/"+url.PathEscape(id)+"/resize", ResizeTerminalRequest{Rows: rows, Cols: cols}, nil)
}

func (c *Client) StopTerminal(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/terminals/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListTerminals(ctx context.Context) ([]TerminalInfo, error) {
	var resp []TerminalInfo
	err := c.doJSON(ctx, http.MethodGet, "/terminals", nil, &resp)
	return resp, err
}

// EventStream is a subscription to terminal events.
type EventStream struct {
	conn *websocket.Conn
}

// Events subscribes to terminal events. An empty terminalID subscribes to all terminals.
func (c *Client) Events(ctx context.Context, terminalID string) (*EventStream, error) {
	u := c.wsURL + "/events"
	if terminalID != "" {
		u += "?terminal=" + url.QueryEscape(terminalID)
	}
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &EventStream{conn: conn}, nil
}

// Next blocks for the next event.
func (s *EventStream) Next(ctx context.Context) (EventMessage, error) {
	var msg EventMessage
	err := wsjson.Read(ctx, s.conn, &msg)
	return msg, err
}

func (s *EventStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
