package agent

import (
	"github.com/guseggert/procbridge/lsp"
	"github.com/guseggert/procbridge/terminal"
)

// Control API request and response bodies. Field names follow the front end's
// camelCase JSON.

type StartLSPRequest struct {
	Language string `json:"language"`
	RootPath string `json:"rootPath"`
}

type StartLSPResponse struct {
	ID   string `json:"lspId"`
	Port int    `json:"port"`
}

type DetectProjectRequest struct {
	Path string `json:"path"`
}

type ProbeResponse struct {
	Available bool `json:"available"`
}

type StartTerminalRequest struct {
	WorkingDir string `json:"workingDir,omitempty"`
	Rows       uint16 `json:"rows,omitempty"`
	Cols       uint16 `json:"cols,omitempty"`
}

type ResizeTerminalRequest struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	LSPs      int    `json:"lsps"`
	Terminals int    `json:"terminals"`
}

type HeartbeatResponse struct {
	LastHeartbeat string `json:"lastHeartbeat"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventMessage is one terminal event on the /events stream.
// Data is PTY output decoded as UTF-8 with invalid bytes replaced.
type EventMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data string `json:"data,omitempty"`
}

type (
	LSPInfo      = lsp.Info
	Project      = lsp.Project
	TerminalInfo = terminal.Info
)
