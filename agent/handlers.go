package agent

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	apperrors "github.com/guseggert/procbridge/internal/errors"
	"github.com/julienschmidt/httprouter"
)

// maxInputBytes bounds one terminal input request.
const maxInputBytes = 1 << 20

func statusForCode(code string) int {
	switch code {
	case apperrors.CodeUnsupportedLanguage, apperrors.CodeInvalidRequest:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeProtocol:
		return http.StatusUnprocessableEntity
	case apperrors.CodeIOFailed:
		return http.StatusBadGateway
	case apperrors.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (a *Agent) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Errorf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		a.logger.Debugf("error writing response: %s", err)
	}
}

func (a *Agent) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := apperrors.ToCodeAndMessage(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		a.logger.Warnw("request failed", "Method", r.Method, "Path", r.URL.Path, "Code", code, "Error", msg)
	} else {
		a.logger.Debugw("request rejected", "Method", r.Method, "Path", r.URL.Path, "Code", code, "Error", msg)
	}
	a.writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

func (a *Agent) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		a.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidRequest, "decoding request body", err))
		return false
	}
	return true
}

func (a *Agent) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		LSPs:      len(a.lsps.List()),
		Terminals: len(a.terminals.List()),
	})
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	a.writeJSON(w, http.StatusOK, HeartbeatResponse{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	})
}

func (a *Agent) startLSP(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req StartLSPRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Language == "" || req.RootPath == "" {
		a.writeError(w, r, apperrors.New(apperrors.CodeInvalidRequest, "language and rootPath are required"))
		return
	}
	resp, err := a.StartLSP(req.Language, req.RootPath)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *Agent) stopLSP(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := a.StopLSP(params.ByName("id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) listLSPs(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, a.ListLSPs())
}

func (a *Agent) probeLSP(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ok, err := a.ProbeLanguageServer(r.Context(), params.ByName("language"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, ProbeResponse{Available: ok})
}

func (a *Agent) detectProject(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req DetectProjectRequest
	if !a.decode(w, r, &req) {
		return
	}
	project, err := a.DetectProject(req.Path)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, project)
}

func (a *Agent) startTerminal(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req StartTerminalRequest
	// the body is optional
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	if err := a.StartTerminal(params.ByName("id"), req); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) writeTerminal(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if a.inputLimiter != nil && !a.inputLimiter.Allow() {
		a.writeError(w, r, apperrors.New(apperrors.CodeRateLimited, "terminal input rate exceeded"))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInputBytes))
	if err != nil {
		a.writeError(w, r, apperrors.Wrap(apperrors.CodeInvalidRequest, "reading input", err))
		return
	}
	if err := a.WriteTerminal(params.ByName("id"), data); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) resizeTerminal(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ResizeTerminalRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Rows == 0 || req.Cols == 0 {
		a.writeError(w, r, apperrors.New(apperrors.CodeInvalidRequest, "rows and cols must be positive"))
		return
	}
	if err := a.ResizeTerminal(params.ByName("id"), req.Rows, req.Cols); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) stopTerminal(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := a.StopTerminal(params.ByName("id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) listTerminals(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, http.StatusOK, a.ListTerminals())
}
