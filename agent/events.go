package agent

import (
	"net/http"
	"strings"

	"github.com/guseggert/procbridge/terminal"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func toEventMessage(e terminal.Event) EventMessage {
	return EventMessage{
		Type: string(e.Type),
		ID:   e.TerminalID,
		Data: strings.ToValidUTF8(string(e.Data), "\uFFFD"),
	}
}

// eventsWS streams terminal events as JSON messages. The optional terminal query
// parameter restricts the stream to one terminal id.
func (a *Agent) eventsWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	// subscribe before the handshake completes so nothing published after the
	// client's dial returns is missed
	sub := a.events.Subscribe()
	defer a.events.Unsubscribe(sub)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Debugf("events WebSocket accept error: %s", err)
		return
	}
	filter := r.URL.Query().Get("terminal")
	log := a.logger.With("Subscriber", sub.ID(), "Terminal", filter)
	log.Debug("events subscriber connected")

	// we never expect messages from the client; CloseRead handles its close frame
	ctx := wsConn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Debug("events subscriber went away")
			return
		case e, ok := <-sub.C():
			if !ok {
				wsConn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if filter != "" && e.TerminalID != filter {
				continue
			}
			if err := wsjson.Write(ctx, wsConn, toEventMessage(e)); err != nil {
				log.Debugf("error writing event: %s", err)
				return
			}
		}
	}
}
