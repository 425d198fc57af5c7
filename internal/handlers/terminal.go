package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/Metacomet-Technologies/server-manager/internal/authz"
	"github.com/Metacomet-Technologies/server-manager/internal/broadcast"
	"github.com/coder/websocket"
)

// Hub is set from main.go during init.
var Hub *broadcast.Hub

// writeTimeout bounds a single websocket write so one dead client
// cannot stall its forwarding loop.
const writeTimeout = 5 * time.Second

// SessionOutputWS upgrades to a websocket and forwards the session's
// output events until the client disconnects. Access is checked before
// the upgrade.
func SessionOutputWS(w http.ResponseWriter, r *http.Request) {
	sess, _ := loadSession(w, r, authz.CanAccessSession)
	if sess == nil {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	// CloseRead cancels the context when the client goes away; no
	// inbound messages are expected on this socket.
	ctx := conn.CloseRead(r.Context())

	ch := Hub.Subscribe(sess.ID)
	defer Hub.Unsubscribe(sess.ID, ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// ResizeTerminal stores the client's terminal dimensions on the
// session.
func ResizeTerminal(w http.ResponseWriter, r *http.Request) {
	sess, _ := loadSession(w, r, authz.CanAccessSession)
	if sess == nil {
		return
	}

	var body struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Cols <= 0 || body.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}

	if err := Terminal.Resize(sess, body.Cols, body.Rows); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resize terminal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
