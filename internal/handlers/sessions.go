package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/tomertec/sshmanager-sub001/internal/reconnect"
	"github.com/tomertec/sshmanager-sub001/internal/session"
)

// reconnectTimeout bounds a manual reconnect started from the API.
var reconnectTimeout = 2 * time.Minute

func lookupSession(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not available")
		return nil, false
	}
	c, ok := Sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	return c, true
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not available")
		return
	}
	list := Sessions.List()
	infos := make([]session.Info, 0, len(list))
	for _, c := range list {
		infos = append(infos, c.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

type sessionDetail struct {
	session.Info
	Transitions []session.Transition     `json:"transitions"`
	Events      []reconnect.Notification `json:"events"`
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	c, ok := lookupSession(w, r)
	if !ok {
		return
	}
	detail := sessionDetail{
		Info:        c.Info(),
		Transitions: c.Transitions(),
		Events:      c.Reconnector().History(),
	}
	if detail.Transitions == nil {
		detail.Transitions = []session.Transition{}
	}
	if detail.Events == nil {
		detail.Events = []reconnect.Notification{}
	}
	writeJSON(w, http.StatusOK, detail)
}

// ReconnectSession runs a manual reconnect. It bypasses the attempt budget
// and resets it on success.
func ReconnectSession(w http.ResponseWriter, r *http.Request) {
	c, ok := lookupSession(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), reconnectTimeout)
	defer cancel()

	err := c.Reconnector().Reconnect(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, c.Info())
	case errors.Is(err, reconnect.ErrInProgress):
		writeError(w, http.StatusConflict, "Reconnection already in progress")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusGone, "Session closed")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// ResetSession clears the attempt counter so automatic reconnection can
// run again after exhaustion.
func ResetSession(w http.ResponseWriter, r *http.Request) {
	c, ok := lookupSession(w, r)
	if !ok {
		return
	}
	c.Reconnector().ResetAttempts()
	writeJSON(w, http.StatusOK, c.Info())
}

// DeleteSession closes the session and forgets it.
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	c, ok := lookupSession(w, r)
	if !ok {
		return
	}
	Sessions.Remove(c.ID())
	w.WriteHeader(http.StatusNoContent)
}

// SessionEvents streams a snapshot followed by every session event over a
// websocket until the client goes away or the session closes.
func SessionEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := lookupSession(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] accept events websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	if err := wsjson.Write(ctx, conn, map[string]interface{}{"kind": "snapshot", "session": c.Info()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
