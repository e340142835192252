package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/PipeOpsHQ/hookcatch/internal/notify"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsCommand is a client frame that changes group membership.
type wsCommand struct {
	Action     string `json:"action"` // "join" or "leave"
	EndpointID string `json:"endpointId"`
	Secret     string `json:"secret,omitempty"`
}

// WebSocket streams capture events to the client. /ws/{endpointID} joins that
// endpoint's group straight away; on either route the client can join and
// leave groups at any time with wsCommand frames. Joining an endpoint that
// has a secret needs the secret, in SecretHeader on the path form or in the
// join frame.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	var initial string
	if raw := chi.URLParam(r, "endpointID"); raw != "" {
		id, ok := canonicalID(raw)
		if !ok {
			http.NotFound(w, r)
			return
		}
		allowed, err := h.watchable(r.Context(), id, r.Header.Get(SecretHeader))
		if err != nil {
			h.storeError(w, r, err)
			return
		}
		if !allowed {
			writeError(w, http.StatusUnauthorized, "endpoint secret required")
			return
		}
		initial = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	log := h.log.WithField("remote_addr", r.RemoteAddr)

	sub := h.hub.NewSubscriber()
	if initial != "" {
		h.hub.Join(initial, sub)
	}

	done := make(chan struct{})
	go h.wsWriter(conn, sub, done, log)

	defer func() {
		h.hub.Remove(sub)
		<-done
		conn.Close()
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("websocket read error")
			}
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			log.WithError(err).Debug("ignoring malformed websocket frame")
			continue
		}
		id, ok := canonicalID(cmd.EndpointID)
		if !ok {
			log.WithField("endpoint_id", cmd.EndpointID).Debug("ignoring websocket command for invalid endpoint id")
			continue
		}
		switch cmd.Action {
		case "join":
			allowed, err := h.watchable(r.Context(), id, cmd.Secret)
			if err != nil || !allowed {
				log.WithError(err).WithField("endpoint_id", id).Debug("refusing websocket join")
				continue
			}
			h.hub.Join(id, sub)
		case "leave":
			h.hub.Leave(id, sub)
		default:
			log.WithField("action", cmd.Action).Debug("ignoring unknown websocket action")
		}
	}
}

// wsWriter owns all data writes on conn. It returns once the subscriber is
// removed from the hub.
func (h *Handler) wsWriter(conn *websocket.Conn, sub *notify.Subscriber, done chan<- struct{}, log logrus.FieldLogger) {
	defer close(done)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	broken := false
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if !broken {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(wsWriteWait))
				}
				return
			}
			if broken {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("websocket write failed")
				broken = true
				// Unblocks the reader, which then removes the subscriber.
				conn.Close()
			}
		case <-ticker.C:
			if broken {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				broken = true
				conn.Close()
			}
		}
	}
}
