package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flonle/rediscope/app/rediscope/errs"
	"github.com/flonle/rediscope/app/rediscope/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Control is a message a viewer sends over the relay socket.
type Control struct {
	Action string `json:"action"` // "subscribe", "pause" or "unsubscribe"
	Target string `json:"target,omitempty"`
}

// wsSink writes relay events to one websocket. gorilla/websocket allows one
// concurrent writer only.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(e relay.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *wsSink) sendError(err error) error {
	data, _ := json.Marshal(map[string]string{"type": "error", "error": err.Error()})
	return s.write(data)
}

func (s *wsSink) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// subscribe upgrades to a websocket and relays one session over it until
// either side goes away.
func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	sess, err := h.b.PubSub.NewSession(sink)
	if err != nil {
		_ = sink.sendError(err)
		return
	}
	defer sess.Close()
	log := h.log.With("session", sess.ID)

	go keepAlive(conn, sess.Done())

	ctx := r.Context()
	if target := r.URL.Query().Get("target"); target != "" {
		if err := sess.Subscribe(ctx, target); err != nil {
			log.Warn("subscribe failed", "target", target, "error", err)
			_ = sink.sendError(err)
			if !errors.Is(err, errs.ErrMalformedInput) {
				return
			}
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Control
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			err = sess.Subscribe(ctx, msg.Target)
		case "pause":
			err = sess.Unsubscribe(ctx)
		case "unsubscribe":
			// keepAlive sends the close frame once the session is gone
			_ = sess.Close()
			continue
		default:
			continue
		}
		if err != nil {
			log.Warn("relay control failed", "action", msg.Action, "error", err)
			_ = sink.sendError(err)
			if errors.Is(err, errs.ErrStoreUnavailable) || errors.Is(err, errs.ErrClosed) {
				return
			}
		}
	}
}

// keepAlive pings the viewer until the session ends, then closes the socket
// so the read loop stops.
func keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
