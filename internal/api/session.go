// session.go is one connected WebSocket client: a read pump that interprets
// subscribe/unsubscribe control frames and a write pump that drains the
// outbound queue. Malformed frames get an error reply and the session stays
// open; only a transport error closes it.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sessionSendBuffer  = 64
	sessionWriteWait   = 10 * time.Second
	sessionPongWait    = 60 * time.Second
	sessionPingPeriod  = 45 * time.Second
	sessionMaxFrameLen = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type session struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *slog.Logger
	send   chan []byte
}

// handleWS upgrades the connection and runs the session pumps. The handler
// returns when the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	sess := &session{
		hub:    s.hub,
		conn:   conn,
		logger: s.logger.With("remote", conn.RemoteAddr().String()),
		send:   make(chan []byte, sessionSendBuffer),
	}
	s.hub.attach(sess)
	go sess.writePump()
	sess.readPump()
}

// enqueue queues one outbound frame without blocking. A full queue drops the
// frame: a stalled client must not stall the broadcaster.
func (sess *session) enqueue(payload []byte) {
	select {
	case sess.send <- payload:
	default:
	}
}

func (sess *session) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	sess.enqueue(payload)
}

// readPump consumes control frames until the transport closes, then detaches.
func (sess *session) readPump() {
	defer func() {
		sess.hub.detach(sess)
		sess.conn.Close()
		close(sess.send)
	}()
	sess.conn.SetReadLimit(sessionMaxFrameLen)
	sess.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
		return nil
	})

	for {
		_, msg, err := sess.conn.ReadMessage()
		if err != nil {
			sess.logger.Debug("session closed", "error", err)
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			sess.sendJSON(errorFrame{Error: "Invalid JSON"})
			continue
		}
		if frame.Symbol == "" || (frame.Action == "subscribe" && len(frame.Exchanges) == 0) {
			sess.sendJSON(errorFrame{Error: "Missing symbol or exchanges"})
			continue
		}
		switch frame.Action {
		case "subscribe":
			sess.hub.subscribe(sess, frame.Symbol, frame.Exchanges)
		case "unsubscribe":
			sess.hub.unsubscribe(sess, frame.Symbol)
		default:
			sess.sendJSON(errorFrame{Error: "Unknown action"})
		}
	}
}

// writePump drains the send queue onto the socket and keeps the client alive
// with pings. It exits when readPump closes the queue.
func (sess *session) writePump() {
	ticker := time.NewTicker(sessionPingPeriod)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-sess.send:
			if !ok {
				return
			}
			sess.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
