package session

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // transport pings, must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write one frame
	maxMsgSize = 512 * 1024       // max inbound frame size
	sendBuffer = 256              // per-client outbound channel buffer
)

// buildCheckOrigin validates the Origin header against an allowlist. An
// empty allowlist accepts everything, which is the dev default.
func buildCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSpace(origin)] = true
	}
	slog.Info("[WebSocket] origin allowlist active", "count", len(allowed))
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowed[origin] {
			return true
		}
		slog.Info("[WebSocket] rejected connection from origin", "origin", origin)
		return false
	}
}

// wsConn is one WebSocket client. All writes go through the Send channel to
// the writePump goroutine, which is the only caller of WriteMessage; readPump
// is the only caller of ReadMessage. That split removes concurrent write
// races between replies, broadcasts and transport pings.
type wsConn struct {
	broker *Broker
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newWSConn(broker *Broker, conn *websocket.Conn) *wsConn {
	return &wsConn{
		broker: broker,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Send enqueues a frame without blocking. A full buffer means the client is
// not draining; the broker treats the error as a dead connection.
func (ws *wsConn) Send(frame []byte) error {
	select {
	case ws.send <- frame:
		return nil
	case <-ws.done:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close shuts the connection down exactly once.
func (ws *wsConn) Close() error {
	ws.once.Do(func() {
		close(ws.done)
		ws.conn.Close()
	})
	return nil
}

func (ws *wsConn) Remote() string {
	return ws.conn.RemoteAddr().String()
}

func (ws *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame := <-ws.send:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Warn("[WebSocket] write failed", "remote", ws.Remote(), "error", err)
				return
			}
			// Drain queued frames in the same wakeup.
			n := len(ws.send)
			for i := 0; i < n; i++ {
				if err := ws.conn.WriteMessage(websocket.TextMessage, <-ws.send); err != nil {
					slog.Warn("[WebSocket] batch write failed", "remote", ws.Remote(), "error", err)
					return
				}
			}

		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ws.done:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ws.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (ws *wsConn) readPump() {
	defer func() {
		ws.broker.RemoveClient(ws)
		ws.Close()
	}()

	ws.conn.SetReadLimit(maxMsgSize)
	ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		ws.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[WebSocket] read error", "remote", ws.Remote(), "error", err)
			}
			return
		}
		ws.broker.HandleFrame(ws, payload)
	}
}
