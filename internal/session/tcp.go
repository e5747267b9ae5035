package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// tcpIdleTimeout closes raw TCP clients that stop sending entirely. The
// protocol-level keepalive keeps healthy clients well inside this window.
const tcpIdleTimeout = 2 * time.Minute

// tcpHello is the mandatory first line on a raw TCP connection, binding it
// to a session before any protocol frames flow.
type tcpHello struct {
	SessionCode string `json:"session_code"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
}

// tcpConn is one newline-delimited TCP client: one JSON envelope per line,
// the legacy framing predating the WebSocket transport. Writes funnel
// through the send channel to a single writer goroutine, same ownership
// split as the WebSocket pump.
type tcpConn struct {
	broker *Broker
	conn   net.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newTCPConn(broker *Broker, conn net.Conn) *tcpConn {
	return &tcpConn{
		broker: broker,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (tc *tcpConn) Send(frame []byte) error {
	select {
	case tc.send <- frame:
		return nil
	case <-tc.done:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (tc *tcpConn) Close() error {
	tc.once.Do(func() {
		close(tc.done)
		tc.conn.Close()
	})
	return nil
}

func (tc *tcpConn) Remote() string {
	return tc.conn.RemoteAddr().String()
}

func (tc *tcpConn) writeLoop() {
	defer tc.Close()
	for {
		select {
		case frame := <-tc.send:
			tc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := tc.conn.Write(append(frame, '\n')); err != nil {
				slog.Warn("[TCP] write failed", "remote", tc.Remote(), "error", err)
				return
			}
		case <-tc.done:
			return
		}
	}
}

// readLoop consumes frames from reader, which must be the same buffered
// reader that consumed the hello line so no bytes are lost.
func (tc *tcpConn) readLoop(reader io.Reader) {
	defer func() {
		tc.broker.RemoveClient(tc)
		tc.Close()
	}()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxMsgSize)
	for {
		tc.conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				slog.Warn("[TCP] read error", "remote", tc.Remote(), "error", err)
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer; the broker processes asynchronously.
		frame := make([]byte, len(line))
		copy(frame, line)
		tc.broker.HandleFrame(tc, frame)
	}
}

// ServeTCP accepts newline-delimited clients until the listener closes.
// Each connection must open with a hello line naming its session.
func (cm *ConnectionManager) ServeTCP(l net.Listener) {
	slog.Info("[TCP] listening", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			slog.Info("[TCP] listener closed", "error", err)
			return
		}
		go cm.handleTCPConn(conn)
	}
}

func (cm *ConnectionManager) handleTCPConn(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		slog.Warn("[TCP] no hello line", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	var hello tcpHello
	if err := json.Unmarshal(line, &hello); err != nil || hello.SessionCode == "" {
		slog.Warn("[TCP] bad hello line", "remote", conn.RemoteAddr())
		conn.Close()
		return
	}
	if hello.Username == "" {
		hello.Username = "anonymous"
	}

	broker, err := cm.GetOrCreateSession(hello.SessionCode)
	if err != nil {
		slog.Warn("[TCP] session open failed", "session", hello.SessionCode, "error", err)
		conn.Close()
		return
	}
	if broker.IsBanned(hello.UserID) {
		slog.Info("[TCP] banned user rejected", "session", hello.SessionCode, "user_id", hello.UserID)
		conn.Close()
		return
	}

	tc := newTCPConn(broker, conn)
	clientID := newClientID()
	go tc.writeLoop()
	broker.AddClient(tc, clientID, UserInfo{UserID: hello.UserID, Username: hello.Username})
	tc.readLoop(reader)
}
