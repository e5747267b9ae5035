package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tableforge/server/internal/assets"
	"github.com/tableforge/server/internal/monitoring"
	"github.com/tableforge/server/internal/protocol"
	"github.com/tableforge/server/internal/storage"
)

func newTestManager(t *testing.T) *ConnectionManager {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	cm := NewConnectionManager(ManagerConfig{
		TableStore:     store,
		CharacterStore: store,
		Assets:         assets.NewManager(assets.DisabledPresigner{}),
		Metrics:        monitoring.NewMetricsFor(prometheus.NewRegistry()),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		cm.Shutdown(ctx)
	})
	return cm
}

func newWSServer(t *testing.T, cm *ConnectionManager) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/ws/{session_code}", cm.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSEnvelope(t *testing.T, conn *websocket.Conn, typ protocol.MessageType) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s frame arrived", typ)
	return nil
}

func TestGetOrCreateSession_ValidatesCode(t *testing.T) {
	cm := newTestManager(t)

	_, err := cm.GetOrCreateSession("has spaces")
	require.Error(t, err)
	_, err = cm.GetOrCreateSession("")
	require.Error(t, err)
	_, err = cm.GetOrCreateSession("../escape")
	require.Error(t, err)

	b, err := cm.GetOrCreateSession("GAME_42-x")
	require.NoError(t, err)
	again, err := cm.GetOrCreateSession("GAME_42-x")
	require.NoError(t, err)
	assert.Same(t, b, again, "one broker per session code")
}

func TestGetOrCreateSession_RestoresPersistedTables(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	// A previous process saved a table for this session.
	first := NewConnectionManager(ManagerConfig{
		TableStore: store, CharacterStore: store,
		Assets:  assets.NewManager(assets.DisabledPresigner{}),
		Metrics: monitoring.NewMetricsFor(prometheus.NewRegistry()),
	})
	b, err := first.GetOrCreateSession("PERSIST")
	require.NoError(t, err)
	require.True(t, b.actions.CreateTable("dungeon", 10, 10).Success)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first.Shutdown(ctx)

	second := NewConnectionManager(ManagerConfig{
		TableStore: store, CharacterStore: store,
		Assets:  assets.NewManager(assets.DisabledPresigner{}),
		Metrics: monitoring.NewMetricsFor(prometheus.NewRegistry()),
	})
	defer second.Shutdown(ctx)
	restored, err := second.GetOrCreateSession("PERSIST")
	require.NoError(t, err)
	assert.Equal(t, []string{"dungeon"}, restored.TableNames())
}

func TestSessions_SnapshotsWhileTablesMutate(t *testing.T) {
	cm := newTestManager(t)
	srv := newWSServer(t, cm)

	conn := dialWS(t, srv, "/ws/ADMIN2?user_id=alice&username=Alice")
	readWSEnvelope(t, conn, protocol.TypeWelcome)

	// The admin snapshot polls from its own goroutine while the session loop
	// applies table creations.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				cm.Sessions()
			}
		}
	}()

	const tables = 8
	for i := 0; i < tables; i++ {
		create, err := protocol.NewEnvelope(protocol.TypeNewTableRequest, map[string]any{
			"table_name": fmt.Sprintf("room-%d", i), "width": 4, "height": 4,
		}).Encode()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, create))
		readWSEnvelope(t, conn, protocol.TypeNewTableResponse)
	}
	close(stop)
	wg.Wait()

	summaries := cm.Sessions()
	require.Len(t, summaries, 1)
	assert.Equal(t, "ADMIN2", summaries[0].SessionCode)
	assert.Len(t, summaries[0].Tables, tables)
}

func TestWebSocket_EndToEnd(t *testing.T) {
	cm := newTestManager(t)
	srv := newWSServer(t, cm)

	conn := dialWS(t, srv, "/ws/WSGAME?user_id=alice&username=Alice")
	welcome := readWSEnvelope(t, conn, protocol.TypeWelcome)
	assert.Equal(t, "WSGAME", welcome.Data["session_code"])
	assert.Equal(t, "Alice", welcome.Data["username"])

	// Round-trip a protocol ping over the socket.
	ping, err := protocol.NewEnvelope(protocol.TypePing, nil).Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ping))
	readWSEnvelope(t, conn, protocol.TypePong)

	// A second client sees the first through player_list.
	conn2 := dialWS(t, srv, "/ws/WSGAME?user_id=bob&username=Bob")
	readWSEnvelope(t, conn2, protocol.TypeWelcome)
	list, err := protocol.NewEnvelope(protocol.TypePlayerListRequest, nil).Encode()
	require.NoError(t, err)
	require.NoError(t, conn2.WriteMessage(websocket.TextMessage, list))
	roster := readWSEnvelope(t, conn2, protocol.TypePlayerListResponse)
	assert.Len(t, roster.Data["players"], 2)
}

func TestWebSocket_InvalidSessionCodeRejected(t *testing.T) {
	cm := newTestManager(t)
	srv := newWSServer(t, cm)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bad%20code"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_BannedUserRejected(t *testing.T) {
	cm := newTestManager(t)
	srv := newWSServer(t, cm)

	b, err := cm.GetOrCreateSession("BANGAME")
	require.NoError(t, err)
	b.BanUser("mallory")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/BANGAME?user_id=mallory"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTCP_EndToEnd(t *testing.T) {
	cm := newTestManager(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go cm.ServeTCP(l)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello, err := json.Marshal(tcpHello{SessionCode: "TCPGAME", UserID: "alice", Username: "Alice"})
	require.NoError(t, err)
	_, err = conn.Write(append(hello, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	readLine := func(typ protocol.MessageType) *protocol.Envelope {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			line, err := reader.ReadBytes('\n')
			require.NoError(t, err)
			env, err := protocol.Decode(line)
			require.NoError(t, err)
			if env.Type == typ {
				return env
			}
		}
	}

	welcome := readLine(protocol.TypeWelcome)
	assert.Equal(t, "TCPGAME", welcome.Data["session_code"])

	ping, err := protocol.NewEnvelope(protocol.TypePing, nil).Encode()
	require.NoError(t, err)
	_, err = conn.Write(append(ping, '\n'))
	require.NoError(t, err)
	readLine(protocol.TypePong)
}

func TestTCP_BadHelloDropsConnection(t *testing.T) {
	cm := newTestManager(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go cm.ServeTCP(l)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "server closes without a hello")
}

func TestSessionsAndCloseSession(t *testing.T) {
	cm := newTestManager(t)
	b, err := cm.GetOrCreateSession("ADMIN1")
	require.NoError(t, err)
	require.True(t, b.actions.CreateTable("arena", 5, 5).Success)

	summaries := cm.Sessions()
	require.Len(t, summaries, 1)
	assert.Equal(t, "ADMIN1", summaries[0].SessionCode)
	assert.Equal(t, []string{"arena"}, summaries[0].Tables)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, cm.CloseSession(ctx, "ADMIN1"))
	assert.False(t, cm.CloseSession(ctx, "ADMIN1"))
	assert.Empty(t, cm.Sessions())
}

func TestNewClientID(t *testing.T) {
	a, b := newClientID(), newClientID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
