package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tableforge/server/internal/actions"
	"github.com/tableforge/server/internal/assets"
	"github.com/tableforge/server/internal/events"
	"github.com/tableforge/server/internal/middleware"
	"github.com/tableforge/server/internal/monitoring"
	"github.com/tableforge/server/internal/storage"
	"github.com/tableforge/server/internal/table"
)

// sessionCodePattern keeps session codes path- and key-safe across the
// table store and the Redis presence keys.
var sessionCodePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ManagerConfig wires the shared dependencies into the connection manager.
type ManagerConfig struct {
	TableStore     storage.TableStore
	CharacterStore storage.CharacterStore
	Assets         *assets.Manager
	Bus            events.Bus
	Metrics        *monitoring.Metrics
	Limiter        *middleware.RateLimiter
	SaveDebounce   time.Duration
	AllowedOrigins []string
}

// ConnectionManager owns the session registry and both transports. Sessions
// are created on first join and restored from the table store.
type ConnectionManager struct {
	cfg      ManagerConfig
	proto    *ServerProtocol
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Broker
}

// NewConnectionManager builds the manager and its shared dispatch table.
func NewConnectionManager(cfg ManagerConfig) *ConnectionManager {
	if cfg.Bus == nil {
		cfg.Bus = events.NewLocalBus()
	}
	return &ConnectionManager{
		cfg:   cfg,
		proto: NewServerProtocol(cfg.Assets, cfg.Metrics, cfg.Limiter),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(cfg.AllowedOrigins),
		},
		sessions: make(map[string]*Broker),
	}
}

// Protocol exposes the dispatch table so embedders can register custom
// routes before serving.
func (cm *ConnectionManager) Protocol() *ServerProtocol { return cm.proto }

// GetOrCreateSession returns the broker for a session code, creating it and
// restoring its persisted tables on first use.
func (cm *ConnectionManager) GetOrCreateSession(code string) (*Broker, error) {
	if !sessionCodePattern.MatchString(code) {
		return nil, errInvalidSessionCode
	}

	cm.mu.RLock()
	b, ok := cm.sessions[code]
	cm.mu.RUnlock()
	if ok {
		return b, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if b, ok := cm.sessions[code]; ok {
		return b, nil
	}

	act := actions.New(code, table.NewManager(), cm.cfg.TableStore, cm.cfg.CharacterStore,
		actions.Options{SaveDebounce: cm.cfg.SaveDebounce})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := act.LoadPersistedTables(ctx); err != nil {
		// A corrupt table file should not brick the whole session.
		slog.Warn("table restore incomplete", "session", code, "error", err)
	}

	b = NewBroker(code, act, cm.proto, cm.cfg.Bus, cm.cfg.Metrics)
	cm.sessions[code] = b
	cm.cfg.Metrics.SessionsActive.Set(float64(len(cm.sessions)))
	slog.Info("session opened", "session", code, "tables", act.Tables().Len())
	return b, nil
}

var errInvalidSessionCode = &invalidSessionCodeError{}

type invalidSessionCodeError struct{}

func (*invalidSessionCodeError) Error() string { return "invalid session code" }

// HandleWebSocket upgrades /ws/{session_code} connections and hands them to
// the session broker. Identity arrives as query parameters; the auth service
// terminates upstream and forwards only vetted requests.
func (cm *ConnectionManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["session_code"]
	userID := r.URL.Query().Get("user_id")
	username := r.URL.Query().Get("username")
	if username == "" {
		username = "anonymous"
	}

	broker, err := cm.GetOrCreateSession(code)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if broker.IsBanned(userID) {
		http.Error(w, "banned from session", http.StatusForbidden)
		return
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	ws := newWSConn(broker, conn)
	clientID := newClientID()
	go ws.writePump()
	broker.AddClient(ws, clientID, UserInfo{UserID: userID, Username: username})
	go ws.readPump()
}

// SessionSummary is the admin API view of one session.
type SessionSummary struct {
	SessionCode string   `json:"session_code"`
	Clients     int      `json:"clients"`
	Tables      []string `json:"tables"`
}

// Sessions snapshots every live session for the admin surface.
func (cm *ConnectionManager) Sessions() []SessionSummary {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]SessionSummary, 0, len(cm.sessions))
	for code, b := range cm.sessions {
		out = append(out, SessionSummary{
			SessionCode: code,
			Clients:     b.ClientCount(),
			Tables:      b.TableNames(),
		})
	}
	return out
}

// CloseSession stops one session, flushing its pending saves.
func (cm *ConnectionManager) CloseSession(ctx context.Context, code string) bool {
	cm.mu.Lock()
	b, ok := cm.sessions[code]
	if ok {
		delete(cm.sessions, code)
		cm.cfg.Metrics.SessionsActive.Set(float64(len(cm.sessions)))
	}
	cm.mu.Unlock()
	if !ok {
		return false
	}
	b.Stop(ctx)
	return true
}

// Shutdown stops every session and the shared rate limiter.
func (cm *ConnectionManager) Shutdown(ctx context.Context) {
	cm.mu.Lock()
	brokers := make([]*Broker, 0, len(cm.sessions))
	for _, b := range cm.sessions {
		brokers = append(brokers, b)
	}
	cm.sessions = make(map[string]*Broker)
	cm.mu.Unlock()

	for _, b := range brokers {
		b.Stop(ctx)
	}
	cm.cfg.Metrics.SessionsActive.Set(0)
	if cm.cfg.Limiter != nil {
		cm.cfg.Limiter.Close()
	}
	slog.Info("all sessions stopped", "count", len(brokers))
}

// newClientID mints the opaque 16-hex-char client identity.
func newClientID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// fall back to a timestamp-derived id rather than crash.
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405")))[:16]
	}
	return hex.EncodeToString(buf)
}
