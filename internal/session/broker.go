// Package session implements the server side of the realtime protocol: the
// per-session broker with its fan-out and keepalive, the message-type
// dispatch table, and the top-level connection manager that routes frames
// from transports to brokers.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tableforge/server/internal/actions"
	"github.com/tableforge/server/internal/events"
	"github.com/tableforge/server/internal/monitoring"
	"github.com/tableforge/server/internal/protocol"
)

// Keepalive cadence. A client is reaped when its protocol-level last_ping
// age exceeds PingTimeout; the reaper wakes every ReapInterval.
const (
	KeepaliveInterval = 20 * time.Second
	ReapInterval      = 30 * time.Second
	PingTimeout       = 60 * time.Second
)

// ClientConn is the transport handle the broker holds per client. Send must
// not block the broker loop; implementations enqueue and report a full
// buffer or closed connection as an error.
type ClientConn interface {
	Send(frame []byte) error
	Close() error
	Remote() string
}

// UserInfo identifies the human behind a connection.
type UserInfo struct {
	UserID   string
	Username string
}

// ClientInfo is the broker's per-client metadata.
type ClientInfo struct {
	ClientID    string
	UserID      string
	Username    string
	ConnectedAt time.Time
	LastPing    time.Time
}

type cmdKind int

const (
	cmdFrame cmdKind = iota
	cmdJoin
	cmdLeave
	cmdStats
	cmdStop
)

type brokerCmd struct {
	kind     cmdKind
	conn     ClientConn
	clientID string
	user     UserInfo
	raw      []byte
	names    chan []string // non-nil for cmdStats
	done     chan struct{} // non-nil for cmdStop
}

// Broker owns one session: its clients, its table state (through the action
// layer) and the protocol dispatcher. All state mutation happens on the
// single run loop, which is what lets the table model go lockless. The
// client registry is additionally guarded so admin reads can snapshot it
// without entering the loop.
type Broker struct {
	SessionCode string

	proto   *ServerProtocol
	actions *actions.Actions
	bus     events.Bus
	metrics *monitoring.Metrics

	mu        sync.RWMutex
	clients   map[string]ClientConn
	info      map[string]*ClientInfo
	connIndex map[ClientConn]string
	banned    map[string]struct{} // user_id -> banned

	// seenFrames suppresses (client_id, sequence_id) duplicates.
	seenFrames map[string]struct{}
	seenOrder  []string

	inbox   chan brokerCmd
	stopped chan struct{}
}

// maxSeenFrames bounds the duplicate-suppression memory per session.
const maxSeenFrames = 4096

// inboxSize bounds how far a session can fall behind before transports
// start dropping frames.
const inboxSize = 512

// NewBroker builds a broker and starts its run loop, keepalive and reaper.
func NewBroker(sessionCode string, act *actions.Actions, proto *ServerProtocol,
	bus events.Bus, metrics *monitoring.Metrics) *Broker {

	b := &Broker{
		SessionCode: sessionCode,
		proto:       proto,
		actions:     act,
		bus:         bus,
		metrics:     metrics,
		clients:     make(map[string]ClientConn),
		info:        make(map[string]*ClientInfo),
		connIndex:   make(map[ClientConn]string),
		banned:      make(map[string]struct{}),
		seenFrames:  make(map[string]struct{}),
		inbox:       make(chan brokerCmd, inboxSize),
		stopped:     make(chan struct{}),
	}
	go b.run()
	return b
}

// AddClient registers a transport under a client id and sends the welcome
// envelope.
func (b *Broker) AddClient(conn ClientConn, clientID string, user UserInfo) {
	b.enqueue(brokerCmd{kind: cmdJoin, conn: conn, clientID: clientID, user: user})
}

// RemoveClient evicts whatever client the transport is bound to. Safe to
// call repeatedly; disconnect is idempotent.
func (b *Broker) RemoveClient(conn ClientConn) {
	b.enqueue(brokerCmd{kind: cmdLeave, conn: conn})
}

// HandleFrame feeds one raw text frame from a transport into the session.
// Frames are processed strictly in arrival order per session.
func (b *Broker) HandleFrame(conn ClientConn, raw []byte) {
	b.enqueue(brokerCmd{kind: cmdFrame, conn: conn, raw: raw})
}

// Stop shuts the loop down, cancels the periodic tasks and drains pending
// saves. Blocks until the loop has exited or ctx is done.
func (b *Broker) Stop(ctx context.Context) {
	done := make(chan struct{})
	select {
	case b.inbox <- brokerCmd{kind: cmdStop, done: done}:
	case <-b.stopped:
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (b *Broker) enqueue(cmd brokerCmd) {
	select {
	case b.inbox <- cmd:
	case <-b.stopped:
	default:
		slog.Warn("session inbox full, dropping command", "session", b.SessionCode, "kind", cmd.kind)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// TableNames snapshots the session's table names. The read round-trips
// through the session loop because the table manager is loop-owned and
// lockless; admin callers must never touch it directly.
func (b *Broker) TableNames() []string {
	reply := make(chan []string, 1)
	select {
	case b.inbox <- brokerCmd{kind: cmdStats, names: reply}:
	case <-b.stopped:
		return nil
	}
	select {
	case names := <-reply:
		return names
	case <-b.stopped:
		return nil
	}
}

// Roster snapshots the per-client metadata for admin surfaces and the
// player_list handler.
func (b *Broker) Roster() []ClientInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ClientInfo, 0, len(b.info))
	for _, ci := range b.info {
		out = append(out, *ci)
	}
	return out
}

// clientInfo returns the live metadata record for a client, or nil.
func (b *Broker) clientInfo(clientID string) *ClientInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info[clientID]
}

// BanUser bars a user id from the session and drops their current
// connections.
func (b *Broker) BanUser(userID string) {
	b.mu.Lock()
	b.banned[userID] = struct{}{}
	var conns []ClientConn
	for id, ci := range b.info {
		if ci.UserID == userID {
			conns = append(conns, b.clients[id])
		}
	}
	b.mu.Unlock()

	for _, conn := range conns {
		b.handleLeave(conn)
	}
	slog.Info("user banned from session", "session", b.SessionCode, "user_id", userID)
}

// IsBanned reports whether the user id is barred from the session.
func (b *Broker) IsBanned(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, banned := b.banned[userID]
	return banned
}

// run is the session loop: the only goroutine that touches tables, the
// action layer or the registry maps' write side.
func (b *Broker) run() {
	keepalive := time.NewTicker(KeepaliveInterval)
	reaper := time.NewTicker(ReapInterval)
	defer keepalive.Stop()
	defer reaper.Stop()

	for {
		select {
		case cmd := <-b.inbox:
			switch cmd.kind {
			case cmdJoin:
				b.handleJoin(cmd.conn, cmd.clientID, cmd.user)
			case cmdLeave:
				b.handleLeave(cmd.conn)
			case cmdFrame:
				b.handleRawFrame(cmd.conn, cmd.raw)
			case cmdStats:
				cmd.names <- b.actions.Tables().Names()
			case cmdStop:
				close(b.stopped)
				b.actions.FlushAllPendingSaves()
				b.closeAllClients()
				close(cmd.done)
				return
			}
		case <-keepalive.C:
			b.broadcast(protocol.NewEnvelope(protocol.TypePing, map[string]any{
				"server_time": float64(time.Now().UnixNano()) / float64(time.Second),
			}), "")
		case <-reaper.C:
			b.reapStale()
		}
	}
}

func (b *Broker) handleJoin(conn ClientConn, clientID string, user UserInfo) {
	b.mu.Lock()
	now := time.Now()
	b.clients[clientID] = conn
	b.connIndex[conn] = clientID
	b.info[clientID] = &ClientInfo{
		ClientID:    clientID,
		UserID:      user.UserID,
		Username:    user.Username,
		ConnectedAt: now,
		LastPing:    now,
	}
	count := len(b.clients)
	b.mu.Unlock()

	b.metrics.ClientsConnected.WithLabelValues(b.SessionCode).Set(float64(count))
	slog.Info("client joined session", "session", b.SessionCode,
		"client_id", clientID, "username", user.Username, "remote", conn.Remote())

	welcome := protocol.NewEnvelope(protocol.TypeWelcome, map[string]any{
		"client_id":    clientID,
		"session_code": b.SessionCode,
		"user_id":      user.UserID,
		"username":     user.Username,
		"tables":       b.actions.Tables().Names(),
	})
	b.sendTo(clientID, welcome)

	b.broadcast(protocol.NewEnvelope(protocol.TypePlayerJoined, map[string]any{
		"client_id": clientID,
		"user_id":   user.UserID,
		"username":  user.Username,
	}), clientID)

	b.publishEvent(events.EventClientJoined, map[string]any{
		"client_id": clientID, "user_id": user.UserID, "username": user.Username,
	})
}

func (b *Broker) handleLeave(conn ClientConn) {
	b.mu.Lock()
	clientID, ok := b.connIndex[conn]
	if !ok {
		b.mu.Unlock()
		return
	}
	info := b.info[clientID]
	delete(b.connIndex, conn)
	delete(b.clients, clientID)
	delete(b.info, clientID)
	count := len(b.clients)
	b.mu.Unlock()

	b.metrics.ClientsConnected.WithLabelValues(b.SessionCode).Set(float64(count))
	b.proto.ClientDropped(clientID)
	conn.Close()

	var username string
	if info != nil {
		username = info.Username
	}
	slog.Info("client left session", "session", b.SessionCode, "client_id", clientID, "username", username)

	b.broadcast(protocol.NewEnvelope(protocol.TypePlayerLeft, map[string]any{
		"client_id": clientID,
		"username":  username,
	}), clientID)
	b.publishEvent(events.EventClientLeft, map[string]any{"client_id": clientID})
}

func (b *Broker) handleRawFrame(conn ClientConn, raw []byte) {
	b.mu.Lock()
	clientID, known := b.connIndex[conn]
	if known {
		// Any inbound frame counts as keepalive. The write happens under
		// the registry lock because Roster readers copy these records.
		b.info[clientID].LastPing = time.Now()
	}
	b.mu.Unlock()
	if !known {
		// Frame raced with disconnect; nothing to do.
		return
	}

	if protocol.IsBatchFrame(raw) {
		b.handleBatchFrame(conn, clientID, raw)
		return
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		b.metrics.MessagesFailed.WithLabelValues(string(protocol.ErrMalformedMessage)).Inc()
		b.sendEnvelope(conn, protocol.NewError(protocol.ErrMalformedMessage, err.Error()))
		return
	}
	env.ClientID = clientID
	b.processEnvelope(conn, clientID, env)
}

func (b *Broker) handleBatchFrame(conn ClientConn, clientID string, raw []byte) {
	batch, errs, err := protocol.DecodeBatch(raw)
	if err != nil {
		b.metrics.MessagesFailed.WithLabelValues(string(protocol.ErrMalformedMessage)).Inc()
		b.sendEnvelope(conn, protocol.NewError(protocol.ErrMalformedMessage, err.Error()))
		return
	}
	results := make([]any, 0, len(batch.Messages))
	for i, msg := range batch.Messages {
		if errs[i] != nil {
			results = append(results, map[string]any{
				"index": i, "success": false, "error": string(protocol.ErrMalformedMessage),
			})
			continue
		}
		msg.ClientID = clientID
		reply := b.processEnvelope(conn, clientID, msg)
		entry := map[string]any{"index": i, "success": reply == nil || reply.Type != protocol.TypeError}
		if reply != nil {
			entry["type"] = string(reply.Type)
			entry["data"] = reply.Data
		}
		results = append(results, entry)
	}
	b.sendEnvelope(conn, protocol.NewSuccess(map[string]any{
		"batch_seq": batch.Seq,
		"results":   results,
	}))
}

// processEnvelope runs dedupe and dispatch, replies to the sender and emits
// at most one derived broadcast per accepted mutation. Returns the reply for
// batch result collection.
func (b *Broker) processEnvelope(conn ClientConn, clientID string, env *protocol.Envelope) *protocol.Envelope {
	if key, ok := env.DedupeKey(); ok {
		if b.isDuplicate(key) {
			slog.Debug("dropping duplicate frame", "session", b.SessionCode, "key", key)
			return nil
		}
	}

	start := time.Now()
	out := b.proto.Handle(b, clientID, env)
	b.metrics.MessagesRouted.WithLabelValues(string(env.Type)).Inc()
	b.metrics.HandlerDuration.WithLabelValues(string(env.Type)).Observe(time.Since(start).Seconds())

	if out.Reply != nil {
		if out.Reply.Type == protocol.TypeError {
			if code, ok := out.Reply.Data["error"].(string); ok {
				b.metrics.MessagesFailed.WithLabelValues(code).Inc()
			}
		}
		// Replies echo the sender's sequence id so clients can correlate.
		out.Reply.SequenceID = env.SequenceID
		b.sendEnvelope(conn, out.Reply)
	}
	if out.Broadcast != nil {
		b.broadcast(out.Broadcast, clientID)
	}
	return out.Reply
}

func (b *Broker) isDuplicate(key string) bool {
	if _, seen := b.seenFrames[key]; seen {
		return true
	}
	b.seenFrames[key] = struct{}{}
	b.seenOrder = append(b.seenOrder, key)
	if len(b.seenOrder) > maxSeenFrames {
		oldest := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		delete(b.seenFrames, oldest)
	}
	return false
}

// broadcast sends an envelope to every client except exclude. A failed send
// queues the transport for removal and the fan-out continues.
func (b *Broker) broadcast(env *protocol.Envelope, exclude string) {
	raw, err := env.Encode()
	if err != nil {
		slog.Warn("broadcast encode failed", "session", b.SessionCode, "error", err)
		return
	}

	b.mu.RLock()
	targets := make(map[string]ClientConn, len(b.clients))
	for id, conn := range b.clients {
		if id != exclude {
			targets[id] = conn
		}
	}
	b.mu.RUnlock()

	var failed []ClientConn
	for id, conn := range targets {
		if err := conn.Send(raw); err != nil {
			slog.Warn("broadcast send failed, scheduling removal",
				"session", b.SessionCode, "client_id", id, "error", err)
			b.metrics.BroadcastDrops.Inc()
			failed = append(failed, conn)
		}
	}
	b.metrics.BroadcastFanout.Observe(float64(len(targets)))

	for _, conn := range failed {
		b.handleLeave(conn)
	}

	b.publishEvent(events.EventBroadcast, map[string]any{
		"type": string(env.Type), "recipients": len(targets) - len(failed),
	})
}

func (b *Broker) reapStale() {
	cutoff := time.Now().Add(-PingTimeout)

	b.mu.RLock()
	var stale []ClientConn
	for id, ci := range b.info {
		if ci.LastPing.Before(cutoff) {
			stale = append(stale, b.clients[id])
			slog.Info("reaping stale client", "session", b.SessionCode,
				"client_id", id, "last_ping_age", time.Since(ci.LastPing).Round(time.Second))
		}
	}
	b.mu.RUnlock()

	for _, conn := range stale {
		b.metrics.ClientsReaped.WithLabelValues(b.SessionCode).Inc()
		b.handleLeave(conn)
	}
	if len(stale) > 0 {
		b.publishEvent(events.EventClientReaped, map[string]any{"count": len(stale)})
	}
}

func (b *Broker) sendTo(clientID string, env *protocol.Envelope) {
	b.mu.RLock()
	conn, ok := b.clients[clientID]
	b.mu.RUnlock()
	if ok {
		b.sendEnvelope(conn, env)
	}
}

func (b *Broker) sendEnvelope(conn ClientConn, env *protocol.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		slog.Warn("reply encode failed", "session", b.SessionCode, "error", err)
		return
	}
	if err := conn.Send(raw); err != nil {
		slog.Warn("reply send failed", "session", b.SessionCode, "error", err)
	}
}

// KickClient force-removes a client by id. Returns false when unknown.
func (b *Broker) KickClient(clientID string) bool {
	b.mu.RLock()
	conn, ok := b.clients[clientID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	b.handleLeave(conn)
	return true
}

func (b *Broker) closeAllClients() {
	b.mu.Lock()
	for _, conn := range b.clients {
		conn.Close()
	}
	b.clients = make(map[string]ClientConn)
	b.connIndex = make(map[ClientConn]string)
	b.info = make(map[string]*ClientInfo)
	b.mu.Unlock()
}

func (b *Broker) publishEvent(t events.EventType, payload map[string]any) {
	if b.bus == nil {
		return
	}
	_ = b.bus.Publish(context.Background(), &events.Event{
		Type:        t,
		SessionCode: b.SessionCode,
		Source:      "broker",
		Payload:     payload,
		Timestamp:   time.Now(),
	})
}
