// Package client implements the library side of the wire protocol: a
// dispatch table that applies server messages to a local table mirror, and
// the asset coordinator driving the presigned upload/download flow.
package client

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tableforge/server/internal/protocol"
	"github.com/tableforge/server/internal/table"
)

// SendFunc delivers an envelope to the server. The transport is injected so
// the protocol logic stays testable without a socket.
type SendFunc func(*protocol.Envelope) error

// NoticeFunc surfaces user-visible events (corrections, errors, roster
// changes) to the embedding UI.
type NoticeFunc func(kind string, data map[string]any)

// Handler processes one inbound envelope.
type Handler func(env *protocol.Envelope)

// Protocol is the client-side message dispatcher. Inbound mutations are
// applied to the local mirror directly and never echoed back; the server
// already broadcast them to everyone else.
type Protocol struct {
	send   SendFunc
	notice NoticeFunc

	mu       sync.RWMutex
	clientID string
	session  string
	tables   *table.Manager
	handlers map[protocol.MessageType]Handler

	seq atomic.Int64
}

// New builds a client protocol around a transport send callback.
func New(send SendFunc, notice NoticeFunc) *Protocol {
	if notice == nil {
		notice = func(string, map[string]any) {}
	}
	p := &Protocol{
		send:     send,
		notice:   notice,
		tables:   table.NewManager(),
		handlers: make(map[protocol.MessageType]Handler),
	}
	p.registerBuiltins()
	return p
}

// RegisterHandler installs or overrides the route for a message type.
func (p *Protocol) RegisterHandler(t protocol.MessageType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = h
}

// ClientID returns the identity assigned by the welcome message.
func (p *Protocol) ClientID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clientID
}

// SessionCode returns the joined session, empty before welcome.
func (p *Protocol) SessionCode() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

// Tables exposes the local mirror.
func (p *Protocol) Tables() *table.Manager { return p.tables }

// HandleMessage routes one inbound envelope. Unroutable messages are
// dropped with a debug log; the server is allowed to be newer than us.
func (p *Protocol) HandleMessage(raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	p.mu.RLock()
	h, ok := p.handlers[env.Type]
	p.mu.RUnlock()
	if !ok {
		slog.Debug("no client handler for message", "type", env.Type)
		return nil
	}
	h(env)
	return nil
}

// Send stamps an envelope with the next sequence id and ships it.
func (p *Protocol) Send(env *protocol.Envelope) error {
	if p.send == nil {
		return fmt.Errorf("no transport attached")
	}
	seq := p.seq.Add(1)
	env.SequenceID = &seq
	p.mu.RLock()
	env.ClientID = p.clientID
	p.mu.RUnlock()
	return p.send(env)
}

// Request builds and sends an envelope of the given type.
func (p *Protocol) Request(t protocol.MessageType, data map[string]any) error {
	return p.Send(protocol.NewEnvelope(t, data))
}

func (p *Protocol) registerBuiltins() {
	p.handlers[protocol.TypeWelcome] = p.onWelcome
	p.handlers[protocol.TypePing] = p.onPing
	p.handlers[protocol.TypePong] = func(*protocol.Envelope) {}
	p.handlers[protocol.TypeError] = p.onError
	p.handlers[protocol.TypeTableData] = p.onTableData
	p.handlers[protocol.TypeTableResponse] = p.onTableData
	p.handlers[protocol.TypeNewTableResponse] = p.onTableData
	p.handlers[protocol.TypeTableUpdate] = p.onTableUpdate
	p.handlers[protocol.TypeTableDelete] = p.onTableDelete
	p.handlers[protocol.TypeSpriteUpdate] = p.onSpriteUpdate
	p.handlers[protocol.TypeCharacterUpdate] = p.onCharacterUpdate
	p.handlers[protocol.TypePlayerJoined] = p.onRosterChange("player_joined")
	p.handlers[protocol.TypePlayerLeft] = p.onRosterChange("player_left")
}

func (p *Protocol) onWelcome(env *protocol.Envelope) {
	p.mu.Lock()
	p.clientID = env.DataString("client_id")
	p.session = env.DataString("session_code")
	p.mu.Unlock()
	p.notice("welcome", env.Data)
}

// onPing answers the server keepalive so the reaper sees us alive.
func (p *Protocol) onPing(_ *protocol.Envelope) {
	if err := p.Send(protocol.NewPong()); err != nil {
		slog.Warn("pong send failed", "error", err)
	}
}

func (p *Protocol) onError(env *protocol.Envelope) {
	slog.Warn("server error", "code", env.DataString("error"), "detail", env.DataString("detail"))
	p.notice("server_error", env.Data)
}

// onTableData installs or replaces the mirrored table.
func (p *Protocol) onTableData(env *protocol.Envelope) {
	doc := env.DataMap("table_data")
	if doc == nil {
		return
	}
	t, err := table.FromDict(doc)
	if err != nil {
		slog.Warn("bad table_data payload", "error", err)
		return
	}
	p.tables.Put(t)
	p.notice("table_loaded", map[string]any{"table_id": t.TableID, "name": t.Name})
}

func (p *Protocol) onTableUpdate(env *protocol.Envelope) {
	t, err := p.tables.Resolve(env.DataString("table_id"))
	if err != nil {
		return
	}
	updates := env.DataMap("updates")
	if x, ok := numValue(updates["x"]); ok {
		t.ViewX = x
	}
	if y, ok := numValue(updates["y"]); ok {
		t.ViewY = y
	}
	if s, ok := numValue(updates["scale"]); ok && s > 0 {
		t.Scale = s
	}
}

func (p *Protocol) onTableDelete(env *protocol.Envelope) {
	if t, err := p.tables.Resolve(env.DataString("table_id")); err == nil {
		p.tables.Delete(t.TableID)
		p.notice("table_deleted", map[string]any{"table_id": t.TableID})
	}
}

// onSpriteUpdate applies a server-derived sprite mutation to the mirror.
// position_correction additionally means one of our own moves was rejected;
// the authoritative position wins and the UI gets told.
func (p *Protocol) onSpriteUpdate(env *protocol.Envelope) {
	subtype := env.DataString("type")
	tableID := env.DataString("table_id")
	spriteID := env.DataString("sprite_id")

	t, err := p.tables.Resolve(tableID)
	if err != nil {
		return
	}

	switch subtype {
	case string(protocol.TypePositionCorrection):
		p.applyPosition(t, spriteID, env.DataMap("position"))
		p.notice("position_correction", env.Data)

	case "sprite_move":
		p.applyPosition(t, spriteID, env.DataMap("to"))

	case "sprite_create":
		pos, ok := positionFrom(env.DataMap("position"))
		if !ok {
			return
		}
		layer := env.DataString("layer")
		if layer == "" {
			layer = table.LayerTokens
		}
		if _, err := t.AddEntity(table.EntityDescriptor{
			SpriteID: spriteID,
			Layer:    layer,
			Position: pos,
		}); err != nil {
			slog.Warn("mirror sprite_create failed", "sprite_id", spriteID, "error", err)
		}

	case "sprite_remove":
		if e, ok := t.FindEntityBySpriteID(spriteID); ok {
			t.RemoveEntity(e.EntityID)
		}

	case "sprite_scale":
		if e, ok := t.FindEntityBySpriteID(spriteID); ok {
			if sx, okX := numValue(env.Data["scale_x"]); okX {
				e.ScaleX = sx
			}
			if sy, okY := numValue(env.Data["scale_y"]); okY {
				e.ScaleY = sy
			}
		}

	case "sprite_rotate":
		if e, ok := t.FindEntityBySpriteID(spriteID); ok {
			if r, okR := numValue(env.Data["rotation"]); okR {
				e.Rotation = r
			}
		}
	}
}

func (p *Protocol) applyPosition(t *table.Table, spriteID string, posData map[string]any) {
	pos, ok := positionFrom(posData)
	if !ok {
		return
	}
	e, found := t.FindEntityBySpriteID(spriteID)
	if !found {
		return
	}
	// Mirror moves are authoritative; force past any stale local occupancy
	// by re-placing the entity when a plain move is refused.
	if err := t.MoveEntity(e.EntityID, pos, ""); err != nil {
		desc := table.EntityDescriptor{
			SpriteID:     e.SpriteID,
			Name:         e.Name,
			Layer:        e.Layer,
			Position:     pos,
			ScaleX:       e.ScaleX,
			ScaleY:       e.ScaleY,
			Rotation:     e.Rotation,
			CharacterID:  e.CharacterID,
			ControlledBy: e.ControlledBy,
		}
		t.RemoveEntity(e.EntityID)
		if _, readd := t.AddEntity(desc); readd != nil {
			slog.Warn("mirror position apply failed", "sprite_id", spriteID, "error", readd)
		}
	}
}

func (p *Protocol) onCharacterUpdate(env *protocol.Envelope) {
	p.notice("character_update", env.Data)
}

func (p *Protocol) onRosterChange(kind string) Handler {
	return func(env *protocol.Envelope) {
		p.notice(kind, env.Data)
	}
}

// ---- request helpers ----

// MoveSprite sends the optimistic move. The local mirror moves immediately;
// a position_correction rolls it back if the server disagrees.
func (p *Protocol) MoveSprite(tableID, spriteID string, to table.Position) error {
	if t, err := p.tables.Resolve(tableID); err == nil {
		if e, ok := t.FindEntityBySpriteID(spriteID); ok {
			// Best-effort local prediction.
			_ = t.MoveEntity(e.EntityID, to, "")
		}
	}
	return p.Request(protocol.TypeSpriteMove, map[string]any{
		"table_id":  tableID,
		"sprite_id": spriteID,
		"to":        map[string]any{"x": to.X, "y": to.Y},
	})
}

// CreateTable asks the server for a new table.
func (p *Protocol) CreateTable(name string, width, height int) error {
	return p.Request(protocol.TypeNewTableRequest, map[string]any{
		"table_name": name, "width": width, "height": height,
	})
}

// RequestTable pulls a full table snapshot.
func (p *Protocol) RequestTable(idOrName string) error {
	return p.Request(protocol.TypeTableRequest, map[string]any{"table_id": idOrName})
}

// UpdateCharacter sends an optimistic-versioned sheet update.
func (p *Protocol) UpdateCharacter(characterID string, updates map[string]any, version int) error {
	return p.Request(protocol.TypeCharacterUpdate, map[string]any{
		"character_id": characterID,
		"updates":      updates,
		"version":      version,
	})
}

func positionFrom(m map[string]any) (table.Position, bool) {
	if m == nil {
		return table.Position{}, false
	}
	x, okX := numValue(m["x"])
	y, okY := numValue(m["y"])
	if !okX || !okY {
		return table.Position{}, false
	}
	return table.Position{X: int(x), Y: int(y)}, true
}

func numValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
