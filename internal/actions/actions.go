package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/tableforge/server/internal/protocol"
	"github.com/tableforge/server/internal/storage"
	"github.com/tableforge/server/internal/table"
)

// Actions exposes every state mutation for one session. Table mutations run
// on the session loop only; the character store and the debounced saver are
// the only suspension points underneath.
type Actions struct {
	sessionCode string
	tables      *table.Manager
	characters  storage.CharacterStore
	saver       *tableSaver
}

// Options tunes the action layer.
type Options struct {
	SaveDebounce time.Duration
}

// New wires the action layer for one session.
func New(sessionCode string, tables *table.Manager, tableStore storage.TableStore,
	characters storage.CharacterStore, opts Options) *Actions {
	return &Actions{
		sessionCode: sessionCode,
		tables:      tables,
		characters:  characters,
		saver:       newTableSaver(tableStore, sessionCode, opts.SaveDebounce),
	}
}

// Tables exposes the session's table registry to the protocol layer.
func (a *Actions) Tables() *table.Manager { return a.tables }

// SessionCode returns the owning session's code.
func (a *Actions) SessionCode() string { return a.sessionCode }

// ---- tables ----

// CreateTable makes a table and persists it immediately.
func (a *Actions) CreateTable(name string, width, height int) Result {
	if name == "" {
		return Failf(protocol.ErrMalformedMessage, "table name required")
	}
	t, err := a.tables.Create(name, width, height)
	if err != nil {
		return Fail(err)
	}
	doc := t.ToDict()
	if err := a.saver.flushNow(t.TableID, doc); err != nil {
		return Fail(err)
	}
	return OK("table created", map[string]any{"table_data": doc})
}

// DeleteTable removes a table from the session and from storage.
func (a *Actions) DeleteTable(ctx context.Context, tableID string) Result {
	t, err := a.tables.Resolve(tableID)
	if err != nil {
		return Fail(err)
	}
	if err := a.tables.Delete(t.TableID); err != nil {
		return Fail(err)
	}
	a.saver.drop(t.TableID)
	if err := a.saver.store.DeleteTable(ctx, a.sessionCode, t.TableID); err != nil {
		return Fail(err)
	}
	return OK("table deleted", map[string]any{"table_id": t.TableID})
}

// GetTable serializes a table for the wire.
func (a *Actions) GetTable(idOrName string) Result {
	t, err := a.tables.Resolve(idOrName)
	if err != nil {
		return Fail(err)
	}
	return OK("table", map[string]any{"table_data": t.ToDict()})
}

// ListTables returns the session's table names.
func (a *Actions) ListTables() Result {
	return OK("tables", map[string]any{"tables": a.tables.Names()})
}

// UpdateTableView applies pan/scale/visibility changes and schedules a save.
func (a *Actions) UpdateTableView(tableID string, updates map[string]any) Result {
	t, err := a.tables.Resolve(tableID)
	if err != nil {
		return Fail(err)
	}
	if x, ok := numField(updates, "x"); ok {
		t.ViewX = x
	}
	if y, ok := numField(updates, "y"); ok {
		t.ViewY = y
	}
	if s, ok := numField(updates, "scale"); ok && s > 0 {
		t.Scale = s
	}
	if vis, ok := updates["layer_visibility"].(map[string]any); ok {
		for layer, v := range vis {
			if table.KnownLayer(layer) {
				if b, ok := v.(bool); ok {
					t.LayerVisibility[layer] = b
				}
			}
		}
	}
	a.scheduleSave(t)
	return OK("table updated", map[string]any{"table_id": t.TableID})
}

// ---- sprites ----

// AddSprite places a new entity and schedules persistence.
func (a *Actions) AddSprite(tableID string, desc table.EntityDescriptor) Result {
	t, err := a.tables.Resolve(tableID)
	if err != nil {
		return Fail(err)
	}
	e, err := t.AddEntity(desc)
	if err != nil {
		return Fail(err)
	}
	a.scheduleSave(t)
	return OK("sprite created", map[string]any{
		"table_id":  t.TableID,
		"sprite_id": e.SpriteID,
		"entity_id": e.EntityID,
	})
}

// RemoveSprite deletes an entity after a permission check.
func (a *Actions) RemoveSprite(ctx context.Context, tableID, spriteID, userID string) Result {
	t, e, res := a.resolveSprite(tableID, spriteID)
	if !res.Success {
		return res
	}
	if res := a.checkControl(ctx, e, userID); !res.Success {
		return res
	}
	if err := t.RemoveEntity(e.EntityID); err != nil {
		return Fail(err)
	}
	a.scheduleSave(t)
	return OK("sprite removed", map[string]any{"table_id": t.TableID, "sprite_id": spriteID})
}

// MoveSprite applies the server-authoritative move. On any rejection the
// result carries the authoritative position for a position_correction reply.
func (a *Actions) MoveSprite(ctx context.Context, tableID, spriteID string, to table.Position, userID string) Result {
	t, e, res := a.resolveSprite(tableID, spriteID)
	if !res.Success {
		return res
	}
	if res := a.checkControl(ctx, e, userID); !res.Success {
		res.Data["position"] = positionDict(e.Position)
		return res
	}
	if err := t.MoveEntity(e.EntityID, to, ""); err != nil {
		res := Fail(err)
		res.Data["position"] = positionDict(e.Position)
		return res
	}
	a.scheduleSave(t)
	return OK("sprite moved", map[string]any{
		"table_id":  t.TableID,
		"sprite_id": spriteID,
		"to":        positionDict(to),
	})
}

// ScaleSprite updates the entity's render scale.
func (a *Actions) ScaleSprite(ctx context.Context, tableID, spriteID string, scaleX, scaleY float64, userID string) Result {
	t, e, res := a.resolveSprite(tableID, spriteID)
	if !res.Success {
		return res
	}
	if res := a.checkControl(ctx, e, userID); !res.Success {
		return res
	}
	if scaleX <= 0 || scaleY <= 0 {
		return Failf(protocol.ErrMalformedMessage, "scale must be positive")
	}
	e.ScaleX = scaleX
	e.ScaleY = scaleY
	a.scheduleSave(t)
	return OK("sprite scaled", map[string]any{
		"table_id": t.TableID, "sprite_id": spriteID,
		"scale_x": scaleX, "scale_y": scaleY,
	})
}

// RotateSprite updates the entity's rotation in degrees.
func (a *Actions) RotateSprite(ctx context.Context, tableID, spriteID string, rotation float64, userID string) Result {
	t, e, res := a.resolveSprite(tableID, spriteID)
	if !res.Success {
		return res
	}
	if res := a.checkControl(ctx, e, userID); !res.Success {
		return res
	}
	e.Rotation = rotation
	a.scheduleSave(t)
	return OK("sprite rotated", map[string]any{
		"table_id": t.TableID, "sprite_id": spriteID, "rotation": rotation,
	})
}

// ---- characters ----

// SaveCharacter upserts a character sheet. Critical: flushes immediately.
func (a *Actions) SaveCharacter(ctx context.Context, characterID, userID string, data map[string]any) Result {
	if characterID == "" {
		return Failf(protocol.ErrMalformedMessage, "character_id required")
	}
	if existing, err := a.characters.Load(ctx, a.sessionCode, characterID); err == nil {
		if existing.OwnerUserID != "" && existing.OwnerUserID != userID {
			return Failf(protocol.ErrUnauthorized,
				fmt.Sprintf("character %s owned by another user", characterID))
		}
	}
	c, err := a.characters.Save(ctx, &storage.Character{
		CharacterID: characterID,
		SessionCode: a.sessionCode,
		OwnerUserID: userID,
		Data:        data,
	})
	if err != nil {
		return Fail(err)
	}
	return OK("character saved", map[string]any{
		"character_id": c.CharacterID,
		"version":      c.Version,
	})
}

// LoadCharacter fetches a character sheet.
func (a *Actions) LoadCharacter(ctx context.Context, characterID string) Result {
	c, err := a.characters.Load(ctx, a.sessionCode, characterID)
	if err != nil {
		return Fail(err)
	}
	return OK("character", map[string]any{
		"character_id": c.CharacterID,
		"data":         c.Data,
		"version":      c.Version,
	})
}

// ListCharacters returns the character ids stored for the session.
func (a *Actions) ListCharacters(ctx context.Context) Result {
	ids, err := a.characters.List(ctx, a.sessionCode)
	if err != nil {
		return Fail(err)
	}
	if ids == nil {
		ids = []string{}
	}
	return OK("characters", map[string]any{"characters": ids})
}

// DeleteCharacter removes a character sheet. Only the owner may delete.
func (a *Actions) DeleteCharacter(ctx context.Context, characterID, userID string) Result {
	c, err := a.characters.Load(ctx, a.sessionCode, characterID)
	if err != nil {
		return Fail(err)
	}
	if c.OwnerUserID != "" && c.OwnerUserID != userID {
		return Failf(protocol.ErrUnauthorized,
			fmt.Sprintf("character %s owned by another user", characterID))
	}
	if err := a.characters.Delete(ctx, a.sessionCode, characterID); err != nil {
		return Fail(err)
	}
	return OK("character deleted", map[string]any{"character_id": characterID})
}

// tokenStatFields are the character fields mirrored onto bound tokens.
var tokenStatFields = []string{"hp", "max_hp", "ac"}

// UpdateCharacter applies an optimistic-versioned update. On success the new
// version is returned in Data["version"] and any hp/max_hp/ac changes are
// propagated to every entity bound to the character.
func (a *Actions) UpdateCharacter(ctx context.Context, characterID string,
	updates map[string]any, userID string, expectedVersion *int) Result {

	if characterID == "" {
		return Failf(protocol.ErrMalformedMessage, "character_id required")
	}
	if existing, err := a.characters.Load(ctx, a.sessionCode, characterID); err == nil {
		if existing.OwnerUserID != "" && existing.OwnerUserID != userID {
			return Failf(protocol.ErrUnauthorized,
				fmt.Sprintf("character %s owned by another user", characterID))
		}
	}

	c, err := a.characters.CompareAndSwap(ctx, a.sessionCode, characterID, updates, expectedVersion)
	if err != nil {
		return Fail(err)
	}
	a.syncTokens(characterID, updates)
	return OK("character updated", map[string]any{
		"character_id": characterID,
		"version":      c.Version,
	})
}

// syncTokens pushes the hp/max_hp/ac subset of a character update onto every
// bound entity in the session, scheduling saves for touched tables.
func (a *Actions) syncTokens(characterID string, updates map[string]any) {
	relevant := make(map[string]int, len(tokenStatFields))
	for _, field := range tokenStatFields {
		if v, ok := numField(updates, field); ok {
			relevant[field] = int(v)
		}
	}
	if len(relevant) == 0 {
		return
	}

	for _, t := range a.tables.All() {
		touched := false
		for _, e := range t.Entities {
			if e.CharacterID != characterID {
				continue
			}
			if hp, ok := relevant["hp"]; ok {
				v := hp
				e.HP = &v
			}
			if maxHP, ok := relevant["max_hp"]; ok {
				v := maxHP
				e.MaxHP = &v
			}
			if ac, ok := relevant["ac"]; ok {
				v := ac
				e.AC = &v
			}
			touched = true
		}
		if touched {
			a.scheduleSave(t)
		}
	}
}

// ---- persistence plumbing ----

// LoadPersistedTables restores every stored table into the session.
func (a *Actions) LoadPersistedTables(ctx context.Context) error {
	ids, err := a.saver.store.ListTables(ctx, a.sessionCode)
	if err != nil {
		return err
	}
	for _, id := range ids {
		doc, err := a.saver.store.LoadTable(ctx, a.sessionCode, id)
		if err != nil {
			return fmt.Errorf("load table %s: %w", id, err)
		}
		t, err := table.FromDict(doc)
		if err != nil {
			return fmt.Errorf("decode table %s: %w", id, err)
		}
		a.tables.Put(t)
	}
	return nil
}

// FlushAllPendingSaves drains the debounce queue before shutdown.
func (a *Actions) FlushAllPendingSaves() {
	a.saver.flushAll()
}

func (a *Actions) scheduleSave(t *table.Table) {
	a.saver.schedule(t.TableID, t.ToDict())
}

// ---- helpers ----

func (a *Actions) resolveSprite(tableID, spriteID string) (*table.Table, *table.Entity, Result) {
	t, err := a.tables.Resolve(tableID)
	if err != nil {
		return nil, nil, Fail(err)
	}
	e, ok := t.FindEntityBySpriteID(spriteID)
	if !ok {
		return nil, nil, Failf(protocol.ErrNotFound, fmt.Sprintf("sprite %s not found", spriteID))
	}
	return t, e, OK("", nil)
}

// checkControl enforces the mutation permission rules: entities with an
// explicit control set require membership; character-bound entities also
// accept the character's owner; unbound, uncontrolled entities are scenery
// and open to everyone.
func (a *Actions) checkControl(ctx context.Context, e *table.Entity, userID string) Result {
	if len(e.ControlledBy) == 0 && e.CharacterID == "" {
		return OK("", nil)
	}
	if e.IsControlledBy(userID) {
		return OK("", nil)
	}
	if e.CharacterID != "" {
		if c, err := a.characters.Load(ctx, a.sessionCode, e.CharacterID); err == nil {
			if c.OwnerUserID == userID {
				return OK("", nil)
			}
		}
	}
	return Failf(protocol.ErrUnauthorized,
		fmt.Sprintf("user %s does not control sprite %s", userID, e.SpriteID))
}

func positionDict(p table.Position) map[string]any {
	return map[string]any{"x": p.X, "y": p.Y}
}

func numField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
