package table

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tableforge/server/internal/protocol"
)

// Table is one virtual tabletop: a W×H cell grid with layered entities.
//
// All mutation goes through the owning session's broker loop, so Table
// carries no lock. The grid is a sparse occupancy index per layer; for every
// occupied cell, entities[eid].Position and .Layer agree with the cell.
type Table struct {
	TableID string
	Name    string
	Width   int
	Height  int

	Entities       map[int]*Entity
	SpriteToEntity map[string]int

	FogHide   []Rect
	FogReveal []Rect

	// View state, mirrored to clients but not authoritative per-client.
	ViewX           float64
	ViewY           float64
	Scale           float64
	LayerVisibility map[string]bool

	// CreatedAt is seconds since epoch, persisted in table metadata.
	CreatedAt float64

	grid         map[string]map[Position]int
	nextEntityID int
}

// EntityDescriptor carries the caller-supplied fields for AddEntity.
type EntityDescriptor struct {
	SpriteID     string
	Name         string
	Position     Position
	Layer        string
	TexturePath  string
	ScaleX       float64
	ScaleY       float64
	Rotation     float64
	CharacterID  string
	ControlledBy []string
	HP           *int
	MaxHP        *int
	AC           *int
	AuraRadius   float64
}

// New creates an empty table with a fresh UUID.
func New(name string, width, height int) (*Table, error) {
	if width <= 0 || height <= 0 {
		return nil, protocol.Errorf(protocol.ErrBoundsViolation,
			"table dimensions must be positive, got %dx%d", width, height)
	}
	t := &Table{
		TableID:         uuid.New().String(),
		Name:            name,
		Width:           width,
		Height:          height,
		Entities:        make(map[int]*Entity),
		SpriteToEntity:  make(map[string]int),
		Scale:           1.0,
		LayerVisibility: make(map[string]bool),
		CreatedAt:       float64(time.Now().UnixNano()) / float64(time.Second),
		grid:            make(map[string]map[Position]int),
		nextEntityID:    1,
	}
	for _, l := range Layers {
		t.LayerVisibility[l] = true
		t.grid[l] = make(map[Position]int)
	}
	return t, nil
}

// InBounds reports whether p lies inside [0,Width)×[0,Height).
func (t *Table) InBounds(p Position) bool {
	return p.X >= 0 && p.X < t.Width && p.Y >= 0 && p.Y < t.Height
}

// EntityAt returns the occupant of a cell on a layer, if any.
func (t *Table) EntityAt(layer string, p Position) (*Entity, bool) {
	cells, ok := t.grid[layer]
	if !ok {
		return nil, false
	}
	eid, ok := cells[p]
	if !ok {
		return nil, false
	}
	e, ok := t.Entities[eid]
	return e, ok
}

// AddEntity validates the descriptor, allocates the next entity id and
// places the entity. Cell collision is tolerated on add (the later entity
// wins the grid cell) but rejected on move; see MoveEntity.
func (t *Table) AddEntity(desc EntityDescriptor) (*Entity, error) {
	if !KnownLayer(desc.Layer) {
		return nil, protocol.Errorf(protocol.ErrNotFound, "unknown layer %q", desc.Layer)
	}
	if !t.InBounds(desc.Position) {
		return nil, protocol.Errorf(protocol.ErrBoundsViolation,
			"position (%d,%d) outside %dx%d table", desc.Position.X, desc.Position.Y, t.Width, t.Height)
	}

	spriteID := desc.SpriteID
	if spriteID == "" {
		spriteID = uuid.New().String()
	}
	if _, exists := t.SpriteToEntity[spriteID]; exists {
		return nil, protocol.Errorf(protocol.ErrMalformedMessage, "sprite %s already placed", spriteID)
	}

	scaleX, scaleY := desc.ScaleX, desc.ScaleY
	if scaleX == 0 {
		scaleX = 1.0
	}
	if scaleY == 0 {
		scaleY = 1.0
	}

	e := &Entity{
		EntityID:     t.nextEntityID,
		SpriteID:     spriteID,
		Name:         desc.Name,
		Position:     desc.Position,
		Layer:        desc.Layer,
		TexturePath:  desc.TexturePath,
		ScaleX:       scaleX,
		ScaleY:       scaleY,
		Rotation:     desc.Rotation,
		CharacterID:  desc.CharacterID,
		ControlledBy: append([]string(nil), desc.ControlledBy...),
		HP:           desc.HP,
		MaxHP:        desc.MaxHP,
		AC:           desc.AC,
		AuraRadius:   desc.AuraRadius,
	}
	t.nextEntityID++

	if prev, occupied := t.grid[e.Layer][e.Position]; occupied {
		slog.Warn("cell collision on add, later entity takes the cell",
			"table", t.Name, "layer", e.Layer, "x", e.Position.X, "y", e.Position.Y, "displaced", prev)
	}
	t.Entities[e.EntityID] = e
	t.grid[e.Layer][e.Position] = e.EntityID
	t.SpriteToEntity[e.SpriteID] = e.EntityID
	return e, nil
}

// MoveEntity relocates an entity, optionally across layers. The move is
// atomic: on any failure the grid and the entity are left unchanged.
func (t *Table) MoveEntity(entityID int, to Position, newLayer string) error {
	e, ok := t.Entities[entityID]
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "entity %d not found", entityID)
	}
	layer := e.Layer
	if newLayer != "" {
		if !KnownLayer(newLayer) {
			return protocol.Errorf(protocol.ErrNotFound, "unknown layer %q", newLayer)
		}
		layer = newLayer
	}
	if !t.InBounds(to) {
		return protocol.Errorf(protocol.ErrBoundsViolation,
			"position (%d,%d) outside %dx%d table", to.X, to.Y, t.Width, t.Height)
	}
	if occupant, occupied := t.grid[layer][to]; occupied && occupant != entityID {
		return protocol.Errorf(protocol.ErrTargetOccupied,
			"cell (%d,%d) on %s held by entity %d", to.X, to.Y, layer, occupant)
	}

	// Clear the source cell only if this entity still owns it; an add-time
	// collision may have handed the cell to a later entity.
	if owner, ok := t.grid[e.Layer][e.Position]; ok && owner == entityID {
		delete(t.grid[e.Layer], e.Position)
	}
	t.grid[layer][to] = entityID
	e.Position = to
	e.Layer = layer
	return nil
}

// RemoveEntity deletes an entity, clearing its grid cell and sprite index
// entry. Removing an unknown id fails with not_found.
func (t *Table) RemoveEntity(entityID int) error {
	e, ok := t.Entities[entityID]
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "entity %d not found", entityID)
	}
	if owner, ok := t.grid[e.Layer][e.Position]; ok && owner == entityID {
		delete(t.grid[e.Layer], e.Position)
	}
	delete(t.SpriteToEntity, e.SpriteID)
	delete(t.Entities, entityID)
	return nil
}

// FindEntityBySpriteID resolves a sprite UUID through the secondary index.
func (t *Table) FindEntityBySpriteID(spriteID string) (*Entity, bool) {
	eid, ok := t.SpriteToEntity[spriteID]
	if !ok {
		return nil, false
	}
	e, ok := t.Entities[eid]
	return e, ok
}

// EntitiesOnLayer returns the entities on one layer, unordered.
func (t *Table) EntitiesOnLayer(layer string) []*Entity {
	var out []*Entity
	for _, e := range t.Entities {
		if e.Layer == layer {
			out = append(out, e)
		}
	}
	return out
}

// AddFogRect appends a fog rectangle to the hide or reveal list.
func (t *Table) AddFogRect(r Rect, reveal bool) {
	if reveal {
		t.FogReveal = append(t.FogReveal, r)
	} else {
		t.FogHide = append(t.FogHide, r)
	}
}

// ClearFog drops all fog rectangles.
func (t *Table) ClearFog() {
	t.FogHide = nil
	t.FogReveal = nil
}
