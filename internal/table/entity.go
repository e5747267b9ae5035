// Package table implements the authoritative tabletop state: tables with
// layered grids, the entities placed on them, fog rectangles, and the
// sprite-to-entity index used by clients for rendering.
package table

// Layer names, in render order. The set is fixed; every entity lives on
// exactly one of these.
const (
	LayerMap           = "map"
	LayerTokens        = "tokens"
	LayerDungeonMaster = "dungeon_master"
	LayerLight         = "light"
	LayerHeight        = "height"
	LayerObstacles     = "obstacles"
	LayerFogOfWar      = "fog_of_war"
)

// Layers lists all layer names in order.
var Layers = []string{
	LayerMap, LayerTokens, LayerDungeonMaster, LayerLight,
	LayerHeight, LayerObstacles, LayerFogOfWar,
}

var layerSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Layers))
	for _, l := range Layers {
		m[l] = struct{}{}
	}
	return m
}()

// KnownLayer reports whether name is one of the fixed layers.
func KnownLayer(name string) bool {
	_, ok := layerSet[name]
	return ok
}

// Position is a cell coordinate on the table grid.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rect is an axis-aligned fog rectangle in cell coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Entity is a placed object on a table. SpriteID is the stable UUID clients
// use to address the entity across save/load; EntityID is the dense integer
// id local to one table.
type Entity struct {
	EntityID    int      `json:"entity_id"`
	SpriteID    string   `json:"sprite_id"`
	Name        string   `json:"name,omitempty"`
	Position    Position `json:"position"`
	Layer       string   `json:"layer"`
	TexturePath string   `json:"texture_path,omitempty"`
	ScaleX      float64  `json:"scale_x"`
	ScaleY      float64  `json:"scale_y"`
	Rotation    float64  `json:"rotation"`

	// Token binding. An entity optionally mirrors a character sheet; token
	// stats are nil when the entity carries none.
	CharacterID  string   `json:"character_id,omitempty"`
	ControlledBy []string `json:"controlled_by,omitempty"`
	HP           *int     `json:"hp,omitempty"`
	MaxHP        *int     `json:"max_hp,omitempty"`
	AC           *int     `json:"ac,omitempty"`
	AuraRadius   float64  `json:"aura_radius,omitempty"`
}

// IsControlledBy reports whether userID appears in the entity's control set.
func (e *Entity) IsControlledBy(userID string) bool {
	for _, id := range e.ControlledBy {
		if id == userID {
			return true
		}
	}
	return false
}

// GrantControl adds userID to the control set if not already present.
func (e *Entity) GrantControl(userID string) {
	if !e.IsControlledBy(userID) {
		e.ControlledBy = append(e.ControlledBy, userID)
	}
}

// Clone returns a deep copy, used when handing entities across the
// client/server projection boundary in tests.
func (e *Entity) Clone() *Entity {
	out := *e
	out.ControlledBy = append([]string(nil), e.ControlledBy...)
	if e.HP != nil {
		v := *e.HP
		out.HP = &v
	}
	if e.MaxHP != nil {
		v := *e.MaxHP
		out.MaxHP = &v
	}
	if e.AC != nil {
		v := *e.AC
		out.AC = &v
	}
	return &out
}
