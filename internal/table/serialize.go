package table

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// serializationVersion tags the persisted table format.
const serializationVersion = "1.0"

// ToDict projects the table into the JSON-serializable form used both for
// persistence and for table_data payloads on the wire. Layers serialize as
// {layer: {entity_id_str: entity}}.
func (t *Table) ToDict() map[string]any {
	layers := make(map[string]any, len(Layers))
	for _, l := range Layers {
		layers[l] = map[string]any{}
	}
	for _, e := range t.Entities {
		layer := layers[e.Layer].(map[string]any)
		layer[strconv.Itoa(e.EntityID)] = entityToDict(e)
	}

	return map[string]any{
		"table_id": t.TableID,
		"name":     t.Name,
		"width":    t.Width,
		"height":   t.Height,
		"layers":   layers,
		"fog_rectangles": map[string]any{
			"hide":   rectsToDicts(t.FogHide),
			"reveal": rectsToDicts(t.FogReveal),
		},
		"metadata": map[string]any{
			"version":           serializationVersion,
			"entity_count":      len(t.Entities),
			"next_entity_id":    t.nextEntityID,
			"created_timestamp": t.CreatedAt,
		},
	}
}

// FromDict rebuilds a table from its serialized form. Entities with
// out-of-bounds positions are dropped with a warning rather than failing the
// whole load. next_entity_id is recovered as max(entity_id)+1 so ids stay
// dense and monotonic across reloads.
func FromDict(d map[string]any) (*Table, error) {
	name, _ := d["name"].(string)
	width := dictInt(d, "width")
	height := dictInt(d, "height")

	t, err := New(name, width, height)
	if err != nil {
		return nil, fmt.Errorf("load table %q: %w", name, err)
	}
	if id, ok := d["table_id"].(string); ok && id != "" {
		t.TableID = id
	}
	if meta, ok := d["metadata"].(map[string]any); ok {
		if ts, ok := meta["created_timestamp"].(float64); ok {
			t.CreatedAt = ts
		}
	}

	layers, _ := d["layers"].(map[string]any)
	maxID := 0
	for layerName, rawEntities := range layers {
		if !KnownLayer(layerName) {
			slog.Warn("dropping unknown layer on load", "table", name, "layer", layerName)
			continue
		}
		entities, _ := rawEntities.(map[string]any)
		// Sorted iteration keeps add-collision resolution deterministic.
		ids := make([]string, 0, len(entities))
		for idStr := range entities {
			ids = append(ids, idStr)
		}
		sort.Strings(ids)
		for _, idStr := range ids {
			entDict, _ := entities[idStr].(map[string]any)
			e, err := entityFromDict(entDict)
			if err != nil {
				slog.Warn("dropping unreadable entity on load", "table", name, "entity", idStr, "error", err)
				continue
			}
			e.Layer = layerName
			if !t.InBounds(e.Position) {
				slog.Warn("dropping out-of-bounds entity on load",
					"table", name, "entity", e.EntityID, "x", e.Position.X, "y", e.Position.Y)
				continue
			}
			if e.SpriteID == "" {
				e.SpriteID = uuid.New().String()
			}
			if prev, occupied := t.grid[e.Layer][e.Position]; occupied {
				slog.Warn("cell collision on load, later entity takes the cell",
					"table", name, "layer", e.Layer, "x", e.Position.X, "y", e.Position.Y, "displaced", prev)
			}
			t.Entities[e.EntityID] = e
			t.grid[e.Layer][e.Position] = e.EntityID
			t.SpriteToEntity[e.SpriteID] = e.EntityID
			if e.EntityID > maxID {
				maxID = e.EntityID
			}
		}
	}
	t.nextEntityID = maxID + 1

	if fog, ok := d["fog_rectangles"].(map[string]any); ok {
		t.FogHide = rectsFromDicts(fog["hide"])
		t.FogReveal = rectsFromDicts(fog["reveal"])
	}
	return t, nil
}

// entityToDict round-trips the entity through its JSON tags so the wire and
// persisted forms never drift from the struct definition.
func entityToDict(e *Entity) map[string]any {
	raw, _ := json.Marshal(e)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func entityFromDict(d map[string]any) (*Entity, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.EntityID <= 0 {
		return nil, fmt.Errorf("entity_id missing or non-positive")
	}
	if e.ScaleX == 0 {
		e.ScaleX = 1.0
	}
	if e.ScaleY == 0 {
		e.ScaleY = 1.0
	}
	return &e, nil
}

func rectsToDicts(rects []Rect) []any {
	out := make([]any, 0, len(rects))
	for _, r := range rects {
		raw, _ := json.Marshal(r)
		var d map[string]any
		_ = json.Unmarshal(raw, &d)
		out = append(out, d)
	}
	return out
}

func rectsFromDicts(raw any) []Rect {
	list, _ := raw.([]any)
	var out []Rect
	for _, item := range list {
		b, err := json.Marshal(item)
		if err != nil {
			continue
		}
		var r Rect
		if err := json.Unmarshal(b, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

func dictInt(d map[string]any, key string) int {
	switch v := d[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
