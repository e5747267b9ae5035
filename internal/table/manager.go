package table

import (
	"sort"

	"github.com/tableforge/server/internal/protocol"
)

// Manager owns every table in one session. It is only touched from the
// session's broker loop, so it carries no lock.
type Manager struct {
	byID   map[string]*Table
	byName map[string]string // name -> table_id
}

// NewManager creates an empty table registry.
func NewManager() *Manager {
	return &Manager{
		byID:   make(map[string]*Table),
		byName: make(map[string]string),
	}
}

// Create makes a new table and registers it under both indices. Creating a
// second table with an existing name replaces the name binding, matching
// last-writer-wins table naming.
func (m *Manager) Create(name string, width, height int) (*Table, error) {
	t, err := New(name, width, height)
	if err != nil {
		return nil, err
	}
	m.Put(t)
	return t, nil
}

// Put registers an already-built table, e.g. one loaded from storage.
func (m *Manager) Put(t *Table) {
	m.byID[t.TableID] = t
	m.byName[t.Name] = t.TableID
}

// Get resolves a table by UUID.
func (m *Manager) Get(tableID string) (*Table, bool) {
	t, ok := m.byID[tableID]
	return t, ok
}

// GetByName resolves a table by display name.
func (m *Manager) GetByName(name string) (*Table, bool) {
	id, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return m.Get(id)
}

// Resolve looks a table up by id first, then by name.
func (m *Manager) Resolve(idOrName string) (*Table, error) {
	if t, ok := m.Get(idOrName); ok {
		return t, nil
	}
	if t, ok := m.GetByName(idOrName); ok {
		return t, nil
	}
	return nil, protocol.Errorf(protocol.ErrNotFound, "table %q not found", idOrName)
}

// Delete removes a table from both indices.
func (m *Manager) Delete(tableID string) error {
	t, ok := m.byID[tableID]
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "table %q not found", tableID)
	}
	delete(m.byID, tableID)
	if m.byName[t.Name] == tableID {
		delete(m.byName, t.Name)
	}
	return nil
}

// Names returns all table names, sorted for stable wire payloads.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered table, unordered.
func (m *Manager) All() []*Table {
	out := make([]*Table, 0, len(m.byID))
	for _, t := range m.byID {
		out = append(out, t)
	}
	return out
}

// Len returns the number of registered tables.
func (m *Manager) Len() int { return len(m.byID) }
