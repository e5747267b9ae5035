package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tableforge/server/internal/protocol"
)

// FileStore keeps tables and characters as JSON documents on disk:
//
//	<root>/<session>/tables/<table_id>.json
//	<root>/<session>/characters/<character_id>.json
//
// Writes use temp-and-rename so a crash never leaves a torn document.
// The store is shared across sessions, so it carries its own lock.
type FileStore struct {
	mu   sync.Mutex
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FileStore{root: root}, nil
}

var _ TableStore = (*FileStore)(nil)
var _ CharacterStore = (*FileStore)(nil)

func (s *FileStore) tablePath(session, tableID string) string {
	return filepath.Join(s.root, sanitize(session), "tables", sanitize(tableID)+".json")
}

func (s *FileStore) characterPath(session, characterID string) string {
	return filepath.Join(s.root, sanitize(session), "characters", sanitize(characterID)+".json")
}

// sanitize keeps identifiers from escaping the storage root.
func sanitize(id string) string {
	id = strings.ReplaceAll(id, string(os.PathSeparator), "_")
	id = strings.ReplaceAll(id, "..", "_")
	return id
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ---- TableStore ----

func (s *FileStore) SaveTable(_ context.Context, session, tableID string, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSONAtomic(s.tablePath(session, tableID), doc); err != nil {
		return protocol.Errorf(protocol.ErrIOError, "save table %s: %v", tableID, err)
	}
	return nil
}

func (s *FileStore) LoadTable(_ context.Context, session, tableID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc map[string]any
	if err := readJSON(s.tablePath(session, tableID), &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, protocol.Errorf(protocol.ErrNotFound, "table %s not stored", tableID)
		}
		return nil, protocol.Errorf(protocol.ErrIOError, "load table %s: %v", tableID, err)
	}
	return doc, nil
}

func (s *FileStore) DeleteTable(_ context.Context, session, tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.tablePath(session, tableID))
	if err != nil && !os.IsNotExist(err) {
		return protocol.Errorf(protocol.ErrIOError, "delete table %s: %v", tableID, err)
	}
	return nil
}

func (s *FileStore) ListTables(_ context.Context, session string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listJSONIDs(filepath.Join(s.root, sanitize(session), "tables"))
}

// ---- CharacterStore ----

func (s *FileStore) Save(_ context.Context, c *Character) (*Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := &Character{}
	path := s.characterPath(c.SessionCode, c.CharacterID)
	if err := readJSON(path, stored); err == nil {
		c.Version = stored.Version + 1
	} else if c.Version == 0 {
		c.Version = 1
	}
	c.UpdatedAt = time.Now()
	if err := writeJSONAtomic(path, c); err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "save character %s: %v", c.CharacterID, err)
	}
	return c, nil
}

func (s *FileStore) Load(_ context.Context, session, characterID string) (*Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(session, characterID)
}

func (s *FileStore) loadLocked(session, characterID string) (*Character, error) {
	var c Character
	if err := readJSON(s.characterPath(session, characterID), &c); err != nil {
		if os.IsNotExist(err) {
			return nil, protocol.Errorf(protocol.ErrNotFound, "character %s not stored", characterID)
		}
		return nil, protocol.Errorf(protocol.ErrIOError, "load character %s: %v", characterID, err)
	}
	return &c, nil
}

func (s *FileStore) List(_ context.Context, session string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listJSONIDs(filepath.Join(s.root, sanitize(session), "characters"))
}

func (s *FileStore) Delete(_ context.Context, session, characterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.characterPath(session, characterID))
	if os.IsNotExist(err) {
		return protocol.Errorf(protocol.ErrNotFound, "character %s not stored", characterID)
	}
	if err != nil {
		return protocol.Errorf(protocol.ErrIOError, "delete character %s: %v", characterID, err)
	}
	return nil
}

func (s *FileStore) CompareAndSwap(_ context.Context, session, characterID string,
	updates map[string]any, expectedVersion *int) (*Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.loadLocked(session, characterID)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && *expectedVersion != c.Version {
		return nil, protocol.Errorf(protocol.ErrVersionConflict,
			"character %s at version %d, expected %d", characterID, c.Version, *expectedVersion)
	}
	c.Data = mergeUpdates(c.Data, updates)
	c.Version++
	c.UpdatedAt = time.Now()
	if err := writeJSONAtomic(s.characterPath(session, characterID), c); err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "save character %s: %v", characterID, err)
	}
	return c, nil
}

func listJSONIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "list %s: %v", dir, err)
	}
	var ids []string
	for _, ent := range entries {
		name := ent.Name()
		if strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}
