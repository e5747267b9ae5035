// Package storage defines the persistence contract the session core calls:
// per-table JSON documents and versioned character sheets. The core never
// assumes a concrete backend; file and Postgres implementations ship here.
package storage

import (
	"context"
	"time"
)

// Character is a persisted character sheet. Version is the optimistic
// concurrency counter: every successful update increments it by one.
type Character struct {
	CharacterID string         `json:"character_id"`
	SessionCode string         `json:"session_code"`
	OwnerUserID string         `json:"owner_user_id,omitempty"`
	Data        map[string]any `json:"data"`
	Version     int            `json:"version"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableStore persists serialized tables per session.
type TableStore interface {
	// SaveTable writes the serialized table document, replacing any previous
	// version atomically.
	SaveTable(ctx context.Context, sessionCode, tableID string, doc map[string]any) error

	// LoadTable reads a table document; not_found when absent.
	LoadTable(ctx context.Context, sessionCode, tableID string) (map[string]any, error)

	// DeleteTable removes a table document. Deleting an absent document is
	// not an error.
	DeleteTable(ctx context.Context, sessionCode, tableID string) error

	// ListTables returns the table ids stored for a session.
	ListTables(ctx context.Context, sessionCode string) ([]string, error)
}

// CharacterStore persists character sheets with optimistic versioning.
type CharacterStore interface {
	// Save upserts a character unconditionally, bumping its version.
	Save(ctx context.Context, c *Character) (*Character, error)

	// Load fetches a character; not_found when absent.
	Load(ctx context.Context, sessionCode, characterID string) (*Character, error)

	// List returns the character ids stored for a session.
	List(ctx context.Context, sessionCode string) ([]string, error)

	// Delete removes a character; not_found when absent.
	Delete(ctx context.Context, sessionCode, characterID string) error

	// CompareAndSwap merges updates into the character's data iff
	// expectedVersion matches the stored version, then increments the
	// version. A nil expectedVersion skips the check (last writer wins).
	// Fails with version_conflict on a stale expected version.
	CompareAndSwap(ctx context.Context, sessionCode, characterID string,
		updates map[string]any, expectedVersion *int) (*Character, error)
}

// mergeUpdates applies updates onto data, returning the merged copy. Shared
// by both store implementations so merge semantics cannot drift.
func mergeUpdates(data, updates map[string]any) map[string]any {
	merged := make(map[string]any, len(data)+len(updates))
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}
