package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/tableforge/server/internal/protocol"
)

// PGCharacterStore keeps character sheets in Postgres. The compare-and-swap
// runs as a single UPDATE guarded by the stored version, so two concurrent
// updates with the same expected version cannot both succeed: the WHERE
// clause refuses the second one once the row version moves.
type PGCharacterStore struct {
	db *sql.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS characters (
    session_code TEXT NOT NULL,
    character_id TEXT NOT NULL,
    owner_user_id TEXT NOT NULL DEFAULT '',
    data JSONB NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL DEFAULT 1,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_code, character_id)
)`

// NewPGCharacterStore opens a connection pool and ensures the schema.
func NewPGCharacterStore(dsn string) (*PGCharacterStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure characters schema: %w", err)
	}
	return &PGCharacterStore{db: db}, nil
}

var _ CharacterStore = (*PGCharacterStore)(nil)

// Close releases the connection pool.
func (s *PGCharacterStore) Close() error { return s.db.Close() }

func (s *PGCharacterStore) Save(ctx context.Context, c *Character) (*Character, error) {
	raw, err := json.Marshal(c.Data)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "marshal character %s: %v", c.CharacterID, err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO characters (session_code, character_id, owner_user_id, data, version, updated_at)
		VALUES ($1, $2, $3, $4, 1, now())
		ON CONFLICT (session_code, character_id)
		DO UPDATE SET data = $4, owner_user_id = $3,
		              version = characters.version + 1, updated_at = now()
		RETURNING version, updated_at`,
		c.SessionCode, c.CharacterID, c.OwnerUserID, raw)
	if err := row.Scan(&c.Version, &c.UpdatedAt); err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "save character %s: %v", c.CharacterID, err)
	}
	return c, nil
}

func (s *PGCharacterStore) Load(ctx context.Context, session, characterID string) (*Character, error) {
	c := &Character{SessionCode: session, CharacterID: characterID}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_user_id, data, version, updated_at
		FROM characters WHERE session_code = $1 AND character_id = $2`,
		session, characterID).Scan(&c.OwnerUserID, &raw, &c.Version, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.Errorf(protocol.ErrNotFound, "character %s not stored", characterID)
	}
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "load character %s: %v", characterID, err)
	}
	if err := json.Unmarshal(raw, &c.Data); err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "decode character %s: %v", characterID, err)
	}
	return c, nil
}

func (s *PGCharacterStore) List(ctx context.Context, session string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT character_id FROM characters
		WHERE session_code = $1 ORDER BY character_id`, session)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "list characters: %v", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, protocol.Errorf(protocol.ErrIOError, "scan character id: %v", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PGCharacterStore) Delete(ctx context.Context, session, characterID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM characters WHERE session_code = $1 AND character_id = $2`,
		session, characterID)
	if err != nil {
		return protocol.Errorf(protocol.ErrIOError, "delete character %s: %v", characterID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return protocol.Errorf(protocol.ErrNotFound, "character %s not stored", characterID)
	}
	return nil
}

func (s *PGCharacterStore) CompareAndSwap(ctx context.Context, session, characterID string,
	updates map[string]any, expectedVersion *int) (*Character, error) {
	rawUpdates, err := json.Marshal(updates)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "marshal updates: %v", err)
	}

	// data || $3 merges the update keys server-side; the WHERE version guard
	// is what makes concurrent updates with equal expected versions resolve
	// to exactly one winner.
	query := `
		UPDATE characters
		SET data = data || $3::jsonb, version = version + 1, updated_at = now()
		WHERE session_code = $1 AND character_id = $2`
	args := []any{session, characterID, rawUpdates}
	if expectedVersion != nil {
		query += ` AND version = $4`
		args = append(args, *expectedVersion)
	}
	query += ` RETURNING owner_user_id, data, version, updated_at`

	c := &Character{SessionCode: session, CharacterID: characterID}
	var rawData []byte
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&c.OwnerUserID, &rawData, &c.Version, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing row from a stale version.
		if _, loadErr := s.Load(ctx, session, characterID); loadErr != nil {
			return nil, loadErr
		}
		return nil, protocol.Errorf(protocol.ErrVersionConflict,
			"character %s version moved past %v", characterID, derefInt(expectedVersion))
	}
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "update character %s: %v", characterID, err)
	}
	if err := json.Unmarshal(rawData, &c.Data); err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "decode character %s: %v", characterID, err)
	}
	return c, nil
}

func derefInt(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
