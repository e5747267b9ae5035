package actions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tableforge/server/internal/storage"
)

// DefaultSaveDebounce is the window in which repeated mutations of one table
// collapse into a single persisted write.
const DefaultSaveDebounce = 300 * time.Millisecond

// tableSaver debounces per-table persistence. Documents are snapshotted on
// the caller's goroutine (the session loop), so the timer callback only ever
// touches the captured copy, never the live table.
type tableSaver struct {
	mu       sync.Mutex
	store    storage.TableStore
	session  string
	debounce time.Duration
	pending  map[string]*pendingSave
	closed   bool
}

type pendingSave struct {
	timer *time.Timer
	doc   map[string]any
}

func newTableSaver(store storage.TableStore, sessionCode string, debounce time.Duration) *tableSaver {
	if debounce <= 0 {
		debounce = DefaultSaveDebounce
	}
	return &tableSaver{
		store:    store,
		session:  sessionCode,
		debounce: debounce,
		pending:  make(map[string]*pendingSave),
	}
}

// schedule queues doc for writing after the debounce window. A newer doc for
// the same table replaces the queued one and restarts the window.
func (s *tableSaver) schedule(tableID string, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.writeAsync(tableID, doc)
		return
	}
	if p, ok := s.pending[tableID]; ok {
		p.doc = doc
		p.timer.Reset(s.debounce)
		return
	}
	p := &pendingSave{doc: doc}
	p.timer = time.AfterFunc(s.debounce, func() { s.fire(tableID) })
	s.pending[tableID] = p
}

// flushNow persists doc immediately, cancelling any queued write. Used for
// critical operations (create/delete) that must not sit in the window.
func (s *tableSaver) flushNow(tableID string, doc map[string]any) error {
	s.mu.Lock()
	if p, ok := s.pending[tableID]; ok {
		p.timer.Stop()
		delete(s.pending, tableID)
	}
	s.mu.Unlock()
	return s.store.SaveTable(context.Background(), s.session, tableID, doc)
}

// drop cancels a queued write, e.g. after table deletion.
func (s *tableSaver) drop(tableID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[tableID]; ok {
		p.timer.Stop()
		delete(s.pending, tableID)
	}
}

func (s *tableSaver) fire(tableID string) {
	s.mu.Lock()
	p, ok := s.pending[tableID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, tableID)
	doc := p.doc
	s.mu.Unlock()

	if err := s.store.SaveTable(context.Background(), s.session, tableID, doc); err != nil {
		slog.Warn("debounced table save failed", "session", s.session, "table", tableID, "error", err)
	}
}

func (s *tableSaver) writeAsync(tableID string, doc map[string]any) {
	go func() {
		if err := s.store.SaveTable(context.Background(), s.session, tableID, doc); err != nil {
			slog.Warn("table save failed", "session", s.session, "table", tableID, "error", err)
		}
	}()
}

// flushAll drains every queued write synchronously. Called before shutdown.
func (s *tableSaver) flushAll() {
	s.mu.Lock()
	s.closed = true
	drained := make(map[string]map[string]any, len(s.pending))
	for id, p := range s.pending {
		p.timer.Stop()
		drained[id] = p.doc
	}
	s.pending = make(map[string]*pendingSave)
	s.mu.Unlock()

	for id, doc := range drained {
		if err := s.store.SaveTable(context.Background(), s.session, id, doc); err != nil {
			slog.Warn("flush table save failed", "session", s.session, "table", id, "error", err)
		}
	}
}
