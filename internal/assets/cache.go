package assets

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tableforge/server/internal/protocol"
)

// Source tags how an asset entered the cache.
const (
	SourceUpload   = "upload"
	SourceDownload = "download"
)

// CacheEntry is one registry row.
type CacheEntry struct {
	AssetID   string    `json:"asset_id"`
	Filename  string    `json:"filename"`
	LocalPath string    `json:"local_path"`
	FileSize  int64     `json:"file_size"`
	XXHash    string    `json:"xxhash"`
	Source    string    `json:"source"`
	CachedAt  time.Time `json:"cached_at"`
}

// Cache is the local content-addressed asset store. Files live at
// <root>/<asset_id[0:2]>/<asset_id>_<filename>; the registry is one JSON
// file rewritten atomically on every mutation. The cache directory is shared
// per process, so the cache carries its own lock.
type Cache struct {
	mu       sync.Mutex
	root     string
	registry map[string]*CacheEntry // asset_id -> entry
	byHash   map[string]string      // xxhash -> asset_id (first registered)
	byPath   map[string]string      // local_path -> asset_id
}

const registryFilename = "registry.json"

// NewCache opens (or creates) a cache rooted at dir and rebuilds the
// secondary indices from the registry.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{
		root:     dir,
		registry: make(map[string]*CacheEntry),
		byHash:   make(map[string]string),
		byPath:   make(map[string]string),
	}
	if err := c.loadRegistry(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) registryPath() string { return filepath.Join(c.root, registryFilename) }

func (c *Cache) loadRegistry() error {
	raw, err := os.ReadFile(c.registryPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}
	if err := json.Unmarshal(raw, &c.registry); err != nil {
		return fmt.Errorf("decode registry: %w", err)
	}
	// Rebuild indices; drop rows whose file vanished.
	for id, ent := range c.registry {
		if _, err := os.Stat(ent.LocalPath); err != nil {
			slog.Warn("dropping cache entry with missing file", "asset_id", id, "path", ent.LocalPath)
			delete(c.registry, id)
			continue
		}
		if _, ok := c.byHash[ent.XXHash]; !ok {
			c.byHash[ent.XXHash] = id
		}
		c.byPath[ent.LocalPath] = id
	}
	return nil
}

// saveRegistryLocked rewrites the registry file via temp-and-rename.
func (c *Cache) saveRegistryLocked() error {
	raw, err := json.MarshalIndent(c.registry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	tmp := c.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write registry temp: %w", err)
	}
	if err := os.Rename(tmp, c.registryPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename registry: %w", err)
	}
	return nil
}

// cachePath builds the canonical on-disk location for an asset.
func (c *Cache) cachePath(assetID, filename string) string {
	return filepath.Join(c.root, assetID[:2], assetID+"_"+filepath.Base(filename))
}

// Get returns a registry entry by asset id.
func (c *Cache) Get(assetID string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.registry[assetID]
	if !ok {
		return nil, false
	}
	cp := *ent
	return &cp, true
}

// FindByHash resolves an integrity tag to the first asset id registered with
// that content.
func (c *Cache) FindByHash(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byHash[hash]
	return id, ok
}

// FindByPath resolves a cached file path back to its asset id.
func (c *Cache) FindByPath(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byPath[path]
	return id, ok
}

// RegisterUpload ingests a local file under the given asset id. Content
// already cached under another id is deduplicated: the new registry row
// points at the existing stored file. A fresh file is copied into the cache
// and re-hashed; a mismatch between source and copy fails with
// copy_mismatch and leaves nothing behind.
func (c *Cache) RegisterUpload(assetID, srcPath, filename string) (*CacheEntry, error) {
	hash, size, err := HashFile(srcPath)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "hash upload: %v", err)
	}
	if !ValidID(assetID, hash) {
		return nil, protocol.Errorf(protocol.ErrHashMismatch,
			"asset id %s does not match content hash %s", assetID, hash)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existingID, ok := c.byHash[hash]; ok {
		if existing, ok := c.registry[existingID]; ok {
			// Same bytes already stored: reuse the file, record a new row.
			ent := &CacheEntry{
				AssetID:   assetID,
				Filename:  filename,
				LocalPath: existing.LocalPath,
				FileSize:  existing.FileSize,
				XXHash:    hash,
				Source:    SourceUpload,
				CachedAt:  time.Now(),
			}
			c.registry[assetID] = ent
			if err := c.saveRegistryLocked(); err != nil {
				return nil, protocol.Errorf(protocol.ErrIOError, "save registry: %v", err)
			}
			cp := *ent
			return &cp, nil
		}
	}

	dst := c.cachePath(assetID, filename)
	if err := copyFile(srcPath, dst); err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "copy into cache: %v", err)
	}
	copiedHash, copiedSize, err := HashFile(dst)
	if err != nil {
		os.Remove(dst)
		return nil, protocol.Errorf(protocol.ErrIOError, "verify copy: %v", err)
	}
	if copiedHash != hash || copiedSize != size {
		os.Remove(dst)
		return nil, protocol.Errorf(protocol.ErrCopyMismatch,
			"cache copy of %s hashed %s, source %s", filename, copiedHash, hash)
	}

	ent := &CacheEntry{
		AssetID:   assetID,
		Filename:  filename,
		LocalPath: dst,
		FileSize:  size,
		XXHash:    hash,
		Source:    SourceUpload,
		CachedAt:  time.Now(),
	}
	c.registry[assetID] = ent
	c.byHash[hash] = assetID
	c.byPath[dst] = assetID
	if err := c.saveRegistryLocked(); err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "save registry: %v", err)
	}
	cp := *ent
	return &cp, nil
}

// CacheDownloadedAsset records a file fetched from the blob store. The file
// is moved into the cache layout and re-hashed before registration.
func (c *Cache) CacheDownloadedAsset(assetID, srcPath, filename string) (*CacheEntry, error) {
	hash, size, err := HashFile(srcPath)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "hash download: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dst := c.cachePath(assetID, filename)
	if srcPath != dst {
		if err := copyFile(srcPath, dst); err != nil {
			return nil, protocol.Errorf(protocol.ErrIOError, "move into cache: %v", err)
		}
		os.Remove(srcPath)
	}

	ent := &CacheEntry{
		AssetID:   assetID,
		Filename:  filename,
		LocalPath: dst,
		FileSize:  size,
		XXHash:    hash,
		Source:    SourceDownload,
		CachedAt:  time.Now(),
	}
	c.registry[assetID] = ent
	if _, ok := c.byHash[hash]; !ok {
		c.byHash[hash] = assetID
	}
	c.byPath[dst] = assetID
	if err := c.saveRegistryLocked(); err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "save registry: %v", err)
	}
	cp := *ent
	return &cp, nil
}

// Verify recomputes the hash of the cached bytes against the stored tag.
func (c *Cache) Verify(assetID string) (bool, error) {
	c.mu.Lock()
	ent, ok := c.registry[assetID]
	if !ok {
		c.mu.Unlock()
		return false, protocol.Errorf(protocol.ErrNotFound, "asset %s not cached", assetID)
	}
	path, want := ent.LocalPath, ent.XXHash
	c.mu.Unlock()

	got, _, err := HashFile(path)
	if err != nil {
		return false, protocol.Errorf(protocol.ErrIOError, "verify %s: %v", assetID, err)
	}
	return got == want, nil
}

// Cleanup enforces retention: entries older than maxAgeDays go first; if the
// total size still exceeds maxSizeMB mebibytes, the oldest remaining entries
// are evicted until the cache fits. Removal deletes the file (unless another
// entry still references it), the registry row, and the index entries.
func (c *Cache) Cleanup(maxAgeDays int, maxSizeMB int64) (removed int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	for id, ent := range c.registry {
		if ent.CachedAt.Before(cutoff) {
			c.removeLocked(id)
			removed++
		}
	}

	budget := maxSizeMB << 20
	total := c.totalSizeLocked()
	if total > budget {
		// Oldest first.
		ids := make([]string, 0, len(c.registry))
		for id := range c.registry {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return c.registry[ids[i]].CachedAt.Before(c.registry[ids[j]].CachedAt)
		})
		for _, id := range ids {
			if total <= budget {
				break
			}
			total -= c.entrySizeLocked(id)
			c.removeLocked(id)
			removed++
		}
	}

	if removed > 0 {
		if err := c.saveRegistryLocked(); err != nil {
			return removed, protocol.Errorf(protocol.ErrIOError, "save registry: %v", err)
		}
	}
	return removed, nil
}

// Remove evicts a single asset.
func (c *Cache) Remove(assetID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry[assetID]; !ok {
		return protocol.Errorf(protocol.ErrNotFound, "asset %s not cached", assetID)
	}
	c.removeLocked(assetID)
	if err := c.saveRegistryLocked(); err != nil {
		return protocol.Errorf(protocol.ErrIOError, "save registry: %v", err)
	}
	return nil
}

// Entries returns a snapshot of the registry, sorted by asset id.
func (c *Cache) Entries() []*CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*CacheEntry, 0, len(c.registry))
	for _, ent := range c.registry {
		cp := *ent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// TotalSize returns the byte total of distinct stored files.
func (c *Cache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSizeLocked()
}

// totalSizeLocked counts each stored file once even when several dedup
// entries share it.
func (c *Cache) totalSizeLocked() int64 {
	seen := make(map[string]struct{}, len(c.registry))
	var total int64
	for _, ent := range c.registry {
		if _, ok := seen[ent.LocalPath]; ok {
			continue
		}
		seen[ent.LocalPath] = struct{}{}
		total += ent.FileSize
	}
	return total
}

// entrySizeLocked returns the bytes freed by removing an entry: zero when
// another entry still references the same file.
func (c *Cache) entrySizeLocked(assetID string) int64 {
	ent := c.registry[assetID]
	for id, other := range c.registry {
		if id != assetID && other.LocalPath == ent.LocalPath {
			return 0
		}
	}
	return ent.FileSize
}

func (c *Cache) removeLocked(assetID string) {
	ent, ok := c.registry[assetID]
	if !ok {
		return
	}
	delete(c.registry, assetID)

	// Keep the file and path index while a dedup sibling still points at it.
	shared := false
	for _, other := range c.registry {
		if other.LocalPath == ent.LocalPath {
			shared = true
			break
		}
	}
	if !shared {
		if err := os.Remove(ent.LocalPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove cached file", "asset_id", assetID, "path", ent.LocalPath, "error", err)
		}
		delete(c.byPath, ent.LocalPath)
	}
	if c.byHash[ent.XXHash] == assetID {
		delete(c.byHash, ent.XXHash)
		for id, other := range c.registry {
			if other.XXHash == ent.XXHash {
				c.byHash[ent.XXHash] = id
				break
			}
		}
	}
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
