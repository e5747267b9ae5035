package client

import (
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/tableforge/server/internal/assets"
	"github.com/tableforge/server/internal/asyncio"
	"github.com/tableforge/server/internal/protocol"
)

// AssetCoordinator drives the presigned asset flow on the client: hash
// locally, ask the server for a URL, hand the transfer to the async book,
// and report the outcome back with asset_upload_confirm. Completions are
// observed via Pump, which the embedder calls from its frame loop.
type AssetCoordinator struct {
	proto  *Protocol
	cache  *assets.Cache
	book   *asyncio.Book
	notice NoticeFunc

	mu      sync.Mutex
	fileFor map[string]string // asset_id -> local path of the pending upload
}

// NewAssetCoordinator wires the coordinator and registers its message
// routes on the protocol.
func NewAssetCoordinator(proto *Protocol, cache *assets.Cache, book *asyncio.Book, notice NoticeFunc) *AssetCoordinator {
	if notice == nil {
		notice = func(string, map[string]any) {}
	}
	ac := &AssetCoordinator{
		proto:   proto,
		cache:   cache,
		book:    book,
		notice:  notice,
		fileFor: make(map[string]string),
	}
	proto.RegisterHandler(protocol.TypeAssetUploadResponse, ac.onUploadResponse)
	proto.RegisterHandler(protocol.TypeAssetDownloadResponse, ac.onDownloadResponse)
	proto.RegisterHandler(protocol.TypeFileData, ac.onDownloadResponse)
	return ac
}

// Upload hashes a local file, records it in the cache and requests a
// presigned upload URL. Returns the content-derived asset id.
func (ac *AssetCoordinator) Upload(path string) (string, error) {
	hash, size, err := assets.HashFile(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	assetID := assets.IDFromHash(hash)
	filename := filepath.Base(path)

	if _, err := ac.cache.RegisterUpload(assetID, path, filename); err != nil {
		return "", err
	}

	ac.mu.Lock()
	ac.fileFor[assetID] = path
	ac.mu.Unlock()

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return assetID, ac.proto.Request(protocol.TypeAssetUploadRequest, map[string]any{
		"asset_id":     assetID,
		"filename":     filename,
		"file_size":    size,
		"xxhash":       hash,
		"content_type": contentType,
	})
}

// Download ensures an asset is locally cached, short-circuiting on a
// verified cache hit.
func (ac *AssetCoordinator) Download(assetID string) error {
	if entry, ok := ac.cache.Get(assetID); ok {
		if valid, err := ac.cache.Verify(assetID); err == nil && valid {
			ac.notice("asset_ready", map[string]any{
				"asset_id": assetID, "path": entry.LocalPath, "cached": true,
			})
			return nil
		}
		// Stale or corrupted copy; drop it and re-fetch.
		if err := ac.cache.Remove(assetID); err != nil {
			slog.Warn("stale cache entry removal failed", "asset_id", assetID, "error", err)
		}
	}
	return ac.proto.Request(protocol.TypeAssetDownloadRequest, map[string]any{
		"asset_id": assetID,
	})
}

func (ac *AssetCoordinator) onUploadResponse(env *protocol.Envelope) {
	assetID := env.DataString("asset_id")
	if env.DataBool("already_exists") {
		ac.forget(assetID)
		ac.notice("asset_uploaded", map[string]any{"asset_id": assetID, "deduplicated": true})
		return
	}
	url := env.DataString("upload_url")
	if url == "" {
		return
	}

	ac.mu.Lock()
	path := ac.fileFor[assetID]
	ac.mu.Unlock()
	if path == "" {
		slog.Warn("upload grant for unknown asset", "asset_id", assetID)
		return
	}

	headers := make(map[string]string)
	if raw := env.DataMap("required_headers"); raw != nil {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	if _, err := ac.book.EnqueueUpload(url, path, headers, map[string]any{
		"asset_id": assetID,
	}); err != nil {
		slog.Warn("upload enqueue failed", "asset_id", assetID, "error", err)
	}
}

func (ac *AssetCoordinator) onDownloadResponse(env *protocol.Envelope) {
	assetID := env.DataString("asset_id")
	url := env.DataString("download_url")
	hash := env.DataString("xxhash")
	if assetID == "" || url == "" {
		return
	}

	dest := filepath.Join(os.TempDir(), "tableforge-dl-"+assetID)
	if _, err := ac.book.EnqueueDownload(url, dest, hash, map[string]any{
		"asset_id": assetID,
		"filename": assetID,
	}); err != nil {
		slog.Warn("download enqueue failed", "asset_id", assetID, "error", err)
	}
}

// Pump drains finished transfers, finalizing cache entries and confirming
// uploads. Call it regularly; once per frame is the intended cadence.
func (ac *AssetCoordinator) Pump() {
	for _, done := range ac.book.ProcessCompletedOperations() {
		assetID, _ := done.Metadata["asset_id"].(string)
		switch done.Kind {
		case asyncio.KindUpload:
			ac.finishUpload(assetID, done)
		case asyncio.KindDownload:
			ac.finishDownload(assetID, done)
		}
	}
}

func (ac *AssetCoordinator) finishUpload(assetID string, done asyncio.Completion) {
	hash := ""
	if entry, ok := ac.cache.Get(assetID); ok {
		hash = entry.XXHash
	}
	ac.forget(assetID)

	confirm := map[string]any{
		"asset_id": assetID,
		"xxhash":   hash,
		"success":  done.Success,
	}
	if !done.Success {
		confirm["error"] = done.Error
		ac.notice("asset_upload_failed", map[string]any{"asset_id": assetID, "error": done.Error})
	}
	if err := ac.proto.Request(protocol.TypeAssetUploadConfirm, confirm); err != nil {
		slog.Warn("upload confirm send failed", "asset_id", assetID, "error", err)
	}
	if done.Success {
		ac.notice("asset_uploaded", map[string]any{"asset_id": assetID, "size": done.Size})
	}
}

func (ac *AssetCoordinator) finishDownload(assetID string, done asyncio.Completion) {
	if !done.Success {
		ac.notice("asset_download_failed", map[string]any{"asset_id": assetID, "error": done.Error})
		return
	}
	if done.HashValid != nil && !*done.HashValid {
		os.Remove(done.FilePath)
		ac.notice("asset_download_failed", map[string]any{
			"asset_id": assetID, "error": string(protocol.ErrHashMismatch),
		})
		return
	}

	filename, _ := done.Metadata["filename"].(string)
	entry, err := ac.cache.CacheDownloadedAsset(assetID, done.FilePath, filename)
	os.Remove(done.FilePath)
	if err != nil {
		ac.notice("asset_download_failed", map[string]any{"asset_id": assetID, "error": err.Error()})
		return
	}
	ac.notice("asset_ready", map[string]any{
		"asset_id": assetID, "path": entry.LocalPath, "cached": false,
	})
}

func (ac *AssetCoordinator) forget(assetID string) {
	ac.mu.Lock()
	delete(ac.fileFor, assetID)
	ac.mu.Unlock()
}
