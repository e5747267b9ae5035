package assets

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tableforge/server/internal/protocol"
)

// Default URL lifetimes. Uploads get longer because clients push real bytes.
const (
	DefaultUploadExpiry   = 60 * time.Second
	DefaultDownloadExpiry = 10 * time.Minute
)

// Record is the server-side view of one asset: who uploaded it, which
// sessions may see it, and whether the upload was confirmed.
type Record struct {
	AssetID     string
	Filename    string
	XXHash      string
	FileSize    int64
	ContentType string
	UploadedBy  string
	Confirmed   bool
	CreatedAt   time.Time

	sessions map[string]struct{}
}

// UploadRequest mirrors the asset_upload_request payload.
type UploadRequest struct {
	AssetID     string
	Filename    string
	FileSize    int64
	XXHash      string
	ContentType string
	SessionCode string
	UserID      string
}

// UploadGrant is the reply payload for an accepted upload request.
type UploadGrant struct {
	AssetID         string
	UploadURL       string
	RequiredHeaders map[string]string
}

// DownloadGrant is the reply payload for an accepted download request.
type DownloadGrant struct {
	AssetID     string
	DownloadURL string
	XXHash      string
	ExpiresAt   time.Time
}

// Manager brokers the presigned upload/download flow. It is shared across
// sessions and locks accordingly; it never touches asset bytes itself.
type Manager struct {
	mu        sync.Mutex
	presigner Presigner
	records   map[string]*Record // asset_id -> record
	byHash    map[string]string  // xxhash -> asset_id

	UploadExpiry   time.Duration
	DownloadExpiry time.Duration
}

// NewManager wires the manager to a presigner.
func NewManager(p Presigner) *Manager {
	return &Manager{
		presigner:      p,
		records:        make(map[string]*Record),
		byHash:         make(map[string]string),
		UploadExpiry:   DefaultUploadExpiry,
		DownloadExpiry: DefaultDownloadExpiry,
	}
}

// objectKey mirrors the cache layout inside the bucket.
func objectKey(assetID, filename string) string {
	base := filepath.Base(filename)
	base = strings.ReplaceAll(base, " ", "_")
	return fmt.Sprintf("assets/%s/%s_%s", assetID[:2], assetID, base)
}

// RequestUpload validates the claimed identity and mints a presigned PUT.
// The record stays unconfirmed until ConfirmUpload; a re-upload of known
// content short-circuits with the existing record and no URL.
func (m *Manager) RequestUpload(ctx context.Context, req UploadRequest) (*UploadGrant, error) {
	if req.AssetID == "" || req.XXHash == "" || req.Filename == "" {
		return nil, protocol.Errorf(protocol.ErrMalformedMessage,
			"upload request missing asset_id, xxhash or filename")
	}
	if !ValidID(req.AssetID, req.XXHash) {
		return nil, protocol.Errorf(protocol.ErrHashMismatch,
			"asset id %s does not match xxhash %s", req.AssetID, req.XXHash)
	}

	m.mu.Lock()
	if rec, ok := m.records[req.AssetID]; ok && rec.Confirmed {
		rec.grantSession(req.SessionCode)
		m.mu.Unlock()
		return &UploadGrant{AssetID: req.AssetID}, nil
	}
	rec := &Record{
		AssetID:     req.AssetID,
		Filename:    req.Filename,
		XXHash:      req.XXHash,
		FileSize:    req.FileSize,
		ContentType: req.ContentType,
		UploadedBy:  req.UserID,
		CreatedAt:   time.Now(),
		sessions:    map[string]struct{}{},
	}
	rec.grantSession(req.SessionCode)
	m.records[req.AssetID] = rec
	m.byHash[req.XXHash] = req.AssetID
	m.mu.Unlock()

	metadata := map[string]string{
		HeaderXXHash:          req.XXHash,
		HeaderUploadTimestamp: fmt.Sprintf("%d", time.Now().Unix()),
	}
	url, headers, err := m.presigner.PresignUpload(ctx,
		objectKey(req.AssetID, req.Filename), req.ContentType, metadata, m.UploadExpiry)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "presign upload: %v", err)
	}
	return &UploadGrant{AssetID: req.AssetID, UploadURL: url, RequiredHeaders: headers}, nil
}

// ConfirmUpload marks the asset available to the confirming session. A
// failed confirmation drops the pending record.
func (m *Manager) ConfirmUpload(assetID, xxhash, sessionCode string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[assetID]
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "asset %s has no pending upload", assetID)
	}
	if !success {
		if !rec.Confirmed {
			delete(m.records, assetID)
			if m.byHash[rec.XXHash] == assetID {
				delete(m.byHash, rec.XXHash)
			}
		}
		return nil
	}
	if xxhash != "" && xxhash != rec.XXHash {
		return protocol.Errorf(protocol.ErrHashMismatch,
			"confirm hash %s does not match requested %s", xxhash, rec.XXHash)
	}
	rec.Confirmed = true
	rec.grantSession(sessionCode)
	return nil
}

// RequestDownload mints a presigned GET for a confirmed asset visible to the
// session.
func (m *Manager) RequestDownload(ctx context.Context, assetID, sessionCode string) (*DownloadGrant, error) {
	m.mu.Lock()
	rec, ok := m.records[assetID]
	if !ok || !rec.Confirmed {
		m.mu.Unlock()
		return nil, protocol.Errorf(protocol.ErrNotFound, "asset %s not available", assetID)
	}
	if !rec.visibleTo(sessionCode) {
		m.mu.Unlock()
		return nil, protocol.Errorf(protocol.ErrUnauthorized,
			"asset %s not shared with session %s", assetID, sessionCode)
	}
	key := objectKey(rec.AssetID, rec.Filename)
	hash := rec.XXHash
	m.mu.Unlock()

	url, err := m.presigner.PresignDownload(ctx, key, m.DownloadExpiry)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrIOError, "presign download: %v", err)
	}
	return &DownloadGrant{
		AssetID:     assetID,
		DownloadURL: url,
		XXHash:      hash,
		ExpiresAt:   time.Now().Add(m.DownloadExpiry),
	}, nil
}

// List enumerates the confirmed assets visible to a session.
func (m *Manager) List(sessionCode string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]map[string]any, 0)
	for _, rec := range m.records {
		if !rec.Confirmed || !rec.visibleTo(sessionCode) {
			continue
		}
		out = append(out, map[string]any{
			"asset_id":  rec.AssetID,
			"filename":  rec.Filename,
			"xxhash":    rec.XXHash,
			"file_size": rec.FileSize,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["asset_id"].(string) < out[j]["asset_id"].(string)
	})
	return out
}

// Delete withdraws an asset from a session. The record disappears entirely
// once no session can see it; bucket objects are reaped out of band.
func (m *Manager) Delete(assetID, sessionCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[assetID]
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "asset %s not available", assetID)
	}
	delete(rec.sessions, sessionCode)
	if len(rec.sessions) == 0 {
		delete(m.records, assetID)
		if m.byHash[rec.XXHash] == assetID {
			delete(m.byHash, rec.XXHash)
		}
	}
	return nil
}

// HashCheck reports whether content with this integrity tag is already
// known, letting clients skip redundant uploads.
func (m *Manager) HashCheck(xxhash string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[xxhash]
	if !ok {
		return "", false
	}
	if rec, exists := m.records[id]; !exists || !rec.Confirmed {
		return "", false
	}
	return id, true
}

func (r *Record) grantSession(code string) {
	if code != "" {
		r.sessions[code] = struct{}{}
	}
}

func (r *Record) visibleTo(code string) bool {
	_, ok := r.sessions[code]
	return ok
}
