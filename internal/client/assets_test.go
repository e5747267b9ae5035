package client

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tableforge/server/internal/assets"
	"github.com/tableforge/server/internal/asyncio"
	"github.com/tableforge/server/internal/protocol"
)

type noticeLog struct {
	mu     sync.Mutex
	kinds  []string
	byKind map[string]map[string]any
}

func newNoticeLog() *noticeLog {
	return &noticeLog{byKind: make(map[string]map[string]any)}
}

func (n *noticeLog) fn(kind string, data map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	n.byKind[kind] = data
}

func (n *noticeLog) get(kind string) (map[string]any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	data, ok := n.byKind[kind]
	return data, ok
}

func newTestCoordinator(t *testing.T) (*AssetCoordinator, *Protocol, *recorder, *noticeLog) {
	t.Helper()
	rec := &recorder{}
	notices := newNoticeLog()
	proto := New(rec.send, nil)
	cache, err := assets.NewCache(t.TempDir())
	require.NoError(t, err)
	book := asyncio.New(2)
	t.Cleanup(book.Close)
	ac := NewAssetCoordinator(proto, cache, book, notices.fn)
	return ac, proto, rec, notices
}

// pumpUntil drives the coordinator's completion pump until cond holds.
func pumpUntil(t *testing.T, ac *AssetCoordinator, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ac.Pump()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never reached while pumping completions")
}

func (r *recorder) findSent(typ protocol.MessageType) (*protocol.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range r.sent {
		if env.Type == typ {
			return env, true
		}
	}
	return nil, false
}

func writeAssetFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestUpload_HashesAndRequestsGrant(t *testing.T) {
	ac, _, rec, _ := newTestCoordinator(t)
	path := writeAssetFile(t, "dragon.png", "dragon pixels")

	assetID, err := ac.Upload(path)
	require.NoError(t, err)

	hash, size, err := assets.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, assets.IDFromHash(hash), assetID)

	req, ok := rec.findSent(protocol.TypeAssetUploadRequest)
	require.True(t, ok)
	assert.Equal(t, assetID, req.Data["asset_id"])
	assert.Equal(t, "dragon.png", req.Data["filename"])
	assert.Equal(t, hash, req.Data["xxhash"])
	assert.EqualValues(t, size, req.Data["file_size"])
	assert.Equal(t, "image/png", req.Data["content_type"])

	// The file is in the local cache before any transfer happens.
	valid, err := ac.cache.Verify(assetID)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestUpload_UnknownExtensionFallsBackToOctetStream(t *testing.T) {
	ac, _, rec, _ := newTestCoordinator(t)

	_, err := ac.Upload(writeAssetFile(t, "opaque-blob", "no extension here"))
	require.NoError(t, err)

	req, ok := rec.findSent(protocol.TypeAssetUploadRequest)
	require.True(t, ok)
	assert.Equal(t, "application/octet-stream", req.Data["content_type"])
}

func TestUploadResponse_AlreadyExistsShortCircuits(t *testing.T) {
	ac, proto, rec, notices := newTestCoordinator(t)
	path := writeAssetFile(t, "map.jpg", "map bytes")
	assetID, err := ac.Upload(path)
	require.NoError(t, err)

	deliver(t, proto, protocol.NewEnvelope(protocol.TypeAssetUploadResponse, map[string]any{
		"asset_id":       assetID,
		"already_exists": true,
	}))

	data, ok := notices.get("asset_uploaded")
	require.True(t, ok)
	assert.Equal(t, true, data["deduplicated"])
	_, confirmed := rec.findSent(protocol.TypeAssetUploadConfirm)
	assert.False(t, confirmed, "nothing was transferred, nothing to confirm")
}

func TestUploadFlow_TransfersAndConfirms(t *testing.T) {
	var gotBody []byte
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Get("x-amz-meta-xxhash")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ac, proto, rec, notices := newTestCoordinator(t)
	path := writeAssetFile(t, "token.png", "token art bytes")
	assetID, err := ac.Upload(path)
	require.NoError(t, err)
	hash, _, err := assets.HashFile(path)
	require.NoError(t, err)

	deliver(t, proto, protocol.NewEnvelope(protocol.TypeAssetUploadResponse, map[string]any{
		"asset_id":   assetID,
		"upload_url": srv.URL,
		"required_headers": map[string]any{
			"x-amz-meta-xxhash": hash,
		},
	}))

	pumpUntil(t, ac, func() bool {
		_, ok := rec.findSent(protocol.TypeAssetUploadConfirm)
		return ok
	})

	confirm, _ := rec.findSent(protocol.TypeAssetUploadConfirm)
	assert.Equal(t, assetID, confirm.Data["asset_id"])
	assert.Equal(t, hash, confirm.Data["xxhash"])
	assert.Equal(t, true, confirm.Data["success"])
	assert.Equal(t, []byte("token art bytes"), gotBody)
	assert.Equal(t, hash, gotHeader)
	_, ok := notices.get("asset_uploaded")
	assert.True(t, ok)
}

func TestDownload_VerifiedCacheHitSkipsServer(t *testing.T) {
	ac, _, rec, notices := newTestCoordinator(t)
	path := writeAssetFile(t, "cached.png", "cached bytes")
	hash, _, err := assets.HashFile(path)
	require.NoError(t, err)
	assetID := assets.IDFromHash(hash)
	_, err = ac.cache.RegisterUpload(assetID, path, "cached.png")
	require.NoError(t, err)

	require.NoError(t, ac.Download(assetID))

	data, ok := notices.get("asset_ready")
	require.True(t, ok)
	assert.Equal(t, true, data["cached"])
	_, sent := rec.findSent(protocol.TypeAssetDownloadRequest)
	assert.False(t, sent, "verified hit never reaches the server")
}

func TestDownloadFlow_FetchesAndCaches(t *testing.T) {
	content := []byte("downloaded battle map")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	ac, proto, rec, notices := newTestCoordinator(t)
	hash := assets.HashBytes(content)
	assetID := assets.IDFromHash(hash)

	require.NoError(t, ac.Download(assetID))
	_, sent := rec.findSent(protocol.TypeAssetDownloadRequest)
	assert.True(t, sent)

	deliver(t, proto, protocol.NewEnvelope(protocol.TypeAssetDownloadResponse, map[string]any{
		"asset_id":     assetID,
		"download_url": srv.URL,
		"xxhash":       hash,
	}))

	pumpUntil(t, ac, func() bool {
		_, ok := notices.get("asset_ready")
		return ok
	})

	data, _ := notices.get("asset_ready")
	assert.Equal(t, false, data["cached"])
	entry, ok := ac.cache.Get(assetID)
	require.True(t, ok)
	raw, err := os.ReadFile(entry.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, content, raw)
}

func TestDownloadFlow_HashMismatchDiscarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("tampered content"))
	}))
	defer srv.Close()

	ac, proto, _, notices := newTestCoordinator(t)

	deliver(t, proto, protocol.NewEnvelope(protocol.TypeAssetDownloadResponse, map[string]any{
		"asset_id":     "1111111111111111",
		"download_url": srv.URL,
		"xxhash":       "0000000000000000",
	}))

	pumpUntil(t, ac, func() bool {
		_, ok := notices.get("asset_download_failed")
		return ok
	})

	data, _ := notices.get("asset_download_failed")
	assert.Equal(t, string(protocol.ErrHashMismatch), data["error"])
	_, cached := ac.cache.Get("1111111111111111")
	assert.False(t, cached, "mismatched content never enters the cache")
}
