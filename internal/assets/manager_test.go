package assets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tableforge/server/internal/protocol"
)

// stubPresigner mints deterministic URLs without touching a bucket.
type stubPresigner struct {
	uploads   int
	downloads int
}

func (s *stubPresigner) PresignUpload(_ context.Context, key, _ string, metadata map[string]string, _ time.Duration) (string, map[string]string, error) {
	s.uploads++
	headers := map[string]string{"Content-Type": "application/octet-stream"}
	for k, v := range metadata {
		headers[k] = v
	}
	return "https://bucket.test/put/" + key, headers, nil
}

func (s *stubPresigner) PresignDownload(_ context.Context, key string, _ time.Duration) (string, error) {
	s.downloads++
	return "https://bucket.test/get/" + key, nil
}

func testUploadReq(content string, session string) UploadRequest {
	hash := HashBytes([]byte(content))
	return UploadRequest{
		AssetID:     IDFromHash(hash),
		Filename:    "art.png",
		FileSize:    int64(len(content)),
		XXHash:      hash,
		SessionCode: session,
		UserID:      "alice",
	}
}

func TestRequestUpload_MintsURLWithIntegrityHeaders(t *testing.T) {
	ps := &stubPresigner{}
	m := NewManager(ps)
	req := testUploadReq("dragon art", "GAME42")

	grant, err := m.RequestUpload(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.AssetID, grant.AssetID)
	assert.Contains(t, grant.UploadURL, req.AssetID[:2]+"/"+req.AssetID)
	assert.Equal(t, req.XXHash, grant.RequiredHeaders[HeaderXXHash])
	assert.Equal(t, 1, ps.uploads)
}

func TestRequestUpload_RejectsMismatchedID(t *testing.T) {
	m := NewManager(&stubPresigner{})
	req := testUploadReq("content", "GAME42")
	req.AssetID = "0000000000000000"

	_, err := m.RequestUpload(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrHashMismatch, err.(*protocol.WireError).Code)
}

func TestRequestUpload_ConfirmedContentShortCircuits(t *testing.T) {
	ps := &stubPresigner{}
	m := NewManager(ps)
	ctx := context.Background()
	req := testUploadReq("shared map", "GAME42")

	_, err := m.RequestUpload(ctx, req)
	require.NoError(t, err)
	require.NoError(t, m.ConfirmUpload(req.AssetID, req.XXHash, "GAME42", true))

	// Another session asks for the same content: no URL, and the asset
	// becomes visible to it.
	req2 := req
	req2.SessionCode = "OTHER"
	grant, err := m.RequestUpload(ctx, req2)
	require.NoError(t, err)
	assert.Empty(t, grant.UploadURL, "known content needs no transfer")
	assert.Equal(t, 1, ps.uploads)
	assert.Len(t, m.List("OTHER"), 1)
}

func TestConfirmUpload(t *testing.T) {
	m := NewManager(&stubPresigner{})
	ctx := context.Background()
	req := testUploadReq("pending bytes", "GAME42")

	// Unconfirmed assets are invisible and undownloadable.
	_, err := m.RequestUpload(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, m.List("GAME42"))
	_, err = m.RequestDownload(ctx, req.AssetID, "GAME42")
	require.Error(t, err)

	// Confirm with the wrong hash fails; with the right one succeeds.
	err = m.ConfirmUpload(req.AssetID, "0000000000000000", "GAME42", true)
	require.Error(t, err)
	require.NoError(t, m.ConfirmUpload(req.AssetID, req.XXHash, "GAME42", true))
	assert.Len(t, m.List("GAME42"), 1)

	// Confirming an unknown asset fails.
	err = m.ConfirmUpload("ffffffffffffffff", "", "GAME42", true)
	require.Error(t, err)
}

func TestConfirmUpload_FailureDropsPendingRecord(t *testing.T) {
	m := NewManager(&stubPresigner{})
	ctx := context.Background()
	req := testUploadReq("aborted bytes", "GAME42")

	_, err := m.RequestUpload(ctx, req)
	require.NoError(t, err)
	require.NoError(t, m.ConfirmUpload(req.AssetID, req.XXHash, "GAME42", false))

	_, exists := m.HashCheck(req.XXHash)
	assert.False(t, exists)
	_, err = m.RequestDownload(ctx, req.AssetID, "GAME42")
	require.Error(t, err)
}

func TestRequestDownload_SessionScoped(t *testing.T) {
	ps := &stubPresigner{}
	m := NewManager(ps)
	ctx := context.Background()
	req := testUploadReq("scoped bytes", "GAME42")

	_, err := m.RequestUpload(ctx, req)
	require.NoError(t, err)
	require.NoError(t, m.ConfirmUpload(req.AssetID, req.XXHash, "GAME42", true))

	grant, err := m.RequestDownload(ctx, req.AssetID, "GAME42")
	require.NoError(t, err)
	assert.Equal(t, req.XXHash, grant.XXHash)
	assert.Contains(t, grant.DownloadURL, "bucket.test/get/")
	assert.True(t, grant.ExpiresAt.After(time.Now()))

	// A session the asset was never shared with is refused.
	_, err = m.RequestDownload(ctx, req.AssetID, "STRANGER")
	require.Error(t, err)
	assert.Equal(t, protocol.ErrUnauthorized, err.(*protocol.WireError).Code)
}

func TestDelete_RecordSurvivesUntilLastSession(t *testing.T) {
	m := NewManager(&stubPresigner{})
	ctx := context.Background()
	req := testUploadReq("shared bytes", "GAME42")

	_, err := m.RequestUpload(ctx, req)
	require.NoError(t, err)
	require.NoError(t, m.ConfirmUpload(req.AssetID, req.XXHash, "GAME42", true))
	req2 := req
	req2.SessionCode = "OTHER"
	_, err = m.RequestUpload(ctx, req2)
	require.NoError(t, err)

	require.NoError(t, m.Delete(req.AssetID, "GAME42"))
	_, stillKnown := m.HashCheck(req.XXHash)
	assert.True(t, stillKnown, "other sessions still see the asset")

	require.NoError(t, m.Delete(req.AssetID, "OTHER"))
	_, stillKnown = m.HashCheck(req.XXHash)
	assert.False(t, stillKnown, "last withdrawal drops the record")
}

func TestHashCheck(t *testing.T) {
	m := NewManager(&stubPresigner{})
	ctx := context.Background()
	req := testUploadReq("checked bytes", "GAME42")

	_, notKnown := m.HashCheck(req.XXHash)
	assert.False(t, notKnown)

	_, err := m.RequestUpload(ctx, req)
	require.NoError(t, err)
	_, pendingHidden := m.HashCheck(req.XXHash)
	assert.False(t, pendingHidden, "pending uploads do not count as known")

	require.NoError(t, m.ConfirmUpload(req.AssetID, req.XXHash, "GAME42", true))
	id, known := m.HashCheck(req.XXHash)
	assert.True(t, known)
	assert.Equal(t, req.AssetID, id)
}
