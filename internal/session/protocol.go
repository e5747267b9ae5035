package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/tableforge/server/internal/actions"
	"github.com/tableforge/server/internal/assets"
	"github.com/tableforge/server/internal/events"
	"github.com/tableforge/server/internal/middleware"
	"github.com/tableforge/server/internal/monitoring"
	"github.com/tableforge/server/internal/protocol"
	"github.com/tableforge/server/internal/table"
)

// handlerTimeout bounds a single message handler, including any storage
// round trip underneath.
const handlerTimeout = 5 * time.Second

// Outcome is what a handler produces: an optional direct reply to the
// sender and at most one derived broadcast to the rest of the session.
type Outcome struct {
	Reply     *protocol.Envelope
	Broadcast *protocol.Envelope
}

func reply(env *protocol.Envelope) Outcome { return Outcome{Reply: env} }

func replyErr(err error) Outcome {
	if we, ok := err.(*protocol.WireError); ok {
		return Outcome{Reply: protocol.NewError(we.Code, we.Detail)}
	}
	return Outcome{Reply: protocol.NewError(protocol.ErrIOError, err.Error())}
}

// Handler processes one envelope for one client inside the session loop.
type Handler func(ctx context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome

// ServerProtocol is the message-type dispatch table. One instance is shared
// by every session; per-session state lives in the broker and its action
// layer. RegisterHandler lets embedders add or override routes before any
// broker starts.
type ServerProtocol struct {
	assets   *assets.Manager
	metrics  *monitoring.Metrics
	limiter  *middleware.RateLimiter
	handlers map[protocol.MessageType]Handler
}

// NewServerProtocol builds the dispatch table with every built-in route.
func NewServerProtocol(assetMgr *assets.Manager, metrics *monitoring.Metrics,
	limiter *middleware.RateLimiter) *ServerProtocol {

	p := &ServerProtocol{
		assets:   assetMgr,
		metrics:  metrics,
		limiter:  limiter,
		handlers: make(map[protocol.MessageType]Handler),
	}
	p.registerBuiltins()
	return p
}

// RegisterHandler installs or overrides the handler for a message type.
// Not safe to call once brokers are running.
func (p *ServerProtocol) RegisterHandler(t protocol.MessageType, h Handler) {
	p.handlers[t] = h
}

// Handle dispatches one envelope. Called from the session loop only.
func (p *ServerProtocol) Handle(b *Broker, clientID string, env *protocol.Envelope) Outcome {
	if p.limiter != nil && !p.limiter.Allow(clientID) {
		return reply(protocol.NewError(protocol.ErrRateLimited, "message budget exceeded"))
	}

	sender := b.clientInfo(clientID)
	if sender == nil {
		return Outcome{}
	}

	h, ok := p.handlers[env.Type]
	if !ok {
		// Known type with no server-side route (e.g. a response tag sent by
		// a confused client). Ignore rather than error.
		slog.Debug("no handler for message type", "type", env.Type, "client_id", clientID)
		return Outcome{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	return h(ctx, b, sender, env)
}

// ClientDropped releases per-client protocol state after a disconnect.
func (p *ServerProtocol) ClientDropped(clientID string) {
	if p.limiter != nil {
		p.limiter.Forget(clientID)
	}
}

func (p *ServerProtocol) registerBuiltins() {
	// Core
	p.handlers[protocol.TypePing] = handlePing
	p.handlers[protocol.TypePong] = handlePong
	p.handlers[protocol.TypeTest] = handleTest

	// Auth tags are acknowledged but served elsewhere.
	for _, t := range []protocol.MessageType{
		protocol.TypeAuthRegister, protocol.TypeAuthLogin, protocol.TypeAuthLogout,
		protocol.TypeAuthToken, protocol.TypeAuthStatus,
	} {
		p.handlers[t] = handleAuthPassthrough
	}

	// Tables
	p.handlers[protocol.TypeNewTableRequest] = handleNewTable
	p.handlers[protocol.TypeTableRequest] = handleTableRequest
	p.handlers[protocol.TypeTableListRequest] = handleTableList
	p.handlers[protocol.TypeTableUpdate] = handleTableUpdate
	p.handlers[protocol.TypeTableDelete] = handleTableDelete

	// Sprites
	p.handlers[protocol.TypeSpriteCreate] = handleSpriteCreate
	p.handlers[protocol.TypeSpriteRemove] = handleSpriteRemove
	p.handlers[protocol.TypeSpriteMove] = handleSpriteMove
	p.handlers[protocol.TypeSpriteScale] = handleSpriteScale
	p.handlers[protocol.TypeSpriteRotate] = handleSpriteRotate
	p.handlers[protocol.TypeCompendiumSpriteAdd] = handleSpriteCreate
	p.handlers[protocol.TypeCompendiumSpriteRemove] = handleSpriteRemove

	// Characters
	p.handlers[protocol.TypeCharacterSaveRequest] = handleCharacterSave
	p.handlers[protocol.TypeCharacterLoadRequest] = handleCharacterLoad
	p.handlers[protocol.TypeCharacterListRequest] = handleCharacterList
	p.handlers[protocol.TypeCharacterDeleteRequest] = handleCharacterDelete
	p.handlers[protocol.TypeCharacterUpdate] = handleCharacterUpdate

	// Assets
	p.handlers[protocol.TypeAssetUploadRequest] = p.handleAssetUploadRequest
	p.handlers[protocol.TypeAssetUploadConfirm] = p.handleAssetUploadConfirm
	p.handlers[protocol.TypeAssetDownloadRequest] = p.handleAssetDownloadRequest
	p.handlers[protocol.TypeAssetListRequest] = p.handleAssetList
	p.handlers[protocol.TypeAssetDeleteRequest] = p.handleAssetDelete
	p.handlers[protocol.TypeAssetHashCheck] = p.handleAssetHashCheck
	p.handlers[protocol.TypeFileRequest] = p.handleFileRequest

	// Roster
	p.handlers[protocol.TypePlayerListRequest] = handlePlayerList
	p.handlers[protocol.TypePlayerKickRequest] = handlePlayerKick
	p.handlers[protocol.TypePlayerBanRequest] = handlePlayerBan
	p.handlers[protocol.TypeConnectionStatusRequest] = handleConnectionStatus

	// Client-to-client signals relay untouched.
	for _, t := range []protocol.MessageType{
		protocol.TypePlayerAction, protocol.TypePlayerUpdate, protocol.TypePlayerStatus,
		protocol.TypePlayerReady, protocol.TypePlayerUnready, protocol.TypeCustom,
	} {
		p.handlers[t] = handleRelay
	}
}

// ---- core ----

func handlePing(_ context.Context, _ *Broker, _ *ClientInfo, _ *protocol.Envelope) Outcome {
	return reply(protocol.NewPong())
}

func handlePong(_ context.Context, _ *Broker, _ *ClientInfo, _ *protocol.Envelope) Outcome {
	// LastPing was already refreshed on frame arrival.
	return Outcome{}
}

func handleTest(_ context.Context, _ *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	return reply(protocol.NewSuccess(map[string]any{
		"echo":      env.Data,
		"client_id": sender.ClientID,
	}))
}

func handleAuthPassthrough(_ context.Context, _ *Broker, _ *ClientInfo, env *protocol.Envelope) Outcome {
	return reply(protocol.NewError(protocol.ErrUnauthorized,
		"authentication is handled by the auth service, not the session server"))
}

// handleRelay forwards the envelope to everyone else without interpreting
// it. The sender gets no reply.
func handleRelay(_ context.Context, _ *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	out := protocol.NewEnvelope(env.Type, env.Data)
	out.ClientID = sender.ClientID
	return Outcome{Broadcast: out}
}

// ---- tables ----

func resultReply(t protocol.MessageType, res actions.Result) *protocol.Envelope {
	if !res.Success {
		code := res.ErrorCode()
		env := protocol.NewError(code, res.Message)
		for k, v := range res.Data {
			if k != "error" {
				env.Data[k] = v
			}
		}
		return env
	}
	data := res.Data
	if data == nil {
		data = map[string]any{}
	}
	if res.Message != "" {
		data["message"] = res.Message
	}
	return protocol.NewEnvelope(t, data)
}

func handleNewTable(_ context.Context, b *Broker, _ *ClientInfo, env *protocol.Envelope) Outcome {
	name := env.DataString("table_name")
	if name == "" {
		name = env.DataString("name")
	}
	width, _ := env.DataInt("width")
	height, _ := env.DataInt("height")

	res := b.actions.CreateTable(name, width, height)
	out := Outcome{Reply: resultReply(protocol.TypeNewTableResponse, res)}
	if res.Success {
		out.Broadcast = protocol.NewEnvelope(protocol.TypeTableData, res.Data)
	}
	return out
}

func handleTableRequest(_ context.Context, b *Broker, _ *ClientInfo, env *protocol.Envelope) Outcome {
	name := env.DataString("table_id")
	if name == "" {
		name = env.DataString("name")
	}
	return reply(resultReply(protocol.TypeTableResponse, b.actions.GetTable(name)))
}

func handleTableList(_ context.Context, b *Broker, _ *ClientInfo, _ *protocol.Envelope) Outcome {
	return reply(resultReply(protocol.TypeTableListResponse, b.actions.ListTables()))
}

func handleTableUpdate(_ context.Context, b *Broker, _ *ClientInfo, env *protocol.Envelope) Outcome {
	tableID := env.DataString("table_id")
	updates := env.DataMap("updates")
	if updates == nil {
		updates = env.Data
	}
	res := b.actions.UpdateTableView(tableID, updates)
	out := Outcome{Reply: resultReply(protocol.TypeSuccess, res)}
	if res.Success {
		out.Broadcast = protocol.NewEnvelope(protocol.TypeTableUpdate, map[string]any{
			"table_id": res.Data["table_id"],
			"updates":  updates,
		})
	}
	return out
}

func handleTableDelete(ctx context.Context, b *Broker, _ *ClientInfo, env *protocol.Envelope) Outcome {
	res := b.actions.DeleteTable(ctx, env.DataString("table_id"))
	out := Outcome{Reply: resultReply(protocol.TypeSuccess, res)}
	if res.Success {
		out.Broadcast = protocol.NewEnvelope(protocol.TypeTableDelete, res.Data)
	}
	return out
}

// ---- sprites ----

func positionFromData(m map[string]any) (table.Position, bool) {
	if m == nil {
		return table.Position{}, false
	}
	x, okX := numValue(m["x"])
	y, okY := numValue(m["y"])
	if !okX || !okY {
		return table.Position{}, false
	}
	return table.Position{X: int(x), Y: int(y)}, true
}

func numValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func handleSpriteCreate(_ context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	pos, ok := positionFromData(env.DataMap("position"))
	if !ok {
		return reply(protocol.NewError(protocol.ErrMalformedMessage, "position with x and y required"))
	}
	desc := table.EntityDescriptor{
		SpriteID:    env.DataString("sprite_id"),
		Name:        env.DataString("name"),
		Layer:       env.DataString("layer"),
		Position:    pos,
		TexturePath: env.DataString("texture_path"),
		CharacterID: env.DataString("character_id"),
	}
	if desc.Layer == "" {
		desc.Layer = table.LayerTokens
	}
	if sx, ok := numValue(env.Data["scale_x"]); ok {
		desc.ScaleX = sx
	}
	if sy, ok := numValue(env.Data["scale_y"]); ok {
		desc.ScaleY = sy
	}
	if controlled, ok := env.Data["controlled_by"].([]any); ok {
		for _, c := range controlled {
			if s, ok := c.(string); ok {
				desc.ControlledBy = append(desc.ControlledBy, s)
			}
		}
	} else if desc.CharacterID != "" {
		desc.ControlledBy = []string{sender.UserID}
	}

	res := b.actions.AddSprite(env.DataString("table_id"), desc)
	out := Outcome{Reply: resultReply(protocol.TypeSpriteResponse, res)}
	if res.Success {
		out.Broadcast = spriteUpdateBroadcast("sprite_create", res.Data, map[string]any{
			"layer":    desc.Layer,
			"position": map[string]any{"x": pos.X, "y": pos.Y},
		})
	}
	return out
}

func handleSpriteRemove(ctx context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	res := b.actions.RemoveSprite(ctx, env.DataString("table_id"), env.DataString("sprite_id"), sender.UserID)
	out := Outcome{Reply: resultReply(protocol.TypeSuccess, res)}
	if res.Success {
		out.Broadcast = spriteUpdateBroadcast("sprite_remove", res.Data, nil)
	}
	return out
}

// handleSpriteMove is the server-authoritative move. A rejection answers the
// sender with a position_correction carrying the authoritative position; the
// rest of the session hears nothing.
func handleSpriteMove(ctx context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	to, ok := positionFromData(env.DataMap("to"))
	if !ok {
		if p, okAlt := positionFromData(env.DataMap("position")); okAlt {
			to, ok = p, true
		}
	}
	if !ok {
		return reply(protocol.NewError(protocol.ErrMalformedMessage, "target position required"))
	}
	tableID := env.DataString("table_id")
	spriteID := env.DataString("sprite_id")

	res := b.actions.MoveSprite(ctx, tableID, spriteID, to, sender.UserID)
	if !res.Success {
		if authoritative, has := res.Data["position"]; has {
			correction := protocol.NewEnvelope(protocol.TypeSpriteUpdate, map[string]any{
				"type":      protocol.TypePositionCorrection,
				"table_id":  tableID,
				"sprite_id": spriteID,
				"position":  authoritative,
				"error":     string(res.ErrorCode()),
			})
			correction.Priority = protocol.PriorityHigh
			return reply(correction)
		}
		return reply(resultReply(protocol.TypeSuccess, res))
	}
	return Outcome{
		Reply:     resultReply(protocol.TypeSuccess, res),
		Broadcast: spriteUpdateBroadcast("sprite_move", res.Data, nil),
	}
}

func handleSpriteScale(ctx context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	sx, okX := numValue(env.Data["scale_x"])
	sy, okY := numValue(env.Data["scale_y"])
	if !okX || !okY {
		return reply(protocol.NewError(protocol.ErrMalformedMessage, "scale_x and scale_y required"))
	}
	res := b.actions.ScaleSprite(ctx, env.DataString("table_id"), env.DataString("sprite_id"), sx, sy, sender.UserID)
	out := Outcome{Reply: resultReply(protocol.TypeSuccess, res)}
	if res.Success {
		out.Broadcast = spriteUpdateBroadcast("sprite_scale", res.Data, nil)
	}
	return out
}

func handleSpriteRotate(ctx context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	rotation, ok := numValue(env.Data["rotation"])
	if !ok {
		return reply(protocol.NewError(protocol.ErrMalformedMessage, "rotation required"))
	}
	res := b.actions.RotateSprite(ctx, env.DataString("table_id"), env.DataString("sprite_id"), rotation, sender.UserID)
	out := Outcome{Reply: resultReply(protocol.TypeSuccess, res)}
	if res.Success {
		out.Broadcast = spriteUpdateBroadcast("sprite_rotate", res.Data, nil)
	}
	return out
}

// spriteUpdateBroadcast builds the single derived mutation message other
// clients receive for an accepted sprite operation.
func spriteUpdateBroadcast(subtype string, resData, extra map[string]any) *protocol.Envelope {
	data := map[string]any{"type": subtype}
	for k, v := range resData {
		if k != "message" {
			data[k] = v
		}
	}
	for k, v := range extra {
		data[k] = v
	}
	return protocol.NewEnvelope(protocol.TypeSpriteUpdate, data)
}

// ---- characters ----

func handleCharacterSave(ctx context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	res := b.actions.SaveCharacter(ctx, env.DataString("character_id"), sender.UserID, env.DataMap("data"))
	return reply(resultReply(protocol.TypeCharacterSaveResponse, res))
}

func handleCharacterLoad(ctx context.Context, b *Broker, _ *ClientInfo, env *protocol.Envelope) Outcome {
	res := b.actions.LoadCharacter(ctx, env.DataString("character_id"))
	return reply(resultReply(protocol.TypeCharacterLoadResponse, res))
}

func handleCharacterList(ctx context.Context, b *Broker, _ *ClientInfo, _ *protocol.Envelope) Outcome {
	res := b.actions.ListCharacters(ctx)
	return reply(resultReply(protocol.TypeCharacterListResponse, res))
}

func handleCharacterDelete(ctx context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	res := b.actions.DeleteCharacter(ctx, env.DataString("character_id"), sender.UserID)
	return reply(resultReply(protocol.TypeCharacterDeleteResponse, res))
}

// handleCharacterUpdate applies the optimistic-versioned update and, on
// success, tells the rest of the session about the new sheet version and any
// token stat changes.
func handleCharacterUpdate(ctx context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	var expected *int
	if v, ok := env.DataInt("version"); ok {
		expected = &v
	}
	updates := env.DataMap("updates")
	if updates == nil {
		updates = env.DataMap("data")
	}

	res := b.actions.UpdateCharacter(ctx, env.DataString("character_id"), updates, sender.UserID, expected)
	out := Outcome{Reply: resultReply(protocol.TypeCharacterUpdateResponse, res)}
	if res.Success {
		out.Broadcast = protocol.NewEnvelope(protocol.TypeCharacterUpdate, map[string]any{
			"character_id": res.Data["character_id"],
			"version":      res.Data["version"],
			"updates":      updates,
		})
	}
	return out
}

// ---- assets ----

func (p *ServerProtocol) handleAssetUploadRequest(ctx context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	size, _ := env.DataInt("file_size")
	grant, err := p.assets.RequestUpload(ctx, assets.UploadRequest{
		AssetID:     env.DataString("asset_id"),
		Filename:    env.DataString("filename"),
		FileSize:    int64(size),
		XXHash:      env.DataString("xxhash"),
		ContentType: env.DataString("content_type"),
		SessionCode: b.SessionCode,
		UserID:      sender.UserID,
	})
	if err != nil {
		return replyErr(err)
	}

	data := map[string]any{"asset_id": grant.AssetID}
	if grant.UploadURL == "" {
		// Content already confirmed; nothing to transfer.
		data["already_exists"] = true
	} else {
		data["upload_url"] = grant.UploadURL
		data["required_headers"] = grant.RequiredHeaders
		p.metrics.AssetURLsPresigned.WithLabelValues("upload").Inc()
		p.metrics.AssetBytesGranted.Add(float64(size))
	}
	return reply(protocol.NewEnvelope(protocol.TypeAssetUploadResponse, data))
}

func (p *ServerProtocol) handleAssetUploadConfirm(_ context.Context, b *Broker, _ *ClientInfo, env *protocol.Envelope) Outcome {
	assetID := env.DataString("asset_id")
	success := env.DataBool("success")
	if err := p.assets.ConfirmUpload(assetID, env.DataString("xxhash"), b.SessionCode, success); err != nil {
		return replyErr(err)
	}
	if success {
		b.publishEvent(events.EventAssetConfirmed, map[string]any{"asset_id": assetID})
		return Outcome{
			Reply: protocol.NewSuccess(map[string]any{"asset_id": assetID, "confirmed": true}),
			Broadcast: protocol.NewEnvelope(protocol.TypeAssetListResponse, map[string]any{
				"assets": p.assets.List(b.SessionCode),
			}),
		}
	}
	return reply(protocol.NewSuccess(map[string]any{"asset_id": assetID, "confirmed": false}))
}

func (p *ServerProtocol) handleAssetDownloadRequest(ctx context.Context, b *Broker, _ *ClientInfo, env *protocol.Envelope) Outcome {
	grant, err := p.assets.RequestDownload(ctx, env.DataString("asset_id"), b.SessionCode)
	if err != nil {
		return replyErr(err)
	}
	p.metrics.AssetURLsPresigned.WithLabelValues("download").Inc()
	return reply(protocol.NewEnvelope(protocol.TypeAssetDownloadResponse, map[string]any{
		"asset_id":     grant.AssetID,
		"download_url": grant.DownloadURL,
		"xxhash":       grant.XXHash,
		"expires_at":   grant.ExpiresAt.Unix(),
	}))
}

func (p *ServerProtocol) handleAssetList(_ context.Context, b *Broker, _ *ClientInfo, _ *protocol.Envelope) Outcome {
	return reply(protocol.NewEnvelope(protocol.TypeAssetListResponse, map[string]any{
		"assets": p.assets.List(b.SessionCode),
	}))
}

func (p *ServerProtocol) handleAssetDelete(_ context.Context, b *Broker, _ *ClientInfo, env *protocol.Envelope) Outcome {
	assetID := env.DataString("asset_id")
	if err := p.assets.Delete(assetID, b.SessionCode); err != nil {
		return replyErr(err)
	}
	return reply(protocol.NewEnvelope(protocol.TypeAssetDeleteResponse, map[string]any{
		"asset_id": assetID,
	}))
}

func (p *ServerProtocol) handleAssetHashCheck(_ context.Context, _ *Broker, _ *ClientInfo, env *protocol.Envelope) Outcome {
	xxhash := env.DataString("xxhash")
	if xxhash == "" {
		return reply(protocol.NewError(protocol.ErrMalformedMessage, "xxhash required"))
	}
	id, exists := p.assets.HashCheck(xxhash)
	data := map[string]any{"xxhash": xxhash, "exists": exists}
	if exists {
		data["asset_id"] = id
	}
	return reply(protocol.NewSuccess(data))
}

// handleFileRequest is the legacy direct-transfer route, answered with a
// presigned download instead of inline bytes.
func (p *ServerProtocol) handleFileRequest(ctx context.Context, b *Broker, _ *ClientInfo, env *protocol.Envelope) Outcome {
	grant, err := p.assets.RequestDownload(ctx, env.DataString("asset_id"), b.SessionCode)
	if err != nil {
		return replyErr(err)
	}
	p.metrics.AssetURLsPresigned.WithLabelValues("download").Inc()
	return reply(protocol.NewEnvelope(protocol.TypeFileData, map[string]any{
		"asset_id":     grant.AssetID,
		"download_url": grant.DownloadURL,
		"xxhash":       grant.XXHash,
	}))
}

// ---- roster ----

func handlePlayerList(_ context.Context, b *Broker, _ *ClientInfo, _ *protocol.Envelope) Outcome {
	roster := b.Roster()
	players := make([]map[string]any, 0, len(roster))
	for _, ci := range roster {
		players = append(players, map[string]any{
			"client_id":    ci.ClientID,
			"user_id":      ci.UserID,
			"username":     ci.Username,
			"connected_at": ci.ConnectedAt.Unix(),
		})
	}
	return reply(protocol.NewEnvelope(protocol.TypePlayerListResponse, map[string]any{
		"players": players,
	}))
}

func handlePlayerKick(_ context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	target := env.DataString("client_id")
	if target == sender.ClientID {
		return reply(protocol.NewError(protocol.ErrMalformedMessage, "cannot kick yourself"))
	}
	kicked := b.KickClient(target)
	if !kicked {
		return reply(protocol.NewError(protocol.ErrNotFound, "client not connected"))
	}
	return reply(protocol.NewEnvelope(protocol.TypePlayerKickResponse, map[string]any{
		"client_id": target, "kicked": true,
	}))
}

func handlePlayerBan(_ context.Context, b *Broker, sender *ClientInfo, env *protocol.Envelope) Outcome {
	userID := env.DataString("user_id")
	if userID == "" {
		return reply(protocol.NewError(protocol.ErrMalformedMessage, "user_id required"))
	}
	if userID == sender.UserID {
		return reply(protocol.NewError(protocol.ErrMalformedMessage, "cannot ban yourself"))
	}
	b.BanUser(userID)
	return reply(protocol.NewEnvelope(protocol.TypePlayerBanResponse, map[string]any{
		"user_id": userID, "banned": true,
	}))
}

func handleConnectionStatus(_ context.Context, b *Broker, sender *ClientInfo, _ *protocol.Envelope) Outcome {
	return reply(protocol.NewEnvelope(protocol.TypeConnectionStatusResponse, map[string]any{
		"session_code":   b.SessionCode,
		"clients":        b.ClientCount(),
		"connected_at":   sender.ConnectedAt.Unix(),
		"last_ping_age":  time.Since(sender.LastPing).Seconds(),
		"server_time":    float64(time.Now().UnixNano()) / float64(time.Second),
	}))
}
