// Package protocol implements the TableForge wire protocol: the typed,
// versioned JSON envelope exchanged between clients and the session server,
// the batch container, and the closed enumeration of message types.
package protocol

// MessageType tags an Envelope with its wire semantics.
type MessageType string

// Core messages.
const (
	TypePing    MessageType = "ping"
	TypePong    MessageType = "pong"
	TypeError   MessageType = "error"
	TypeTest    MessageType = "test"
	TypeSuccess MessageType = "success"
	TypeWelcome MessageType = "welcome"
)

// Auth messages. Issuance and registration are handled by the external auth
// service; the session server only acknowledges these tags.
const (
	TypeAuthRegister MessageType = "auth_register"
	TypeAuthLogin    MessageType = "auth_login"
	TypeAuthLogout   MessageType = "auth_logout"
	TypeAuthToken    MessageType = "auth_token"
	TypeAuthStatus   MessageType = "auth_status"
)

// Table messages.
const (
	TypeNewTableRequest   MessageType = "new_table_request"
	TypeNewTableResponse  MessageType = "new_table_response"
	TypeTableRequest      MessageType = "table_request"
	TypeTableResponse     MessageType = "table_response"
	TypeTableData         MessageType = "table_data"
	TypeTableUpdate       MessageType = "table_update"
	TypeTableScale        MessageType = "table_scale"
	TypeTableMove         MessageType = "table_move"
	TypeTableListRequest  MessageType = "table_list_request"
	TypeTableListResponse MessageType = "table_list_response"
	TypeTableDelete       MessageType = "table_delete"
)

// Player and roster messages.
const (
	TypePlayerAction             MessageType = "player_action"
	TypePlayerActionResponse     MessageType = "player_action_response"
	TypePlayerUpdate             MessageType = "player_update"
	TypePlayerRemove             MessageType = "player_remove"
	TypePlayerJoined             MessageType = "player_joined"
	TypePlayerLeft               MessageType = "player_left"
	TypePlayerReady              MessageType = "player_ready"
	TypePlayerUnready            MessageType = "player_unready"
	TypePlayerStatus             MessageType = "player_status"
	TypePlayerListRequest        MessageType = "player_list_request"
	TypePlayerListResponse       MessageType = "player_list_response"
	TypePlayerKickRequest        MessageType = "player_kick_request"
	TypePlayerKickResponse       MessageType = "player_kick_response"
	TypePlayerBanRequest         MessageType = "player_ban_request"
	TypePlayerBanResponse        MessageType = "player_ban_response"
	TypeConnectionStatusRequest  MessageType = "connection_status_request"
	TypeConnectionStatusResponse MessageType = "connection_status_response"
)

// Sprite messages.
const (
	TypeSpriteRequest  MessageType = "sprite_request"
	TypeSpriteResponse MessageType = "sprite_response"
	TypeSpriteData     MessageType = "sprite_data"
	TypeSpriteUpdate   MessageType = "sprite_update"
	TypeSpriteRemove   MessageType = "sprite_remove"
	TypeSpriteCreate   MessageType = "sprite_create"
	TypeSpriteMove     MessageType = "sprite_move"
	TypeSpriteScale    MessageType = "sprite_scale"
	TypeSpriteRotate   MessageType = "sprite_rotate"
)

// File and asset messages.
const (
	TypeFileRequest           MessageType = "file_request"
	TypeFileData              MessageType = "file_data"
	TypeAssetUploadRequest    MessageType = "asset_upload_request"
	TypeAssetUploadResponse   MessageType = "asset_upload_response"
	TypeAssetUploadConfirm    MessageType = "asset_upload_confirm"
	TypeAssetDownloadRequest  MessageType = "asset_download_request"
	TypeAssetDownloadResponse MessageType = "asset_download_response"
	TypeAssetListRequest      MessageType = "asset_list_request"
	TypeAssetListResponse     MessageType = "asset_list_response"
	TypeAssetDeleteRequest    MessageType = "asset_delete_request"
	TypeAssetDeleteResponse   MessageType = "asset_delete_response"
	TypeAssetHashCheck        MessageType = "asset_hash_check"
)

// Compendium messages. Data lookups are served by the external compendium
// service; the sprite bridge tags are routed like sprite mutations.
const (
	TypeCompendiumSpriteAdd    MessageType = "compendium_sprite_add"
	TypeCompendiumSpriteUpdate MessageType = "compendium_sprite_update"
	TypeCompendiumSpriteRemove MessageType = "compendium_sprite_remove"
)

// Character messages.
const (
	TypeCharacterSaveRequest    MessageType = "character_save_request"
	TypeCharacterSaveResponse   MessageType = "character_save_response"
	TypeCharacterLoadRequest    MessageType = "character_load_request"
	TypeCharacterLoadResponse   MessageType = "character_load_response"
	TypeCharacterListRequest    MessageType = "character_list_request"
	TypeCharacterListResponse   MessageType = "character_list_response"
	TypeCharacterDeleteRequest  MessageType = "character_delete_request"
	TypeCharacterDeleteResponse MessageType = "character_delete_response"
	TypeCharacterUpdate         MessageType = "character_update"
	TypeCharacterUpdateResponse MessageType = "character_update_response"
)

// Batch and extension messages.
const (
	TypeBatch  MessageType = "batch"
	TypeCustom MessageType = "custom"
)

// TypePositionCorrection is the derived sprite_update subtype carried in
// data.type when the server rejects a move and restores the authoritative
// position. It is not a valid top-level envelope type.
const TypePositionCorrection = "position_correction"

var knownTypes = buildKnownTypes()

func buildKnownTypes() map[MessageType]struct{} {
	all := []MessageType{
		TypePing, TypePong, TypeError, TypeTest, TypeSuccess, TypeWelcome,
		TypeAuthRegister, TypeAuthLogin, TypeAuthLogout, TypeAuthToken, TypeAuthStatus,
		TypeNewTableRequest, TypeNewTableResponse, TypeTableRequest, TypeTableResponse,
		TypeTableData, TypeTableUpdate, TypeTableScale, TypeTableMove,
		TypeTableListRequest, TypeTableListResponse, TypeTableDelete,
		TypePlayerAction, TypePlayerActionResponse, TypePlayerUpdate, TypePlayerRemove,
		TypePlayerJoined, TypePlayerLeft, TypePlayerReady, TypePlayerUnready,
		TypePlayerStatus, TypePlayerListRequest, TypePlayerListResponse,
		TypePlayerKickRequest, TypePlayerKickResponse,
		TypePlayerBanRequest, TypePlayerBanResponse,
		TypeConnectionStatusRequest, TypeConnectionStatusResponse,
		TypeSpriteRequest, TypeSpriteResponse, TypeSpriteData, TypeSpriteUpdate,
		TypeSpriteRemove, TypeSpriteCreate, TypeSpriteMove, TypeSpriteScale, TypeSpriteRotate,
		TypeFileRequest, TypeFileData,
		TypeAssetUploadRequest, TypeAssetUploadResponse, TypeAssetUploadConfirm,
		TypeAssetDownloadRequest, TypeAssetDownloadResponse,
		TypeAssetListRequest, TypeAssetListResponse,
		TypeAssetDeleteRequest, TypeAssetDeleteResponse, TypeAssetHashCheck,
		TypeCompendiumSpriteAdd, TypeCompendiumSpriteUpdate, TypeCompendiumSpriteRemove,
		TypeCharacterSaveRequest, TypeCharacterSaveResponse,
		TypeCharacterLoadRequest, TypeCharacterLoadResponse,
		TypeCharacterListRequest, TypeCharacterListResponse,
		TypeCharacterDeleteRequest, TypeCharacterDeleteResponse,
		TypeCharacterUpdate, TypeCharacterUpdateResponse,
		TypeBatch, TypeCustom,
	}
	m := make(map[MessageType]struct{}, len(all))
	for _, t := range all {
		m[t] = struct{}{}
	}
	return m
}

// Known reports whether t is part of the protocol enumeration.
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

func (t MessageType) String() string { return string(t) }
