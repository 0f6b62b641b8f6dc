package schema

import (
	"fmt"

	"github.com/danmuck/despot/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgHello       uint16 = 1
	MsgChallenge   uint16 = 2
	MsgProof       uint16 = 3
	MsgAuthResult  uint16 = 4
	MsgPing        uint16 = 5
	MsgPong        uint16 = 6
	MsgBrowse      uint16 = 10
	MsgArtistReply uint16 = 11
	MsgAlbumReply  uint16 = 12
	MsgTrackReply  uint16 = 13
	MsgErrorReply  uint16 = 15
	MsgImage       uint16 = 20
	MsgImageReply  uint16 = 21
)

// Field IDs.
const (
	FieldUsername    uint16 = 1
	FieldClientID    uint16 = 2
	FieldClientNonce uint16 = 3
	FieldServerNonce uint16 = 4
	FieldSalt        uint16 = 5
	FieldProof       uint16 = 6
	FieldAuthOK      uint16 = 7
	FieldCode        uint16 = 8
	FieldMessage     uint16 = 9
	FieldTimestampMS uint16 = 10
	FieldProtocolVer uint16 = 11

	FieldBrowseKind uint16 = 100
	FieldEntityID   uint16 = 101

	FieldName        uint16 = 200
	FieldGenre       uint16 = 201
	FieldYearsActive uint16 = 202
	FieldPortrait    uint16 = 203
	FieldBio         uint16 = 204
	FieldPopularity  uint16 = 205
	FieldAlbumIDs    uint16 = 206

	FieldArtistID uint16 = 300
	FieldYear     uint16 = 301
	FieldCover    uint16 = 302
	FieldTrackIDs uint16 = 303

	FieldTitle       uint16 = 400
	FieldAlbumID     uint16 = 401
	FieldLengthMS    uint16 = 402
	FieldTrackNumber uint16 = 403
	FieldFileID      uint16 = 404
	FieldPlayable    uint16 = 405

	FieldImageData uint16 = 500
)

// Browse kinds carried in FieldBrowseKind.
const (
	BrowseArtist uint8 = 1
	BrowseAlbum  uint8 = 2
	BrowseTrack  uint8 = 3
)

// Error reply codes carried in FieldCode of MsgErrorReply.
const (
	ErrCodeNotFound    uint32 = 404
	ErrCodeBadRequest  uint32 = 400
	ErrCodeRateLimited uint32 = 429
	ErrCodeInternal    uint32 = 500
)

// ReplyType maps a browse kind to its reply message type.
func ReplyType(kind uint8) (uint16, bool) {
	switch kind {
	case BrowseArtist:
		return MsgArtistReply, true
	case BrowseAlbum:
		return MsgAlbumReply, true
	case BrowseTrack:
		return MsgTrackReply, true
	default:
		return 0, false
	}
}

var fieldNames = map[uint16]string{
	FieldUsername:    "username",
	FieldClientID:    "client_id",
	FieldClientNonce: "client_nonce",
	FieldServerNonce: "server_nonce",
	FieldSalt:        "salt",
	FieldProof:       "proof",
	FieldAuthOK:      "auth_ok",
	FieldCode:        "code",
	FieldMessage:     "message",
	FieldTimestampMS: "timestamp_ms",
	FieldProtocolVer: "protocol_version",
	FieldBrowseKind:  "browse_kind",
	FieldEntityID:    "id",
	FieldName:        "name",
	FieldGenre:       "genre",
	FieldYearsActive: "years_active",
	FieldPortrait:    "portrait",
	FieldBio:         "bio",
	FieldPopularity:  "popularity",
	FieldAlbumIDs:    "albums",
	FieldArtistID:    "artist_id",
	FieldYear:        "year",
	FieldCover:       "cover",
	FieldTrackIDs:    "tracks",
	FieldTitle:       "title",
	FieldAlbumID:     "album_id",
	FieldLengthMS:    "length",
	FieldTrackNumber: "track_number",
	FieldFileID:      "file_id",
	FieldPlayable:    "playable",
	FieldImageData:   "image_data",
}

var messageNames = map[uint16]string{
	MsgHello:       "hello",
	MsgChallenge:   "challenge",
	MsgProof:       "proof",
	MsgAuthResult:  "auth_result",
	MsgPing:        "ping",
	MsgPong:        "pong",
	MsgBrowse:      "browse",
	MsgArtistReply: "artist_reply",
	MsgAlbumReply:  "album_reply",
	MsgTrackReply:  "track_reply",
	MsgErrorReply:  "error_reply",
	MsgImage:       "image",
	MsgImageReply:  "image_reply",
}

// NameOf returns the wire name of a field id.
func NameOf(id uint16) string {
	if name, ok := fieldNames[id]; ok {
		return name
	}
	return fmt.Sprintf("field_%d", id)
}

// MessageName returns the wire name of a message type.
func MessageName(msgType uint16) string {
	if name, ok := messageNames[msgType]; ok {
		return name
	}
	return fmt.Sprintf("message_%d", msgType)
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint16
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%s: %s", MessageName(e.MessageType), e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%s field=%s: %s", MessageName(e.MessageType), NameOf(e.FieldID), e.Reason)
}

var requirements = map[uint16][]Requirement{
	MsgHello: {
		{FieldUsername, tlv.TypeString},
		{FieldClientID, tlv.TypeString},
		{FieldClientNonce, tlv.TypeBytes},
	},
	MsgChallenge: {
		{FieldServerNonce, tlv.TypeBytes},
		{FieldSalt, tlv.TypeBytes},
	},
	MsgProof: {
		{FieldProof, tlv.TypeBytes},
	},
	MsgAuthResult: {
		{FieldAuthOK, tlv.TypeBool},
	},
	MsgPing: {},
	MsgPong: {},
	MsgBrowse: {
		{FieldBrowseKind, tlv.TypeU8},
		{FieldEntityID, tlv.TypeBytes},
	},
	MsgArtistReply: {
		{FieldEntityID, tlv.TypeBytes},
		{FieldName, tlv.TypeString},
	},
	MsgAlbumReply: {
		{FieldEntityID, tlv.TypeBytes},
		{FieldName, tlv.TypeString},
		{FieldArtistID, tlv.TypeBytes},
	},
	MsgTrackReply: {
		{FieldEntityID, tlv.TypeBytes},
		{FieldTitle, tlv.TypeString},
		{FieldAlbumID, tlv.TypeBytes},
		{FieldLengthMS, tlv.TypeU32},
	},
	MsgErrorReply: {
		{FieldCode, tlv.TypeU32},
	},
	MsgImage: {
		{FieldEntityID, tlv.TypeBytes},
	},
	MsgImageReply: {
		{FieldEntityID, tlv.TypeBytes},
		{FieldImageData, tlv.TypeBytes},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint16, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Str("message_type", MessageName(messageType)).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("message_type", MessageName(messageType)).
				Str("field", NameOf(req.ID)).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("message_type", MessageName(messageType)).
				Str("field", NameOf(req.ID)).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
