package metadata

import (
	"bytes"
	"errors"

	"github.com/danmuck/despot/internal/protocol/schema"
	"github.com/danmuck/despot/internal/protocol/tlv"
)

// ParseImage decodes an image reply payload for id and returns a copy of the
// image bytes. Portraits and covers reference images by these ids.
func ParseImage(id ID, raw []byte) ([]byte, error) {
	fields, err := tlv.DecodeFields(raw)
	if err != nil {
		return nil, &MetadataError{Kind: KindImage, ID: id, Field: "payload", Reason: "undecodable", cause: err}
	}
	if err := schema.Validate(schema.MsgImageReply, fields); err != nil {
		var ve schema.ValidationError
		if errors.As(err, &ve) {
			return nil, &MetadataError{Kind: KindImage, ID: id, Field: schema.NameOf(ve.FieldID), Reason: ve.Reason, cause: err}
		}
		return nil, &MetadataError{Kind: KindImage, ID: id, Field: "payload", Reason: err.Error(), cause: err}
	}
	idField, _ := tlv.GetField(fields, schema.FieldEntityID)
	if got, ok := idFromBytes(idField.Value); !ok || got != id {
		return nil, &MetadataError{Kind: KindImage, ID: id, Field: schema.NameOf(schema.FieldEntityID), Reason: "reply is for another image"}
	}
	data, _ := tlv.GetField(fields, schema.FieldImageData)
	return bytes.Clone(data.Value), nil
}
