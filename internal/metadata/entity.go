package metadata

import (
	"errors"
	"time"

	"github.com/danmuck/despot/internal/protocol/schema"
	"github.com/danmuck/despot/internal/protocol/tlv"
)

// Entity is one validated record. It is never mutated after ParseEntity
// returns, so it may be shared freely between goroutines.
type Entity struct {
	Kind      Kind
	ID        ID
	Name      string
	Parent    ID
	Children  []ID
	Length    time.Duration
	Raw       []byte
	FetchedAt time.Time

	fields []tlv.Field
}

// parentField and childField tie each kind to its references.
var (
	parentField = map[Kind]uint16{
		KindAlbum: schema.FieldArtistID,
		KindTrack: schema.FieldAlbumID,
	}
	childField = map[Kind]uint16{
		KindArtist: schema.FieldAlbumIDs,
		KindAlbum:  schema.FieldTrackIDs,
	}
	nameField = map[Kind]uint16{
		KindArtist: schema.FieldName,
		KindAlbum:  schema.FieldName,
		KindTrack:  schema.FieldTitle,
	}
	// optional fields checked for type when present
	optionalTypes = map[uint16]uint8{
		schema.FieldGenre:       tlv.TypeString,
		schema.FieldYearsActive: tlv.TypeString,
		schema.FieldPortrait:    tlv.TypeBytes,
		schema.FieldBio:         tlv.TypeString,
		schema.FieldPopularity:  tlv.TypeU32,
		schema.FieldAlbumIDs:    tlv.TypeIDList,
		schema.FieldYear:        tlv.TypeU16,
		schema.FieldCover:       tlv.TypeBytes,
		schema.FieldTrackIDs:    tlv.TypeIDList,
		schema.FieldTrackNumber: tlv.TypeU16,
		schema.FieldFileID:      tlv.TypeBytes,
		schema.FieldPlayable:    tlv.TypeBool,
	}
)

// ParseEntity decodes and validates a browse reply payload of the given kind.
// The returned entity owns a copy of raw.
func ParseEntity(kind Kind, raw []byte) (*Entity, error) {
	msgType, ok := kind.ReplyType()
	if !ok {
		return nil, &MetadataError{Kind: kind, Field: "kind", Reason: "unknown kind"}
	}
	raw = append([]byte(nil), raw...)
	fields, err := tlv.DecodeFields(raw)
	if err != nil {
		return nil, &MetadataError{Kind: kind, Field: "payload", Reason: "undecodable", cause: err}
	}

	e := &Entity{Kind: kind, fields: fields}
	if f, found := tlv.GetField(fields, schema.FieldEntityID); found {
		e.ID, _ = idFromBytes(f.Value)
	}

	if err := schema.Validate(msgType, fields); err != nil {
		var ve schema.ValidationError
		if errors.As(err, &ve) {
			return nil, &MetadataError{Kind: kind, ID: e.ID, Field: schema.NameOf(ve.FieldID), Reason: ve.Reason, cause: err}
		}
		return nil, &MetadataError{Kind: kind, ID: e.ID, Field: "payload", Reason: err.Error(), cause: err}
	}

	idField, _ := tlv.GetField(fields, schema.FieldEntityID)
	id, ok := idFromBytes(idField.Value)
	if !ok {
		return nil, &MetadataError{Kind: kind, Field: schema.NameOf(schema.FieldEntityID), Reason: "id must be 16 bytes"}
	}
	e.ID = id

	name, _ := tlv.GetField(fields, nameField[kind])
	e.Name = string(name.Value)

	if fid, ok := parentField[kind]; ok {
		f, _ := tlv.GetField(fields, fid)
		parent, ok := idFromBytes(f.Value)
		if !ok {
			return nil, &MetadataError{Kind: kind, ID: id, Field: schema.NameOf(fid), Reason: "id must be 16 bytes"}
		}
		e.Parent = parent
	}

	for _, f := range fields {
		want, known := optionalTypes[f.ID]
		if known && f.Type != want {
			return nil, &MetadataError{Kind: kind, ID: id, Field: schema.NameOf(f.ID), Reason: "type mismatch"}
		}
	}

	if fid, ok := childField[kind]; ok {
		if f, found := tlv.GetField(fields, fid); found {
			ids, err := f.AsIDList()
			if err != nil {
				return nil, &MetadataError{Kind: kind, ID: id, Field: schema.NameOf(fid), Reason: "malformed id list", cause: err}
			}
			e.Children = make([]ID, len(ids))
			for i, child := range ids {
				e.Children[i] = ID(child)
			}
		}
	}

	if kind == KindTrack {
		f, _ := tlv.GetField(fields, schema.FieldLengthMS)
		ms, err := f.AsU32()
		if err != nil {
			return nil, &MetadataError{Kind: kind, ID: id, Field: schema.NameOf(schema.FieldLengthMS), Reason: "malformed length", cause: err}
		}
		e.Length = time.Duration(ms) * time.Millisecond
	}

	e.Raw = raw
	e.FetchedAt = time.Now()
	return e, nil
}

// Metadata returns every present field keyed by its wire name. Ids are hex
// strings and id lists are slices of hex strings. A field that occurs more
// than once maps to a slice of its values in wire order, []string for text.
func (e *Entity) Metadata() map[string]any {
	out := make(map[string]any, len(e.fields))
	for _, f := range e.fields {
		name := schema.NameOf(f.ID)
		if _, done := out[name]; done {
			continue
		}
		all := tlv.GetAll(e.fields, f.ID)
		if len(all) == 1 {
			out[name] = fieldValue(f)
			continue
		}
		out[name] = repeatedValue(all)
	}
	return out
}

func repeatedValue(fields []tlv.Field) any {
	texts := make([]string, 0, len(fields))
	values := make([]any, 0, len(fields))
	for _, f := range fields {
		v := fieldValue(f)
		if s, ok := v.(string); ok {
			texts = append(texts, s)
		}
		values = append(values, v)
	}
	if len(texts) == len(values) {
		return texts
	}
	return values
}

// Field returns the raw field with the given id.
func (e *Entity) Field(id uint16) (tlv.Field, bool) {
	return tlv.GetField(e.fields, id)
}

func (e *Entity) URI() string {
	return e.ID.URI(e.Kind)
}

func fieldValue(f tlv.Field) any {
	switch f.Type {
	case tlv.TypeU8:
		v, _ := f.AsU8()
		return v
	case tlv.TypeU16:
		v, _ := f.AsU16()
		return v
	case tlv.TypeU32:
		v, _ := f.AsU32()
		return v
	case tlv.TypeU64:
		v, _ := f.AsU64()
		return v
	case tlv.TypeBool:
		v, _ := f.AsBool()
		return v
	case tlv.TypeString:
		return string(f.Value)
	case tlv.TypeIDList:
		ids, err := f.AsIDList()
		if err != nil {
			return nil
		}
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = ID(id).Hex()
		}
		return out
	default:
		if id, ok := idFromBytes(f.Value); ok {
			return id.Hex()
		}
		return append([]byte(nil), f.Value...)
	}
}
