package metadata

import (
	"fmt"
	"strings"

	"github.com/danmuck/despot/internal/protocol/schema"
)

// Kind selects the entity family of a browse request.
type Kind uint8

const (
	KindArtist = Kind(schema.BrowseArtist)
	KindAlbum  = Kind(schema.BrowseAlbum)
	KindTrack  = Kind(schema.BrowseTrack)

	// KindImage tags image blobs in errors. It is not a browse kind.
	KindImage Kind = 0x10
)

func (k Kind) String() string {
	switch k {
	case KindArtist:
		return "artist"
	case KindAlbum:
		return "album"
	case KindTrack:
		return "track"
	case KindImage:
		return "image"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "artist":
		return KindArtist, nil
	case "album":
		return KindAlbum, nil
	case "track":
		return KindTrack, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidID, s)
	}
}

// ReplyType is the message type the service answers a browse of k with.
func (k Kind) ReplyType() (uint16, bool) {
	return schema.ReplyType(uint8(k))
}
