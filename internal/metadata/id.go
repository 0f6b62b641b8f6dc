package metadata

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const (
	base62Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	base62Len      = 22
	uriScheme      = "spotify"
)

// ID is the 16-byte identifier shared by artists, albums and tracks.
type ID [16]byte

// ParseID accepts a 32-char hex id, a 22-char base62 id, or a
// spotify:<kind>:<base62> URI.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, uriScheme+":") {
		_, id, err := ParseURI(s)
		return id, err
	}
	switch len(s) {
	case 2 * len(ID{}):
		var id ID
		if _, err := hex.Decode(id[:], []byte(s)); err != nil {
			return ID{}, fmt.Errorf("%w: %q: %v", ErrInvalidID, s, err)
		}
		return id, nil
	case base62Len:
		return fromBase62(s)
	default:
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
}

// ParseURI splits spotify:<kind>:<base62> into its kind and id.
func ParseURI(uri string) (Kind, ID, error) {
	parts := strings.Split(strings.TrimSpace(uri), ":")
	if len(parts) != 3 || parts[0] != uriScheme {
		return 0, ID{}, fmt.Errorf("%w: %q", ErrInvalidID, uri)
	}
	kind, err := ParseKind(parts[1])
	if err != nil {
		return 0, ID{}, err
	}
	id, err := fromBase62(parts[2])
	if err != nil {
		return 0, ID{}, err
	}
	return kind, id, nil
}

// MustParseID panics on malformed input. Intended for literals in tests and
// examples.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ID) String() string {
	return id.Hex()
}

func (id ID) IsZero() bool {
	return id == ID{}
}

// Base62 returns the fixed-width 22-char form used in URIs.
func (id ID) Base62() string {
	n := new(big.Int).SetBytes(id[:])
	base := big.NewInt(62)
	mod := new(big.Int)
	out := make([]byte, base62Len)
	for i := base62Len - 1; i >= 0; i-- {
		n.DivMod(n, base, mod)
		out[i] = base62Alphabet[mod.Int64()]
	}
	return string(out)
}

func (id ID) URI(kind Kind) string {
	return uriScheme + ":" + kind.String() + ":" + id.Base62()
}

func fromBase62(s string) (ID, error) {
	if len(s) != base62Len {
		return ID{}, fmt.Errorf("%w: base62 length %d", ErrInvalidID, len(s))
	}
	n := new(big.Int)
	base := big.NewInt(62)
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(base62Alphabet, s[i])
		if d < 0 {
			return ID{}, fmt.Errorf("%w: invalid base62 digit %q", ErrInvalidID, s[i])
		}
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(d)))
	}
	if n.BitLen() > 8*len(ID{}) {
		return ID{}, fmt.Errorf("%w: base62 value overflows 128 bits", ErrInvalidID)
	}
	var id ID
	n.FillBytes(id[:])
	return id, nil
}

func idFromBytes(b []byte) (ID, bool) {
	var id ID
	if len(b) != len(id) {
		return ID{}, false
	}
	copy(id[:], b)
	return id, true
}
