package metadata

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/despot/internal/protocol/schema"
	"github.com/danmuck/despot/internal/protocol/tlv"
	"github.com/danmuck/despot/internal/testutil/testlog"
)

const kraftwerkHex = "691a84294bfb4883a2124099bf1d0a8c"

func artistPayload(id ID, name string, albums ...ID) []byte {
	fields := []tlv.Field{
		tlv.Bytes(schema.FieldEntityID, id[:]),
		tlv.String(schema.FieldName, name),
		tlv.String(schema.FieldGenre, "electronic"),
		tlv.U32(schema.FieldPopularity, 87),
	}
	if len(albums) > 0 {
		ids := make([][tlv.IDLen]byte, len(albums))
		for i, a := range albums {
			ids[i] = a
		}
		fields = append(fields, tlv.IDList(schema.FieldAlbumIDs, ids))
	}
	return tlv.EncodeFields(fields)
}

func albumPayload(id ID, name string, artist ID) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.Bytes(schema.FieldEntityID, id[:]),
		tlv.String(schema.FieldName, name),
		tlv.Bytes(schema.FieldArtistID, artist[:]),
		tlv.U16(schema.FieldYear, 1977),
	})
}

func TestParseIDForms(t *testing.T) {
	testlog.Start(t)
	id, err := ParseID(kraftwerkHex)
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if id.Hex() != kraftwerkHex {
		t.Fatalf("hex round trip: got %s", id.Hex())
	}

	b62 := id.Base62()
	if len(b62) != 22 {
		t.Fatalf("base62 must be 22 chars, got %q", b62)
	}
	again, err := ParseID(b62)
	if err != nil || again != id {
		t.Fatalf("base62 round trip: got %s err=%v", again.Hex(), err)
	}

	uri := id.URI(KindArtist)
	kind, fromURI, err := ParseURI(uri)
	if err != nil || kind != KindArtist || fromURI != id {
		t.Fatalf("uri round trip %q: kind=%s id=%s err=%v", uri, kind, fromURI.Hex(), err)
	}
	if viaParseID, err := ParseID(uri); err != nil || viaParseID != id {
		t.Fatalf("ParseID(uri): %v", err)
	}
}

func TestParseIDRejectsGarbage(t *testing.T) {
	testlog.Start(t)
	for _, in := range []string{"", "xyz", "zz1a84294bfb4883a2124099bf1d0a8c", "spotify:artist:!!!!!!!!!!!!!!!!!!!!!!", "spotify:genre:" + ID{}.Base62(), "ZZZZZZZZZZZZZZZZZZZZZZ"} {
		if _, err := ParseID(in); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("ParseID(%q): expected ErrInvalidID, got %v", in, err)
		}
	}
}

func TestParseEntityArtist(t *testing.T) {
	testlog.Start(t)
	id := MustParseID(kraftwerkHex)
	albums := []ID{{1}, {2}}
	e, err := ParseEntity(KindArtist, artistPayload(id, "Kraftwerk", albums...))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.ID != id || e.Name != "Kraftwerk" || len(e.Children) != 2 || e.Children[1] != albums[1] {
		t.Fatalf("unexpected entity %+v", e)
	}
	md := e.Metadata()
	if md["name"] != "Kraftwerk" || md["genre"] != "electronic" || md["popularity"] != uint32(87) {
		t.Fatalf("unexpected metadata %v", md)
	}
	if md["id"] != kraftwerkHex {
		t.Fatalf("ids should render as hex, got %v", md["id"])
	}
}

func TestMetadataKeepsRepeatedFields(t *testing.T) {
	testlog.Start(t)
	id := MustParseID(kraftwerkHex)
	raw := tlv.EncodeFields([]tlv.Field{
		tlv.Bytes(schema.FieldEntityID, id[:]),
		tlv.String(schema.FieldName, "Kraftwerk"),
		tlv.String(schema.FieldGenre, "electronic"),
		tlv.String(schema.FieldGenre, "krautrock"),
		tlv.String(schema.FieldGenre, "synth-pop"),
	})
	e, err := ParseEntity(KindArtist, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	md := e.Metadata()
	genres, ok := md["genre"].([]string)
	if !ok {
		t.Fatalf("repeated genre should be []string, got %T", md["genre"])
	}
	if !slices.Equal(genres, []string{"electronic", "krautrock", "synth-pop"}) {
		t.Fatalf("unexpected genres %v", genres)
	}
	if md["name"] != "Kraftwerk" {
		t.Fatalf("single fields stay scalar, got %v", md["name"])
	}
}

func TestParseImage(t *testing.T) {
	testlog.Start(t)
	id := ID{0xC0}
	data := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	raw := tlv.EncodeFields([]tlv.Field{
		tlv.Bytes(schema.FieldEntityID, id[:]),
		tlv.Bytes(schema.FieldImageData, data),
	})
	got, err := ParseImage(id, raw)
	if err != nil {
		t.Fatalf("parse image: %v", err)
	}
	if !slices.Equal(got, data) {
		t.Fatalf("unexpected image bytes %x", got)
	}
	raw[len(raw)-1] = 0
	if got[len(got)-1] != 0xE0 {
		t.Fatalf("image must not alias the reply payload")
	}

	if _, err := ParseImage(ID{0xC1}, tlv.EncodeFields([]tlv.Field{
		tlv.Bytes(schema.FieldEntityID, id[:]),
		tlv.Bytes(schema.FieldImageData, data),
	})); !errors.Is(err, ErrMetadata) {
		t.Fatalf("expected ErrMetadata for wrong id, got %v", err)
	}
	var me *MetadataError
	_, err = ParseImage(id, tlv.EncodeFields([]tlv.Field{tlv.Bytes(schema.FieldEntityID, id[:])}))
	if !errors.As(err, &me) || me.Field != "image_data" || me.Kind != KindImage {
		t.Fatalf("expected missing image_data, got %v", err)
	}
}

func TestParseEntityMissingRequiredField(t *testing.T) {
	testlog.Start(t)
	id := ID{9}
	payload := tlv.EncodeFields([]tlv.Field{tlv.Bytes(schema.FieldEntityID, id[:])})
	_, err := ParseEntity(KindArtist, payload)
	var me *MetadataError
	if !errors.As(err, &me) || !errors.Is(err, ErrMetadata) {
		t.Fatalf("expected MetadataError, got %v", err)
	}
	if me.Field != "name" || me.ID != id || me.Kind != KindArtist {
		t.Fatalf("unexpected error detail %+v", me)
	}
}

func TestParseEntityMalformedFields(t *testing.T) {
	testlog.Start(t)
	id := ID{3}
	cases := map[string][]tlv.Field{
		"artist_id": {
			tlv.Bytes(schema.FieldEntityID, id[:]),
			tlv.String(schema.FieldName, "Short"),
			tlv.Bytes(schema.FieldArtistID, []byte{1, 2}),
		},
		"year": {
			tlv.Bytes(schema.FieldEntityID, id[:]),
			tlv.String(schema.FieldName, "Typed"),
			tlv.Bytes(schema.FieldArtistID, make([]byte, 16)),
			tlv.String(schema.FieldYear, "1977"),
		},
		"tracks": {
			tlv.Bytes(schema.FieldEntityID, id[:]),
			tlv.String(schema.FieldName, "Ragged"),
			tlv.Bytes(schema.FieldArtistID, make([]byte, 16)),
			{ID: schema.FieldTrackIDs, Type: tlv.TypeIDList, Value: make([]byte, 17)},
		},
	}
	for field, fields := range cases {
		_, err := ParseEntity(KindAlbum, tlv.EncodeFields(fields))
		var me *MetadataError
		if !errors.As(err, &me) || me.Field != field {
			t.Fatalf("%s: expected MetadataError on field, got %v", field, err)
		}
	}
}

func TestParseEntityTrackLength(t *testing.T) {
	testlog.Start(t)
	id, album := ID{7}, ID{8}
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.Bytes(schema.FieldEntityID, id[:]),
		tlv.String(schema.FieldTitle, "Trans-Europa Express"),
		tlv.Bytes(schema.FieldAlbumID, album[:]),
		tlv.U32(schema.FieldLengthMS, 400_000),
	})
	e, err := ParseEntity(KindTrack, payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.Length != 400*time.Second || e.Parent != album || e.Name != "Trans-Europa Express" {
		t.Fatalf("unexpected track %+v", e)
	}
}

func TestParseEntityDoesNotAliasInput(t *testing.T) {
	testlog.Start(t)
	raw := artistPayload(ID{1}, "Can")
	e, err := ParseEntity(KindArtist, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i := range raw {
		raw[i] = 0
	}
	if e.Metadata()["name"] != "Can" {
		t.Fatalf("entity changed when caller reused its buffer")
	}
}

type mapResolver struct {
	mu       sync.Mutex
	entities map[ID]*Entity
	calls    int
}

func (r *mapResolver) Resolve(_ context.Context, kind Kind, id ID) (*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	e, ok := r.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (r *mapResolver) put(t *testing.T, kind Kind, payload []byte) {
	t.Helper()
	e, err := ParseEntity(kind, payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e.ID] = e
}

func TestArtistViewAlbumsRestartable(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	artistID := MustParseID(kraftwerkHex)
	a1, a2 := ID{0xA1}, ID{0xA2}
	r := &mapResolver{entities: make(map[ID]*Entity)}
	r.put(t, KindArtist, artistPayload(artistID, "Kraftwerk", a1, a2))
	r.put(t, KindAlbum, albumPayload(a1, "Autobahn", artistID))
	r.put(t, KindAlbum, albumPayload(a2, "Radio-Activity", artistID))

	artist := NewArtist(r, artistID)
	if name, err := artist.Name(ctx); err != nil || name != "Kraftwerk" {
		t.Fatalf("name: %q %v", name, err)
	}

	for pass := 0; pass < 2; pass++ {
		var names []string
		for album, err := range artist.Albums(ctx) {
			if err != nil {
				t.Fatalf("albums: %v", err)
			}
			name, err := album.Name(ctx)
			if err != nil {
				t.Fatalf("album name: %v", err)
			}
			names = append(names, name)
		}
		if len(names) != 2 || names[0] != "Autobahn" || names[1] != "Radio-Activity" {
			t.Fatalf("pass %d: unexpected albums %v", pass, names)
		}
	}

	album := NewAlbum(r, a1)
	back, err := album.Artist(ctx)
	if err != nil || back.ID() != artistID {
		t.Fatalf("album artist: %v %v", back, err)
	}
}

func TestAlbumsStopsOnBreak(t *testing.T) {
	testlog.Start(t)
	artistID := ID{1}
	r := &mapResolver{entities: make(map[ID]*Entity)}
	r.put(t, KindArtist, artistPayload(artistID, "Neu!", ID{2}, ID{3}, ID{4}))

	seen := 0
	for range NewArtist(r, artistID).Albums(context.Background()) {
		seen++
		break
	}
	if seen != 1 {
		t.Fatalf("expected iteration to stop after break, saw %d", seen)
	}
}

func TestViewPropagatesResolveError(t *testing.T) {
	testlog.Start(t)
	r := &mapResolver{entities: make(map[ID]*Entity)}
	artist := NewArtist(r, ID{5})
	if _, err := artist.Name(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, err := range artist.Albums(context.Background()) {
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound from iterator, got %v", err)
		}
	}
}

func TestViewRejectsWrongKind(t *testing.T) {
	testlog.Start(t)
	id := ID{6}
	r := &mapResolver{entities: make(map[ID]*Entity)}
	r.put(t, KindAlbum, albumPayload(id, "Tago Mago", ID{1}))
	if _, err := NewArtist(r, id).Name(context.Background()); !errors.Is(err, ErrMetadata) {
		t.Fatalf("expected ErrMetadata for kind mismatch, got %v", err)
	}
}
