package metadata

import (
	"context"
	"fmt"
	"iter"
	"time"
)

// Resolver returns the current entity for (kind, id), fetching it if needed.
type Resolver interface {
	Resolve(ctx context.Context, kind Kind, id ID) (*Entity, error)
}

// Views hold only a resolver and an id. Every accessor re-reads the current
// entity, so an invalidated record is fetched again on next use.

type Artist struct {
	r  Resolver
	id ID
}

func NewArtist(r Resolver, id ID) Artist {
	return Artist{r: r, id: id}
}

func (a Artist) ID() ID         { return a.id }
func (a Artist) URI() string    { return a.id.URI(KindArtist) }
func (a Artist) String() string { return a.URI() }

func (a Artist) Entity(ctx context.Context) (*Entity, error) {
	return resolve(ctx, a.r, KindArtist, a.id)
}

func (a Artist) Name(ctx context.Context) (string, error) {
	e, err := a.Entity(ctx)
	if err != nil {
		return "", err
	}
	return e.Name, nil
}

func (a Artist) Metadata(ctx context.Context) (map[string]any, error) {
	e, err := a.Entity(ctx)
	if err != nil {
		return nil, err
	}
	return e.Metadata(), nil
}

// Albums yields the artist's albums in stored order. Each call starts over
// from the current record.
func (a Artist) Albums(ctx context.Context) iter.Seq2[Album, error] {
	return func(yield func(Album, error) bool) {
		e, err := a.Entity(ctx)
		if err != nil {
			yield(Album{}, err)
			return
		}
		for _, id := range e.Children {
			if err := ctx.Err(); err != nil {
				yield(Album{}, err)
				return
			}
			if !yield(NewAlbum(a.r, id), nil) {
				return
			}
		}
	}
}

type Album struct {
	r  Resolver
	id ID
}

func NewAlbum(r Resolver, id ID) Album {
	return Album{r: r, id: id}
}

func (a Album) ID() ID         { return a.id }
func (a Album) URI() string    { return a.id.URI(KindAlbum) }
func (a Album) String() string { return a.URI() }

func (a Album) Entity(ctx context.Context) (*Entity, error) {
	return resolve(ctx, a.r, KindAlbum, a.id)
}

func (a Album) Name(ctx context.Context) (string, error) {
	e, err := a.Entity(ctx)
	if err != nil {
		return "", err
	}
	return e.Name, nil
}

func (a Album) Metadata(ctx context.Context) (map[string]any, error) {
	e, err := a.Entity(ctx)
	if err != nil {
		return nil, err
	}
	return e.Metadata(), nil
}

// Artist returns a view of the album's artist.
func (a Album) Artist(ctx context.Context) (Artist, error) {
	e, err := a.Entity(ctx)
	if err != nil {
		return Artist{}, err
	}
	return NewArtist(a.r, e.Parent), nil
}

func (a Album) Tracks(ctx context.Context) iter.Seq2[Track, error] {
	return func(yield func(Track, error) bool) {
		e, err := a.Entity(ctx)
		if err != nil {
			yield(Track{}, err)
			return
		}
		for _, id := range e.Children {
			if err := ctx.Err(); err != nil {
				yield(Track{}, err)
				return
			}
			if !yield(NewTrack(a.r, id), nil) {
				return
			}
		}
	}
}

type Track struct {
	r  Resolver
	id ID
}

func NewTrack(r Resolver, id ID) Track {
	return Track{r: r, id: id}
}

func (t Track) ID() ID         { return t.id }
func (t Track) URI() string    { return t.id.URI(KindTrack) }
func (t Track) String() string { return t.URI() }

func (t Track) Entity(ctx context.Context) (*Entity, error) {
	return resolve(ctx, t.r, KindTrack, t.id)
}

// Name is the track title.
func (t Track) Name(ctx context.Context) (string, error) {
	e, err := t.Entity(ctx)
	if err != nil {
		return "", err
	}
	return e.Name, nil
}

func (t Track) Metadata(ctx context.Context) (map[string]any, error) {
	e, err := t.Entity(ctx)
	if err != nil {
		return nil, err
	}
	return e.Metadata(), nil
}

func (t Track) Length(ctx context.Context) (time.Duration, error) {
	e, err := t.Entity(ctx)
	if err != nil {
		return 0, err
	}
	return e.Length, nil
}

func (t Track) Album(ctx context.Context) (Album, error) {
	e, err := t.Entity(ctx)
	if err != nil {
		return Album{}, err
	}
	return NewAlbum(t.r, e.Parent), nil
}

func resolve(ctx context.Context, r Resolver, kind Kind, id ID) (*Entity, error) {
	if r == nil {
		return nil, fmt.Errorf("metadata: %s view has no resolver", kind)
	}
	e, err := r.Resolve(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if e.Kind != kind {
		return nil, &MetadataError{Kind: kind, ID: id, Field: "kind", Reason: "resolved " + e.Kind.String()}
	}
	return e, nil
}
