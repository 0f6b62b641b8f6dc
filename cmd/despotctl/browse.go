package main

import (
	"context"
	"fmt"

	"github.com/danmuck/despot/internal/client"
	"github.com/danmuck/despot/internal/metadata"
	"github.com/spf13/cobra"
)

type browseKind struct {
	kind  metadata.Kind
	short string
	show  func(ctx context.Context, c *client.Client, id metadata.ID, out *table) error
}

var (
	kindArtist = browseKind{kind: metadata.KindArtist, short: "Show an artist and its albums", show: showArtist}
	kindAlbum  = browseKind{kind: metadata.KindAlbum, short: "Show an album, its artist and its tracks", show: showAlbum}
	kindTrack  = browseKind{kind: metadata.KindTrack, short: "Show a track and its album", show: showTrack}
)

func (a *app) browseCmd(b browseKind) *cobra.Command {
	return &cobra.Command{
		Use:   b.kind.String() + " <id|uri>",
		Short: b.short,
		Long: fmt.Sprintf(`Fetch a %[1]s by id and print its metadata.

The id may be 32 hex digits, 22 base62 characters or a spotify:%[1]s:<base62> uri.`, b.kind),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTarget(b.kind, args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, release, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer release()

			out := newTable(a.width())
			if err := b.show(ctx, c, id, out); err != nil {
				return err
			}
			return out.flush(cmd.OutOrStdout())
		},
	}
}

// parseTarget accepts any id form; a uri must name the expected kind.
func parseTarget(kind metadata.Kind, raw string) (metadata.ID, error) {
	if uriKind, id, err := metadata.ParseURI(raw); err == nil {
		if uriKind != kind {
			return metadata.ID{}, fmt.Errorf("%s is a %s uri, not a %s", raw, uriKind, kind)
		}
		return id, nil
	}
	return metadata.ParseID(raw)
}

func showArtist(ctx context.Context, c *client.Client, id metadata.ID, out *table) error {
	artist, err := c.GetArtist(ctx, id)
	if err != nil {
		return err
	}
	md, err := artist.Metadata(ctx)
	if err != nil {
		return err
	}
	out.row("uri", artist.URI())
	out.fields(md, "id", "albums")

	n := 0
	for album, err := range artist.Albums(ctx) {
		if err != nil {
			return err
		}
		name, err := album.Name(ctx)
		if err != nil {
			return err
		}
		n++
		out.item(n, name, album.URI())
	}
	return nil
}

func showAlbum(ctx context.Context, c *client.Client, id metadata.ID, out *table) error {
	album, err := c.GetAlbum(ctx, id)
	if err != nil {
		return err
	}
	md, err := album.Metadata(ctx)
	if err != nil {
		return err
	}
	artist, err := album.Artist(ctx)
	if err != nil {
		return err
	}
	artistName, err := artist.Name(ctx)
	if err != nil {
		return err
	}
	out.row("uri", album.URI())
	out.row("artist", artistName)
	out.fields(md, "id", "artist_id", "tracks")

	n := 0
	for track, err := range album.Tracks(ctx) {
		if err != nil {
			return err
		}
		title, err := track.Name(ctx)
		if err != nil {
			return err
		}
		length, err := track.Length(ctx)
		if err != nil {
			return err
		}
		n++
		out.item(n, title, formatLength(length))
	}
	return nil
}

func showTrack(ctx context.Context, c *client.Client, id metadata.ID, out *table) error {
	track, err := c.GetTrack(ctx, id)
	if err != nil {
		return err
	}
	md, err := track.Metadata(ctx)
	if err != nil {
		return err
	}
	length, err := track.Length(ctx)
	if err != nil {
		return err
	}
	album, err := track.Album(ctx)
	if err != nil {
		return err
	}
	albumName, err := album.Name(ctx)
	if err != nil {
		return err
	}
	out.row("uri", track.URI())
	out.row("album", albumName)
	out.row("length", formatLength(length))
	out.fields(md, "id", "album_id", "length")
	return nil
}
