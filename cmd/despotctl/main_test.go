package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/despot/internal/client"
	"github.com/danmuck/despot/internal/metadata"
	"github.com/danmuck/despot/internal/testutil/fakeserver"
	"github.com/danmuck/despot/internal/testutil/testlog"
)

var (
	kraftwerk = metadata.MustParseID("691a84294bfb4883a2124099bf1d0a8c")
	autobahn  = metadata.ID{0xA1}
	radio     = metadata.ID{0xA2}
	track1    = metadata.ID{0x71}
	cover     = metadata.ID{0xC0}
	coverJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
)

// startServer serves a seeded fake catalogue on a loopback TCP port.
func startServer(t *testing.T) string {
	t.Helper()
	srv := fakeserver.New()
	srv.AddUser("alice", "s3cret")
	srv.PutArtist(kraftwerk, "Kraftwerk", autobahn, radio)
	srv.PutAlbum(autobahn, "Autobahn", kraftwerk, track1)
	srv.PutAlbum(radio, "Radio-Activity", kraftwerk)
	srv.PutTrack(track1, "Autobahn", autobahn, 1_365_000)
	srv.PutImage(cover, coverJPEG)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.ServeListener(ln)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DESPOT_PASSWORD", "")
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestArtistCommandPrintsAlbums(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)
	out, err := run(t, "s3cret\n", "artist", kraftwerk.Hex(), "--addr", addr, "--user", "alice")
	if err != nil {
		t.Fatalf("artist: %v", err)
	}
	for _, want := range []string{"Kraftwerk", "Autobahn", "Radio-Activity", kraftwerk.URI(metadata.KindArtist)} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAlbumCommandAcceptsURIAndPrintsLengths(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)
	out, err := run(t, "s3cret\n", "album", autobahn.URI(metadata.KindAlbum), "--addr", addr, "-u", "alice")
	if err != nil {
		t.Fatalf("album: %v", err)
	}
	if !strings.Contains(out, "22:45") || !strings.Contains(out, "Kraftwerk") {
		t.Fatalf("unexpected album output:\n%s", out)
	}
}

func TestPasswordFromEnvironment(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)
	var out bytes.Buffer
	t.Setenv("DESPOT_PASSWORD", "s3cret")
	cmd := newRootCmd(strings.NewReader(""), &out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"track", track1.Hex(), "--addr", addr, "--user", "alice"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("track: %v", err)
	}
	if !strings.Contains(out.String(), "22:45") {
		t.Fatalf("unexpected track output:\n%s", out.String())
	}
}

func TestWrongKindURIRejected(t *testing.T) {
	testlog.Start(t)
	_, err := run(t, "s3cret\n", "track", kraftwerk.URI(metadata.KindArtist), "--user", "alice")
	if err == nil || !strings.Contains(err.Error(), "artist uri") {
		t.Fatalf("expected kind mismatch, got %v", err)
	}
}

func TestMissingPassword(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)
	_, err := run(t, "", "artist", kraftwerk.Hex(), "--addr", addr, "--user", "alice")
	if !errors.Is(err, errNoPassword) {
		t.Fatalf("expected errNoPassword, got %v", err)
	}
}

func TestWrongPasswordFails(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)
	_, err := run(t, "nope\n", "artist", kraftwerk.Hex(), "--addr", addr, "--user", "alice")
	if !errors.Is(err, client.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestStoreCommandsAfterBrowse(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)
	db := filepath.Join(t.TempDir(), "cache.db")

	if _, err := run(t, "s3cret\n", "artist", kraftwerk.Hex(), "--addr", addr, "--user", "alice", "--store", db); err != nil {
		t.Fatalf("artist: %v", err)
	}
	out, err := run(t, "", "store", "count", "--store", db)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	// the artist and both album names
	if strings.TrimSpace(out) != "3" {
		t.Fatalf("expected 3 cached entities, got %q", out)
	}

	time.Sleep(5 * time.Millisecond)
	out, err = run(t, "", "store", "purge", "--older-than", "0s", "--store", db)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !strings.Contains(out, "purged 3") {
		t.Fatalf("unexpected purge output %q", out)
	}
}

func TestConfigInitValidateAndUse(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)
	path := filepath.Join(t.TempDir(), "despot.toml")

	if _, err := run(t, "", "config", "init", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := run(t, "", "config", "init", path); err == nil {
		t.Fatalf("init must not overwrite without --force")
	}
	out, err := run(t, "", "config", "validate", path)
	if err != nil || !strings.Contains(out, "ok") {
		t.Fatalf("validate: %q %v", out, err)
	}

	if _, err := run(t, "s3cret\n", "artist", kraftwerk.Hex(), "--config", path, "--addr", addr, "--user", "alice"); err != nil {
		t.Fatalf("artist via config: %v", err)
	}
}

func TestConfigValidateReportsProblem(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte(`address = "no-port"`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := run(t, "", "config", "validate", path); err == nil || !strings.Contains(err.Error(), "address") {
		t.Fatalf("expected address error, got %v", err)
	}
}

func TestWatchPrintsTransitions(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)
	out, err := run(t, "s3cret\n", "watch", "--for", "100ms", "--addr", addr, "--user", "alice")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !strings.Contains(out, "handshaking -> authenticated") {
		t.Fatalf("expected handshake transition:\n%s", out)
	}
}

func TestImageCommandWritesRawBytes(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)
	out, err := run(t, "s3cret\n", "image", cover.Hex(), "--addr", addr, "--user", "alice")
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	if !bytes.Equal([]byte(out), coverJPEG) {
		t.Fatalf("stdout should carry the image verbatim, got %x", out)
	}

	path := filepath.Join(t.TempDir(), "cover.jpg")
	out, err = run(t, "s3cret\n", "image", cover.Base62(), "-o", path, "--addr", addr, "--user", "alice")
	if err != nil {
		t.Fatalf("image --out: %v", err)
	}
	if out != "" {
		t.Fatalf("nothing should reach stdout with --out, got %q", out)
	}
	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image file: %v", err)
	}
	if !bytes.Equal(written, coverJPEG) {
		t.Fatalf("unexpected file contents %x", written)
	}
}

func TestImageCommandUnknownID(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)
	_, err := run(t, "s3cret\n", "image", metadata.ID{0xC9}.Hex(), "--addr", addr, "--user", "alice")
	if !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
