package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/despot/internal/testutil/testlog"
	"github.com/mattn/go-runewidth"
)

func TestFitWidth(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		in    string
		width int
	}{
		{"Kraftwerk", 20},
		{"Trans-Europa Express (Remastered)", 12},
		{"電子音楽の先駆者たち", 9},
		{"unlimited", 0},
	}
	for _, tc := range cases {
		got := fitWidth(tc.in, tc.width)
		if tc.width <= 0 {
			if got != tc.in {
				t.Fatalf("width 0 must not truncate, got %q", got)
			}
			continue
		}
		if w := runewidth.StringWidth(got); w > tc.width {
			t.Fatalf("fitWidth(%q, %d) = %q is %d cells", tc.in, tc.width, got, w)
		}
		if runewidth.StringWidth(tc.in) > tc.width && !strings.HasSuffix(got, ellipsis) {
			t.Fatalf("truncated text should end with an ellipsis, got %q", got)
		}
	}
}

func TestFormatLength(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{1365 * time.Second, "22:45"},
		{59*time.Second + 600*time.Millisecond, "1:00"},
		{time.Hour + 2*time.Second, "60:02"},
	}
	for _, tc := range cases {
		if got := formatLength(tc.in); got != tc.want {
			t.Fatalf("formatLength(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTableAlignsKeys(t *testing.T) {
	testlog.Start(t)
	tbl := newTable(0)
	tbl.row("uri", "spotify:artist:x")
	tbl.fields(map[string]any{"popularity": uint32(87), "name": "Can", "id": "skip"}, "id")
	tbl.item(1, "Tago Mago", "spotify:album:y")

	var buf bytes.Buffer
	if err := tbl.flush(&buf); err != nil {
		t.Fatalf("flush: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %q", lines)
	}
	if lines[1] != "name        Can" || lines[2] != "popularity  87" {
		t.Fatalf("keys not aligned or sorted: %q", lines)
	}
	if strings.Contains(buf.String(), "skip") {
		t.Fatalf("skipped key printed")
	}
}
