package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

const ellipsis = "…"

// table collects key/value rows and numbered items, then prints them with
// keys aligned by display width.
type table struct {
	width int
	rows  [][2]string
	items []string
}

func newTable(width int) *table {
	return &table{width: width}
}

func (t *table) row(key string, value any) {
	t.rows = append(t.rows, [2]string{key, fmt.Sprint(value)})
}

// fields adds every metadata entry except skip, sorted by key.
func (t *table) fields(md map[string]any, skip ...string) {
	for _, key := range slices.Sorted(maps.Keys(md)) {
		if slices.Contains(skip, key) {
			continue
		}
		t.row(key, md[key])
	}
}

func (t *table) item(n int, name, detail string) {
	t.items = append(t.items, fmt.Sprintf("%3d. %s  %s", n, name, detail))
}

func (t *table) flush(w io.Writer) error {
	keyWidth := 0
	for _, r := range t.rows {
		keyWidth = max(keyWidth, runewidth.StringWidth(r[0]))
	}
	var b strings.Builder
	for _, r := range t.rows {
		line := runewidth.FillRight(r[0], keyWidth) + "  " + r[1]
		b.WriteString(fitWidth(line, t.width))
		b.WriteByte('\n')
	}
	for _, item := range t.items {
		b.WriteString(fitWidth(item, t.width))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// fitWidth truncates text to width display cells, ending in an ellipsis.
// Width zero or less leaves text unchanged.
func fitWidth(text string, width int) string {
	if width <= 0 || runewidth.StringWidth(text) <= width {
		return text
	}
	return runewidth.Truncate(text, width, ellipsis)
}

func formatLength(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d / time.Minute)
	s := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%d:%02d", m, s)
}
