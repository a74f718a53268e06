// Package layout turns schedule entries into fixed-height text rows.
package layout

import (
	"image"
	"strings"
	"unicode/utf8"

	"periph.io/x/devices/v3/ssd1306/image1bit"

	"epdagenda/internal/model"
)

const (
	// Columns is the number of character cells in one row.
	Columns = 15

	DefaultStartTop     = 2
	DefaultRowHeight    = 12
	DefaultBottomMargin = 2

	// LastRowMargin separates one entry from the next.
	LastRowMargin = 4
)

// Surface is what rows are drawn on; *canvas.Canvas implements it.
type Surface interface {
	Text(s string, x, y int, b image1bit.Bit) int
	HLine(x, y, w int, b image1bit.Bit)
	Bounds() image.Rectangle
}

// Line holds the per-row drawing options.
type Line struct {
	Underline         bool
	ExtraBottomMargin int
	// Color of the text; the zero value is black ink.
	Color  image1bit.Bit
	Center bool
}

// Cursor tracks the top of the next row during one layout pass.
type Cursor struct {
	Top          int
	RowHeight    int
	BottomMargin int
}

// NewCursor returns a cursor at the default start position.
func NewCursor(bottomMargin int) *Cursor {
	return &Cursor{
		Top:          DefaultStartTop,
		RowHeight:    DefaultRowHeight,
		BottomMargin: bottomMargin,
	}
}

// WriteLine draws text at the current top and moves the cursor below it.
// An underline is a full-width rule directly under the row and takes one
// pixel.
func (c *Cursor) WriteLine(dst Surface, text string, l Line) {
	if l.Center {
		text = Pad(text)
	}
	dst.Text(text, 0, c.Top, l.Color)
	c.Top += c.RowHeight
	if l.Underline {
		dst.HLine(0, c.Top, dst.Bounds().Dx(), image1bit.Off)
		c.Top++
	}
	c.Top += c.BottomMargin + l.ExtraBottomMargin
}

// Pad centers s in a Columns wide field, counting characters rather than
// bytes. Longer strings are returned as is.
func Pad(s string) string {
	n := utf8.RuneCountInString(s)
	if n >= Columns {
		return s
	}
	pre := (Columns - n) / 2
	post := Columns - n - pre
	return strings.Repeat(" ", pre) + s + strings.Repeat(" ", post)
}

// Row is one draw command produced by Paginate.
type Row struct {
	Text string
	Line
}

// Chunks splits s into pieces of at most Columns characters. Surrounding
// whitespace is trimmed before every cut, and an empty remainder ends the
// split. Cuts never fall inside a multi-byte character.
func Chunks(s string) []string {
	var out []string
	for {
		s = strings.TrimSpace(s)
		if s == "" {
			return out
		}
		r := []rune(s)
		n := min(len(r), Columns)
		out = append(out, string(r[:n]))
		s = string(r[n:])
	}
}

// Paginate lays entries out in order. A starting-soon entry gets its start
// time on a centered row of its own and a rule under its last row; other
// entries have the start time prefixed to the summary. The last row of
// every entry carries LastRowMargin.
func Paginate(entries []model.Entry) []Row {
	var rows []Row
	for _, e := range entries {
		text := e.Summary
		if e.StartingSoon {
			rows = append(rows, Row{Text: e.StartTime, Line: Line{Center: true}})
		} else {
			text = e.StartTime + " " + text
		}

		chunks := Chunks(text)
		for i, chunk := range chunks {
			r := Row{Text: chunk}
			if i == len(chunks)-1 {
				r.ExtraBottomMargin = LastRowMargin
				r.Underline = e.StartingSoon
			}
			rows = append(rows, r)
		}
	}
	return rows
}

// Render writes rows through cur until the next row would cross bottom.
// It returns how many rows were drawn; the rest are dropped.
func Render(dst Surface, cur *Cursor, rows []Row, bottom int) int {
	for i, r := range rows {
		if cur.Top+cur.RowHeight > bottom {
			return i
		}
		cur.WriteLine(dst, r.Text, r.Line)
	}
	return len(rows)
}
