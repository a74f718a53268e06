package canvas

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/devices/v3/ssd1306/image1bit"
)

// CellWidth is the horizontal advance of one character.
const CellWidth = 8

// face is basicfont's 7x13 glyph set on an 8 pixel grid, so 15 characters
// fill 120 pixels.
var face = func() *basicfont.Face {
	f := *basicfont.Face7x13
	f.Advance = CellWidth
	return &f
}()

// Canvas is a packed 1 bit per pixel frame in panel byte order.
//
// Packing rules:
//
//   - rows are y-major, 8 pixels per byte, MSB first:
//     byteIndex = y*Stride + (x >> 3)
//     mask      = 0x80 >> (x & 7)
//   - a set bit is white (image1bit.On), a cleared bit is black ink.
type Canvas struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

// New returns a white canvas. w is rounded up to a whole byte.
func New(w, h int) *Canvas {
	stride := (w + 7) / 8
	c := &Canvas{
		Pix:    make([]byte, stride*h),
		Stride: stride,
		Rect:   image.Rect(0, 0, w, h),
	}
	c.Fill(image1bit.On)
	return c
}

func (c *Canvas) String() string {
	return fmt.Sprintf("canvas.Canvas{%dx%d}", c.Rect.Dx(), c.Rect.Dy())
}

// ColorModel implements image.Image.
func (c *Canvas) ColorModel() color.Model { return image1bit.BitModel }

// Bounds implements image.Image.
func (c *Canvas) Bounds() image.Rectangle { return c.Rect }

// At implements image.Image.
func (c *Canvas) At(x, y int) color.Color { return c.BitAt(x, y) }

// Set implements draw.Image.
func (c *Canvas) Set(x, y int, col color.Color) {
	c.SetBit(x, y, image1bit.BitModel.Convert(col).(image1bit.Bit))
}

func (c *Canvas) offset(x, y int) (int, byte, bool) {
	if !(image.Point{x, y}.In(c.Rect)) {
		return 0, 0, false
	}
	return y*c.Stride + (x >> 3), byte(0x80 >> (x & 7)), true
}

// BitAt returns the pixel at x, y. Out of range pixels read as white.
func (c *Canvas) BitAt(x, y int) image1bit.Bit {
	i, mask, ok := c.offset(x, y)
	if !ok {
		return image1bit.On
	}
	return image1bit.Bit(c.Pix[i]&mask != 0)
}

// SetBit sets the pixel at x, y. Out of range writes are dropped.
func (c *Canvas) SetBit(x, y int, b image1bit.Bit) {
	i, mask, ok := c.offset(x, y)
	if !ok {
		return
	}
	if b {
		c.Pix[i] |= mask
	} else {
		c.Pix[i] &^= mask
	}
}

// Fill paints the whole canvas.
func (c *Canvas) Fill(b image1bit.Bit) {
	v := byte(0x00)
	if b {
		v = 0xFF
	}
	for i := range c.Pix {
		c.Pix[i] = v
	}
}

// HLine draws a one pixel high line of width w starting at x, y.
func (c *Canvas) HLine(x, y, w int, b image1bit.Bit) {
	c.FillRect(x, y, w, 1, b)
}

// FillRect paints the rectangle with corner x, y, clipped to the canvas.
func (c *Canvas) FillRect(x, y, w, h int, b image1bit.Bit) {
	r := image.Rect(x, y, x+w, y+h).Intersect(c.Rect)
	for py := r.Min.Y; py < r.Max.Y; py++ {
		for px := r.Min.X; px < r.Max.X; px++ {
			c.SetBit(px, py, b)
		}
	}
}

// Text draws s with its top left corner at x, y and returns the advance in
// pixels.
func (c *Canvas) Text(s string, x, y int, b image1bit.Bit) int {
	d := font.Drawer{
		Dst:  c,
		Src:  image.NewUniform(b),
		Face: face,
		Dot:  fixed.P(x, y+face.Ascent),
	}
	d.DrawString(s)
	return (d.Dot.X - fixed.I(x)).Round()
}

// Bytes returns the packed frame. The slice aliases the canvas.
func (c *Canvas) Bytes() []byte { return c.Pix }

// Clone returns an independent copy.
func (c *Canvas) Clone() *Canvas {
	return &Canvas{
		Pix:    append([]byte(nil), c.Pix...),
		Stride: c.Stride,
		Rect:   c.Rect,
	}
}

// PNG encodes the canvas as a grayscale PNG.
func (c *Canvas) PNG(w io.Writer) error {
	g := image.NewGray(c.Rect)
	draw.Draw(g, g.Bounds(), c, c.Rect.Min, draw.Src)
	return png.Encode(w, g)
}

var _ draw.Image = &Canvas{}
