package display

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// RGB565 is one panel pixel: 5 bits red, 6 green, 5 blue.
type RGB565 struct {
	V uint16
}

func (c RGB565) RGBA() (r, g, b, a uint32) {
	r = uint32((c.V >> 11 & 0x1f) << 3)
	r |= r << 8
	g = uint32((c.V >> 5 & 0x3f) << 2)
	g |= g << 8
	b = uint32((c.V & 0x1f) << 3)
	b |= b << 8
	a = 0xffff
	return
}

func rgb565Model(c color.Color) color.Color {
	if _, ok := c.(RGB565); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return RGB565{
		uint16(r&0xF800) |
			uint16((g&0xFC00)>>5) |
			uint16((b&0xF800)>>11)}
}

// Model converts colors to RGB565.
var Model color.Model = color.ModelFunc(rgb565Model)

// Image is an RGB565 framebuffer stored exactly as the panel wants it:
// row-major, two bytes per pixel, high byte first.
type Image struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

// NewImage allocates a black w by h framebuffer.
func NewImage(w, h int) *Image {
	return &Image{
		Pix:    make([]uint8, w*h*2),
		Stride: w * 2,
		Rect:   image.Rect(0, 0, w, h),
	}
}

func (p *Image) ColorModel() color.Model { return Model }
func (p *Image) Bounds() image.Rectangle { return p.Rect }

func (p *Image) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return RGB565{}
	}
	i := p.pixOffset(x, y)
	return RGB565{uint16(p.Pix[i])<<8 | uint16(p.Pix[i+1])}
}

func (p *Image) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(p.Rect)) {
		return
	}
	i := p.pixOffset(x, y)
	v := Model.Convert(c).(RGB565).V
	p.Pix[i] = uint8(v >> 8)
	p.Pix[i+1] = uint8(v)
}

func (p *Image) pixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*2
}

// Bytes returns the raw pixel stream, ready to follow an image header.
func (p *Image) Bytes() []byte {
	return p.Pix
}

// FromImage converts src pixel by pixel, without scaling.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	dst := NewImage(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x-b.Min.X, y-b.Min.Y, src.At(x, y))
		}
	}
	return dst
}

// Scaled converts src to a w by h framebuffer, resampling when the sizes
// differ.
func Scaled(src image.Image, w, h int) *Image {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return FromImage(src)
	}
	dst := NewImage(w, h)
	draw.ApproxBiLinear.Scale(dst, dst.Rect, src, b, draw.Src, nil)
	return dst
}
