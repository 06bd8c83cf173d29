package buffer

import (
	"image"
	"image/color"
)

// XRGB is a draw.Image over memory in DRM XRGB8888 layout (little-endian
// B, G, R, X bytes per pixel).
type XRGB struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

// NewXRGB wraps pix as a width x height image.
func NewXRGB(pix []byte, stride, width, height int) *XRGB {
	return &XRGB{Pix: pix, Stride: stride, Rect: image.Rect(0, 0, width, height)}
}

func (p *XRGB) ColorModel() color.Model { return color.RGBAModel }
func (p *XRGB) Bounds() image.Rectangle { return p.Rect }

func (p *XRGB) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.offset(x, y)
	return color.RGBA{R: p.Pix[i+2], G: p.Pix[i+1], B: p.Pix[i], A: 0xff}
}

func (p *XRGB) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(p.Rect)) {
		return
	}
	i := p.offset(x, y)
	r, g, b, _ := c.RGBA()
	p.Pix[i] = uint8(b >> 8)
	p.Pix[i+1] = uint8(g >> 8)
	p.Pix[i+2] = uint8(r >> 8)
	p.Pix[i+3] = 0xff
}

func (p *XRGB) offset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*4
}
