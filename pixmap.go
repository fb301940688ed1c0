package atlas

import (
	"image"
	"image/color"
	"image/draw"
)

// Pixmap is a rectangular pixel buffer holding premultiplied RGBA, four
// bytes per pixel in row-major order. It is the transfer format between
// content decoders and the atlas's texture uploads.
type Pixmap struct {
	width  int
	height int
	data   []uint8
}

// NewPixmap creates a transparent pixmap with the given dimensions.
// Non-positive dimensions yield an empty pixmap.
func NewPixmap(width, height int) *Pixmap {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Pixmap{
		width:  width,
		height: height,
		data:   make([]uint8, width*height*4),
	}
}

// FromImage converts an image to a premultiplied RGBA pixmap.
func FromImage(img image.Image) *Pixmap {
	bounds := img.Bounds()
	p := NewPixmap(bounds.Dx(), bounds.Dy())
	if p.width == 0 || p.height == 0 {
		return p
	}
	// image.RGBA is premultiplied; draw.Draw converts NRGBA and friends.
	dst := &image.RGBA{Pix: p.data, Stride: p.width * 4, Rect: image.Rect(0, 0, p.width, p.height)}
	draw.Draw(dst, dst.Rect, img, bounds.Min, draw.Src)
	return p
}

// Width returns the width of the pixmap in pixels.
func (p *Pixmap) Width() int {
	return p.width
}

// Height returns the height of the pixmap in pixels.
func (p *Pixmap) Height() int {
	return p.height
}

// Data returns the raw pixel data (premultiplied RGBA).
func (p *Pixmap) Data() []uint8 {
	return p.data
}

// SetRGBA sets a single pixel. Out-of-range coordinates are ignored.
func (p *Pixmap) SetRGBA(x, y int, c color.RGBA) {
	if x < 0 || x >= p.width || y < 0 || y >= p.height {
		return
	}
	i := (y*p.width + x) * 4
	p.data[i+0] = c.R
	p.data[i+1] = c.G
	p.data[i+2] = c.B
	p.data[i+3] = c.A
}

// RGBAAt returns a single pixel. Out-of-range coordinates read as
// transparent.
func (p *Pixmap) RGBAAt(x, y int) color.RGBA {
	if x < 0 || x >= p.width || y < 0 || y >= p.height {
		return color.RGBA{}
	}
	i := (y*p.width + x) * 4
	return color.RGBA{R: p.data[i+0], G: p.data[i+1], B: p.data[i+2], A: p.data[i+3]}
}

// ToImage copies the pixmap into a new image.RGBA.
func (p *Pixmap) ToImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	copy(img.Pix, p.data)
	return img
}

// At implements the image.Image interface.
func (p *Pixmap) At(x, y int) color.Color {
	return p.RGBAAt(x, y)
}

// Bounds implements the image.Image interface.
func (p *Pixmap) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.width, p.height)
}

// ColorModel implements the image.Image interface.
func (p *Pixmap) ColorModel() color.Model {
	return color.RGBAModel
}
