package pipeline

import (
	"github.com/gogpu/atlas/raster"
	"github.com/gogpu/atlas/vector"
)

// Rectangle is an axis-aligned region in logical coordinates.
type Rectangle struct {
	X      float32
	Y      float32
	Width  float32
	Height float32
}

type imageKind uint8

const (
	kindNone imageKind = iota
	kindRaster
	kindVector
)

// Image is a single draw request: a raster or vector source paired
// with the destination bounds it should cover. The zero Image draws
// nothing.
type Image struct {
	kind   imageKind
	raster raster.Handle
	vector vector.Handle
	bounds Rectangle
}

// Raster requests a raster image drawn into bounds.
func Raster(h raster.Handle, bounds Rectangle) Image {
	return Image{kind: kindRaster, raster: h, bounds: bounds}
}

// Vector requests vector content rasterized to fit bounds and drawn
// there.
func Vector(h vector.Handle, bounds Rectangle) Image {
	return Image{kind: kindVector, vector: h, bounds: bounds}
}

// Bounds returns the destination rectangle of the request.
func (i Image) Bounds() Rectangle { return i.bounds }
