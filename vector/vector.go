// Package vector caches rasterized vector content in a texture atlas.
//
// Vector sources are represented by the Rasterizer interface and can be
// rendered at any pixel size, so the cache keys entries by (handle,
// width, height): the same source drawn at two sizes occupies two atlas
// regions, while repeated draws at one size reuse a single rasterization.
package vector

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/atlas"
	"github.com/gogpu/atlas/cache"
)

// ErrNilRasterizer reports a handle created without a rasterizer.
var ErrNilRasterizer = errors.New("vector: nil rasterizer")

// Rasterizer renders vector content at a requested pixel size.
type Rasterizer interface {
	// NaturalSize returns the content's preferred size in pixels.
	NaturalSize() (width, height uint32)
	// Rasterize renders the content into a premultiplied RGBA pixmap
	// of exactly width x height pixels.
	Rasterize(width, height uint32) (*atlas.Pixmap, error)
}

var handleIDs atomic.Uint64

// Handle identifies a vector source. Handles are cheap to copy; two
// handles are the same source only if created by the same NewHandle
// call.
type Handle struct {
	id uint64
	r  Rasterizer
}

// NewHandle wraps a rasterizer in a handle with a fresh identity.
func NewHandle(r Rasterizer) Handle {
	return Handle{id: handleIDs.Add(1), r: r}
}

// ID returns the unique identity of this handle.
func (h Handle) ID() uint64 { return h.id }

// NaturalSize returns the source's preferred pixel size, or zero for
// the zero Handle.
func (h Handle) NaturalSize() (width, height uint32) {
	if h.r == nil {
		return 0, 0
	}
	return h.r.NaturalSize()
}

// Key identifies one rasterization of one source.
type Key struct {
	ID     uint64
	Width  uint32
	Height uint32
}

// sizedHandle is a handle pinned to a raster size, which is what the
// content cache actually stores.
type sizedHandle struct {
	h      Handle
	width  uint32
	height uint32
}

func (s sizedHandle) CacheKey() Key {
	return Key{ID: s.h.id, Width: s.width, Height: s.height}
}

func (s sizedHandle) Decode() (*atlas.Pixmap, error) {
	if s.h.r == nil {
		return nil, ErrNilRasterizer
	}
	pm, err := s.h.r.Rasterize(s.width, s.height)
	if err != nil {
		return nil, fmt.Errorf("vector: rasterize %dx%d: %w", s.width, s.height, err)
	}
	if uint32(pm.Width()) != s.width || uint32(pm.Height()) != s.height { //nolint:gosec // pixmap dims are non-negative
		return nil, fmt.Errorf("vector: rasterizer returned %dx%d, want %dx%d", pm.Width(), pm.Height(), s.width, s.height)
	}
	return pm, nil
}

// Cache memoizes rasterizations and their atlas placements.
// The zero value is ready to use.
type Cache struct {
	inner cache.Cache[Key, sizedHandle]
}

// Upload rasterizes the source at the given size and places the result
// in the atlas, reusing a previous rasterization of the same handle at
// the same size. ok is false when the requested size has zero area.
func (c *Cache) Upload(h Handle, width, height uint32, a *atlas.Atlas) (entry atlas.Entry, ok bool, err error) {
	if width == 0 || height == 0 {
		return atlas.Entry{}, false, nil
	}
	return c.inner.Upload(sizedHandle{h: h, width: width, height: height}, a)
}

// Trim evicts rasterizations that were not used since the previous
// Trim and frees their atlas space.
func (c *Cache) Trim(a *atlas.Atlas) { c.inner.Trim(a) }

// Len returns the number of cached rasterizations.
func (c *Cache) Len() int { return c.inner.Len() }

// imageRasterizer adapts a static image to the Rasterizer interface by
// resampling it to the requested size.
type imageRasterizer struct {
	img image.Image
}

func (r imageRasterizer) NaturalSize() (width, height uint32) {
	b := r.img.Bounds()
	return uint32(b.Dx()), uint32(b.Dy()) //nolint:gosec // bounds are non-negative
}

func (r imageRasterizer) Rasterize(width, height uint32) (*atlas.Pixmap, error) {
	pm := atlas.NewPixmap(int(width), int(height))
	dst := &image.RGBA{
		Pix:    pm.Data(),
		Stride: int(width) * 4,
		Rect:   image.Rect(0, 0, int(width), int(height)),
	}
	xdraw.CatmullRom.Scale(dst, dst.Rect, r.img, r.img.Bounds(), xdraw.Src, nil)
	return pm, nil
}

// FromImage creates a handle that rasterizes img at any requested size
// using Catmull-Rom resampling.
func FromImage(img image.Image) Handle {
	return NewHandle(imageRasterizer{img: img})
}
