// Package raster provides content-addressed handles for raster images
// and a cache that decodes and uploads them to a texture atlas.
//
// Handles are cheap values identified by a hash of their source, so the
// same file, byte slice, or pixel buffer always maps to the same cache
// entry. Decoding goes through the standard image package; PNG, JPEG,
// GIF, BMP, TIFF, and WebP decoders are registered by this package.
package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"os"

	_ "image/gif"  // register GIF decoding
	_ "image/jpeg" // register JPEG decoding
	_ "image/png"  // register PNG decoding

	_ "golang.org/x/image/bmp"  // register BMP decoding
	_ "golang.org/x/image/tiff" // register TIFF decoding
	_ "golang.org/x/image/webp" // register WebP decoding

	"github.com/gogpu/atlas"
	"github.com/gogpu/atlas/cache"
)

// ErrPixelSize reports a pixel buffer whose length does not match the
// dimensions it was created with.
var ErrPixelSize = errors.New("raster: pixel data does not match dimensions")

type sourceKind uint8

const (
	sourcePath sourceKind = iota
	sourceBytes
	sourcePixels
)

// Handle identifies a raster image by its content.
//
// Two handles created from equal sources share the same ID and hit the
// same cache entry. The zero Handle refers to an empty path and fails
// to decode.
type Handle struct {
	id     uint64
	kind   sourceKind
	path   string
	data   []byte
	width  uint32
	height uint32
}

// FromPath creates a handle for an image file on disk.
func FromPath(path string) Handle {
	h := fnv.New64a()
	h.Write([]byte("path:"))
	h.Write([]byte(path))
	return Handle{id: h.Sum64(), kind: sourcePath, path: path}
}

// FromBytes creates a handle for encoded image data (PNG, JPEG, ...).
// The slice is retained; the caller must not modify it afterwards.
func FromBytes(data []byte) Handle {
	h := fnv.New64a()
	h.Write([]byte("bytes:"))
	h.Write(data)
	return Handle{id: h.Sum64(), kind: sourceBytes, data: data}
}

// FromPixels creates a handle for raw premultiplied RGBA pixels laid
// out in row-major order. The slice is retained; the caller must not
// modify it afterwards.
func FromPixels(width, height uint32, pixels []byte) Handle {
	h := fnv.New64a()
	h.Write([]byte("pixels:"))
	var dims [8]byte
	binary.LittleEndian.PutUint32(dims[0:4], width)
	binary.LittleEndian.PutUint32(dims[4:8], height)
	h.Write(dims[:])
	h.Write(pixels)
	return Handle{id: h.Sum64(), kind: sourcePixels, data: pixels, width: width, height: height}
}

// ID returns the content hash identifying this handle.
func (h Handle) ID() uint64 { return h.id }

// CacheKey implements cache.Loadable.
func (h Handle) CacheKey() uint64 { return h.id }

// Decode implements cache.Loadable. It loads and decodes the source
// into a premultiplied RGBA pixmap.
func (h Handle) Decode() (*atlas.Pixmap, error) {
	switch h.kind {
	case sourcePixels:
		want := int(h.width) * int(h.height) * 4
		if len(h.data) != want {
			return nil, fmt.Errorf("raster: %d bytes for %dx%d: %w", len(h.data), h.width, h.height, ErrPixelSize)
		}
		pm := atlas.NewPixmap(int(h.width), int(h.height))
		copy(pm.Data(), h.data)
		return pm, nil
	case sourceBytes:
		img, _, err := image.Decode(bytes.NewReader(h.data))
		if err != nil {
			return nil, fmt.Errorf("raster: decode bytes: %w", err)
		}
		return atlas.FromImage(img), nil
	case sourcePath:
		f, err := os.Open(h.path) //nolint:gosec // caller-supplied asset path
		if err != nil {
			return nil, fmt.Errorf("raster: open %q: %w", h.path, err)
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("raster: decode %q: %w", h.path, err)
		}
		return atlas.FromImage(img), nil
	default:
		return nil, fmt.Errorf("raster: unknown source kind %d", h.kind)
	}
}

// Cache memoizes decoded raster images and their atlas placements.
// The zero value is ready to use.
type Cache struct {
	inner cache.Cache[uint64, Handle]
}

// Load decodes the handle's content, reusing a previous decode when
// the handle was seen before.
func (c *Cache) Load(h Handle) (*atlas.Pixmap, error) {
	return c.inner.Load(h)
}

// Dimensions reports the pixel size of the decoded content. The decode
// is cached, so measuring an image before drawing it costs one decode
// in total.
func (c *Cache) Dimensions(h Handle) (width, height uint32, err error) {
	pm, err := c.inner.Load(h)
	if err != nil {
		return 0, 0, err
	}
	return uint32(pm.Width()), uint32(pm.Height()), nil //nolint:gosec // pixmap dims are non-negative
}

// Upload places the decoded content in the atlas, decoding and
// allocating at most once per handle. ok is false when the content has
// zero area.
func (c *Cache) Upload(h Handle, a *atlas.Atlas) (entry atlas.Entry, ok bool, err error) {
	return c.inner.Upload(h, a)
}

// Trim evicts entries that were not used since the previous Trim and
// frees their atlas space.
func (c *Cache) Trim(a *atlas.Atlas) { c.inner.Trim(a) }

// Len returns the number of cached entries.
func (c *Cache) Len() int { return c.inner.Len() }
