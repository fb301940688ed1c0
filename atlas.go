package atlas

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Errors returned by atlas operations.
var (
	// ErrAtlasFull is returned when no layer can fit an allocation and
	// the layer limit has been reached.
	ErrAtlasFull = errors.New("atlas: texture atlas is full")

	// ErrZeroSize is returned for uploads with an empty extent.
	ErrZeroSize = errors.New("atlas: zero-size upload")

	// ErrSizeMismatch is returned when the pixel data length does not
	// match the upload extent.
	ErrSizeMismatch = errors.New("atlas: pixel data does not match extent")

	// ErrAtlasDestroyed is returned when using an atlas after Destroy.
	ErrAtlasDestroyed = errors.New("atlas: atlas already destroyed")
)

const (
	// DefaultAtlasSize is the default square dimension of a layer.
	DefaultAtlasSize = 2048

	// MinAtlasSize is the smallest accepted layer dimension.
	MinAtlasSize = 256

	// DefaultMaxLayers bounds atlas growth. It matches the number of
	// layer texture slots the image pipeline binds.
	DefaultMaxLayers = 16

	// bytesPerPixel is fixed by the RGBA8 texture formats the atlas
	// accepts.
	bytesPerPixel = 4
)

// Config controls atlas construction. The zero value selects defaults.
type Config struct {
	// Size is the square dimension of every layer in pixels. Defaults
	// to DefaultAtlasSize and is clamped to at least MinAtlasSize.
	Size uint32

	// MaxLayers bounds how many layers the atlas may grow to. Defaults
	// to DefaultMaxLayers.
	MaxLayers int

	// Format is the texture format of the layer textures. Defaults to
	// RGBA8Unorm.
	Format gputypes.TextureFormat

	// Label prefixes GPU resource labels for debugging.
	Label string
}

// Atlas packs variable-sized pixel content into a growing, ordered set of
// fixed-size square GPU textures (layers). Content that fits one layer
// gets a single allocation; larger content is split into a grid of
// fragments. Layers are append-only: LayerCount only grows, and consumers
// use it as a version to detect that bindings over the layer list went
// stale.
//
// An Atlas is owned by the goroutine recording the frame and is not safe
// for concurrent use.
type Atlas struct {
	device hal.Device
	queue  hal.Queue

	size      uint32
	maxLayers int
	format    gputypes.TextureFormat
	label     string

	layers    []*layer
	destroyed bool
}

// New creates an atlas with one empty layer. A nil device and queue yield
// a CPU-only atlas whose layers carry no GPU texture; allocation
// bookkeeping works normally, which is the intended mode for tests.
func New(device hal.Device, queue hal.Queue, cfg Config) (*Atlas, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultAtlasSize
	}
	if cfg.Size < MinAtlasSize {
		cfg.Size = MinAtlasSize
	}
	if cfg.MaxLayers <= 0 {
		cfg.MaxLayers = DefaultMaxLayers
	}
	if cfg.Format == 0 {
		cfg.Format = gputypes.TextureFormatRGBA8Unorm
	}
	if cfg.Label == "" {
		cfg.Label = "image-atlas"
	}

	a := &Atlas{
		device:    device,
		queue:     queue,
		size:      cfg.Size,
		maxLayers: cfg.MaxLayers,
		format:    cfg.Format,
		label:     cfg.Label,
	}
	if err := a.grow(); err != nil {
		return nil, err
	}

	Logger().Debug("atlas created", "size", a.size, "maxLayers", a.maxLayers)
	return a, nil
}

// Upload places width x height premultiplied RGBA pixels into the atlas,
// growing it as needed, and returns the resulting entry. Content wider or
// taller than the layer size is split into a grid of fragments, the last
// row and column sized to the remainder. pixels holds four bytes per
// pixel in row-major order.
func (a *Atlas) Upload(width, height uint32, pixels []byte) (Entry, error) {
	if a.destroyed {
		return Entry{}, ErrAtlasDestroyed
	}
	if width == 0 || height == 0 {
		return Entry{}, ErrZeroSize
	}
	if uint64(len(pixels)) != uint64(width)*uint64(height)*bytesPerPixel {
		return Entry{}, fmt.Errorf("%w: %d bytes for %dx%d", ErrSizeMismatch, len(pixels), width, height)
	}

	if width <= a.size && height <= a.size {
		alloc, err := a.allocate(width, height)
		if err != nil {
			return Entry{}, err
		}
		a.write(alloc, 0, 0, width, pixels)
		return Entry{Width: width, Height: height, Allocation: alloc}, nil
	}
	return a.uploadFragmented(width, height, pixels)
}

// uploadFragmented tiles oversized content over as many allocations as
// the grid needs. Fragments already placed are freed again when a later
// one fails, so a failed upload leaves the atlas unchanged.
func (a *Atlas) uploadFragmented(width, height uint32, pixels []byte) (Entry, error) {
	entry := Entry{Width: width, Height: height}
	for y := uint32(0); y < height; y += a.size {
		h := min(a.size, height-y)
		for x := uint32(0); x < width; x += a.size {
			w := min(a.size, width-x)
			alloc, err := a.allocate(w, h)
			if err != nil {
				a.Remove(entry)
				return Entry{}, fmt.Errorf("atlas: fragment (%d,%d) of %dx%d: %w", x, y, width, height, err)
			}
			a.write(alloc, x, y, width, pixels)
			entry.Fragments = append(entry.Fragments, Fragment{X: x, Y: y, Allocation: alloc})
		}
	}
	return entry, nil
}

// allocate finds room on an existing layer in order, growing the atlas by
// one layer when every layer is full.
func (a *Atlas) allocate(width, height uint32) (Allocation, error) {
	for i, l := range a.layers {
		if alloc, ok := l.allocator.Allocate(width, height); ok {
			alloc.Layer = i
			return alloc, nil
		}
	}
	if err := a.grow(); err != nil {
		return Allocation{}, err
	}
	i := len(a.layers) - 1
	alloc, ok := a.layers[i].allocator.Allocate(width, height)
	if !ok {
		// Unreachable: the request fits an empty layer.
		return Allocation{}, ErrAtlasFull
	}
	alloc.Layer = i
	return alloc, nil
}

// grow appends one layer, creating its texture and view when a device is
// present.
func (a *Atlas) grow() error {
	index := len(a.layers)
	if index >= a.maxLayers {
		return ErrAtlasFull
	}

	l := &layer{allocator: NewAllocator(a.size)}
	if a.device != nil {
		tex, err := a.device.CreateTexture(&hal.TextureDescriptor{
			Label:         fmt.Sprintf("%s-layer-%d", a.label, index),
			Size:          hal.Extent3D{Width: a.size, Height: a.size, DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        a.format,
			Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("atlas: create layer %d texture: %w", index, err)
		}
		view, err := a.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
			Label:           fmt.Sprintf("%s-layer-%d-view", a.label, index),
			Format:          a.format,
			Dimension:       gputypes.TextureViewDimension2D,
			Aspect:          gputypes.TextureAspectAll,
			BaseMipLevel:    0,
			MipLevelCount:   1,
			BaseArrayLayer:  0,
			ArrayLayerCount: 1,
		})
		if err != nil {
			a.device.DestroyTexture(tex)
			return fmt.Errorf("atlas: create layer %d view: %w", index, err)
		}
		l.texture = tex
		l.view = view
	}

	a.layers = append(a.layers, l)
	Logger().Debug("atlas layer added", "layer", index, "count", len(a.layers))
	return nil
}

// write copies one allocation's worth of pixels from the source image
// into the layer texture. srcX, srcY locate the sub-rectangle inside a
// source of srcWidth pixels per row; the extent written is the
// allocation's own size. A CPU-only atlas skips the GPU write.
func (a *Atlas) write(alloc Allocation, srcX, srcY, srcWidth uint32, pixels []byte) {
	if a.queue == nil {
		return
	}
	l := a.layers[alloc.Layer]
	if l.texture == nil {
		return
	}
	offset := (uint64(srcY)*uint64(srcWidth) + uint64(srcX)) * bytesPerPixel
	a.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  l.texture,
			MipLevel: 0,
			Origin:   hal.Origin3D{X: alloc.X, Y: alloc.Y, Z: 0},
			Aspect:   gputypes.TextureAspectAll,
		},
		pixels[offset:],
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  srcWidth * bytesPerPixel,
			RowsPerImage: alloc.Height,
		},
		&hal.Extent3D{Width: alloc.Width, Height: alloc.Height, DepthOrArrayLayers: 1},
	)
}

// Remove frees every allocation of an entry back to its layer. The entry
// must not be used afterwards.
func (a *Atlas) Remove(e Entry) {
	if a.destroyed {
		return
	}
	if e.Fragmented() {
		for _, f := range e.Fragments {
			a.freeAllocation(f.Allocation)
		}
		return
	}
	a.freeAllocation(e.Allocation)
}

func (a *Atlas) freeAllocation(alloc Allocation) {
	if alloc.Width == 0 || alloc.Height == 0 {
		return
	}
	if alloc.Layer < 0 || alloc.Layer >= len(a.layers) {
		return
	}
	a.layers[alloc.Layer].allocator.Free(alloc)
}

// LayerCount returns the number of layers. It never decreases; consumers
// compare it between frames to detect that any GPU binding referencing
// the full layer list must be rebuilt.
func (a *Atlas) LayerCount() int {
	return len(a.layers)
}

// View returns the texture view of one layer for binding. It is nil in
// CPU-only mode and for out-of-range indices.
func (a *Atlas) View(layer int) hal.TextureView {
	if layer < 0 || layer >= len(a.layers) {
		return nil
	}
	return a.layers[layer].view
}

// Size returns the square dimension of every layer.
func (a *Atlas) Size() uint32 {
	return a.size
}

// Destroy releases the layer textures. Safe to call more than once.
// LayerCount still reports the final count afterwards.
func (a *Atlas) Destroy() {
	if a.destroyed {
		return
	}
	a.destroyed = true
	if a.device == nil {
		return
	}
	for _, l := range a.layers {
		l.destroy(a.device)
	}
}
