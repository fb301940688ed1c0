package pipeline

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/atlas"
)

const (
	// MaxInstances caps the instances drawn by a single instanced draw
	// call; longer lists split into multiple draws.
	MaxInstances = 1000

	instanceStride = 36
	transformSize  = 64
)

// instance is one textured quad in the instance buffer. pos and size
// are logical coordinates, uvPos and uvSize normalized atlas texture
// coordinates.
type instance struct {
	pos    [2]float32
	size   [2]float32
	uvPos  [2]float32
	uvSize [2]float32
	layer  uint32
}

// makeInstance builds an instance covering the given destination
// rectangle from one atlas allocation. Texture coordinates are inset
// by half a texel so linear filtering does not bleed across region
// boundaries.
func makeInstance(x, y, width, height float32, a atlas.Allocation, atlasSize uint32) instance {
	s := float32(atlasSize)
	return instance{
		pos:  [2]float32{x, y},
		size: [2]float32{width, height},
		uvPos: [2]float32{
			(float32(a.X) + 0.5) / s,
			(float32(a.Y) + 0.5) / s,
		},
		uvSize: [2]float32{
			(float32(a.Width) - 1) / s,
			(float32(a.Height) - 1) / s,
		},
		layer: uint32(a.Layer), //nolint:gosec // layer index is non-negative
	}
}

// appendInstances expands an atlas entry into instances covering
// bounds. A contiguous entry yields one instance; a fragmented entry
// yields one per fragment, each scaled so the tiles jointly fill
// bounds.
func appendInstances(dst []instance, e atlas.Entry, bounds Rectangle, atlasSize uint32) []instance {
	if !e.Fragmented() {
		return append(dst, makeInstance(bounds.X, bounds.Y, bounds.Width, bounds.Height, e.Allocation, atlasSize))
	}
	scaleX := bounds.Width / float32(e.Width)
	scaleY := bounds.Height / float32(e.Height)
	for _, f := range e.Fragments {
		dst = append(dst, makeInstance(
			bounds.X+float32(f.X)*scaleX,
			bounds.Y+float32(f.Y)*scaleY,
			float32(f.Allocation.Width)*scaleX,
			float32(f.Allocation.Height)*scaleY,
			f.Allocation,
			atlasSize,
		))
	}
	return dst
}

// chunkInstances splits instances into runs of at most MaxInstances,
// preserving order. An empty input yields no chunks.
func chunkInstances(instances []instance) [][]instance {
	var chunks [][]instance
	for len(instances) > MaxInstances {
		chunks = append(chunks, instances[:MaxInstances])
		instances = instances[MaxInstances:]
	}
	if len(instances) > 0 {
		chunks = append(chunks, instances)
	}
	return chunks
}

func putFloat32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

// encodeInstances packs instances into the GPU vertex buffer layout:
// little-endian, 36 bytes per instance.
func encodeInstances(instances []instance) []byte {
	buf := make([]byte, len(instances)*instanceStride)
	off := 0
	for _, in := range instances {
		putFloat32(buf[off+0:], in.pos[0])
		putFloat32(buf[off+4:], in.pos[1])
		putFloat32(buf[off+8:], in.size[0])
		putFloat32(buf[off+12:], in.size[1])
		putFloat32(buf[off+16:], in.uvPos[0])
		putFloat32(buf[off+20:], in.uvPos[1])
		putFloat32(buf[off+24:], in.uvSize[0])
		putFloat32(buf[off+28:], in.uvSize[1])
		binary.LittleEndian.PutUint32(buf[off+32:], in.layer)
		off += instanceStride
	}
	return buf
}

// Unit quad shared by every instance; the vertex shader scales and
// offsets it per instance.
var quadVertices = [8]float32{
	0, 0,
	1, 0,
	1, 1,
	0, 1,
}

var quadIndices = [6]uint16{0, 1, 2, 0, 2, 3}

func encodeQuadVertices() []byte {
	buf := make([]byte, len(quadVertices)*4)
	for i, v := range quadVertices {
		putFloat32(buf[i*4:], v)
	}
	return buf
}

func encodeQuadIndices() []byte {
	buf := make([]byte, len(quadIndices)*2)
	for i, v := range quadIndices {
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	return buf
}

// Orthographic returns a column-major projection that maps the region
// (0,0)..(width,height), origin at the top left, onto clip space.
func Orthographic(width, height float32) [16]float32 {
	return [16]float32{
		2 / width, 0, 0, 0,
		0, -2 / height, 0, 0,
		0, 0, 1, 0,
		-1, 1, 0, 1,
	}
}

func encodeTransform(m [16]float32) []byte {
	buf := make([]byte, transformSize)
	for i, v := range m {
		putFloat32(buf[i*4:], v)
	}
	return buf
}
