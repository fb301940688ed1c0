package atlas

import "fmt"

// Allocation is a rectangle reserved within one atlas layer for a single
// piece of content, or for a single fragment of oversized content.
type Allocation struct {
	// X, Y is the top-left corner inside the layer, in pixels.
	X, Y uint32
	// Width, Height is the reserved extent in pixels.
	Width, Height uint32
	// Layer is the index of the owning layer in the atlas.
	Layer int
}

// Area returns the number of pixels the allocation covers.
func (a Allocation) Area() uint64 {
	return uint64(a.Width) * uint64(a.Height)
}

// Intersects reports whether two allocations overlap on the same layer.
func (a Allocation) Intersects(b Allocation) bool {
	if a.Layer != b.Layer {
		return false
	}
	return a.X < b.X+b.Width && b.X < a.X+a.Width &&
		a.Y < b.Y+b.Height && b.Y < a.Y+a.Height
}

// String returns a compact description for diagnostics.
func (a Allocation) String() string {
	return fmt.Sprintf("layer %d (%d,%d %dx%d)", a.Layer, a.X, a.Y, a.Width, a.Height)
}

// Fragment maps one piece of oversized content to its allocation.
type Fragment struct {
	// X, Y is the fragment's offset within the original content, in pixels.
	X, Y uint32
	// Allocation is where the fragment's pixels live.
	Allocation Allocation
}

// Entry records where uploaded content lives in the atlas. Content that
// fits a single layer occupies one Allocation; larger content is split
// into Fragments whose source rectangles tile the full extent exactly,
// in row-major order. An Entry holds plain indices and coordinates, so it
// stays valid while the atlas grows.
type Entry struct {
	// Width, Height is the content's full pixel extent.
	Width, Height uint32
	// Allocation is the single placement when Fragments is empty.
	Allocation Allocation
	// Fragments lists the placements of split content.
	Fragments []Fragment
}

// Fragmented reports whether the entry spans multiple allocations.
func (e Entry) Fragmented() bool {
	return len(e.Fragments) > 0
}

// Size returns the content's full pixel extent.
func (e Entry) Size() (width, height uint32) {
	return e.Width, e.Height
}
