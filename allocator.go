package atlas

// Allocator packs rectangles into one fixed-size square surface. It keeps
// a list of free rectangles, satisfies requests with the smallest free
// rectangle that fits (best-area-fit) and guillotine-splits the remainder;
// freed rectangles return to the list and coalesce with neighbors sharing
// a full edge. Not safe for concurrent use.
type Allocator struct {
	size  uint32
	free  []freeRect
	used  uint64
	count int
}

type freeRect struct {
	x, y          uint32
	width, height uint32
}

// NewAllocator creates an allocator covering a size x size surface.
func NewAllocator(size uint32) *Allocator {
	return &Allocator{
		size: size,
		free: []freeRect{{0, 0, size, size}},
	}
}

// Allocate reserves a width x height rectangle. It returns false when no
// free region fits, and for zero-area or larger-than-surface requests.
func (a *Allocator) Allocate(width, height uint32) (Allocation, bool) {
	if width == 0 || height == 0 || width > a.size || height > a.size {
		return Allocation{}, false
	}

	best := -1
	var bestArea uint64
	for i, r := range a.free {
		if r.width < width || r.height < height {
			continue
		}
		area := uint64(r.width) * uint64(r.height)
		if best < 0 || area < bestArea {
			best = i
			bestArea = area
		}
	}
	if best < 0 {
		return Allocation{}, false
	}

	r := a.free[best]
	a.free = append(a.free[:best], a.free[best+1:]...)

	// Guillotine split: the strip right of the allocation spans its
	// height, the strip below spans the full free width. Zero-area
	// strips are discarded.
	if r.width > width {
		a.free = append(a.free, freeRect{r.x + width, r.y, r.width - width, height})
	}
	if r.height > height {
		a.free = append(a.free, freeRect{r.x, r.y + height, r.width, r.height - height})
	}

	a.used += uint64(width) * uint64(height)
	a.count++
	return Allocation{X: r.x, Y: r.y, Width: width, Height: height}, true
}

// Free returns an allocation's rectangle to the free pool and coalesces
// adjacent free regions. The allocation must have come from this
// allocator and must not be freed twice.
func (a *Allocator) Free(alloc Allocation) {
	if alloc.Width == 0 || alloc.Height == 0 {
		return
	}
	a.free = append(a.free, freeRect{alloc.X, alloc.Y, alloc.Width, alloc.Height})
	if area := alloc.Area(); a.used >= area {
		a.used -= area
	}
	if a.count > 0 {
		a.count--
	}
	a.coalesce()
}

// coalesce merges free rectangles sharing a full edge, repeating until no
// merge applies. Merging along one axis at a time keeps the list small
// after interleaved frees without tracking neighbor structure.
func (a *Allocator) coalesce() {
	for {
		merged := false
		for i := 0; i < len(a.free) && !merged; i++ {
			for j := i + 1; j < len(a.free); j++ {
				m, ok := mergeFree(a.free[i], a.free[j])
				if !ok {
					continue
				}
				a.free[i] = m
				a.free = append(a.free[:j], a.free[j+1:]...)
				merged = true
				break
			}
		}
		if !merged {
			return
		}
	}
}

// mergeFree combines two free rectangles that share a full edge.
func mergeFree(a, b freeRect) (freeRect, bool) {
	if a.y == b.y && a.height == b.height {
		if a.x+a.width == b.x {
			return freeRect{a.x, a.y, a.width + b.width, a.height}, true
		}
		if b.x+b.width == a.x {
			return freeRect{b.x, b.y, a.width + b.width, a.height}, true
		}
	}
	if a.x == b.x && a.width == b.width {
		if a.y+a.height == b.y {
			return freeRect{a.x, a.y, a.width, a.height + b.height}, true
		}
		if b.y+b.height == a.y {
			return freeRect{b.x, b.y, a.width, a.height + b.height}, true
		}
	}
	return freeRect{}, false
}

// Size returns the surface dimension.
func (a *Allocator) Size() uint32 {
	return a.size
}

// UsedArea returns the total area of live allocations, in pixels.
func (a *Allocator) UsedArea() uint64 {
	return a.used
}

// Utilization returns the fraction of the surface currently allocated.
func (a *Allocator) Utilization() float64 {
	total := uint64(a.size) * uint64(a.size)
	if total == 0 {
		return 0
	}
	return float64(a.used) / float64(total)
}

// AllocCount returns the number of live allocations.
func (a *Allocator) AllocCount() int {
	return a.count
}
