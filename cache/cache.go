// Package cache provides the content-addressed store shared by the image
// content kinds: it memoizes decoded pixels, places them in the atlas once
// per generation, and evicts entries that stopped being drawn.
package cache

import (
	"github.com/gogpu/atlas"
)

// Loadable is the capability a content kind implements: a comparable key
// identifying the content and a decode step producing its pixels.
type Loadable[K comparable] interface {
	// CacheKey identifies the content. Equal keys must describe equal
	// pixels.
	CacheKey() K

	// Decode produces the content's pixels. The cache calls it at most
	// once per entry lifetime; after eviction a new use decodes again.
	Decode() (*atlas.Pixmap, error)
}

// Cache memoizes decoded pixels and their atlas placement for one content
// kind. Entries not touched between two Trim calls are evicted and their
// atlas space freed. The zero value is ready to use.
//
// A Cache is owned by the goroutine recording the frame and is not safe
// for concurrent use.
type Cache[K comparable, L Loadable[K]] struct {
	entries    map[K]*cacheEntry
	generation uint64
}

type cacheEntry struct {
	pixmap      *atlas.Pixmap
	placement   atlas.Entry
	uploaded    bool
	lastTouched uint64
}

// Load returns the decoded pixmap for item, decoding and memoizing on
// first access. A decode failure is propagated and nothing is stored, so
// the next call retries.
func (c *Cache[K, L]) Load(item L) (*atlas.Pixmap, error) {
	key := item.CacheKey()
	if e, ok := c.entries[key]; ok {
		e.lastTouched = c.generation
		return e.pixmap, nil
	}
	pm, err := item.Decode()
	if err != nil {
		return nil, err
	}
	if c.entries == nil {
		c.entries = make(map[K]*cacheEntry)
	}
	c.entries[key] = &cacheEntry{pixmap: pm, lastTouched: c.generation}
	return pm, nil
}

// Upload returns the atlas entry for item, decoding and uploading on
// first use. Repeated calls within one generation reuse the stored
// placement with no decode and no GPU cost. The second result is false
// when the content has zero area and nothing was placed; an error means
// the item was neither decoded nor placed (decode failure) or decoded but
// not placed (atlas failure), and the caller should skip it this frame.
func (c *Cache[K, L]) Upload(item L, a *atlas.Atlas) (atlas.Entry, bool, error) {
	key := item.CacheKey()
	if e, ok := c.entries[key]; ok && e.uploaded {
		e.lastTouched = c.generation
		return e.placement, true, nil
	}

	pm, err := c.Load(item)
	if err != nil {
		return atlas.Entry{}, false, err
	}
	if pm.Width() == 0 || pm.Height() == 0 {
		return atlas.Entry{}, false, nil
	}

	//nolint:gosec // pixmap dimensions are non-negative
	placement, err := a.Upload(uint32(pm.Width()), uint32(pm.Height()), pm.Data())
	if err != nil {
		return atlas.Entry{}, false, err
	}
	e := c.entries[key]
	e.placement = placement
	e.uploaded = true
	return placement, true, nil
}

// Trim evicts every entry not touched since the previous Trim, freeing
// its atlas allocations, then starts a new generation. Called once per
// frame this keeps exactly the content still being drawn, with one frame
// of grace for fresh entries.
func (c *Cache[K, L]) Trim(a *atlas.Atlas) {
	for key, e := range c.entries {
		if e.lastTouched < c.generation {
			if e.uploaded {
				a.Remove(e.placement)
			}
			delete(c.entries, key)
		}
	}
	c.generation++
}

// Len returns the number of live entries.
func (c *Cache[K, L]) Len() int {
	return len(c.entries)
}
