package raster

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gogpu/atlas"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestFromPixelsDecode(t *testing.T) {
	pix := []byte{
		128, 0, 0, 128,
		0, 64, 0, 64,
		0, 0, 255, 255,
		255, 255, 255, 255,
	}
	pm, err := FromPixels(2, 2, pix).Decode()
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if pm.Width() != 2 || pm.Height() != 2 {
		t.Fatalf("decoded size = %dx%d, want 2x2", pm.Width(), pm.Height())
	}
	if got := pm.RGBAAt(1, 1); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("RGBAAt(1,1) = %v", got)
	}
	if !bytes.Equal(pm.Data(), pix) {
		t.Error("pixel data does not round-trip")
	}
}

func TestFromPixelsBadLength(t *testing.T) {
	_, err := FromPixels(2, 2, make([]byte, 15)).Decode()
	if !errors.Is(err, ErrPixelSize) {
		t.Fatalf("Decode() = %v, want ErrPixelSize", err)
	}
}

func TestFromBytesDecode(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	src.SetNRGBA(0, 0, color.NRGBA{255, 0, 0, 128})
	src.SetNRGBA(1, 0, color.NRGBA{0, 255, 0, 255})

	pm, err := FromBytes(encodePNG(t, src)).Decode()
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if pm.Width() != 3 || pm.Height() != 2 {
		t.Fatalf("decoded size = %dx%d, want 3x2", pm.Width(), pm.Height())
	}
	// Straight alpha in the PNG becomes premultiplied in the pixmap.
	if got := pm.RGBAAt(0, 0); got != (color.RGBA{128, 0, 0, 128}) {
		t.Errorf("RGBAAt(0,0) = %v, want premultiplied {128 0 0 128}", got)
	}
	if got := pm.RGBAAt(1, 0); got != (color.RGBA{0, 255, 0, 255}) {
		t.Errorf("RGBAAt(1,0) = %v", got)
	}
}

func TestFromBytesGarbage(t *testing.T) {
	if _, err := FromBytes([]byte("not an image")).Decode(); err == nil {
		t.Fatal("Decode() = nil error for garbage data")
	}
}

func TestFromPath(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	path := filepath.Join(t.TempDir(), "img.png")
	if err := os.WriteFile(path, encodePNG(t, src), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pm, err := FromPath(path).Decode()
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if pm.Width() != 4 || pm.Height() != 3 {
		t.Errorf("decoded size = %dx%d, want 4x3", pm.Width(), pm.Height())
	}
}

func TestFromPathMissing(t *testing.T) {
	h := FromPath(filepath.Join(t.TempDir(), "missing.png"))
	if _, err := h.Decode(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Decode() = %v, want not-exist error", err)
	}
}

func TestHandleIDs(t *testing.T) {
	pix := make([]byte, 16)

	if FromBytes([]byte("abc")).ID() != FromBytes([]byte("abc")).ID() {
		t.Error("equal byte sources produce different IDs")
	}
	if FromBytes([]byte("abc")).ID() == FromBytes([]byte("abd")).ID() {
		t.Error("different byte sources share an ID")
	}
	if FromPath("a.png").ID() != FromPath("a.png").ID() {
		t.Error("equal paths produce different IDs")
	}
	if FromPath("a.png").ID() == FromPath("b.png").ID() {
		t.Error("different paths share an ID")
	}
	// Dimensions are part of the identity: same bytes, different shape.
	if FromPixels(1, 4, pix).ID() == FromPixels(2, 2, pix).ID() {
		t.Error("different dimensions share an ID")
	}
	copied := append([]byte(nil), pix...)
	if FromPixels(2, 2, pix).ID() != FromPixels(2, 2, copied).ID() {
		t.Error("identity depends on slice identity, want content")
	}
}

func TestCacheDimensions(t *testing.T) {
	var c Cache
	h := FromPixels(5, 3, make([]byte, 5*3*4))

	w, ht, err := c.Dimensions(h)
	if err != nil {
		t.Fatalf("Dimensions() = %v", err)
	}
	if w != 5 || ht != 3 {
		t.Errorf("Dimensions() = %dx%d, want 5x3", w, ht)
	}

	if _, _, err := c.Dimensions(FromPath("missing.png")); err == nil {
		t.Error("Dimensions() = nil error for a broken handle")
	}
}

func TestCacheUpload(t *testing.T) {
	a, err := atlas.New(nil, nil, atlas.Config{Size: 256})
	if err != nil {
		t.Fatalf("atlas.New() = %v", err)
	}
	var c Cache

	entry, ok, err := c.Upload(FromPixels(4, 4, make([]byte, 4*4*4)), a)
	if err != nil || !ok {
		t.Fatalf("Upload = %v, %v, %v", entry, ok, err)
	}
	if w, h := entry.Size(); w != 4 || h != 4 {
		t.Errorf("entry size = %dx%d, want 4x4", w, h)
	}

	c.Trim(a)
	c.Trim(a)
	if got := c.Len(); got != 0 {
		t.Errorf("Len() after two idle trims = %d, want 0", got)
	}
}
