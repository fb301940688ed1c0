package pipeline

import (
	"errors"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/atlas"
	"github.com/gogpu/atlas/raster"
	"github.com/gogpu/atlas/vector"
)

// testPipeline builds a pipeline around a CPU-only atlas, enough to
// exercise request resolution and the frame-close path.
func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	a, err := atlas.New(nil, nil, atlas.Config{Size: 256, MaxLayers: 4})
	if err != nil {
		t.Fatalf("New atlas: %v", err)
	}
	belt, err := NewStagingBelt(nil, 0)
	if err != nil {
		t.Fatalf("NewStagingBelt: %v", err)
	}
	p := &Pipeline{atlas: a, belt: belt}
	t.Cleanup(p.Destroy)
	return p
}

func solidPixels(width, height int) []byte {
	pix := make([]byte, width*height*4)
	for i := range pix {
		pix[i] = 0xFF
	}
	return pix
}

// apply runs a point through a column-major transform, dropping z.
func apply(m [16]float32, x, y float32) (cx, cy float32) {
	return m[0]*x + m[4]*y + m[12], m[1]*x + m[5]*y + m[13]
}

func TestOrthographicMapsCorners(t *testing.T) {
	m := Orthographic(800, 600)

	if x, y := apply(m, 0, 0); x != -1 || y != 1 {
		t.Errorf("top-left mapped to (%v, %v), want (-1, 1)", x, y)
	}
	if x, y := apply(m, 800, 600); x != 1 || y != -1 {
		t.Errorf("bottom-right mapped to (%v, %v), want (1, -1)", x, y)
	}
	if x, y := apply(m, 400, 300); x != 0 || y != 0 {
		t.Errorf("center mapped to (%v, %v), want (0, 0)", x, y)
	}
}

func TestRoundU32(t *testing.T) {
	tests := []struct {
		in   float32
		want uint32
	}{
		{-3, 0},
		{0, 0},
		{0.4, 0},
		{0.5, 1},
		{1.49, 1},
		{1.5, 2},
		{100, 100},
	}
	for _, tt := range tests {
		if got := roundU32(tt.in); got != tt.want {
			t.Errorf("roundU32(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.AtlasSize != atlas.DefaultAtlasSize {
		t.Errorf("AtlasSize = %d, want %d", cfg.AtlasSize, atlas.DefaultAtlasSize)
	}
	if cfg.TargetFormat != gputypes.TextureFormatBGRA8Unorm {
		t.Errorf("TargetFormat = %v, want BGRA8Unorm", cfg.TargetFormat)
	}
	if cfg.SampleCount != 1 {
		t.Errorf("SampleCount = %d, want 1", cfg.SampleCount)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", cfg.ChunkSize, DefaultChunkSize)
	}
}

func TestNewNilDevice(t *testing.T) {
	if _, err := New(nil, nil, DefaultConfig()); !errors.Is(err, ErrNilDevice) {
		t.Fatalf("New(nil, ...) error = %v, want ErrNilDevice", err)
	}
}

// nilQueueDevice satisfies hal.Device for argument checks that must
// not reach any device method.
type nilQueueDevice struct{ hal.Device }

func TestNewNilQueue(t *testing.T) {
	if _, err := New(nilQueueDevice{}, nil, DefaultConfig()); !errors.Is(err, ErrNilQueue) {
		t.Fatalf("New(device, nil, ...) error = %v, want ErrNilQueue", err)
	}
}

func TestNewFromContextNilProvider(t *testing.T) {
	if _, err := NewFromContext(nil, DefaultConfig()); !errors.Is(err, ErrNilProvider) {
		t.Fatalf("NewFromContext(nil, ...) error = %v, want ErrNilProvider", err)
	}
}

// bareProvider satisfies gpucontext.DeviceProvider without exposing
// HAL handles.
type bareProvider struct{}

func (bareProvider) Device() gpucontext.Device   { return nil }
func (bareProvider) Queue() gpucontext.Queue     { return nil }
func (bareProvider) Adapter() gpucontext.Adapter { return nil }

func (bareProvider) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatBGRA8Unorm
}

func (bareProvider) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{}
}

func TestNewFromContextNoHAL(t *testing.T) {
	if _, err := NewFromContext(bareProvider{}, DefaultConfig()); !errors.Is(err, ErrNoHALDevice) {
		t.Fatalf("NewFromContext(bareProvider{}, ...) error = %v, want ErrNoHALDevice", err)
	}
}

func TestResolveRasterInstance(t *testing.T) {
	p := testPipeline(t)

	h := raster.FromPixels(2, 2, solidPixels(2, 2))
	got := p.resolve([]Image{Raster(h, Rectangle{X: 10, Y: 20, Width: 40, Height: 40})}, 1)

	if len(got) != 1 {
		t.Fatalf("resolve produced %d instances, want 1", len(got))
	}
	inst := got[0]
	if inst.pos != [2]float32{10, 20} {
		t.Errorf("pos = %v, want [10 20]", inst.pos)
	}
	if inst.size != [2]float32{40, 40} {
		t.Errorf("size = %v, want [40 40]", inst.size)
	}
	if want := [2]float32{0.5 / 256, 0.5 / 256}; inst.uvPos != want {
		t.Errorf("uvPos = %v, want %v", inst.uvPos, want)
	}
	if want := [2]float32{1.0 / 256, 1.0 / 256}; inst.uvSize != want {
		t.Errorf("uvSize = %v, want %v", inst.uvSize, want)
	}
	if inst.layer != 0 {
		t.Errorf("layer = %d, want 0", inst.layer)
	}
}

func TestResolveOrderPreserved(t *testing.T) {
	p := testPipeline(t)

	images := []Image{
		Raster(raster.FromPixels(4, 4, solidPixels(4, 4)), Rectangle{X: 0, Width: 10, Height: 10}),
		Raster(raster.FromPixels(8, 8, solidPixels(8, 8)), Rectangle{X: 100, Width: 10, Height: 10}),
		Raster(raster.FromPixels(16, 16, solidPixels(16, 16)), Rectangle{X: 200, Width: 10, Height: 10}),
	}
	got := p.resolve(images, 1)

	if len(got) != 3 {
		t.Fatalf("resolve produced %d instances, want 3", len(got))
	}
	for i, wantX := range []float32{0, 100, 200} {
		if got[i].pos[0] != wantX {
			t.Errorf("instance %d pos.x = %v, want %v", i, got[i].pos[0], wantX)
		}
	}
}

func TestResolveDecodeFailureSkips(t *testing.T) {
	p := testPipeline(t)

	bad := raster.FromBytes([]byte("not an image"))
	good := raster.FromPixels(2, 2, solidPixels(2, 2))
	images := []Image{
		Raster(bad, Rectangle{X: 1, Width: 10, Height: 10}),
		Raster(good, Rectangle{X: 2, Width: 10, Height: 10}),
	}

	got := p.resolve(images, 1)
	if len(got) != 1 {
		t.Fatalf("resolve produced %d instances, want 1", len(got))
	}
	if got[0].pos[0] != 2 {
		t.Errorf("surviving instance pos.x = %v, want 2", got[0].pos[0])
	}

	// The failed request is retried, not poisoned.
	if got := p.resolve(images, 1); len(got) != 1 {
		t.Errorf("second resolve produced %d instances, want 1", len(got))
	}
}

// recordingRasterizer notes the size it was asked to render at.
type recordingRasterizer struct {
	requested *[2]uint32
}

func (r recordingRasterizer) NaturalSize() (uint32, uint32) { return 10, 10 }

func (r recordingRasterizer) Rasterize(width, height uint32) (*atlas.Pixmap, error) {
	*r.requested = [2]uint32{width, height}
	return atlas.NewPixmap(int(width), int(height)), nil
}

func TestResolveVectorScaled(t *testing.T) {
	p := testPipeline(t)

	var requested [2]uint32
	h := vector.NewHandle(recordingRasterizer{requested: &requested})
	got := p.resolve([]Image{Vector(h, Rectangle{X: 5, Y: 6, Width: 50, Height: 30})}, 2)

	if len(got) != 1 {
		t.Fatalf("resolve produced %d instances, want 1", len(got))
	}
	if requested != [2]uint32{100, 60} {
		t.Errorf("rasterized at %v, want [100 60]", requested)
	}
	inst := got[0]
	if inst.pos != [2]float32{5, 6} {
		t.Errorf("pos = %v, want [5 6]", inst.pos)
	}
	if inst.size != [2]float32{50, 30} {
		t.Errorf("size = %v, want [50 30]", inst.size)
	}
	if want := [2]float32{99.0 / 256, 59.0 / 256}; inst.uvSize != want {
		t.Errorf("uvSize = %v, want %v", inst.uvSize, want)
	}
}

func TestResolveZeroScaleVector(t *testing.T) {
	p := testPipeline(t)

	var requested [2]uint32
	h := vector.NewHandle(recordingRasterizer{requested: &requested})
	got := p.resolve([]Image{Vector(h, Rectangle{Width: 50, Height: 30})}, 0)

	if len(got) != 0 {
		t.Fatalf("resolve produced %d instances, want 0", len(got))
	}
	if requested != [2]uint32{} {
		t.Errorf("rasterizer ran at %v, want not at all", requested)
	}
}

func TestResolveEmptyImage(t *testing.T) {
	p := testPipeline(t)

	if got := p.resolve([]Image{{}}, 1); len(got) != 0 {
		t.Fatalf("resolve produced %d instances for the zero Image, want 0", len(got))
	}
}

// drawCall is one DrawIndexed invocation seen by recordingPass.
type drawCall struct {
	indexCount    uint32
	instanceCount uint32
	firstIndex    uint32
	baseVertex    int32
	firstInstance uint32
}

// recordingPass captures the commands recorded into a render pass.
type recordingPass struct {
	hal.RenderPassEncoder

	pipelineSets int
	bindGroups   []uint32
	vertexSlots  []uint32
	indexSets    int
	scissor      [4]uint32
	scissorSets  int
	draws        []drawCall
}

func (r *recordingPass) SetPipeline(pipeline hal.RenderPipeline) {
	r.pipelineSets++
}

func (r *recordingPass) SetBindGroup(index uint32, group hal.BindGroup, offsets []uint32) {
	r.bindGroups = append(r.bindGroups, index)
}

func (r *recordingPass) SetVertexBuffer(slot uint32, buffer hal.Buffer, offset uint64) {
	r.vertexSlots = append(r.vertexSlots, slot)
}

func (r *recordingPass) SetIndexBuffer(buffer hal.Buffer, format gputypes.IndexFormat, offset uint64) {
	r.indexSets++
}

func (r *recordingPass) SetScissorRect(x, y, width, height uint32) {
	r.scissor = [4]uint32{x, y, width, height}
	r.scissorSets++
}

func (r *recordingPass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	r.draws = append(r.draws, drawCall{
		indexCount:    indexCount,
		instanceCount: instanceCount,
		firstIndex:    firstIndex,
		baseVertex:    baseVertex,
		firstInstance: firstInstance,
	})
}

func TestRenderDrawsPreparedBatches(t *testing.T) {
	p := &Pipeline{}
	for _, chunk := range chunkInstances(make([]instance, 2500)) {
		p.batches = append(p.batches, batch{count: uint32(len(chunk))})
	}

	var rp recordingPass
	p.Render(&rp, 1, 2, 300, 400)

	want := []drawCall{
		{indexCount: 6, instanceCount: MaxInstances},
		{indexCount: 6, instanceCount: MaxInstances},
		{indexCount: 6, instanceCount: 500},
	}
	if len(rp.draws) != len(want) {
		t.Fatalf("recorded %d draws, want %d", len(rp.draws), len(want))
	}
	for i := range want {
		if rp.draws[i] != want[i] {
			t.Errorf("draw %d = %+v, want %+v", i, rp.draws[i], want[i])
		}
	}
	if rp.pipelineSets != 1 {
		t.Errorf("pipeline set %d times, want 1", rp.pipelineSets)
	}
	if rp.scissorSets != 1 || rp.scissor != [4]uint32{1, 2, 300, 400} {
		t.Errorf("scissor set %d times to %v, want once to [1 2 300 400]", rp.scissorSets, rp.scissor)
	}
	if rp.indexSets != 1 {
		t.Errorf("index buffer set %d times, want 1", rp.indexSets)
	}
	if len(rp.bindGroups) != 2 || rp.bindGroups[0] != 0 || rp.bindGroups[1] != 1 {
		t.Errorf("bind group indices = %v, want [0 1]", rp.bindGroups)
	}
	if len(rp.vertexSlots) != 4 || rp.vertexSlots[0] != 0 ||
		rp.vertexSlots[1] != 1 || rp.vertexSlots[2] != 1 || rp.vertexSlots[3] != 1 {
		t.Errorf("vertex buffer slots = %v, want [0 1 1 1]", rp.vertexSlots)
	}
}

func TestRenderEmptyRecordsNothing(t *testing.T) {
	p := &Pipeline{}

	var rp recordingPass
	p.Render(&rp, 0, 0, 800, 600)

	if rp.pipelineSets != 0 || rp.scissorSets != 0 || len(rp.draws) != 0 {
		t.Errorf("empty frame recorded pipeline=%d scissor=%d draws=%d, want none",
			rp.pipelineSets, rp.scissorSets, len(rp.draws))
	}
}

func TestEndFrameEvictsIdleContent(t *testing.T) {
	p := testPipeline(t)

	h := raster.FromPixels(2, 2, solidPixels(2, 2))
	if got := p.resolve([]Image{Raster(h, Rectangle{Width: 4, Height: 4})}, 1); len(got) != 1 {
		t.Fatalf("resolve produced %d instances, want 1", len(got))
	}
	if p.rasters.Len() != 1 {
		t.Fatalf("cache holds %d entries, want 1", p.rasters.Len())
	}

	p.EndFrame()
	if p.rasters.Len() != 1 {
		t.Errorf("cache holds %d entries after one idle frame, want 1", p.rasters.Len())
	}
	p.EndFrame()
	if p.rasters.Len() != 0 {
		t.Errorf("cache holds %d entries after two idle frames, want 0", p.rasters.Len())
	}
}

func TestDimensions(t *testing.T) {
	p := testPipeline(t)

	w, h, err := p.Dimensions(raster.FromPixels(7, 3, solidPixels(7, 3)))
	if err != nil {
		t.Fatalf("Dimensions: %v", err)
	}
	if w != 7 || h != 3 {
		t.Errorf("Dimensions = %dx%d, want 7x3", w, h)
	}
}
