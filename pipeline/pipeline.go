// Package pipeline renders cached raster and vector images as
// instanced textured quads sampling from a shared texture atlas.
//
// A Pipeline owns the atlas, the content caches, and the GPU objects
// needed to draw. Each frame the caller submits an ordered list of
// draw requests to Prepare, records the resulting batches with Render
// inside a render pass, submits with the fence returned by Finish, and
// closes the frame with EndFrame. All methods must be called from the
// single goroutine that owns the frame.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/atlas"
	"github.com/gogpu/atlas/raster"
	"github.com/gogpu/atlas/vector"
)

// MaxLayers is the number of atlas layers the pipeline can bind. The
// image shader declares one texture binding per layer.
const MaxLayers = 16

// Pipeline errors.
var (
	// ErrNilDevice is returned when creating a pipeline without a device.
	ErrNilDevice = errors.New("pipeline: nil device")

	// ErrNilQueue is returned when creating a pipeline without a queue.
	ErrNilQueue = errors.New("pipeline: nil queue")

	// ErrNilProvider is returned when creating a pipeline from a nil
	// device provider.
	ErrNilProvider = errors.New("pipeline: nil device provider")

	// ErrNoHALDevice is returned when a device provider does not expose
	// HAL device and queue handles.
	ErrNoHALDevice = errors.New("pipeline: provider does not expose HAL device")
)

// Config holds pipeline configuration.
type Config struct {
	// AtlasSize is the side length of each atlas layer in pixels.
	// Zero selects atlas.DefaultAtlasSize.
	AtlasSize uint32

	// TargetFormat is the texture format of the render target. Zero
	// selects BGRA8Unorm.
	TargetFormat gputypes.TextureFormat

	// SampleCount is the MSAA sample count of the render target. Zero
	// selects 1.
	SampleCount uint32

	// ChunkSize is the staging belt chunk capacity in bytes. Zero
	// selects DefaultChunkSize.
	ChunkSize uint64

	// Label prefixes the debug labels of GPU objects.
	Label string
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		AtlasSize:    atlas.DefaultAtlasSize,
		TargetFormat: gputypes.TextureFormatBGRA8Unorm,
		SampleCount:  1,
		ChunkSize:    DefaultChunkSize,
	}
}

// batch is one instanced draw recorded by Prepare.
type batch struct {
	buffer hal.Buffer
	count  uint32
}

// Pipeline draws raster and vector images from a shared texture atlas.
type Pipeline struct {
	device hal.Device
	queue  hal.Queue

	atlas   *atlas.Atlas
	rasters raster.Cache
	vectors vector.Cache
	belt    *StagingBelt

	shader        hal.ShaderModule
	uniformLayout hal.BindGroupLayout
	layerLayout   hal.BindGroupLayout
	pipeLayout    hal.PipelineLayout
	pipeline      hal.RenderPipeline
	sampler       hal.Sampler

	uniformBuffer hal.Buffer
	vertexBuffer  hal.Buffer
	indexBuffer   hal.Buffer

	uniformGroup hal.BindGroup
	layerGroup   hal.BindGroup
	boundLayers  int

	instanceBuffers []hal.Buffer
	batches         []batch

	label       string
	format      gputypes.TextureFormat
	sampleCount uint32
}

// New creates a pipeline rendering to targets of the configured format.
func New(device hal.Device, queue hal.Queue, cfg Config) (*Pipeline, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if queue == nil {
		return nil, ErrNilQueue
	}
	if cfg.TargetFormat == 0 {
		cfg.TargetFormat = gputypes.TextureFormatBGRA8Unorm
	}
	if cfg.SampleCount == 0 {
		cfg.SampleCount = 1
	}
	if cfg.Label == "" {
		cfg.Label = "image-pipeline"
	}

	a, err := atlas.New(device, queue, atlas.Config{
		Size:      cfg.AtlasSize,
		MaxLayers: MaxLayers,
		Label:     cfg.Label + "-atlas",
	})
	if err != nil {
		return nil, err
	}
	belt, err := NewStagingBelt(device, cfg.ChunkSize)
	if err != nil {
		a.Destroy()
		return nil, err
	}

	p := &Pipeline{
		device:      device,
		queue:       queue,
		atlas:       a,
		belt:        belt,
		label:       cfg.Label,
		format:      cfg.TargetFormat,
		sampleCount: cfg.SampleCount,
	}
	if err := p.createResources(); err != nil {
		p.Destroy()
		return nil, err
	}
	atlas.Logger().Info("image pipeline initialized",
		"atlasSize", a.Size(), "format", cfg.TargetFormat, "samples", cfg.SampleCount)
	return p, nil
}

// NewFromContext creates a pipeline on the device shared by a
// gpucontext provider. The render target format defaults to the
// provider's surface format.
func NewFromContext(provider gpucontext.DeviceProvider, cfg Config) (*Pipeline, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHALDevice
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHALDevice)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHALDevice)
	}
	if cfg.TargetFormat == 0 {
		cfg.TargetFormat = provider.SurfaceFormat()
	}
	return New(device, queue, cfg)
}

func (p *Pipeline) createResources() error {
	shader, err := createShaderModule(p.device, p.label+"-shader")
	if err != nil {
		return err
	}
	p.shader = shader

	// Group 0: transform uniform and atlas sampler.
	uniformLayout, err := p.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: p.label + "-uniform-layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageVertex,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("pipeline: create uniform layout: %w", err)
	}
	p.uniformLayout = uniformLayout

	// Group 1: one texture binding per possible atlas layer.
	layerEntries := make([]gputypes.BindGroupLayoutEntry, MaxLayers)
	for i := range layerEntries {
		layerEntries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i), //nolint:gosec // MaxLayers fits uint32
			Visibility: gputypes.ShaderStageFragment,
			Texture: &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		}
	}
	layerLayout, err := p.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   p.label + "-layer-layout",
		Entries: layerEntries,
	})
	if err != nil {
		return fmt.Errorf("pipeline: create layer layout: %w", err)
	}
	p.layerLayout = layerLayout

	pipeLayout, err := p.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            p.label + "-layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.uniformLayout, p.layerLayout},
	})
	if err != nil {
		return fmt.Errorf("pipeline: create pipeline layout: %w", err)
	}
	p.pipeLayout = pipeLayout

	sampler, err := p.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        p.label + "-sampler",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeLinear,
	})
	if err != nil {
		return fmt.Errorf("pipeline: create sampler: %w", err)
	}
	p.sampler = sampler

	premulBlend := gputypes.BlendStatePremultiplied()
	pipeline, err := p.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  p.label,
		Layout: p.pipeLayout,
		Vertex: hal.VertexState{
			Module:     p.shader,
			EntryPoint: "vs_main",
			Buffers:    vertexLayouts(),
		},
		Fragment: &hal.FragmentState{
			Module:     p.shader,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{
					Format:    p.format,
					Blend:     &premulBlend,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: p.sampleCount,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return fmt.Errorf("pipeline: create render pipeline: %w", err)
	}
	p.pipeline = pipeline

	uniformBuffer, err := p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: p.label + "-transform",
		Size:  transformSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("pipeline: create uniform buffer: %w", err)
	}
	p.uniformBuffer = uniformBuffer

	vertexData := encodeQuadVertices()
	vertexBuffer, err := p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: p.label + "-vertices",
		Size:  uint64(len(vertexData)),
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("pipeline: create vertex buffer: %w", err)
	}
	p.vertexBuffer = vertexBuffer
	p.queue.WriteBuffer(p.vertexBuffer, 0, vertexData)

	indexData := encodeQuadIndices()
	indexBuffer, err := p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: p.label + "-indices",
		Size:  uint64(len(indexData)),
		Usage: gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("pipeline: create index buffer: %w", err)
	}
	p.indexBuffer = indexBuffer
	p.queue.WriteBuffer(p.indexBuffer, 0, indexData)

	uniformGroup, err := p.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  p.label + "-uniform-group",
		Layout: p.uniformLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{
				Buffer: p.uniformBuffer.NativeHandle(), Offset: 0, Size: transformSize,
			}},
			{Binding: 1, Resource: gputypes.SamplerBinding{
				Sampler: p.sampler.NativeHandle(),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("pipeline: create uniform group: %w", err)
	}
	p.uniformGroup = uniformGroup

	return p.rebuildLayerGroup()
}

// vertexLayouts describes the two vertex buffers: the shared unit quad
// and the per-instance data.
func vertexLayouts() []gputypes.VertexBufferLayout {
	return []gputypes.VertexBufferLayout{
		{
			ArrayStride: 8,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0}, // quad
			},
		},
		{
			ArrayStride: instanceStride,
			StepMode:    gputypes.VertexStepModeInstance,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 1},  // pos
				{Format: gputypes.VertexFormatFloat32x2, Offset: 8, ShaderLocation: 2},  // size
				{Format: gputypes.VertexFormatFloat32x2, Offset: 16, ShaderLocation: 3}, // uv_pos
				{Format: gputypes.VertexFormatFloat32x2, Offset: 24, ShaderLocation: 4}, // uv_size
				{Format: gputypes.VertexFormatUint32, Offset: 32, ShaderLocation: 5},    // layer
			},
		},
	}
}

// rebuildLayerGroup recreates the layer bind group from the atlas's
// current texture views. Slots past the last live layer repeat it so
// the group always carries MaxLayers entries.
func (p *Pipeline) rebuildLayerGroup() error {
	count := p.atlas.LayerCount()
	if count > MaxLayers {
		count = MaxLayers
	}
	entries := make([]gputypes.BindGroupEntry, MaxLayers)
	for i := range entries {
		idx := min(i, count-1)
		view := p.atlas.View(idx)
		if view == nil {
			return fmt.Errorf("pipeline: atlas layer %d has no view", idx)
		}
		entries[i] = gputypes.BindGroupEntry{
			Binding:  uint32(i), //nolint:gosec // MaxLayers fits uint32
			Resource: gputypes.TextureViewBinding{TextureView: view.NativeHandle()},
		}
	}

	group, err := p.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   p.label + "-layer-group",
		Layout:  p.layerLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("pipeline: create layer group: %w", err)
	}
	if p.layerGroup != nil {
		p.device.DestroyBindGroup(p.layerGroup)
	}
	p.layerGroup = group
	p.boundLayers = count
	return nil
}

// Prepare resolves the frame's draw requests into instance batches and
// stages the transform and instance data for upload through encoder.
//
// Requests whose content fails to decode or place are logged and
// skipped; they are retried next frame. scale converts the logical
// bounds of vector requests to pixels. The returned flag reports
// whether the atlas grew and the layer bindings were rebuilt since the
// previous Prepare.
func (p *Pipeline) Prepare(encoder hal.CommandEncoder, images []Image, transform [16]float32, scale float32) (rebound bool, err error) {
	p.batches = p.batches[:0]

	instances := p.resolve(images, scale)

	if p.atlas.LayerCount() != p.boundLayers {
		if err := p.rebuildLayerGroup(); err != nil {
			return false, err
		}
		rebound = true
	}
	if len(instances) == 0 {
		return rebound, nil
	}

	if err := p.belt.Write(p.queue, encoder, p.uniformBuffer, 0, encodeTransform(transform)); err != nil {
		return rebound, err
	}
	for i, chunk := range chunkInstances(instances) {
		buf, err := p.instanceBuffer(i)
		if err != nil {
			return rebound, err
		}
		if err := p.belt.Write(p.queue, encoder, buf, 0, encodeInstances(chunk)); err != nil {
			return rebound, err
		}
		p.batches = append(p.batches, batch{buffer: buf, count: uint32(len(chunk))}) //nolint:gosec // chunks hold at most MaxInstances
	}
	return rebound, nil
}

// resolve uploads each request's content and expands the resulting
// atlas entries into instances, preserving request order.
func (p *Pipeline) resolve(images []Image, scale float32) []instance {
	var instances []instance
	for _, img := range images {
		switch img.kind {
		case kindRaster:
			entry, ok, err := p.rasters.Upload(img.raster, p.atlas)
			if err != nil {
				atlas.Logger().Warn("raster upload failed", "id", img.raster.ID(), "error", err)
				continue
			}
			if !ok {
				continue
			}
			instances = appendInstances(instances, entry, img.bounds, p.atlas.Size())
		case kindVector:
			width := roundU32(img.bounds.Width * scale)
			height := roundU32(img.bounds.Height * scale)
			entry, ok, err := p.vectors.Upload(img.vector, width, height, p.atlas)
			if err != nil {
				atlas.Logger().Warn("vector upload failed", "id", img.vector.ID(), "error", err)
				continue
			}
			if !ok {
				continue
			}
			instances = appendInstances(instances, entry, img.bounds, p.atlas.Size())
		case kindNone:
		}
	}
	return instances
}

func roundU32(v float32) uint32 {
	if v <= 0 {
		return 0
	}
	return uint32(v + 0.5)
}

// instanceBuffer returns the i-th instance buffer, creating it on
// first use. Buffers are sized for MaxInstances and kept across frames.
func (p *Pipeline) instanceBuffer(i int) (hal.Buffer, error) {
	for len(p.instanceBuffers) <= i {
		buf, err := p.device.CreateBuffer(&hal.BufferDescriptor{
			Label: fmt.Sprintf("%s-instances-%d", p.label, len(p.instanceBuffers)),
			Size:  MaxInstances * instanceStride,
			Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: create instance buffer: %w", err)
		}
		p.instanceBuffers = append(p.instanceBuffers, buf)
	}
	return p.instanceBuffers[i], nil
}

// Render records the prepared batches into an active render pass,
// clipped to the given scissor rectangle. It records nothing when the
// last Prepare produced no instances.
func (p *Pipeline) Render(rp hal.RenderPassEncoder, clipX, clipY, clipWidth, clipHeight uint32) {
	if len(p.batches) == 0 {
		return
	}
	rp.SetPipeline(p.pipeline)
	rp.SetBindGroup(0, p.uniformGroup, nil)
	rp.SetBindGroup(1, p.layerGroup, nil)
	rp.SetScissorRect(clipX, clipY, clipWidth, clipHeight)
	rp.SetVertexBuffer(0, p.vertexBuffer, 0)
	rp.SetIndexBuffer(p.indexBuffer, gputypes.IndexFormatUint16, 0)
	for _, b := range p.batches {
		rp.SetVertexBuffer(1, b.buffer, 0)
		rp.DrawIndexed(6, b.count, 0, 0, 0)
	}
}

// Finish seals the frame's staged writes. The returned fence and value
// must be passed to the queue submit that carries the frame's command
// buffer.
func (p *Pipeline) Finish() (hal.Fence, uint64) {
	return p.belt.Finish()
}

// EndFrame evicts cache entries unused since the previous frame and
// reclaims staging chunks whose submissions completed. Call once per
// frame after submitting.
func (p *Pipeline) EndFrame() {
	p.rasters.Trim(p.atlas)
	p.vectors.Trim(p.atlas)
	p.belt.Recall()
}

// Dimensions reports the pixel size of a raster image, decoding it
// through the pipeline's cache.
func (p *Pipeline) Dimensions(h raster.Handle) (width, height uint32, err error) {
	return p.rasters.Dimensions(h)
}

// Atlas returns the texture atlas backing this pipeline.
func (p *Pipeline) Atlas() *atlas.Atlas {
	return p.atlas
}

// Destroy releases all GPU resources. Safe to call more than once.
func (p *Pipeline) Destroy() {
	if p.device != nil {
		if p.layerGroup != nil {
			p.device.DestroyBindGroup(p.layerGroup)
			p.layerGroup = nil
		}
		if p.uniformGroup != nil {
			p.device.DestroyBindGroup(p.uniformGroup)
			p.uniformGroup = nil
		}
		for _, buf := range p.instanceBuffers {
			p.device.DestroyBuffer(buf)
		}
		p.instanceBuffers = nil
		if p.indexBuffer != nil {
			p.device.DestroyBuffer(p.indexBuffer)
			p.indexBuffer = nil
		}
		if p.vertexBuffer != nil {
			p.device.DestroyBuffer(p.vertexBuffer)
			p.vertexBuffer = nil
		}
		if p.uniformBuffer != nil {
			p.device.DestroyBuffer(p.uniformBuffer)
			p.uniformBuffer = nil
		}
		if p.pipeline != nil {
			p.device.DestroyRenderPipeline(p.pipeline)
			p.pipeline = nil
		}
		if p.sampler != nil {
			p.device.DestroySampler(p.sampler)
			p.sampler = nil
		}
		if p.pipeLayout != nil {
			p.device.DestroyPipelineLayout(p.pipeLayout)
			p.pipeLayout = nil
		}
		if p.layerLayout != nil {
			p.device.DestroyBindGroupLayout(p.layerLayout)
			p.layerLayout = nil
		}
		if p.uniformLayout != nil {
			p.device.DestroyBindGroupLayout(p.uniformLayout)
			p.uniformLayout = nil
		}
		if p.shader != nil {
			p.device.DestroyShaderModule(p.shader)
			p.shader = nil
		}
	}
	if p.belt != nil {
		p.belt.Destroy()
		p.belt = nil
	}
	if p.atlas != nil {
		p.atlas.Destroy()
		p.atlas = nil
	}
	p.batches = nil
}
