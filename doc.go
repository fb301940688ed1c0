// Package atlas provides a multi-layer GPU texture atlas for 2D renderers
// built on the GoGPU ecosystem.
//
// # Overview
//
// The atlas packs variable-sized bitmap content into a small set of
// fixed-size square textures (layers). A guillotine allocator manages each
// layer's free space; content larger than one layer splits into a grid of
// fragments. Layers are append-only, so the layer count doubles as a
// version: consumers rebuild texture bindings when it changes.
//
// The sub-packages build the full upload and draw path on top:
//
//   - cache: content-addressed decode + upload memoization with
//     generation-based trim eviction
//   - raster: image content (files, encoded bytes, raw pixels)
//   - vector: re-rasterizable content rendered per target size
//   - pipeline: batched instanced drawing through a staging belt
//
// # Quick Start
//
//	pl, err := pipeline.New(device, queue, pipeline.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pl.Destroy()
//
//	photo := raster.FromPath("photo.png")
//
//	// Each frame:
//	rebound, err := pl.Prepare(encoder, []pipeline.Image{
//		pipeline.Raster(photo, pipeline.Rectangle{X: 10, Y: 10, Width: 320, Height: 240}),
//	}, pipeline.Orthographic(800, 600), 1.0)
//	_ = rebound
//	pl.Render(pass, 0, 0, 800, 600)
//	fence, value := pl.Finish()
//	queue.Submit(commandBuffers, fence, value)
//	pl.EndFrame()
//
// The Atlas and the caches can also be used directly; created without a
// device they run CPU-only, which the tests rely on.
//
// # Logging
//
// The package is silent by default. Call [SetLogger] to direct diagnostics
// from atlas and its sub-packages to an [log/slog.Logger].
package atlas
