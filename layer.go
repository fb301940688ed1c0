package atlas

import "github.com/gogpu/wgpu/hal"

// layer is one fixed-size square texture of the atlas together with the
// allocator managing its free space. texture and view are nil when the
// atlas runs without a device (CPU-only test mode).
type layer struct {
	allocator *Allocator
	texture   hal.Texture
	view      hal.TextureView
}

func (l *layer) destroy(device hal.Device) {
	if l.view != nil {
		device.DestroyTextureView(l.view)
		l.view = nil
	}
	if l.texture != nil {
		device.DestroyTexture(l.texture)
		l.texture = nil
	}
}
