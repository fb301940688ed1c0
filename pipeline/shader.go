package pipeline

import (
	_ "embed"
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

//go:embed shaders/image.wgsl
var imageShaderWGSL string

// compileShader compiles WGSL source to SPIR-V words.
func compileShader(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("pipeline: compile shader: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("pipeline: SPIR-V length %d is not word aligned", len(spirvBytes))
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// createShaderModule compiles the image shader and wraps it in a HAL
// module.
func createShaderModule(device hal.Device, label string) (hal.ShaderModule, error) {
	words, err := compileShader(imageShaderWGSL)
	if err != nil {
		return nil, err
	}
	return device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: words},
	})
}
