// Package framebuffer reads texture array layers back to the CPU through an
// offscreen framebuffer.
package framebuffer

import (
	"fmt"

	"github.com/go-gl/gl/v4.3-core/gl"
)

// LayerReader attaches single texture array layers to a read framebuffer.
type LayerReader struct {
	fbo uint32
}

// NewLayerReader creates the framebuffer object. A GL context must be current.
func NewLayerReader() *LayerReader {
	r := &LayerReader{}
	gl.GenFramebuffers(1, &r.fbo)
	return r
}

// Read returns the RGBA8 texels of one layer at a mip level, bottom row
// first as OpenGL stores them.
func (r *LayerReader) Read(texture uint32, level, layer int32, size int32) ([]byte, error) {
	if size < 1 {
		return nil, fmt.Errorf("layer size must be positive, got %d", size)
	}

	var prevFBO int32
	gl.GetIntegerv(gl.READ_FRAMEBUFFER_BINDING, &prevFBO)
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, r.fbo)
	defer gl.BindFramebuffer(gl.READ_FRAMEBUFFER, uint32(prevFBO))

	gl.FramebufferTextureLayer(gl.READ_FRAMEBUFFER, gl.COLOR_ATTACHMENT0, texture, level, layer)
	if status := gl.CheckFramebufferStatus(gl.READ_FRAMEBUFFER); status != gl.FRAMEBUFFER_COMPLETE {
		return nil, fmt.Errorf("framebuffer incomplete for texture %d layer %d: 0x%x", texture, layer, status)
	}

	gl.ReadBuffer(gl.COLOR_ATTACHMENT0)
	pixels := make([]byte, int(size)*int(size)*4)
	gl.PixelStorei(gl.PACK_ALIGNMENT, 1)
	gl.ReadPixels(0, 0, size, size, gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(pixels))
	return pixels, nil
}

// Destroy releases the framebuffer object.
func (r *LayerReader) Destroy() {
	if r.fbo != 0 {
		gl.DeleteFramebuffers(1, &r.fbo)
		r.fbo = 0
	}
}
