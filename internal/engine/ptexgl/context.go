// Package ptexgl implements the ptex cache's GPU surface on OpenGL 4.3:
// texture arrays, compute bakes, mip regeneration and bindless handle
// tables. Every call must be made on the thread owning the GL context.
package ptexgl

import (
	"errors"
	"fmt"

	"github.com/go-gl/gl/v4.3-core/gl"
	"go.uber.org/zap"

	"github.com/Faultbox/ptexcache/internal/logger"
)

// Info describes the context the dispatcher runs on.
type Info struct {
	Version        string
	Renderer       string
	MaxArrayLayers int
	Bindless       bool
}

// Init loads the OpenGL function pointers. Call it after the context is
// current.
func Init() (Info, error) {
	if err := gl.Init(); err != nil {
		return Info{}, fmt.Errorf("failed to initialize OpenGL: %w", err)
	}

	var layers int32
	gl.GetIntegerv(gl.MAX_ARRAY_TEXTURE_LAYERS, &layers)
	info := Info{
		Version:        gl.GoStr(gl.GetString(gl.VERSION)),
		Renderer:       gl.GoStr(gl.GetString(gl.RENDERER)),
		MaxArrayLayers: int(layers),
		Bindless:       hasExtension("GL_ARB_bindless_texture"),
	}
	logger.Info("OpenGL initialized",
		zap.String("version", info.Version),
		zap.String("renderer", info.Renderer),
		zap.Int("maxArrayLayers", info.MaxArrayLayers),
		zap.Bool("bindless", info.Bindless))
	return info, nil
}

func hasExtension(name string) bool {
	var n int32
	gl.GetIntegerv(gl.NUM_EXTENSIONS, &n)
	for i := int32(0); i < n; i++ {
		if gl.GoStr(gl.GetStringi(gl.EXTENSIONS, uint32(i))) == name {
			return true
		}
	}
	return false
}

// errOutOfMemory is reported by checkError for GL_OUT_OF_MEMORY.
var errOutOfMemory = errors.New("GL_OUT_OF_MEMORY")

// checkError drains the GL error queue and returns the first error seen.
func checkError(op string) error {
	var first uint32
	for code := gl.GetError(); code != gl.NO_ERROR; code = gl.GetError() {
		if first == 0 {
			first = code
		}
	}
	switch first {
	case 0:
		return nil
	case gl.OUT_OF_MEMORY:
		return fmt.Errorf("%s: %w", op, errOutOfMemory)
	}
	return fmt.Errorf("%s: GL error 0x%04x", op, first)
}
