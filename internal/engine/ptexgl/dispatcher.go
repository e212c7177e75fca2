package ptexgl

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/go-gl/gl/v4.3-core/gl"
	"go.uber.org/zap"

	"github.com/Faultbox/ptexcache/internal/engine/framebuffer"
	"github.com/Faultbox/ptexcache/internal/engine/shader"
	"github.com/Faultbox/ptexcache/pkg/ptex"
)

// DefaultFenceTimeout bounds how long Finish waits for the GPU.
const DefaultFenceTimeout = 2 * time.Second

// Dispatcher is the OpenGL 4.3 implementation of ptex.Dispatcher.
type Dispatcher struct {
	log          *zap.Logger
	bindless     bool
	FenceTimeout time.Duration

	program    uint32
	locRes     int32
	locComps   int32
	locJobs    int32
	quadSSBO   uint32
	stageSSBO  uint32
	jobSSBO    uint32
	paramSSBO  uint32
	layout     *ptex.Layout
	textures   []uint32
	texHandles []uint64
	imgHandles []uint64
	staged     []gpuRecord
	params     []gpuRecord
	reader     *framebuffer.LayerReader // Lazily created for tile readback
}

// New compiles the bake program and creates the shared buffers. Bindless
// handle tables are only produced when the context supports
// GL_ARB_bindless_texture.
func New(info Info, log *zap.Logger) (*Dispatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	program, err := shader.CompileCompute(bakeShader)
	if err != nil {
		return nil, fmt.Errorf("compiling bake shader: %w", err)
	}

	d := &Dispatcher{
		log:          log.Named("ptexgl"),
		bindless:     info.Bindless,
		FenceTimeout: DefaultFenceTimeout,
		program:      program,
		locRes:       shader.MustUniform(program, "uResolution"),
		locComps:     shader.MustUniform(program, "uComponents"),
		locJobs:      shader.MustUniform(program, "uJobCount"),
	}
	bufs := [4]uint32{}
	gl.GenBuffers(int32(len(bufs)), &bufs[0])
	d.quadSSBO, d.stageSSBO, d.jobSSBO, d.paramSSBO = bufs[0], bufs[1], bufs[2], bufs[3]
	if !d.bindless {
		d.log.Warn("GL_ARB_bindless_texture unavailable, handle tables stay empty")
	}
	return d, nil
}

// ParamBuffer returns the SSBO holding the renderer-visible patch records.
func (d *Dispatcher) ParamBuffer() uint32 {
	return d.paramSSBO
}

// Allocate implements ptex.Dispatcher. On failure no texture array is left
// allocated.
func (d *Dispatcher) Allocate(layout *ptex.Layout, store *ptex.PatchStore, records []ptex.PatchRecord) error {
	d.releaseArrays()
	if err := d.allocate(layout, store, records); err != nil {
		d.releaseArrays()
		return err
	}
	return nil
}

func (d *Dispatcher) allocate(layout *ptex.Layout, store *ptex.PatchStore, records []ptex.PatchRecord) error {
	_ = checkError("before allocate")

	d.textures = make([]uint32, len(layout.Arrays))
	if len(d.textures) > 0 {
		gl.GenTextures(int32(len(d.textures)), &d.textures[0])
	}
	for i, a := range layout.Arrays {
		gl.BindTexture(gl.TEXTURE_2D_ARRAY, d.textures[i])
		gl.TexStorage3D(gl.TEXTURE_2D_ARRAY, int32(a.Levels), gl.RGBA8,
			int32(a.Resolution), int32(a.Resolution), int32(a.Layers))
		if err := checkError("TexStorage3D"); err != nil {
			if errors.Is(err, errOutOfMemory) {
				return fmt.Errorf("%w: array %d (%dx%d, %d layers): %v",
					ptex.ErrOutOfTextureMemory, i, a.Resolution, a.Resolution, a.Layers, err)
			}
			return fmt.Errorf("allocating array %d: %w", i, err)
		}
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_MIN_FILTER, gl.LINEAR_MIPMAP_LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	}
	gl.BindTexture(gl.TEXTURE_2D_ARRAY, 0)
	d.layout = layout

	if d.bindless {
		d.texHandles = make([]uint64, len(d.textures))
		d.imgHandles = make([]uint64, len(d.textures))
		for i, tex := range d.textures {
			d.texHandles[i] = gl.GetTextureHandleARB(tex)
			gl.MakeTextureHandleResidentARB(d.texHandles[i])
			d.imgHandles[i] = gl.GetImageHandleARB(tex, 0, true, 0, gl.RGBA8)
			gl.MakeImageHandleResidentARB(d.imgHandles[i], gl.READ_WRITE)
		}
	}

	n := store.Len()
	quads := packQuads(store)
	d.staged = make([]gpuRecord, n)
	d.params = make([]gpuRecord, n)
	if n == 0 {
		return nil
	}
	if err := d.uploadBuffer(d.quadSSBO, bindingQuads, len(quads)*4, unsafe.Pointer(&quads[0]), gl.STATIC_DRAW); err != nil {
		return err
	}
	if err := d.uploadBuffer(d.stageSSBO, bindingStaging, n*gpuRecordSize, nil, gl.DYNAMIC_DRAW); err != nil {
		return err
	}
	if err := d.uploadBuffer(d.paramSSBO, bindingParams, n*gpuRecordSize, nil, gl.DYNAMIC_DRAW); err != nil {
		return err
	}

	// Static vista tiles, one per patch.
	all := make([]int32, n)
	slots := make([]ptex.Slot, n)
	for p := range all {
		all[p] = int32(p)
		slots[p] = layout.VistaSlot(p)
	}
	vista := layout.Vista()
	if err := d.UploadAssignments(all, records); err != nil {
		return err
	}
	if err := d.BakeTiles(vista, layout.Bins[vista].Spec.Resolution, all, slots); err != nil {
		return fmt.Errorf("baking vista tiles: %w", err)
	}
	bl := layout.Bins[vista]
	arrays := make([]int32, bl.Arrays)
	for i := range arrays {
		arrays[i] = int32(bl.FirstArray + i)
	}
	if err := d.GenerateMips(vista, arrays); err != nil {
		return err
	}
	return d.Finish()
}

func (d *Dispatcher) uploadBuffer(buf, binding uint32, size int, data unsafe.Pointer, usage uint32) error {
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, buf)
	gl.BufferData(gl.SHADER_STORAGE_BUFFER, size, data, usage)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, binding, buf)
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, 0)
	if err := checkError("BufferData"); err != nil {
		if errors.Is(err, errOutOfMemory) {
			return fmt.Errorf("%w: buffer of %d bytes", ptex.ErrOutOfTextureMemory, size)
		}
		return err
	}
	return nil
}

func (d *Dispatcher) uploadRange(buf uint32, mirror []gpuRecord, first, last int32) {
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, buf)
	gl.BufferSubData(gl.SHADER_STORAGE_BUFFER, int(first)*gpuRecordSize,
		int(last-first+1)*gpuRecordSize, unsafe.Pointer(&mirror[first]))
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, 0)
}

// UploadAssignments implements ptex.Dispatcher.
func (d *Dispatcher) UploadAssignments(patches []int32, records []ptex.PatchRecord) error {
	first, last, ok := stage(d.staged, patches, records)
	if !ok {
		return nil
	}
	d.uploadRange(d.stageSSBO, d.staged, first, last)
	gl.MemoryBarrier(gl.SHADER_STORAGE_BARRIER_BIT)
	return checkError("uploading assignments")
}

// BakeTiles implements ptex.Dispatcher with one compute dispatch per target
// array.
func (d *Dispatcher) BakeTiles(bin ptex.BinID, resolution int, patches []int32, slots []ptex.Slot) error {
	gl.UseProgram(d.program)
	gl.Uniform1i(d.locRes, int32(resolution))
	gl.Uniform1i(d.locComps, int32(d.layout.ComponentsPerTile))
	groups := workGroups(resolution)

	for _, g := range groupByArray(patches, slots) {
		gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, d.jobSSBO)
		gl.BufferData(gl.SHADER_STORAGE_BUFFER, len(g.jobs)*4, unsafe.Pointer(&g.jobs[0]), gl.STREAM_DRAW)
		gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, bindingJobs, d.jobSSBO)

		gl.BindImageTexture(0, d.textures[g.array], 0, true, 0, gl.WRITE_ONLY, gl.RGBA8)
		gl.Uniform1i(d.locJobs, int32(len(g.jobs)))
		gl.DispatchCompute(groups, groups, uint32(len(g.jobs)))
	}
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, 0)
	gl.UseProgram(0)

	gl.MemoryBarrier(gl.SHADER_IMAGE_ACCESS_BARRIER_BIT | gl.TEXTURE_FETCH_BARRIER_BIT | gl.TEXTURE_UPDATE_BARRIER_BIT)
	if err := checkError(fmt.Sprintf("baking %d tiles of bin %d", len(patches), bin)); err != nil {
		return err
	}
	d.log.Debug("bake dispatched", zap.Int("bin", int(bin)), zap.Int("tiles", len(patches)))
	return nil
}

// GenerateMips implements ptex.Dispatcher.
func (d *Dispatcher) GenerateMips(bin ptex.BinID, arrays []int32) error {
	for _, a := range arrays {
		gl.BindTexture(gl.TEXTURE_2D_ARRAY, d.textures[a])
		gl.GenerateMipmap(gl.TEXTURE_2D_ARRAY)
	}
	gl.BindTexture(gl.TEXTURE_2D_ARRAY, 0)
	return checkError(fmt.Sprintf("regenerating mips of bin %d", bin))
}

// Finish implements ptex.Dispatcher by waiting on a fence.
func (d *Dispatcher) Finish() error {
	fence := gl.FenceSync(gl.SYNC_GPU_COMMANDS_COMPLETE, 0)
	defer gl.DeleteSync(fence)

	switch gl.ClientWaitSync(fence, gl.SYNC_FLUSH_COMMANDS_BIT, uint64(d.FenceTimeout.Nanoseconds())) {
	case gl.ALREADY_SIGNALED, gl.CONDITION_SATISFIED:
		return nil
	case gl.TIMEOUT_EXPIRED:
		return fmt.Errorf("GPU did not finish within %v", d.FenceTimeout)
	}
	if err := checkError("ClientWaitSync"); err != nil {
		return err
	}
	return errors.New("ClientWaitSync failed")
}

// Publish implements ptex.Dispatcher.
func (d *Dispatcher) Publish(patches []int32, records []ptex.PatchRecord) error {
	first, last, ok := stage(d.params, patches, records)
	if !ok {
		return nil
	}
	d.uploadRange(d.paramSSBO, d.params, first, last)
	gl.MemoryBarrier(gl.SHADER_STORAGE_BARRIER_BIT)
	return checkError("publishing records")
}

// Handles implements ptex.Dispatcher.
func (d *Dispatcher) Handles() (textures, images []uint64) {
	return d.texHandles, d.imgHandles
}

// Release implements ptex.Dispatcher.
func (d *Dispatcher) Release() {
	d.releaseArrays()
	bufs := [4]uint32{d.quadSSBO, d.stageSSBO, d.jobSSBO, d.paramSSBO}
	gl.DeleteBuffers(int32(len(bufs)), &bufs[0])
	gl.DeleteProgram(d.program)
	d.program = 0
	if d.reader != nil {
		d.reader.Destroy()
		d.reader = nil
	}
}

func (d *Dispatcher) releaseArrays() {
	for i := range d.texHandles {
		gl.MakeImageHandleNonResidentARB(d.imgHandles[i])
		gl.MakeTextureHandleNonResidentARB(d.texHandles[i])
	}
	d.texHandles, d.imgHandles = nil, nil
	if len(d.textures) > 0 {
		gl.DeleteTextures(int32(len(d.textures)), &d.textures[0])
	}
	d.textures = nil
	d.layout = nil
}

var _ ptex.Dispatcher = (*Dispatcher)(nil)

// ReadTile reads the component layers of the tile in slot back from the GPU
// at a mip level. It returns one RGBA8 image per component and their edge
// length.
func (d *Dispatcher) ReadTile(slot ptex.Slot, level int) ([][]byte, int, error) {
	if d.layout == nil || int(slot.Array) >= len(d.textures) || !slot.Valid() {
		return nil, 0, fmt.Errorf("no texture array for slot %v", slot)
	}
	desc := d.layout.Arrays[slot.Array]
	if level < 0 || level >= desc.Levels {
		return nil, 0, fmt.Errorf("mip level %d out of range [0, %d)", level, desc.Levels)
	}
	size := max(desc.Resolution>>level, 1)

	if d.reader == nil {
		d.reader = framebuffer.NewLayerReader()
	}
	comps := d.layout.ComponentsPerTile
	layers := make([][]byte, comps)
	for c := 0; c < comps; c++ {
		px, err := d.reader.Read(d.textures[slot.Array], int32(level), slot.Base+int32(c), int32(size))
		if err != nil {
			return nil, 0, err
		}
		layers[c] = px
	}
	return layers, size, checkError("ReadTile")
}
