// Package ptex implements the host-side bookkeeping of the landscape brick
// virtual-texture cache: patch distance evaluation, LOD bin classification,
// slot allocation across bins and the double-buffered state the renderer reads.
//
// Nothing in this package talks to a graphics API. GPU work is expressed
// through the Dispatcher interface and driven by the Scheduler.
package ptex

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// BinID identifies an LOD bin. Bins are ordered finest (0) to coarsest; the
// last bin of a layout is the vista bin.
type BinID int8

// Unassigned is the bin of every patch after a rebuild and before the first
// classification pass.
const Unassigned BinID = -1

// CulledDistance is written for patches rejected by the frustum test. It
// sorts after every finite distance and always lands in the vista bin.
var CulledDistance = float32(math.Inf(1))

// Slot addresses one tile: a texture array and the first layer of the
// tile's material component group inside it.
type Slot struct {
	Array int32
	Base  int32
}

// NoSlot is held by patches without a dedicated tile.
var NoSlot = Slot{Array: -1, Base: -1}

// Valid reports whether s addresses a tile.
func (s Slot) Valid() bool {
	return s.Array >= 0 && s.Base >= 0
}

// Less orders slots by (array, base).
func (s Slot) Less(o Slot) bool {
	if s.Array != o.Array {
		return s.Array < o.Array
	}
	return s.Base < o.Base
}

func (s Slot) String() string {
	if !s.Valid() {
		return "slot(none)"
	}
	return fmt.Sprintf("slot(%d:%d)", s.Array, s.Base)
}

// BinSpec describes one LOD bin.
type BinSpec struct {
	Resolution int     // Tile edge in texels
	Capacity   int     // Slot count, filled in by PlanBudget for intermediate bins
	Threshold  float32 // Upper camera distance bound, +Inf or 0 for none
}

// Unbounded reports whether the bin has no distance bound.
func (b BinSpec) Unbounded() bool {
	return math.IsInf(float64(b.Threshold), 1) || b.Threshold <= 0
}

// PatchRecord is the per-quad parameter record shared with the renderer.
// Array/Base point at the patch's current tile; vista patches point at
// their static vista tile.
type PatchRecord struct {
	Neighbors [4]int32
	Tag       uint32
	Array     int32
	Base      int32
}

// Sample is the per-patch output of distance evaluation.
type Sample struct {
	Distance float32
	TexIndex int32
	BaseSlot int32
}

// CameraPose is the camera state consumed once per tick.
type CameraPose struct {
	View       mgl32.Mat4
	Projection mgl32.Mat4
}

// Position returns the world-space eye position.
func (p CameraPose) Position() mgl32.Vec3 {
	return p.View.Inv().Col(3).Vec3()
}

// QuadMesh is the surface produced by the reconstruction collaborator. Every
// four consecutive indices form one quad, which is one patch.
type QuadMesh struct {
	Vertices  []mgl32.Vec3
	Indices   []uint32
	Neighbors [][4]int32 // Per quad, -1 for none
}

// QuadCount returns the number of quads (patches) in the mesh.
func (m *QuadMesh) QuadCount() int {
	return len(m.Indices) / 4
}
