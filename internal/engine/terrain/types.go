// Package terrain generates the landscape bricks whose surface quads the
// ptex cache textures.
package terrain

import "github.com/go-gl/mathgl/mgl32"

// Heightmap holds vertex altitudes of a regular grid of square tiles.
type Heightmap struct {
	Altitudes [][]float32 // [x][z] vertex heights, (TilesX+1) x (TilesZ+1)
	TilesX    int         // Number of tiles in X direction
	TilesZ    int         // Number of tiles in Z direction
	TileZoom  float32     // Size of each tile in world units
}

// Bounds holds an axis-aligned bounding box.
type Bounds struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

// Neighbor slots of a quad in ptex.QuadMesh.Neighbors.
const (
	NeighborLeft  = 0 // -X
	NeighborRight = 1 // +X
	NeighborFront = 2 // -Z
	NeighborBack  = 3 // +Z
)
