package terrain

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/Faultbox/ptexcache/pkg/ptex"
)

// BuildQuadMesh turns a heightmap into the quad mesh of one brick, one quad
// per tile. Quad (x, z) has index z*TilesX+x and corners in counter-clockwise
// order seen from above. Vertices are shared between adjacent quads.
func BuildQuadMesh(h *Heightmap, origin mgl32.Vec3) *ptex.QuadMesh {
	vx, vz := h.TilesX+1, h.TilesZ+1
	mesh := &ptex.QuadMesh{
		Vertices:  make([]mgl32.Vec3, 0, vx*vz),
		Indices:   make([]uint32, 0, h.TilesX*h.TilesZ*4),
		Neighbors: make([][4]int32, 0, h.TilesX*h.TilesZ),
	}

	for z := 0; z < vz; z++ {
		for x := 0; x < vx; x++ {
			mesh.Vertices = append(mesh.Vertices, origin.Add(mgl32.Vec3{
				float32(x) * h.TileZoom,
				h.Altitudes[x][z],
				float32(z) * h.TileZoom,
			}))
		}
	}

	vertex := func(x, z int) uint32 { return uint32(z*vx + x) }
	quad := func(x, z int) int32 {
		if x < 0 || z < 0 || x >= h.TilesX || z >= h.TilesZ {
			return -1
		}
		return int32(z*h.TilesX + x)
	}

	for z := 0; z < h.TilesZ; z++ {
		for x := 0; x < h.TilesX; x++ {
			mesh.Indices = append(mesh.Indices,
				vertex(x, z), vertex(x+1, z), vertex(x+1, z+1), vertex(x, z+1))

			var n [4]int32
			n[NeighborLeft] = quad(x-1, z)
			n[NeighborRight] = quad(x+1, z)
			n[NeighborFront] = quad(x, z-1)
			n[NeighborBack] = quad(x, z+1)
			mesh.Neighbors = append(mesh.Neighbors, n)
		}
	}
	return mesh
}

// MeshBounds returns the bounding box of a mesh's vertices.
func MeshBounds(m *ptex.QuadMesh) Bounds {
	if len(m.Vertices) == 0 {
		return Bounds{}
	}
	b := Bounds{Min: m.Vertices[0], Max: m.Vertices[0]}
	for _, v := range m.Vertices[1:] {
		for i := 0; i < 3; i++ {
			b.Min[i] = min(b.Min[i], v[i])
			b.Max[i] = max(b.Max[i], v[i])
		}
	}
	return b
}

// PatrolLoop returns a closed rectangle of waypoints inset from the edges of
// a heightmap placed at origin, each at terrain height.
func PatrolLoop(h *Heightmap, origin mgl32.Vec3, inset float32) []mgl32.Vec3 {
	sx, sz := h.Size()
	inset = clampf(inset, 0, min(sx, sz)/2)
	corners := [][2]float32{
		{inset, inset},
		{sx - inset, inset},
		{sx - inset, sz - inset},
		{inset, sz - inset},
	}
	out := make([]mgl32.Vec3, len(corners))
	for i, c := range corners {
		out[i] = origin.Add(mgl32.Vec3{c[0], h.HeightAt(c[0], c[1]), c[1]})
	}
	return out
}
