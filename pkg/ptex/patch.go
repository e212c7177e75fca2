package ptex

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// PatchStore holds the static per-patch data of one surface mesh.
type PatchStore struct {
	corners   [][4]mgl32.Vec3
	midpoints []mgl32.Vec3
	neighbors [][4]int32
}

// NewPatchStore extracts patches from a quad mesh. Midpoints are computed
// once here; the store is replaced wholesale when the mesh is rebuilt.
func NewPatchStore(mesh *QuadMesh) (*PatchStore, error) {
	if len(mesh.Indices)%4 != 0 {
		return nil, fmt.Errorf("quad mesh has %d indices, not a multiple of 4", len(mesh.Indices))
	}
	n := mesh.QuadCount()
	if mesh.Neighbors != nil && len(mesh.Neighbors) != n {
		return nil, fmt.Errorf("quad mesh has %d neighbor records for %d quads", len(mesh.Neighbors), n)
	}

	s := &PatchStore{
		corners:   make([][4]mgl32.Vec3, n),
		midpoints: make([]mgl32.Vec3, n),
		neighbors: make([][4]int32, n),
	}
	for q := 0; q < n; q++ {
		var mid mgl32.Vec3
		for c := 0; c < 4; c++ {
			idx := mesh.Indices[q*4+c]
			if int(idx) >= len(mesh.Vertices) {
				return nil, fmt.Errorf("quad %d references vertex %d of %d", q, idx, len(mesh.Vertices))
			}
			v := mesh.Vertices[idx]
			s.corners[q][c] = v
			mid = mid.Add(v)
		}
		s.midpoints[q] = mid.Mul(0.25)
		if mesh.Neighbors != nil {
			s.neighbors[q] = mesh.Neighbors[q]
		} else {
			s.neighbors[q] = [4]int32{-1, -1, -1, -1}
		}
	}
	return s, nil
}

// Len returns the number of patches.
func (s *PatchStore) Len() int {
	return len(s.midpoints)
}

// Midpoint returns the world-space midpoint of patch i.
func (s *PatchStore) Midpoint(i int) mgl32.Vec3 {
	return s.midpoints[i]
}

// Corners returns the four corner vertices of patch i.
func (s *PatchStore) Corners(i int) [4]mgl32.Vec3 {
	return s.corners[i]
}

// Neighbors returns the neighbour patch indices of patch i.
func (s *PatchStore) Neighbors(i int) [4]int32 {
	return s.neighbors[i]
}
