package bench

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/Faultbox/ptexcache/internal/engine/ptexgl"
	"github.com/Faultbox/ptexcache/internal/engine/terrain"
	"github.com/Faultbox/ptexcache/pkg/ptex"
)

// Brick is one landscape tile of the world with its own cache.
type Brick struct {
	Name      string
	Origin    mgl32.Vec3
	Heightmap *terrain.Heightmap
	Mesh      *ptex.QuadMesh
	Cache     *ptex.Cache

	gpu *ptexgl.Dispatcher // nil when headless
}

// World lays bricks out on a square grid over one continuous noise field.
type World struct {
	Bricks  []*Brick
	Overall *terrain.Heightmap // Whole-world heightmap for camera paths
	Bounds  terrain.Bounds
}

// gridColumns returns the column count of the most square grid holding n.
func gridColumns(n int) int {
	return int(math.Ceil(math.Sqrt(float64(n))))
}

// BuildWorld generates count bricks of grid x grid quads each.
func BuildWorld(count, grid int, patchSize float32, noise terrain.NoiseConfig) (*World, error) {
	if count < 1 {
		return nil, fmt.Errorf("world needs at least one brick, got %d", count)
	}
	cols := gridColumns(count)
	rows := (count + cols - 1) / cols
	edge := float32(grid) * patchSize

	w := &World{Bricks: make([]*Brick, 0, count)}
	for i := 0; i < count; i++ {
		origin := mgl32.Vec3{float32(i%cols) * edge, 0, float32(i/cols) * edge}
		hm, err := terrain.Generate(grid, grid, patchSize, origin.X(), origin.Z(), noise)
		if err != nil {
			return nil, fmt.Errorf("brick %d: %w", i, err)
		}
		mesh := terrain.BuildQuadMesh(hm, origin)
		b := terrain.MeshBounds(mesh)
		if i == 0 {
			w.Bounds = b
		} else {
			for k := 0; k < 3; k++ {
				w.Bounds.Min[k] = min(w.Bounds.Min[k], b.Min[k])
				w.Bounds.Max[k] = max(w.Bounds.Max[k], b.Max[k])
			}
		}
		w.Bricks = append(w.Bricks, &Brick{
			Name:      fmt.Sprintf("brick-%d", i),
			Origin:    origin,
			Heightmap: hm,
			Mesh:      mesh,
		})
	}

	overall, err := terrain.Generate(cols*grid, rows*grid, patchSize, 0, 0, noise)
	if err != nil {
		return nil, err
	}
	w.Overall = overall
	return w, nil
}

// Patches returns the total quad count of the world.
func (w *World) Patches() int {
	n := 0
	for _, b := range w.Bricks {
		n += b.Mesh.QuadCount()
	}
	return n
}
