package ptex

import (
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

// Default evaluator settings.
const (
	DefaultCameraCell     = 4.0
	DefaultFrustumPadding = 0.05
)

// minPatchesPerWorker keeps goroutine fan-out from dominating small bricks.
const minPatchesPerWorker = 1024

// DistanceEvaluator computes camera-relative patch distances.
type DistanceEvaluator struct {
	CameraCell     float32 // Camera position is floored to this grid
	FrustumPadding float32 // Fraction of w added to the clip bounds
	Workers        int
}

// NewDistanceEvaluator returns an evaluator with default settings.
func NewDistanceEvaluator() *DistanceEvaluator {
	return &DistanceEvaluator{
		CameraCell:     DefaultCameraCell,
		FrustumPadding: DefaultFrustumPadding,
		Workers:        1,
	}
}

// QuantizeCamera floors a position to the evaluator's camera cell so sub-cell
// jitter does not change any distance.
func (e *DistanceEvaluator) QuantizeCamera(p mgl32.Vec3) mgl32.Vec3 {
	cell := e.CameraCell
	if cell <= 0 {
		return p
	}
	floor := func(v float32) float32 {
		return float32(math.Floor(float64(v/cell))) * cell
	}
	return mgl32.Vec3{floor(p[0]), floor(p[1]), floor(p[2])}
}

// Evaluate writes one sample per patch into out. The texture location of
// each sample is taken from the active tables when given.
func (e *DistanceEvaluator) Evaluate(pose CameraPose, store *PatchStore, active *Tables, out []Sample) {
	n := store.Len()
	assertf(len(out) >= n, "sample buffer holds %d of %d patches", len(out), n)

	eye := e.QuantizeCamera(pose.Position())
	clip := pose.Projection.Mul4(pose.View)

	workers := e.Workers
	if workers < 1 {
		workers = 1
	}
	workers = min(workers, max(n/minPatchesPerWorker, 1))

	if workers == 1 {
		e.evaluateRange(0, n, eye, clip, store, active, out)
		return
	}

	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			e.evaluateRange(start, end, eye, clip, store, active, out)
		}(start, end)
	}
	wg.Wait()
}

func (e *DistanceEvaluator) evaluateRange(start, end int, eye mgl32.Vec3, clip mgl32.Mat4, store *PatchStore, active *Tables, out []Sample) {
	for i := start; i < end; i++ {
		s := Sample{Distance: store.Midpoint(i).Sub(eye).Len(), TexIndex: -1, BaseSlot: -1}
		if e.outsideFrustum(clip, store.Corners(i)) {
			s.Distance = CulledDistance
		}
		if active != nil {
			slot := active.Slots[i]
			s.TexIndex, s.BaseSlot = slot.Array, slot.Base
		}
		out[i] = s
	}
}

// outsideFrustum reports whether all four corners lie beyond the same padded
// clip plane.
func (e *DistanceEvaluator) outsideFrustum(clip mgl32.Mat4, corners [4]mgl32.Vec3) bool {
	var mask uint8 = 0x3f
	for _, c := range corners {
		p := clip.Mul4x1(c.Vec4(1))
		w := p[3]
		bound := w + e.FrustumPadding*float32(math.Abs(float64(w)))
		var out uint8
		if p[0] < -bound {
			out |= 1 << 0
		}
		if p[0] > bound {
			out |= 1 << 1
		}
		if p[1] < -bound {
			out |= 1 << 2
		}
		if p[1] > bound {
			out |= 1 << 3
		}
		if p[2] < -bound {
			out |= 1 << 4
		}
		if p[2] > bound {
			out |= 1 << 5
		}
		mask &= out
		if mask == 0 {
			return false
		}
	}
	return mask != 0
}
