package ptex

import (
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

var inf = float32(math.Inf(1))

// mustInvariantPanic fails the test unless f panics with an *InvariantError.
func mustInvariantPanic(t *testing.T, f func()) *InvariantError {
	t.Helper()
	var got *InvariantError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			err, ok := r.(error)
			if !ok || !errors.As(err, &got) {
				t.Fatalf("expected *InvariantError panic, got %v", r)
			}
		}()
		f()
	}()
	if got == nil {
		t.Fatal("expected invariant panic, got none")
	}
	return got
}

func samplesFrom(distances []float32) []Sample {
	s := make([]Sample, len(distances))
	for i, d := range distances {
		s[i] = Sample{Distance: d, TexIndex: -1, BaseSlot: -1}
	}
	return s
}

// testLayout provisions a layout with explicit capacities for every
// non-vista bin and effectively unlimited memory.
func testLayout(t *testing.T, patches int, specs ...BinSpec) *Layout {
	t.Helper()
	return PlanBudget(BudgetConfig{
		AvailableMemoryBytes:      1 << 40,
		MaterialComponentsPerTile: 1,
		MaxArrayLayers:            4,
		BytesPerTexel:             4,
		Bins:                      specs,
		DetailTiles:               specs[0].Capacity,
	}, patches)
}

// tick runs one classify/reconcile/commit cycle on state.
func tick(t *testing.T, st *State, alloc *Allocator, distances []float32) *Updates {
	t.Helper()
	target := make([]BinID, len(distances))
	NewClassifier(st.Layout().Specs()).Classify(samplesFrom(distances), target)
	st.Begin()
	upd := alloc.Reconcile(st, target)
	st.Commit()
	if err := st.Active().Verify(st.Layout()); err != nil {
		t.Fatalf("active state invalid after commit: %v", err)
	}
	return upd
}

// rowMesh builds n unit quads in the XY plane with midpoints at
// (10i+5, 0, 0).
func rowMesh(n int) *QuadMesh {
	m := &QuadMesh{Neighbors: make([][4]int32, n)}
	for i := 0; i < n; i++ {
		x := float32(i * 10)
		base := uint32(len(m.Vertices))
		m.Vertices = append(m.Vertices,
			mgl32.Vec3{x, -5, 0},
			mgl32.Vec3{x + 10, -5, 0},
			mgl32.Vec3{x + 10, 5, 0},
			mgl32.Vec3{x, 5, 0},
		)
		m.Indices = append(m.Indices, base, base+1, base+2, base+3)
		m.Neighbors[i] = [4]int32{int32(i - 1), int32(i + 1), -1, -1}
		if i == n-1 {
			m.Neighbors[i][1] = -1
		}
	}
	return m
}

// orthoPose places the camera at eye with a projection large enough that
// nothing is culled.
func orthoPose(eye mgl32.Vec3) CameraPose {
	return CameraPose{
		View:       mgl32.Translate3D(-eye[0], -eye[1], -eye[2]),
		Projection: mgl32.Ortho(-1e5, 1e5, -1e5, 1e5, -1e5, 1e5),
	}
}
