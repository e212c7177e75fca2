package ptex

import (
	"testing"
)

func TestState_InitialTables(t *testing.T) {
	layout := testLayout(t, 4, scenarioBins()...)
	st := NewState(layout)

	for _, tbl := range []*Tables{st.Active(), st.Latest()} {
		for p := range tbl.Classification {
			if tbl.Classification[p] != Unassigned || tbl.Slots[p] != NoSlot {
				t.Errorf("patch %d not unassigned after reset", p)
			}
		}
		if err := tbl.Verify(layout); err != nil {
			t.Errorf("fresh tables invalid: %v", err)
		}
	}
	if st.Active() == st.Latest() {
		t.Error("active and latest share a buffer")
	}
}

func TestState_CommitSwapsBuffers(t *testing.T) {
	layout := testLayout(t, 4, scenarioBins()...)
	st := NewState(layout)

	active, latest := st.Active(), st.Latest()
	st.Commit()
	if st.Active() != latest || st.Latest() != active {
		t.Error("commit did not exchange the buffers")
	}
}

func TestState_UncommittedTickLeavesActive(t *testing.T) {
	layout := testLayout(t, 4, scenarioBins()...)
	st := NewState(layout)
	alloc := NewAllocator()
	tick(t, st, alloc, []float32{11, 5, 20, 100})
	before := st.Active().Clone()

	target := make([]BinID, 4)
	NewClassifier(layout.Specs()).Classify(samplesFrom([]float32{100, 20, 5, 11}), target)
	st.Begin()
	alloc.Reconcile(st, target)
	// Cancelled: no commit.

	if !st.Active().Equal(before) {
		t.Error("active buffer changed without a commit")
	}

	// The next tick starts from active again.
	st.Begin()
	if !st.Latest().Equal(before) {
		t.Error("begin did not resynchronise latest from active")
	}
}

func TestTables_VerifyDetectsCorruption(t *testing.T) {
	layout := testLayout(t, 4, scenarioBins()...)
	st := NewState(layout)
	tick(t, st, NewAllocator(), []float32{11, 5, 20, 100})

	tests := []struct {
		name    string
		corrupt func(*Tables)
	}{
		{"double assignment", func(tb *Tables) {
			tb.Slots[0] = tb.Slots[1]
		}},
		{"assigned and free", func(tb *Tables) {
			tb.Available[1] = append(tb.Available[1], tb.Slots[2])
		}},
		{"lost slot", func(tb *Tables) {
			tb.Available[1] = tb.Available[1][:0]
		}},
		{"vista holding a slot", func(tb *Tables) {
			tb.Slots[3] = layout.SlotAt(1, 0)
		}},
		{"slot of another bin", func(tb *Tables) {
			tb.Slots[0], tb.Slots[2] = tb.Slots[2], tb.Slots[0]
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := st.Active().Clone()
			tt.corrupt(tb)
			if err := tb.Verify(layout); err == nil {
				t.Error("expected verification error")
			}
		})
	}
}
