package ptex

import (
	"fmt"
	"sync/atomic"
)

// Tables is one buffer of the double-buffered cache state.
type Tables struct {
	Classification []BinID
	Slots          []Slot
	Available      [][]Slot // Free slots per bin, always empty for vista
}

func newTables(layout *Layout) *Tables {
	n := layout.PatchCount
	t := &Tables{
		Classification: make([]BinID, n),
		Slots:          make([]Slot, n),
		Available:      make([][]Slot, len(layout.Bins)),
	}
	for i := range t.Classification {
		t.Classification[i] = Unassigned
		t.Slots[i] = NoSlot
	}
	for b := 0; b < len(layout.Bins)-1; b++ {
		capacity := layout.Capacity(BinID(b))
		free := make([]Slot, capacity)
		for k := range free {
			free[k] = layout.SlotAt(BinID(b), k)
		}
		t.Available[b] = free
	}
	return t
}

// copyFrom overwrites t with o, reusing t's buffers.
func (t *Tables) copyFrom(o *Tables) {
	copy(t.Classification, o.Classification)
	copy(t.Slots, o.Slots)
	for b := range o.Available {
		t.Available[b] = append(t.Available[b][:0], o.Available[b]...)
	}
}

// Equal reports whether two buffers hold identical classifications, slot
// assignments and free-lists.
func (t *Tables) Equal(o *Tables) bool {
	if len(t.Classification) != len(o.Classification) || len(t.Available) != len(o.Available) {
		return false
	}
	for i := range t.Classification {
		if t.Classification[i] != o.Classification[i] || t.Slots[i] != o.Slots[i] {
			return false
		}
	}
	for b := range t.Available {
		if len(t.Available[b]) != len(o.Available[b]) {
			return false
		}
		for k := range t.Available[b] {
			if t.Available[b][k] != o.Available[b][k] {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy of t.
func (t *Tables) Clone() *Tables {
	c := &Tables{
		Classification: append([]BinID(nil), t.Classification...),
		Slots:          append([]Slot(nil), t.Slots...),
		Available:      make([][]Slot, len(t.Available)),
	}
	for b := range t.Available {
		c.Available[b] = append([]Slot(nil), t.Available[b]...)
	}
	return c
}

// Verify checks capacity conservation and that no slot is assigned twice or
// both assigned and free within t.
func (t *Tables) Verify(layout *Layout) error {
	vista := layout.Vista()
	owner := make(map[Slot]int, len(t.Slots))
	assigned := make([]int, len(layout.Bins))

	for p, bin := range t.Classification {
		slot := t.Slots[p]
		if bin == Unassigned || bin == vista {
			if slot.Valid() {
				return fmt.Errorf("patch %d in bin %d holds %v", p, bin, slot)
			}
			continue
		}
		if !slot.Valid() {
			return fmt.Errorf("patch %d in bin %d holds no slot", p, bin)
		}
		if got := layout.BinOf(slot.Array); got != bin {
			return fmt.Errorf("patch %d in bin %d holds %v of bin %d", p, bin, slot, got)
		}
		if other, ok := owner[slot]; ok {
			return fmt.Errorf("%v assigned to patches %d and %d", slot, other, p)
		}
		owner[slot] = p
		assigned[bin]++
	}

	for b := 0; b < len(layout.Bins)-1; b++ {
		for _, slot := range t.Available[b] {
			if p, ok := owner[slot]; ok {
				return fmt.Errorf("%v of bin %d is both free and assigned to patch %d", slot, b, p)
			}
			owner[slot] = -1
		}
		if free, capacity := len(t.Available[b]), layout.Capacity(BinID(b)); free+assigned[b] != capacity {
			return fmt.Errorf("bin %d: %d free + %d assigned != capacity %d", b, free, assigned[b], capacity)
		}
	}
	if len(t.Available[vista]) != 0 {
		return fmt.Errorf("vista bin has %d free slots", len(t.Available[vista]))
	}
	return nil
}

// State owns the active buffer the renderer reads and the latest buffer the
// update pipeline writes.
type State struct {
	layout *Layout
	active atomic.Pointer[Tables]
	latest *Tables
}

// NewState creates a state where every patch is unassigned and every slot free.
func NewState(layout *Layout) *State {
	s := &State{}
	s.Reset(layout)
	return s
}

// Reset re-provisions both buffers for a new layout.
func (s *State) Reset(layout *Layout) {
	s.layout = layout
	s.active.Store(newTables(layout))
	s.latest = newTables(layout)
}

// Layout returns the layout both buffers are provisioned for.
func (s *State) Layout() *Layout {
	return s.layout
}

// Active returns the buffer safe for rendering. It stays valid until the
// next Begin.
func (s *State) Active() *Tables {
	return s.active.Load()
}

// Latest returns the buffer being computed.
func (s *State) Latest() *Tables {
	return s.latest
}

// Begin starts a tick by re-synchronising latest from active.
func (s *State) Begin() {
	s.latest.copyFrom(s.active.Load())
}

// Commit publishes latest as the new active buffer. It is a pointer
// exchange; the previous active buffer becomes the next latest.
func (s *State) Commit() {
	s.latest = s.active.Swap(s.latest)
}
