package ptex

import (
	"slices"
)

// BinUpdate lists the patches entering one bin this tick and the slots they
// were given, aligned by position.
type BinUpdate struct {
	Bin        BinID
	Resolution int
	Patches    []int32
	Slots      []Slot
}

// Updates is the per-tick output of slot reconciliation.
type Updates struct {
	Bins     []BinUpdate // One per non-vista bin, finest first
	Vista    []int32     // Patches entering the vista bin
	Changed  []int32     // Every patch whose parameter record changed
	Deferred int         // Moves held back by the per-tick entry cap
}

// Empty reports whether the tick changes nothing.
func (u *Updates) Empty() bool {
	return len(u.Changed) == 0
}

// Baked returns the number of tiles to bake.
func (u *Updates) Baked() int {
	n := 0
	for _, b := range u.Bins {
		n += len(b.Patches)
	}
	return n
}

// Allocator reconciles slot assignments in the latest buffer with a new
// classification.
type Allocator struct {
	// MaxEntriesPerTick bounds bin-crossing moves per tick: bin b admits at
	// most MaxEntriesPerTick*(b+1) entering patches. Zero disables the cap.
	MaxEntriesPerTick int

	applied []BinID
	counts  []int
	freed   [][]Slot
}

// NewAllocator returns an allocator without an entry cap.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// EntryCap returns the per-tick entry budget of bin b, or -1 if unlimited.
func (a *Allocator) EntryCap(b BinID) int {
	if a.MaxEntriesPerTick <= 0 {
		return -1
	}
	return a.MaxEntriesPerTick * (int(b) + 1)
}

// Reconcile moves the latest buffer of state toward target. Slots vacated by
// patches leaving a bin are returned to that bin's pool and handed to the
// patches entering it. The active buffer is not touched.
func (a *Allocator) Reconcile(state *State, target []BinID) *Updates {
	layout := state.Layout()
	latest := state.Latest()
	n := len(latest.Classification)
	nbins := len(layout.Bins)
	vista := layout.Vista()
	assertf(len(target) == n, "target classification has %d of %d patches", len(target), n)

	a.prepare(n, nbins)
	copy(a.applied, target)
	deferred := a.limit(layout, latest.Classification)

	upd := &Updates{Bins: make([]BinUpdate, nbins-1), Deferred: deferred}
	for b := range upd.Bins {
		upd.Bins[b] = BinUpdate{Bin: BinID(b), Resolution: layout.Bins[b].Spec.Resolution}
	}

	for p := 0; p < n; p++ {
		from, to := latest.Classification[p], a.applied[p]
		if from == to {
			continue
		}
		if from != Unassigned && from != vista {
			a.freed[from] = append(a.freed[from], latest.Slots[p])
			latest.Slots[p] = NoSlot
		}
		if to == vista {
			upd.Vista = append(upd.Vista, int32(p))
		} else {
			upd.Bins[to].Patches = append(upd.Bins[to].Patches, int32(p))
		}
		upd.Changed = append(upd.Changed, int32(p))
		latest.Classification[p] = to
	}

	for b := 0; b < nbins-1; b++ {
		bu := &upd.Bins[b]
		free := latest.Available[b]
		freed := a.freed[b]
		assertf(len(bu.Patches) <= len(free)+len(freed),
			"bin %d: %d entering patches but %d slots available", b, len(bu.Patches), len(free)+len(freed))
		if len(bu.Patches) == 0 && len(freed) == 0 {
			continue
		}

		// Descending (array, base) keeps assignment clustered in low arrays.
		slices.SortFunc(free, descending)
		slices.SortFunc(freed, descending)
		pool := append(free, freed...)

		bu.Slots = make([]Slot, len(bu.Patches))
		for i, p := range bu.Patches {
			last := len(pool) - 1
			slot := pool[last]
			pool = pool[:last]
			latest.Slots[p] = slot
			bu.Slots[i] = slot
		}
		latest.Available[b] = pool
	}
	return upd
}

func descending(x, y Slot) int {
	switch {
	case y.Less(x):
		return -1
	case x.Less(y):
		return 1
	}
	return 0
}

func (a *Allocator) prepare(n, nbins int) {
	if cap(a.applied) < n {
		a.applied = make([]BinID, n)
	}
	a.applied = a.applied[:n]
	if len(a.counts) != nbins {
		a.counts = make([]int, nbins)
		a.freed = make([][]Slot, nbins)
	}
	for b := range a.freed {
		a.freed[b] = a.freed[b][:0]
	}
}

// limit reverts moves in a.applied until every bin respects its per-tick
// entry cap and its capacity. Reverting always steps back toward current,
// which is valid, so the loop terminates. A patch not yet assigned falls back
// to vista instead. It returns the number of reverted moves.
func (a *Allocator) limit(layout *Layout, current []BinID) int {
	vista := layout.Vista()
	nbins := len(layout.Bins)

	for b := range a.counts {
		a.counts[b] = 0
	}
	for _, bin := range a.applied {
		if bin != Unassigned && bin != vista {
			a.counts[bin]++
		}
	}
	for b := 0; b < nbins-1; b++ {
		assertf(a.counts[b] <= layout.Capacity(BinID(b)),
			"classification puts %d patches in bin %d of capacity %d", a.counts[b], b, layout.Capacity(BinID(b)))
	}
	if a.MaxEntriesPerTick <= 0 {
		return 0
	}

	entering := make([][]int32, nbins)
	for p, to := range a.applied {
		if to != current[p] && to != vista {
			entering[to] = append(entering[to], int32(p))
		}
	}

	reverted := 0
	revert := func(b int) {
		last := len(entering[b]) - 1
		p := entering[b][last]
		entering[b] = entering[b][:last]
		from := current[p]
		if from == Unassigned {
			from = vista
		}
		a.applied[p] = from
		a.counts[b]--
		if from != Unassigned && from != vista {
			a.counts[from]++
		}
		reverted++
	}

	for b := 0; b < nbins-1; b++ {
		for limit := a.EntryCap(BinID(b)); len(entering[b]) > limit; {
			revert(b)
		}
	}
	for changed := true; changed; {
		changed = false
		for b := 0; b < nbins-1; b++ {
			for a.counts[b] > layout.Capacity(BinID(b)) {
				assertf(len(entering[b]) > 0, "bin %d over capacity with no entering patch to revert", b)
				revert(b)
				changed = true
			}
		}
	}
	return reverted
}
