package ptex

import (
	"math/bits"
)

// BudgetConfig is the fixed bake-time configuration of one brick cache.
type BudgetConfig struct {
	AvailableMemoryBytes      int64
	MaterialComponentsPerTile int // Layers per tile (texel layout group size)
	MaxArrayLayers            int // Host texture-array layer limit
	BytesPerTexel             int
	Bins                      []BinSpec // Finest first, last is vista
	DetailTiles               int       // Reserved slot count of bin 0
}

// BinLayout is the provisioned shape of one bin.
type BinLayout struct {
	Spec          BinSpec
	TileBytes     int64
	FirstArray    int
	Arrays        int
	SlotsPerArray int
}

// ArrayDesc describes one texture array the GPU side has to allocate.
type ArrayDesc struct {
	Bin        BinID
	Resolution int
	Layers     int
	Levels     int
}

// Layout is the result of bake-time budget provisioning.
type Layout struct {
	Bins              []BinLayout
	Arrays            []ArrayDesc
	PatchCount        int
	ComponentsPerTile int
	UsedBytes         int64
	AvailableBytes    int64
}

// PlanBudget splits the available memory into bins for patchCount patches.
// The vista tier is sized first, then the reserved detail tier, and the
// remainder is split evenly across the intermediate bins. It panics with an
// *InvariantError when the budget cannot hold a step, before any array
// description is produced.
func PlanBudget(cfg BudgetConfig, patchCount int) *Layout {
	assertf(len(cfg.Bins) >= 2, "need at least a detail and a vista bin, got %d bins", len(cfg.Bins))
	assertf(cfg.MaterialComponentsPerTile > 0, "material components per tile must be positive")
	assertf(cfg.BytesPerTexel > 0, "bytes per texel must be positive")
	assertf(patchCount >= 0, "negative patch count %d", patchCount)

	comps := cfg.MaterialComponentsPerTile
	maxLayers := cfg.MaxArrayLayers - cfg.MaxArrayLayers%comps
	assertf(maxLayers >= comps, "max array layers %d cannot hold one tile of %d components", cfg.MaxArrayLayers, comps)

	n := len(cfg.Bins)
	l := &Layout{
		Bins:              make([]BinLayout, n),
		PatchCount:        patchCount,
		ComponentsPerTile: comps,
		AvailableBytes:    cfg.AvailableMemoryBytes,
	}
	for i, spec := range cfg.Bins {
		assertf(spec.Resolution > 0 && spec.Resolution&(spec.Resolution-1) == 0,
			"bin %d resolution %d is not a power of two", i, spec.Resolution)
		l.Bins[i] = BinLayout{
			Spec:          spec,
			TileBytes:     tileBytes(spec.Resolution, cfg.BytesPerTexel, comps),
			SlotsPerArray: maxLayers / comps,
		}
	}

	take := func(b int, capacity int) {
		l.Bins[b].Spec.Capacity = capacity
		l.UsedBytes += int64(capacity) * l.Bins[b].TileBytes
		assertf(l.UsedBytes <= l.AvailableBytes,
			"bin %d needs %d bytes, used %d of %d available", b, int64(capacity)*l.Bins[b].TileBytes, l.UsedBytes, l.AvailableBytes)
	}

	// Vista tier: one static tile per patch.
	take(n-1, patchCount)

	// Reserved detail tier.
	detail := cfg.DetailTiles
	if detail <= 0 {
		detail = cfg.Bins[0].Capacity
	}
	take(0, min(detail, patchCount))

	// Intermediate tiers share what is left.
	if n > 2 {
		share := (l.AvailableBytes - l.UsedBytes) / int64(n-2)
		for b := 1; b < n-1; b++ {
			capacity := int(share / l.Bins[b].TileBytes)
			if explicit := cfg.Bins[b].Capacity; explicit > 0 {
				capacity = min(capacity, explicit)
			}
			take(b, min(capacity, patchCount))
		}
	}

	// Texture arrays: vista first, then finest to coarsest.
	order := make([]int, 0, n)
	order = append(order, n-1)
	for b := 0; b < n-1; b++ {
		order = append(order, b)
	}
	for _, b := range order {
		bl := &l.Bins[b]
		bl.FirstArray = len(l.Arrays)
		remaining := bl.Spec.Capacity
		for remaining > 0 {
			slots := min(remaining, bl.SlotsPerArray)
			l.Arrays = append(l.Arrays, ArrayDesc{
				Bin:        BinID(b),
				Resolution: bl.Spec.Resolution,
				Layers:     slots * comps,
				Levels:     mipLevels(bl.Spec.Resolution),
			})
			remaining -= slots
			bl.Arrays++
		}
	}
	return l
}

// CheckBudget plans a budget and reports a configuration that cannot hold
// its vista and detail tiers as an error instead of a panic. It is meant for
// validating configuration before any cache exists.
func CheckBudget(cfg BudgetConfig, patchCount int) (layout *Layout, err error) {
	defer func() {
		if r := recover(); r != nil {
			ie, ok := r.(*InvariantError)
			if !ok {
				panic(r)
			}
			layout, err = nil, ie
		}
	}()
	return PlanBudget(cfg, patchCount), nil
}

// Vista returns the id of the vista bin.
func (l *Layout) Vista() BinID {
	return BinID(len(l.Bins) - 1)
}

// Capacity returns the slot count of bin b.
func (l *Layout) Capacity(b BinID) int {
	return l.Bins[b].Spec.Capacity
}

// SlotAt returns the k-th slot of bin b.
func (l *Layout) SlotAt(b BinID, k int) Slot {
	bl := &l.Bins[b]
	return Slot{
		Array: int32(bl.FirstArray + k/bl.SlotsPerArray),
		Base:  int32((k % bl.SlotsPerArray) * l.ComponentsPerTile),
	}
}

// VistaSlot returns the static vista tile of a patch.
func (l *Layout) VistaSlot(patch int) Slot {
	return l.SlotAt(l.Vista(), patch)
}

// BinOf returns the bin owning a texture array.
func (l *Layout) BinOf(array int32) BinID {
	if array < 0 || int(array) >= len(l.Arrays) {
		return Unassigned
	}
	return l.Arrays[array].Bin
}

// Specs returns the provisioned bin specs with their capacities.
func (l *Layout) Specs() []BinSpec {
	specs := make([]BinSpec, len(l.Bins))
	for i, b := range l.Bins {
		specs[i] = b.Spec
	}
	return specs
}

func mipLevels(res int) int {
	return bits.Len(uint(res))
}

// tileBytes is the size of one tile including its full mip chain.
func tileBytes(res, bytesPerTexel, comps int) int64 {
	var texels int64
	for r := res; r > 0; r >>= 1 {
		texels += int64(r) * int64(r)
	}
	return texels * int64(bytesPerTexel) * int64(comps)
}
