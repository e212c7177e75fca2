package ptex

import (
	"errors"
	"strings"
	"testing"
)

func smallBudget(available int64) BudgetConfig {
	return BudgetConfig{
		AvailableMemoryBytes:      available,
		MaterialComponentsPerTile: 1,
		MaxArrayLayers:            4,
		BytesPerTexel:             1,
		Bins: []BinSpec{
			{Resolution: 4, Threshold: 10},
			{Resolution: 2, Threshold: 20},
			{Resolution: 1},
		},
		DetailTiles: 3,
	}
}

func TestTileBytes(t *testing.T) {
	tests := []struct {
		res, bpt, comps int
		want            int64
	}{
		{1, 1, 1, 1},
		{4, 1, 1, 21},
		{4, 4, 1, 84},
		{8, 4, 2, (64 + 16 + 4 + 1) * 8},
	}
	for _, tt := range tests {
		if got := tileBytes(tt.res, tt.bpt, tt.comps); got != tt.want {
			t.Errorf("tileBytes(%d, %d, %d) = %d, want %d", tt.res, tt.bpt, tt.comps, got, tt.want)
		}
	}
}

func TestPlanBudget_Split(t *testing.T) {
	l := PlanBudget(smallBudget(100), 10)

	// vista 10*1 + detail 3*21 = 73, remainder 27 buys 5 tiles of 5 bytes.
	wantCaps := []int{3, 5, 10}
	for b, want := range wantCaps {
		if got := l.Capacity(BinID(b)); got != want {
			t.Errorf("bin %d: expected capacity %d, got %d", b, want, got)
		}
	}
	if l.UsedBytes != 98 {
		t.Errorf("expected 98 used bytes, got %d", l.UsedBytes)
	}
	if l.UsedBytes > l.AvailableBytes {
		t.Errorf("used %d exceeds available %d", l.UsedBytes, l.AvailableBytes)
	}

	// Arrays: vista (4,4,2 layers), detail (3), intermediate (4,1).
	wantLayers := []int{4, 4, 2, 3, 4, 1}
	if len(l.Arrays) != len(wantLayers) {
		t.Fatalf("expected %d arrays, got %d", len(wantLayers), len(l.Arrays))
	}
	for i, want := range wantLayers {
		if l.Arrays[i].Layers != want {
			t.Errorf("array %d: expected %d layers, got %d", i, want, l.Arrays[i].Layers)
		}
	}
	if l.Arrays[3].Bin != 0 || l.Arrays[3].Levels != 3 {
		t.Errorf("array 3: expected bin 0 with 3 levels, got %+v", l.Arrays[3])
	}

	if got := l.SlotAt(1, 4); got != (Slot{Array: 5, Base: 0}) {
		t.Errorf("SlotAt(1, 4) = %v", got)
	}
	if got := l.VistaSlot(9); got != (Slot{Array: 2, Base: 1}) {
		t.Errorf("VistaSlot(9) = %v", got)
	}
	if got := l.BinOf(4); got != 1 {
		t.Errorf("BinOf(4) = %d, want 1", got)
	}
	if got := l.BinOf(99); got != Unassigned {
		t.Errorf("BinOf(99) = %d, want Unassigned", got)
	}
}

func TestPlanBudget_ComponentGroups(t *testing.T) {
	cfg := smallBudget(1 << 20)
	cfg.MaterialComponentsPerTile = 4
	cfg.MaxArrayLayers = 10 // clamped to 8: two tiles per array

	l := PlanBudget(cfg, 5)
	if l.Bins[0].SlotsPerArray != 2 {
		t.Fatalf("expected 2 slots per array, got %d", l.Bins[0].SlotsPerArray)
	}
	if got := l.SlotAt(0, 1); got.Base != 4 {
		t.Errorf("second slot should start at layer 4, got %v", got)
	}
	for i, a := range l.Arrays {
		if a.Layers%4 != 0 || a.Layers > 8 {
			t.Errorf("array %d has %d layers", i, a.Layers)
		}
	}
}

func TestPlanBudget_CapacityClampedToPatches(t *testing.T) {
	l := PlanBudget(smallBudget(1<<30), 2)
	for b := 0; b < 3; b++ {
		if l.Capacity(BinID(b)) > 2 {
			t.Errorf("bin %d capacity %d exceeds patch count", b, l.Capacity(BinID(b)))
		}
	}
}

func TestPlanBudget_Exhausted(t *testing.T) {
	// Vista plus the detail tier needs 73 bytes.
	err := mustInvariantPanic(t, func() {
		PlanBudget(smallBudget(72), 10)
	})
	if !strings.Contains(err.Error(), "available") {
		t.Errorf("unexpected invariant message: %v", err)
	}

	mustInvariantPanic(t, func() {
		PlanBudget(smallBudget(5), 10)
	})
}

func TestPlanBudget_BadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BudgetConfig)
	}{
		{"single bin", func(c *BudgetConfig) { c.Bins = c.Bins[:1] }},
		{"no components", func(c *BudgetConfig) { c.MaterialComponentsPerTile = 0 }},
		{"layers below group", func(c *BudgetConfig) { c.MaterialComponentsPerTile = 8; c.MaxArrayLayers = 4 }},
		{"odd resolution", func(c *BudgetConfig) { c.Bins[0].Resolution = 6 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallBudget(1 << 20)
			cfg.Bins = append([]BinSpec(nil), cfg.Bins...)
			tt.mutate(&cfg)
			mustInvariantPanic(t, func() { PlanBudget(cfg, 4) })
		})
	}
}

func TestCheckBudget(t *testing.T) {
	if _, err := CheckBudget(smallBudget(200), 10); err != nil {
		t.Fatalf("expected a valid budget, got %v", err)
	}

	_, err := CheckBudget(smallBudget(5), 10)
	var ie *InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *InvariantError, got %v", err)
	}
}
