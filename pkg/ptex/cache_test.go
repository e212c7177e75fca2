package ptex

import (
	"errors"
	"fmt"
	"runtime"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

// newTestCache builds a 20 patch brick. Seen from the origin, patches 0-2
// fall in bin 0, patches 3-6 in bin 1 and the rest in vista.
func newTestCache(t *testing.T, d Dispatcher, maxEntries int) *Cache {
	t.Helper()
	c := NewCache(Options{
		Name: "brick-0",
		Budget: BudgetConfig{
			AvailableMemoryBytes:      1 << 30,
			MaterialComponentsPerTile: 2,
			MaxArrayLayers:            8,
			BytesPerTexel:             4,
			Bins: []BinSpec{
				{Resolution: 8, Threshold: 30},
				{Resolution: 4, Capacity: 4, Threshold: 80},
				{Resolution: 2},
			},
			DetailTiles: 3,
		},
		MaxEntriesPerTick: maxEntries,
		Validate:          true,
		Dispatcher:        d,
	})
	if err := c.Rebuild(rowMesh(20)); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	return c
}

func expectedBin(p int) BinID {
	switch {
	case p < 3:
		return 0
	case p < 7:
		return 1
	}
	return 2
}

func TestCache_FirstUpdate(t *testing.T) {
	rec := NewRecorder()
	c := newTestCache(t, rec, 0)

	if got := ops(rec.Calls()); len(got) != 2 || got[0] != "allocate" || got[1] != "publish" {
		t.Fatalf("expected allocate and publish on rebuild, got %v", got)
	}
	rec.Reset()

	if err := c.Update(orthoPose(mgl32.Vec3{})); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	want := []string{
		"upload",
		"bake(bin=0, tiles=3)",
		"bake(bin=1, tiles=4)",
		"mips(bin=0, arrays=[5])",
		"mips(bin=1, arrays=[6])",
		"finish",
		"publish",
	}
	got := ops(rec.Calls())
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected calls %v, got %v", want, got)
	}

	active := c.Active()
	for p, b := range active.Classification {
		if b != expectedBin(p) {
			t.Errorf("patch %d: expected bin %d, got %d", p, expectedBin(p), b)
		}
	}

	records := c.Records()
	published := rec.Published()
	for p := range records {
		if records[p] != published[p] {
			t.Errorf("patch %d: mirror %+v differs from published %+v", p, records[p], published[p])
		}
	}
	if r := records[0]; r.Tag != 0 || r.Array != 5 {
		t.Errorf("patch 0: expected bin 0 record in array 5, got %+v", r)
	}
	if r := records[10]; r.Tag != 2 || r.Array != 2 || r.Base != 4 {
		t.Errorf("patch 10: expected vista record at array 2 base 4, got %+v", r)
	}
	if r := records[4]; r.Neighbors != [4]int32{3, 5, -1, -1} {
		t.Errorf("patch 4: unexpected neighbors %v", r.Neighbors)
	}

	st := c.Stats()
	if st.Committed != 1 || st.Ticks != 1 || st.Idle != 0 {
		t.Errorf("unexpected counters %+v", st)
	}
	if fmt.Sprint(st.Baked) != "[3 4]" {
		t.Errorf("expected baked [3 4], got %v", st.Baked)
	}
	if fmt.Sprint(st.Occupancy) != "[3 4 13]" {
		t.Errorf("expected occupancy [3 4 13], got %v", st.Occupancy)
	}

	textures, images := c.Handles()
	if len(textures) != 7 || len(images) != 7 {
		t.Errorf("expected 7 handle pairs, got %d and %d", len(textures), len(images))
	}
}

func TestCache_JitterIsIdle(t *testing.T) {
	rec := NewRecorder()
	c := newTestCache(t, rec, 0)
	if err := c.Update(orthoPose(mgl32.Vec3{})); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	before := c.Active().Clone()
	rec.Reset()

	if err := c.Update(orthoPose(mgl32.Vec3{1.5, 2.5, 3.5})); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if calls := rec.Calls(); len(calls) != 0 {
		t.Errorf("idle tick issued GPU work: %v", ops(calls))
	}
	if !c.Active().Equal(before) {
		t.Error("idle tick changed the active buffer")
	}
	if st := c.Stats(); st.Idle != 1 || st.Committed != 2 {
		t.Errorf("expected one idle commit, got %+v", st)
	}
}

func TestCache_CancelMidBake(t *testing.T) {
	rec := NewRecorder()
	c := newTestCache(t, rec, 0)
	if err := c.Update(orthoPose(mgl32.Vec3{})); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	before := c.Active().Clone()
	records := c.Records()

	rec.OnBake = func(BinID) { c.Cancel() }
	if err := c.Update(orthoPose(mgl32.Vec3{100, 0, 0})); err != nil {
		t.Fatalf("cancelled tick should be dropped silently, got %v", err)
	}
	if !c.Active().Equal(before) {
		t.Error("cancelled tick changed the active buffer")
	}
	if fmt.Sprint(c.Records()) != fmt.Sprint(records) {
		t.Error("cancelled tick changed the published records")
	}
	if st := c.Stats(); st.Dropped != 1 || st.Committed != 1 {
		t.Errorf("expected one dropped tick, got %+v", st)
	}

	rec.OnBake = nil
	if err := c.Update(orthoPose(mgl32.Vec3{100, 0, 0})); err != nil {
		t.Fatalf("Update after cancel failed: %v", err)
	}
	if c.Active().Equal(before) {
		t.Error("expected the retried tick to commit")
	}
}

// cancellingDispatcher cancels the cache once, from inside Publish.
type cancellingDispatcher struct {
	*Recorder
	cancel func()
}

func (d *cancellingDispatcher) Publish(patches []int32, records []PatchRecord) error {
	if f := d.cancel; f != nil {
		d.cancel = nil
		f()
	}
	return d.Recorder.Publish(patches, records)
}

func TestCache_CancelAfterPublish(t *testing.T) {
	d := &cancellingDispatcher{Recorder: NewRecorder()}
	c := newTestCache(t, d, 0)
	if err := c.Update(orthoPose(mgl32.Vec3{})); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	before := c.Active().Clone()
	records := c.Records()
	published := d.Published()

	d.cancel = c.Cancel
	if err := c.Update(orthoPose(mgl32.Vec3{100, 0, 0})); err != nil {
		t.Fatalf("cancelled tick should be dropped silently, got %v", err)
	}
	if !c.Active().Equal(before) {
		t.Error("tick cancelled before commit changed the active buffer")
	}
	if fmt.Sprint(c.Records()) != fmt.Sprint(records) {
		t.Error("tick cancelled before commit changed the cached records")
	}
	if fmt.Sprint(d.Published()) != fmt.Sprint(published) {
		t.Error("renderer records were not restored after the cancelled tick")
	}
	if st := c.Stats(); st.Dropped != 1 || st.Committed != 1 {
		t.Errorf("expected one dropped and one committed tick, got %+v", st)
	}

	if err := c.Update(orthoPose(mgl32.Vec3{100, 0, 0})); err != nil {
		t.Fatalf("Update after cancel failed: %v", err)
	}
	if c.Active().Equal(before) {
		t.Error("expected the retried tick to commit")
	}
}

func TestCache_DefaultRecorderIsBounded(t *testing.T) {
	c := NewCache(Options{
		Budget: BudgetConfig{
			AvailableMemoryBytes:      1 << 30,
			MaterialComponentsPerTile: 1,
			MaxArrayLayers:            8,
			BytesPerTexel:             4,
			Bins:                      []BinSpec{{Resolution: 8, Threshold: 30}, {Resolution: 2}},
			DetailTiles:               2,
		},
	})
	if err := c.Rebuild(rowMesh(4)); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	poses := []CameraPose{orthoPose(mgl32.Vec3{}), orthoPose(mgl32.Vec3{30, 0, 0})}
	for i := 0; i < 1000; i++ {
		if err := c.Update(poses[i%2]); err != nil {
			t.Fatalf("tick %d: Update failed: %v", i, err)
		}
	}

	rec, ok := c.opts.Dispatcher.(*Recorder)
	if !ok {
		t.Fatalf("expected the default dispatcher to be a *Recorder, got %T", c.opts.Dispatcher)
	}
	rec.mu.Lock()
	retained := len(rec.calls)
	rec.mu.Unlock()
	if retained >= 2*headlessCalls {
		t.Errorf("recorder retained %d calls, limit is %d", retained, headlessCalls)
	}
	calls := rec.Calls()
	if len(calls) != headlessCalls {
		t.Errorf("expected the last %d calls, got %d", headlessCalls, len(calls))
	}
	if last := calls[len(calls)-1].Op; last != "finish" && last != "publish" {
		t.Errorf("expected the newest call last, got %q", last)
	}
	if st := c.Stats(); st.Committed != 1000 {
		t.Errorf("expected 1000 committed ticks, got %d", st.Committed)
	}
}

func TestCache_OutOfTextureMemory(t *testing.T) {
	rec := NewRecorder()
	rec.AllocateErr = func(*Layout) error {
		return fmt.Errorf("%w: GL_OUT_OF_MEMORY", ErrOutOfTextureMemory)
	}
	c := NewCache(Options{
		Budget: BudgetConfig{
			AvailableMemoryBytes:      1 << 30,
			MaterialComponentsPerTile: 1,
			MaxArrayLayers:            16,
			BytesPerTexel:             4,
			Bins:                      []BinSpec{{Resolution: 8, Threshold: 30}, {Resolution: 2}},
			DetailTiles:               2,
		},
		Dispatcher: rec,
	})

	err := c.Rebuild(rowMesh(4))
	if !errors.Is(err, ErrOutOfTextureMemory) {
		t.Fatalf("expected ErrOutOfTextureMemory, got %v", err)
	}
	if c.Active() != nil || c.Layout() != nil || len(c.Records()) != 0 {
		t.Error("failed rebuild left a partial state behind")
	}
	if err := c.Update(orthoPose(mgl32.Vec3{})); !errors.Is(err, ErrNotBakeable) {
		t.Fatalf("expected ErrNotBakeable, got %v", err)
	}

	rec.AllocateErr = nil
	if err := c.Rebuild(rowMesh(4)); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if err := c.Update(orthoPose(mgl32.Vec3{})); err != nil {
		t.Fatalf("Update after retry failed: %v", err)
	}
}

func TestCache_FailedRebuildClearsOldState(t *testing.T) {
	rec := NewRecorder()
	c := newTestCache(t, rec, 0)
	if err := c.Update(orthoPose(mgl32.Vec3{})); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	rec.AllocateErr = func(*Layout) error { return ErrOutOfTextureMemory }
	if err := c.Rebuild(rowMesh(6)); !errors.Is(err, ErrOutOfTextureMemory) {
		t.Fatalf("expected ErrOutOfTextureMemory, got %v", err)
	}
	if c.Active() != nil || c.Layout() != nil {
		t.Error("expected no active state after a failed rebuild")
	}
	if n := len(c.Records()); n != 0 {
		t.Errorf("expected no records after a failed rebuild, got %d", n)
	}
	if st := c.Stats(); st.Patches != 0 || st.Occupancy != nil {
		t.Errorf("expected empty stats after a failed rebuild, got %+v", st)
	}
}

func TestCache_BudgetExhaustedPanics(t *testing.T) {
	c := NewCache(Options{
		Budget: BudgetConfig{
			AvailableMemoryBytes:      100,
			MaterialComponentsPerTile: 1,
			MaxArrayLayers:            16,
			BytesPerTexel:             4,
			Bins:                      []BinSpec{{Resolution: 8}, {Resolution: 2}},
			DetailTiles:               2,
		},
	})
	mustInvariantPanic(t, func() { _ = c.Rebuild(rowMesh(4)) })

	// The update lock must have been released by the panic.
	if _, err := c.Prepare(orthoPose(mgl32.Vec3{})); !errors.Is(err, ErrNotBakeable) {
		t.Fatalf("expected ErrNotBakeable, got %v", err)
	}
}

func TestCache_Busy(t *testing.T) {
	c := newTestCache(t, NewRecorder(), 0)
	before := c.Active().Clone()

	tk, err := c.Prepare(orthoPose(mgl32.Vec3{}))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if _, err := c.Prepare(orthoPose(mgl32.Vec3{})); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// Readers never wait for the tick in flight.
	if !c.Active().Equal(before) {
		t.Error("prepared tick leaked into the active buffer")
	}
	_ = c.Stats()

	tk.Discard()
	if !c.Active().Equal(before) {
		t.Error("discarded tick changed the active buffer")
	}

	tk, err = c.Prepare(orthoPose(mgl32.Vec3{}))
	if err != nil {
		t.Fatalf("Prepare after Discard failed: %v", err)
	}
	if err := tk.Apply(); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := tk.Apply(); err != nil {
		t.Fatalf("second Apply should be a no-op, got %v", err)
	}
}

func TestCache_RebuildDuringTick(t *testing.T) {
	c := newTestCache(t, NewRecorder(), 0)
	tk, err := c.Prepare(orthoPose(mgl32.Vec3{}))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Rebuild(rowMesh(30)) }()
	for c.generation.Load() == tk.generation {
		runtime.Gosched()
	}

	if err := tk.Apply(); err != nil {
		t.Fatalf("stale tick should be dropped silently, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	if c.Layout().PatchCount != 30 {
		t.Errorf("expected 30 patches after rebuild, got %d", c.Layout().PatchCount)
	}
	for p, b := range c.Active().Classification {
		if b != Unassigned {
			t.Fatalf("patch %d: expected unassigned after rebuild, got %d", p, b)
		}
	}
	if err := c.Update(orthoPose(mgl32.Vec3{})); err != nil {
		t.Fatalf("Update after rebuild failed: %v", err)
	}
}

func TestCache_BakeErrorKeepsActive(t *testing.T) {
	boom := errors.New("GL_INVALID_VALUE")
	rec := NewRecorder()
	c := newTestCache(t, rec, 0)
	before := c.Active().Clone()

	rec.BakeErr = func(b BinID) error {
		if b == 1 {
			return boom
		}
		return nil
	}
	if err := c.Update(orthoPose(mgl32.Vec3{})); !errors.Is(err, boom) {
		t.Fatalf("expected bake error, got %v", err)
	}
	if !c.Active().Equal(before) {
		t.Error("failed tick changed the active buffer")
	}
	if st := c.Stats(); st.Failed != 1 || st.Committed != 0 {
		t.Errorf("expected one failed tick, got %+v", st)
	}

	rec.BakeErr = nil
	if err := c.Update(orthoPose(mgl32.Vec3{})); err != nil {
		t.Fatalf("Update after failure failed: %v", err)
	}
}

func TestCache_EntryCapConverges(t *testing.T) {
	c := newTestCache(t, NewRecorder(), 1)
	pose := orthoPose(mgl32.Vec3{})

	var deferred []int
	for i := 0; i < 4; i++ {
		tk, err := c.Prepare(pose)
		if err != nil {
			t.Fatalf("tick %d: Prepare failed: %v", i, err)
		}
		deferred = append(deferred, tk.Updates().Deferred)
		if err := tk.Apply(); err != nil {
			t.Fatalf("tick %d: Apply failed: %v", i, err)
		}
		total := 0
		for _, n := range c.Stats().Occupancy {
			total += n
		}
		if total != 20 {
			t.Errorf("tick %d: occupancy covers %d of 20 patches", i, total)
		}
	}

	if fmt.Sprint(deferred) != "[4 1 0 0]" {
		t.Errorf("expected deferred [4 1 0 0], got %v", deferred)
	}
	for p, b := range c.Active().Classification {
		if b != expectedBin(p) {
			t.Errorf("patch %d: expected bin %d, got %d", p, expectedBin(p), b)
		}
	}
	st := c.Stats()
	if st.Idle != 1 || st.Deferred != 5 {
		t.Errorf("expected one idle tick and 5 deferred entries, got %+v", st)
	}
}
