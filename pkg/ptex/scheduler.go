package ptex

import (
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// Dispatcher is the GPU-facing surface of the cache. Implementations issue
// the calls on the render thread in the order they are made.
type Dispatcher interface {
	// Allocate (re)creates the texture arrays of a layout, uploads the
	// surface the bakes sample and bakes every patch's vista tile. A failure
	// caused by GPU memory pressure must wrap ErrOutOfTextureMemory.
	Allocate(layout *Layout, store *PatchStore, records []PatchRecord) error

	// UploadAssignments writes the records the bake dispatches read and
	// issues the barrier that makes them visible.
	UploadAssignments(patches []int32, records []PatchRecord) error

	// BakeTiles bakes each patch's surface content into its new slot.
	BakeTiles(bin BinID, resolution int, patches []int32, slots []Slot) error

	// GenerateMips regenerates the mip chains of the given arrays.
	GenerateMips(bin BinID, arrays []int32) error

	// Finish blocks until all work issued this tick has completed.
	Finish() error

	// Publish writes records into the buffer the renderer reads.
	Publish(patches []int32, records []PatchRecord) error

	// Handles returns the bindless texture handles and the parallel mip
	// image handles, one per texture array.
	Handles() (textures, images []uint64)

	// Release frees every GPU resource.
	Release()
}

// Report summarises the GPU work of one tick.
type Report struct {
	Dispatches int
	MipPasses  int
	Baked      []int // Tiles baked per bin
}

// Scheduler issues the GPU work of a tick: assignment upload, one bake per
// bin finest to coarsest, then mip regeneration.
type Scheduler struct {
	dispatcher Dispatcher
	log        *zap.Logger
}

// NewScheduler creates a scheduler over a dispatcher.
func NewScheduler(d Dispatcher, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{dispatcher: d, log: log}
}

// Run issues the work for upd. records is aligned with upd.Changed.
// cancelled is polled before every dispatch; once it reports true the tick
// stops and ErrStale is returned. A dispatch error skips the remaining
// dispatches of the tick.
func (s *Scheduler) Run(upd *Updates, records []PatchRecord, cancelled func() bool) (Report, error) {
	rep := Report{Baked: make([]int, len(upd.Bins))}
	if upd.Empty() {
		return rep, nil
	}
	assertf(len(records) == len(upd.Changed), "%d records for %d changed patches", len(records), len(upd.Changed))

	check := func() error {
		if cancelled != nil && cancelled() {
			return ErrStale
		}
		return nil
	}

	if err := check(); err != nil {
		return rep, err
	}
	if err := s.dispatcher.UploadAssignments(upd.Changed, records); err != nil {
		s.log.Error("assignment upload failed, skipping tick", zap.Error(err))
		return rep, fmt.Errorf("uploading assignments: %w", err)
	}

	// Coarser bins may sample finer mips already baked this tick, so the
	// order is fixed.
	for i := range upd.Bins {
		bu := &upd.Bins[i]
		if len(bu.Patches) == 0 {
			continue
		}
		if err := check(); err != nil {
			return rep, err
		}
		if err := s.dispatcher.BakeTiles(bu.Bin, bu.Resolution, bu.Patches, bu.Slots); err != nil {
			s.log.Error("bake dispatch failed, skipping remaining dispatches",
				zap.Int("bin", int(bu.Bin)),
				zap.Int("tiles", len(bu.Patches)),
				zap.Error(err))
			return rep, fmt.Errorf("baking bin %d: %w", bu.Bin, err)
		}
		rep.Dispatches++
		rep.Baked[i] = len(bu.Patches)
	}

	for i := range upd.Bins {
		bu := &upd.Bins[i]
		if len(bu.Patches) == 0 {
			continue
		}
		if err := check(); err != nil {
			return rep, err
		}
		if err := s.dispatcher.GenerateMips(bu.Bin, touchedArrays(bu.Slots)); err != nil {
			s.log.Error("mip regeneration failed, skipping remaining dispatches",
				zap.Int("bin", int(bu.Bin)),
				zap.Error(err))
			return rep, fmt.Errorf("regenerating mips of bin %d: %w", bu.Bin, err)
		}
		rep.MipPasses++
	}

	if err := s.dispatcher.Finish(); err != nil {
		return rep, fmt.Errorf("finishing tick: %w", err)
	}
	return rep, nil
}

func touchedArrays(slots []Slot) []int32 {
	arrays := make([]int32, 0, 4)
	for _, s := range slots {
		arrays = append(arrays, s.Array)
	}
	slices.Sort(arrays)
	return slices.Compact(arrays)
}
