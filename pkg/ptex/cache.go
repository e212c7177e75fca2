package ptex

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Options configures one brick cache.
type Options struct {
	Name              string
	Budget            BudgetConfig
	CameraCell        float32
	FrustumPadding    float32
	Workers           int
	MaxEntriesPerTick int
	Validate          bool // Verify the active buffer after every commit
	Dispatcher        Dispatcher
	Logger            *zap.Logger
}

// Stats are cumulative counters of one cache.
type Stats struct {
	Name      string
	Patches   int
	UsedBytes int64
	Ticks     uint64
	Committed uint64
	Idle      uint64
	Dropped   uint64
	Failed    uint64
	Deferred  uint64
	Baked     []uint64 // Tiles baked per non-vista bin
	Occupancy []int    // Patches per bin in the active buffer
	Prepare   time.Duration
	Apply     time.Duration
}

// Cache is the virtual-texture cache of one landscape brick. Updates are
// serialised: at most one tick is in flight between Prepare and Apply.
type Cache struct {
	opts Options
	log  *zap.Logger

	mu         sync.Mutex // Per-brick update lock
	commitMu   sync.Mutex // Orders Cancel against the buffer swap
	generation atomic.Uint64
	bakeable   bool

	store      *PatchStore
	layout     *Layout
	state      *State
	view       atomic.Pointer[State] // Read by the renderer without the update lock
	evaluator  *DistanceEvaluator
	classifier *Classifier
	allocator  *Allocator
	scheduler  *Scheduler
	samples    []Sample
	target     []BinID

	recMu   sync.RWMutex
	records []PatchRecord // Mirror of the renderer-visible parameter buffer

	statsMu sync.Mutex
	stats   Stats
}

// headlessCalls bounds the calls kept by the default recorder.
const headlessCalls = 256

// NewCache creates an empty cache. Call Rebuild with the brick's surface
// mesh before the first tick.
func NewCache(opts Options) *Cache {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("brick", opts.Name))
	if opts.Dispatcher == nil {
		opts.Dispatcher = &Recorder{Limit: headlessCalls}
	}

	ev := NewDistanceEvaluator()
	if opts.CameraCell > 0 {
		ev.CameraCell = opts.CameraCell
	}
	if opts.FrustumPadding > 0 {
		ev.FrustumPadding = opts.FrustumPadding
	}
	if opts.Workers > 0 {
		ev.Workers = opts.Workers
	}

	alloc := NewAllocator()
	alloc.MaxEntriesPerTick = opts.MaxEntriesPerTick

	return &Cache{
		opts:      opts,
		log:       log,
		evaluator: ev,
		allocator: alloc,
		scheduler: NewScheduler(opts.Dispatcher, log),
		stats:     Stats{Name: opts.Name},
	}
}

// Rebuild invalidates the cache and re-provisions it for a new surface mesh.
// Any tick in flight is cancelled first. If the texture arrays cannot be
// allocated the cache is left empty and un-bakeable, and the error, wrapping
// ErrOutOfTextureMemory, is returned so the caller can retry.
func (c *Cache) Rebuild(mesh *QuadMesh) error {
	c.Cancel()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bakeable = false
	store, err := NewPatchStore(mesh)
	if err != nil {
		return fmt.Errorf("extracting patches: %w", err)
	}

	layout := PlanBudget(c.opts.Budget, store.Len())
	state := NewState(layout)
	all := make([]int32, store.Len())
	for i := range all {
		all[i] = int32(i)
	}
	records := buildRecords(store, layout, state.Active(), all)

	c.log.Info("rebuilding ptex cache",
		zap.Int("patches", store.Len()),
		zap.Int("arrays", len(layout.Arrays)),
		zap.Int64("usedBytes", layout.UsedBytes),
		zap.Int64("availableBytes", layout.AvailableBytes))

	if err := c.opts.Dispatcher.Allocate(layout, store, records); err != nil {
		c.log.Warn("ptex cache left un-bakeable", zap.Error(err))
		c.reset()
		return fmt.Errorf("allocating texture arrays for %d patches: %w", store.Len(), err)
	}
	if err := c.opts.Dispatcher.Publish(all, records); err != nil {
		c.reset()
		return fmt.Errorf("publishing vista records: %w", err)
	}

	c.store = store
	c.layout = layout
	c.state = state
	c.classifier = NewClassifier(layout.Specs())
	c.samples = make([]Sample, store.Len())
	c.target = make([]BinID, store.Len())
	c.view.Store(state)
	c.recMu.Lock()
	c.records = records
	c.recMu.Unlock()

	c.statsMu.Lock()
	c.stats.Patches = store.Len()
	c.stats.UsedBytes = layout.UsedBytes
	c.stats.Baked = make([]uint64, len(layout.Bins)-1)
	c.statsMu.Unlock()

	c.bakeable = true
	return nil
}

// reset drops every buffer after a failed rebuild, whose allocation already
// released the previous texture arrays.
func (c *Cache) reset() {
	c.store, c.layout, c.state = nil, nil, nil
	c.classifier, c.samples, c.target = nil, nil, nil
	c.view.Store(nil)
	c.recMu.Lock()
	c.records = nil
	c.recMu.Unlock()

	c.statsMu.Lock()
	c.stats.Patches = 0
	c.stats.UsedBytes = 0
	c.stats.Baked = nil
	c.statsMu.Unlock()
}

// Cancel marks the tick in flight, if any, as stale. It is dropped instead
// of committed. Once Cancel returns, a tick that has not swapped its buffers
// yet never will.
func (c *Cache) Cancel() {
	c.commitMu.Lock()
	c.generation.Add(1)
	c.commitMu.Unlock()
}

// Tick is one prepared update holding the cache's update lock.
type Tick struct {
	cache      *Cache
	generation uint64
	updates    *Updates
	records    []PatchRecord
	report     Report
	done       bool
}

// Prepare runs distance evaluation, classification and slot reconciliation.
// It is CPU-only and may run on a worker goroutine. The returned tick must
// be finished with Apply or Discard.
func (c *Cache) Prepare(pose CameraPose) (*Tick, error) {
	if !c.mu.TryLock() {
		return nil, ErrBusy
	}
	if !c.bakeable {
		c.mu.Unlock()
		return nil, ErrNotBakeable
	}

	start := time.Now()
	t := &Tick{cache: c, generation: c.generation.Load()}

	c.state.Begin()
	c.evaluator.Evaluate(pose, c.store, c.state.Active(), c.samples)
	c.classifier.Classify(c.samples, c.target)
	if t.stale() {
		t.drop("classification")
		return nil, ErrStale
	}

	t.updates = c.allocator.Reconcile(c.state, c.target)
	if t.stale() {
		t.drop("reconciliation")
		return nil, ErrStale
	}
	t.records = buildRecords(c.store, c.layout, c.state.Latest(), t.updates.Changed)

	c.statsMu.Lock()
	c.stats.Prepare = time.Since(start)
	c.statsMu.Unlock()
	return t, nil
}

// Updates returns the reconciled per-bin update lists.
func (t *Tick) Updates() *Updates {
	return t.updates
}

// Report returns the GPU work issued by Apply.
func (t *Tick) Report() Report {
	return t.report
}

// Apply issues the tick's GPU work on the calling (render) thread and, once
// it has completed, commits the latest buffer. Stale ticks are dropped
// without error.
func (t *Tick) Apply() error {
	if t.done {
		return nil
	}
	c := t.cache
	defer t.finish()

	if t.stale() {
		t.count(func(s *Stats) { s.Dropped++ })
		return nil
	}

	start := time.Now()
	rep, err := c.scheduler.Run(t.updates, t.records, t.stale)
	t.report = rep
	if errors.Is(err, ErrStale) {
		c.log.Debug("dropping stale ptex tick", zap.String("stage", "bake"))
		t.count(func(s *Stats) { s.Dropped++ })
		return nil
	}
	if err != nil {
		t.count(func(s *Stats) { s.Failed++ })
		return err
	}
	if t.stale() {
		t.count(func(s *Stats) { s.Dropped++ })
		return nil
	}

	if !t.updates.Empty() {
		if err := c.opts.Dispatcher.Publish(t.updates.Changed, t.records); err != nil {
			t.count(func(s *Stats) { s.Failed++ })
			return fmt.Errorf("publishing records: %w", err)
		}
	}

	c.commitMu.Lock()
	if t.stale() {
		c.commitMu.Unlock()
		c.log.Debug("dropping stale ptex tick", zap.String("stage", "commit"))
		if err := t.unpublish(); err != nil {
			t.count(func(s *Stats) { s.Failed++ })
			return err
		}
		t.count(func(s *Stats) { s.Dropped++ })
		return nil
	}
	c.state.Commit()
	c.commitMu.Unlock()

	if c.opts.Validate {
		err := c.state.Active().Verify(c.layout)
		assertf(err == nil, "after commit: %v", err)
	}

	if !t.updates.Empty() {
		c.recMu.Lock()
		for i, p := range t.updates.Changed {
			c.records[p] = t.records[i]
		}
		c.recMu.Unlock()
	}

	elapsed := time.Since(start)
	t.count(func(s *Stats) {
		s.Committed++
		if t.updates.Empty() {
			s.Idle++
		}
		s.Deferred += uint64(t.updates.Deferred)
		for b, n := range rep.Baked {
			s.Baked[b] += uint64(n)
		}
		s.Apply = elapsed
	})
	return nil
}

// unpublish restores the renderer-visible records of the tick's changed
// patches to those of the active buffer.
func (t *Tick) unpublish() error {
	if t.updates.Empty() {
		return nil
	}
	c := t.cache
	c.recMu.RLock()
	restored := make([]PatchRecord, len(t.updates.Changed))
	for i, p := range t.updates.Changed {
		restored[i] = c.records[p]
	}
	c.recMu.RUnlock()
	if err := c.opts.Dispatcher.Publish(t.updates.Changed, restored); err != nil {
		return fmt.Errorf("restoring records: %w", err)
	}
	return nil
}

// Discard releases the tick without committing it. The active buffer is
// left exactly as it was before Prepare.
func (t *Tick) Discard() {
	if t.done {
		return
	}
	t.count(func(s *Stats) { s.Dropped++ })
	t.finish()
}

func (t *Tick) stale() bool {
	return t.cache.generation.Load() != t.generation
}

func (t *Tick) drop(stage string) {
	t.cache.log.Debug("dropping stale ptex tick", zap.String("stage", stage))
	t.count(func(s *Stats) { s.Dropped++ })
	t.finish()
}

func (t *Tick) count(f func(*Stats)) {
	c := t.cache
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}

func (t *Tick) finish() {
	if t.done {
		return
	}
	t.done = true
	t.count(func(s *Stats) { s.Ticks++ })
	t.cache.mu.Unlock()
}

// Update runs a whole tick on the calling thread.
func (c *Cache) Update(pose CameraPose) error {
	t, err := c.Prepare(pose)
	if errors.Is(err, ErrStale) {
		return nil
	}
	if err != nil {
		return err
	}
	return t.Apply()
}

// Layout returns the current layout, nil before the first Rebuild.
func (c *Cache) Layout() *Layout {
	if st := c.view.Load(); st != nil {
		return st.Layout()
	}
	return nil
}

// Active returns the renderer-safe buffer. It never waits for a tick in
// flight.
func (c *Cache) Active() *Tables {
	if st := c.view.Load(); st != nil {
		return st.Active()
	}
	return nil
}

// Records returns a copy of the parameter records the renderer sees.
func (c *Cache) Records() []PatchRecord {
	c.recMu.RLock()
	defer c.recMu.RUnlock()
	return append([]PatchRecord(nil), c.records...)
}

// Handles returns the bindless texture and mip image handle tables.
func (c *Cache) Handles() (textures, images []uint64) {
	return c.opts.Dispatcher.Handles()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	s := c.stats
	s.Baked = append([]uint64(nil), c.stats.Baked...)
	c.statsMu.Unlock()

	if st := c.view.Load(); st != nil {
		active := st.Active()
		s.Occupancy = make([]int, len(st.Layout().Bins))
		for _, b := range active.Classification {
			if b != Unassigned {
				s.Occupancy[b]++
			}
		}
	}
	return s
}

// Close cancels any tick in flight and releases the GPU resources.
func (c *Cache) Close() {
	c.Cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bakeable = false
	c.opts.Dispatcher.Release()
}

func buildRecords(store *PatchStore, layout *Layout, t *Tables, patches []int32) []PatchRecord {
	vista := layout.Vista()
	records := make([]PatchRecord, len(patches))
	for i, p := range patches {
		r := PatchRecord{Neighbors: store.Neighbors(int(p))}
		bin := t.Classification[p]
		if bin == Unassigned || bin == vista {
			r.Tag = uint32(vista)
			slot := layout.VistaSlot(int(p))
			r.Array, r.Base = slot.Array, slot.Base
		} else {
			r.Tag = uint32(bin)
			r.Array, r.Base = t.Slots[p].Array, t.Slots[p].Base
		}
		records[i] = r
	}
	return records
}
