package ptex

import (
	"fmt"
	"sync"
)

// Call is one dispatcher call captured by a Recorder.
type Call struct {
	Op      string
	Bin     BinID
	Patches []int32
	Slots   []Slot
	Arrays  []int32
}

func (c Call) String() string {
	switch c.Op {
	case "bake":
		return fmt.Sprintf("bake(bin=%d, tiles=%d)", c.Bin, len(c.Patches))
	case "mips":
		return fmt.Sprintf("mips(bin=%d, arrays=%v)", c.Bin, c.Arrays)
	}
	return c.Op
}

// Recorder is a Dispatcher that performs no GPU work and records every
// call. It backs headless runs and tests.
type Recorder struct {
	// Limit bounds the retained calls to the most recent Limit. Zero keeps
	// every call.
	Limit int

	mu      sync.Mutex
	calls   []Call
	arrays  int
	records []PatchRecord

	// Hooks returning a non-nil error make the matching call fail.
	AllocateErr func(*Layout) error
	BakeErr     func(BinID) error
	// OnBake runs before a bake is recorded, e.g. to cancel mid-tick.
	OnBake func(BinID)
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	if r.Limit > 0 && len(r.calls) >= 2*r.Limit {
		n := copy(r.calls, r.calls[len(r.calls)-r.Limit:])
		clear(r.calls[n:])
		r.calls = r.calls[:n]
	}
	r.mu.Unlock()
}

// Allocate implements Dispatcher.
func (r *Recorder) Allocate(layout *Layout, store *PatchStore, records []PatchRecord) error {
	if r.AllocateErr != nil {
		if err := r.AllocateErr(layout); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.arrays = len(layout.Arrays)
	r.records = make([]PatchRecord, layout.PatchCount)
	r.mu.Unlock()
	r.record(Call{Op: "allocate"})
	return nil
}

// UploadAssignments implements Dispatcher.
func (r *Recorder) UploadAssignments(patches []int32, records []PatchRecord) error {
	r.record(Call{Op: "upload", Patches: append([]int32(nil), patches...)})
	return nil
}

// BakeTiles implements Dispatcher.
func (r *Recorder) BakeTiles(bin BinID, resolution int, patches []int32, slots []Slot) error {
	if r.OnBake != nil {
		r.OnBake(bin)
	}
	if r.BakeErr != nil {
		if err := r.BakeErr(bin); err != nil {
			return err
		}
	}
	r.record(Call{
		Op:      "bake",
		Bin:     bin,
		Patches: append([]int32(nil), patches...),
		Slots:   append([]Slot(nil), slots...),
	})
	return nil
}

// GenerateMips implements Dispatcher.
func (r *Recorder) GenerateMips(bin BinID, arrays []int32) error {
	r.record(Call{Op: "mips", Bin: bin, Arrays: append([]int32(nil), arrays...)})
	return nil
}

// Finish implements Dispatcher.
func (r *Recorder) Finish() error {
	r.record(Call{Op: "finish"})
	return nil
}

// Publish implements Dispatcher.
func (r *Recorder) Publish(patches []int32, records []PatchRecord) error {
	r.mu.Lock()
	for i, p := range patches {
		r.records[p] = records[i]
	}
	r.mu.Unlock()
	r.record(Call{Op: "publish", Patches: append([]int32(nil), patches...)})
	return nil
}

// Handles implements Dispatcher with one fake handle per array.
func (r *Recorder) Handles() (textures, images []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	textures = make([]uint64, r.arrays)
	images = make([]uint64, r.arrays)
	for i := range textures {
		textures[i] = uint64(i + 1)
		images[i] = uint64(i+1) << 32
	}
	return textures, images
}

// Release implements Dispatcher.
func (r *Recorder) Release() {
	r.mu.Lock()
	r.arrays = 0
	r.mu.Unlock()
	r.record(Call{Op: "release"})
}

// Calls returns the recorded calls, oldest first.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := r.calls
	if r.Limit > 0 && len(calls) > r.Limit {
		calls = calls[len(calls)-r.Limit:]
	}
	return append([]Call(nil), calls...)
}

// Published returns the records last published per patch.
func (r *Recorder) Published() []PatchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PatchRecord(nil), r.records...)
}

// Reset forgets the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	clear(r.calls)
	r.calls = r.calls[:0]
	r.mu.Unlock()
}
