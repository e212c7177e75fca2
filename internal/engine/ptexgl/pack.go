package ptexgl

import (
	"maps"
	"slices"

	"github.com/Faultbox/ptexcache/pkg/ptex"
)

// gpuRecord is the std430 layout of one patch record.
type gpuRecord struct {
	Neighbors [4]int32
	Tag       uint32
	Array     int32
	Base      int32
	_         int32
}

const gpuRecordSize = 32

func toGPU(r ptex.PatchRecord) gpuRecord {
	return gpuRecord{Neighbors: r.Neighbors, Tag: r.Tag, Array: r.Array, Base: r.Base}
}

// packQuads flattens patch corners into vec4s, four per patch.
func packQuads(store *ptex.PatchStore) []float32 {
	out := make([]float32, 0, store.Len()*16)
	for i := 0; i < store.Len(); i++ {
		for _, c := range store.Corners(i) {
			out = append(out, c[0], c[1], c[2], 1)
		}
	}
	return out
}

// bakeGroup is the set of jobs that target one texture array.
type bakeGroup struct {
	array int32
	jobs  []uint32
}

// groupByArray splits a bin's bake list into one dispatch per target array,
// in ascending array order. Job order within an array is preserved.
func groupByArray(patches []int32, slots []ptex.Slot) []bakeGroup {
	byArray := make(map[int32][]uint32)
	for i, p := range patches {
		a := slots[i].Array
		byArray[a] = append(byArray[a], uint32(p))
	}
	groups := make([]bakeGroup, 0, len(byArray))
	for _, a := range slices.Sorted(maps.Keys(byArray)) {
		groups = append(groups, bakeGroup{array: a, jobs: byArray[a]})
	}
	return groups
}

// stage writes records into mirror and returns the patch range to upload,
// or ok=false when nothing changed.
func stage(mirror []gpuRecord, patches []int32, records []ptex.PatchRecord) (first, last int32, ok bool) {
	if len(patches) == 0 {
		return 0, 0, false
	}
	first, last = patches[0], patches[0]
	for i, p := range patches {
		mirror[p] = toGPU(records[i])
		first = min(first, p)
		last = max(last, p)
	}
	return first, last, true
}

// workGroups returns the dispatch size covering a res x res tile.
func workGroups(res int) uint32 {
	return uint32((res + bakeGroupSize - 1) / bakeGroupSize)
}
