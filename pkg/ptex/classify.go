package ptex

import (
	"sort"
)

// Classifier assigns patches to LOD bins in one monotone pass over the
// patches sorted by distance.
type Classifier struct {
	bins      []BinSpec
	order     []int32
	remaining []int
}

// NewClassifier creates a classifier for the given bins, finest first. The
// last bin has unbounded effective capacity.
func NewClassifier(bins []BinSpec) *Classifier {
	assertf(len(bins) >= 1, "classifier needs at least one bin")
	return &Classifier{
		bins:      append([]BinSpec(nil), bins...),
		remaining: make([]int, len(bins)),
	}
}

// Bins returns the number of bins.
func (c *Classifier) Bins() int {
	return len(c.bins)
}

// Classify writes the bin of every sampled patch into out. Patches with
// distance(a) < distance(b) always get bin(a) <= bin(b).
func (c *Classifier) Classify(samples []Sample, out []BinID) {
	n := len(samples)
	assertf(len(out) >= n, "classification buffer holds %d of %d patches", len(out), n)

	if cap(c.order) < n {
		c.order = make([]int32, n)
	}
	c.order = c.order[:n]
	for i := range c.order {
		c.order[i] = int32(i)
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		return samples[c.order[i]].Distance < samples[c.order[j]].Distance
	})

	for b, spec := range c.bins {
		c.remaining[b] = spec.Capacity
	}

	last := len(c.bins) - 1
	cursor := 0
	for _, p := range c.order {
		d := samples[p].Distance
		if d >= CulledDistance {
			cursor = last
		}
		for cursor < last && (c.remaining[cursor] <= 0 || c.exceeds(cursor, d)) {
			cursor++
		}
		out[p] = BinID(cursor)
		if cursor < last {
			c.remaining[cursor]--
		}
	}
}

func (c *Classifier) exceeds(b int, d float32) bool {
	spec := c.bins[b]
	return !spec.Unbounded() && d > spec.Threshold
}
