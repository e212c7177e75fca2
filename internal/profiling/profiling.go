// Package profiling accumulates wall time per named stage within one tick.
package profiling

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	mu         sync.Mutex
	tickTotals = make(map[string]time.Duration)
)

// Track returns a stop function that adds the elapsed time to name.
// Usage: defer profiling.Track("cache.Prepare")()
func Track(name string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		mu.Lock()
		tickTotals[name] += d
		mu.Unlock()
	}
}

// ResetTick clears the current totals. Call at the start of each tick.
func ResetTick() {
	mu.Lock()
	clear(tickTotals)
	mu.Unlock()
}

// Snapshot returns a copy of the current totals.
func Snapshot() map[string]time.Duration {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]time.Duration, len(tickTotals))
	for k, v := range tickTotals {
		out[k] = v
	}
	return out
}

// SumWithPrefix totals every stage whose name starts with prefix.
func SumWithPrefix(prefix string) time.Duration {
	mu.Lock()
	defer mu.Unlock()
	var sum time.Duration
	for k, v := range tickTotals {
		if strings.HasPrefix(k, prefix) {
			sum += v
		}
	}
	return sum
}

type entry struct {
	name string
	dur  time.Duration
}

func top(n int) []entry {
	ss := Snapshot()
	list := make([]entry, 0, len(ss))
	for k, v := range ss {
		list = append(list, entry{k, v})
	}
	slices.SortFunc(list, func(a, b entry) int {
		if c := cmp.Compare(b.dur, a.dur); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	return list[:min(n, len(list))]
}

// TopN formats the n slowest stages of the current tick, slowest first.
// Example: "cache.Prepare:4.2ms, cache.Apply:2.1ms"
func TopN(n int) string {
	list := top(n)
	parts := make([]string, len(list))
	for i, e := range list {
		parts[i] = fmt.Sprintf("%s:%.1fms", e.name, float64(e.dur.Microseconds())/1000)
	}
	return strings.Join(parts, ", ")
}

// Fields returns the n slowest stages as zap fields.
func Fields(n int) []zap.Field {
	list := top(n)
	fields := make([]zap.Field, len(list))
	for i, e := range list {
		fields[i] = zap.Duration(e.name, e.dur)
	}
	return fields
}
