// Package config handles benchmark and cache configuration loading.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Faultbox/ptexcache/pkg/ptex"
)

// Config holds all settings of a ptexbench run.
type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Bench   BenchConfig   `yaml:"bench"`
	Stats   StatsConfig   `yaml:"stats"`
	Logging LoggingConfig `yaml:"logging"`
}

// BinConfig is one LOD bin, finest first. The last bin is the vista bin.
type BinConfig struct {
	Resolution int     `yaml:"resolution"`
	Capacity   int     `yaml:"capacity"`  // 0 = derived from the budget
	Threshold  float32 `yaml:"threshold"` // 0 = unbounded
}

// CacheConfig holds the per-brick cache settings.
type CacheConfig struct {
	MemoryMB          int64       `yaml:"memory_mb"`
	ComponentsPerTile int         `yaml:"components_per_tile"`
	MaxArrayLayers    int         `yaml:"max_array_layers"`
	BytesPerTexel     int         `yaml:"bytes_per_texel"`
	DetailTiles       int         `yaml:"detail_tiles"`
	Bins              []BinConfig `yaml:"bins"`
	CameraCell        float32     `yaml:"camera_cell"`
	FrustumPadding    float32     `yaml:"frustum_padding"`
	Workers           int         `yaml:"workers"`
	MaxEntriesPerTick int         `yaml:"max_entries_per_tick"`
	Validate          bool        `yaml:"validate"`
}

// BenchConfig holds the driver settings.
type BenchConfig struct {
	Bricks     int     `yaml:"bricks"`
	GridSize   int     `yaml:"grid_size"`  // Quads per brick edge
	PatchSize  float32 `yaml:"patch_size"` // World units per quad edge
	Ticks      int     `yaml:"ticks"`      // 0 = run until interrupted
	TickRate   float64 `yaml:"tick_rate"`  // Ticks per second, 0 = unthrottled
	Burst      int     `yaml:"burst"`
	GL         bool    `yaml:"gl"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	CameraPath string  `yaml:"camera_path"` // orbit or flythrough
	Speed      float32 `yaml:"speed"`       // World units per tick
	Seed       int64   `yaml:"seed"`
	DumpDir    string  `yaml:"dump_dir"`   // Write detail tiles here after a GL run
	DumpTiles  int     `yaml:"dump_tiles"` // Tiles per brick to dump
}

// StatsConfig holds the websocket stats stream settings.
type StatsConfig struct {
	Addr     string        `yaml:"addr"` // Empty disables the server
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
	JSON    bool   `yaml:"json"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			MemoryMB:          256,
			ComponentsPerTile: 4,
			MaxArrayLayers:    2048,
			BytesPerTexel:     4,
			DetailTiles:       64,
			Bins: []BinConfig{
				{Resolution: 256, Threshold: 64},
				{Resolution: 128, Threshold: 256},
				{Resolution: 64, Threshold: 1024},
				{Resolution: 16},
			},
			CameraCell:        ptex.DefaultCameraCell,
			FrustumPadding:    ptex.DefaultFrustumPadding,
			Workers:           4,
			MaxEntriesPerTick: 32,
		},
		Bench: BenchConfig{
			Bricks:     1,
			GridSize:   64,
			PatchSize:  32,
			Ticks:      600,
			TickRate:   60,
			Burst:      1,
			Width:      1280,
			Height:     720,
			CameraPath: "orbit",
			Speed:      8,
			Seed:       1,
			DumpTiles:  8,
		},
		Stats: StatsConfig{
			Interval: time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// PatchesPerBrick returns the quad count of one synthetic brick.
func (c *Config) PatchesPerBrick() int {
	return c.Bench.GridSize * c.Bench.GridSize
}

// BudgetConfig converts the cache section into a ptex budget.
func (c *Config) BudgetConfig() ptex.BudgetConfig {
	bins := make([]ptex.BinSpec, len(c.Cache.Bins))
	for i, b := range c.Cache.Bins {
		thr := b.Threshold
		if thr <= 0 {
			thr = float32(math.Inf(1))
		}
		bins[i] = ptex.BinSpec{Resolution: b.Resolution, Capacity: b.Capacity, Threshold: thr}
	}
	return ptex.BudgetConfig{
		AvailableMemoryBytes:      c.Cache.MemoryMB << 20,
		MaterialComponentsPerTile: c.Cache.ComponentsPerTile,
		MaxArrayLayers:            c.Cache.MaxArrayLayers,
		BytesPerTexel:             c.Cache.BytesPerTexel,
		Bins:                      bins,
		DetailTiles:               c.Cache.DetailTiles,
	}
}

// Validate rejects settings a cache cannot be built from, including budgets
// too small for the vista and detail tiers of one brick.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Cache.Bins) < 2 {
		errs = append(errs, fmt.Errorf("cache.bins: need at least 2 bins, got %d", len(c.Cache.Bins)))
	}
	for i, b := range c.Cache.Bins {
		if b.Resolution <= 0 || b.Resolution&(b.Resolution-1) != 0 {
			errs = append(errs, fmt.Errorf("cache.bins[%d]: resolution %d is not a power of two", i, b.Resolution))
		}
	}
	if c.Cache.MemoryMB <= 0 {
		errs = append(errs, fmt.Errorf("cache.memory_mb must be positive, got %d", c.Cache.MemoryMB))
	}
	if c.Cache.ComponentsPerTile <= 0 {
		errs = append(errs, fmt.Errorf("cache.components_per_tile must be positive, got %d", c.Cache.ComponentsPerTile))
	} else if c.Cache.MaxArrayLayers < c.Cache.ComponentsPerTile {
		errs = append(errs, fmt.Errorf("cache.max_array_layers %d cannot hold one tile", c.Cache.MaxArrayLayers))
	}
	if c.Cache.BytesPerTexel <= 0 {
		errs = append(errs, fmt.Errorf("cache.bytes_per_texel must be positive, got %d", c.Cache.BytesPerTexel))
	}
	if c.Bench.Bricks < 1 || c.Bench.GridSize < 1 {
		errs = append(errs, fmt.Errorf("bench: need at least one brick of one quad, got %d bricks of %dx%d",
			c.Bench.Bricks, c.Bench.GridSize, c.Bench.GridSize))
	}
	if c.Bench.TickRate < 0 {
		errs = append(errs, fmt.Errorf("bench.tick_rate must not be negative, got %v", c.Bench.TickRate))
	}
	switch c.Bench.CameraPath {
	case "orbit", "flythrough":
	default:
		errs = append(errs, fmt.Errorf("bench.camera_path: unknown path %q", c.Bench.CameraPath))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if _, err := ptex.CheckBudget(c.BudgetConfig(), c.PatchesPerBrick()); err != nil {
		return fmt.Errorf("cache budget for %d patches: %w", c.PatchesPerBrick(), err)
	}
	return nil
}
