// Package bench drives brick caches along a scripted camera path and reports
// what they do.
package bench

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Faultbox/ptexcache/internal/config"
	"github.com/Faultbox/ptexcache/internal/engine/camera"
	"github.com/Faultbox/ptexcache/internal/engine/debug"
	"github.com/Faultbox/ptexcache/internal/engine/ptexgl"
	"github.com/Faultbox/ptexcache/internal/engine/terrain"
	"github.com/Faultbox/ptexcache/internal/engine/window"
	"github.com/Faultbox/ptexcache/internal/profiling"
	"github.com/Faultbox/ptexcache/internal/telemetry"
	"github.com/Faultbox/ptexcache/pkg/ptex"
)

// Bench is one benchmark run.
type Bench struct {
	cfg *config.Config
	log *zap.Logger

	window  *window.Window // nil when headless
	world   *World
	path    camera.Path
	limiter *rate.Limiter

	hub    *telemetry.Hub
	server *telemetry.Server

	tick      uint64
	lastStats time.Time
}

// New builds the world, the caches and, when configured, the GL context and
// the stats server.
func New(cfg *config.Config, log *zap.Logger) (*Bench, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bench{cfg: cfg, log: log}

	world, err := BuildWorld(cfg.Bench.Bricks, cfg.Bench.GridSize, cfg.Bench.PatchSize, terrain.DefaultNoise(cfg.Bench.Seed))
	if err != nil {
		return nil, fmt.Errorf("building world: %w", err)
	}
	b.world = world
	log.Info("world generated",
		zap.Int("bricks", len(world.Bricks)),
		zap.Int("patches", world.Patches()))

	var info ptexgl.Info
	if cfg.Bench.GL {
		b.window, err = window.New(window.Config{
			Title:  "ptexbench",
			Width:  cfg.Bench.Width,
			Height: cfg.Bench.Height,
			Hidden: true,
			Debug:  cfg.Cache.Validate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create window: %w", err)
		}
		if info, err = ptexgl.Init(); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to initialize OpenGL: %w", err)
		}
		if info.MaxArrayLayers > 0 && info.MaxArrayLayers < cfg.Cache.MaxArrayLayers {
			log.Warn("clamping array layers to the driver limit",
				zap.Int("configured", cfg.Cache.MaxArrayLayers),
				zap.Int("driver", info.MaxArrayLayers))
			cfg.Cache.MaxArrayLayers = info.MaxArrayLayers
		}
	}

	budget := cfg.BudgetConfig()
	for _, br := range world.Bricks {
		var d ptex.Dispatcher
		if cfg.Bench.GL {
			if br.gpu, err = ptexgl.New(info, log); err != nil {
				b.Close()
				return nil, fmt.Errorf("%s: %w", br.Name, err)
			}
			d = br.gpu
		}
		br.Cache = ptex.NewCache(ptex.Options{
			Name:              br.Name,
			Budget:            budget,
			CameraCell:        cfg.Cache.CameraCell,
			FrustumPadding:    cfg.Cache.FrustumPadding,
			Workers:           cfg.Cache.Workers,
			MaxEntriesPerTick: cfg.Cache.MaxEntriesPerTick,
			Validate:          cfg.Cache.Validate,
			Dispatcher:        d,
			Logger:            log,
		})
		if err := br.Cache.Rebuild(br.Mesh); err != nil {
			b.Close()
			return nil, fmt.Errorf("%s: %w", br.Name, err)
		}
	}

	if b.path, err = newPath(cfg, world); err != nil {
		b.Close()
		return nil, err
	}

	limit := rate.Limit(cfg.Bench.TickRate)
	if cfg.Bench.TickRate == 0 {
		limit = rate.Inf
	}
	b.limiter = rate.NewLimiter(limit, max(cfg.Bench.Burst, 1))

	b.hub = telemetry.NewHub(log.Named("telemetry"))
	if cfg.Stats.Addr != "" {
		if b.server, err = telemetry.Listen(cfg.Stats.Addr, b.hub, log.Named("telemetry")); err != nil {
			b.Close()
			return nil, fmt.Errorf("stats server: %w", err)
		}
	}
	return b, nil
}

func newPath(cfg *config.Config, world *World) (camera.Path, error) {
	lens := camera.DefaultLens(cfg.Bench.Width, cfg.Bench.Height)
	switch cfg.Bench.CameraPath {
	case "orbit":
		c := camera.NewOrbitCamera(lens)
		c.FitToBounds(world.Bounds.Min, world.Bounds.Max)
		c.MaxDistance = max(c.MaxDistance, c.Distance*2)
		c.ZoomStep = 0.002
		return c, nil
	case "flythrough":
		sx, sz := world.Overall.Size()
		loop := terrain.PatrolLoop(world.Overall, mgl32.Vec3{}, min(sx, sz)*0.15)
		return camera.NewFlyCamera(lens, loop, cfg.Bench.PatchSize*4, cfg.Bench.Speed)
	}
	return nil, fmt.Errorf("unknown camera path %q", cfg.Bench.CameraPath)
}

// Run ticks every brick until the configured tick count is reached, the
// window is closed or ctx is done.
func (b *Bench) Run(ctx context.Context) error {
	b.log.Info("starting bench loop",
		zap.Int("ticks", b.cfg.Bench.Ticks),
		zap.Float64("rate", b.cfg.Bench.TickRate),
		zap.Bool("gl", b.cfg.Bench.GL))

	b.lastStats = time.Now()
	for b.cfg.Bench.Ticks == 0 || b.tick < uint64(b.cfg.Bench.Ticks) {
		if err := b.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return err
		}
		if b.window != nil && b.window.PollQuit() {
			break
		}
		if err := b.Step(); err != nil {
			return err
		}
	}

	b.report(true)
	if b.window != nil && b.cfg.Bench.DumpDir != "" {
		b.dumpTiles()
	}
	return nil
}

// Step advances the camera and runs one tick on every brick. The CPU phase
// of all bricks runs in parallel, GPU work is issued on the calling thread.
func (b *Bench) Step() error {
	profiling.ResetTick()
	b.tick++

	func() { defer profiling.Track("camera.Step")(); b.path.Step() }()
	pose := b.path.Pose()

	ticks := make([]*ptex.Tick, len(b.world.Bricks))
	errs := make([]error, len(b.world.Bricks))
	func() {
		defer profiling.Track("cache.Prepare")()
		var wg sync.WaitGroup
		for i, br := range b.world.Bricks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ticks[i], errs[i] = br.Cache.Prepare(pose)
			}()
		}
		wg.Wait()
	}()

	var failed []error
	func() {
		defer profiling.Track("cache.Apply")()
		for i, t := range ticks {
			name := b.world.Bricks[i].Name
			switch err := errs[i]; {
			case errors.Is(err, ptex.ErrStale):
				continue
			case err != nil:
				failed = append(failed, fmt.Errorf("%s: %w", name, err))
				continue
			}
			if err := t.Apply(); err != nil && !errors.Is(err, ptex.ErrStale) {
				failed = append(failed, fmt.Errorf("%s: %w", name, err))
			}
		}
	}()

	if b.window != nil {
		func() { defer profiling.Track("window.Swap")(); b.window.SwapBuffers() }()
	}

	for _, err := range failed {
		if errors.Is(err, ptex.ErrBusy) {
			b.log.Debug("brick busy, tick skipped", zap.Error(err))
			continue
		}
		b.log.Warn("tick failed", zap.Uint64("tick", b.tick), zap.Error(err))
	}

	b.report(false)
	return nil
}

// Stats returns the current counters of every brick.
func (b *Bench) Stats() []ptex.Stats {
	out := make([]ptex.Stats, len(b.world.Bricks))
	for i, br := range b.world.Bricks {
		out[i] = br.Cache.Stats()
	}
	return out
}

// Tick returns the number of ticks run.
func (b *Bench) Tick() uint64 {
	return b.tick
}

// World returns the generated world.
func (b *Bench) World() *World {
	return b.world
}

func (b *Bench) report(final bool) {
	interval := b.cfg.Stats.Interval
	if !final && (interval <= 0 || time.Since(b.lastStats) < interval) {
		return
	}
	b.lastStats = time.Now()

	stats := b.Stats()
	if err := b.hub.Broadcast(telemetry.NewFrame(b.tick, stats, profiling.Snapshot())); err != nil {
		b.log.Warn("stats broadcast failed", zap.Error(err))
	}

	var committed, idle, dropped, failed, deferred uint64
	var used int64
	for _, s := range stats {
		committed += s.Committed
		idle += s.Idle
		dropped += s.Dropped
		failed += s.Failed
		deferred += s.Deferred
		used += s.UsedBytes
	}
	fields := []zap.Field{
		zap.Uint64("tick", b.tick),
		zap.Uint64("committed", committed),
		zap.Uint64("idle", idle),
		zap.Uint64("dropped", dropped),
		zap.Uint64("failed", failed),
		zap.Uint64("deferred", deferred),
		zap.Float64("texture_mb", math.Round(float64(used)/(1<<20)*10)/10),
	}
	fields = append(fields, profiling.Fields(3)...)
	if final {
		b.log.Info("bench finished", fields...)
	} else {
		b.log.Info("bench", fields...)
	}
}

// pickTiles returns up to n patches holding the finest tiles, finest bin
// first and in patch order within a bin.
func pickTiles(layout *ptex.Layout, records []ptex.PatchRecord, n int) []int32 {
	if layout == nil || n <= 0 {
		return nil
	}
	var out []int32
	for bin := ptex.BinID(0); bin < layout.Vista() && len(out) < n; bin++ {
		for p, r := range records {
			if layout.BinOf(r.Array) == bin {
				out = append(out, int32(p))
				if len(out) == n {
					break
				}
			}
		}
	}
	return out
}

func (b *Bench) dumpTiles() {
	for _, br := range b.world.Bricks {
		if br.gpu == nil {
			continue
		}
		dumper := debug.NewTileDumper(b.cfg.Bench.DumpDir, br.Name)
		records := br.Cache.Records()
		for _, p := range pickTiles(br.Cache.Layout(), records, b.cfg.Bench.DumpTiles) {
			r := records[p]
			layers, size, err := br.gpu.ReadTile(ptex.Slot{Array: r.Array, Base: r.Base}, 0)
			if err != nil {
				b.log.Warn("tile readback failed", zap.String("brick", br.Name), zap.Int32("patch", p), zap.Error(err))
				continue
			}
			path, err := dumper.Dump(fmt.Sprintf("patch-%d", p), layers, size, 0)
			if err != nil {
				b.log.Warn("tile dump failed", zap.String("brick", br.Name), zap.Int32("patch", p), zap.Error(err))
				continue
			}
			b.log.Debug("tile dumped", zap.String("path", path))
		}
	}
}

// Close releases the caches, the stats server and the window.
func (b *Bench) Close() {
	if b.server != nil {
		if err := b.server.Close(); err != nil {
			b.log.Warn("closing stats server", zap.Error(err))
		}
	}
	if b.world != nil {
		for _, br := range b.world.Bricks {
			if br.Cache != nil {
				br.Cache.Close()
			}
		}
	}
	if b.window != nil {
		b.window.Close()
		b.window = nil
	}
}
