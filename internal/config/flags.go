package config

import "flag"

var (
	flagConfig    = flag.String("config", "", "Path to config file")
	flagDebug     = flag.Bool("debug", false, "Enable debug logging and state validation")
	flagGL        = flag.Bool("gl", false, "Bake on a hidden OpenGL 4.3 context")
	flagHeadless  = flag.Bool("headless", false, "Record dispatches without a GPU")
	flagMemoryMB  = flag.Int64("memory-mb", 0, "Texture memory budget per brick in MiB")
	flagStatsAddr = flag.String("stats-addr", "", "Serve the stats stream on this address")
	flagTicks     = flag.Int("ticks", -1, "Number of ticks to run, 0 = until interrupted")
	flagBricks    = flag.Int("bricks", 0, "Number of landscape bricks")
	flagDumpTiles = flag.String("dump-tiles", "", "Write baked detail tiles as PNG into this directory")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
		cfg.Cache.Validate = true
	}
	if *flagGL {
		cfg.Bench.GL = true
	}
	if *flagHeadless {
		cfg.Bench.GL = false
	}
	if *flagMemoryMB > 0 {
		cfg.Cache.MemoryMB = *flagMemoryMB
	}
	if *flagStatsAddr != "" {
		cfg.Stats.Addr = *flagStatsAddr
	}
	if *flagTicks >= 0 {
		cfg.Bench.Ticks = *flagTicks
	}
	if *flagBricks > 0 {
		cfg.Bench.Bricks = *flagBricks
	}
	if *flagDumpTiles != "" {
		cfg.Bench.DumpDir = *flagDumpTiles
	}
}
