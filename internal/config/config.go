// Package config centralizes cmd/vecud's process configuration: the
// listen address, the on-disk NVRAM path, the scratch directory for
// in-flight firmware transfers, and how often the cruise-control routine
// cycles. Flags are bound with spf13/pflag the way
// _examples/tonylturner-cipdip/cmd/cipdip binds its client/server flags.
package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Config is cmd/vecud's full set of runtime knobs.
type Config struct {
	ListenAddr   string
	NVRAMPath    string
	ScratchDir   string
	ModulePath   string
	PollInterval time.Duration
	LogLevel     string
}

// Default returns the configuration the reference binary starts with when
// no flags are given.
func Default() Config {
	return Config{
		ListenAddr:   ":13400",
		NVRAMPath:    "nvram.dat",
		ScratchDir:   ".",
		ModulePath:   "libacc_app",
		PollInterval: 2 * time.Second,
		LogLevel:     "info",
	}
}

// BindFlags registers fs flags for every Config field, writing into cfg.
// Call this before fs.Parse.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	def := Default()
	fs.StringVar(&cfg.ListenAddr, "listen", def.ListenAddr, "TCP address to accept DoIP connections on")
	fs.StringVar(&cfg.NVRAMPath, "nvram", def.NVRAMPath, "path to the persistent key-value store file")
	fs.StringVar(&cfg.ScratchDir, "scratch-dir", def.ScratchDir, "directory for in-flight firmware transfer files")
	fs.StringVar(&cfg.ModulePath, "module-path", def.ModulePath, "path of the hot-swappable application module artifact")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", def.PollInterval, "how often the application routine cycles while in APPLICATION state")
	fs.StringVar(&cfg.LogLevel, "log-level", def.LogLevel, "log level: debug|info|warn|error")
}
