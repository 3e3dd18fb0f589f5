// Package config holds the orchestrator's runtime configuration.
//
// A Config is constructed once in main — defaults, then an optional TOML file
// overlay — and passed into every component. No component reads ambient
// process state directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds usbipvm runtime configuration. Immutable after startup.
type Config struct {
	// StateDir is the base directory for per-instance runtime state:
	// overlays, console logs, monitor sockets, pidfiles, diagnostics.
	StateDir string

	// BaseImagePath is the shared read-only qcow2 base disk image.
	// A .zst or .gz compressed image is decompressed once next to it.
	BaseImagePath string

	// QemuBin and QemuImgBin are the hypervisor binaries. Empty means
	// search PATH.
	QemuBin    string
	QemuImgBin string

	// RequestedMemoryMB and RequestedCPUs are sizing hints for the resource
	// allocator. Zero means "let the allocator pick".
	RequestedMemoryMB int
	RequestedCPUs     int

	// PortRangeStart/End bound the host port scan for guest forwarding.
	PortRangeStart int
	PortRangeEnd   int

	// GuestControlPort and GuestDataPort are the fixed guest-side ports the
	// two allocated host ports forward to.
	GuestControlPort int
	GuestDataPort    int

	// BootTimeout is the maximum wall-clock wait for the ready marker.
	BootTimeout time.Duration

	// PollInterval is the boot-readiness polling tick.
	PollInterval time.Duration

	// ShutdownTimeout bounds the graceful power-down wait before escalating.
	ShutdownTimeout time.Duration

	// MaxBootRetries bounds retries of the provision/launch/boot span.
	MaxBootRetries int

	// RetryDelay is the fixed delay between boot attempts.
	RetryDelay time.Duration

	// HistoryDBPath is the SQLite run-history database.
	HistoryDBPath string
}

// Default returns the default configuration rooted under ~/.usbipvm.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".usbipvm")

	return &Config{
		StateDir:         filepath.Join(baseDir, "state"),
		BaseImagePath:    filepath.Join(baseDir, "images", "base.qcow2"),
		PortRangeStart:   2200,
		PortRangeEnd:     2299,
		GuestControlPort: 22,
		GuestDataPort:    3240,
		BootTimeout:      180 * time.Second,
		PollInterval:     2 * time.Second,
		ShutdownTimeout:  30 * time.Second,
		MaxBootRetries:   2,
		RetryDelay:       5 * time.Second,
		HistoryDBPath:    filepath.Join(baseDir, "history.db"),
	}
}

// fileConfig is the TOML schema. Durations are strings ("90s", "2m").
type fileConfig struct {
	StateDir          string `toml:"state_dir"`
	BaseImagePath     string `toml:"base_image"`
	QemuBin           string `toml:"qemu_bin"`
	QemuImgBin        string `toml:"qemu_img_bin"`
	RequestedMemoryMB int    `toml:"memory_mb"`
	RequestedCPUs     int    `toml:"cpus"`
	PortRangeStart    int    `toml:"port_range_start"`
	PortRangeEnd      int    `toml:"port_range_end"`
	GuestControlPort  int    `toml:"guest_control_port"`
	GuestDataPort     int    `toml:"guest_data_port"`
	BootTimeout       string `toml:"boot_timeout"`
	PollInterval      string `toml:"poll_interval"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`
	MaxBootRetries    int    `toml:"max_boot_retries"`
	RetryDelay        string `toml:"retry_delay"`
	HistoryDBPath     string `toml:"history_db"`
}

// LoadFile overlays settings from a TOML file onto c. Unset fields keep
// their current values.
func (c *Config) LoadFile(path string) error {
	var fc fileConfig
	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse config %s: unknown key %q", path, undecoded[0].String())
	}

	if fc.StateDir != "" {
		c.StateDir = fc.StateDir
	}
	if fc.BaseImagePath != "" {
		c.BaseImagePath = fc.BaseImagePath
	}
	if fc.QemuBin != "" {
		c.QemuBin = fc.QemuBin
	}
	if fc.QemuImgBin != "" {
		c.QemuImgBin = fc.QemuImgBin
	}
	if fc.RequestedMemoryMB != 0 {
		c.RequestedMemoryMB = fc.RequestedMemoryMB
	}
	if fc.RequestedCPUs != 0 {
		c.RequestedCPUs = fc.RequestedCPUs
	}
	if fc.PortRangeStart != 0 {
		c.PortRangeStart = fc.PortRangeStart
	}
	if fc.PortRangeEnd != 0 {
		c.PortRangeEnd = fc.PortRangeEnd
	}
	if fc.GuestControlPort != 0 {
		c.GuestControlPort = fc.GuestControlPort
	}
	if fc.GuestDataPort != 0 {
		c.GuestDataPort = fc.GuestDataPort
	}
	if fc.MaxBootRetries != 0 {
		c.MaxBootRetries = fc.MaxBootRetries
	}
	if fc.HistoryDBPath != "" {
		c.HistoryDBPath = fc.HistoryDBPath
	}

	for _, d := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{fc.BootTimeout, &c.BootTimeout, "boot_timeout"},
		{fc.PollInterval, &c.PollInterval, "poll_interval"},
		{fc.ShutdownTimeout, &c.ShutdownTimeout, "shutdown_timeout"},
		{fc.RetryDelay, &c.RetryDelay, "retry_delay"},
	} {
		if d.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config %s: %s: %w", path, d.name, err)
		}
		*d.dst = dur
	}

	return c.Validate()
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	// start < end also guarantees the range holds a pair.
	if c.PortRangeStart <= 0 || c.PortRangeEnd <= 0 || c.PortRangeStart >= c.PortRangeEnd {
		return fmt.Errorf("config: invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.BootTimeout <= 0 || c.PollInterval <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.MaxBootRetries < 1 {
		return fmt.Errorf("config: max_boot_retries must be at least 1")
	}
	return nil
}

// EnsureDirs creates the state directory tree.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.StateDir,
		filepath.Dir(c.BaseImagePath),
		filepath.Dir(c.HistoryDBPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
