// Package config loads the demo configuration.
//
// Sources, highest priority first:
//
//  1. Command-line flags
//  2. DIESEL_* environment variables (DIESEL_WINDOW_WIDTH for window.width)
//  3. The file named by --config (YAML, TOML or JSON)
//  4. Defaults
package config

import (
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/andewx/dieselcore"
	"github.com/andewx/dieselcore/gpualloc"
	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	vk "github.com/vulkan-go/vulkan"
)

const EnvPrefix = "DIESEL"

type Config struct {
	App       App       `mapstructure:"app"`
	Window    Window    `mapstructure:"window"`
	Vulkan    Vulkan    `mapstructure:"vulkan"`
	Frames    Frames    `mapstructure:"frames"`
	Allocator Allocator `mapstructure:"allocator"`
	Log       Log       `mapstructure:"log"`
	Metrics   Metrics   `mapstructure:"metrics"`
}

type App struct {
	Name string `mapstructure:"name"`
	// Version is a semantic version, packed into the native version number.
	Version string `mapstructure:"version"`
}

type Window struct {
	Title  string `mapstructure:"title"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
}

type Vulkan struct {
	Validation       bool     `mapstructure:"validation"`
	InstanceLayers   []string `mapstructure:"instance_layers"`
	DeviceExtensions []string `mapstructure:"device_extensions"`
}

type Frames struct {
	InFlight     int           `mapstructure:"in_flight"`
	FenceTimeout time.Duration `mapstructure:"fence_timeout"`
	// Limit stops the demo after this many frames. Zero runs until closed.
	Limit int `mapstructure:"limit"`
}

type Allocator struct {
	ChunkSize          uint64 `mapstructure:"chunk_size"`
	DedicatedThreshold uint64 `mapstructure:"dedicated_threshold"`
}

type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Metrics struct {
	// Listen is the address /metrics is served on. Empty disables it.
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	alloc := gpualloc.DefaultConfig()
	v.SetDefault("app.name", "dieseldemo")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("window.title", "dieselcore")
	v.SetDefault("window.width", 800)
	v.SetDefault("window.height", 600)
	v.SetDefault("vulkan.validation", false)
	v.SetDefault("vulkan.instance_layers", []string{})
	v.SetDefault("vulkan.device_extensions", []string{})
	v.SetDefault("frames.in_flight", dieselcore.DefaultFramesInFlight)
	v.SetDefault("frames.fence_timeout", dieselcore.DefaultFenceTimeout)
	v.SetDefault("frames.limit", 0)
	v.SetDefault("allocator.chunk_size", alloc.ChunkSize)
	v.SetDefault("allocator.dedicated_threshold", alloc.DedicatedThreshold)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("metrics.listen", "")
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"title":            "window.title",
	"width":            "window.width",
	"height":           "window.height",
	"validation":       "vulkan.validation",
	"frames-in-flight": "frames.in_flight",
	"fence-timeout":    "frames.fence_timeout",
	"frames":           "frames.limit",
	"log-level":        "log.level",
	"log-development":  "log.development",
	"metrics-listen":   "metrics.listen",
}

// NewFlagSet declares the demo flags.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "configuration file")
	fs.String("title", "dieselcore", "window title")
	fs.Int("width", 800, "initial window width")
	fs.Int("height", 600, "initial window height")
	fs.Bool("validation", false, "enable the validation layer")
	fs.Int("frames-in-flight", dieselcore.DefaultFramesInFlight, "frames recorded ahead of the GPU")
	fs.Duration("fence-timeout", dieselcore.DefaultFenceTimeout, "bound on every fence wait")
	fs.Int("frames", 0, "stop after this many frames (0 runs until closed)")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.Bool("log-development", false, "human readable development logging")
	fs.String("metrics-listen", "", "serve prometheus metrics on this address")
	return fs
}

// Load parses args with fs and merges every source.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errors.Wrapf(err, "bind flag %q", name)
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		return errors.Newf("window size %dx%d must be positive", c.Window.Width, c.Window.Height)
	}
	if c.Frames.InFlight <= 0 {
		return errors.Newf("frames.in_flight must be positive, got %d", c.Frames.InFlight)
	}
	if c.Frames.FenceTimeout <= 0 {
		return errors.Newf("frames.fence_timeout must be positive, got %s", c.Frames.FenceTimeout)
	}
	if _, err := c.AppVersion(); err != nil {
		return err
	}
	return nil
}

// AppVersion packs app.version the way the driver expects it.
func (c *Config) AppVersion() (uint32, error) {
	ver, err := semver.NewVersion(c.App.Version)
	if err != nil {
		return 0, errors.Wrapf(err, "app.version %q", c.App.Version)
	}
	return vk.MakeVersion(int(ver.Major()), int(ver.Minor()), int(ver.Patch())), nil
}

// Application names the demo to the driver.
func (c *Config) Application() (dieselcore.ApplicationInfo, error) {
	ver, err := c.AppVersion()
	if err != nil {
		return dieselcore.ApplicationInfo{}, err
	}
	return dieselcore.ApplicationInfo{
		Name:          c.App.Name,
		Version:       ver,
		EngineName:    "dieselcore",
		EngineVersion: vk.MakeVersion(0, 1, 0),
		APIVersion:    vk.MakeVersion(1, 0, 0),
	}, nil
}

func (c *Config) Setup() dieselcore.Setup {
	return dieselcore.Setup{
		InstanceLayers:   c.Vulkan.InstanceLayers,
		DeviceExtensions: c.Vulkan.DeviceExtensions,
		Validation:       c.Vulkan.Validation,
	}
}

// Options has no registerer; the caller wires metrics.
func (c *Config) Options() dieselcore.Options {
	return dieselcore.Options{
		FramesInFlight: c.Frames.InFlight,
		FenceTimeout:   c.Frames.FenceTimeout,
		Allocator: gpualloc.Config{
			ChunkSize:          c.Allocator.ChunkSize,
			DedicatedThreshold: c.Allocator.DedicatedThreshold,
		},
	}
}
