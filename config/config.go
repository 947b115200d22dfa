// Package config handles govm.toml (or govm.yaml) configuration: VM
// limits, the executor server and the program cache.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chazu/govm/vm"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file FindAndLoad looks for.
const FileName = "govm.toml"

// Config is a complete configuration.
type Config struct {
	VM     VM     `toml:"vm" yaml:"vm" json:"vm"`
	Server Server `toml:"server" yaml:"server" json:"server"`
	Cache  Cache  `toml:"cache" yaml:"cache" json:"cache"`
	Log    Log    `toml:"log" yaml:"log" json:"log"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-" yaml:"-" json:"-"`
}

// VM configures per-thread limits and the object store.
type VM struct {
	StackSize     int `toml:"stack-size" yaml:"stack-size" json:"stackSize"`
	MaxStackSize  int `toml:"max-stack-size" yaml:"max-stack-size" json:"maxStackSize"`
	MaxFrames     int `toml:"max-frames" yaml:"max-frames" json:"maxFrames"`
	CheckInterval int `toml:"check-interval" yaml:"check-interval" json:"checkInterval"`
	Shards        int `toml:"shards" yaml:"shards" json:"shards"`
}

// Server configures the executor service.
type Server struct {
	Addr            string `toml:"addr" yaml:"addr" json:"addr"`
	GRPCAddr        string `toml:"grpc-addr" yaml:"grpc-addr" json:"grpcAddr"`
	Workers         int    `toml:"workers" yaml:"workers" json:"workers"`
	MaxProgramBytes int    `toml:"max-program-bytes" yaml:"max-program-bytes" json:"maxProgramBytes"`
	Timeout         string `toml:"timeout" yaml:"timeout" json:"timeout"`
}

// Cache configures the program cache.
type Cache struct {
	Path string `toml:"path" yaml:"path" json:"path"`
}

// Log configures logging. Verbosity 0 logs notices and above, each step
// up adds a level and each step down removes one.
type Log struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity" json:"verbosity"`
	File      string `toml:"file" yaml:"file" json:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	d := vm.DefaultOptions()
	return &Config{
		VM: VM{
			StackSize:     d.StackSize,
			MaxStackSize:  d.MaxStackSize,
			MaxFrames:     d.MaxFrames,
			CheckInterval: d.CheckInterval,
			Shards:        d.Shards,
		},
		Server: Server{
			Addr:            ":7070",
			GRPCAddr:        ":7071",
			Workers:         8,
			MaxProgramBytes: 16 << 20,
			Timeout:         "30s",
		},
	}
}

// Load parses a configuration file. The format follows the extension:
// .yaml and .yml are YAML, anything else is TOML. Unset fields keep their
// defaults and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// Format is a configuration file syntax.
type Format int

const (
	TOML Format = iota
	YAML
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	}
	return TOML
}

// Parse decodes and validates configuration text.
func Parse(data []byte, format Format) (*Config, error) {
	c := Default()
	switch format {
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse error: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, fmt.Errorf("parse error: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown key %s", undecoded[0])
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a govm.toml file, then loads
// it. It returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Options converts the VM section.
func (c *Config) Options() vm.Options {
	return vm.Options{
		StackSize:     c.VM.StackSize,
		MaxStackSize:  c.VM.MaxStackSize,
		MaxFrames:     c.VM.MaxFrames,
		CheckInterval: c.VM.CheckInterval,
		Shards:        c.VM.Shards,
	}
}

// TimeoutDuration parses the per-run timeout. Zero means no timeout.
func (s Server) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(s.Timeout)
}
