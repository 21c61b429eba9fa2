package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/user/gattd/logger"
	"github.com/user/gattd/util"
)

// Config holds server and client configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// Network and Address locate the listening socket. An empty Address
	// resolves to <DataDir>/sockets/gattd.sock.
	Network string `yaml:"network" default:"unix"`
	Address string `yaml:"address"`

	DataDir string `yaml:"data_dir"`

	// MTU is the largest ATT_MTU offered during Exchange MTU.
	MTU int `yaml:"mtu" default:"517"`

	RequestTimeout      time.Duration `yaml:"request_timeout" default:"30s"`
	IndicationTimeout   time.Duration `yaml:"indication_timeout" default:"30s"`
	DeferredReadTimeout time.Duration `yaml:"deferred_read_timeout" default:"500ms"`

	DebugPackets bool   `yaml:"debug_packets"`
	DeviceName   string `yaml:"device_name" default:"gattd"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	defaults.SetDefaults(c)
	if c.DataDir == "" {
		c.DataDir = util.GetDataDir()
	}
	if c.Address == "" && c.Network == "unix" {
		c.Address = filepath.Join(c.DataDir, "sockets", "gattd.sock")
	}
}

// Validate reports settings no server can run with.
func (c *Config) Validate() error {
	if c.MTU < 23 || c.MTU > 517 {
		return fmt.Errorf("config: mtu %d outside 23..517", c.MTU)
	}
	if c.RequestTimeout <= 0 || c.IndicationTimeout <= 0 || c.DeferredReadTimeout <= 0 {
		return errors.New("config: timeouts must be positive")
	}
	if c.Address == "" {
		return fmt.Errorf("config: no address for network %q", c.Network)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	return logger.New(c.LogLevel)
}
