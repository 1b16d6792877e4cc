// Package config loads livemd settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Control  ControlConfig  `yaml:"control"`
	Previews PreviewsConfig `yaml:"previews"`
	Watch    WatchConfig    `yaml:"watch"`
	Render   RenderConfig   `yaml:"render"`
	UI       UIConfig       `yaml:"ui"`
}

// ControlConfig is the loopback API that host commands talk to.
type ControlConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type PreviewsConfig struct {
	Host     string `yaml:"host"`
	BasePort int    `yaml:"base_port"`
	// PollInterval is how often the page asks /check-update for a newer revision.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PortQuarantine enables reuse of closed ports once they have been idle
	// this long. Zero keeps ports unique for the process lifetime.
	PortQuarantine time.Duration `yaml:"port_quarantine"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type RenderConfig struct {
	Style     string `yaml:"style"`
	HardWraps bool   `yaml:"hard_wraps"`
}

type UIConfig struct {
	ShowCount   bool `yaml:"show_count"`
	OpenBrowser bool `yaml:"open_browser"`
}

// Default returns the settings used when no config file exists.
func Default() *Config {
	return &Config{
		Control: ControlConfig{
			Host: "127.0.0.1",
			Port: 6419,
		},
		Previews: PreviewsConfig{
			Host:          "127.0.0.1",
			BasePort:      3000,
			PollInterval:  time.Second,
			ShutdownGrace: 2 * time.Second,
		},
		Watch: WatchConfig{
			Debounce: 100 * time.Millisecond,
		},
		Render: RenderConfig{
			Style:     "github",
			HardWraps: true,
		},
		UI: UIConfig{
			ShowCount:   true,
			OpenBrowser: true,
		},
	}
}

// DefaultPath is ~/.config/livemd/config.yaml (or the platform equivalent).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "livemd", "config.yaml")
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !isLoopback(c.Control.Host) {
		return fmt.Errorf("control.host %q is not a loopback address", c.Control.Host)
	}
	if !isLoopback(c.Previews.Host) {
		return fmt.Errorf("previews.host %q is not a loopback address", c.Previews.Host)
	}
	if c.Previews.BasePort <= 0 || c.Previews.BasePort > 65535 {
		return fmt.Errorf("previews.base_port %d out of range", c.Previews.BasePort)
	}
	if c.Control.Port <= 0 || c.Control.Port > 65535 {
		return fmt.Errorf("control.port %d out of range", c.Control.Port)
	}
	if c.Previews.PollInterval <= 0 {
		return fmt.Errorf("previews.poll_interval must be positive")
	}
	if c.Previews.PortQuarantine < 0 {
		return fmt.Errorf("previews.port_quarantine must not be negative")
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative")
	}
	return nil
}

// ControlAddr is the host:port of the control API.
func (c *Config) ControlAddr() string {
	return net.JoinHostPort(c.Control.Host, strconv.Itoa(c.Control.Port))
}

// isLoopback accepts "localhost" and loopback IPs; previews and the control
// API are never served off the local machine.
func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
