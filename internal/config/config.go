package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures the bridge server and the command it launches for every connection.
type Config struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Env entries are KEY=VALUE pairs added to the server's own environment.
	Env []string `yaml:"env"`
	Dir string   `yaml:"dir"`

	ListenAddr string `yaml:"listenAddr"`
	Path       string `yaml:"path"`
	WebSocket  bool   `yaml:"webSocket"`

	GracePeriod     time.Duration `yaml:"gracePeriod"`
	KillGracePeriod time.Duration `yaml:"killGracePeriod"`
	// MaxProcesses caps the number of concurrently running children. Zero means no limit.
	MaxProcesses int `yaml:"maxProcesses"`
}

// ReservedPaths are served by the bridge server itself and cannot be used as the bridge path.
var ReservedPaths = []string{"/healthz", "/metrics"}

func Default() *Config {
	return &Config{
		Command:         "npx",
		Args:            []string{"-y", "@notionhq/notion-mcp-server"},
		ListenAddr:      "0.0.0.0:3000",
		Path:            "/mcp",
		GracePeriod:     5 * time.Second,
		KillGracePeriod: 2 * time.Second,
	}
}

// Load reads a YAML config file on top of the defaults.
// Fields missing from the file keep their default values; unknown fields are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err = dec.Decode(cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Command == "" {
		return errors.New("command must not be empty")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	for _, reserved := range ReservedPaths {
		if c.Path == reserved {
			return fmt.Errorf("path %q is reserved", c.Path)
		}
	}
	if c.ListenAddr == "" {
		return errors.New("listen address must not be empty")
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative, got %s", c.GracePeriod)
	}
	if c.KillGracePeriod < 0 {
		return fmt.Errorf("kill grace period must not be negative, got %s", c.KillGracePeriod)
	}
	if c.MaxProcesses < 0 {
		return fmt.Errorf("max processes must not be negative, got %d", c.MaxProcesses)
	}
	for _, e := range c.Env {
		if !strings.Contains(e, "=") {
			return fmt.Errorf("env entry %q is not of the form KEY=VALUE", e)
		}
	}
	return nil
}
