// Package config defines the on-disk YAML shapes for a daemon's
// global configuration and each repository's per-source configuration
// (spec §6 "On-disk repository layout", `config` file). Parsing these
// into running jobs, sources and schedules is the daemon's job; this
// package only owns the data shapes and their loading.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"backy/internal/source"
)

// TagRule is one schedule entry's on-disk shape: how often a tag is
// due and how many revisions carrying it survive expiry.
type TagRule struct {
	Interval string `yaml:"interval"`
	Keep     int    `yaml:"keep"`
}

// Repository is the YAML shape of a single repository's `config` file.
type Repository struct {
	Schedule map[string]TagRule `yaml:"schedule"`
	Source   source.Config      `yaml:"source"`
	Path     string             `yaml:"path,omitempty"`
}

// LoadRepository reads and parses one repository's config file.
func LoadRepository(path string) (*Repository, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Repository
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Peer is one entry in the daemon's `peers` block: the server name a
// remote daemon's revisions carry, its admin API base URL, and the
// bearer token this daemon authenticates to it with.
type Peer struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// API is the daemon's admin HTTP API configuration: bind addresses,
// port, and the bearer tokens it accepts, mapped to client names.
type API struct {
	Addrs  []string          `yaml:"addrs"`
	Port   int               `yaml:"port"`
	Tokens map[string]string `yaml:"tokens"` // token -> client name
}

// Daemon is the top-level daemon configuration: where repositories
// live, the admin API, and the peers this daemon replicates against.
type Daemon struct {
	BaseDir      string `yaml:"base-dir"`
	WorkerLimit  int64  `yaml:"worker-limit"`
	API          API    `yaml:"api"`
	Peers        []Peer `yaml:"peers"`
}

// LoadDaemon reads and parses the daemon's top-level configuration
// file.
func LoadDaemon(path string) (*Daemon, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Daemon
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.WorkerLimit <= 0 {
		cfg.WorkerLimit = 1
	}
	return &cfg, nil
}
