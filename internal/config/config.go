// Package config loads the agent and manager configuration from a YAML file
// found on a fixed search path, with environment variable overrides for the
// values operators most often need to change without editing the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig overrides the auto-detected node identifier.
type NodeConfig struct {
	Name string `yaml:"name"`
}

// ManagerConfig holds the transport endpoint and credentials the agent uses
// to reach the manager.
type ManagerConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProxmoxConfig holds the hypervisor API credentials the probe polls against.
type ProxmoxConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	TokenName  string `yaml:"token_name"`
	TokenValue string `yaml:"token_value"`
	VerifySSL  bool   `yaml:"verify_ssl"`
}

// PollingConfig controls the agent's tick interval and which guest kinds it
// tracks.
type PollingConfig struct {
	IntervalSeconds int  `yaml:"interval_seconds"`
	TrackQEMU       bool `yaml:"track_qemu"`
	TrackLXC        bool `yaml:"track_lxc"`
}

// DatabaseConfig binds the manager to its relational store.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// SecurityConfig holds the static token the manager requires on ingest
// calls.
type SecurityConfig struct {
	APIKey string `yaml:"api_key"`
}

// TracingConfig controls OpenTelemetry export. Disabled by default; this is
// ambient observability, not core billing logic.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr"`
}

// SyncSetConfig binds the force-sync pending set to its backing Redis
// instance. Losing this state on restart is benign (spec §9), so a missing
// address just means the set runs in-memory only.
type SyncSetConfig struct {
	RedisAddr string `yaml:"redis_addr"`
}

// Config is the root configuration object, recognized by both the agent and
// manager binaries (each reads only the sections relevant to it).
type Config struct {
	Node       NodeConfig      `yaml:"node"`
	Manager    ManagerConfig   `yaml:"manager"`
	Proxmox    ProxmoxConfig   `yaml:"proxmox"`
	Polling    PollingConfig   `yaml:"polling"`
	StateFile  string          `yaml:"state_file"`
	Database   DatabaseConfig  `yaml:"database"`
	Security   SecurityConfig  `yaml:"security"`
	Tracing    TracingConfig   `yaml:"observability_tracing"`
	Metrics    MetricsConfig   `yaml:"observability_metrics"`
	SyncSet    SyncSetConfig   `yaml:"sync_set"`
	DaemonAddr string          `yaml:"daemon_addr"`
}

// searchPaths returns, in priority order, the directories this config
// format is discovered in: the current directory, /etc/<app>/, then the
// running binary's own directory.
func searchPaths(appName string) []string {
	paths := []string{"."}
	paths = append(paths, filepath.Join("/etc", appName))
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Dir(exe))
	}
	return paths
}

// Load searches the standard path for "<appName>.yaml" (falling back to
// "config.yaml") and parses it, applying environment overrides afterward.
// If no file is found on the search path, Load returns DefaultConfig()
// with environment overrides applied — a missing config file is not fatal,
// since every value has a sane default.
func Load(appName string) (*Config, error) {
	cfg := DefaultConfig()

	candidates := []string{appName + ".yaml", "config.yaml"}
	for _, dir := range searchPaths(appName) {
		for _, name := range candidates {
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			applyEnv(cfg)
			return cfg, nil
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// DefaultConfig returns a Config populated with the documented defaults: a
// 30s polling interval, a 30s manager timeout, both guest kinds tracked.
func DefaultConfig() *Config {
	return &Config{
		Manager: ManagerConfig{
			Timeout: 30 * time.Second,
		},
		Polling: PollingConfig{
			IntervalSeconds: 30,
			TrackQEMU:       true,
			TrackLXC:        true,
		},
		StateFile: "/var/lib/fleetmeter/state.json",
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 2,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "fleetmeter",
			Addr:      ":9090",
		},
		DaemonAddr: ":8080",
	}
}

// applyEnv layers environment-variable overrides over an already-loaded
// config, for the values operators change most often without touching the
// file on disk.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FLEETMETER_NODE_NAME"); v != "" {
		cfg.Node.Name = v
	}
	if v := os.Getenv("FLEETMETER_MANAGER_URL"); v != "" {
		cfg.Manager.URL = v
	}
	if v := os.Getenv("FLEETMETER_MANAGER_API_KEY"); v != "" {
		cfg.Manager.APIKey = v
	}
	if v := os.Getenv("FLEETMETER_STATE_FILE"); v != "" {
		cfg.StateFile = v
	}
	if v := os.Getenv("FLEETMETER_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("FLEETMETER_SECURITY_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("FLEETMETER_POLLING_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Polling.IntervalSeconds = n
		}
	}
	if v := os.Getenv("FLEETMETER_DAEMON_ADDR"); v != "" {
		cfg.DaemonAddr = v
	}
}
