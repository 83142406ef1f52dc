// Package config loads and hot-reloads the runtime's YAML configuration
// file, shaped after spec.md §6.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration document.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// NodeConfig groups the settings that shape a single node's behavior.
type NodeConfig struct {
	Network NetworkConfig `yaml:"network"`
}

// NetworkConfig controls worker scheduling and gossip behavior.
type NetworkConfig struct {
	MaxParallel      int           `yaml:"max_parallel"`
	Retries          int           `yaml:"retries"`
	P2PCheckTimeout  time.Duration `yaml:"p2p_check_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	NATSURL          string        `yaml:"nats_url"`
	RPCHost          string        `yaml:"rpc_host"`
	RPCPort          int           `yaml:"rpc_port"`
}

// MonitoringConfig controls telemetry export.
type MonitoringConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	JSONLogs     bool   `yaml:"json_logs"`
}

// Default returns a Config with sensible defaults, matching the CLI's
// own default RPC host/port (::1, 3030).
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Network: NetworkConfig{
				MaxParallel:     8,
				Retries:         2,
				P2PCheckTimeout: 3 * time.Second,
				ShutdownTimeout: 10 * time.Second,
				NATSURL:         "nats://127.0.0.1:4222",
				RPCHost:         "::1",
				RPCPort:         3030,
			},
		},
		Monitoring: MonitoringConfig{
			OTLPEndpoint: "localhost:4317",
			JSONLogs:     false,
		},
	}
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.Node.Network.MaxParallel <= 0 {
		return fmt.Errorf("node.network.max_parallel must be positive")
	}
	if c.Node.Network.Retries < 0 {
		return fmt.Errorf("node.network.retries must not be negative")
	}
	if c.Node.Network.P2PCheckTimeout <= 0 {
		return fmt.Errorf("node.network.p2p_check_timeout must be positive")
	}
	return nil
}

// LoadFromFile reads and validates a YAML config file, falling back to
// Default() when path is empty.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher hot-reloads a config file on change, invoking onChange with the
// newly parsed configuration. Parse failures are logged and ignored so a
// bad edit never crashes a running node.
type Watcher struct {
	mu     sync.RWMutex
	path   string
	cfg    *Config
	watch  *fsnotify.Watcher
	onChg  func(*Config)
}

// NewWatcher starts watching path for changes. Call Close to stop.
func NewWatcher(path string, initial *Config, onChange func(*Config)) (*Watcher, error) {
	w := &Watcher{path: path, cfg: initial, onChg: onChange}
	if path == "" {
		return w, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config %s: %w", path, err)
	}
	w.watch = fw
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watch.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadFromFile(w.path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous config", "error", err)
				continue
			}
			w.mu.Lock()
			w.cfg = cfg
			w.mu.Unlock()
			slog.Info("config reloaded", "path", w.path)
			if w.onChg != nil {
				w.onChg(cfg)
			}
		case err, ok := <-w.watch.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.watch == nil {
		return nil
	}
	return w.watch.Close()
}
