package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Subscriber is an external HTTP endpoint receiving session lifecycle events.
type Subscriber struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// RetryNetworkErrors classifies transport errors (DNS, TLS, refused
	// connections) as transient instead of permanent.
	RetryNetworkErrors bool `yaml:"retry_network_errors,omitempty"`
}

// Config holds the gateway settings persisted in jetgate.yaml.
type Config struct {
	Listen         string      `yaml:"listen,omitempty"`
	RecordingsDir  string      `yaml:"recordings_dir,omitempty"`
	HistoryDB      string      `yaml:"history_db,omitempty"`
	ProvisionerKey string      `yaml:"provisioner_key"` // HS256 secret shared with the token issuer
	LogLevel       string      `yaml:"log_level,omitempty"`
	LogFile        string      `yaml:"log_file,omitempty"`
	Subscriber     *Subscriber `yaml:"subscriber,omitempty"`
}

func defaults() *Config {
	return &Config{
		Listen:        ":7171",
		RecordingsDir: "recordings",
		HistoryDB:     "jetgate.db",
		LogLevel:      "info",
	}
}

// Load reads the config file at path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":7171"
	}
	if cfg.RecordingsDir == "" {
		cfg.RecordingsDir = "recordings"
	}
	return cfg, nil
}

// Handle provides lock-free-ish access to the current configuration plus a
// change notification. Consumers call Get for a snapshot and select on
// Changed to learn about reloads.
type Handle struct {
	mu      sync.RWMutex
	cfg     *Config
	path    string
	changed chan struct{}
}

// NewHandle wraps a configuration with no backing file; Changed fires only
// when Set replaces it. Used by tests and by deployments without a config file.
func NewHandle(cfg *Config) *Handle {
	return &Handle{cfg: cfg, changed: make(chan struct{}, 1)}
}

// Open loads path and returns a handle bound to it.
func Open(path string) (*Handle, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Handle{cfg: cfg, path: path, changed: make(chan struct{}, 1)}, nil
}

// Get returns the current configuration snapshot. Callers must not mutate it.
func (h *Handle) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Changed delivers one notification per (batch of) reloads.
func (h *Handle) Changed() <-chan struct{} {
	return h.changed
}

// Set replaces the configuration and notifies watchers. Exposed for tests.
func (h *Handle) Set(cfg *Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	h.notify()
}

func (h *Handle) notify() {
	select {
	case h.changed <- struct{}{}:
	default:
	}
}

func (h *Handle) reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	h.notify()
	return nil
}

// Watch re-reads the config file whenever it changes, until ctx is done.
// Editors replace files rather than write in place, so the parent directory
// is watched and events are filtered by name.
func (h *Handle) Watch(ctx context.Context) error {
	if h.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(h.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := h.reload(); err != nil {
				// Keep the last good config on a bad edit.
				slog.Warn("config reload failed", "path", h.path, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", h.path)
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
