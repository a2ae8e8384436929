// Package agentconfig loads the agent's configuration from an optional YAML
// file plus environment overrides, and hot-reloads the subset of fields
// that are safe to change on a running process.
//
// Env vars always win over the file.
package agentconfig

import (
	"context"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the agent's full runtime configuration.
type Config struct {
	CloudURL                 string `yaml:"cloud_url"`
	DeviceToken              string `yaml:"device_token"`
	RelayWebSocketURL        string `yaml:"relay_websocket_url"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	ScanWorkers              int    `yaml:"scan_workers"`
	ScanCIDR                 string `yaml:"scan_cidr"`
	HealthAddr               string `yaml:"health_addr"`
}

func defaults() Config {
	return Config{
		CloudURL:                 "https://api.example.com",
		HeartbeatIntervalSeconds: 15,
		ScanWorkers:              50,
		HealthAddr:               ":9090",
	}
}

// Store holds the live config behind a mutex so the hot-reload watcher and
// readers never race.
type Store struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// Load reads path (if it exists), applies env overrides, and validates the
// mandatory device token. path may be empty, meaning "no file, env only".
func Load(path string) (*Store, error) {
	cfg := defaults()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(&cfg)

	if cfg.DeviceToken == "" {
		return nil, errMissingDeviceToken
	}

	return &Store{cfg: cfg, path: path}, nil
}

var errMissingDeviceToken = missingTokenErr{}

type missingTokenErr struct{}

func (missingTokenErr) Error() string {
	return "agentconfig: DEVICE_TOKEN is required and was not set by file or environment"
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLOUD_URL"); v != "" {
		cfg.CloudURL = v
	}
	if v := os.Getenv("DEVICE_TOKEN"); v != "" {
		cfg.DeviceToken = v
	}
	if v := os.Getenv("RELAY_WEBSOCKET_URL"); v != "" {
		cfg.RelayWebSocketURL = v
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatIntervalSeconds = n
		}
	}
	if v := os.Getenv("SCAN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanWorkers = n
		}
	}
	if v := os.Getenv("SCAN_CIDR"); v != "" {
		cfg.ScanCIDR = v
	}
	if v := os.Getenv("HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
}

// Get returns a copy of the current config.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// WatchReload starts an fsnotify watcher on the config file (if one was
// given) and applies safe-to-change fields live on every write. device_token
// and cloud_url are intentionally never hot-swapped: H's registration
// identity must not shift under a running process.
func (s *Store) WatchReload(ctx context.Context) {
	if s.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[agentconfig] fsnotify unavailable (%v), config reload disabled", err)
		return
	}
	if err := watcher.Add(s.path); err != nil {
		log.Printf("[agentconfig] failed to watch %s (%v), config reload disabled", s.path, err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond)
					s.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[agentconfig] watch error: %v", err)
			}
		}
	}()
}

func (s *Store) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		log.Printf("[agentconfig] reload read failed: %v", err)
		return
	}

	var fresh Config
	s.mu.RLock()
	fresh = s.cfg
	s.mu.RUnlock()

	prevToken, prevCloud := fresh.DeviceToken, fresh.CloudURL

	if err := yaml.Unmarshal(data, &fresh); err != nil {
		log.Printf("[agentconfig] reload parse failed: %v", err)
		return
	}
	applyEnv(&fresh)

	if fresh.DeviceToken != prevToken || fresh.CloudURL != prevCloud {
		log.Printf("[agentconfig] device_token/cloud_url changed on disk; ignoring live, restart required")
		fresh.DeviceToken = prevToken
		fresh.CloudURL = prevCloud
	}

	s.mu.Lock()
	s.cfg = fresh
	s.mu.Unlock()
	log.Printf("[agentconfig] reloaded live-safe fields from %s", s.path)
}
