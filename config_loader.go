// config_loader.go: Argus-powered configuration loading and hot reload
//
// Configuration files may be JSON, YAML or TOML (any format argus detects).
// The ConfigWatcher polls the file with an argus.Watcher and pushes changes of
// the per-plugin section to the manager through UpdatePluginConfig.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// LoadManagerConfig reads, parses, defaults and validates a configuration file.
//
// Example usage:
//
//	config, err := pluginhost.LoadManagerConfig("pluginhost.yaml")
//	if err != nil {
//	    log.Fatalf("Failed to load config: %v", err)
//	}
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var config ManagerConfig

	cleanPath, err := validateConfigPath(path)
	if err != nil {
		return config, err
	}

	configBytes, err := os.ReadFile(cleanPath) // #nosec G304 -- path validated above
	if err != nil {
		if os.IsNotExist(err) {
			return config, NewConfigNotFoundError(cleanPath, err)
		}
		return config, NewConfigParseError(cleanPath, err)
	}

	if err := parseConfigWithHybridStrategy(configBytes, argus.DetectFormat(cleanPath), &config); err != nil {
		return config, NewConfigParseError(cleanPath, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func validateConfigPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", NewConfigValidationError("configuration path is empty", nil)
	}
	if strings.Contains(filepath.ToSlash(path), "../") {
		return "", NewConfigValidationError("configuration path must not traverse directories: "+path, nil)
	}
	return filepath.Clean(path), nil
}

// parseConfigWithHybridStrategy parses YAML with gopkg.in/yaml.v3, which
// handles anchors and durations, and every other format with argus.
func parseConfigWithHybridStrategy(configBytes []byte, format argus.ConfigFormat, config *ManagerConfig) error {
	switch format {
	case argus.FormatYAML:
		if err := yaml.Unmarshal(configBytes, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
		return nil
	default:
		configMap, err := argus.ParseConfig(configBytes, format)
		if err != nil {
			return err
		}
		return bindManagerConfig(configMap, config)
	}
}

// bindManagerConfig binds a parsed configuration map to ManagerConfig through
// a JSON round trip.
func bindManagerConfig(configMap map[string]interface{}, config *ManagerConfig) error {
	if configMap == nil {
		return fmt.Errorf("configuration map is nil")
	}
	jsonBytes, err := json.Marshal(configMap)
	if err != nil {
		return fmt.Errorf("failed to marshal config map to JSON: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// ConfigWatcherOptions tunes the argus watcher behind a ConfigWatcher.
type ConfigWatcherOptions struct {
	PollInterval time.Duration     `json:"poll_interval"`
	CacheTTL     time.Duration     `json:"cache_ttl"`
	Audit        argus.AuditConfig `json:"audit"`
}

// DefaultConfigWatcherOptions returns defaults suited to configuration files.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 5 * time.Second,
		CacheTTL:     2 * time.Second,
	}
}

// configTarget is the part of the manager the watcher drives.
type configTarget interface {
	UpdatePluginConfig(ctx context.Context, id string, partial PluginConfig) error
	SetPluginOverrides(id string, overrides PluginConfig)
}

// ConfigWatcher hot-reloads the plugins section of a configuration file.
type ConfigWatcher struct {
	target     configTarget
	watcher    *argus.Watcher
	configPath string
	logger     Logger
	options    ConfigWatcherOptions

	mu            sync.Mutex
	running       atomic.Bool
	stopped       atomic.Bool
	stopOnce      sync.Once
	currentConfig atomic.Pointer[ManagerConfig]
	reloads       atomic.Int64
}

// NewConfigWatcher creates a watcher for configPath feeding manager.
func NewConfigWatcher(manager *Manager, configPath string, options ConfigWatcherOptions, logger any) *ConfigWatcher {
	return newConfigWatcher(manager, configPath, options, logger)
}

func newConfigWatcher(target configTarget, configPath string, options ConfigWatcherOptions, logger any) *ConfigWatcher {
	internalLogger := NewLogger(logger)
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultConfigWatcherOptions().PollInterval
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}

	watcher := argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      10,
		Audit:                options.Audit,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			internalLogger.Error("Argus file watching error", "error", err, "file", filepath)
		},
	})

	return &ConfigWatcher{
		target:     target,
		watcher:    watcher,
		configPath: configPath,
		logger:     internalLogger,
		options:    options,
	}
}

// Start loads the file once, applies its plugin section and starts watching.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	if cw.stopped.Load() {
		return NewConfigWatcherError("watcher has been stopped and cannot be restarted", nil)
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.running.CompareAndSwap(false, true) {
		return NewConfigWatcherError("watcher is already running", nil)
	}

	initial, err := LoadManagerConfig(cw.configPath)
	if err != nil {
		cw.running.Store(false)
		return err
	}
	cw.applyPluginSection(ctx, nil, &initial)
	cw.currentConfig.Store(&initial)

	if err := cw.watcher.Watch(cw.configPath, cw.handleConfigChange); err != nil {
		cw.running.Store(false)
		return NewConfigWatcherError("failed to watch config file", err)
	}
	if err := cw.watcher.Start(); err != nil {
		cw.running.Store(false)
		return NewConfigWatcherError("failed to start argus watcher", err)
	}

	cw.logger.Info("Configuration watcher started",
		"config_path", cw.configPath,
		"poll_interval", cw.options.PollInterval)
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (cw *ConfigWatcher) Stop() error {
	var stopErr error
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()

		cw.stopped.Store(true)
		if !cw.running.CompareAndSwap(true, false) {
			return
		}
		if err := cw.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop argus watcher", err)
			return
		}
		cw.logger.Info("Configuration watcher stopped")
	})
	return stopErr
}

// ReloadCount returns how many file changes were applied.
func (cw *ConfigWatcher) ReloadCount() int64 {
	return cw.reloads.Load()
}

// CurrentConfig returns the last configuration that was loaded successfully.
func (cw *ConfigWatcher) CurrentConfig() (ManagerConfig, bool) {
	if current := cw.currentConfig.Load(); current != nil {
		return *current, true
	}
	return ManagerConfig{}, false
}

// GetWatcherStats exposes the argus cache statistics.
func (cw *ConfigWatcher) GetWatcherStats() argus.CacheStats {
	return cw.watcher.GetCacheStats()
}

func (cw *ConfigWatcher) handleConfigChange(event argus.ChangeEvent) {
	cw.logger.Info("Configuration file change detected",
		"path", event.Path,
		"size", event.Size,
		"is_create", event.IsCreate,
		"is_delete", event.IsDelete,
		"is_modify", event.IsModify)

	if event.IsDelete {
		cw.logger.Warn("Configuration file was deleted, keeping current configuration", "path", event.Path)
		return
	}

	next, err := LoadManagerConfig(event.Path)
	if err != nil {
		cw.logger.Error("Failed to load new configuration", "error", err, "path", event.Path)
		return
	}

	cw.applyPluginSection(context.Background(), cw.currentConfig.Load(), &next)
	cw.currentConfig.Store(&next)
	cw.reloads.Add(1)
}

// applyPluginSection pushes every plugin entry that changed between previous
// and next. Rejected updates are logged; the remaining entries still apply.
func (cw *ConfigWatcher) applyPluginSection(ctx context.Context, previous, next *ManagerConfig) {
	ids := make([]string, 0, len(next.Plugins))
	for id := range next.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		overrides := next.Plugins[id]
		if previous != nil && reflect.DeepEqual(previous.Plugins[id], overrides) {
			continue
		}

		cw.target.SetPluginOverrides(id, overrides)
		err := cw.target.UpdatePluginConfig(ctx, id, overrides)
		switch {
		case err == nil:
			cw.logger.Info("Plugin configuration reloaded", "plugin", id)
		case HasErrorCode(err, ErrCodePluginNotFound):
			cw.logger.Debug("Configuration stored for unregistered plugin", "plugin", id)
		default:
			cw.logger.Error("Plugin rejected reloaded configuration", "plugin", id, "error", err)
		}
	}
}
