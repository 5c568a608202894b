package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// HotReloadManager applies configuration file changes to a running daemon.
// A reload is validated first and then handed to reloadFunc; if either step
// fails the current configuration stays in place.
type HotReloadManager struct {
	mu         sync.RWMutex
	config     *Config
	modTime    time.Time // of the file the current config came from
	reloadFunc func(*Config) error
	onError    func(error)
}

// NewHotReloadManager creates a hot reload manager
// onError, if set, is told about every reload that was rejected
func NewHotReloadManager(initialConfig *Config, reloadFunc func(*Config) error, onError func(error)) *HotReloadManager {
	return &HotReloadManager{
		config:     initialConfig,
		reloadFunc: reloadFunc,
		onError:    onError,
	}
}

// GetConfig returns the current configuration (thread-safe)
func (h *HotReloadManager) GetConfig() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateConfig validates newConfig and makes it current
func (h *HotReloadManager) UpdateConfig(newConfig *Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.apply(newConfig)
}

// apply must be called with h.mu held
func (h *HotReloadManager) apply(newConfig *Config) error {
	if err := validateConfig(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if h.reloadFunc != nil {
		if err := h.reloadFunc(newConfig); err != nil {
			return fmt.Errorf("reload rejected: %w", err)
		}
	}
	h.config = newConfig
	return nil
}

// ReloadFile loads configPath and applies it unconditionally
func (h *HotReloadManager) ReloadFile(configPath string) error {
	info, err := os.Stat(configPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	newConfig, err := Load(configPath)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.apply(newConfig); err != nil {
		return err
	}
	h.modTime = info.ModTime()
	return nil
}

// WatchConfigFile polls configPath every interval and reloads it when its
// modification time changes. Failed reloads are reported through onError and
// retried only after the file changes again.
func (h *HotReloadManager) WatchConfigFile(ctx context.Context, configPath string, interval time.Duration) error {
	if info, err := os.Stat(configPath); err == nil {
		h.mu.Lock()
		if h.modTime.IsZero() {
			h.modTime = info.ModTime()
		}
		h.mu.Unlock()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.checkFile(configPath); err != nil && h.onError != nil {
				h.onError(err)
			}
		}
	}
}

// checkFile reloads configPath if it changed since the last look
func (h *HotReloadManager) checkFile(configPath string) error {
	info, err := os.Stat(configPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if info.ModTime().Equal(h.modTime) {
		return nil
	}
	// Remember the attempt so a broken file is reported once, not every tick
	h.modTime = info.ModTime()

	newConfig, err := Load(configPath)
	if err != nil {
		return err
	}
	return h.apply(newConfig)
}
