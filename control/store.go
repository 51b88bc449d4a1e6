// File: control/store.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread-safe configuration store with reload propagation.

package control

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// ConfigStore holds the current configuration snapshot.
type ConfigStore struct {
	mu        sync.RWMutex
	cfg       *Config
	listeners []func(*Config)
}

// NewConfigStore starts from cfg, or the defaults when cfg is nil.
func NewConfigStore(cfg *Config) *ConfigStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ConfigStore{cfg: cfg.Clone()}
}

// Snapshot returns a copy of the current configuration.
func (cs *ConfigStore) Snapshot() *Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.cfg.Clone()
}

// Set validates and installs cfg, then runs the reload listeners in
// registration order on the calling goroutine. An invalid cfg leaves the
// store unchanged.
func (cs *ConfigStore) Set(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.cfg = cfg.Clone()
	listeners := append([]func(*Config){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg.Clone())
	}
	return nil
}

// OnReload registers fn to receive every configuration Set installs.
func (cs *ConfigStore) OnReload(fn func(*Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// Reload reads path and installs it.
func (cs *ConfigStore) Reload(path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	return cs.Set(cfg)
}

// ReloadOnHangup reloads path on every SIGHUP until ctx ends. Failed
// reloads are logged and the previous configuration stays in place.
func (cs *ConfigStore) ReloadOnHangup(ctx context.Context, path string, logger *zap.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if err := cs.Reload(path); err != nil {
					logger.Warn("control: config reload failed", zap.String("path", path), zap.Error(err))
					continue
				}
				logger.Info("control: config reloaded", zap.String("path", path))
			}
		}
	}()
}
