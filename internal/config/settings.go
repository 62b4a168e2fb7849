package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Settings is the hot-reloadable slice of configuration. The lifecycle
// manager and the reaper read it at the start of every decision instead of
// caching values, so an admin edit or a config-file change takes effect on
// the next operation without a restart.
type Settings struct {
	mu     sync.RWMutex
	limits LimitsConfig
}

func NewSettings(limits LimitsConfig) *Settings {
	return &Settings{limits: limits}
}

func (s *Settings) MaxConcurrentContainersPerUser() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits.MaxConcurrentContainersPerUser
}

func (s *Settings) InactivityTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits.InactivityTimeout
}

func (s *Settings) MaxContainerLifetime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits.MaxContainerLifetime
}

func (s *Settings) ReaperInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits.ReaperInterval
}

// Limits returns a copy of the current values.
func (s *Settings) Limits() LimitsConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// Update replaces the current values. Zero/negative fields are ignored so a
// partial admin update cannot wipe a setting.
func (s *Settings) Update(limits LimitsConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limits.MaxConcurrentContainersPerUser > 0 {
		s.limits.MaxConcurrentContainersPerUser = limits.MaxConcurrentContainersPerUser
	}
	if limits.InactivityTimeout > 0 {
		s.limits.InactivityTimeout = limits.InactivityTimeout
	}
	if limits.MaxContainerLifetime > 0 {
		s.limits.MaxContainerLifetime = limits.MaxContainerLifetime
	}
	if limits.ReaperInterval > 0 {
		s.limits.ReaperInterval = limits.ReaperInterval
	}
}

// Watch reloads the limits section whenever the config file changes. It
// returns a stop function. Grounded on the fsnotify usage the platform
// already ships for cache config reloads.
func (s *Settings) Watch(path string, logger *zap.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadFile(path)
				if err != nil {
					logger.Warn("config reload failed", zap.Error(err))
					continue
				}
				s.Update(cfg.Limits)
				logger.Info("settings reloaded",
					zap.Int("max_containers_per_user", cfg.Limits.MaxConcurrentContainersPerUser),
					zap.Duration("inactivity_timeout", cfg.Limits.InactivityTimeout),
					zap.Duration("max_container_lifetime", cfg.Limits.MaxContainerLifetime),
					zap.Duration("reaper_interval", cfg.Limits.ReaperInterval))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
