package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Keys of the shared config hash
const (
	KeyBurstLimit      = "burst_limit"
	KeyMessageDelayMin = "message_delay_min"
	KeyMessageDelayMax = "message_delay_max"
	KeyRestDelayMin    = "rest_delay_min"
	KeyRestDelayMax    = "rest_delay_max"
)

// fileDebounce lets editors finish writing before the file is re-read
const fileDebounce = 250 * time.Millisecond

// Source is the shared config hash and its invalidation channel
type Source interface {
	GetConfig(ctx context.Context) (map[string]string, error)
	SubscribeConfig(ctx context.Context) (<-chan struct{}, error)
}

// Provider serves the live DispatchConfig. Values from the shared hash
// override values from the settings file.
type Provider struct {
	current atomic.Pointer[DispatchConfig]

	mu        sync.Mutex
	base      DispatchConfig
	overrides map[string]string

	source Source
	path   string
	logger *slog.Logger
}

// NewProvider creates a provider seeded with base. source and path are optional.
func NewProvider(base DispatchConfig, source Source, path string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		base:   base,
		source: source,
		path:   path,
		logger: logger,
	}
	p.current.Store(&base)
	return p
}

// Current returns the configuration in effect
func (p *Provider) Current() DispatchConfig {
	return *p.current.Load()
}

// Reload re-reads the shared hash and applies it over the file values
func (p *Provider) Reload(ctx context.Context) error {
	if p.source == nil {
		return nil
	}
	values, err := p.source.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to read shared config: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	next, err := ApplyOverrides(p.base, values)
	if err != nil {
		return err
	}
	p.overrides = values
	p.publish(next)
	return nil
}

// ReloadFile re-reads the settings file and reapplies the shared overrides
func (p *Provider) ReloadFile() error {
	if p.path == "" {
		return nil
	}
	settings, err := LoadSettings(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	next, err := ApplyOverrides(settings.Dispatch, p.overrides)
	if err != nil {
		return err
	}
	p.base = settings.Dispatch
	p.publish(next)
	return nil
}

func (p *Provider) publish(next DispatchConfig) {
	prev := p.current.Swap(&next)
	if *prev != next {
		p.logger.Info("Dispatch config reloaded",
			"burst_limit", next.BurstLimit,
			"message_delay_min", next.MessageDelayMin,
			"message_delay_max", next.MessageDelayMax,
			"rest_delay_min", next.RestDelayMin,
			"rest_delay_max", next.RestDelayMax)
	}
}

// Watch reloads on every shared-hash invalidation and every settings file
// change until ctx is done. Failed reloads keep the previous configuration.
func (p *Provider) Watch(ctx context.Context) error {
	var fileEvents <-chan fsnotify.Event
	var fileErrors <-chan error
	if p.path != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		defer w.Close()
		// watch the directory so atomic rename-into-place is seen
		if err := w.Add(filepath.Dir(p.path)); err != nil {
			return fmt.Errorf("failed to watch %q: %w", p.path, err)
		}
		fileEvents, fileErrors = w.Events, w.Errors
	}

	var invalidations <-chan struct{}
	if p.source != nil {
		ch, err := p.source.SubscribeConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to subscribe to config changes: %w", err)
		}
		invalidations = ch
		if err := p.Reload(ctx); err != nil {
			p.logger.Warn("Keeping previous dispatch config", "error", err)
		}
	}

	var debounce <-chan time.Time
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case _, ok := <-invalidations:
			if !ok {
				invalidations = nil
				continue
			}
			if err := p.Reload(ctx); err != nil {
				p.logger.Warn("Keeping previous dispatch config", "error", err)
			}

		case ev, ok := <-fileEvents:
			if !ok {
				fileEvents = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(p.path) ||
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(fileDebounce)
			debounce = debounceTimer.C

		case <-debounce:
			debounce = nil
			if err := p.ReloadFile(); err != nil {
				p.logger.Warn("Keeping previous dispatch config", "path", p.path, "error", err)
			}

		case err, ok := <-fileErrors:
			if !ok {
				fileErrors = nil
				continue
			}
			p.logger.Error("Config watcher failed", "error", err)
		}
	}
}

// ApplyOverrides returns base with the hash values applied and validated.
// Durations are integer milliseconds or Go duration strings.
func ApplyOverrides(base DispatchConfig, values map[string]string) (DispatchConfig, error) {
	next := base
	var errs []error

	if raw, ok := values[KeyBurstLimit]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", KeyBurstLimit, err))
		} else {
			next.BurstLimit = n
		}
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{KeyMessageDelayMin, &next.MessageDelayMin},
		{KeyMessageDelayMax, &next.MessageDelayMax},
		{KeyRestDelayMin, &next.RestDelayMin},
		{KeyRestDelayMax, &next.RestDelayMax},
	}
	for _, d := range durations {
		raw, ok := values[d.key]
		if !ok {
			continue
		}
		v, err := parseDelay(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
			continue
		}
		*d.target = v
	}

	if len(errs) > 0 {
		return base, errors.Join(errs...)
	}
	if err := next.Validate(); err != nil {
		return base, err
	}
	return next, nil
}

func parseDelay(raw string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}
