// Package tier resolves tier_id to a TierLimits snapshot from a hot-reloadable
// YAML catalog file.
package tier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Limits is a policy snapshot attached to a principal at admission time.
// Once read out of the catalog it is treated as immutable by callers.
type Limits struct {
	ID                     string `yaml:"-"`
	Name                   string `yaml:"name"`
	RatePerMinute          int    `yaml:"rate_per_minute"`
	RatePerHour            int    `yaml:"rate_per_hour"`
	RatePerDay             int    `yaml:"rate_per_day"`
	RatePerMonth           int    `yaml:"rate_per_month"`
	MaxConcurrent          int    `yaml:"max_concurrent"`
	Priority               int    `yaml:"priority"`
	AllowedProbeIntervals  []int  `yaml:"allowed_probe_intervals"`
	AllowCustomIntervals   bool   `yaml:"allow_custom_intervals"`
	ScheduledProbes        bool   `yaml:"scheduled_probes"`
	APIAccess              bool   `yaml:"api_access"`
	Export                 bool   `yaml:"export"`
	Alerts                 bool   `yaml:"alerts"`
}

// AllowsInterval reports whether intervalMinutes is permitted for this tier:
// it is either listed in AllowedProbeIntervals or covered by
// AllowCustomIntervals. It does not check membership in the recognized
// interval set; the scheduler's request validation does that separately.
func (l Limits) AllowsInterval(intervalMinutes int) bool {
	if l.AllowCustomIntervals {
		return true
	}
	for _, m := range l.AllowedProbeIntervals {
		if m == intervalMinutes {
			return true
		}
	}
	return false
}

// defaultLimits is the safe fallback used when a principal cannot be
// resolved to a real tier (spec.md §4.1).
var defaultLimits = Limits{
	ID:            "default",
	Name:          "Default",
	RatePerMinute: 10,
	RatePerHour:   50,
	MaxConcurrent: 5,
	Priority:      0,
}

type catalogFile struct {
	Version int               `yaml:"version"`
	Default string            `yaml:"default"`
	Tiers   map[string]Limits `yaml:"tiers"`
}

// Catalog is a read-mostly mapping from tier_id to Limits. Reads never block:
// the current snapshot is held behind an atomic pointer and swapped wholesale
// on reload.
type Catalog struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[catalogSnapshot]
}

type catalogSnapshot struct {
	tiers       map[string]Limits
	defaultTier string
}

// New loads the catalog file at path and returns a ready Catalog.
func New(path string, logger *slog.Logger) (*Catalog, error) {
	c := &Catalog{path: path, logger: logger}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Get resolves tier_id to its Limits snapshot.
func (c *Catalog) Get(tierID string) (Limits, bool) {
	snap := c.current.Load()
	l, ok := snap.tiers[tierID]
	return l, ok
}

// Default returns the safe fallback used when a principal cannot be resolved.
func (c *Catalog) Default() Limits {
	snap := c.current.Load()
	if d, ok := snap.tiers[snap.defaultTier]; ok {
		return d
	}
	return defaultLimits
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading tier catalog %s: %w", c.path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing tier catalog %s: %w", c.path, err)
	}

	tiers := make(map[string]Limits, len(file.Tiers))
	for id, l := range file.Tiers {
		l.ID = id
		tiers[id] = l
	}

	c.current.Store(&catalogSnapshot{tiers: tiers, defaultTier: file.Default})
	return nil
}

// Watch hot-reloads the catalog on file writes, swapping the active snapshot
// atomically. It never blocks Get/Default callers. Reload errors are logged
// and the previous snapshot remains in effect.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating tier catalog watcher: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching tier catalog dir %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(c.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					c.logger.Error("tier catalog reload failed", "error", err)
					continue
				}
				c.logger.Info("tier catalog reloaded", "path", c.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Error("tier catalog watcher error", "error", err)
			}
		}
	}()

	return nil
}
