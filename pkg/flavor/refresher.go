package flavor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
)

const (
	// DefaultRefreshInterval is used when no interval is configured.
	DefaultRefreshInterval = 10 * time.Minute

	reloadDelay = 500 * time.Millisecond
)

// Refresher rebuilds a Matcher's catalog from its sources on a fixed cycle
// and whenever the catalog file changes.
type Refresher struct {
	matcher  *Matcher
	sources  []engine.FlavorSource
	interval time.Duration
	watch    string
	recorder Recorder
	logger   zerolog.Logger

	// mu serializes Refresh so an older load never replaces a newer one.
	mu     sync.Mutex
	loaded atomic.Bool
}

// RefresherConfig configures a Refresher.
type RefresherConfig struct {
	// Interval between refreshes.
	Interval time.Duration

	// WatchPath is the catalog file to watch for changes. Optional.
	WatchPath string

	Recorder Recorder
	Logger   zerolog.Logger
}

// NewRefresher creates a refresher feeding m from sources. Sources listed
// later override flavors with the same id from earlier sources.
func NewRefresher(m *Matcher, sources []engine.FlavorSource, cfg RefresherConfig) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRefreshInterval
	}
	return &Refresher{
		matcher:  m,
		sources:  sources,
		interval: cfg.Interval,
		watch:    cfg.WatchPath,
		recorder: cfg.Recorder,
		logger: cfg.Logger.With().
			Str("component", "flavor-refresher").
			Str("cloud", m.Cloud()).
			Logger(),
	}
}

// Refresh loads every source and swaps in the merged catalog. When any source
// fails the previous catalog stays in place. Concurrent calls run one after
// the other.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []engine.Flavor
	for i, src := range r.sources {
		flavors, err := src.ListFlavors(ctx)
		if err != nil {
			err = fmt.Errorf("flavor source %d: %w", i, err)
			r.report(0, err)
			return err
		}
		all = append(all, flavors...)
	}

	c := NewCatalog(all)
	r.matcher.Swap(c)
	r.loaded.Store(true)
	r.report(c.Len(), nil)
	r.logger.Debug().Int("flavors", c.Len()).Msg("Flavor catalog refreshed")
	return nil
}

func (r *Refresher) report(n int, err error) {
	if r.recorder != nil {
		r.recorder.RecordCatalogRefresh(r.matcher.Cloud(), n, err)
	}
}

// Loaded reports whether a refresh has succeeded.
func (r *Refresher) Loaded() bool {
	return r.loaded.Load()
}

// Run refreshes unless a catalog is already loaded, then keeps refreshing
// until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	if !r.Loaded() {
		if err := r.Refresh(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Initial flavor catalog refresh failed")
		}
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watch != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			r.logger.Warn().Err(err).Msg("Failed to create catalog watcher")
		} else {
			defer func() { _ = watcher.Close() }()
			// Watch the directory so editors that replace the file are seen.
			if err := watcher.Add(filepath.Dir(r.watch)); err != nil {
				r.logger.Warn().Err(err).Str("path", r.watch).Msg("Failed to watch catalog file")
			} else {
				events, errs = watcher.Events, watcher.Errors
			}
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Flavor catalog refresh failed, keeping previous catalog")
			}

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.watch) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.logger.Debug().Str("op", event.Op.String()).Msg("Flavor catalog file changed")
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := r.Refresh(ctx); err != nil {
					r.logger.Error().Err(err).Msg("Failed to reload flavor catalog")
				}
			})

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.Error().Err(err).Msg("Catalog watcher error")
		}
	}
}
