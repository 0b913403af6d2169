package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay collapses the burst of events an editor save produces.
const reloadDelay = 300 * time.Millisecond

// Loader reads Rego placement policies from files and directories.
//
// A policy is named after its file: route.rego is "route", and
// tenants/eu.rego below a loaded directory is "tenants.eu". The leading
// comment block is the description. A "# enabled: false" line in that
// block loads the policy disabled.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

// cachedPolicy remembers a parsed file until its size or mtime changes.
type cachedPolicy struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy below paths. A missing path is an error;
// an unreadable file inside a directory is logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := l.load(root, strings.TrimSuffix(filepath.Base(root), ".rego"))
			if err != nil {
				return nil, err
			}
			out = append(out, p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".rego") {
				return nil
			}
			p, err := l.load(path, policyName(root, path))
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable policy file")
				return nil
			}
			out = append(out, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("policies", len(out)).Int("sources", len(paths)).Msg("Policies read")
	return out, nil
}

// policyName derives a dotted name from path relative to root.
func policyName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = strings.TrimSuffix(filepath.ToSlash(rel), ".rego")
	return strings.ReplaceAll(rel, "/", ".")
}

// load returns the policy in path, from cache when the file is unchanged.
func (l *Loader) load(path, name string) (Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to stat policy: %w", err)
	}

	l.mu.Lock()
	c, ok := l.cache[path]
	l.mu.Unlock()
	if ok && c.size == info.Size() && c.modTime.Equal(info.ModTime()) && c.policy.Name == name {
		return c.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy: %w", err)
	}
	description, enabled := parseHeader(string(data))
	p := Policy{
		Name:        name,
		Description: description,
		Rego:        string(data),
		Enabled:     enabled,
		Source:      path,
		LoadedAt:    time.Now(),
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()
	return p, nil
}

// parseHeader reads the comment block before the first statement.
func parseHeader(content string) (description string, enabled bool) {
	enabled = true
	var words []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(words) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		if v, ok := strings.CutPrefix(text, "enabled:"); ok {
			enabled = strings.TrimSpace(v) != "false"
			continue
		}
		if text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " "), enabled
}

// Watch calls reload with a fresh read of paths after files below them
// change. It returns once the watch is set up; watching stops with ctx.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, root := range paths {
		if err := addRecursive(w, root); err != nil {
			_ = w.Close()
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	go l.watch(ctx, w, paths, reload)
	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

// addRecursive watches root and, for a directory, every directory below it.
func addRecursive(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer w.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addRecursive(w, ev.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", ev.Name).Msg("Failed to watch new directory")
					}
				}
			}
			if !strings.HasSuffix(ev.Name, ".rego") || ev.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			timer.Reset(reloadDelay)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reload(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies, keeping the current set")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}
