// Package safety implements the SAFE_MODE guard. While safe mode is on,
// the workflow engine refuses to create vendor dispatch tasks, so no
// robot moves. The guard is seeded from the SAFE_MODE environment
// variable and can be toggled at runtime by creating or removing a
// marker file, which is picked up through a filesystem watch.
package safety

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// DefaultMarkerPath is where the runtime toggle file lives.
const DefaultMarkerPath = "/var/run/fleetd/safe_mode"

// Guard tracks whether safe mode is active. All methods are safe for
// concurrent use.
type Guard struct {
	enabled    atomic.Bool
	markerPath string
	logger     *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithMarkerPath sets the marker file path.
func WithMarkerPath(path string) GuardOption {
	return func(g *Guard) {
		g.markerPath = path
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a Guard. Safe mode starts on when SAFE_MODE is set to
// a truthy value or the marker file already exists.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		markerPath: DefaultMarkerPath,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if envTruthy(os.Getenv("SAFE_MODE")) {
		g.enabled.Store(true)
	}
	if _, err := os.Stat(g.markerPath); err == nil {
		g.enabled.Store(true)
	}
	return g
}

func envTruthy(v string) bool {
	switch v {
	case "", "0", "false", "False":
		return false
	}
	return true
}

// Enabled reports whether safe mode is active.
func (g *Guard) Enabled() bool {
	return g.enabled.Load()
}

// Set forces safe mode on or off, overriding the marker state until the
// marker next changes.
func (g *Guard) Set(on bool) {
	if g.enabled.Swap(on) != on {
		g.logger.Info("Safe mode changed", "enabled", on)
	}
}

// Watch follows the marker file until the context is canceled: creating
// the file turns safe mode on, removing it turns safe mode off. The
// watch is on the parent directory so the marker may come and go freely.
func (g *Guard) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(g.markerPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
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
				if event.Name != g.markerPath {
					continue
				}
				switch {
				case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
					g.Set(true)
				case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
					g.Set(false)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				g.logger.Warn("Safe mode watcher error", "error", err)
			}
		}
	}()

	return nil
}
