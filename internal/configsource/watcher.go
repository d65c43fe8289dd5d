package configsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/logging"
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Clearer drops cached state for a tenant. entities.Service and the
// invalidation publisher both satisfy it.
type Clearer interface {
	Clear(tenantID string)
	ClearAll()
}

// Watcher clears caches when a tenant's files change on disk.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	clearers []Clearer
	logger   *logging.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher over the source's root directory.
func NewWatcher(src *Source, clearers ...Clearer) (*Watcher, error) {
	if len(clearers) == 0 {
		return nil, errors.New("at least one clearer is required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		root:     src.root,
		watcher:  fw,
		clearers: clearers,
		logger:   src.logger.Named("watcher"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the root and every tenant directory below it. Events are
// processed in a background goroutine until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.root); err != nil {
		return fmt.Errorf("watching %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("listing %s: %w", w.root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addTenantDir(ctx, filepath.Join(w.root, e.Name()))
		}
	}
	w.started.Store(true)
	go w.run(ctx)
	return nil
}

// Stop ends the watch and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	if w.started.Load() {
		<-w.done
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			w.stopOnce.Do(func() {
				close(w.stop)
				_ = w.watcher.Close()
			})
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Events may have been dropped, so nothing cached can be trusted.
			w.logger.Warn(ctx, "watch error, clearing all tenants", zap.Error(err))
			for _, c := range w.clearers {
				c.ClearAll()
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	tenantID := strings.Split(filepath.ToSlash(rel), "/")[0]
	if !tenant.IsValidIdentifier(tenantID) {
		return
	}

	if event.Op.Has(fsnotify.Create) && filepath.Dir(event.Name) == filepath.Clean(w.root) {
		w.addTenantDir(ctx, event.Name)
	}

	w.logger.Info(ctx, "tenant config changed",
		zap.String("tenant", tenantID),
		zap.String("path", event.Name),
		zap.String("op", event.Op.String()),
	)
	for _, c := range w.clearers {
		c.Clear(tenantID)
	}
}

func (w *Watcher) addTenantDir(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.watcher.Add(path); err != nil {
		w.logger.Warn(ctx, "cannot watch tenant dir", zap.String("path", path), zap.Error(err))
	}
}
