package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"gatekeeper/internal/registry"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads a policy file into a Holder when it changes. A file that
// fails to parse or validate is logged and the previous policy stays active.
type Watcher struct {
	path     string
	holder   *Holder
	registry *registry.Registry
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	reloaded chan struct{}
}

// NewWatcher watches the directory containing path, so editors that replace
// the file with a rename are picked up.
func NewWatcher(path string, h *Holder, reg *registry.Registry, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}

	return &Watcher{
		path:     filepath.Clean(path),
		holder:   h,
		registry: reg,
		logger:   logger.With(zap.String("policy_file", path)),
		watcher:  w,
		reloaded: make(chan struct{}, 1),
	}, nil
}

// Reloaded receives a value after every reload attempt.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, w.reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	defer func() {
		select {
		case w.reloaded <- struct{}{}:
		default:
		}
	}()

	p, err := LoadFile(w.path, w.registry)
	if err != nil {
		w.logger.Error("policy reload failed, keeping previous policy", zap.Error(err))
		return
	}
	w.holder.Set(p)
	w.logger.Info("policy reloaded",
		zap.Ints("tiers", tiersAsInts(p)),
		zap.Int("check_overrides", len(p.Checks)),
		zap.Int("check_configs", len(p.configs)),
	)
}

func tiersAsInts(p *Policy) []int {
	out := make([]int, len(p.Tiers))
	for i, t := range p.Tiers {
		out[i] = int(t)
	}
	return out
}
