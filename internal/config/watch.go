package config

import (
	"context"
	"time"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RetentionWatcher re-reads the config file when it changes on disk and
// hands the updated per-camera retention policies to apply. The camera set
// itself stays fixed for the process lifetime; only retention knobs are
// hot-reloadable. Events are debounced to coalesce editor write bursts.
type RetentionWatcher struct {
	log      *zap.Logger
	path     string
	debounce time.Duration
	apply    func(map[string]camera.RetentionPolicy)
}

// WatchRetention starts a debounced watcher on path. apply is called with
// the full policy map after each successful reload. The watcher lives until
// ctx is cancelled.
func WatchRetention(ctx context.Context, log *zap.Logger, path string, apply func(map[string]camera.RetentionPolicy)) error {
	w := &RetentionWatcher{
		log:      log.Named("retention_watch"),
		path:     path,
		debounce: 750 * time.Millisecond,
		apply:    apply,
	}
	return w.run(ctx)
}

func (w *RetentionWatcher) run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		fire := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Editors often replace the file; re-add the watch so we
				// keep following the path, not the inode.
				_ = watcher.Add(w.path)
				if timer == nil {
					timer = time.AfterFunc(w.debounce, func() {
						select {
						case fire <- struct{}{}:
						default:
						}
					})
				} else {
					timer.Reset(w.debounce)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("watcher error", zap.Error(err))

			case <-fire:
				w.reload()
			}
		}
	}()

	return nil
}

func (w *RetentionWatcher) reload() {
	cfg, _, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload skipped", zap.Error(err))
		return
	}

	policies := make(map[string]camera.RetentionPolicy, len(cfg.Cameras))
	for _, cc := range cfg.Cameras {
		policies[cc.ID] = cc.Retention.Policy()
	}

	w.apply(policies)
	w.log.Info("retention policies re-applied", zap.Int("cameras", len(policies)))
}
