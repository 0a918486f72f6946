package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file when it changes on disk and hands the
// result to a callback. Invalid or unreadable edits are logged and skipped;
// the previous config stays in effect.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onReload func(*Config)
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewWatcher starts watching the loader's config file.
func NewWatcher(loader *Loader, logger zerolog.Logger, onReload func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		loader:   loader,
		watcher:  fsWatcher,
		logger:   logger,
		onReload: onReload,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	// Editors replace the file rather than write in place, so watch the
	// directory and filter on the file name.
	if err := fsWatcher.Add(filepath.Dir(loader.GetConfigPath())); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	target := w.loader.GetConfigPath()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(target) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().Str("op", event.Op.String()).Msg("Config change detected")
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := w.loader.Load()
		if err != nil {
			w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
			return
		}
		if err := cfg.Validate(); err != nil {
			w.logger.Warn().Err(err).Msg("Reloaded config is invalid, keeping previous config")
			return
		}
		w.logger.Info().Msg("Config reloaded")
		w.onReload(cfg)
	})
}
