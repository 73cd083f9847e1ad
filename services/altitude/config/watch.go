// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// watchDebounce batches rapid editor write bursts into one reload.
const watchDebounce = 200 * time.Millisecond

// Watcher applies logging.level edits to a running daemon.
//
// Description:
//
//	Watches the config file and, on change, re-reads only the logging
//	section and updates the shared slog.LevelVar. Everything else in the
//	file requires a restart; live level changes are the one knob
//	operators need mid-session, when stopping the daemon would kill a
//	session in progress.
//
//	The parent directory is watched rather than the file itself because
//	most editors replace files on save, which retires the original
//	inode's watch.
//
// Thread Safety: Safe for concurrent use. Close may be called once.
type Watcher struct {
	path    string
	level   *slog.LevelVar
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	done      chan struct{}
	closeOnce sync.Once
}

// WatchLevel starts watching the config file for log-level changes.
//
// Inputs:
//   - path: Config file to watch.
//   - level: The level variable the daemon's handlers read.
//   - logger: Structured logger; nil uses the default.
//
// Outputs:
//
//	*Watcher - Call Close on shutdown.
//	error - Non-nil when the directory cannot be watched.
func WatchLevel(path string, level *slog.LevelVar, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:    path,
		level:   level,
		logger:  logger.With(slog.String("component", "config_watcher")),
		watcher: fsw,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher. Idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

// run consumes filesystem events until Close.
func (w *Watcher) run() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", slog.String("error", err.Error()))
		}
	}
}

// reload re-reads the logging section and applies the level.
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("config reload failed",
			slog.String("error", err.Error()),
		)
		return
	}

	// Partial decode: only the logging section matters here, and a
	// half-edited file should not spam errors about other sections.
	var partial struct {
		Logging LoggingConfig `yaml:"logging"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		w.logger.Warn("config reload failed",
			slog.String("error", err.Error()),
		)
		return
	}

	switch partial.Logging.Level {
	case "debug", "info", "warn", "error":
	case "":
		return
	default:
		w.logger.Warn("ignoring unknown log level",
			slog.String("level", partial.Logging.Level),
		)
		return
	}

	next := partial.Logging.SlogLevel()
	if w.level.Level() == next {
		return
	}
	w.level.Set(next)
	w.logger.Info("log level updated", slog.String("level", partial.Logging.Level))
}
