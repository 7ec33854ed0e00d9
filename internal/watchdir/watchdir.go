// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watchdir mirrors a directory of g-code files into the macro
// store and keeps it fresh through filesystem notifications.
package watchdir

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/bhangun/cncd/internal/macro"
)

// gcodeExtensions are the file suffixes mirrored into the macro store.
var gcodeExtensions = map[string]bool{
	".nc":    true,
	".ngc":   true,
	".gcode": true,
	".txt":   true,
}

// Watcher mirrors one directory into a macro store.
type Watcher struct {
	dir     string
	store   *macro.Store
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a watcher over dir. The directory is scanned immediately;
// Start begins event-driven refreshing.
func New(dir string, store *macro.Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(absDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	w := &Watcher{
		dir:     absDir,
		store:   store,
		watcher: fsw,
		logger:  logger.With(slog.String("component", "watchdir"), slog.String("dir", absDir)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	w.scan()
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Start begins watching for file events.
func (w *Watcher) Start() {
	go w.eventLoop()
	w.logger.Info("watch directory started")
}

// Stop ends the watch. Safe to call once.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// ReadFile reads a g-code file inside the watched directory. The path is
// resolved relative to the directory and must not escape it.
func (w *Watcher) ReadFile(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.dir, path)
	}
	path = filepath.Clean(path)
	if !strings.HasPrefix(path, w.dir+string(filepath.Separator)) && path != w.dir {
		return "", fmt.Errorf("path %s escapes watch directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *Watcher) eventLoop() {
	defer close(w.doneCh)
	defer w.watcher.Close()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !gcodeExtensions[strings.ToLower(filepath.Ext(name))] {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Write):
		w.loadFile(event.Name)
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		w.store.Remove(name)
		w.logger.Debug("macro removed", slog.String("name", name))
	}
}

// scan loads every g-code file currently in the directory.
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("failed to scan watch directory", slog.Any("error", err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !gcodeExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		w.loadFile(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *Watcher) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("failed to read macro file", slog.String("path", path), slog.Any("error", err))
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	m := w.store.Upsert(filepath.Base(path), string(data), info.ModTime())
	w.logger.Debug("macro loaded", slog.String("name", m.Name), slog.String("id", m.ID))
}
