// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch invalidates memoized computation when files change.
//
// A Watcher observes a directory tree through the operating system's file
// notification facility, batches bursts of events, and feeds the affected
// paths to an Invalidator (normally an engine.Graph). Invalidated entries
// are recomputed lazily the next time something asks for them.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// DefaultDebounce is how long the watcher waits after the last event
// before delivering the accumulated batch.
const DefaultDebounce = 50 * time.Millisecond

// Invalidator drops cached state tied to the given absolute paths and
// reports how many entries it dropped.
type Invalidator interface {
	InvalidatePaths(paths []string) int
}

// Watcher watches a directory tree and forwards changed paths to an
// Invalidator once the burst of events settles.
type Watcher struct {
	root     string
	inv      Invalidator
	debounce time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}

	done chan struct{}
	stop sync.Once
}

// Option configures New.
type Option func(*Watcher)

// WithDebounce overrides the settle delay for event batches.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New starts watching the tree rooted at root.
//
// Directories created after New are picked up as their creation events
// arrive. Call Close to release the OS watches.
func New(ctx context.Context, root string, inv Invalidator, opts ...Option) (*Watcher, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Fmt("resolving watch root: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Fmt("creating file watcher: %w", err)
	}
	w := &Watcher{
		root:     root,
		inv:      inv,
		debounce: DefaultDebounce,
		fsw:      fsw,
		pending:  map[string]struct{}{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	go w.loop(ctx)
	return w, nil
}

// Close stops the watcher and releases its OS resources.
func (w *Watcher) Close() error {
	var err error
	w.stop.Do(func() {
		err = w.fsw.Close()
		<-w.done
	})
	return err
}

// addTree registers root and every directory below it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return errors.Fmt("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer clock.Timer
	var timerC <-chan clock.TimerResult
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.flush(ctx)
				return
			}
			w.observe(ctx, ev)
			if timer == nil {
				timer = clock.NewTimer(ctx)
				timerC = timer.GetC()
			}
			timer.Reset(w.debounce)
		case res := <-timerC:
			if res.Err != nil {
				return
			}
			w.flush(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.flush(ctx)
				return
			}
			logging.Warningf(ctx, "watch: %s", err)
		}
	}
}

func (w *Watcher) observe(ctx context.Context, ev fsnotify.Event) {
	w.mu.Lock()
	w.pending[ev.Name] = struct{}{}
	w.mu.Unlock()

	// A new directory needs its own watch before events inside it can
	// be seen.
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				logging.Warningf(ctx, "watch: %s", err)
			}
		}
	}
}

// flush hands the accumulated batch to the Invalidator.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = map[string]struct{}{}
	w.mu.Unlock()

	dropped := w.inv.InvalidatePaths(paths)
	logging.Debugf(ctx, "watch: %d changed paths invalidated %d nodes", len(paths), dropped)
}
