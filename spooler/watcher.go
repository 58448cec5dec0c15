package spooler

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch runs an initial pass, then ingests files as they appear. Events are
// debounced by SettleDelay so half-written files are not read; a full rescan
// every PollInterval catches anything the watcher missed. It returns nil when
// ctx is cancelled.
func (r *Runner) Watch(ctx context.Context) error {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.log.Error().Err(err).Msg("initial directory pass failed")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	watched := make(map[string]struct{})
	for _, in := range r.cfg.Inputs {
		r.watchTree(w, watched, globRoot(in.Glob), recursiveGlob(in.Glob))
	}
	if len(watched) == 0 {
		r.log.Warn().Msg("no input directory could be watched, relying on periodic rescans")
	}

	pending := make(map[string]time.Time)
	settle := time.NewTicker(max(r.cfg.SettleDelay/2, 50*time.Millisecond))
	defer settle.Stop()
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if ev.Has(fsnotify.Create) {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if r.wantsDir(ev.Name) {
						r.watchTree(w, watched, ev.Name, true)
						// Files may have landed before the watch was added.
						r.scheduleDir(ev.Name, pending)
					}
					continue
				}
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				if _, ok := r.inputFor(ev.Name); ok {
					pending[ev.Name] = time.Now()
				}
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			r.log.Warn().Err(err).Msg("watcher error")

		case now := <-settle.C:
			for path, seen := range pending {
				if now.Sub(seen) < r.cfg.SettleDelay {
					continue
				}
				delete(pending, path)
				r.ingestPath(ctx, path)
			}

		case <-poll.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("periodic directory pass failed")
			}
		}
	}
}

func (r *Runner) ingestPath(ctx context.Context, path string) {
	in, ok := r.inputFor(path)
	if !ok {
		return
	}
	r.passMu.Lock()
	defer r.passMu.Unlock()
	var stats RunStats
	if err := r.ingestFile(ctx, inputItem{Path: path, Input: in}, &stats); err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("ingest failed")
	}
}

// wantsDir reports whether dir lies below the root of a recursive input.
func (r *Runner) wantsDir(dir string) bool {
	for _, in := range r.cfg.Inputs {
		if !recursiveGlob(in.Glob) {
			continue
		}
		rel, err := filepath.Rel(globRoot(in.Glob), dir)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (r *Runner) watchTree(w *fsnotify.Watcher, watched map[string]struct{}, root string, recursive bool) {
	add := func(dir string) {
		if _, ok := watched[dir]; ok {
			return
		}
		if err := w.Add(dir); err != nil {
			r.log.Warn().Err(err).Str("dir", dir).Msg("cannot watch directory")
			return
		}
		watched[dir] = struct{}{}
		r.log.Debug().Str("dir", dir).Msg("watching directory")
	}
	if !recursive {
		add(root)
		return
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && p != root {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() {
			add(p)
		}
		return nil
	})
	if err != nil {
		r.log.Warn().Err(err).Str("dir", root).Msg("cannot walk input directory")
	}
}

func (r *Runner) scheduleDir(dir string, pending map[string]time.Time) {
	now := time.Now()
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if _, ok := r.inputFor(p); ok {
				pending[p] = now
			}
		}
		return nil
	})
}
