package app

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/wrapbench/wrapbench/internal/catalog"
)

const watchDebounce = 500 * time.Millisecond

// watchCatalogue reruns affected wrappers when catalogue files change.
// Changes inside one wrapper directory rerun that wrapper; anything else
// (new wrappers, deleted specs, shared files) triggers a full rerun with an
// empty prefix. Blocks until ctx is cancelled.
func watchCatalogue(ctx context.Context, root, store string, rerun func(prefix string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	storeAbs, err := filepath.Abs(store)
	if err != nil {
		return err
	}

	addTree := func(dir string) error {
		return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if path == storeAbs || strings.HasPrefix(path, storeAbs+string(filepath.Separator)) {
				return fs.SkipDir
			}
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return fs.SkipDir
			}
			return watcher.Add(path)
		})
	}
	if err := addTree(rootAbs); err != nil {
		return err
	}

	logger := log.FromContext(ctx)
	logger.Debug("watching catalogue", "root", rootAbs)

	pending := map[string]bool{}
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.HasPrefix(event.Name, storeAbs) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addTree(event.Name)
				}
			}
			pending[wrapperPrefixFor(rootAbs, event.Name)] = true
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Debug("watch error", "err", err)
		case <-fire:
			fire = nil
			prefixes := drainPrefixes(pending)
			for _, prefix := range prefixes {
				rerun(prefix)
			}
		}
	}
}

// wrapperPrefixFor maps a changed path to the identity of the wrapper whose
// directory contains it, or "" when the change is outside any wrapper.
func wrapperPrefixFor(rootAbs, changed string) string {
	dir := changed
	if info, err := os.Stat(changed); err != nil || !info.IsDir() {
		dir = filepath.Dir(changed)
	}
	for strings.HasPrefix(dir, rootAbs) && dir != rootAbs {
		if _, err := os.Stat(filepath.Join(dir, catalog.SpecFileName)); err == nil {
			rel, err := filepath.Rel(rootAbs, dir)
			if err != nil {
				return ""
			}
			return filepath.ToSlash(rel)
		}
		dir = filepath.Dir(dir)
	}
	return ""
}

// drainPrefixes empties the pending set. A pending full rerun subsumes the
// per-wrapper ones.
func drainPrefixes(pending map[string]bool) []string {
	if pending[""] {
		clear(pending)
		return []string{""}
	}
	prefixes := make([]string, 0, len(pending))
	for prefix := range pending {
		prefixes = append(prefixes, prefix)
	}
	clear(pending)
	return prefixes
}
