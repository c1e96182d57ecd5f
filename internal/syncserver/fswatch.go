package syncserver

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"mirror/internal/storage"
)

// fsWatcher turns host filesystem events under the watch dir into rebuild
// triggers. It watches every directory recursively except ignored ones;
// node_modules is watched at its top level only so installs and removals
// still trigger.
type fsWatcher struct {
	watcher    *fsnotify.Watcher
	root       string
	ignoreDirs map[string]bool
	notify     func(reason string)
	logger     *zap.Logger
	wg         sync.WaitGroup
}

func newFSWatcher(watchDir, projectRoot string, notify func(string), logger *zap.Logger) (*fsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	fw := &fsWatcher{
		watcher: watcher,
		root:    storage.NativePath(watchDir),
		ignoreDirs: map[string]bool{
			".git":         true,
			"node_modules": true,
		},
		notify: notify,
		logger: logger,
	}

	if err := fw.addTree(fw.root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", fw.root, err)
	}
	for _, dir := range []string{watchDir, projectRoot} {
		modules := filepath.Join(storage.NativePath(dir), "node_modules")
		if info, err := os.Stat(modules); err == nil && info.IsDir() {
			if err := watcher.Add(modules); err != nil {
				fw.logger.Warn("watching node_modules", zap.String("dir", modules), zap.Error(err))
			}
		}
	}

	fw.wg.Add(1)
	go fw.watchLoop()
	return fw, nil
}

// addTree adds dir and every non-ignored directory below it.
func (fw *fsWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && fw.ignoreDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(p); err != nil {
			return fmt.Errorf("adding directory to watcher: %w", err)
		}
		return nil
	})
}

func (fw *fsWatcher) watchLoop() {
	defer fw.wg.Done()
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFSEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (fw *fsWatcher) handleFSEvent(event fsnotify.Event) {
	if fw.shouldIgnore(event.Name) {
		return
	}

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !fw.ignoreDirs[filepath.Base(event.Name)] {
			if err := fw.addTree(event.Name); err != nil {
				fw.logger.Error("adding new directory to watcher", zap.Error(err))
			}
		}
	}

	fw.notify("fs " + strings.ToLower(event.Op.String()))
}

// shouldIgnore drops events from inside .git. Events inside node_modules
// only arrive for its top level and are kept.
func (fw *fsWatcher) shouldIgnore(p string) bool {
	rel, err := filepath.Rel(fw.root, p)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == ".git" {
			return true
		}
	}
	return false
}

func (fw *fsWatcher) Close() error {
	err := fw.watcher.Close()
	fw.wg.Wait()
	return err
}
