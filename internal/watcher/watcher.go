// Package watcher wraps a storage backend with a content-hash index so
// that writes and deletes only produce change events when something
// actually changed.
package watcher

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"mirror/internal/content"
	"mirror/internal/errors"
	"mirror/internal/storage"
)

type Kind string

const (
	Created Kind = "created"
	Updated Kind = "updated"
	Deleted Kind = "deleted"
)

// FileChange is emitted only when a write changed the stored bytes, or a
// delete removed an existing path.
type FileChange struct {
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
	Hash string `json:"hash,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type subscription struct {
	glob string
	fn   func(FileChange)
}

// Watcher owns the path -> hash index for one storage instance.
type Watcher struct {
	store  storage.Storage
	logger *zap.Logger

	mu    sync.Mutex
	index map[string]string

	subsMu sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
}

func New(store storage.Storage, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:  store,
		logger: logger,
		index:  make(map[string]string),
		subs:   make(map[uint64]subscription),
	}
}

// Store returns the wrapped backend.
func (w *Watcher) Store() storage.Storage {
	return w.store
}

// WriteString decodes s per enc and writes the result.
func (w *Watcher) WriteString(p, s string, enc content.Encoding) error {
	data, err := content.Decode(s, enc)
	if err != nil {
		return err
	}
	return w.WriteFile(p, data)
}

// WriteFile stores data at p unless the stored content already hashes the
// same, in which case nothing happens at all.
func (w *Watcher) WriteFile(p string, data []byte) error {
	p = storage.Normalize(p)
	hash := content.Hash(data)

	w.mu.Lock()
	prev, known := w.index[p]
	if !known {
		existing, err := w.store.Read(p)
		switch {
		case err == nil:
			prev, known = content.Hash(existing), true
		case !errors.IsNotFound(err):
			w.logger.Debug("reading existing content", zap.String("path", p), zap.Error(err))
		}
	}

	if known && prev == hash {
		w.mu.Unlock()
		return nil
	}

	if err := w.store.Write(p, data); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("writing %s: %w", p, err)
	}
	w.index[p] = hash
	w.mu.Unlock()

	kind := Created
	if known {
		kind = Updated
	}
	w.emit(FileChange{Path: p, Kind: kind, Hash: hash, Size: int64(len(data))})
	return nil
}

// DeleteFile removes p. Deleting a path the store does not have is a no-op.
func (w *Watcher) DeleteFile(p string) error {
	p = storage.Normalize(p)

	w.mu.Lock()
	if !w.store.Exists(p) {
		w.forget(p)
		w.mu.Unlock()
		return nil
	}

	if err := w.store.Remove(p); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("removing %s: %w", p, err)
	}
	w.forget(p)
	w.mu.Unlock()

	w.emit(FileChange{Path: p, Kind: Deleted})
	return nil
}

// Invalidate drops what the index knows about p and anything below it,
// so the next write compares against what the store holds now. Callers
// whose store is also changed by other writers use it before writing.
func (w *Watcher) Invalidate(p string) {
	w.mu.Lock()
	w.forget(storage.Normalize(p))
	w.mu.Unlock()
}

// forget drops p and anything indexed under it. Caller holds w.mu.
func (w *Watcher) forget(p string) {
	for k := range w.index {
		if storage.Within(p, k) {
			delete(w.index, k)
		}
	}
}

// Seed indexes every file under root without emitting events.
func (w *Watcher) Seed(root string) error {
	root = storage.Normalize(root)
	entries, err := w.store.ListTree(root)
	if err != nil {
		return fmt.Errorf("listing %s: %w", root, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	seeded := 0
	for _, e := range entries {
		if e.Type != storage.TypeFile {
			continue
		}
		data, err := w.store.Read(e.Path)
		if err != nil {
			w.logger.Debug("skipping unreadable file during seed", zap.String("path", e.Path), zap.Error(err))
			continue
		}
		w.index[e.Path] = content.Hash(data)
		seeded++
	}

	w.logger.Info("watcher index seeded", zap.String("root", root), zap.Int("files", seeded))
	return nil
}

// Hash returns the indexed hash for p.
func (w *Watcher) Hash(p string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.index[storage.Normalize(p)]
	return h, ok
}

// Watch calls fn for every change whose path matches glob. Globs are
// matched against the path without its leading slash; "**" spans
// directories and dotfiles are matched like any other name.
func (w *Watcher) Watch(glob string, fn func(FileChange)) (func(), error) {
	glob = strings.TrimPrefix(glob, "/")
	if !doublestar.ValidatePattern(glob) {
		return nil, fmt.Errorf("invalid glob %q", glob)
	}

	w.subsMu.Lock()
	w.nextID++
	id := w.nextID
	w.subs[id] = subscription{glob: glob, fn: fn}
	w.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.subsMu.Lock()
			delete(w.subs, id)
			w.subsMu.Unlock()
		})
	}, nil
}

// OnChange subscribes to every change.
func (w *Watcher) OnChange(fn func(FileChange)) func() {
	unsubscribe, _ := w.Watch("**", fn)
	return unsubscribe
}

// emit dispatches synchronously, outside the index lock.
func (w *Watcher) emit(change FileChange) {
	name := strings.TrimPrefix(change.Path, "/")

	w.subsMu.RLock()
	matched := make([]func(FileChange), 0, len(w.subs))
	for _, sub := range w.subs {
		if ok, _ := doublestar.Match(sub.glob, name); ok {
			matched = append(matched, sub.fn)
		}
	}
	w.subsMu.RUnlock()

	for _, fn := range matched {
		fn(change)
	}
}
