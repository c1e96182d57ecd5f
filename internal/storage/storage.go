// Package storage defines the storage abstraction shared by the watcher,
// the resolver and the sync server, along with its three backends.
package storage

import (
	"cmp"
	"fmt"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"
)

type EntryType string

const (
	TypeFile EntryType = "file"
	TypeDir  EntryType = "dir"
)

// FileEntry is one node produced by ListTree.
type FileEntry struct {
	Path string    `json:"path"`
	Type EntryType `json:"type"`
	Size int64     `json:"size"`
}

// Storage is the portable capability set every backend implements.
// Paths are rooted slash paths; see Normalize.
type Storage interface {
	// Write creates parent directories as needed and overwrites existing content.
	Write(path string, data []byte) error

	// Read returns errors.ErrNotFound (internal/errors) when the path does not exist.
	Read(path string) ([]byte, error)

	Exists(path string) bool

	// Remove deletes path and everything under it. A missing path is not an error.
	Remove(path string) error

	// ListTree walks root recursively. Unreadable children are skipped.
	ListTree(root string) ([]FileEntry, error)
}

// Extended is the host-filesystem-only capability set. Portable callers
// must depend on Storage instead.
type Extended interface {
	Storage
	EnsureDir(path string) error
	ReadDir(path string) ([]FileEntry, error)
	ReadText(path string) (string, error)
	WriteText(path, text string) error
	Join(elem ...string) string
	Resolve(pathOrURL string) (string, error)
}

// Normalize maps p to its single rooted slash representation.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Within reports whether p is root or nested under it. Both must be normalized.
func Within(root, p string) bool {
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

// subtreePrefix is the string every strict descendant of root starts with.
func subtreePrefix(root string) string {
	if root == "/" {
		return "/"
	}
	return root + "/"
}

// SortEntries orders entries the way ListTree promises: the directory
// group first, then files, each group lexicographic by path.
func SortEntries(entries []FileEntry) {
	slices.SortFunc(entries, func(a, b FileEntry) int {
		if a.Type != b.Type {
			if a.Type == TypeDir {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Path, b.Path)
	})
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend   string // memory, node, vfs
	Path      string // vfs database directory
	InMemory  bool   // vfs only
	CacheSize int    // vfs only
	Logger    *zap.Logger
}

// Open builds the backend named by opts.Backend.
func Open(opts Options) (Storage, error) {
	switch opts.Backend {
	case "memory":
		return NewMemory(), nil
	case "node", "":
		return NewNode(), nil
	case "vfs":
		return NewVFS(VFSOptions{
			Dir:       opts.Path,
			InMemory:  opts.InMemory,
			CacheSize: opts.CacheSize,
			Logger:    opts.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
