package storage

import (
	stderrors "errors"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"mirror/internal/errors"
)

var (
	errIsDir  = stderrors.New("is a directory")
	errNotDir = stderrors.New("parent is not a directory")
)

// Node is the durable backend over the host filesystem. It also provides
// the Extended capability set.
type Node struct{}

func NewNode() *Node {
	return &Node{}
}

// toNative converts a rooted slash path to host syntax ("/C:/x" -> "C:\x" on Windows).
func toNative(p string) string {
	p = Normalize(p)
	if runtime.GOOS == "windows" && len(p) >= 3 && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

// fromNative converts a host path back to the rooted slash form.
func fromNative(p string) string {
	return Normalize(filepath.ToSlash(p))
}

// NativePath is the host form of a storage path.
func NativePath(p string) string {
	return toNative(p)
}

// FromNative maps a host path to its storage path.
func FromNative(p string) string {
	return fromNative(p)
}

func (n *Node) Write(p string, data []byte) error {
	native := toNative(p)
	if err := os.MkdirAll(filepath.Dir(native), 0o755); err != nil {
		return errors.IOFailure("creating parent directories", Normalize(p), err)
	}
	if err := os.WriteFile(native, data, 0o644); err != nil {
		return errors.IOFailure("write", Normalize(p), err)
	}
	return nil
}

func (n *Node) Read(p string) ([]byte, error) {
	data, err := os.ReadFile(toNative(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(Normalize(p))
		}
		return nil, errors.IOFailure("read", Normalize(p), err)
	}
	return data, nil
}

func (n *Node) Exists(p string) bool {
	_, err := os.Stat(toNative(p))
	return err == nil
}

func (n *Node) Remove(p string) error {
	if err := os.RemoveAll(toNative(p)); err != nil {
		return errors.IOFailure("remove", Normalize(p), err)
	}
	return nil
}

func (n *Node) ListTree(root string) ([]FileEntry, error) {
	nativeRoot := toNative(root)
	var entries []FileEntry

	err := filepath.WalkDir(nativeRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == nativeRoot {
				return fs.SkipAll
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p == nativeRoot {
			return nil
		}

		// Stat follows symlinks; broken links and permission errors drop out here.
		info, err := os.Stat(p)
		if err != nil {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			entries = append(entries, FileEntry{Path: fromNative(p), Type: TypeDir})
			return nil
		}
		entries = append(entries, FileEntry{Path: fromNative(p), Type: TypeFile, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, errors.IOFailure("walking tree", Normalize(root), err)
	}

	SortEntries(entries)
	return entries, nil
}

func (n *Node) EnsureDir(p string) error {
	if err := os.MkdirAll(toNative(p), 0o755); err != nil {
		return errors.IOFailure("creating directory", Normalize(p), err)
	}
	return nil
}

func (n *Node) ReadDir(p string) ([]FileEntry, error) {
	native := toNative(p)
	dirents, err := os.ReadDir(native)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(Normalize(p))
		}
		return nil, errors.IOFailure("reading directory", Normalize(p), err)
	}

	entries := make([]FileEntry, 0, len(dirents))
	for _, d := range dirents {
		full := filepath.Join(native, d.Name())
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if info.IsDir() {
			entries = append(entries, FileEntry{Path: fromNative(full), Type: TypeDir})
		} else {
			entries = append(entries, FileEntry{Path: fromNative(full), Type: TypeFile, Size: info.Size()})
		}
	}

	SortEntries(entries)
	return entries, nil
}

func (n *Node) ReadText(p string) (string, error) {
	data, err := n.Read(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (n *Node) WriteText(p, text string) error {
	return n.Write(p, []byte(text))
}

func (n *Node) Join(elem ...string) string {
	return Normalize(path.Join(elem...))
}

// Resolve turns a file:// URL, a relative host path or an absolute host
// path into the rooted form.
func (n *Node) Resolve(pathOrURL string) (string, error) {
	if strings.HasPrefix(pathOrURL, "file://") {
		u, err := url.Parse(pathOrURL)
		if err != nil {
			return "", errors.IOFailure("parsing file URL", pathOrURL, err)
		}
		return Normalize(u.Path), nil
	}
	if filepath.IsAbs(pathOrURL) || strings.HasPrefix(pathOrURL, "/") {
		return fromNative(pathOrURL), nil
	}
	abs, err := filepath.Abs(pathOrURL)
	if err != nil {
		return "", errors.IOFailure("resolving path", pathOrURL, err)
	}
	return fromNative(abs), nil
}

func (n *Node) Close() error {
	return nil
}
