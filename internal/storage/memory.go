package storage

import (
	"os"
	"path"

	"github.com/spf13/afero"

	"mirror/internal/errors"
)

// Memory is the volatile backend used for tests and ephemeral runs.
type Memory struct {
	fs afero.Fs
}

func NewMemory() *Memory {
	return &Memory{fs: afero.NewMemMapFs()}
}

func (m *Memory) Write(p string, data []byte) error {
	p = Normalize(p)
	if err := m.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return errors.IOFailure("creating parent directories", p, err)
	}
	if err := afero.WriteFile(m.fs, p, data, 0o644); err != nil {
		return errors.IOFailure("write", p, err)
	}
	return nil
}

func (m *Memory) Read(p string) ([]byte, error) {
	p = Normalize(p)
	info, err := m.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(p)
		}
		return nil, errors.IOFailure("stat", p, err)
	}
	if info.IsDir() {
		return nil, errors.IOFailure("read", p, errIsDir)
	}
	data, err := afero.ReadFile(m.fs, p)
	if err != nil {
		return nil, errors.IOFailure("read", p, err)
	}
	return data, nil
}

func (m *Memory) Exists(p string) bool {
	ok, err := afero.Exists(m.fs, Normalize(p))
	return err == nil && ok
}

func (m *Memory) Remove(p string) error {
	p = Normalize(p)
	if err := m.fs.RemoveAll(p); err != nil && !os.IsNotExist(err) {
		return errors.IOFailure("remove", p, err)
	}
	return nil
}

func (m *Memory) ListTree(root string) ([]FileEntry, error) {
	root = Normalize(root)
	var entries []FileEntry

	err := afero.Walk(m.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		p = Normalize(p)
		if p == root {
			return nil
		}
		if info.IsDir() {
			entries = append(entries, FileEntry{Path: p, Type: TypeDir})
			return nil
		}
		entries = append(entries, FileEntry{Path: p, Type: TypeFile, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, errors.IOFailure("walking tree", root, err)
	}

	SortEntries(entries)
	return entries, nil
}

func (m *Memory) Close() error {
	return nil
}
