package storage

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirror/internal/errors"
)

func TestNodeImplementsExtended(t *testing.T) {
	var _ Extended = NewNode()
}

func TestNodeResolve(t *testing.T) {
	n := NewNode()
	dir := t.TempDir()

	got, err := n.Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, fromNative(dir), got)

	if runtime.GOOS != "windows" {
		got, err = n.Resolve("file:///srv/project/src/a.ts")
		require.NoError(t, err)
		assert.Equal(t, "/srv/project/src/a.ts", got)
	}

	wd, err := os.Getwd()
	require.NoError(t, err)
	got, err = n.Resolve("rel/x.ts")
	require.NoError(t, err)
	assert.Equal(t, fromNative(filepath.Join(wd, "rel", "x.ts")), got)
}

func TestNodeExtendedHelpers(t *testing.T) {
	n := NewNode()
	root := fromNative(t.TempDir())

	require.NoError(t, n.EnsureDir(n.Join(root, "pkg", "lib")))
	assert.True(t, n.Exists(root+"/pkg/lib"))

	require.NoError(t, n.WriteText(n.Join(root, "pkg", "index.ts"), "export {}\n"))
	text, err := n.ReadText(root + "/pkg/index.ts")
	require.NoError(t, err)
	assert.Equal(t, "export {}\n", text)

	entries, err := n.ReadDir(root + "/pkg")
	require.NoError(t, err)
	assert.Equal(t, []FileEntry{
		{Path: root + "/pkg/lib", Type: TypeDir},
		{Path: root + "/pkg/index.ts", Type: TypeFile, Size: 10},
	}, entries)

	_, err = n.ReadDir(root + "/missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestNodeListTreeSkipsBrokenSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	n := NewNode()
	dir := t.TempDir()
	root := fromNative(dir)

	require.NoError(t, n.Write(root+"/ok.ts", []byte("ok")))
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing-target"), filepath.Join(dir, "dangling.ts")))

	entries, err := n.ListTree(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, root+"/ok.ts", entries[0].Path)
}

func TestNodeWriteRejected(t *testing.T) {
	n := NewNode()
	root := fromNative(t.TempDir())
	require.NoError(t, n.Write(root+"/file", []byte("x")))

	// a regular file cannot act as a parent directory
	err := n.Write(root+"/file/child.ts", []byte("y"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIOFailure))
}
