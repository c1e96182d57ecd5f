package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirror/internal/errors"
	"mirror/internal/storage"
)

func setupProject(t *testing.T, files map[string]string) *storage.Memory {
	store := storage.NewMemory()
	for p, body := range files {
		require.NoError(t, store.Write(p, []byte(body)))
	}
	return store
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestScanImports(t *testing.T) {
	src := `
import React from 'react'
import { x } from "@scope/pkg/sub/path"
import './side-effect.css'
import "lodash/fp"
const fs = require('node:fs')
const local = require("./local")
const lazy = await import('chart.js/auto')
export * from '/abs/thing'
`
	assert.Equal(t,
		[]string{"react", "@scope/pkg/sub/path", "./side-effect.css", "lodash/fp", "node:fs", "./local", "chart.js/auto", "/abs/thing"},
		scanImports([]byte(src)))

	got := map[string]struct{}{}
	bareImports([]byte(src), got)
	assert.Equal(t, []string{"@scope/pkg", "chart.js", "lodash", "react"}, keys(got))
}

func TestPackageName(t *testing.T) {
	tests := []struct {
		spec string
		want string
	}{
		{"react", "react"},
		{"react-dom/client", "react-dom"},
		{"@scope/name", "@scope/name"},
		{"@scope/name/deep/file", "@scope/name"},
		{"@scope", ""},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			assert.Equal(t, tt.want, packageName(tt.spec))
		})
	}
}

func TestPathListDecodesArrayAndMap(t *testing.T) {
	var res GraphResult
	require.NoError(t, json.Unmarshal([]byte(`{
		"vfsFiles": ["/p/b.ts", "/p/a.ts", "/p/a.ts"],
		"typings":  {"react": ["/p/node_modules/@types/react/index.d.ts"], "x": ["/p/x.d.ts", "/p/a.d.ts"]}
	}`), &res))

	assert.Equal(t, []string{"/p/a.ts", "/p/b.ts"}, res.VfsFiles.Flatten())
	assert.Equal(t, []string{"/p/a.d.ts", "/p/node_modules/@types/react/index.d.ts", "/p/x.d.ts"}, res.Typings.Flatten())

	var bad PathList
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))

	out, err := json.Marshal(Paths("/b", "/a"))
	require.NoError(t, err)
	assert.JSONEq(t, `["/a","/b"]`, string(out))
}

func TestTypingsPackage(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/p/node_modules/react/index.d.ts", "react"},
		{"/p/node_modules/@types/react/index.d.ts", "react"},
		{"/p/node_modules/@types/scope__name/index.d.ts", "@scope/name"},
		{"/p/node_modules/@scope/name/dist/index.d.ts", "@scope/name"},
		{"/p/node_modules/.pnpm/a@1/node_modules/a/index.d.ts", "a"},
		{"/p/src/types.d.ts", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, typingsPackage(tt.path))
		})
	}
}

func TestBestTypingsPreference(t *testing.T) {
	got := bestTypings([]candidate{
		{pkg: "a", path: "/p/node_modules/.pnpm/a@1/node_modules/a/index.d.ts"},
		{pkg: "a", path: "/p/node_modules/a/dist/types/index.d.ts"},
		{pkg: "a", path: "/p/node_modules/a/index.d.ts"},
		{pkg: "b", path: "/p/node_modules/x/node_modules/b/index.d.ts"},
		{pkg: "b", path: "/p/node_modules/b/types/main.d.ts"},
		{pkg: "c", path: "/p/node_modules/c/z.d.ts"},
		{pkg: "c", path: "/p/node_modules/c/a.d.ts"},
	})
	assert.Equal(t, []string{
		"/p/node_modules/c/a.d.ts",
		"/p/node_modules/a/index.d.ts",
		"/p/node_modules/b/types/main.d.ts",
	}, got)
}

func TestPackageEntry(t *testing.T) {
	store := setupProject(t, map[string]string{
		"/nm/types-field/package.json":     `{"types": "lib/index.d.ts"}`,
		"/nm/types-field/lib/index.d.ts":   "",
		"/nm/typings-field/package.json":   `{"typings": "./main"}`,
		"/nm/typings-field/main.d.ts":      "",
		"/nm/exports/package.json":         `{"exports": {".": {"types": "./dist/e.d.ts", "import": "./dist/e.js"}}}`,
		"/nm/exports/dist/e.d.ts":          "",
		"/nm/index-only/index.d.ts":        "",
		"/nm/dangling/package.json":        `{"types": "missing.d.ts"}`,
		"/nm/dangling/index.d.ts":          "",
		"/nm/broken-manifest/package.json": `{`,
		"/nm/untyped/package.json":         `{"main": "index.js"}`,
	})

	tests := []struct {
		dir  string
		want string
	}{
		{"/nm/types-field", "/nm/types-field/lib/index.d.ts"},
		{"/nm/typings-field", "/nm/typings-field/main.d.ts"},
		{"/nm/exports", "/nm/exports/dist/e.d.ts"},
		{"/nm/index-only", "/nm/index-only/index.d.ts"},
		{"/nm/dangling", "/nm/dangling/index.d.ts"},
		{"/nm/broken-manifest", ""},
		{"/nm/untyped", ""},
		{"/nm/absent", ""},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			assert.Equal(t, tt.want, packageEntry(store, tt.dir))
		})
	}
}

func TestResolveUnionsSourcesAndTypings(t *testing.T) {
	store := setupProject(t, map[string]string{
		"/p/src/main.ts":                                               `import React from 'react'; import { z } from "@scope/lib/deep";`,
		"/p/src/util.js":                                               `const dyn = require('dyn-only'); import('./local')`,
		"/p/src/readme.md":                                             `import x from 'not-scanned'`,
		"/p/node_modules/@types/react/index.d.ts":                      "",
		"/p/node_modules/@types/scope__lib/index.d.ts":                 "",
		"/p/node_modules/dyn-only/package.json":                        `{"types": "d.d.ts"}`,
		"/p/node_modules/dyn-only/d.d.ts":                              "",
		"/p/node_modules/not-scanned/index.d.ts":                       "",
		"/p/node_modules/.pnpm/react@18/node_modules/react/index.d.ts": "",
	})

	graph := GraphFunc(func(ctx context.Context, req GraphRequest) (*GraphResult, error) {
		assert.Equal(t, "/p/src", req.Root)
		return &GraphResult{
			VfsFiles: Paths("/p/src/main.ts", "/p/src/util.js", "/p/src/readme.md"),
			Typings:  Paths("/p/node_modules/.pnpm/react@18/node_modules/react/index.d.ts"),
		}, nil
	})

	got, err := New(store, graph, nil).Resolve(context.Background(), "/p/src", "/p")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/p/node_modules/@types/react/index.d.ts",
		"/p/node_modules/@types/scope__lib/index.d.ts",
		"/p/node_modules/dyn-only/d.d.ts",
		"/p/src/main.ts",
		"/p/src/readme.md",
		"/p/src/util.js",
	}, keys(got))
}

func TestResolveKeepsOneTypingPerPackage(t *testing.T) {
	files := map[string]string{"/p/a.ts": ""}
	var typings []string
	for i := 0; i < 5; i++ {
		p := fmt.Sprintf("/p/node_modules/.pnpm/pkg@%d/node_modules/pkg/index.d.ts", i)
		files[p] = ""
		typings = append(typings, p)
	}
	files["/p/node_modules/pkg/index.d.ts"] = ""
	typings = append(typings, "/p/node_modules/pkg/index.d.ts")
	store := setupProject(t, files)

	graph := GraphFunc(func(ctx context.Context, req GraphRequest) (*GraphResult, error) {
		return &GraphResult{
			VfsFiles:  Paths("/p/a.ts"),
			Externals: []string{"pkg"},
			Typings:   Paths(typings...),
		}, nil
	})

	got, err := New(store, graph, nil).Resolve(context.Background(), "/p", "/p")
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/a.ts", "/p/node_modules/pkg/index.d.ts"}, keys(got))
}

func TestResolveIncludesPathsOutsideProjectRoot(t *testing.T) {
	store := setupProject(t, map[string]string{
		"/p/a.ts":                         `import 'shared'`,
		"/node_modules/shared/index.d.ts": "",
	})
	graph := GraphFunc(func(ctx context.Context, req GraphRequest) (*GraphResult, error) {
		return &GraphResult{VfsFiles: Paths("/p/a.ts")}, nil
	})

	got, err := New(store, graph, nil).Resolve(context.Background(), "/p", "/p")
	require.NoError(t, err)
	assert.Equal(t, []string{"/node_modules/shared/index.d.ts", "/p/a.ts"}, keys(got))
}

func TestResolveGraphFailureYieldsEmptySet(t *testing.T) {
	store := setupProject(t, map[string]string{"/p/a.ts": ""})
	graph := GraphFunc(func(ctx context.Context, req GraphRequest) (*GraphResult, error) {
		return nil, fmt.Errorf("parser crashed")
	})

	got, err := New(store, graph, nil).Resolve(context.Background(), "/p", "/p")
	assert.True(t, errors.IsType(err, errors.ErrorTypeResolution))
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestDirectoryGraph(t *testing.T) {
	store := setupProject(t, map[string]string{
		"/p/a.ts":                    "",
		"/p/lib/b.ts":                "",
		"/p/node_modules/x/index.js": "",
		"/p/.git/HEAD":               "",
		"/p/lib/.git-keep":           "",
	})

	res, err := DirectoryGraph{}.Resolve(context.Background(), GraphRequest{FS: store, Root: "/p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/a.ts", "/p/lib/.git-keep", "/p/lib/b.ts"}, res.VfsFiles.Flatten())
	assert.Empty(t, res.Externals)
}

func TestCommandGraph(t *testing.T) {
	_, err := CommandGraph{}.Resolve(context.Background(), GraphRequest{Root: "/p"})
	assert.Error(t, err)

	res, err := CommandGraph{
		Command: "sh",
		Args:    []string{"-c", `printf '{"vfsFiles":["%s/a.ts"],"externals":["react"]}' "$0"`},
	}.Resolve(context.Background(), GraphRequest{Root: "/p"})
	if err != nil {
		t.Skipf("sh unavailable: %v", err)
	}
	assert.Equal(t, []string{"/p/a.ts"}, res.VfsFiles.Flatten())
	assert.Equal(t, []string{"react"}, res.Externals)

	_, err = CommandGraph{Command: "sh", Args: []string{"-c", "exit 3"}}.
		Resolve(context.Background(), GraphRequest{Root: "/p"})
	assert.Error(t, err)
}
