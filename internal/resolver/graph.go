package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path"
	"sort"
	"strings"

	"mirror/internal/storage"
)

// GraphRequest asks a graph resolver for everything reachable from Root.
type GraphRequest struct {
	FS   storage.Storage
	Root string
}

// GraphResult is what an import-graph resolver reports. VfsFiles and
// Typings may arrive either as a flat array or as a map of arrays.
type GraphResult struct {
	Flows     []json.RawMessage `json:"flows,omitempty"`
	VfsFiles  PathList          `json:"vfsFiles"`
	Externals []string          `json:"externals"`
	Typings   PathList          `json:"typings"`
}

// GraphResolver computes the import graph for a root directory.
type GraphResolver interface {
	Resolve(ctx context.Context, req GraphRequest) (*GraphResult, error)
}

// GraphFunc adapts a function to GraphResolver.
type GraphFunc func(ctx context.Context, req GraphRequest) (*GraphResult, error)

func (f GraphFunc) Resolve(ctx context.Context, req GraphRequest) (*GraphResult, error) {
	return f(ctx, req)
}

// PathList is a list of paths that decodes from either ["a","b"] or
// {"key":["a"],"other":["b"]}.
type PathList struct {
	flat  []string
	keyed map[string][]string
}

func Paths(p ...string) PathList {
	return PathList{flat: p}
}

func (l *PathList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = PathList{}
		return nil
	}
	if data[0] == '[' {
		var flat []string
		if err := json.Unmarshal(data, &flat); err != nil {
			return err
		}
		*l = PathList{flat: flat}
		return nil
	}
	var keyed map[string][]string
	if err := json.Unmarshal(data, &keyed); err != nil {
		return fmt.Errorf("path list must be an array or a map of arrays: %w", err)
	}
	*l = PathList{keyed: keyed}
	return nil
}

func (l PathList) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Flatten())
}

// Flatten returns every path once, sorted.
func (l PathList) Flatten() []string {
	seen := make(map[string]struct{}, len(l.flat))
	add := func(p string) {
		if p != "" {
			seen[p] = struct{}{}
		}
	}
	for _, p := range l.flat {
		add(p)
	}
	for _, group := range l.keyed {
		for _, p := range group {
			add(p)
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (l PathList) Len() int {
	return len(l.Flatten())
}

// DirectoryGraph treats every file under the root as reachable. It reports
// no externals; the import rescan fills those in.
type DirectoryGraph struct{}

var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
}

func (DirectoryGraph) Resolve(ctx context.Context, req GraphRequest) (*GraphResult, error) {
	entries, err := req.FS.ListTree(req.Root)
	if err != nil {
		return nil, err
	}

	root := storage.Normalize(req.Root)
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.Type != storage.TypeFile || inSkippedDir(root, e.Path) {
			continue
		}
		files = append(files, e.Path)
	}
	return &GraphResult{VfsFiles: Paths(files...)}, nil
}

func inSkippedDir(root, p string) bool {
	rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
	for _, seg := range strings.Split(path.Dir(rel), "/") {
		if skippedDirs[seg] {
			return true
		}
	}
	return false
}

// CommandGraph runs an external resolver as `<Command> <Args...> <root>`
// and decodes the GraphResult it prints on stdout.
type CommandGraph struct {
	Command string
	Args    []string
	Dir     string
}

func (c CommandGraph) Resolve(ctx context.Context, req GraphRequest) (*GraphResult, error) {
	if c.Command == "" {
		return nil, fmt.Errorf("graph command not configured")
	}

	args := append(append([]string{}, c.Args...), req.Root)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = c.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", c.Command, err, strings.TrimSpace(stderr.String()))
	}

	var result GraphResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("decoding %s output: %w", c.Command, err)
	}
	return &result, nil
}
