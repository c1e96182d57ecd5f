// Package resolver computes the desired set: the files a peer needs to
// mirror a project, given the import graph rooted at a watch directory.
package resolver

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"mirror/internal/errors"
	"mirror/internal/storage"
)

type Resolver struct {
	store  storage.Storage
	graph  GraphResolver
	logger *zap.Logger
}

func New(store storage.Storage, graph GraphResolver, logger *zap.Logger) *Resolver {
	if graph == nil {
		graph = DirectoryGraph{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, graph: graph, logger: logger}
}

// Resolve returns the absolute paths that should be mirrored. When the
// graph resolver fails the set is empty and the error is a
// RESOLUTION_FAILURE; the sync server keeps what peers already hold for
// that cycle instead of deleting it.
func (r *Resolver) Resolve(ctx context.Context, watchRoot, projectRoot string) (map[string]struct{}, error) {
	start := time.Now()
	watchRoot = storage.Normalize(watchRoot)
	projectRoot = storage.Normalize(projectRoot)

	result, err := r.graph.Resolve(ctx, GraphRequest{FS: r.store, Root: watchRoot})
	if err != nil {
		failure := errors.ResolutionFailure(watchRoot, err)
		r.logger.Error("graph resolution failed",
			zap.String("root", watchRoot),
			zap.Error(failure))
		return map[string]struct{}{}, failure
	}
	if result == nil {
		result = &GraphResult{}
	}

	sources := result.VfsFiles.Flatten()
	for i := range sources {
		sources[i] = storage.Normalize(sources[i])
	}

	packages := make(map[string]struct{}, len(result.Externals))
	for _, ext := range result.Externals {
		if name := packageName(ext); isBare(ext) && name != "" {
			packages[name] = struct{}{}
		}
	}
	for _, p := range sources {
		if !scannable(p) {
			continue
		}
		src, err := r.store.Read(p)
		if err != nil {
			r.logger.Debug("skipping unreadable source", zap.String("path", p), zap.Error(err))
			continue
		}
		bareImports(src, packages)
	}

	names := make([]string, 0, len(packages))
	for name := range packages {
		names = append(names, name)
	}
	sort.Strings(names)

	roots := nodeModulesRoots(r.store, sources)
	candidates := probeTypings(r.store, roots, names)
	for _, p := range result.Typings.Flatten() {
		p = storage.Normalize(p)
		pkg := typingsPackage(p)
		if pkg == "" {
			pkg = p
		}
		candidates = append(candidates, candidate{pkg: pkg, path: p})
	}
	typings := bestTypings(candidates)

	desired := make(map[string]struct{}, len(sources)+len(typings))
	for _, p := range sources {
		desired[p] = struct{}{}
	}
	for _, p := range typings {
		desired[p] = struct{}{}
	}

	outside := 0
	for p := range desired {
		if !storage.Within(projectRoot, p) {
			outside++
			r.logger.Warn("desired path outside project root",
				zap.String("path", p),
				zap.String("project_root", projectRoot))
		}
	}

	r.logger.Debug("desired set resolved",
		zap.String("root", watchRoot),
		zap.Int("sources", len(sources)),
		zap.Int("packages", len(names)),
		zap.Int("typings", len(typings)),
		zap.Int("outside_root", outside),
		zap.Duration("took", time.Since(start)))
	return desired, nil
}
