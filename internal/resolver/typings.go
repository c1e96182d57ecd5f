package resolver

import (
	"encoding/json"
	"path"
	"sort"
	"strings"

	"mirror/internal/storage"
)

const nodeModules = "node_modules"

// packageManifest is the subset of package.json that points at types.
type packageManifest struct {
	Types   string          `json:"types"`
	Typings string          `json:"typings"`
	Exports json.RawMessage `json:"exports"`
}

// exportsTypes pulls exports["."].types, accepting the shorthand where
// exports itself carries the conditions.
func (m packageManifest) exportsTypes() string {
	if len(m.Exports) == 0 {
		return ""
	}
	var conditions map[string]json.RawMessage
	if err := json.Unmarshal(m.Exports, &conditions); err != nil {
		return ""
	}
	if dot, ok := conditions["."]; ok {
		if err := json.Unmarshal(dot, &conditions); err != nil {
			return ""
		}
	}
	var types string
	if raw, ok := conditions["types"]; ok && json.Unmarshal(raw, &types) == nil {
		return types
	}
	return ""
}

// candidate is a type-declaration entry for one package.
type candidate struct {
	pkg  string
	path string
}

// nodeModulesRoots lists the node_modules directories above every file,
// nearest first, each once, keeping only those that exist.
func nodeModulesRoots(store storage.Storage, files []string) []string {
	seen := make(map[string]struct{})
	var roots []string
	for _, f := range files {
		dir := path.Dir(storage.Normalize(f))
		for {
			if !strings.HasSuffix(dir, "/"+nodeModules) && !strings.Contains(dir, "/"+nodeModules+"/") {
				candidate := path.Join(dir, nodeModules)
				if _, ok := seen[candidate]; !ok {
					seen[candidate] = struct{}{}
					if store.Exists(candidate) {
						roots = append(roots, candidate)
					}
				}
			}
			if dir == "/" {
				break
			}
			dir = path.Dir(dir)
		}
	}
	return roots
}

// typesPackage maps a package to its DefinitelyTyped name:
// "@scope/name" -> "@types/scope__name", "name" -> "@types/name".
func typesPackage(pkg string) string {
	if strings.HasPrefix(pkg, "@") {
		return "@types/" + strings.Replace(strings.TrimPrefix(pkg, "@"), "/", "__", 1)
	}
	return "@types/" + pkg
}

// probeTypings looks for the declaration entry of every package under
// every root. It only touches package.json and index.d.ts.
func probeTypings(store storage.Storage, roots []string, packages []string) []candidate {
	var found []candidate
	for _, pkg := range packages {
		for _, root := range roots {
			if entry := packageEntry(store, path.Join(root, pkg)); entry != "" {
				found = append(found, candidate{pkg: pkg, path: entry})
				continue
			}
			if entry := packageEntry(store, path.Join(root, typesPackage(pkg))); entry != "" {
				found = append(found, candidate{pkg: pkg, path: entry})
			}
		}
	}
	return found
}

// packageEntry resolves the declaration entry inside one package dir.
func packageEntry(store storage.Storage, dir string) string {
	if data, err := store.Read(path.Join(dir, "package.json")); err == nil {
		var m packageManifest
		if json.Unmarshal(data, &m) == nil {
			for _, rel := range []string{m.Types, m.Typings, m.exportsTypes()} {
				if rel == "" {
					continue
				}
				p := path.Join(dir, rel)
				if store.Exists(p) {
					return p
				}
				if !strings.HasSuffix(p, ".d.ts") && store.Exists(p+".d.ts") {
					return p + ".d.ts"
				}
			}
		}
	}
	if p := path.Join(dir, "index.d.ts"); store.Exists(p) {
		return p
	}
	return ""
}

// typingsPackage derives the package name from a path inside node_modules,
// folding @types packages onto the package they describe.
func typingsPackage(p string) string {
	idx := strings.LastIndex(p, "/"+nodeModules+"/")
	if idx < 0 {
		return ""
	}
	rest := p[idx+len(nodeModules)+2:]
	name := packageName(rest)
	if name == "" || name == rest {
		return ""
	}
	if strings.HasPrefix(name, "@types/") {
		inner := strings.TrimPrefix(name, "@types/")
		if scope, pkg, ok := strings.Cut(inner, "__"); ok {
			return "@" + scope + "/" + pkg
		}
		return inner
	}
	return name
}

// nested reports paths under a pnpm store or a node_modules inside another
// package's node_modules.
func nested(p string) bool {
	return strings.Contains(p, "/.pnpm/") || strings.Count(p, "/"+nodeModules+"/") > 1
}

func lessCandidate(a, b string) bool {
	if na, nb := nested(a), nested(b); na != nb {
		return !na
	}
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// bestTypings keeps the preferred candidate per package.
func bestTypings(candidates []candidate) []string {
	sort.SliceStable(candidates, func(i, j int) bool {
		return lessCandidate(candidates[i].path, candidates[j].path)
	})

	kept := make(map[string]struct{})
	var best []string
	for _, c := range candidates {
		if _, ok := kept[c.pkg]; ok {
			continue
		}
		kept[c.pkg] = struct{}{}
		best = append(best, c.path)
	}
	return best
}
