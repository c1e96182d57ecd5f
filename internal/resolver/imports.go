package resolver

import (
	"path"
	"regexp"
	"strings"
)

// importPattern catches `from '...'`, `require('...')` and `import('...')`
// in one pass. Side-effect imports (`import 'x'`) are caught by the bare
// import alternative.
var importPattern = regexp.MustCompile(
	`(?:\bfrom\s*|\brequire\s*\(\s*|\bimport\s*\(\s*|\bimport\s+)["'` + "`" + `]([^"'` + "`" + `\s]+)["'` + "`" + `]`,
)

var scannedExtensions = map[string]bool{
	".ts":  true,
	".tsx": true,
	".js":  true,
	".jsx": true,
}

func scannable(p string) bool {
	return scannedExtensions[path.Ext(p)]
}

// scanImports returns every specifier referenced by src, in order of
// appearance.
func scanImports(src []byte) []string {
	matches := importPattern.FindAllSubmatch(src, -1)
	specs := make([]string, 0, len(matches))
	for _, m := range matches {
		specs = append(specs, string(m[1]))
	}
	return specs
}

func isBare(specifier string) bool {
	return specifier != "" &&
		!strings.HasPrefix(specifier, ".") &&
		!strings.HasPrefix(specifier, "/") &&
		!strings.HasPrefix(specifier, "node:")
}

// packageName reduces a bare specifier to its package: two segments for
// scoped names, one otherwise.
func packageName(specifier string) string {
	parts := strings.Split(specifier, "/")
	if strings.HasPrefix(specifier, "@") {
		if len(parts) < 2 || parts[1] == "" {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// bareImports collects the package names referenced by src.
func bareImports(src []byte, into map[string]struct{}) {
	for _, specifier := range scanImports(src) {
		if !isBare(specifier) {
			continue
		}
		if name := packageName(specifier); name != "" {
			into[name] = struct{}{}
		}
	}
}
