// Package workspace confines the service to a single root directory: path
// resolution with escape rejection, the root-level exclusion policy, and
// recursive workspace enumeration.
package workspace

import (
	"path/filepath"
	"strings"

	"github.com/quarksoft/workspaced/pkg/types"
)

// Guard resolves request paths against the workspace root and enforces the
// exclusion policy for serving and listing.
type Guard struct {
	root     string
	excluded map[string]struct{}
}

// NewGuard creates a Guard rooted at root. Excluded names apply to the first
// workspace-relative path segment only; dot-prefixed root entries are always
// excluded.
func NewGuard(root string, excluded []string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(excluded))
	for _, name := range excluded {
		set[name] = struct{}{}
	}
	return &Guard{root: filepath.Clean(abs), excluded: set}, nil
}

// Root returns the absolute workspace root.
func (g *Guard) Root() string {
	return g.root
}

// Resolve turns a request path into an absolute path inside the workspace.
// Relative paths are joined to the root; absolute paths are accepted as-is.
// Paths that land outside the root are rejected.
func (g *Guard) Resolve(path string) (string, error) {
	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Join(g.root, path)
	}
	if full != g.root && !strings.HasPrefix(full, g.root+string(filepath.Separator)) {
		return "", types.NewToolError("Path is outside the allowed base directory")
	}
	return full, nil
}

// Excluded reports whether an absolute path is hidden from listings and file
// serving. Paths outside the workspace are never excluded here; Resolve is
// the authority on escapes.
func (g *Guard) Excluded(path string) bool {
	rel, err := filepath.Rel(g.root, path)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	first := rel
	if i := strings.IndexRune(rel, filepath.Separator); i >= 0 {
		first = rel[:i]
	}
	if _, ok := g.excluded[first]; ok {
		return true
	}
	return strings.HasPrefix(first, ".")
}
