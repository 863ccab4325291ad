package workspace

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quarksoft/workspaced/internal/logging"
	"github.com/quarksoft/workspaced/pkg/types"
)

// Lister enumerates the workspace recursively. It shells out to ripgrep for
// speed (ripgrep respects nested .gitignore files) and falls back to walking
// the tree when ripgrep is unavailable. The walk also yields directories.
type Lister struct {
	guard *Guard
}

// NewLister creates a Lister bounded by the given guard.
func NewLister(guard *Guard) *Lister {
	return &Lister{guard: guard}
}

// List returns every non-excluded entry under the workspace root, sorted by
// relative path. When gitIgnore is true, ignore files are honored.
func (l *Lister) List(ctx context.Context, gitIgnore bool) (types.FileListing, error) {
	paths, err := l.ripgrepPaths(ctx, gitIgnore)
	if err != nil {
		logging.Debug("ripgrep enumeration failed, walking workspace", logging.Err(err))
		paths, err = l.walkPaths()
		if err != nil {
			return types.FileListing{}, err
		}
	}

	items := make([]types.FileItem, 0, len(paths))
	for _, p := range paths {
		if l.guard.Excluded(p) {
			continue
		}
		rel, err := filepath.Rel(l.guard.Root(), p)
		if err != nil {
			continue
		}
		itemType := "file"
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			itemType = "directory"
		}
		items = append(items, types.FileItem{
			Name:         filepath.Base(p),
			Path:         p,
			RelativePath: rel,
			Type:         itemType,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].RelativePath < items[j].RelativePath
	})

	return types.FileListing{
		WorkspacePath: l.guard.Root(),
		TotalItems:    len(items),
		Items:         items,
	}, nil
}

func (l *Lister) ripgrepPaths(ctx context.Context, gitIgnore bool) ([]string, error) {
	args := []string{"--files", "--hidden", "--color", "never"}
	if !gitIgnore {
		args = append(args, "--no-ignore")
	}
	cmd := exec.CommandContext(ctx, "rg", args...)
	cmd.Dir = l.guard.Root()
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		paths = append(paths, filepath.Join(l.guard.Root(), line))
	}
	return paths, nil
}

func (l *Lister) walkPaths() ([]string, error) {
	var paths []string
	root := l.guard.Root()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
