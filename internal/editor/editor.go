// Package editor implements the structured file operations of the service:
// reads, writes, line edits with a bounded undo history, and pattern search,
// all confined to the workspace root.
package editor

import (
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/quarksoft/workspaced/internal/workspace"
	"github.com/quarksoft/workspaced/pkg/types"
)

// historyDepth caps the undo stack per file.
const historyDepth = 2

// shortenLimit bounds strings echoed back in edit confirmations.
const shortenLimit = 120

var commands = []string{
	"read", "write", "append", "delete", "exists", "list", "mkdir", "rmdir", "move", "copy",
	"view", "create", "replace", "insert", "delete_lines", "undo", "grep",
}

// Editor executes file operations. The undo history is keyed by resolved
// absolute path and guarded by its own mutex; file content itself is not
// cached.
type Editor struct {
	guard *workspace.Guard

	mu      sync.Mutex
	history map[string][]string
}

// New creates an Editor confined by the given guard.
func New(guard *workspace.Guard) *Editor {
	return &Editor{
		guard:   guard,
		history: make(map[string][]string),
	}
}

// Handle dispatches a file request to its operation. Each operation reads
// only the parameters it accepts; extra parameters are ignored. Unknown
// operations and invalid requests return a ToolError.
func (e *Editor) Handle(req types.FileRequest) (types.Result, error) {
	switch req.Command {
	case "read":
		return e.read(req.Path, req.FileMode(), req.WantLineNumbers())
	case "write":
		return e.write(req.Path, req.Content, req.FileMode())
	case "append":
		return e.append(req.Path, req.Content, req.FileMode())
	case "delete":
		return e.delete(req.Path, req.Recursive)
	case "exists":
		return e.exists(req.Path)
	case "list":
		return e.listDir(req.Path)
	case "mkdir":
		return e.mkdir(req.Path)
	case "rmdir":
		return e.rmdir(req.Path)
	case "move":
		return e.move(req.Src, req.Dst)
	case "copy":
		return e.copy(req.Src, req.Dst)
	case "view":
		return e.view(req.Path, req.ViewRange, req.WantLineNumbers())
	case "create":
		return e.create(req.Path, req.Content, req.FileMode())
	case "replace":
		if req.OldStr == nil || req.NewStr == nil {
			return types.Result{}, types.NewToolError("old_str and new_str are required")
		}
		return e.replace(req.Path, *req.OldStr, *req.NewStr, req.AllOccurrences)
	case "insert":
		line := 0
		if req.Line != nil {
			line = *req.Line
		}
		text := ""
		if req.Text != nil {
			text = *req.Text
		}
		return e.insert(req.Path, line, text)
	case "delete_lines":
		return e.deleteLines(req.Path, req.Lines)
	case "undo":
		return e.undo(req.Path)
	case "grep":
		return e.grep(req.Pattern, req.Path, req.WantCaseSensitive(), req.Recursive, req.WantLineNumbers())
	default:
		return types.Result{}, types.ToolErrorf("Unsupported command: %s. Supported commands: %s",
			req.Command, strings.Join(commands, ", "))
	}
}

func (e *Editor) read(path, mode string, lineNumbers bool) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	if !isFile(full) {
		return types.Result{}, types.NewToolError("Path is not a file")
	}
	switch mode {
	case "text":
		data, err := os.ReadFile(full)
		if err != nil {
			return types.Result{}, types.ToolErrorf("Failed to read file: %v", err)
		}
		content := strings.ToValidUTF8(string(data), "�")
		if lineNumbers {
			return types.Result{Output: numberLines(splitLines(content), 1)}, nil
		}
		return types.Result{Output: content}, nil
	case "binary":
		data, err := os.ReadFile(full)
		if err != nil {
			return types.Result{}, types.ToolErrorf("Failed to read file: %v", err)
		}
		return types.Result{Output: base64.StdEncoding.EncodeToString(data), System: "binary"}, nil
	default:
		return types.Result{}, types.NewToolError("Invalid mode: choose 'text' or 'binary'")
	}
}

func (e *Editor) write(path, content, mode string) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	data, err := decodeContent(content, mode)
	if err != nil {
		return types.Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to write file: %v", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to write file: %v", err)
	}
	return types.Result{Output: fmt.Sprintf("File written to %s", path)}, nil
}

func (e *Editor) append(path, content, mode string) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	data, err := decodeContent(content, mode)
	if err != nil {
		return types.Result{}, err
	}
	if err := e.ensureRoot(); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to append to file: %v", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return types.Result{}, types.ToolErrorf("Failed to append to file: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to append to file: %v", err)
	}
	return types.Result{Output: fmt.Sprintf("Appended to file %s", path)}, nil
}

func (e *Editor) delete(path string, recursive bool) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return types.Result{}, types.NewToolError("Path does not exist")
	}
	if info.IsDir() {
		if recursive {
			err = os.RemoveAll(full)
		} else {
			err = os.Remove(full)
		}
	} else {
		err = os.Remove(full)
	}
	if err != nil {
		return types.Result{}, types.ToolErrorf("Failed to delete: %v", err)
	}
	e.dropHistory(full)
	return types.Result{Output: fmt.Sprintf("Deleted %s", path)}, nil
}

func (e *Editor) exists(path string) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{Error: fmt.Sprintf("Failed to check existence: %v", err)}, nil
	}
	if _, err := os.Stat(full); err == nil {
		return types.Result{Output: "True"}, nil
	}
	return types.Result{Output: "False"}, nil
}

func (e *Editor) listDir(path string) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	if !isDir(full) {
		return types.Result{}, types.NewToolError("Path is not a directory")
	}
	names, err := sortedEntries(full)
	if err != nil {
		return types.Result{}, types.ToolErrorf("Failed to list directory: %v", err)
	}
	return types.Result{Output: strings.Join(names, "\n")}, nil
}

func (e *Editor) mkdir(path string) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to create directory: %v", err)
	}
	return types.Result{Output: fmt.Sprintf("Directory created: %s", path)}, nil
}

func (e *Editor) rmdir(path string) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	if err := os.Remove(full); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to remove directory: %v", err)
	}
	return types.Result{Output: fmt.Sprintf("Directory removed: %s", path)}, nil
}

func (e *Editor) move(src, dst string) (types.Result, error) {
	srcFull, err := e.guard.Resolve(src)
	if err != nil {
		return types.Result{}, err
	}
	dstFull, err := e.guard.Resolve(dst)
	if err != nil {
		return types.Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to move: %v", err)
	}
	if err := os.Rename(srcFull, dstFull); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to move: %v", err)
	}
	e.moveHistory(srcFull, dstFull)
	return types.Result{Output: fmt.Sprintf("Moved %s to %s", src, dst)}, nil
}

func (e *Editor) copy(src, dst string) (types.Result, error) {
	srcFull, err := e.guard.Resolve(src)
	if err != nil {
		return types.Result{}, err
	}
	dstFull, err := e.guard.Resolve(dst)
	if err != nil {
		return types.Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to copy: %v", err)
	}
	info, err := os.Stat(srcFull)
	if err != nil {
		return types.Result{}, types.NewToolError("Source path does not exist")
	}
	if info.IsDir() {
		err = copyTree(srcFull, dstFull)
	} else {
		err = copyFile(srcFull, dstFull, info.Mode())
	}
	if err != nil {
		return types.Result{}, types.ToolErrorf("Failed to copy: %v", err)
	}
	return types.Result{Output: fmt.Sprintf("Copied %s to %s", src, dst)}, nil
}

func (e *Editor) view(path string, viewRange []int, lineNumbers bool) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	if isDir(full) {
		if len(viewRange) > 0 {
			return types.Result{}, types.NewToolError("view_range not applicable for directories")
		}
		names, err := sortedEntries(full)
		if err != nil {
			return types.Result{}, types.ToolErrorf("Failed to list directory: %v", err)
		}
		for i, name := range names {
			names[i] = "  " + name
		}
		return types.Result{
			Output: fmt.Sprintf("Directory contents of %s:\n%s", path, strings.Join(names, "\n")),
		}, nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return types.Result{}, types.ToolErrorf("Failed to view file: %v", err)
	}
	content := strings.ToValidUTF8(string(data), "�")
	startNum := 1
	if len(viewRange) > 0 {
		if len(viewRange) != 2 {
			return types.Result{}, types.ToolErrorf("Invalid view_range: %s. Expected [start, end]", formatIntList(viewRange))
		}
		lines := splitLines(content)
		start, end := viewRange[0], viewRange[1]
		// Negative offsets count from the end: -1 is the last line.
		if start < 0 {
			start = len(lines) + start + 1
		}
		if end < 0 {
			end = len(lines) + end + 1
		}
		if start < 1 || start > len(lines) || end < start || end > len(lines) {
			return types.Result{}, types.ToolErrorf("Invalid view_range: %s. File has %d lines, but requested range is [%d, %d]",
				formatIntList(viewRange), len(lines), start, end)
		}
		content = strings.Join(lines[start-1:end], "\n")
		startNum = start
	}
	if lineNumbers {
		return types.Result{Output: numberLines(splitLines(content), startNum)}, nil
	}
	return types.Result{Output: content}, nil
}

func (e *Editor) create(path, content, mode string) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	if _, err := os.Stat(full); err == nil {
		return types.Result{}, types.NewToolError("File already exists")
	}
	data, err := decodeContent(content, mode)
	if err != nil {
		return types.Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to create file: %v", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to create file: %v", err)
	}
	return types.Result{Output: fmt.Sprintf("File created: %s", path)}, nil
}

func (e *Editor) replace(path, oldStr, newStr string, allOccurrences bool) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	if !isFile(full) {
		return types.Result{}, types.NewToolError("Path is not a file")
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return types.Result{}, types.ToolErrorf("Failed to replace string: %v", err)
	}
	content := string(data)

	var newContent string
	if strings.Contains(content, oldStr) {
		if allOccurrences {
			newContent = strings.ReplaceAll(content, oldStr, newStr)
		} else {
			if strings.Count(content, oldStr) > 1 {
				return types.Result{}, types.NewToolError("Multiple occurrences found; set all_occurrences=true to replace all")
			}
			newContent = strings.Replace(content, oldStr, newStr, 1)
		}
	} else {
		// The literal may differ only by line endings. Compare normalized
		// text, then restore the file's original EOL style.
		cmpContent := strings.ReplaceAll(content, "\r\n", "\n")
		cmpOld := strings.ReplaceAll(oldStr, "\r\n", "\n")
		if !strings.Contains(cmpContent, cmpOld) {
			return types.Result{}, types.ToolErrorf("'%s' not found", oldStr)
		}
		normNew := strings.ReplaceAll(newStr, "\r\n", "\n")
		var normNewContent string
		if allOccurrences {
			normNewContent = strings.ReplaceAll(cmpContent, cmpOld, normNew)
		} else {
			if strings.Count(cmpContent, cmpOld) > 1 {
				return types.Result{}, types.NewToolError("Multiple occurrences found; set all_occurrences=true to replace all")
			}
			normNewContent = strings.Replace(cmpContent, cmpOld, normNew, 1)
		}
		if strings.Contains(content, "\r\n") {
			newContent = strings.ReplaceAll(normNewContent, "\n", "\r\n")
		} else {
			newContent = normNewContent
		}
	}

	confirmation := types.Result{Output: fmt.Sprintf("Replaced \"%s\" with \"%s\"",
		types.Shorten(oldStr, shortenLimit), types.Shorten(newStr, shortenLimit))}

	// Identical content means nothing to write and nothing to undo.
	if newContent == content {
		return confirmation, nil
	}

	e.pushHistory(full, content)
	if err := os.WriteFile(full, []byte(newContent), 0o644); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to replace string: %v", err)
	}
	return confirmation, nil
}

func (e *Editor) insert(path string, line int, text string) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	if !isFile(full) {
		return types.Result{}, types.NewToolError("Path is not a file")
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return types.Result{}, types.ToolErrorf("Failed to insert text: %v", err)
	}
	content := string(data)
	lines := splitLines(content)
	if line < 1 || line > len(lines)+1 {
		return types.Result{}, types.ToolErrorf("Line number %d is out of range", line)
	}
	lines = append(lines[:line-1], append([]string{text}, lines[line-1:]...)...)
	e.pushHistory(full, content)
	if err := os.WriteFile(full, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to insert text: %v", err)
	}
	return types.Result{Output: fmt.Sprintf("Inserted \"%s\" at line %d", types.Shorten(text, shortenLimit), line)}, nil
}

func (e *Editor) deleteLines(path string, lines []int) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	if !isFile(full) {
		return types.Result{}, types.NewToolError("Path is not a file")
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return types.Result{}, types.ToolErrorf("Failed to delete lines: %v", err)
	}
	content := string(data)
	drop := make(map[int]struct{}, len(lines))
	for _, n := range lines {
		drop[n] = struct{}{}
	}
	var kept []string
	for i, line := range splitLines(content) {
		if _, ok := drop[i+1]; !ok {
			kept = append(kept, line)
		}
	}
	e.pushHistory(full, content)
	if err := os.WriteFile(full, []byte(strings.Join(kept, "\n")), 0o644); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to delete lines: %v", err)
	}
	return types.Result{Output: fmt.Sprintf("Deleted lines %s", formatIntList(lines))}, nil
}

func (e *Editor) undo(path string) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	if !isFile(full) {
		return types.Result{}, types.NewToolError("File does not exist")
	}
	previous, ok := e.popHistory(full)
	if !ok {
		return types.Result{}, types.NewToolError("No undo history available")
	}
	if err := os.WriteFile(full, []byte(previous), 0o644); err != nil {
		return types.Result{}, types.ToolErrorf("Failed to undo edit: %v", err)
	}
	return types.Result{Output: fmt.Sprintf("Undid last edit on %s", path)}, nil
}

func (e *Editor) grep(pattern, path string, caseSensitive, recursive, lineNumbers bool) (types.Result, error) {
	full, err := e.guard.Resolve(path)
	if err != nil {
		return types.Result{}, err
	}
	expr := pattern
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return types.Result{}, types.ToolErrorf("Failed to compile pattern: %v", err)
	}

	var results []string
	searchFile := func(filePath string) {
		info, err := os.Lstat(filePath)
		if err != nil {
			return
		}
		if info.Mode()&os.ModeSymlink != 0 {
			// Follow symlinks only when they resolve to regular files.
			resolved, err := os.Stat(filePath)
			if err != nil || !resolved.Mode().IsRegular() {
				return
			}
		} else if !info.Mode().IsRegular() {
			return
		}
		data, err := os.ReadFile(filePath)
		if err != nil || !utf8.Valid(data) {
			return
		}
		rel, err := filepath.Rel(e.guard.Root(), filePath)
		if err != nil {
			rel = filePath
		}
		for i, line := range splitLines(string(data)) {
			if re.MatchString(line) {
				if lineNumbers {
					results = append(results, fmt.Sprintf("%s:%d:%s", rel, i+1, strings.TrimSpace(line)))
				} else {
					results = append(results, fmt.Sprintf("%s:%s", rel, strings.TrimSpace(line)))
				}
			}
		}
	}

	info, err := os.Stat(full)
	switch {
	case err == nil && !info.IsDir():
		searchFile(full)
	case err == nil && info.IsDir():
		if !recursive {
			return types.Result{}, types.NewToolError("Recursive search must be enabled for directories")
		}
		_ = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			searchFile(p)
			return nil
		})
	default:
		return types.Result{}, types.NewToolError("Path does not exist")
	}

	if len(results) == 0 {
		return types.Result{Output: "No matches found"}, nil
	}
	return types.Result{Output: strings.Join(results, "\n")}, nil
}

func (e *Editor) ensureRoot() error {
	return os.MkdirAll(e.guard.Root(), 0o755)
}

func (e *Editor) pushHistory(path, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := append(e.history[path], content)
	if len(h) > historyDepth {
		h = h[len(h)-historyDepth:]
	}
	e.history[path] = h
}

func (e *Editor) popHistory(path string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history[path]
	if len(h) == 0 {
		return "", false
	}
	last := h[len(h)-1]
	if len(h) == 1 {
		delete(e.history, path)
	} else {
		e.history[path] = h[:len(h)-1]
	}
	return last, true
}

func (e *Editor) dropHistory(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.history, path)
}

func (e *Editor) moveHistory(oldPath, newPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.history[oldPath]; ok {
		delete(e.history, oldPath)
		e.history[newPath] = h
	}
}

func decodeContent(content, mode string) ([]byte, error) {
	switch mode {
	case "text":
		return []byte(content), nil
	case "binary":
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, types.ToolErrorf("Invalid base64 content: %v", err)
		}
		return data, nil
	default:
		return nil, types.NewToolError("Invalid mode: choose 'text' or 'binary'")
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func sortedEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// splitLines splits on line boundaries without a trailing empty element,
// treating CRLF and lone CR as line breaks.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// numberLines renders lines with right-aligned numbers starting at start.
func numberLines(lines []string, start int) string {
	numbered := make([]string, len(lines))
	for i, line := range lines {
		numbered[i] = fmt.Sprintf("%6d\t%s", start+i, line)
	}
	return strings.Join(numbered, "\n")
}

// formatIntList renders ints the way the API documents them: "[1, 3, 5]".
func formatIntList(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
