package editor

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarksoft/workspaced/internal/workspace"
	"github.com/quarksoft/workspaced/pkg/types"
)

func newTestEditor(t *testing.T) (*Editor, string) {
	t.Helper()
	root := t.TempDir()
	guard, err := workspace.NewGuard(root, nil)
	require.NoError(t, err)
	return New(guard), root
}

func handle(t *testing.T, e *Editor, req types.FileRequest) types.Result {
	t.Helper()
	result, err := e.Handle(req)
	require.NoError(t, err)
	return result
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }

func readRaw(t *testing.T, e *Editor, path string) string {
	t.Helper()
	result := handle(t, e, types.FileRequest{Command: "read", Path: path, LineNumbers: boolPtr(false)})
	return result.Output
}

func TestWriteReadRoundTrip(t *testing.T) {
	e, _ := newTestEditor(t)

	result := handle(t, e, types.FileRequest{Command: "write", Path: "notes.txt", Content: "hello\nworld\n"})
	assert.Equal(t, "File written to notes.txt", result.Output)

	assert.Equal(t, "hello\nworld\n", readRaw(t, e, "notes.txt"))
}

func TestReadWithLineNumbers(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "f.txt", Content: "a\nb"})

	result := handle(t, e, types.FileRequest{Command: "read", Path: "f.txt"})
	assert.Equal(t, "     1\ta\n     2\tb", result.Output)
}

func TestBinaryRoundTrip(t *testing.T) {
	e, _ := newTestEditor(t)
	payload := []byte{0x00, 0x01, 0xFF, 0x42}
	encoded := base64.StdEncoding.EncodeToString(payload)

	handle(t, e, types.FileRequest{Command: "write", Path: "blob", Content: encoded, Mode: "binary"})

	result := handle(t, e, types.FileRequest{Command: "read", Path: "blob", Mode: "binary"})
	assert.Equal(t, encoded, result.Output)
	assert.Equal(t, "binary", result.System)
}

func TestReadReplacesInvalidUTF8(t *testing.T) {
	e, _ := newTestEditor(t)
	raw := []byte{'o', 'k', 0xFF, 0xFE, '\n'}
	handle(t, e, types.FileRequest{
		Command: "write", Path: "mixed", Mode: "binary",
		Content: base64.StdEncoding.EncodeToString(raw),
	})

	result := handle(t, e, types.FileRequest{Command: "read", Path: "mixed", LineNumbers: boolPtr(false)})
	assert.Equal(t, "ok�\n", result.Output)

	result = handle(t, e, types.FileRequest{Command: "view", Path: "mixed", LineNumbers: boolPtr(false)})
	assert.Equal(t, "ok�\n", result.Output)
}

func TestInvalidMode(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "f.txt", Content: "x"})

	_, err := e.Handle(types.FileRequest{Command: "read", Path: "f.txt", Mode: "hex"})
	require.Error(t, err)
	assert.True(t, types.IsToolError(err))
	assert.Equal(t, "Invalid mode: choose 'text' or 'binary'", err.Error())
}

func TestAppendCreatesAndExtends(t *testing.T) {
	e, _ := newTestEditor(t)

	result := handle(t, e, types.FileRequest{Command: "append", Path: "log.txt", Content: "one\n"})
	assert.Equal(t, "Appended to file log.txt", result.Output)
	handle(t, e, types.FileRequest{Command: "append", Path: "log.txt", Content: "two\n"})

	assert.Equal(t, "one\ntwo\n", readRaw(t, e, "log.txt"))
}

func TestCreateFailsWhenPresent(t *testing.T) {
	e, _ := newTestEditor(t)

	result := handle(t, e, types.FileRequest{Command: "create", Path: "new.txt", Content: "x"})
	assert.Equal(t, "File created: new.txt", result.Output)

	_, err := e.Handle(types.FileRequest{Command: "create", Path: "new.txt", Content: "x"})
	require.Error(t, err)
	assert.Equal(t, "File already exists", err.Error())
}

func TestDeleteFileAndDirectory(t *testing.T) {
	e, root := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "gone.txt", Content: "x"})

	result := handle(t, e, types.FileRequest{Command: "delete", Path: "gone.txt"})
	assert.Equal(t, "Deleted gone.txt", result.Output)

	handle(t, e, types.FileRequest{Command: "mkdir", Path: "d/nested"})
	_, err := e.Handle(types.FileRequest{Command: "delete", Path: "d"})
	require.Error(t, err, "non-recursive delete of a populated directory should fail")

	handle(t, e, types.FileRequest{Command: "delete", Path: "d", Recursive: true})
	_, statErr := os.Stat(filepath.Join(root, "d"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = e.Handle(types.FileRequest{Command: "delete", Path: "missing"})
	require.Error(t, err)
	assert.Equal(t, "Path does not exist", err.Error())
}

func TestExists(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "yes.txt", Content: "x"})

	assert.Equal(t, "True", handle(t, e, types.FileRequest{Command: "exists", Path: "yes.txt"}).Output)
	assert.Equal(t, "False", handle(t, e, types.FileRequest{Command: "exists", Path: "no.txt"}).Output)

	result := handle(t, e, types.FileRequest{Command: "exists", Path: "../outside"})
	assert.Contains(t, result.Error, "Failed to check existence")
}

func TestMkdirIdempotent(t *testing.T) {
	e, _ := newTestEditor(t)

	first := handle(t, e, types.FileRequest{Command: "mkdir", Path: "a/b"})
	assert.Equal(t, "Directory created: a/b", first.Output)
	second := handle(t, e, types.FileRequest{Command: "mkdir", Path: "a/b"})
	assert.Equal(t, "Directory created: a/b", second.Output)
}

func TestRmdir(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "mkdir", Path: "empty"})

	result := handle(t, e, types.FileRequest{Command: "rmdir", Path: "empty"})
	assert.Equal(t, "Directory removed: empty", result.Output)
}

func TestListDirectory(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "d/z.txt", Content: "x"})
	handle(t, e, types.FileRequest{Command: "mkdir", Path: "d/sub"})

	result := handle(t, e, types.FileRequest{Command: "list", Path: "d"})
	assert.Equal(t, "sub/\nz.txt", result.Output)

	_, err := e.Handle(types.FileRequest{Command: "list", Path: "d/z.txt"})
	require.Error(t, err)
	assert.Equal(t, "Path is not a directory", err.Error())
}

func TestMoveCarriesUndoHistory(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "src.txt", Content: "v1"})
	handle(t, e, types.FileRequest{Command: "replace", Path: "src.txt",
		OldStr: strPtr("v1"), NewStr: strPtr("v2")})

	result := handle(t, e, types.FileRequest{Command: "move", Src: "src.txt", Dst: "dst.txt"})
	assert.Equal(t, "Moved src.txt to dst.txt", result.Output)

	undone := handle(t, e, types.FileRequest{Command: "undo", Path: "dst.txt"})
	assert.Equal(t, "Undid last edit on dst.txt", undone.Output)
	assert.Equal(t, "v1", readRaw(t, e, "dst.txt"))
}

func TestCopyFileAndTree(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "tree/a.txt", Content: "a"})
	handle(t, e, types.FileRequest{Command: "write", Path: "tree/deep/b.txt", Content: "b"})

	result := handle(t, e, types.FileRequest{Command: "copy", Src: "tree/a.txt", Dst: "solo.txt"})
	assert.Equal(t, "Copied tree/a.txt to solo.txt", result.Output)
	assert.Equal(t, "a", readRaw(t, e, "solo.txt"))

	handle(t, e, types.FileRequest{Command: "copy", Src: "tree", Dst: "tree2"})
	assert.Equal(t, "b", readRaw(t, e, "tree2/deep/b.txt"))

	_, err := e.Handle(types.FileRequest{Command: "copy", Src: "nope", Dst: "x"})
	require.Error(t, err)
	assert.Equal(t, "Source path does not exist", err.Error())
}

func TestViewDirectory(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "d/f.txt", Content: "x"})
	handle(t, e, types.FileRequest{Command: "mkdir", Path: "d/sub"})

	result := handle(t, e, types.FileRequest{Command: "view", Path: "d"})
	assert.Equal(t, "Directory contents of d:\n  f.txt\n  sub/", result.Output)

	_, err := e.Handle(types.FileRequest{Command: "view", Path: "d", ViewRange: []int{1, 2}})
	require.Error(t, err)
	assert.Equal(t, "view_range not applicable for directories", err.Error())
}

func TestViewRange(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "f.txt", Content: "l1\nl2\nl3\nl4\n"})

	result := handle(t, e, types.FileRequest{Command: "view", Path: "f.txt",
		ViewRange: []int{2, 3}, LineNumbers: boolPtr(false)})
	assert.Equal(t, "l2\nl3", result.Output)

	// Negative offsets count from the end of the file.
	result = handle(t, e, types.FileRequest{Command: "view", Path: "f.txt",
		ViewRange: []int{-2, -1}, LineNumbers: boolPtr(false)})
	assert.Equal(t, "l3\nl4", result.Output)

	// Numbering starts at the range start.
	result = handle(t, e, types.FileRequest{Command: "view", Path: "f.txt", ViewRange: []int{3, 4}})
	assert.Equal(t, "     3\tl3\n     4\tl4", result.Output)

	_, err := e.Handle(types.FileRequest{Command: "view", Path: "f.txt", ViewRange: []int{2, 9}})
	require.Error(t, err)
	assert.Equal(t, "Invalid view_range: [2, 9]. File has 4 lines, but requested range is [2, 9]", err.Error())
}

func TestReplaceAmbiguity(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "a.txt", Content: "x\nx\n"})

	_, err := e.Handle(types.FileRequest{Command: "replace", Path: "a.txt",
		OldStr: strPtr("x"), NewStr: strPtr("y")})
	require.Error(t, err)
	assert.Equal(t, "Multiple occurrences found; set all_occurrences=true to replace all", err.Error())

	result := handle(t, e, types.FileRequest{Command: "replace", Path: "a.txt",
		OldStr: strPtr("x"), NewStr: strPtr("y"), AllOccurrences: true})
	assert.Equal(t, `Replaced "x" with "y"`, result.Output)
	assert.Equal(t, "y\ny\n", readRaw(t, e, "a.txt"))

	handle(t, e, types.FileRequest{Command: "undo", Path: "a.txt"})
	assert.Equal(t, "x\nx\n", readRaw(t, e, "a.txt"))
}

func TestReplacePreservesCRLF(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "crlf.txt", Content: "A\r\nB\r\n"})

	handle(t, e, types.FileRequest{Command: "replace", Path: "crlf.txt",
		OldStr: strPtr("A\nB"), NewStr: strPtr("C\nD")})
	assert.Equal(t, "C\r\nD\r\n", readRaw(t, e, "crlf.txt"))
}

func TestReplaceNotFound(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "f.txt", Content: "abc"})

	_, err := e.Handle(types.FileRequest{Command: "replace", Path: "f.txt",
		OldStr: strPtr("zzz"), NewStr: strPtr("y")})
	require.Error(t, err)
	assert.Equal(t, "'zzz' not found", err.Error())
}

func TestReplaceNoOpSkipsUndoPush(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "f.txt", Content: "same\n"})

	result := handle(t, e, types.FileRequest{Command: "replace", Path: "f.txt",
		OldStr: strPtr("same"), NewStr: strPtr("same")})
	assert.Equal(t, `Replaced "same" with "same"`, result.Output)

	_, err := e.Handle(types.FileRequest{Command: "undo", Path: "f.txt"})
	require.Error(t, err)
	assert.Equal(t, "No undo history available", err.Error())
}

func TestUndoDepthIsBounded(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "f.txt", Content: "v1"})

	for _, next := range []string{"v2", "v3", "v4"} {
		prev := readRaw(t, e, "f.txt")
		handle(t, e, types.FileRequest{Command: "replace", Path: "f.txt",
			OldStr: strPtr(prev), NewStr: strPtr(next)})
	}

	// Only the two most recent snapshots survive.
	handle(t, e, types.FileRequest{Command: "undo", Path: "f.txt"})
	assert.Equal(t, "v3", readRaw(t, e, "f.txt"))
	handle(t, e, types.FileRequest{Command: "undo", Path: "f.txt"})
	assert.Equal(t, "v2", readRaw(t, e, "f.txt"))

	_, err := e.Handle(types.FileRequest{Command: "undo", Path: "f.txt"})
	require.Error(t, err)
	assert.Equal(t, "No undo history available", err.Error())
}

func TestInsertAndDeleteLines(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "f.txt", Content: "one\ntwo\nthree"})

	result := handle(t, e, types.FileRequest{Command: "insert", Path: "f.txt",
		Line: intPtr(2), Text: strPtr("inserted")})
	assert.Equal(t, `Inserted "inserted" at line 2`, result.Output)
	assert.Equal(t, "one\ninserted\ntwo\nthree", readRaw(t, e, "f.txt"))

	_, err := e.Handle(types.FileRequest{Command: "insert", Path: "f.txt",
		Line: intPtr(99), Text: strPtr("x")})
	require.Error(t, err)
	assert.Equal(t, "Line number 99 is out of range", err.Error())

	result = handle(t, e, types.FileRequest{Command: "delete_lines", Path: "f.txt", Lines: []int{1, 3}})
	assert.Equal(t, "Deleted lines [1, 3]", result.Output)
	assert.Equal(t, "inserted\nthree", readRaw(t, e, "f.txt"))

	handle(t, e, types.FileRequest{Command: "undo", Path: "f.txt"})
	assert.Equal(t, "one\ninserted\ntwo\nthree", readRaw(t, e, "f.txt"))
}

func TestGrep(t *testing.T) {
	e, _ := newTestEditor(t)
	handle(t, e, types.FileRequest{Command: "write", Path: "src/a.go", Content: "package main\nfunc Alpha() {}\n"})
	handle(t, e, types.FileRequest{Command: "write", Path: "src/b.go", Content: "package main\nfunc beta() {}\n"})

	result := handle(t, e, types.FileRequest{Command: "grep", Pattern: "func", Path: "src", Recursive: true})
	assert.Equal(t, "src/a.go:2:func Alpha() {}\nsrc/b.go:2:func beta() {}", result.Output)

	// Case-insensitive search, single file, no line numbers.
	result = handle(t, e, types.FileRequest{Command: "grep", Pattern: "ALPHA", Path: "src/a.go",
		CaseSensitive: boolPtr(false), LineNumbers: boolPtr(false)})
	assert.Equal(t, "src/a.go:func Alpha() {}", result.Output)

	result = handle(t, e, types.FileRequest{Command: "grep", Pattern: "nomatch", Path: "src", Recursive: true})
	assert.Equal(t, "No matches found", result.Output)

	_, err := e.Handle(types.FileRequest{Command: "grep", Pattern: "x", Path: "src"})
	require.Error(t, err)
	assert.Equal(t, "Recursive search must be enabled for directories", err.Error())

	_, err = e.Handle(types.FileRequest{Command: "grep", Pattern: "x", Path: "nowhere"})
	require.Error(t, err)
	assert.Equal(t, "Path does not exist", err.Error())
}

func TestGrepSkipsBinaryFiles(t *testing.T) {
	e, root := newTestEditor(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin.dat"), []byte{0xFF, 0xFE, 'f', 'u', 'n', 'c'}, 0o644))
	handle(t, e, types.FileRequest{Command: "write", Path: "ok.txt", Content: "func here\n"})

	result := handle(t, e, types.FileRequest{Command: "grep", Pattern: "func", Path: ".", Recursive: true})
	assert.Equal(t, "ok.txt:1:func here", result.Output)
}

func TestPathEscapeRejected(t *testing.T) {
	e, _ := newTestEditor(t)

	_, err := e.Handle(types.FileRequest{Command: "write", Path: "../evil", Content: "x"})
	require.Error(t, err)
	assert.True(t, types.IsToolError(err))
	assert.Equal(t, "Path is outside the allowed base directory", err.Error())
}

func TestUnsupportedCommand(t *testing.T) {
	e, _ := newTestEditor(t)

	_, err := e.Handle(types.FileRequest{Command: "chmod", Path: "f"})
	require.Error(t, err)
	assert.True(t, types.IsToolError(err))
	assert.True(t, strings.HasPrefix(err.Error(), "Unsupported command: chmod. Supported commands: read, write, append"))
}
