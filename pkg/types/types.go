// Package types defines the core domain types for the workspace execution service.
package types

import (
	"fmt"
	"strings"
)

// Result is the envelope every operation returns. Zero or more fields may be
// set; Error carries operation-level failures that are still 200-level
// responses (busy sessions, command failures), while System carries advisory
// context for the caller.
type Result struct {
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	System      string `json:"system,omitempty"`
	Base64Image string `json:"base64_image,omitempty"`
}

// HasContent reports whether any field of the envelope is populated.
func (r Result) HasContent() bool {
	return r.Output != "" || r.Error != "" || r.System != "" || r.Base64Image != ""
}

// Combine merges two envelopes field-wise, concatenating same-name text
// fields. Two images cannot be merged.
func (r Result) Combine(other Result) (Result, error) {
	combined := Result{
		Output: r.Output + other.Output,
		Error:  r.Error + other.Error,
		System: r.System + other.System,
	}
	switch {
	case r.Base64Image != "" && other.Base64Image != "":
		return Result{}, fmt.Errorf("cannot combine results: both contain base64_image")
	case r.Base64Image != "":
		combined.Base64Image = r.Base64Image
	default:
		combined.Base64Image = other.Base64Image
	}
	return combined, nil
}

// BashRequest is the body of POST /bash. Pointer fields distinguish "absent"
// from zero values.
type BashRequest struct {
	Command      *string  `json:"command,omitempty"`
	Session      *int     `json:"session,omitempty"`
	Restart      bool     `json:"restart,omitempty"`
	ListSessions bool     `json:"list_sessions,omitempty"`
	CheckSession *int     `json:"check_session,omitempty"`
	Timeout      *float64 `json:"timeout,omitempty"`
}

// FileRequest is the body of POST /file. Each operation reads only the
// parameters it accepts; the rest are ignored.
type FileRequest struct {
	Command        string   `json:"command"`
	Path           string   `json:"path,omitempty"`
	Content        string   `json:"content,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	Encoding       string   `json:"encoding,omitempty"`
	LineNumbers    *bool    `json:"line_numbers,omitempty"`
	Recursive      bool     `json:"recursive,omitempty"`
	Src            string   `json:"src,omitempty"`
	Dst            string   `json:"dst,omitempty"`
	ViewRange      []int    `json:"view_range,omitempty"`
	OldStr         *string  `json:"old_str,omitempty"`
	NewStr         *string  `json:"new_str,omitempty"`
	AllOccurrences bool     `json:"all_occurrences,omitempty"`
	Line           *int     `json:"line,omitempty"`
	Text           *string  `json:"text,omitempty"`
	Lines          []int    `json:"lines,omitempty"`
	Pattern        string   `json:"pattern,omitempty"`
	CaseSensitive  *bool    `json:"case_sensitive,omitempty"`
}

// WantLineNumbers reports the line_numbers parameter, defaulting to true.
func (r FileRequest) WantLineNumbers() bool {
	if r.LineNumbers == nil {
		return true
	}
	return *r.LineNumbers
}

// WantCaseSensitive reports the case_sensitive parameter, defaulting to true.
func (r FileRequest) WantCaseSensitive() bool {
	if r.CaseSensitive == nil {
		return true
	}
	return *r.CaseSensitive
}

// FileMode returns the requested content mode, defaulting to "text".
func (r FileRequest) FileMode() string {
	if r.Mode == "" {
		return "text"
	}
	return r.Mode
}

// FileItem is one entry in a workspace listing.
type FileItem struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	RelativePath string `json:"relative_path"`
	Type         string `json:"type"`
}

// FileListing is the body of GET /list-files.
type FileListing struct {
	WorkspacePath string     `json:"workspace_path"`
	TotalItems    int        `json:"total_items"`
	Items         []FileItem `json:"items"`
}

// Shorten renders text for a confirmation message: newlines are escaped and
// the result is truncated to limit characters with an ellipsis.
func Shorten(text string, limit int) string {
	text = strings.ReplaceAll(text, "\n", "\\n")
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
