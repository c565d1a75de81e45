package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	defaultReadLines  = 2000 // lines per read_file call
	maxLineLength     = 2000 // longer lines are truncated
	maxListResults    = 1000
	maxSearchMatches  = 100
	maxReadBytes      = 1 << 20
	defaultWorkDirDir = "workspace"
)

// resolvePath joins rel onto root and rejects anything escaping root.
func resolvePath(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the workspace: %s", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path cannot contain directory traversal (..) attempts: %s", rel)
	}
	return filepath.Join(root, clean), nil
}

func workDirOrDefault(dir string) string {
	if dir == "" {
		return defaultWorkDirDir
	}
	return dir
}

func jsonResult(v map[string]any) (*ExecResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &ExecResult{Content: string(b)}, nil
}

// ReadFileTool reads numbered lines from a workspace file.
type ReadFileTool struct {
	root string
}

func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{root: workDirOrDefault(root)}
}

func (t *ReadFileTool) Name() string { return ToolReadFile }

func (t *ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReadFile,
		Description: "Read contents of a file from the workspace. Output uses numbered lines. For large files, use start_line and end_line.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":       {Type: "string", Description: "Relative path to file within workspace"},
				"start_line": {Type: "integer", Description: "First line to read (1-based). Defaults to 1."},
				"end_line":   {Type: "integer", Description: "Last line to read, inclusive. Defaults to start_line + 1999."},
			},
			Required: []string{"path"},
		},
	}
}

func (t *ReadFileTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, err := stringArg(args, "path", "file_path")
	if err != nil {
		return nil, err
	}
	full, err := resolvePath(t.root, path)
	if err != nil {
		return nil, err
	}

	start := intArgOrDefault(args, "start_line", 1)
	end := intArgOrDefault(args, "end_line", start+defaultReadLines-1)
	if end < start {
		return nil, fmt.Errorf("end_line %d is before start_line %d", end, start)
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("file not found or not readable: %s", path)
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxReadBytes)
	line, total := 0, 0
	for scanner.Scan() {
		line++
		total = line
		if line < start || line > end {
			continue
		}
		text := scanner.Text()
		if len(text) > maxLineLength {
			text = text[:maxLineLength]
		}
		fmt.Fprintf(&b, "%6d\t%s\n", line, text)
		if b.Len() > maxReadBytes {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return jsonResult(map[string]any{
		"path":        path,
		"content":     b.String(),
		"start_line":  start,
		"total_lines": total,
		"truncated":   total > end,
	})
}

// ListFilesTool lists workspace files matching a glob.
type ListFilesTool struct {
	root string
}

func NewListFilesTool(root string) *ListFilesTool {
	return &ListFilesTool{root: workDirOrDefault(root)}
}

func (t *ListFilesTool) Name() string { return ToolListFiles }

func (t *ListFilesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolListFiles,
		Description: "List files in the workspace, optionally under a directory and filtered by a glob on the file name.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "Directory relative to the workspace. Defaults to the root."},
				"pattern": {Type: "string", Description: "Glob matched against file names, e.g. '*.go'. Defaults to all files."},
			},
		},
	}
}

func (t *ListFilesTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	dir, err := resolvePath(t.root, optionalString(args, "path", "."))
	if err != nil {
		return nil, err
	}
	pattern := optionalString(args, "pattern", "*")
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var files []string
	truncated := false
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		if len(files) >= maxListResults {
			truncated = true
			return filepath.SkipAll
		}
		rel, _ := filepath.Rel(t.root, p)
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return jsonResult(map[string]any{
		"files":     files,
		"count":     len(files),
		"truncated": truncated,
	})
}

// SearchTool greps workspace files with a regular expression.
type SearchTool struct {
	root string
}

func NewSearchTool(root string) *SearchTool {
	return &SearchTool{root: workDirOrDefault(root)}
}

func (t *SearchTool) Name() string { return ToolSearch }

func (t *SearchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolSearch,
		Description: "Search workspace files for a regular expression. Returns up to 100 matches as path:line: text.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern": {Type: "string", Description: "Regular expression (RE2 syntax)"},
				"path":    {Type: "string", Description: "Directory relative to the workspace. Defaults to the root."},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *SearchTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	expr, err := stringArg(args, "pattern")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	dir, err := resolvePath(t.root, optionalString(args, "path", "."))
	if err != nil {
		return nil, err
	}

	var matches []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(t.root, p)
		return grepFile(p, filepath.ToSlash(rel), re, &matches)
	})
	if err != nil && err != filepath.SkipAll {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	return jsonResult(map[string]any{
		"matches":   matches,
		"count":     len(matches),
		"truncated": len(matches) >= maxSearchMatches,
	})
}

func grepFile(path, rel string, re *regexp.Regexp, matches *[]string) error {
	f, err := os.Open(path)
	if err != nil {
		return nil //nolint:nilerr // unreadable files are skipped
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxReadBytes)
	line := 0
	for scanner.Scan() {
		line++
		if re.MatchString(scanner.Text()) {
			text := scanner.Text()
			if len(text) > 200 {
				text = text[:200]
			}
			*matches = append(*matches, fmt.Sprintf("%s:%d: %s", rel, line, text))
			if len(*matches) >= maxSearchMatches {
				return filepath.SkipAll
			}
		}
	}
	return nil
}

// WriteFileTool creates or replaces a workspace file.
type WriteFileTool struct {
	root string
}

func NewWriteFileTool(root string) *WriteFileTool {
	return &WriteFileTool{root: workDirOrDefault(root)}
}

func (t *WriteFileTool) Name() string { return ToolWriteFile }

func (t *WriteFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolWriteFile,
		Description: "Create or overwrite a file in the workspace with the given content.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "Relative path to file within workspace"},
				"content": {Type: "string", Description: "Full file content"},
			},
			Required: []string{"path", "content"},
		},
	}
}

func (t *WriteFileTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, err := stringArg(args, "path", "file_path")
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content is required and must be a string")
	}
	full, err := resolvePath(t.root, path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}

	res, err := jsonResult(map[string]any{"path": path, "bytes": len(content)})
	if err != nil {
		return nil, err
	}
	res.Mutation = &Mutation{Path: path, Content: content}
	return res, nil
}

// EditFileTool replaces exactly one occurrence of a string in a workspace file.
type EditFileTool struct {
	root string
}

func NewEditFileTool(root string) *EditFileTool {
	return &EditFileTool{root: workDirOrDefault(root)}
}

func (t *EditFileTool) Name() string { return ToolEditFile }

func (t *EditFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolEditFile,
		Description: "Replace an exact string match in a file with new content. The old_string must appear exactly once in the file.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":       {Type: "string", Description: "Relative path to file within workspace"},
				"old_string": {Type: "string", Description: "The exact string to find. Must match exactly one location."},
				"new_string": {Type: "string", Description: "The replacement string. Use an empty string to delete the match."},
			},
			Required: []string{"path", "old_string", "new_string"},
		},
	}
}

func (t *EditFileTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, err := stringArg(args, "path", "file_path")
	if err != nil {
		return nil, err
	}
	oldString, err := stringArg(args, "old_string")
	if err != nil {
		return nil, err
	}
	newString, ok := args["new_string"].(string)
	if !ok {
		return nil, fmt.Errorf("new_string is required and must be a string")
	}
	full, err := resolvePath(t.root, path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("file not found or not readable: %s", path)
	}
	original := string(data)
	switch n := strings.Count(original, oldString); n {
	case 0:
		return nil, fmt.Errorf("old_string not found in %s", path)
	case 1:
	default:
		return nil, fmt.Errorf("old_string matches %d locations in %s; include more context", n, path)
	}

	updated := strings.Replace(original, oldString, newString, 1)
	if err := os.WriteFile(full, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}

	res, err := jsonResult(map[string]any{"path": path, "replaced": 1})
	if err != nil {
		return nil, err
	}
	res.Mutation = &Mutation{Path: path, Content: updated, Patch: simplePatch(path, oldString, newString)}
	return res, nil
}

// simplePatch renders a minimal unified-style hunk for a single replacement.
func simplePatch(path, oldString, newString string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n@@\n", path, path)
	for _, l := range strings.Split(oldString, "\n") {
		b.WriteString("-" + l + "\n")
	}
	for _, l := range strings.Split(newString, "\n") {
		b.WriteString("+" + l + "\n")
	}
	return b.String()
}
