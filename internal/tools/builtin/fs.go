// Package builtin provides the standard tool set: file reading and
// writing, in-file replacement, directory listing, text search, and
// shell execution. File-modifying tools expose previews so pending
// changes can be shown as diffs before they run.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nanocoder-ai/nanocoder/internal/tools"
)

const maxReadBytes = 512 * 1024

// resolvePath joins path against root and rejects traversal outside it.
func resolvePath(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	full := filepath.Clean(filepath.Join(root, path))
	rootClean := filepath.Clean(root)
	if full != rootClean && !strings.HasPrefix(full, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the workspace root", path)
	}
	return full, nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return v, nil
}

func newReadFileTool(root string) *tools.Definition {
	return &tools.Definition{
		Name:          "read_file",
		Description:   "Reads a file. Provide the path relative to the workspace root.",
		SchemaJSON:    `{"type":"object","properties":{"path":{"type":"string","description":"Path relative to the workspace root"}},"required":["path"]}`,
		NeedsApproval: tools.AutoExecute(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			full, err := resolvePath(root, path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return "", err
			}
			if len(data) > maxReadBytes {
				return "", fmt.Errorf("file %s is %d bytes, larger than the %d byte read limit",
					path, len(data), maxReadBytes)
			}
			return string(data), nil
		},
	}
}

func newWriteFileTool(root string) *tools.Definition {
	return &tools.Definition{
		Name:          "write_file",
		Description:   "Writes content to a file, creating it and any parent directories if needed.",
		SchemaJSON:    `{"type":"object","properties":{"path":{"type":"string","description":"Path relative to the workspace root"},"content":{"type":"string","description":"Full file content to write"}},"required":["path","content"]}`,
		NeedsApproval: tools.ApprovalRequired(),
		Preview: func(ctx context.Context, args map[string]any) (*tools.FilePreview, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			content, err := stringArg(args, "content")
			if err != nil {
				return nil, err
			}
			full, err := resolvePath(root, path)
			if err != nil {
				return nil, err
			}
			original := ""
			if data, err := os.ReadFile(full); err == nil {
				original = string(data)
			}
			return &tools.FilePreview{Path: path, OriginalContent: original, NewContent: content}, nil
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			content, err := stringArg(args, "content")
			if err != nil {
				return "", err
			}
			full, err := resolvePath(root, path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				return "", fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.WriteFile(full, []byte(content), 0644); err != nil {
				return "", fmt.Errorf("failed to write file: %w", err)
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		},
	}
}

func newReplaceInFileTool(root string) *tools.Definition {
	replaced := func(args map[string]any) (path, newContent, original string, err error) {
		path, err = stringArg(args, "path")
		if err != nil {
			return "", "", "", err
		}
		oldStr, err := stringArg(args, "old_string")
		if err != nil {
			return "", "", "", err
		}
		newStr, err := stringArg(args, "new_string")
		if err != nil {
			return "", "", "", err
		}
		full, err := resolvePath(root, path)
		if err != nil {
			return "", "", "", err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return "", "", "", err
		}
		original = string(data)
		switch strings.Count(original, oldStr) {
		case 0:
			return "", "", "", fmt.Errorf("old_string not found in %s", path)
		case 1:
		default:
			return "", "", "", fmt.Errorf("old_string occurs multiple times in %s; provide more context", path)
		}
		return path, strings.Replace(original, oldStr, newStr, 1), original, nil
	}

	return &tools.Definition{
		Name:          "replace_in_file",
		Description:   "Replaces one exact occurrence of old_string with new_string in a file. old_string must match exactly once.",
		SchemaJSON:    `{"type":"object","properties":{"path":{"type":"string"},"old_string":{"type":"string"},"new_string":{"type":"string"}},"required":["path","old_string","new_string"]}`,
		NeedsApproval: tools.ApprovalRequired(),
		Preview: func(ctx context.Context, args map[string]any) (*tools.FilePreview, error) {
			path, newContent, original, err := replaced(args)
			if err != nil {
				return nil, err
			}
			return &tools.FilePreview{Path: path, OriginalContent: original, NewContent: newContent}, nil
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, newContent, _, err := replaced(args)
			if err != nil {
				return "", err
			}
			full, err := resolvePath(root, path)
			if err != nil {
				return "", err
			}
			if err := os.WriteFile(full, []byte(newContent), 0644); err != nil {
				return "", fmt.Errorf("failed to write file: %w", err)
			}
			return fmt.Sprintf("replaced in %s", path), nil
		},
	}
}

func newListDirectoryTool(root string) *tools.Definition {
	return &tools.Definition{
		Name:          "list_directory",
		Description:   "Lists the entries of a directory. Directories are suffixed with a slash.",
		SchemaJSON:    `{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to the workspace root; defaults to the root"}}}`,
		NeedsApproval: tools.AutoExecute(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := "."
			if v, ok := args["path"].(string); ok && v != "" {
				path = v
			}
			full, err := resolvePath(root, path)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(full)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	}
}
