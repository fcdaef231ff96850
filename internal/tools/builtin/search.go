package builtin

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nanocoder-ai/nanocoder/internal/tools"
)

const (
	maxSearchResults  = 100
	maxSearchFileSize = 1 << 20
)

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".idea":        true,
	".vscode":      true,
}

func newSearchFilesTool(root string) *tools.Definition {
	return &tools.Definition{
		Name:          "search_files",
		Description:   "Searches workspace files for a regular expression and returns matching lines as path:line:content. Optionally restricted to a file name glob.",
		SchemaJSON:    `{"type":"object","properties":{"pattern":{"type":"string","description":"Go regular expression to search for"},"glob":{"type":"string","description":"Optional file name glob, e.g. *.go"}},"required":["pattern"]}`,
		NeedsApproval: tools.AutoExecute(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pattern, err := stringArg(args, "pattern")
			if err != nil {
				return "", err
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return "", fmt.Errorf("invalid pattern: %w", err)
			}
			glob := ""
			if v, ok := args["glob"].(string); ok {
				glob = v
			}

			var matches []string
			walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if d.IsDir() {
					if skippedDirs[d.Name()] {
						return filepath.SkipDir
					}
					return nil
				}
				if glob != "" {
					if ok, _ := filepath.Match(glob, d.Name()); !ok {
						return nil
					}
				}
				if info, err := d.Info(); err != nil || info.Size() > maxSearchFileSize {
					return nil
				}
				data, err := os.ReadFile(path)
				if err != nil || !utf8Like(data) {
					return nil
				}
				rel, _ := filepath.Rel(root, path)
				for i, line := range strings.Split(string(data), "\n") {
					if re.MatchString(line) {
						matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, i+1, strings.TrimSpace(line)))
						if len(matches) >= maxSearchResults {
							return filepath.SkipAll
						}
					}
				}
				return nil
			})
			if walkErr != nil && walkErr != filepath.SkipAll {
				return "", walkErr
			}
			if len(matches) == 0 {
				return "no matches", nil
			}
			out := strings.Join(matches, "\n")
			if len(matches) >= maxSearchResults {
				out += fmt.Sprintf("\n(stopped at %d matches)", maxSearchResults)
			}
			return out, nil
		},
	}
}

// utf8Like reports whether data looks like text rather than a binary
// blob. NUL bytes in the first kilobyte are a good enough signal.
func utf8Like(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}
