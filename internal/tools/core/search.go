package core

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"ouroboros/internal/tools"
)

// RepoSearchTool returns a tool that greps the repository with a regex.
func RepoSearchTool(f Files) *tools.Tool {
	return &tools.Tool{
		Name:        "repo_search",
		Description: "Search repository files for a regular expression",
		Category:    tools.CategoryRepo,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return searchRepo(ctx, f.Repo.Dir(), args)
		},
		Schema: tools.ToolSchema{
			Required: []string{"pattern"},
			Properties: map[string]tools.Property{
				"pattern": {
					Type:        "string",
					Description: "Go regular expression",
				},
				"glob": {
					Type:        "string",
					Description: "Only search files whose base name matches this glob (e.g. *.go)",
				},
				"max_matches": {
					Type:        "integer",
					Description: "Maximum matches to return (default: 200)",
					Default:     200,
				},
			},
		},
	}
}

func searchRepo(ctx context.Context, root string, args map[string]any) (string, error) {
	pattern, _ := args["pattern"].(string)
	glob, _ := args["glob"].(string)
	maxMatches, _ := args["max_matches"].(int)
	if maxMatches <= 0 {
		maxMatches = 200
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}

	var sb strings.Builder
	matches := 0
	errLimit := fmt.Errorf("limit")
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}
		rel, _ := filepath.Rel(root, path)
		fh, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer fh.Close()
		sc := bufio.NewScanner(fh)
		line := 0
		for sc.Scan() {
			line++
			if re.MatchString(sc.Text()) {
				fmt.Fprintf(&sb, "%s:%d: %s\n", rel, line, strings.TrimSpace(sc.Text()))
				matches++
				if matches >= maxMatches {
					return errLimit
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != errLimit {
		return sb.String(), walkErr
	}
	if matches == 0 {
		return "no matches", nil
	}
	if walkErr == errLimit {
		fmt.Fprintf(&sb, "...(stopped at %d matches)\n", maxMatches)
	}
	return sb.String(), nil
}
