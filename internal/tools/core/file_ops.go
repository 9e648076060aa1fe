package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ouroboros/internal/logging"
	"ouroboros/internal/repo"
	"ouroboros/internal/tools"
)

const defaultMaxEntries = 500

// Files carries the roots the file tools operate on.
type Files struct {
	Repo      *repo.Repo
	DriveRoot string
}

// RepoReadTool returns a tool for reading a file from the repository.
func RepoReadTool(f Files) *tools.Tool {
	return &tools.Tool{
		Name:        "repo_read",
		Description: "Read a file from the agent's source repository",
		Category:    tools.CategoryRepo,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return readFile(f.Repo.Dir(), args)
		},
		Schema: readSchema("Repository-relative path"),
	}
}

// DriveReadTool returns a tool for reading a file from the drive.
func DriveReadTool(f Files) *tools.Tool {
	return &tools.Tool{
		Name:        "drive_read",
		Description: "Read a file from the persistent drive (notes, logs, artifacts)",
		Category:    tools.CategoryDrive,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return readFile(f.DriveRoot, args)
		},
		Schema: readSchema("Drive-relative path"),
	}
}

func readSchema(pathDesc string) tools.ToolSchema {
	return tools.ToolSchema{
		Required: []string{"path"},
		Properties: map[string]tools.Property{
			"path": {
				Type:        "string",
				Description: pathDesc,
			},
			"start_line": {
				Type:        "integer",
				Description: "Starting line number (1-indexed, optional)",
			},
			"end_line": {
				Type:        "integer",
				Description: "Ending line number (inclusive, optional)",
			},
		},
	}
}

func readFile(root string, args map[string]any) (string, error) {
	rel, _ := args["path"].(string)
	path, err := repo.ResolveWithin(root, rel)
	if err != nil {
		return "", err
	}

	logging.ToolsDebug("read: root=%s path=%s", root, rel)

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	result := string(content)

	startLine, hasStart := args["start_line"].(int)
	endLine, hasEnd := args["end_line"].(int)
	if hasStart || hasEnd {
		lines := strings.Split(result, "\n")
		if !hasStart || startLine < 1 {
			startLine = 1
		}
		if !hasEnd || endLine > len(lines) {
			endLine = len(lines)
		}
		if startLine > endLine {
			return "", fmt.Errorf("empty line range %d-%d", startLine, endLine)
		}
		result = strings.Join(lines[startLine-1:endLine], "\n")
	}
	return result, nil
}

// RepoListTool returns a tool for listing a repository directory.
func RepoListTool(f Files) *tools.Tool {
	return &tools.Tool{
		Name:        "repo_list",
		Description: "List a directory of the source repository",
		Category:    tools.CategoryRepo,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return listDir(f.Repo.Dir(), args)
		},
		Schema: listSchema(),
	}
}

// DriveListTool returns a tool for listing a drive directory.
func DriveListTool(f Files) *tools.Tool {
	return &tools.Tool{
		Name:        "drive_list",
		Description: "List a directory of the persistent drive",
		Category:    tools.CategoryDrive,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return listDir(f.DriveRoot, args)
		},
		Schema: listSchema(),
	}
}

func listSchema() tools.ToolSchema {
	return tools.ToolSchema{
		Properties: map[string]tools.Property{
			"dir": {
				Type:        "string",
				Description: "Relative directory (default: root)",
				Default:     ".",
			},
			"max_entries": {
				Type:        "integer",
				Description: "Maximum entries to return (default: 500)",
				Default:     defaultMaxEntries,
			},
		},
	}
}

func listDir(root string, args map[string]any) (string, error) {
	rel, _ := args["dir"].(string)
	maxEntries, _ := args["max_entries"].(int)
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	dir, err := repo.ResolveWithin(root, rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i == maxEntries {
			fmt.Fprintf(&sb, "...(%d more entries)\n", len(names)-maxEntries)
			break
		}
		sb.WriteString(name)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// RepoWriteTool returns a tool that writes a file into the repository working
// tree without committing.
func RepoWriteTool(f Files) *tools.Tool {
	return &tools.Tool{
		Name:        "repo_write",
		Description: "Write a file in the source repository working tree (not committed; use repo_commit_push)",
		Category:    tools.CategoryRepo,
		MutatesRepo: true,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			rel, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if err := f.Repo.WriteFile(rel, content); err != nil {
				return "", err
			}
			logging.Tools("repo_write: %s (%d bytes)", rel, len(content))
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), rel), nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"path", "content"},
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "Repository-relative path",
				},
				"content": {
					Type:        "string",
					Description: "Full file content",
				},
			},
		},
	}
}

// RepoEditTool returns a tool for search/replace edits in the repository.
func RepoEditTool(f Files) *tools.Tool {
	return &tools.Tool{
		Name:        "repo_edit",
		Description: "Edit a repository file by replacing text",
		Category:    tools.CategoryRepo,
		MutatesRepo: true,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return editFile(f.Repo, args)
		},
		Schema: tools.ToolSchema{
			Required: []string{"path", "old_text", "new_text"},
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "Repository-relative path",
				},
				"old_text": {
					Type:        "string",
					Description: "The text to find and replace",
				},
				"new_text": {
					Type:        "string",
					Description: "The replacement text",
				},
				"replace_all": {
					Type:        "boolean",
					Description: "Replace all occurrences (default: false, replaces first only)",
					Default:     false,
				},
			},
		},
	}
}

func editFile(r *repo.Repo, args map[string]any) (string, error) {
	rel, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	replaceAll, _ := args["replace_all"].(bool)
	if oldText == "" {
		return "", fmt.Errorf("old_text is required")
	}

	path, err := r.Resolve(rel)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	s := string(content)
	if !strings.Contains(s, oldText) {
		return "", fmt.Errorf("old_text not found in %s", rel)
	}

	count := 1
	if replaceAll {
		count = strings.Count(s, oldText)
		s = strings.ReplaceAll(s, oldText, newText)
	} else {
		s = strings.Replace(s, oldText, newText, 1)
	}
	if err := r.WriteFile(rel, s); err != nil {
		return "", err
	}
	logging.Tools("repo_edit: %s (%d replacements)", rel, count)
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", count, rel), nil
}

// DriveWriteTool returns a tool for writing drive files.
func DriveWriteTool(f Files) *tools.Tool {
	return &tools.Tool{
		Name:        "drive_write",
		Description: "Write a file on the persistent drive",
		Category:    tools.CategoryDrive,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			rel, _ := args["path"].(string)
			content, _ := args["content"].(string)
			mode, _ := args["mode"].(string)

			path, err := repo.ResolveWithin(f.DriveRoot, rel)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", fmt.Errorf("failed to create directories: %w", err)
			}
			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if mode == "append" {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			fh, err := os.OpenFile(path, flags, 0o644)
			if err != nil {
				return "", fmt.Errorf("failed to open file: %w", err)
			}
			if _, err := fh.WriteString(content); err != nil {
				fh.Close()
				return "", fmt.Errorf("failed to write file: %w", err)
			}
			if err := fh.Close(); err != nil {
				return "", err
			}
			return fmt.Sprintf("OK: wrote %s %s (%d chars)", mode, rel, len(content)), nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"path", "content"},
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "Drive-relative path",
				},
				"content": {
					Type:        "string",
					Description: "Content to write",
				},
				"mode": {
					Type:        "string",
					Description: "overwrite (default) or append",
					Default:     "overwrite",
					Enum:        []any{"overwrite", "append"},
				},
			},
		},
	}
}
