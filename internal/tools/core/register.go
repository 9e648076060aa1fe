package core

import (
	"ouroboros/internal/tools"
)

// RegisterAll registers all file tools with the given registry.
func RegisterAll(registry *tools.Registry, f Files) error {
	allTools := []*tools.Tool{
		// Repository
		RepoReadTool(f),
		RepoListTool(f),
		RepoSearchTool(f),
		RepoWriteTool(f),
		RepoEditTool(f),

		// Drive
		DriveReadTool(f),
		DriveListTool(f),
		DriveWriteTool(f),
	}

	for _, tool := range allTools {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}

	return nil
}
