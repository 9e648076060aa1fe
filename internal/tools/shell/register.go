package shell

import (
	"ouroboros/internal/repo"
	"ouroboros/internal/tools"
)

// RegisterAll registers the shell tools.
func RegisterAll(registry *tools.Registry, r *repo.Repo) error {
	return registry.Register(RunShellTool(r))
}
