package builtin

import "github.com/nanocoder-ai/nanocoder/internal/tools"

// Register adds the standard tool set to the registry. root is the
// workspace directory every tool operates within.
func Register(registry *tools.Registry, root string) error {
	defs := []*tools.Definition{
		newReadFileTool(root),
		newListDirectoryTool(root),
		newSearchFilesTool(root),
		newWriteFileTool(root),
		newReplaceInFileTool(root),
		newExecuteBashTool(root),
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}
