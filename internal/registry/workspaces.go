package registry

import "path/filepath"

// Workspaces resolves an agent's persistent workspace volume path (spec
// §4.3: "persistent workspace volume bound to /home/developer"), one
// directory per agent name under Root on the host.
type Workspaces struct {
	Root string
}

func NewWorkspaces(root string) *Workspaces {
	return &Workspaces{Root: root}
}

func (w *Workspaces) WorkspacePath(agentName string) string {
	return filepath.Join(w.Root, agentName)
}

// DeploymentSystemPath resolves the host-side directory holding a deployed
// system's shared policies and processes artifacts — the source side of
// the read-only overlay mounted into every worker agent belonging to that
// system (spec §4.3). Populating the directory's contents is outside the
// core's scope; it only mounts what's there.
func (w *Workspaces) DeploymentSystemPath(deploymentName string) string {
	return filepath.Join(w.Root, "_deployments", deploymentName, "system")
}
