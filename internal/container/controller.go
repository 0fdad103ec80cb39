// Package container defines the Container Controller abstraction (spec
// §4.3): the operations the Lifecycle and Execution components need against
// an agent's sandbox, independent of whatever container runtime backs it.
package container

import (
	"context"
	"io"
	"time"
)

// Mount is a single bind mount into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes everything needed to create an agent's container. It is
// produced by BuildSpec from an agent record and is runtime-agnostic.
type Spec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []Mount
	NetworkMode string
	MemoryBytes int64
	CPUQuota    int64
	Labels      map[string]string
	Port        int
	AutoRemove  bool
}

// Info reports a container's observed runtime state.
type Info struct {
	ID         string
	Name       string
	Image      string
	State      string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Health     string
}

// Stats reports a point-in-time resource snapshot for a running container.
type Stats struct {
	CPUPercent    float64
	MemoryUsed    int64
	MemoryLimit   int64
	NetworkRxByte int64
	NetworkTxByte int64
}

// ExecRequest describes a one-shot command run inside a running container.
type ExecRequest struct {
	Cmd    []string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ExecResult is the outcome of Exec.
type ExecResult struct {
	ExitCode int
}

// Controller is the runtime-agnostic contract the rest of Trinity programs
// against. docker.Controller and fake.Controller both satisfy it.
type Controller interface {
	// Create materializes a container from spec without starting it.
	Create(ctx context.Context, spec Spec) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	// Stop sends the runtime's graceful-stop signal, waiting up to timeout
	// before the runtime escalates to a forceful kill.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string, force bool) error
	Inspect(ctx context.Context, containerID string) (*Info, error)
	Exec(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error)
	Logs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error)
	Stats(ctx context.Context, containerID string) (*Stats, error)
	// List returns containers matching the given label set, used by the
	// Supervisor to reconcile runtime state against the Store (spec §4.9).
	List(ctx context.Context, labels map[string]string) ([]Info, error)
	Close() error
}

const (
	// LabelPlatform marks every container Trinity manages.
	LabelPlatform = "trinity.platform"
	// LabelPlatformValue is the fixed value of LabelPlatform.
	LabelPlatformValue = "agent"
	LabelAgentName      = "trinity.agent-name"
	LabelTemplate       = "trinity.template"
)

// DefaultWorkspaceDir is the persistent volume mount point inside every
// agent container (spec §4.3).
const DefaultWorkspaceDir = "/home/developer"

// Worker agents in a deployed system get their system's policies and
// processes directories bind-mounted read-only on top of the writable
// workspace — a hard enforcement point agents cannot write around (spec
// §4.3).
const (
	WorkerPoliciesDir  = DefaultWorkspaceDir + "/workspace/system/policies"
	WorkerProcessesDir = DefaultWorkspaceDir + "/workspace/system/processes"
)

// BuildSpec translates an agent's declared identity and resource limits
// into a runtime-agnostic container Spec. workspaceVolume is the host path
// (or named volume) backing the persistent /home/developer mount; overlays
// are additional read-only mounts such as system/policies and
// system/processes for deployed "worker" agents.
func BuildSpec(agentName, template, image, workspaceVolume string, memoryBytes int64, cpuCores float64, port int, overlays []Mount) Spec {
	mounts := make([]Mount, 0, len(overlays)+1)
	mounts = append(mounts, Mount{Source: workspaceVolume, Target: DefaultWorkspaceDir})
	mounts = append(mounts, overlays...)

	return Spec{
		Name:        "trinity-agent-" + agentName,
		Image:       image,
		WorkingDir:  DefaultWorkspaceDir,
		Mounts:      mounts,
		NetworkMode: "bridge",
		MemoryBytes: memoryBytes,
		CPUQuota:    int64(cpuCores * 100000),
		Port:        port,
		Labels: map[string]string{
			LabelPlatform:  LabelPlatformValue,
			LabelAgentName: agentName,
			LabelTemplate:  template,
		},
	}
}
