// Package docker adapts the Docker SDK to the container.Controller contract.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	ccontainer "github.com/trinity-platform/orchestrator/internal/container"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
)

// Config is the subset of platform config the Docker client needs.
type Config struct {
	Host       string
	APIVersion string
}

// Controller wraps a Docker SDK client to satisfy container.Controller.
type Controller struct {
	cli    *client.Client
	logger *logging.Logger
}

func NewController(cfg Config, log *logging.Logger) (*Controller, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("docker controller created", zap.String("host", cfg.Host), zap.String("api_version", cfg.APIVersion))
	return &Controller{cli: cli, logger: log}, nil
}

func (c *Controller) Close() error {
	return c.cli.Close()
}

func (c *Controller) PullImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

func (c *Controller) Create(ctx context.Context, spec ccontainer.Spec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &dcontainer.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	hostCfg := &dcontainer.HostConfig{
		Mounts:      mounts,
		NetworkMode: dcontainer.NetworkMode(spec.NetworkMode),
		AutoRemove:  spec.AutoRemove,
		Resources: dcontainer.Resources{
			Memory:   spec.MemoryBytes,
			CPUQuota: spec.CPUQuota,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		c.logger.Error("failed to create container", zap.String("name", spec.Name), zap.Error(err))
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	c.logger.Info("container created", zap.String("id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

func (c *Controller) Start(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, dcontainer.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

func (c *Controller) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, dcontainer.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

func (c *Controller) Remove(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, dcontainer.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

func (c *Controller) Inspect(ctx context.Context, containerID string) (*ccontainer.Info, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	info := &ccontainer.Info{
		ID:       inspect.ID,
		Name:     inspect.Name,
		Image:    inspect.Config.Image,
		State:    inspect.State.Status,
		Status:   inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}
	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	if inspect.State.FinishedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = t
		}
	}
	if inspect.State.Health != nil {
		info.Health = inspect.State.Health.Status
	}
	return info, nil
}

func (c *Controller) Exec(ctx context.Context, containerID string, req ccontainer.ExecRequest) (*ccontainer.ExecResult, error) {
	execCfg := dcontainer.ExecOptions{
		Cmd:          req.Cmd,
		Env:          req.Env,
		AttachStdin:  req.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := c.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec for %s: %w", containerID, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, dcontainer.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec for %s: %w", containerID, err)
	}
	defer attach.Close()

	if req.Stdin != nil {
		go func() {
			io.Copy(attach.Conn, req.Stdin)
			attach.CloseWrite()
		}()
	}

	stdout := req.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := req.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("error reading exec output for %s: %w", containerID, err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec for %s: %w", containerID, err)
	}
	return &ccontainer.ExecResult{ExitCode: inspect.ExitCode}, nil
}

func (c *Controller) Logs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	opts := dcontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	}
	reader, err := c.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs for %s: %w", containerID, err)
	}
	return reader, nil
}

func (c *Controller) Stats(ctx context.Context, containerID string) (*ccontainer.Stats, error) {
	resp, err := c.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get container stats for %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var raw dcontainer.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode container stats for %s: %w", containerID, err)
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemCPUUsage - raw.PreCPUStats.SystemCPUUsage)
	var cpuPercent float64
	if systemDelta > 0 && cpuDelta > 0 {
		cpuPercent = (cpuDelta / systemDelta) * float64(len(raw.CPUStats.CPUUsage.PercpuUsage)) * 100.0
	}

	var rx, tx int64
	for _, n := range raw.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}

	return &ccontainer.Stats{
		CPUPercent:    cpuPercent,
		MemoryUsed:    int64(raw.MemoryStats.Usage),
		MemoryLimit:   int64(raw.MemoryStats.Limit),
		NetworkRxByte: rx,
		NetworkTxByte: tx,
	}, nil
}

func (c *Controller) List(ctx context.Context, labels map[string]string) ([]ccontainer.Info, error) {
	filterArgs := filters.NewArgs()
	for k, v := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := c.cli.ContainerList(ctx, dcontainer.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ccontainer.Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, ccontainer.Info{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Status: ctr.Status,
		})
	}
	return infos, nil
}
