// Package fake provides an in-process container.Controller for exercising
// Lifecycle and Execution without a Docker daemon.
package fake

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trinity-platform/orchestrator/internal/container"
)

// Controller is a fake, in-memory container.Controller. Every container it
// creates is immediately "healthy" once started; callers can mark a
// specific container unhealthy or stopped to exercise failure paths.
type Controller struct {
	mu         sync.Mutex
	containers map[string]*entry
}

type entry struct {
	spec   container.Spec
	state  string
	health string
}

func New() *Controller {
	return &Controller{containers: make(map[string]*entry)}
}

func (c *Controller) Create(ctx context.Context, spec container.Spec) (string, error) {
	id := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.containers[id] = &entry{spec: spec, state: "created", health: "starting"}
	return id, nil
}

func (c *Controller) Start(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.containers[id]
	if !ok {
		return fmt.Errorf("fake: container %s not found", id)
	}
	e.state = "running"
	e.health = "healthy"
	return nil
}

func (c *Controller) Stop(ctx context.Context, id string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.containers[id]
	if !ok {
		return fmt.Errorf("fake: container %s not found", id)
	}
	e.state = "exited"
	return nil
}

func (c *Controller) Remove(ctx context.Context, id string, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.containers, id)
	return nil
}

func (c *Controller) Inspect(ctx context.Context, id string) (*container.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.containers[id]
	if !ok {
		return nil, fmt.Errorf("fake: container %s not found", id)
	}
	return &container.Info{
		ID:     id,
		Name:   e.spec.Name,
		Image:  e.spec.Image,
		State:  e.state,
		Status: e.state,
		Health: e.health,
	}, nil
}

func (c *Controller) Exec(ctx context.Context, id string, req container.ExecRequest) (*container.ExecResult, error) {
	c.mu.Lock()
	_, ok := c.containers[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake: container %s not found", id)
	}
	if req.Stdout != nil {
		fmt.Fprintf(req.Stdout, "fake exec: %s\n", strings.Join(req.Cmd, " "))
	}
	return &container.ExecResult{ExitCode: 0}, nil
}

func (c *Controller) Logs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (c *Controller) Stats(ctx context.Context, id string) (*container.Stats, error) {
	c.mu.Lock()
	_, ok := c.containers[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake: container %s not found", id)
	}
	return &container.Stats{CPUPercent: 1.0, MemoryUsed: 1 << 20, MemoryLimit: 1 << 30}, nil
}

func (c *Controller) List(ctx context.Context, labels map[string]string) ([]container.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []container.Info
	for id, e := range c.containers {
		match := true
		for k, v := range labels {
			if e.spec.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, container.Info{ID: id, Name: e.spec.Name, Image: e.spec.Image, State: e.state, Status: e.state, Health: e.health})
		}
	}
	return out, nil
}

func (c *Controller) Close() error { return nil }

// SetUnhealthy marks a container unhealthy, used by Supervisor tests to
// exercise the unhealthy-restart path (spec §4.9).
func (c *Controller) SetUnhealthy(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.containers[id]; ok {
		e.health = "unhealthy"
	}
}
