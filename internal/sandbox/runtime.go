package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	sala "github.com/nitad/sala"
)

// Container labels. The orphan sweep keys on LabelManaged; LabelGroup ties
// a container back to its group.
const (
	LabelManaged = "managed"
	LabelGroup   = "group"
)

// SpawnSpec describes one sandbox container. Mount policy is fixed: group
// workspace, IPC namespace, and session dir only. The project root and the
// auth directory never reach a container.
type SpawnSpec struct {
	Image       string
	Group       string
	Env         map[string]string
	WorkspaceRW string
	IPCRW       string
	SessionRW   string
	MemoryBytes int64
	CPUQuota    float64 // in CPUs
	Network     string
	User        string // non-root user the agent drops to after setup
}

// Runtime is the container engine surface the pool needs. DockerRuntime
// implements it against the Engine API; tests use a fake.
type Runtime interface {
	Spawn(ctx context.Context, spec SpawnSpec) (string, error)
	Stop(ctx context.Context, id string, graceful time.Duration) error
	Kill(ctx context.Context, id string) error
	ListManaged(ctx context.Context) ([]string, error)
}

// DockerRuntime drives the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime connects using the environment's Docker configuration.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Spawn creates and starts a container per spec and returns its id.
func (r *DockerRuntime) Spawn(ctx context.Context, spec SpawnSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: spec.WorkspaceRW, Target: "/workspace"},
		{Type: mount.TypeBind, Source: spec.IPCRW, Target: "/ipc"},
		{Type: mount.TypeBind, Source: spec.SessionRW, Target: "/session"},
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   env,
		User:  spec.User,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelGroup:   spec.Group,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.Network),
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: int64(spec.CPUQuota * 1e9),
		},
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", &sala.ErrContainer{Failure: sala.ContainerSpawnFailed, Err: err}
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", &sala.ErrContainer{ContainerID: created.ID, Failure: sala.ContainerSpawnFailed, Err: err}
	}
	return created.ID, nil
}

// Stop stops a container gracefully within the window, then removes it.
func (r *DockerRuntime) Stop(ctx context.Context, id string, graceful time.Duration) error {
	secs := int(graceful.Seconds())
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// Kill force-stops and removes a container.
func (r *DockerRuntime) Kill(ctx context.Context, id string) error {
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("kill container %s: %w", id, err)
	}
	return nil
}

// ListManaged returns the ids of every container carrying the managed
// label, running or not. The startup orphan sweep compares this against the
// persisted registry.
func (r *DockerRuntime) ListManaged(ctx context.Context) ([]string, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}
	ids := make([]string, len(list))
	for i, c := range list {
		ids[i] = c.ID
	}
	return ids, nil
}
