// Package container provides Docker management of per-session editor containers.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	// Container configuration.
	containerUser   = "1000"
	projectPath     = "/home/coder/project"
	editorPort      = "8080"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	editorSubnet = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond

	labelSession = "agentd.session"
)

// Manager defines the interface for managing editor containers.
type Manager interface {
	// EnsureEditor ensures an editor container is running for a session and
	// returns its ID.
	EnsureEditor(ctx context.Context, sessionID, workspaceDir string) (string, error)

	// StopEditor stops and removes an editor container.
	StopEditor(ctx context.Context, containerID string) error

	// EnsureNetwork creates the editor bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context) (string, error)
}

// Options configures a DockerManager.
type Options struct {
	Image   string
	Network string
	Runtime string // "" = default (runc), "runsc" = gVisor
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli  *client.Client
	opts Options
}

// NewDockerManager creates a new Docker-backed editor manager.
func NewDockerManager(opts Options) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := opts.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Docker client initialized", "runtime", runtime, "image", opts.Image, "network", opts.Network)
	return &DockerManager{cli: cli, opts: opts}, nil
}

// EditorName is the container name, and network hostname, of a session's editor.
func EditorName(sessionID string) string {
	return "agentd-editor-" + sessionID
}

// EnsureEditor ensures an editor container is running for a session.
func (m *DockerManager) EnsureEditor(ctx context.Context, sessionID, workspaceDir string) (string, error) {
	name := EditorName(sessionID)

	inspect, err := m.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State.Running {
			slog.Debug("Editor already running", "container_id", inspect.ID, "session_id", sessionID)
			return inspect.ID, nil
		}
		slog.Info("Restarting stopped editor", "container_id", inspect.ID, "session_id", sessionID)
		if err := m.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err == nil {
			return inspect.ID, nil
		}
		// Unstartable leftovers are recycled.
		if err := m.StopEditor(ctx, inspect.ID); err != nil {
			slog.Warn("Failed to remove stale editor", "error", err, "container_id", inspect.ID)
		}
	} else if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect editor %s: %w", name, err)
	}

	slog.Info("Creating editor container", "session_id", sessionID, "workspace", workspaceDir)

	config := &container.Config{
		Image:      m.opts.Image,
		User:       containerUser,
		WorkingDir: projectPath,
		Cmd:        []string{"--auth", "none", "--bind-addr", "0.0.0.0:" + editorPort, projectPath},
		Labels:     map[string]string{labelSession: sessionID},
	}

	hostConfig := &container.HostConfig{
		Runtime:     m.opts.Runtime,
		NetworkMode: container.NetworkMode(m.opts.Network),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workspaceDir,
			Target: projectPath,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create editor: %w", createErr)
		}

		// A concurrent removal can leave the old named container briefly.
		slog.Warn("Editor name conflict during create, retrying",
			"session_id", sessionID,
			"container_name", name,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if inspect.State.Running {
				return inspect.ID, nil
			}
			if stopErr := m.StopEditor(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to remove conflicting editor before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create editor after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove editor after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start editor %s: %w", resp.ID, err)
	}

	slog.Info("Editor created and started", "container_id", resp.ID, "session_id", sessionID)
	return resp.ID, nil
}

// StopEditor stops and removes a container. It is idempotent.
func (m *DockerManager) StopEditor(ctx context.Context, containerID string) error {
	slog.Info("Stopping editor", "container_id", containerID)

	if _, err := m.cli.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Editor already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect editor %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Debug("Editor stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, editor may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove editor %s: %w", containerID, err)
	}

	slog.Info("Editor stopped and removed", "container_id", containerID)
	return nil
}

// EnsureNetwork creates the editor bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == m.opts.Network {
			slog.Info("Editor network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := m.cli.NetworkCreate(ctx, m.opts.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: editorSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", m.opts.Network, err)
	}

	slog.Info("Editor network created", "network_id", createResp.ID, "subnet", editorSubnet)
	return createResp.ID, nil
}

// Close releases the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

func ptr[T any](v T) *T {
	return &v
}
