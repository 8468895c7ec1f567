// Package engine adapts the Docker engine to the domain.ContainerEngine
// interface. One container per tenant, flow-engine port published on a
// random loopback host port so only the reverse proxy can reach it.
package engine

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"go.uber.org/zap"
)

// flowEnginePort is the port the flow engine listens on inside the container.
const flowEnginePort nat.Port = "1880/tcp"

type Docker struct {
	cli    *client.Client
	image  string
	logger *zap.Logger
}

func NewDocker(image string, logger *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{cli: cli, image: image, logger: logger}, nil
}

func (d *Docker) Create(ctx context.Context, name string) error {
	cfg := &container.Config{
		Image:        d.image,
		ExposedPorts: nat.PortSet{flowEnginePort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		// Empty HostPort lets the engine pick a free port; binding to
		// loopback keeps tenant containers reachable only via the proxy.
		PortBindings: nat.PortMap{
			flowEnginePort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return domain.ErrNameConflict
		}
		return fmt.Errorf("create container %q: %w", name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %q: %w", name, err)
	}
	d.logger.Info("container started", zap.String("name", name), zap.String("id", resp.ID))
	return nil
}

func (d *Docker) Inspect(ctx context.Context, name string) (domain.EngineStatus, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return domain.EngineStatus{State: domain.StateAbsent}, nil
		}
		return domain.EngineStatus{State: domain.StateUnavailable}, fmt.Errorf("inspect container %q: %w", name, err)
	}

	status := domain.EngineStatus{State: mapState(info)}
	if status.State == domain.StateRunning || status.State == domain.StateStarting {
		status.Port = hostPort(info)
	}
	return status, nil
}

func (d *Docker) Stop(ctx context.Context, name string) error {
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop container %q: %w", name, err)
	}
	return nil
}

func (d *Docker) Restart(ctx context.Context, name string) error {
	if err := d.cli.ContainerRestart(ctx, name, container.StopOptions{}); err != nil {
		return fmt.Errorf("restart container %q: %w", name, err)
	}
	return nil
}

func (d *Docker) ExecConfig(ctx context.Context, name string, script string, env []string) error {
	exec, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", script},
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("exec create in %q: %w", name, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("exec attach in %q: %w", name, err)
	}
	defer attach.Close()

	// Drain output so the exec runs to completion before we inspect it.
	_, _ = io.Copy(io.Discard, attach.Reader)

	inspect, err := d.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("exec inspect in %q: %w", name, err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("config exec in %q exited with code %d", name, inspect.ExitCode)
	}
	return nil
}

func mapState(info container.InspectResponse) domain.ContainerState {
	if info.State == nil {
		return domain.StateUnavailable
	}
	switch info.State.Status {
	case "created", "restarting":
		return domain.StateStarting
	case "running":
		if info.State.Health != nil && info.State.Health.Status == "starting" {
			return domain.StateStarting
		}
		return domain.StateRunning
	case "exited", "paused":
		return domain.StateStopped
	default:
		// "removing", "dead", or anything the engine adds later.
		return domain.StateUnavailable
	}
}

func hostPort(info container.InspectResponse) *int {
	if info.NetworkSettings == nil {
		return nil
	}
	bindings := info.NetworkSettings.Ports[flowEnginePort]
	if len(bindings) == 0 {
		return nil
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return nil
	}
	return &port
}
