// internal/runtime/docker/adapter.go
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/FairForge/labforge/internal/runtime"
)

const (
	vncPortDesktop = "5900/tcp"
	vncPortBrowser = "7900/tcp"
	sshPort        = "22/tcp"
	seleniumPort   = "4444/tcp"
)

// Adapter implements runtime.Adapter against the local Docker engine.
type Adapter struct {
	cli          *client.Client
	hostIP       string
	vncProxyPort int
	logger       *zap.Logger
}

// New creates a Docker-backed adapter. Connection details come from the
// standard DOCKER_HOST environment.
func New(hostIP string, vncProxyPort int, logger *zap.Logger) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Adapter{
		cli:          cli,
		hostIP:       hostIP,
		vncProxyPort: vncProxyPort,
		logger:       logger,
	}, nil
}

// Provision pulls the image, creates the container with the resource template
// applied and random host ports published, and starts it.
func (a *Adapter) Provision(ctx context.Context, spec runtime.ProvisionSpec) (runtime.Connection, error) {
	reader, err := a.cli.ImagePull(ctx, spec.Image, types.ImagePullOptions{})
	if err != nil {
		return runtime.Connection{}, fmt.Errorf("%w: pull %s: %v", runtime.ErrUnavailable, spec.Image, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	_ = reader.Close()

	cfg := &container.Config{
		Image:        spec.Image,
		ExposedPorts: a.exposedPorts(spec),
		Env:          a.env(spec),
	}
	hostCfg := &container.HostConfig{
		PublishAllPorts: true,
		Resources: container.Resources{
			Memory:   spec.MemoryLimitMB * 1024 * 1024,
			NanoCPUs: int64(spec.CPULimit * 1e9),
		},
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return runtime.Connection{}, fmt.Errorf("%w: create %s: %v", runtime.ErrUnavailable, spec.Name, err)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		// Don't leave the created container behind.
		_ = a.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return runtime.Connection{}, fmt.Errorf("%w: start %s: %v", runtime.ErrUnavailable, spec.Name, err)
	}

	inspect, err := a.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return runtime.Connection{}, fmt.Errorf("%w: inspect %s: %v", runtime.ErrUnavailable, resp.ID, err)
	}

	conn := runtime.Connection{Ref: resp.ID}
	conn.SSHPort = a.hostPort(inspect.NetworkSettings.Ports, sshPort)
	if conn.SSHPort > 0 {
		conn.SSHCommand = fmt.Sprintf("ssh -p %d root@%s", conn.SSHPort, a.hostIP)
	}

	if spec.Graphical || spec.Browser {
		vncKey := vncPortDesktop
		if spec.Browser {
			vncKey = vncPortBrowser
		}
		conn.VNCPort = a.hostPort(inspect.NetworkSettings.Ports, vncKey)
		if conn.VNCPort > 0 {
			conn.VNCURL = fmt.Sprintf("https://%s:%d/vnc.html?host=%s&port=%d&autoconnect=true",
				a.hostIP, a.vncProxyPort, a.hostIP, conn.VNCPort)
			if spec.Browser {
				conn.VNCURL += "&resize=scale"
			}
		}
	}

	a.logger.Info("provisioned container",
		zap.String("name", spec.Name),
		zap.String("ref", resp.ID[:12]),
		zap.Int("vnc_port", conn.VNCPort),
		zap.Int("ssh_port", conn.SSHPort))

	return conn, nil
}

// Terminate force-removes the container. A missing container is success: the
// resource is already gone.
func (a *Adapter) Terminate(ctx context.Context, ref string) error {
	err := a.cli.ContainerRemove(ctx, ref, types.ContainerRemoveOptions{Force: true})
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return runtime.ErrNotFound
	}
	return fmt.Errorf("%w: remove %s: %v", runtime.ErrUnavailable, ref, err)
}

// Usage reads a single stats sample and derives cpu percent and memory MB
// from the engine counters.
func (a *Adapter) Usage(ctx context.Context, ref string) (runtime.Usage, error) {
	stats, err := a.cli.ContainerStats(ctx, ref, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return runtime.Usage{}, runtime.ErrNotFound
		}
		return runtime.Usage{}, fmt.Errorf("%w: stats %s: %v", runtime.ErrUnavailable, ref, err)
	}
	defer func() { _ = stats.Body.Close() }()

	var sample types.StatsJSON
	if err := json.NewDecoder(stats.Body).Decode(&sample); err != nil {
		return runtime.Usage{}, fmt.Errorf("%w: decode stats: %v", runtime.ErrUnavailable, err)
	}

	var cpuPercent float64
	cpuDelta := float64(sample.CPUStats.CPUUsage.TotalUsage - sample.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(sample.CPUStats.SystemUsage - sample.PreCPUStats.SystemUsage)
	if systemDelta > 0 {
		cpuPercent = cpuDelta / systemDelta * 100
	}

	return runtime.Usage{
		CPUPercent: cpuPercent,
		MemoryMB:   float64(sample.MemoryStats.Usage) / 1024 / 1024,
	}, nil
}

func (a *Adapter) exposedPorts(spec runtime.ProvisionSpec) nat.PortSet {
	ports := nat.PortSet{nat.Port(sshPort): struct{}{}}
	switch {
	case spec.Browser:
		ports[nat.Port(vncPortBrowser)] = struct{}{}
		ports[nat.Port(seleniumPort)] = struct{}{}
	case spec.Graphical:
		ports[nat.Port(vncPortDesktop)] = struct{}{}
	}
	return ports
}

func (a *Adapter) env(spec runtime.ProvisionSpec) []string {
	if !spec.Browser {
		return nil
	}
	return []string{
		"DISPLAY=:99",
		"VNC_NO_PASSWORD=1",
		"VNC_SERVER_WIDTH=1920",
		"VNC_SERVER_HEIGHT=1080",
	}
}

func (a *Adapter) hostPort(ports nat.PortMap, key string) int {
	bindings := ports[nat.Port(key)]
	if len(bindings) == 0 {
		return 0
	}
	p, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0
	}
	return p
}
