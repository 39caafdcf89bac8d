// Package docker wraps the Docker SDK with the container operations the
// session backends, monitor, and hub need.
package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
)

// MountSpec holds one host bind mount.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// PortBinding maps a guest TCP port to a host address.
type PortBinding struct {
	GuestPort int
	HostIP    string
	HostPort  int
}

// HardeningOptions reduce the privileges of a created container.
type HardeningOptions struct {
	ReadOnlyRootfs bool
	CapDrop        []string
	SecurityOpt    []string
	Tmpfs          map[string]string
	PidsLimit      int64
}

// CreateOptions holds everything needed to create a session container.
type CreateOptions struct {
	Name      string
	Image     string
	Cmd       []string
	Env       []string
	Labels    map[string]string
	Ports     []PortBinding
	Mounts    []MountSpec
	Hardening *HardeningOptions
}

// ContainerDetail is the subset of container inspect state the orchestrator
// consumes.
type ContainerDetail struct {
	ID         string
	Name       string
	State      string
	Running    bool
	Labels     map[string]string
	HostPorts  []int
	BindMounts []string // source:target
}

// ExecOptions control command execution inside a container.
type ExecOptions struct {
	User   string
	Detach bool
}

// ExecOutcome holds the result of an attached exec.
type ExecOutcome struct {
	ExitCode int
	Output   []byte
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

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

	log.Debug("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w: %v", errdefs.ErrBackendUnavailable, err)
	}
	return nil
}

// ImageDigests returns the repo digests of a local image. A missing image
// maps to ErrImageUnavailable; pulling is the operator's job.
func (c *Client) ImageDigests(ctx context.Context, ref string) ([]string, error) {
	inspect, err := c.cli.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("image %s: %w", ref, errdefs.ErrImageUnavailable)
		}
		return nil, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return inspect.RepoDigests, nil
}

// InspectContainer returns the orchestrator's view of one container. A
// missing container maps to ErrSessionNotFound.
func (c *Client) InspectContainer(ctx context.Context, name string) (*ContainerDetail, error) {
	inspect, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", name, errdefs.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	detail := &ContainerDetail{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.State != nil {
		detail.State = inspect.State.Status
		detail.Running = inspect.State.Running
	}
	if inspect.Config != nil {
		detail.Labels = inspect.Config.Labels
	}
	if inspect.NetworkSettings != nil {
		for _, bindings := range inspect.NetworkSettings.Ports {
			for _, b := range bindings {
				if p, err := strconv.Atoi(b.HostPort); err == nil && p > 0 {
					detail.HostPorts = append(detail.HostPorts, p)
				}
			}
		}
	}
	for _, m := range inspect.Mounts {
		if m.Type == mount.TypeBind {
			detail.BindMounts = append(detail.BindMounts, m.Source+":"+m.Destination)
		}
	}
	return detail, nil
}

// CreateContainer creates a session container and returns its id.
func (c *Client) CreateContainer(ctx context.Context, opts CreateOptions) (string, error) {
	c.logger.Info("Creating container",
		zap.String("name", opts.Name),
		zap.String("image", opts.Image),
	)

	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range opts.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.GuestPort))
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   p.HostIP,
			HostPort: strconv.Itoa(p.HostPort),
		})
	}

	containerCfg := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		Labels:       opts.Labels,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		Mounts:       mounts,
		PortBindings: bindings,
	}

	if h := opts.Hardening; h != nil {
		hostCfg.ReadonlyRootfs = h.ReadOnlyRootfs
		hostCfg.CapDrop = strslice.StrSlice(h.CapDrop)
		hostCfg.SecurityOpt = h.SecurityOpt
		hostCfg.Tmpfs = h.Tmpfs
		if h.PidsLimit > 0 {
			limit := h.PidsLimit
			hostCfg.Resources.PidsLimit = &limit
		}
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		c.logger.Error("Failed to create container",
			zap.String("name", opts.Name),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to create container %s: %w", opts.Name, err)
	}

	c.logger.Info("Container created", zap.String("id", resp.ID), zap.String("name", opts.Name))
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, name string) error {
	err := c.cli.ContainerStart(ctx, name, container.StartOptions{})
	if err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	c.logger.Info("Container started", zap.String("container", name))
	return nil
}

// StopContainer stops a container with a timeout.
func (c *Client) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, name, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	c.logger.Info("Container stopped", zap.String("container", name))
	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, name string, force bool) error {
	err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("container %s: %w", name, errdefs.ErrSessionNotFound)
		}
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	c.logger.Info("Container removed", zap.String("container", name))
	return nil
}

// Exec runs a command inside a container. Attached execs block until the
// command exits and return its combined output; detached execs return
// immediately with a zero exit code.
func (c *Client) Exec(ctx context.Context, name string, cmd []string, opts ExecOptions) (*ExecOutcome, error) {
	execCfg := container.ExecOptions{
		User:         opts.User,
		Cmd:          cmd,
		Detach:       opts.Detach,
		AttachStdout: !opts.Detach,
		AttachStderr: !opts.Detach,
	}

	created, err := c.cli.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", name, errdefs.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to create exec in %s: %w", name, err)
	}

	if opts.Detach {
		if err := c.cli.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
			return nil, fmt.Errorf("failed to start detached exec in %s: %w", name, err)
		}
		return &ExecOutcome{ExitCode: 0}, nil
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in %s: %w", name, err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	demultiplexStream(attach.Reader, &buf)

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec in %s: %w", name, err)
	}

	return &ExecOutcome{ExitCode: inspect.ExitCode, Output: buf.Bytes()}, nil
}

// demultiplexStream reads Docker's multiplexed stream format and writes
// stdout and stderr frames to the writer.
// Stream format when Tty=false:
// - Byte 0: Stream type (0=stdin, 1=stdout, 2=stderr)
// - Bytes 1-3: Reserved
// - Bytes 4-7: Frame size (big endian uint32)
// - Bytes 8+: Frame data
func demultiplexStream(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])

		if size > 0 {
			data := make([]byte, size)
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
			if streamType == 1 || streamType == 2 {
				writer.Write(data)
			}
		}
	}
}

// ListManaged lists containers carrying the given labels.
func (c *Client) ListManaged(ctx context.Context, labels map[string]string) ([]ContainerDetail, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	details := make([]ContainerDetail, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}

		detail := ContainerDetail{
			ID:      ctr.ID,
			Name:    name,
			State:   ctr.State,
			Running: ctr.State == "running",
			Labels:  ctr.Labels,
		}
		for _, p := range ctr.Ports {
			if p.PublicPort > 0 {
				detail.HostPorts = append(detail.HostPorts, int(p.PublicPort))
			}
		}
		for _, m := range ctr.Mounts {
			if m.Type == mount.TypeBind {
				detail.BindMounts = append(detail.BindMounts, m.Source+":"+m.Destination)
			}
		}
		details = append(details, detail)
	}

	return details, nil
}

// UsedHostPorts returns the host ports bound by running containers. Used by
// the allocator to skip ports already taken.
func (c *Client) UsedHostPorts(ctx context.Context) (map[int]bool, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	used := make(map[int]bool)
	for _, ctr := range containers {
		for _, p := range ctr.Ports {
			if p.PublicPort > 0 {
				used[int(p.PublicPort)] = true
			}
		}
	}
	return used, nil
}
