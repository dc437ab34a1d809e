package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"sort"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// Labels stamped on every sandbox container.
const (
	LabelManaged    = "coderunner.managed"
	LabelDeployment = "coderunner.deployment_id"
	LabelOwner      = "coderunner.owner_id"
)

// maxCapturedOutput bounds how much of each command stream is kept.
const maxCapturedOutput = 64 * 1024

// =============================================================================
// Config
// =============================================================================

// Config configures the Docker provider.
type Config struct {
	// DockerHost overrides DOCKER_HOST. Empty uses the environment.
	DockerHost string `mapstructure:"docker_host"`

	// Image is used when a request names no runtime or an unknown one.
	// Default: node:20-slim.
	Image string `mapstructure:"image"`

	// Images maps runtime names to images.
	Images map[string]string `mapstructure:"images"`

	// PublicHost is the host name placed in endpoints.
	// Default: localhost.
	PublicHost string `mapstructure:"public_host"`

	// BindAddress is the host interface published ports bind to.
	BindAddress string `mapstructure:"bind_address"`

	// MemoryMB caps sandbox memory. Zero means unlimited.
	// Default: 512.
	MemoryMB int64 `mapstructure:"memory_mb"`

	// CPUs caps sandbox CPU. Zero means unlimited.
	CPUs float64 `mapstructure:"cpus"`

	// WorkDir is where files are written and commands run.
	// Default: /app.
	WorkDir string `mapstructure:"workdir"`

	// NamePrefix prefixes container names.
	// Default: coderunner.
	NamePrefix string `mapstructure:"name_prefix"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Image: "node:20-slim",
		Images: map[string]string{
			"node":   "node:20-slim",
			"python": "python:3.12-slim",
			"go":     "golang:1.24-alpine",
		},
		PublicHost: "localhost",
		MemoryMB:   512,
		WorkDir:    "/app",
		NamePrefix: "coderunner",
	}
}

// ImageFor resolves the image for a runtime.
func (c Config) ImageFor(runtime string) string {
	if img, ok := c.Images[runtime]; ok && img != "" {
		return img
	}
	return c.Image
}

// =============================================================================
// Docker Provider
// =============================================================================

// dockerAPI is the subset of the Docker SDK client the provider uses.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecStart(ctx context.Context, execID string, config container.ExecStartOptions) error
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

// DockerProvider implements Client with one long-lived container per sandbox.
type DockerProvider struct {
	api    dockerAPI
	config Config
	logger *slog.Logger
}

var _ Client = (*DockerProvider)(nil)

// NewDockerProvider connects to the Docker daemon named by config.
func NewDockerProvider(config Config, logger *slog.Logger) (*DockerProvider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if config.DockerHost != "" {
		opts = append(opts, client.WithHost(config.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewProviderError("NewDockerProvider", ClassPermanent, "", "failed to create client", err)
	}
	return newDockerProvider(cli, config, logger), nil
}

func newDockerProvider(api dockerAPI, config Config, logger *slog.Logger) *DockerProvider {
	def := DefaultConfig()
	if config.Image == "" {
		config.Image = def.Image
	}
	if config.PublicHost == "" {
		config.PublicHost = def.PublicHost
	}
	if config.WorkDir == "" {
		config.WorkDir = def.WorkDir
	}
	if config.NamePrefix == "" {
		config.NamePrefix = def.NamePrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerProvider{
		api:    api,
		config: config,
		logger: logger.With("component", "sandbox"),
	}
}

// Ping checks that the daemon is reachable.
func (p *DockerProvider) Ping(ctx context.Context) error {
	if _, err := p.api.Ping(ctx); err != nil {
		return classify("Ping", "", err)
	}
	return nil
}

// Close closes the daemon connection.
func (p *DockerProvider) Close() error {
	return p.api.Close()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Create pulls the image if needed, then creates and starts an idle container
// with the application port published on an ephemeral host port.
func (p *DockerProvider) Create(ctx context.Context, req CreateRequest) (Handle, error) {
	if req.Port <= 0 || req.Port > 65535 {
		return "", NewProviderError("Create", ClassPermanent, "", fmt.Sprintf("invalid port %d", req.Port), nil)
	}

	img := p.config.ImageFor(req.Runtime)
	if err := p.ensureImage(ctx, img); err != nil {
		return "", err
	}

	name := domain.SandboxName(p.config.NamePrefix, req.DeploymentID)
	port := nat.Port(fmt.Sprintf("%d/tcp", req.Port))

	config := &container.Config{
		Image:        img,
		Cmd:          []string{"sleep", "infinity"},
		WorkingDir:   p.config.WorkDir,
		Env:          envList(req.Env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelDeployment: req.DeploymentID,
			LabelOwner:      req.OwnerID,
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: p.config.BindAddress}},
		},
		Init: boolPtr(true),
	}
	if p.config.MemoryMB > 0 {
		hostConfig.Memory = p.config.MemoryMB * 1024 * 1024
	}
	if p.config.CPUs > 0 {
		hostConfig.NanoCPUs = int64(p.config.CPUs * 1e9)
	}

	resp, err := p.api.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			// A retried create whose first attempt reached the daemon.
			if h, ok := p.adopt(ctx, name, req.DeploymentID); ok {
				return h, nil
			}
		}
		if ctx.Err() != nil {
			// The daemon may have created the container before the call was
			// abandoned. Docker accepts the name wherever it accepts an id.
			if rmErr := p.remove(context.WithoutCancel(ctx), Handle(name)); rmErr != nil {
				p.logger.Warn("failed to remove abandoned sandbox", "name", name, "error", rmErr)
			}
		}
		return "", classify("Create", "", err)
	}
	h := Handle(resp.ID)

	if err := p.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		perr := classify("Create", h, err)
		if rmErr := p.remove(context.WithoutCancel(ctx), h); rmErr != nil {
			p.logger.Warn("failed to remove unstarted sandbox", "handle", shortID(h), "error", rmErr)
		}
		return "", perr
	}

	p.logger.Info("sandbox created", "handle", shortID(h), "deployment_id", req.DeploymentID, "image", img)
	return h, nil
}

// adopt returns the existing container for name when it belongs to the same
// deployment, starting it if needed.
func (p *DockerProvider) adopt(ctx context.Context, name, deploymentID string) (Handle, bool) {
	info, err := p.api.ContainerInspect(ctx, name)
	if err != nil || info.ContainerJSONBase == nil || info.Config == nil {
		return "", false
	}
	if info.Config.Labels[LabelDeployment] != deploymentID {
		return "", false
	}
	if info.State == nil || !info.State.Running {
		if err := p.api.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
			return "", false
		}
	}
	return Handle(info.ID), true
}

func (p *DockerProvider) ensureImage(ctx context.Context, ref string) error {
	_, err := p.api.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return classify("PullImage", "", err)
	}

	p.logger.Info("pulling image", "image", ref)
	reader, err := p.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) || cerrdefs.IsUnauthorized(err) || cerrdefs.IsPermissionDenied(err) {
			return NewProviderError("PullImage", ClassPermanent, "", ref+": image not found", ErrImageNotFound)
		}
		return classify("PullImage", "", err)
	}
	defer reader.Close()

	// Drain the reader to complete the pull
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return classify("PullImage", "", err)
	}
	return nil
}

// Destroy force-removes the sandbox and its anonymous volumes.
func (p *DockerProvider) Destroy(ctx context.Context, h Handle) error {
	if h == "" {
		return nil
	}
	if err := p.remove(ctx, h); err != nil {
		return err
	}
	p.logger.Info("sandbox destroyed", "handle", shortID(h))
	return nil
}

func (p *DockerProvider) remove(ctx context.Context, h Handle) error {
	err := p.api.ContainerRemove(ctx, string(h), container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return classify("Destroy", h, err)
	}
	return nil
}

// =============================================================================
// Files and Commands
// =============================================================================

// WriteFiles copies files into the work directory as a single archive.
func (p *DockerProvider) WriteFiles(ctx context.Context, h Handle, files []domain.FileEntry) error {
	archive, err := tarFiles(files)
	if err != nil {
		return NewProviderError("WriteFiles", ClassPermanent, h, "failed to pack files", err)
	}

	err = p.api.CopyToContainer(ctx, string(h), p.config.WorkDir, archive, container.CopyToContainerOptions{})
	if err != nil {
		return classify("WriteFiles", h, err)
	}
	return nil
}

// RunCommand executes cmd through an exec instance. Foreground commands are
// attached until they exit; a non-zero exit is reported in the result, not as
// an error.
func (p *DockerProvider) RunCommand(ctx context.Context, h Handle, cmd Command) (*CommandResult, error) {
	if len(cmd.Cmd) == 0 {
		return nil, NewProviderError("RunCommand", ClassPermanent, h, "empty command", nil)
	}

	start := time.Now()
	exec, err := p.api.ContainerExecCreate(ctx, string(h), container.ExecOptions{
		Cmd:          cmd.Cmd,
		Env:          envList(cmd.Env),
		WorkingDir:   p.workDir(cmd.WorkDir),
		AttachStdout: !cmd.Background,
		AttachStderr: !cmd.Background,
	})
	if err != nil {
		return nil, classify("RunCommand", h, err)
	}

	if cmd.Background {
		if err := p.api.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{Detach: true}); err != nil {
			return nil, classify("RunCommand", h, err)
		}
		return &CommandResult{Background: true, Duration: time.Since(start)}, nil
	}

	attach, err := p.api.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, classify("RunCommand", h, err)
	}
	defer attach.Close()

	stdout := &tailBuffer{max: maxCapturedOutput}
	stderr := &tailBuffer{max: maxCapturedOutput}
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	select {
	case err := <-copyDone:
		if err != nil {
			return nil, classify("RunCommand", h, err)
		}
	case <-ctx.Done():
		return nil, classify("RunCommand", h, ctx.Err())
	}

	inspect, err := p.api.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, classify("RunCommand", h, err)
	}

	return &CommandResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

// PublicEndpoint reads the host port Docker assigned to port.
func (p *DockerProvider) PublicEndpoint(ctx context.Context, h Handle, port int) (string, error) {
	info, err := p.api.ContainerInspect(ctx, string(h))
	if err != nil {
		return "", classify("PublicEndpoint", h, err)
	}
	if info.ContainerJSONBase != nil && info.State != nil && !info.State.Running {
		return "", NewProviderError("PublicEndpoint", ClassPermanent, h, "sandbox is not running", nil)
	}
	if info.NetworkSettings == nil {
		return "", NewProviderError("PublicEndpoint", ClassTransient, h, "network settings not yet available", ErrPortNotPublished)
	}

	for _, b := range info.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", port))] {
		if b.HostPort != "" {
			return "http://" + net.JoinHostPort(p.config.PublicHost, b.HostPort), nil
		}
	}
	return "", NewProviderError("PublicEndpoint", ClassTransient, h, "port "+strconv.Itoa(port)+" has no host binding", ErrPortNotPublished)
}

func (p *DockerProvider) workDir(dir string) string {
	switch {
	case dir == "":
		return p.config.WorkDir
	case path.IsAbs(dir):
		return dir
	default:
		return path.Join(p.config.WorkDir, dir)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func boolPtr(b bool) *bool {
	return &b
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.max {
		p = p[len(p)-t.max:]
	}
	if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
