package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	"github.com/sethvargo/go-retry"
)

// ContainerInfo captures minimal runtime details about a started container.
type ContainerInfo struct {
	ID          string
	PortBinding nat.PortMap
}

// ContainerState is the observed state of a named container. Image is the
// image ID the container was created from; it stays valid for rollback even
// when the tag has since been reassigned.
type ContainerState struct {
	ID       string
	Image    string
	Running  bool
	Status   string
	ExitCode int
}

// BuildOutputCallback is invoked with incremental build messages.
type BuildOutputCallback func(string)

// BuildImage creates a Docker image from the provided directory using the
// default Dockerfile.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput BuildOutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg imageBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("docker image build: %s", errMsg)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

// RunContainer creates and starts a named container from the given image with
// the container port published on the same fixed host port. The environment
// owns exactly one container per port, so the caller stops any predecessor
// before calling this.
func (c *Client) RunContainer(ctx context.Context, name, image string, env []string, port int) (ContainerInfo, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}
	containerPort, err := nat.NewPort("tcp", strconv.Itoa(port))
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("invalid port %d: %w", port, err)
	}

	cfg := &container.Config{
		Image:        image,
		Env:          env,
		ExposedPorts: map[nat.Port]struct{}{containerPort: {}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(port)}},
		},
		RestartPolicy: container.RestartPolicy{Name: "always"},
	}

	r, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	inspect, err := c.inner.ContainerInspect(ctx, r.ID)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
	}
	binding := nat.PortMap{}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		binding = inspect.NetworkSettings.Ports
	}
	return ContainerInfo{ID: r.ID, PortBinding: binding}, nil
}

// StopContainer stops a named container. A missing container is not an error;
// the desired state (nothing running under that name) already holds.
func (c *Client) StopContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	timeoutSeconds := 10
	if err := c.inner.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// State inspects a named container. A missing container maps to ErrNotFound.
func (c *Client) State(ctx context.Context, name string) (ContainerState, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerState{}, fmt.Errorf("container name cannot be empty")
	}
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, ErrNotFound
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}
	state := ContainerState{ID: inspect.ID, Image: inspect.Image}
	if inspect.State != nil {
		state.Running = inspect.State.Running
		state.Status = inspect.State.Status
		state.ExitCode = inspect.State.ExitCode
	}
	return state, nil
}

// WaitRunning polls until the named container reports a running state or the
// deadline passes.
func (c *Client) WaitRunning(ctx context.Context, name string, deadline time.Duration) error {
	backoff := retry.WithMaxDuration(deadline, retry.NewConstant(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		state, err := c.State(ctx, name)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !state.Running {
			return retry.RetryableError(fmt.Errorf("container %s is %s", name, state.Status))
		}
		return nil
	})
}

type imageBuildMessage struct {
	Stream         string                `json:"stream"`
	Status         string                `json:"status"`
	ID             string                `json:"id"`
	Progress       string                `json:"progress"`
	ProgressDetail progressDetail        `json:"progressDetail"`
	Error          string                `json:"error"`
	ErrorDetail    imageBuildErrorDetail `json:"errorDetail"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type imageBuildErrorDetail struct {
	Message string `json:"message"`
}

func (m imageBuildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m imageBuildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimSpace(m.Stream)
	}
	if m.Status == "" {
		return ""
	}
	parts := make([]string, 0, 3)
	if strings.TrimSpace(m.ID) != "" {
		parts = append(parts, strings.TrimSpace(m.ID))
	}
	parts = append(parts, strings.TrimSpace(m.Status))
	progress := strings.TrimSpace(m.Progress)
	if progress == "" && m.ProgressDetail.Total > 0 {
		progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
	}
	if progress != "" {
		parts = append(parts, progress)
	}
	return strings.Join(parts, " ")
}
