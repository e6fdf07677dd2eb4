// Package docker implements the session runtime against the Docker Engine
// API.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"fuzzbox/internal/runtime"
)

// Runtime drives sessions through a Docker (or Podman-compatible) engine.
type Runtime struct {
	client *client.Client
}

// NewRuntime connects to the engine using the standard DOCKER_HOST
// environment resolution.
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Runtime{client: cli}, nil
}

// NewRuntimeWithClient wires a custom client, used by tests.
func NewRuntimeWithClient(cli *client.Client) *Runtime {
	return &Runtime{client: cli}
}

// Close releases the underlying API client.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Create creates the container for a session without starting it. The name
// is reserved at this point; a conflict surfaces as an engine error.
func (r *Runtime) Create(ctx context.Context, spec runtime.SessionSpec) (runtime.Session, error) {
	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)

	containerPort := nat.Port(fmt.Sprintf("%d/tcp", spec.Port.ContainerPort))
	exposedPorts[containerPort] = struct{}{}
	portBindings[containerPort] = []nat.PortBinding{
		{
			HostIP:   "0.0.0.0",
			HostPort: fmt.Sprintf("%d", spec.Port.HostPort),
		},
	}

	var binds []string
	for _, b := range spec.Binds {
		bind := fmt.Sprintf("%s:%s", b.HostPath, b.ContainerPath)
		if b.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
		log.Debug("adding bind mount", "host_path", b.HostPath, "container_path", b.ContainerPath, "read_only", b.ReadOnly)
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		ExposedPorts: exposedPorts,
		Tty:          spec.TTY,
		OpenStdin:    spec.Interactive,
		StdinOnce:    spec.Interactive,
		AttachStdin:  spec.Interactive,
		AttachStdout: true,
		AttachStderr: true,
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        binds,
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return runtime.Session{}, fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	log.Debug("container created", "id", resp.ID, "name", spec.Name, "image", spec.Image)
	return runtime.Session{ID: resp.ID, Name: spec.Name}, nil
}

// Start starts a created container.
func (r *Runtime) Start(ctx context.Context, id string) error {
	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	log.Debug("container started", "id", id)
	return nil
}

// attached holds the hijacked connection for a live attach.
type attached struct {
	resp types.HijackedResponse
	once sync.Once
}

func (a *attached) Close() error {
	a.once.Do(a.resp.Close)
	return nil
}

// Attach hijacks the container's I/O streams and pumps them from/to the
// given streams until the connection closes. With a TTY the stream is a
// single raw byte pipe; without one the engine multiplexes stdout/stderr
// and the stream is demuxed here.
func (r *Runtime) Attach(ctx context.Context, id string, streams runtime.AttachStreams, tty bool) (runtime.AttachedSession, error) {
	resp, err := r.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  streams.Stdin != nil,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container %s: %w", id, err)
	}

	go func() {
		var err error
		if tty {
			_, err = io.Copy(streams.Stdout, resp.Reader)
		} else {
			_, err = stdcopy.StdCopy(streams.Stdout, streams.Stderr, resp.Reader)
		}
		if err != nil && ctx.Err() == nil {
			log.Debug("attach output stream ended", "id", id, "err", err)
		}
	}()

	if streams.Stdin != nil {
		go func() {
			// Forward operator input; on EOF close only the write half so
			// output keeps flowing.
			_, _ = io.Copy(resp.Conn, streams.Stdin)
			_ = resp.CloseWrite()
		}()
	}

	return &attached{resp: resp}, nil
}

// Wait blocks until the container is no longer running and returns its
// exit code.
func (r *Runtime) Wait(ctx context.Context, id string) (runtime.WaitResult, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return runtime.WaitResult{}, fmt.Errorf("failed waiting for container %s: %w", id, err)
	case status := <-statusCh:
		if status.Error != nil {
			return runtime.WaitResult{}, fmt.Errorf("container %s wait error: %s", id, status.Error.Message)
		}
		return runtime.WaitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return runtime.WaitResult{}, ctx.Err()
	}
}

// Stop asks the engine to stop the container, escalating to SIGKILL after
// the timeout.
func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	log.Debug("container stopped", "id", id)
	return nil
}

// Remove force-removes the container. A container that is already gone is
// not an error, so teardown can run on every exit path.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			log.Debug("container not found, already removed", "id", id)
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	log.Debug("container removed", "id", id)
	return nil
}

// FindByName looks up a container by exact name, running or not.
func (r *Runtime) FindByName(ctx context.Context, name string) (*runtime.SessionState, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	// The name filter matches substrings; check for the exact name.
	for _, c := range containers {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				return &runtime.SessionState{
					ID:      c.ID,
					Running: c.State == "running",
				}, nil
			}
		}
	}
	return nil, nil
}

// ImagePresent reports whether the image is available locally. It never
// pulls.
func (r *Runtime) ImagePresent(ctx context.Context, ref string) (bool, error) {
	_, err := r.client.ImageInspect(ctx, ref)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return true, nil
}

// Pull fetches the image from its registry. Used by the pull command only;
// the launcher itself never pulls.
func (r *Runtime) Pull(ctx context.Context, ref string) error {
	log.Info("pulling image", "image", ref)

	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull only completes once the response stream is consumed.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull response: %w", err)
	}

	log.Info("image pulled", "image", ref)
	return nil
}
