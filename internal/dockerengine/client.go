// Package dockerengine is the Container Adapter: a typed, narrow interface
// over the Docker Engine API that the session engine depends on instead of
// a concrete SDK client, so tests can substitute a fake implementation.
package dockerengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sandboxbroker/sandboxd/internal/apierr"
)

// ContainerSpec describes a container to start on behalf of a session.
type ContainerSpec struct {
	Image      string
	Entrypoint []string
	Cmd        []string
	User       string
	Runtime    string
	Labels     map[string]string
	Mounts     []Mount
	Network    bool
	TTY        bool
	Env        []string
	Resources  Resources
}

// Resources caps the container's memory and CPU allocation. A zero value on
// either field leaves that resource unbounded, matching the Docker Engine
// API's own "0 means unlimited" convention.
type Resources struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// Mount binds a named volume into a container at Target, optionally
// read-only.
type Mount struct {
	VolumeName string
	Target     string
	ReadOnly   bool
}

// ExecSpec describes one command run inside a running container.
type ExecSpec struct {
	Cmd     []string
	Env     []string
	WorkDir string
	User    string
}

// ExecResult carries the combined stdout+stderr output and exit code of an
// Exec call.
type ExecResult struct {
	Stdout   string
	Stderr   string
	Output   string // Stdout and Stderr concatenated, for the commands endpoint's combined-output contract
	ExitCode int
}

// ContainerInfo is the subset of container inspection state the session
// engine needs to recover a cached session's labels after a process
// restart.
type ContainerInfo struct {
	ID     string
	Labels map[string]string
	State  string
}

// Engine is the capability set the session engine depends on. The Session
// Engine never imports the Docker SDK directly; it only ever sees this
// interface, per the "depend on a capability set, not a concrete type"
// design rule.
type Engine interface {
	Ping(ctx context.Context) error
	PullImageIfAbsent(ctx context.Context, image string) error
	RunContainer(ctx context.Context, spec ContainerSpec, name string) (string, error)
	Exec(ctx context.Context, containerID string, spec ExecSpec) (ExecResult, error)
	PutArchive(ctx context.Context, containerID, destPath string, tarData []byte) error
	GetArchive(ctx context.Context, containerID, srcPath string) ([]byte, error)
	RemoveContainer(ctx context.Context, containerID string) error
	CreateVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string) error
	InspectContainer(ctx context.Context, containerID string) (ContainerInfo, error)
	RestartContainer(ctx context.Context, containerID string) error
}

// Client is the concrete Engine backed by the Docker Engine API.
type Client struct {
	api *dockerclient.Client
}

// NewClient builds a Client from the environment, pinging the daemon and
// falling back to colima autodiscovery when the default socket is
// unreachable and DOCKER_HOST was not set explicitly.
func NewClient() (*Client, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if pingErr := pingClient(cli); pingErr == nil {
		return &Client{api: cli}, nil
	} else if os.Getenv("DOCKER_HOST") != "" {
		_ = cli.Close()
		return nil, translate(pingErr, "failed to reach docker daemon")
	}
	_ = cli.Close()

	if host, ok := AutoDockerHost(); ok {
		alt, altErr := dockerclient.NewClientWithOpts(dockerclient.WithHost(host), dockerclient.WithAPIVersionNegotiation())
		if altErr == nil {
			if pingErr := pingClient(alt); pingErr == nil {
				return &Client{api: alt}, nil
			}
			_ = alt.Close()
		}
	}
	return nil, apierr.New(apierr.EngineUnavailable, "docker daemon unreachable")
}

func pingClient(cli *dockerclient.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err
}

// Close releases the underlying Docker SDK client's connections.
func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

// Ping verifies the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	return translate(err, "docker daemon ping failed")
}

// PullImageIfAbsent pulls image only when it is not already present
// locally, so repeated session starts against a warm cache don't pay a
// network round trip.
func (c *Client) PullImageIfAbsent(ctx context.Context, image string) error {
	_, _, err := c.api.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !dockerclient.IsErrNotFound(err) {
		return translate(err, fmt.Sprintf("failed to inspect image %q", image))
	}

	reader, err := c.api.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return apierr.Wrap(apierr.ImageNotFound, fmt.Sprintf("image %q not found", image), err)
		}
		return translate(err, fmt.Sprintf("failed to pull image %q", image))
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return translate(err, fmt.Sprintf("failed to stream pull of image %q", image))
	}
	return nil
}

// RunContainer creates and starts a detached container from spec, returning
// its container ID.
func (c *Client) RunContainer(ctx context.Context, spec ContainerSpec, name string) (string, error) {
	mounts := make([]mountSpec, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mountSpec{source: m.VolumeName, target: m.Target, readOnly: m.ReadOnly})
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Entrypoint: spec.Entrypoint,
		Cmd:        spec.Cmd,
		User:       spec.User,
		Labels:     spec.Labels,
		Env:        spec.Env,
		Tty:        spec.TTY,
		OpenStdin:  spec.TTY,
	}
	hostCfg := &container.HostConfig{
		Runtime:     spec.Runtime,
		Mounts:      buildMounts(mounts),
		NetworkMode: container.NetworkMode(networkModeFor(spec.Network)),
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:   spec.Resources.MemoryBytes,
			NanoCPUs: spec.Resources.NanoCPUs,
		},
	}

	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", apierr.Wrap(apierr.ImageNotFound, fmt.Sprintf("image %q not found", spec.Image), err)
		}
		return "", translate(err, "failed to create container")
	}
	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", translate(err, "failed to start container")
	}
	return resp.ID, nil
}

func networkModeFor(enabled bool) string {
	if enabled {
		return "bridge"
	}
	return "none"
}

// Exec runs cmd inside containerID and returns its combined output and
// exit code.
func (c *Client) Exec(ctx context.Context, containerID string, spec ExecSpec) (ExecResult, error) {
	if len(spec.Cmd) == 0 {
		return ExecResult{}, apierr.New(apierr.InvalidInput, "command required")
	}

	execResp, err := c.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkDir,
		User:         spec.User,
	})
	if err != nil {
		return ExecResult{}, translate(err, "failed to create exec")
	}

	attach, err := c.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, translate(err, "failed to attach exec")
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, translate(err, "failed to read exec output")
	}

	inspect, err := c.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, translate(err, "failed to inspect exec result")
	}
	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Output:   stdout.String() + stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// PutArchive extracts a tar stream into containerID under destPath.
func (c *Client) PutArchive(ctx context.Context, containerID, destPath string, tarData []byte) error {
	err := c.api.CopyToContainer(ctx, containerID, destPath, bytes.NewReader(tarData), types.CopyToContainerOptions{
		AllowOverwriteDirWithFile: true,
	})
	return translate(err, fmt.Sprintf("failed to copy archive into %q", destPath))
}

// GetArchive reads srcPath out of containerID as a tar stream.
func (c *Client) GetArchive(ctx context.Context, containerID, srcPath string) ([]byte, error) {
	reader, stat, err := c.api.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, apierr.Wrap(apierr.PathNotFound, fmt.Sprintf("path %q not found in container", srcPath), err)
		}
		return nil, translate(err, fmt.Sprintf("failed to copy %q out of container", srcPath))
	}
	defer reader.Close()
	if stat.Size == 0 {
		return nil, apierr.New(apierr.PathNotFound, fmt.Sprintf("path %q is empty", srcPath))
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, translate(err, fmt.Sprintf("failed to read archive stream for %q", srcPath))
	}
	return data, nil
}

// RemoveContainer force-removes containerID along with any anonymous
// volumes, swallowing "not found" so close is idempotent.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && dockerclient.IsErrNotFound(err) {
		return nil
	}
	return translate(err, "failed to remove container")
}

// CreateVolume creates a named volume with labels, treating an
// already-existing volume of the same name as success.
func (c *Client) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	list, err := c.api.VolumeList(ctx, volume.ListOptions{Filters: filters.NewArgs(filters.Arg("name", name))})
	if err != nil {
		return translate(err, fmt.Sprintf("failed to list volumes named %q", name))
	}
	for _, v := range list.Volumes {
		if v.Name == name {
			return nil
		}
	}
	_, err = c.api.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels})
	return translate(err, fmt.Sprintf("failed to create volume %q", name))
}

// RemoveVolume removes a named volume, swallowing "not found" and
// reporting VolumeInUse when the volume is still referenced by a
// container.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	err := c.api.VolumeRemove(ctx, name, false)
	if err == nil {
		return nil
	}
	if dockerclient.IsErrNotFound(err) {
		return nil
	}
	if strings.Contains(err.Error(), "volume is in use") {
		return apierr.Wrap(apierr.VolumeInUse, fmt.Sprintf("volume %q is still in use", name), err)
	}
	return translate(err, fmt.Sprintf("failed to remove volume %q", name))
}

// InspectContainer returns the label set and lifecycle state of
// containerID, used to recover a session after an in-memory cache miss.
func (c *Client) InspectContainer(ctx context.Context, containerID string) (ContainerInfo, error) {
	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return ContainerInfo{}, apierr.Wrap(apierr.SessionNotFound, fmt.Sprintf("session %q not found", containerID), err)
		}
		return ContainerInfo{}, translate(err, "failed to inspect container")
	}
	state := ""
	if info.State != nil {
		state = info.State.Status
	}
	return ContainerInfo{ID: info.ID, Labels: info.Config.Labels, State: state}, nil
}

// RestartContainer restarts a stopped container, used by the session
// engine's single-retry recovery path when a cached executor is found
// non-running.
func (c *Client) RestartContainer(ctx context.Context, containerID string) error {
	err := c.api.ContainerRestart(ctx, containerID, container.StopOptions{})
	if err != nil && dockerclient.IsErrNotFound(err) {
		return apierr.Wrap(apierr.SessionNotFound, fmt.Sprintf("session %q not found", containerID), err)
	}
	return translate(err, "failed to restart container")
}

var _ Engine = (*Client)(nil)
