package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sandboxbroker/sandboxd/internal/apierr"
	"github.com/sandboxbroker/sandboxd/internal/dockerengine"
)

// fakeEngine is an in-memory stand-in for dockerengine.Engine, recording
// every call so tests can assert on orchestration order without a real
// Docker daemon.
type fakeEngine struct {
	mu sync.Mutex

	nextID    int
	calls     []string
	running   map[string]bool
	labels    map[string]map[string]string
	volumes   map[string]bool
	execStubs map[string]dockerengine.ExecResult // keyed by "containerID|joined argv"
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		running:   make(map[string]bool),
		labels:    make(map[string]map[string]string),
		volumes:   make(map[string]bool),
		execStubs: make(map[string]dockerengine.ExecResult),
	}
}

func (f *fakeEngine) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }

func (f *fakeEngine) PullImageIfAbsent(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull:" + image)
	return nil
}

func (f *fakeEngine) RunContainer(ctx context.Context, spec dockerengine.ContainerSpec, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	f.running[id] = true
	f.labels[id] = spec.Labels
	f.record("run:" + spec.Image + ":" + id)
	return id, nil
}

func (f *fakeEngine) Exec(ctx context.Context, containerID string, spec dockerengine.ExecSpec) (dockerengine.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := containerID + "|" + strings.Join(spec.Cmd, " ")
	f.record("exec:" + key)
	if res, ok := f.execStubs[key]; ok {
		return res, nil
	}
	return dockerengine.ExecResult{ExitCode: 0}, nil
}

func (f *fakeEngine) PutArchive(ctx context.Context, containerID, destPath string, tarData []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("put_archive:" + containerID + ":" + destPath)
	return nil
}

func (f *fakeEngine) GetArchive(ctx context.Context, containerID, srcPath string) ([]byte, error) {
	return nil, apierr.New(apierr.PathNotFound, "not implemented in fake")
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
	f.record("remove_container:" + containerID)
	return nil
}

func (f *fakeEngine) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	f.record("create_volume:" + name)
	return nil
}

func (f *fakeEngine) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.volumes[name] {
		return nil
	}
	delete(f.volumes, name)
	f.record("remove_volume:" + name)
	return nil
}

func (f *fakeEngine) InspectContainer(ctx context.Context, containerID string) (dockerengine.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[containerID]
	if !ok {
		return dockerengine.ContainerInfo{}, apierr.New(apierr.SessionNotFound, "no such container")
	}
	state := "exited"
	if running {
		state = "running"
	}
	return dockerengine.ContainerInfo{ID: containerID, Labels: f.labels[containerID], State: state}, nil
}

func (f *fakeEngine) RestartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[containerID]; !ok {
		return apierr.New(apierr.SessionNotFound, "no such container")
	}
	f.running[containerID] = true
	f.record("restart:" + containerID)
	return nil
}

var _ dockerengine.Engine = (*fakeEngine)(nil)
