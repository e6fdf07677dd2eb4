package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuzzbox/internal/runtime"
)

type fakeAttached struct{}

func (fakeAttached) Close() error { return nil }

// fakeRuntime is an in-memory SessionRuntime. Wait blocks until the
// session "exits", either via releaseWait or via Stop.
type fakeRuntime struct {
	mu sync.Mutex

	imagePresent bool
	existing     *runtime.SessionState
	createErr    error
	startErr     error

	exitCode     int
	stopExitCode int

	created int
	started int
	stopped int
	removed []string

	exited   chan struct{}
	exitOnce sync.Once
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		imagePresent: true,
		stopExitCode: 137,
		exited:       make(chan struct{}),
	}
}

func (f *fakeRuntime) releaseWait(code int) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.exitCode = code
		f.mu.Unlock()
		close(f.exited)
	})
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.SessionSpec) (runtime.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return runtime.Session{}, f.createErr
	}
	f.created++
	return runtime.Session{ID: fmt.Sprintf("sess-%d", f.created), Name: spec.Name}, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	return nil
}

func (f *fakeRuntime) Attach(ctx context.Context, id string, streams runtime.AttachStreams, tty bool) (runtime.AttachedSession, error) {
	return fakeAttached{}, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string) (runtime.WaitResult, error) {
	select {
	case <-f.exited:
		f.mu.Lock()
		defer f.mu.Unlock()
		return runtime.WaitResult{ExitCode: f.exitCode}, nil
	case <-ctx.Done():
		return runtime.WaitResult{}, ctx.Err()
	}
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	f.stopped++
	code := f.stopExitCode
	f.mu.Unlock()
	f.releaseWait(code)
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) FindByName(ctx context.Context, name string) (*runtime.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing, nil
}

func (f *fakeRuntime) ImagePresent(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imagePresent, nil
}

func testSpec(t *testing.T) LaunchSpec {
	t.Helper()
	dir := t.TempDir()
	return LaunchSpec{
		HostConfigDir:      filepath.Join(dir, "config"),
		HostReportDir:      filepath.Join(dir, "reports"),
		ContainerConfigDir: "/config",
		ContainerReportDir: "/reports",
		PublishedPort:      0, // the probe binds any free port
		ContainerPort:      9001,
		ImageReference:     "crossbario/autobahn-testsuite:0.8.2",
		InstanceName:       "fuzzingserver",
		StopTimeout:        time.Second,
	}
}

func TestRunCreatesAndRemovesExactlyOneSession(t *testing.T) {
	fake := newFakeRuntime()
	fake.releaseWait(0)
	spec := testSpec(t)

	res, err := New(fake, runtime.AttachStreams{}).Run(context.Background(), spec)

	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Signaled)
	assert.Equal(t, 1, fake.created)
	assert.Len(t, fake.removed, 1)
	assert.DirExists(t, spec.HostConfigDir)
	assert.DirExists(t, spec.HostReportDir)
}

func TestRunMirrorsTargetExitCode(t *testing.T) {
	// A failing test suite is not a launcher failure.
	fake := newFakeRuntime()
	fake.releaseWait(7)

	res, err := New(fake, runtime.AttachStreams{}).Run(context.Background(), testSpec(t))

	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.Len(t, fake.removed, 1)
}

func TestRunFailsBeforeCreateWhenPortBound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fake := newFakeRuntime()
	spec := testSpec(t)
	spec.PublishedPort = uint16(ln.Addr().(*net.TCPAddr).Port)

	_, err = New(fake, runtime.AttachStreams{}).Run(context.Background(), spec)

	require.Error(t, err)
	assert.Equal(t, ExitPortUnavailable, ExitCode(err))
	assert.Equal(t, 0, fake.created)
	assert.Empty(t, fake.removed)
}

func TestRunFailsWhenImageMissing(t *testing.T) {
	fake := newFakeRuntime()
	fake.imagePresent = false

	_, err := New(fake, runtime.AttachStreams{}).Run(context.Background(), testSpec(t))

	require.Error(t, err)
	assert.Equal(t, ExitImageUnavailable, ExitCode(err))
	assert.Contains(t, err.Error(), "fuzzbox pull")
	assert.Equal(t, 0, fake.created)
}

func TestRunReapsStaleSession(t *testing.T) {
	fake := newFakeRuntime()
	fake.existing = &runtime.SessionState{ID: "stale-1", Running: false}
	fake.releaseWait(0)

	res, err := New(fake, runtime.AttachStreams{}).Run(context.Background(), testSpec(t))

	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 1, fake.created)
	assert.Equal(t, []string{"stale-1", "sess-1"}, fake.removed)
}

func TestRunRefusesRunningInstance(t *testing.T) {
	fake := newFakeRuntime()
	fake.existing = &runtime.SessionState{ID: "live-1", Running: true}

	_, err := New(fake, runtime.AttachStreams{}).Run(context.Background(), testSpec(t))

	require.Error(t, err)
	assert.Equal(t, ExitInstanceAlreadyRunning, ExitCode(err))
	assert.Equal(t, 0, fake.created)
	assert.Empty(t, fake.removed)
}

func TestRunStartFailureStillTearsDown(t *testing.T) {
	fake := newFakeRuntime()
	fake.startErr = errors.New("bad mount")

	_, err := New(fake, runtime.AttachStreams{}).Run(context.Background(), testSpec(t))

	require.Error(t, err)
	assert.Equal(t, ExitSessionStartFailure, ExitCode(err))
	assert.Equal(t, 1, fake.created)
	assert.Equal(t, []string{"sess-1"}, fake.removed)
}

func TestRunInterruptStopsSessionAndTearsDown(t *testing.T) {
	fake := newFakeRuntime()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := New(fake, runtime.AttachStreams{}).Run(ctx, testSpec(t))

	require.NoError(t, err)
	assert.True(t, res.Signaled)
	assert.Equal(t, 137, res.ExitCode)
	assert.Equal(t, 1, fake.stopped)
	// Teardown completed before Run returned.
	assert.Equal(t, []string{"sess-1"}, fake.removed)
}

func TestExitCodeDefaultsToRuntimeFailure(t *testing.T) {
	assert.Equal(t, ExitRuntimeFailure, ExitCode(errors.New("plain")))
	assert.Equal(t, ExitPortUnavailable, ExitCode(codedErr(ExitPortUnavailable, "bound")))
	assert.Equal(t, ExitPortUnavailable, ExitCode(fmt.Errorf("wrapped: %w", codedErr(ExitPortUnavailable, "bound"))))
}
