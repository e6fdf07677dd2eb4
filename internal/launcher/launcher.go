// Package launcher starts and supervises a single conformance test server
// session: it binds the host config and report directories, publishes the
// listener port, attaches the operator's terminal, waits for exit or
// interrupt, and removes the session unconditionally before returning.
package launcher

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"fuzzbox/internal/runtime"
)

// teardownTimeout bounds session removal so a wedged engine cannot hold
// the launcher open forever.
const teardownTimeout = 30 * time.Second

// LaunchSpec describes one launch. Host paths must be absolute by the time
// Run sees them; the config package resolves them against the executable's
// own directory so invocation is location-independent.
type LaunchSpec struct {
	HostConfigDir      string
	HostReportDir      string
	ContainerConfigDir string
	ContainerReportDir string
	PublishedPort      uint16
	ContainerPort      uint16
	ImageReference     string
	InstanceName       string
	StopTimeout        time.Duration
	Interactive        bool
	TTY                bool
}

// RunResult reports how the sessioned process ended. A non-zero ExitCode
// means the test suite reported failures, not that the launcher failed.
type RunResult struct {
	ExitCode int
	Signaled bool
	Duration time.Duration
}

// Launcher runs launch specs against a session runtime.
type Launcher struct {
	rt      runtime.SessionRuntime
	streams runtime.AttachStreams
}

// New returns a launcher that attaches sessions to the given streams.
func New(rt runtime.SessionRuntime, streams runtime.AttachStreams) *Launcher {
	return &Launcher{rt: rt, streams: streams}
}

// Run executes the full session lifecycle: preflight, create, attach,
// start, wait, teardown. Cancelling ctx is the interrupt path: the session
// is stopped, its exit code collected, and teardown still completes before
// Run returns. Teardown runs exactly once per invocation and is reachable
// from every path after the session exists.
func (l *Launcher) Run(ctx context.Context, spec LaunchSpec) (RunResult, error) {
	start := time.Now()

	// The host directories are scratch/output locations; create rather
	// than fail when they are absent.
	for _, dir := range []string{spec.HostConfigDir, spec.HostReportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return RunResult{}, codedErr(ExitRuntimeFailure, "failed to create directory %s: %v", dir, err)
		}
	}

	if err := probePort(spec.PublishedPort); err != nil {
		return RunResult{}, codedErr(ExitPortUnavailable, "port %d is already bound on the host: %v", spec.PublishedPort, err)
	}

	present, err := l.rt.ImagePresent(ctx, spec.ImageReference)
	if err != nil {
		return RunResult{}, codedErr(ExitRuntimeFailure, "failed to check image %s: %v", spec.ImageReference, err)
	}
	if !present {
		return RunResult{}, codedErr(ExitImageUnavailable, "image %s not found locally, run \"fuzzbox pull\" and retry", spec.ImageReference)
	}

	if err := l.reapStale(ctx, spec.InstanceName); err != nil {
		return RunResult{}, err
	}

	sess, err := l.rt.Create(ctx, runtime.SessionSpec{
		Image: spec.ImageReference,
		Name:  spec.InstanceName,
		Binds: []runtime.Bind{
			{HostPath: spec.HostConfigDir, ContainerPath: spec.ContainerConfigDir, ReadOnly: true},
			{HostPath: spec.HostReportDir, ContainerPath: spec.ContainerReportDir},
		},
		Port:        runtime.PortBinding{HostPort: spec.PublishedPort, ContainerPort: spec.ContainerPort},
		Interactive: spec.Interactive,
		TTY:         spec.TTY,
	})
	if err != nil {
		return RunResult{}, codedErr(ExitSessionStartFailure, "failed to create session %s: %v", spec.InstanceName, err)
	}

	// From here on the session exists; removal must happen on every exit
	// path, exactly once, even when the run context is already cancelled.
	var teardownOnce sync.Once
	teardown := func() {
		teardownOnce.Do(func() {
			removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
			defer cancel()
			if err := l.rt.Remove(removeCtx, sess.ID); err != nil {
				log.Error("failed to remove session", "name", spec.InstanceName, "err", err)
			}
		})
	}
	defer teardown()

	att, err := l.rt.Attach(ctx, sess.ID, l.streams, spec.TTY)
	if err != nil {
		return RunResult{}, codedErr(ExitSessionStartFailure, "failed to attach to session %s: %v", spec.InstanceName, err)
	}
	defer att.Close()

	if err := l.rt.Start(ctx, sess.ID); err != nil {
		return RunResult{}, codedErr(ExitSessionStartFailure, "failed to start session %s: %v", spec.InstanceName, err)
	}

	log.Info("session running",
		"name", spec.InstanceName,
		"image", spec.ImageReference,
		"port", spec.PublishedPort,
		"reports", spec.HostReportDir)

	// The wait outlives a cancelled run context: after an interrupt the
	// exit code is still collected from the stopped session.
	type waitOutcome struct {
		res runtime.WaitResult
		err error
	}
	waitCh := make(chan waitOutcome, 1)
	waitCtx := context.WithoutCancel(ctx)
	go func() {
		res, err := l.rt.Wait(waitCtx, sess.ID)
		waitCh <- waitOutcome{res: res, err: err}
	}()

	var (
		outcome  waitOutcome
		signaled bool
	)
	select {
	case outcome = <-waitCh:
	case <-ctx.Done():
		signaled = true
		log.Info("interrupt received, stopping session", "name", spec.InstanceName)
		stopCtx, cancel := context.WithTimeout(context.Background(), spec.StopTimeout+teardownTimeout)
		if err := l.rt.Stop(stopCtx, sess.ID, spec.StopTimeout); err != nil {
			// Force removal kills a session that refused to stop, which
			// also unblocks the pending wait.
			log.Warn("failed to stop session", "name", spec.InstanceName, "err", err)
			teardown()
		}
		cancel()
		outcome = <-waitCh
	}

	// Remove before returning control so an immediate re-invocation never
	// collides with our own name reservation.
	att.Close()
	teardown()

	if outcome.err != nil {
		return RunResult{}, codedErr(ExitRuntimeFailure, "failed waiting for session %s: %v", spec.InstanceName, outcome.err)
	}

	return RunResult{
		ExitCode: outcome.res.ExitCode,
		Signaled: signaled,
		Duration: time.Since(start),
	}, nil
}

// reapStale removes a leftover session holding the instance name. A
// running one is someone else's live run and is never touched.
func (l *Launcher) reapStale(ctx context.Context, name string) error {
	state, err := l.rt.FindByName(ctx, name)
	if err != nil {
		return codedErr(ExitRuntimeFailure, "failed to look up session %s: %v", name, err)
	}
	if state == nil {
		return nil
	}
	if state.Running {
		return codedErr(ExitInstanceAlreadyRunning, "session %s is already running, stop it before launching another", name)
	}

	log.Info("removing stale session", "name", name, "id", state.ID)
	if err := l.rt.Remove(ctx, state.ID); err != nil {
		return codedErr(ExitRuntimeFailure, "failed to remove stale session %s: %v", name, err)
	}
	return nil
}

// probePort verifies the published port is free before any session is
// created, so a bind conflict aborts with no side effects.
func probePort(port uint16) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}
