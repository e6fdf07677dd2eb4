// Package runtime defines the capability interface the launcher needs from
// an isolation backend. The concrete implementation lives in
// runtime/docker; the launcher itself never imports an engine SDK, so the
// backend stays swappable and the control flow stays unit-testable.
package runtime

import (
	"context"
	"io"
	"time"
)

// Bind declares a host directory visible inside the session.
type Bind struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// PortBinding publishes a TCP port inside the session on the host.
type PortBinding struct {
	HostPort      uint16
	ContainerPort uint16
}

// SessionSpec describes one ephemeral session to create.
type SessionSpec struct {
	Image       string
	Name        string
	Binds       []Bind
	Port        PortBinding
	Interactive bool // keep stdin open for the operator
	TTY         bool // allocate a pseudo-terminal
}

// Session identifies a created session.
type Session struct {
	ID   string
	Name string
}

// SessionState is the result of a by-name lookup.
type SessionState struct {
	ID      string
	Running bool
}

// WaitResult reports how the sessioned process ended.
type WaitResult struct {
	ExitCode int
}

// AttachStreams carries the operator's terminal into the session. Stdin may
// be nil when the invocation is non-interactive.
type AttachStreams struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// AttachedSession is a live attachment to a session's I/O. Close detaches;
// it must be safe to call more than once.
type AttachedSession interface {
	io.Closer
}

// SessionRuntime is the narrow contract between the launcher and whatever
// actually runs the image. Create reserves the name and binds; nothing
// executes until Start. Wait blocks until the process is no longer running
// and reports its exit code. Remove tears the session down, force-killing
// if it is still running, and must be idempotent so unconditional cleanup
// can call it on every exit path.
type SessionRuntime interface {
	Create(ctx context.Context, spec SessionSpec) (Session, error)
	Start(ctx context.Context, id string) error
	Attach(ctx context.Context, id string, streams AttachStreams, tty bool) (AttachedSession, error)
	Wait(ctx context.Context, id string) (WaitResult, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	FindByName(ctx context.Context, name string) (*SessionState, error)
	ImagePresent(ctx context.Context, ref string) (bool, error)
}
