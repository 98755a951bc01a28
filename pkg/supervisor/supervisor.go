// Package supervisor abstracts the execution contexts services are launched
// into. The orchestrator only talks to the Supervisor interface; backends
// decide how sessions and windows are isolated and kept alive.
package supervisor

import (
	"context"

	"github.com/pkg/errors"
)

// Window is one execution context inside a session, running one service
// command. Windows outlive their command so a crashed service stays
// inspectable.
type Window struct {
	Index   int
	Label   string
	Cwd     string
	Command []string
	Env     map[string]string
}

// Session is a named group of windows. At most one live session exists per
// name; Reset enforces this before Create.
type Session struct {
	Name    string
	Windows []Window
}

// ResetOutcome reports what a Reset actually did.
type ResetOutcome int

const (
	ResetNotFound ResetOutcome = iota
	ResetKilled
	ResetKillFailed
)

func (o ResetOutcome) String() string {
	switch o {
	case ResetKilled:
		return "killed"
	case ResetKillFailed:
		return "kill-failed"
	default:
		return "not-found"
	}
}

// ErrKillFailed means a prior same-named session could not be removed.
// Launching into a stale session is never safe, so callers must treat this
// as a hard precondition failure.
var ErrKillFailed = errors.New("existing session could not be killed")

// Supervisor is the process-isolation capability the orchestrator runs on.
type Supervisor interface {
	// Reset kills any existing session with this name. Absence is not an
	// error; a failed kill is.
	Reset(ctx context.Context, name string) (ResetOutcome, error)

	// Create starts a new detached session whose window 0 runs the given
	// command, wrapped so the window survives the command's exit.
	Create(ctx context.Context, name string, first Window) (*Session, error)

	// AddWindow appends a window at the next index with the same
	// survive-after-exit behavior.
	AddWindow(ctx context.Context, session *Session, w Window) (Window, error)

	// Alive reports whether a session with this name currently exists.
	Alive(ctx context.Context, name string) (bool, error)

	// Kill destroys the named session and everything in it.
	Kill(ctx context.Context, name string) error
}

// Attacher is implemented by backends that support an interactive operator
// attach (the tmux backend does; the process-group backend does not).
type Attacher interface {
	Attach(name string) error
}
