// Package tmuxmux runs sessions and windows on a tmux server. Each service
// command is wrapped so its window drops into an interactive shell when the
// command exits, keeping crashes attachable for postmortem inspection.
package tmuxmux

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ttcn-0906/game-store-system/pkg/supervisor"
)

// CmdRunner abstracts tmux invocation for testability.
type CmdRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner implements CmdRunner using os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

type Backend struct {
	runner CmdRunner
}

var _ supervisor.Supervisor = (*Backend)(nil)
var _ supervisor.Attacher = (*Backend)(nil)

func New(runner CmdRunner) *Backend {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Backend{runner: runner}
}

func (b *Backend) Alive(ctx context.Context, name string) (bool, error) {
	_, err := b.runner.Run(ctx, "tmux", "has-session", "-t", name)
	return err == nil, nil
}

// Reset kills any same-named session and verifies it is actually gone. A
// session that survives the kill is reported as ResetKillFailed; launching
// into a stale session is never allowed.
func (b *Backend) Reset(ctx context.Context, name string) (supervisor.ResetOutcome, error) {
	alive, _ := b.Alive(ctx, name)
	if !alive {
		return supervisor.ResetNotFound, nil
	}

	if out, err := b.runner.Run(ctx, "tmux", "kill-session", "-t", name); err != nil {
		return supervisor.ResetKillFailed, errors.Wrapf(supervisor.ErrKillFailed, "tmux kill-session: %s", out)
	}
	if alive, _ := b.Alive(ctx, name); alive {
		return supervisor.ResetKillFailed, errors.Wrap(supervisor.ErrKillFailed, "session still present after kill")
	}

	log.Info().Str("session", name).Msg("killed stale session")
	return supervisor.ResetKilled, nil
}

func (b *Backend) Create(ctx context.Context, name string, first supervisor.Window) (*supervisor.Session, error) {
	args := []string{"new-session", "-d", "-s", name, "-n", first.Label}
	if first.Cwd != "" {
		args = append(args, "-c", first.Cwd)
	}
	args = append(args, wrapCommand(first))

	if out, err := b.runner.Run(ctx, "tmux", args...); err != nil {
		return nil, errors.Wrapf(err, "tmux new-session: %s", out)
	}

	first.Index = 0
	log.Info().Str("session", name).Str("window", first.Label).Msg("session created")
	return &supervisor.Session{Name: name, Windows: []supervisor.Window{first}}, nil
}

func (b *Backend) AddWindow(ctx context.Context, session *supervisor.Session, w supervisor.Window) (supervisor.Window, error) {
	if session == nil {
		return supervisor.Window{}, errors.New("nil session")
	}

	args := []string{"new-window", "-t", session.Name, "-n", w.Label}
	if w.Cwd != "" {
		args = append(args, "-c", w.Cwd)
	}
	args = append(args, wrapCommand(w))

	if out, err := b.runner.Run(ctx, "tmux", args...); err != nil {
		return supervisor.Window{}, errors.Wrapf(err, "tmux new-window: %s", out)
	}

	w.Index = len(session.Windows)
	session.Windows = append(session.Windows, w)
	log.Info().Str("session", session.Name).Str("window", w.Label).Int("index", w.Index).Msg("window added")
	return w, nil
}

func (b *Backend) Kill(ctx context.Context, name string) error {
	if out, err := b.runner.Run(ctx, "tmux", "kill-session", "-t", name); err != nil {
		return errors.Wrapf(err, "tmux kill-session: %s", out)
	}
	return nil
}

// Attach replaces the runner path with direct terminal I/O; it blocks until
// the operator detaches.
func (b *Backend) Attach(name string) error {
	cmd := exec.Command("tmux", "attach-session", "-t", name) // #nosec G204 -- session name comes from config
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, "tmux attach-session")
	}
	return nil
}

// ListWindows returns "index label" lines for the named session.
func (b *Backend) ListWindows(ctx context.Context, name string) ([]string, error) {
	out, err := b.runner.Run(ctx, "tmux", "list-windows", "-t", name, "-F", "#{window_index} #{window_name}")
	if err != nil {
		return nil, errors.Wrapf(err, "tmux list-windows: %s", out)
	}
	var windows []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			windows = append(windows, line)
		}
	}
	return windows, nil
}

// wrapCommand builds the shell line a window runs: optional env exports, the
// service command, then an interactive shell so the window survives exit.
func wrapCommand(w supervisor.Window) string {
	var sb strings.Builder
	for _, k := range sortedKeys(w.Env) {
		sb.WriteString("export ")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(shellQuote(w.Env[k]))
		sb.WriteString(" && ")
	}
	parts := make([]string, 0, len(w.Command))
	for _, arg := range w.Command {
		parts = append(parts, shellQuote(arg))
	}
	sb.WriteString(strings.Join(parts, " "))
	sb.WriteString("; exec ${SHELL:-/bin/sh}")
	return sb.String()
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$&|;<>(){}*?#~`!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
