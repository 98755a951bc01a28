// Package procgroup is a supervisor backend that isolates each window in its
// own OS process group instead of a terminal multiplexer. Windows survive
// their command's exit as inspectable records: captured stdout/stderr logs
// plus exit info written by the wrapper re-exec.
package procgroup

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ttcn-0906/game-store-system/pkg/state"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor"
)

type Options struct {
	RepoRoot        string
	ShutdownTimeout time.Duration
	// WrapperExe re-execs this binary with __wrap-service to record exit
	// info. Empty means direct spawn (no exit info, logs only).
	WrapperExe string
}

type Backend struct {
	opts Options
}

var _ supervisor.Supervisor = (*Backend)(nil)

func New(opts Options) (*Backend, error) {
	if opts.RepoRoot == "" {
		return nil, errors.New("missing RepoRoot")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 3 * time.Second
	}
	return &Backend{opts: opts}, nil
}

// sessionRecord is what persists a session across gamectl invocations.
type sessionRecord struct {
	Name      string               `json:"name"`
	CreatedAt time.Time            `json:"created_at"`
	Windows   []state.WindowRecord `json:"windows"`
}

func (b *Backend) sessionPath(name string) string {
	return filepath.Join(b.opts.RepoRoot, state.StateDirName, "sessions", name+".json")
}

func (b *Backend) loadSession(name string) (*sessionRecord, error) {
	data, err := os.ReadFile(b.sessionPath(name))
	if err != nil {
		return nil, err
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "parse session json")
	}
	return &rec, nil
}

func (b *Backend) saveSession(rec *sessionRecord) error {
	path := b.sessionPath(rec.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir sessions dir")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write session")
}

func (b *Backend) Alive(_ context.Context, name string) (bool, error) {
	if _, err := os.Stat(b.sessionPath(name)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "stat session")
	}
	return true, nil
}

// Reset terminates every process group recorded under the named session and
// removes its record. A group that refuses to die is a hard failure.
func (b *Backend) Reset(ctx context.Context, name string) (supervisor.ResetOutcome, error) {
	rec, err := b.loadSession(name)
	if err != nil {
		if os.IsNotExist(err) {
			return supervisor.ResetNotFound, nil
		}
		return supervisor.ResetKillFailed, errors.Wrap(supervisor.ErrKillFailed, err.Error())
	}

	for _, w := range rec.Windows {
		if err := terminatePIDGroup(ctx, w.PID, b.opts.ShutdownTimeout); err != nil {
			return supervisor.ResetKillFailed, errors.Wrapf(supervisor.ErrKillFailed, "window %q pid %d: %s", w.Label, w.PID, err.Error())
		}
	}
	if err := os.Remove(b.sessionPath(name)); err != nil {
		return supervisor.ResetKillFailed, errors.Wrap(supervisor.ErrKillFailed, err.Error())
	}
	log.Info().Str("session", name).Int("windows", len(rec.Windows)).Msg("killed stale session")
	return supervisor.ResetKilled, nil
}

func (b *Backend) Create(ctx context.Context, name string, first supervisor.Window) (*supervisor.Session, error) {
	if alive, _ := b.Alive(ctx, name); alive {
		return nil, errors.Errorf("session %q already exists; reset it first", name)
	}

	rec := &sessionRecord{Name: name, CreatedAt: time.Now()}
	first.Index = 0
	wrec, err := b.spawn(name, first)
	if err != nil {
		return nil, err
	}
	rec.Windows = append(rec.Windows, wrec)
	if err := b.saveSession(rec); err != nil {
		_ = terminatePIDGroup(context.Background(), wrec.PID, b.opts.ShutdownTimeout)
		return nil, err
	}
	return &supervisor.Session{Name: name, Windows: []supervisor.Window{first}}, nil
}

func (b *Backend) AddWindow(ctx context.Context, session *supervisor.Session, w supervisor.Window) (supervisor.Window, error) {
	if session == nil {
		return supervisor.Window{}, errors.New("nil session")
	}
	rec, err := b.loadSession(session.Name)
	if err != nil {
		return supervisor.Window{}, errors.Wrap(err, "load session")
	}

	w.Index = len(rec.Windows)
	wrec, err := b.spawn(session.Name, w)
	if err != nil {
		return supervisor.Window{}, err
	}
	rec.Windows = append(rec.Windows, wrec)
	if err := b.saveSession(rec); err != nil {
		_ = terminatePIDGroup(context.Background(), wrec.PID, b.opts.ShutdownTimeout)
		return supervisor.Window{}, err
	}
	session.Windows = append(session.Windows, w)
	return w, nil
}

func (b *Backend) Kill(ctx context.Context, name string) error {
	outcome, err := b.Reset(ctx, name)
	if err != nil {
		return err
	}
	if outcome == supervisor.ResetNotFound {
		return errors.Errorf("no session %q", name)
	}
	return nil
}

// Windows returns the persisted window records for a session, for status and
// log inspection.
func (b *Backend) Windows(name string) ([]state.WindowRecord, error) {
	rec, err := b.loadSession(name)
	if err != nil {
		return nil, errors.Wrap(err, "load session")
	}
	return rec.Windows, nil
}

// spawn never ties the child to the launch context: a window's process group
// lives until Reset terminates it, not until the caller's context is done.
func (b *Backend) spawn(session string, w supervisor.Window) (state.WindowRecord, error) {
	if w.Label == "" {
		return state.WindowRecord{}, errors.New("window label is required")
	}
	if len(w.Command) == 0 {
		return state.WindowRecord{}, errors.Errorf("window %q missing command", w.Label)
	}

	cwd := b.opts.RepoRoot
	if w.Cwd != "" {
		if filepath.IsAbs(w.Cwd) {
			cwd = w.Cwd
		} else {
			cwd = filepath.Join(b.opts.RepoRoot, w.Cwd)
		}
	}

	logsDir := state.LogsDir(b.opts.RepoRoot)
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return state.WindowRecord{}, errors.Wrap(err, "mkdir logs dir")
	}

	ts := time.Now().Format("20060102-150405")
	stdoutPath := filepath.Join(logsDir, w.Label+"-"+ts+".stdout.log")
	stderrPath := filepath.Join(logsDir, w.Label+"-"+ts+".stderr.log")
	exitInfoPath := filepath.Join(logsDir, w.Label+"-"+ts+".exit.json")
	readyPath := filepath.Join(logsDir, w.Label+"-"+ts+".ready")

	if b.opts.WrapperExe == "" {
		return b.spawnDirect(w, cwd, stdoutPath, stderrPath)
	}
	return b.spawnWrapped(session, w, cwd, stdoutPath, stderrPath, exitInfoPath, readyPath)
}

func (b *Backend) spawnDirect(w supervisor.Window, cwd, stdoutPath, stderrPath string) (state.WindowRecord, error) {
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return state.WindowRecord{}, errors.Wrap(err, "open stdout log")
	}
	defer func() { _ = stdoutFile.Close() }()

	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return state.WindowRecord{}, errors.Wrap(err, "open stderr log")
	}
	defer func() { _ = stderrFile.Close() }()

	// #nosec G204 -- command comes from the run config.
	cmd := exec.Command(w.Command[0], w.Command[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), w.Env)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return state.WindowRecord{}, errors.Wrapf(err, "start window %q", w.Label)
	}

	pid := cmd.Process.Pid
	log.Info().Str("window", w.Label).Int("index", w.Index).Int("pid", pid).Msg("window started")
	go func() { _ = cmd.Wait() }()

	return state.WindowRecord{
		Service:   w.Label,
		Label:     w.Label,
		Index:     w.Index,
		PID:       pid,
		Command:   w.Command,
		Cwd:       cwd,
		Env:       state.SanitizeEnv(w.Env),
		StdoutLog: stdoutPath,
		StderrLog: stderrPath,
		StartedAt: time.Now(),
	}, nil
}

func (b *Backend) spawnWrapped(session string, w supervisor.Window, cwd, stdoutPath, stderrPath, exitInfoPath, readyPath string) (state.WindowRecord, error) {
	args := []string{
		"__wrap-service",
		"--session", session,
		"--service", w.Label,
		"--window", strconv.Itoa(w.Index),
		"--cwd", cwd,
		"--stdout-log", stdoutPath,
		"--stderr-log", stderrPath,
		"--exit-info", exitInfoPath,
		"--ready-file", readyPath,
	}
	for k, v := range w.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, "--")
	args = append(args, w.Command...)

	// #nosec G204 -- wrapper executable is this binary.
	cmd := exec.Command(b.opts.WrapperExe, args...)
	cmd.Dir = b.opts.RepoRoot
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return state.WindowRecord{}, errors.Wrap(err, "start wrapper")
	}

	pid := cmd.Process.Pid
	log.Info().Str("window", w.Label).Int("index", w.Index).Int("pid", pid).Msg("window started")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(readyPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			_ = terminatePIDGroup(context.Background(), pid, 1*time.Second)
			return state.WindowRecord{}, errors.New("wrapper did not report child start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	return state.WindowRecord{
		Service:   w.Label,
		Label:     w.Label,
		Index:     w.Index,
		PID:       pid,
		Command:   w.Command,
		Cwd:       cwd,
		Env:       state.SanitizeEnv(w.Env),
		StdoutLog: stdoutPath,
		StderrLog: stderrPath,
		ExitInfo:  exitInfoPath,
		StartedAt: time.Now(),
	}, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

func terminatePIDGroup(ctx context.Context, pid int, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	pgid, err := syscall.Getpgid(pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	deadline := time.Now().Add(timeout)
	for {
		if !state.ProcessAlive(pid) {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	killDeadline := time.Now().Add(2 * time.Second)
	for state.ProcessAlive(pid) && time.Now().Before(killDeadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if state.ProcessAlive(pid) {
		return errors.New("process group would not die")
	}
	return nil
}
