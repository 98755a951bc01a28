package cmds

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ttcn-0906/game-store-system/pkg/state"
)

// wrapOptions is everything the procgroup backend hands the re-exec'd
// wrapper about the window it is about to become.
type wrapOptions struct {
	session   string
	service   string
	window    int
	cwd       string
	stdoutLog string
	stderrLog string
	exitInfo  string
	readyFile string
	env       []string
	tailLines int
}

func (o wrapOptions) validate() error {
	switch {
	case o.service == "":
		return errors.New("missing --service")
	case o.cwd == "":
		return errors.New("missing --cwd")
	case o.stdoutLog == "" || o.stderrLog == "":
		return errors.New("missing --stdout-log or --stderr-log")
	case o.exitInfo == "":
		return errors.New("missing --exit-info")
	}
	return nil
}

func (o wrapOptions) openLogs() (stdout, stderr *os.File, err error) {
	for _, p := range []string{o.stdoutLog, o.stderrLog, o.exitInfo} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "mkdir log dir")
		}
	}
	if stdout, err = os.OpenFile(o.stdoutLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		return nil, nil, errors.Wrap(err, "open stdout log")
	}
	if stderr, err = os.OpenFile(o.stderrLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		_ = stdout.Close()
		return nil, nil, errors.Wrap(err, "open stderr log")
	}
	return stdout, stderr, nil
}

func newWrapServiceCmd() *cobra.Command {
	var opts wrapOptions

	cmd := &cobra.Command{
		Use:    "__wrap-service -- [cmd args...]",
		Short:  "Internal: window wrapper that records exit info",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The wrapper owns the window's log files; nothing may leak to
			// the inherited stdio.
			zerolog.SetGlobalLevel(zerolog.Disabled)
			log.Logger = zerolog.New(io.Discard)
			return runWrappedService(opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.session, "session", "", "Session the window belongs to")
	cmd.Flags().StringVar(&opts.service, "service", "", "Service name")
	cmd.Flags().IntVar(&opts.window, "window", 0, "Window index within the session")
	cmd.Flags().StringVar(&opts.cwd, "cwd", "", "Working directory")
	cmd.Flags().StringVar(&opts.stdoutLog, "stdout-log", "", "Stdout log path")
	cmd.Flags().StringVar(&opts.stderrLog, "stderr-log", "", "Stderr log path")
	cmd.Flags().StringVar(&opts.exitInfo, "exit-info", "", "Exit info JSON path")
	cmd.Flags().StringVar(&opts.readyFile, "ready-file", "", "Write child PID to this file once started")
	cmd.Flags().StringSliceVar(&opts.env, "env", nil, "Extra env (KEY=VAL), repeatable")
	cmd.Flags().IntVar(&opts.tailLines, "tail-lines", 25, "How many stderr lines to record on exit")
	return cmd
}

// runWrappedService is the body of a procgroup window: it becomes a process
// group leader, runs the service command inside that group with its output
// captured, forwards signals to the group, and leaves an ExitInfo record
// behind when the command ends.
func runWrappedService(opts wrapOptions, argv []string) error {
	if err := opts.validate(); err != nil {
		return err
	}
	stdoutFile, stderrFile, err := opts.openLogs()
	if err != nil {
		return err
	}
	defer func() { _ = stdoutFile.Close() }()
	defer func() { _ = stderrFile.Close() }()

	info := state.ExitInfo{
		Session:   opts.session,
		Service:   opts.service,
		Window:    opts.window,
		StartedAt: time.Now(),
	}

	if err := syscall.Setpgid(0, 0); err != nil {
		return errors.Wrap(err, "setpgid")
	}
	pgid := os.Getpid()

	child := exec.Command(argv[0], argv[1:]...) //nolint:gosec
	child.Dir = opts.cwd
	child.Env = mergeEnv(os.Environ(), parseEnvPairs(opts.env))
	child.Stdout = stdoutFile
	child.Stderr = stderrFile
	child.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for s := range sigCh {
			_ = syscall.Kill(-pgid, s.(syscall.Signal))
		}
	}()

	if err := child.Start(); err != nil {
		info.ExitedAt = time.Now()
		info.Error = errors.Wrap(err, "start").Error()
		_ = info.Write(opts.exitInfo)
		return errors.Wrap(err, "start child")
	}
	info.PID = child.Process.Pid

	if opts.readyFile != "" {
		_ = os.MkdirAll(filepath.Dir(opts.readyFile), 0o755)
		_ = os.WriteFile(opts.readyFile, fmt.Appendf(nil, "%d\n", child.Process.Pid), 0o644)
	}

	waitErr := child.Wait()
	info.ExitedAt = time.Now()
	classifyExit(&info, waitErr)

	_ = stdoutFile.Sync()
	_ = stderrFile.Sync()

	tail := opts.tailLines
	if tail <= 0 {
		tail = 25
	}
	if lines, err := state.TailLines(opts.stderrLog, tail, 2<<20); err == nil {
		info.StderrTail = lines
	}

	_ = info.Write(opts.exitInfo)

	if info.ExitCode != nil && *info.ExitCode != 0 {
		return errors.Errorf("service %s exited with code %d", opts.service, *info.ExitCode)
	}
	if info.Signal != "" {
		return errors.Errorf("service %s killed by signal %s", opts.service, info.Signal)
	}
	return nil
}

// classifyExit fills the exit code or signal fields from the child's wait
// result.
func classifyExit(info *state.ExitInfo, waitErr error) {
	if waitErr == nil {
		code := 0
		info.ExitCode = &code
		return
	}
	info.Error = waitErr.Error()
	var ee *exec.ExitError
	if !stderrors.As(waitErr, &ee) {
		return
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	if !ok {
		return
	}
	if ws.Signaled() {
		info.Signal = ws.Signal().String()
	}
	if ws.Exited() {
		code := ws.ExitStatus()
		info.ExitCode = &code
	}
}

func parseEnvPairs(pairs []string) map[string]string {
	out := map[string]string{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
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
