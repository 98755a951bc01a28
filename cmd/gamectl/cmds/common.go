package cmds

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ttcn-0906/game-store-system/pkg/config"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor/procgroup"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor/tmuxmux"
)

const (
	backendTmux      = "tmux"
	backendProcgroup = "procgroup"
)

type rootOptions struct {
	RepoRoot string
	Config   string
	Backend  string
	Timeout  time.Duration
}

func AddRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("repo-root", "", "Repository root (defaults to current directory)")
	root.PersistentFlags().String("config", "", "Path to config file (defaults to .gamectl.yaml under repo-root)")
	root.PersistentFlags().String("backend", backendTmux, "Process supervisor backend (tmux|procgroup)")
	root.PersistentFlags().Duration("timeout", 60*time.Second, "Overall timeout for provisioning and launches")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	repoRoot, err := cmd.Root().PersistentFlags().GetString("repo-root")
	if err != nil {
		return rootOptions{}, err
	}
	if repoRoot == "" {
		repoRoot, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	repoRoot, err = filepath.Abs(repoRoot)
	if err != nil {
		return rootOptions{}, err
	}

	cfgPath, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	if cfgPath == "" {
		cfgPath = config.DefaultPath(repoRoot)
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(repoRoot, cfgPath)
	}

	backend, err := cmd.Root().PersistentFlags().GetString("backend")
	if err != nil {
		return rootOptions{}, err
	}
	if backend != backendTmux && backend != backendProcgroup {
		return rootOptions{}, errors.Errorf("unknown backend %q", backend)
	}

	timeout, err := cmd.Root().PersistentFlags().GetDuration("timeout")
	if err != nil {
		return rootOptions{}, err
	}
	if timeout <= 0 {
		return rootOptions{}, errors.New("timeout must be > 0")
	}

	return rootOptions{
		RepoRoot: repoRoot,
		Config:   cfgPath,
		Backend:  backend,
		Timeout:  timeout,
	}, nil
}

func buildSupervisor(opts rootOptions) (supervisor.Supervisor, error) {
	switch opts.Backend {
	case backendProcgroup:
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "resolve wrapper executable")
		}
		return procgroup.New(procgroup.Options{RepoRoot: opts.RepoRoot, WrapperExe: exe})
	default:
		return tmuxmux.New(nil), nil
	}
}
