package cmds

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ttcn-0906/game-store-system/pkg/config"
	"github.com/ttcn-0906/game-store-system/pkg/state"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor"
)

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Attach to the running session (detach with C-b d)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}

			session := config.DefaultSessionName
			if st, err := state.Load(opts.RepoRoot); err == nil {
				session = st.Session
				opts.Backend = st.Backend
			} else if cfg, err := config.LoadOptional(opts.Config); err == nil {
				session = cfg.Session
			}

			sup, err := buildSupervisor(opts)
			if err != nil {
				return err
			}
			attacher, ok := sup.(supervisor.Attacher)
			if !ok {
				return errors.Errorf("backend %q has no interactive attach; use gamectl status / gamectl logs", opts.Backend)
			}
			return attacher.Attach(session)
		},
	}
}
