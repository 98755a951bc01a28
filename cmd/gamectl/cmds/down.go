package cmds

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ttcn-0906/game-store-system/pkg/config"
	"github.com/ttcn-0906/game-store-system/pkg/state"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor"
)

func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Kill the session and every service in it",
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

			outcome, err := sup.Reset(cmd.Context(), session)
			if err != nil {
				return err
			}
			if outcome == supervisor.ResetNotFound {
				log.Info().Str("session", session).Msg("no live session")
			}

			if err := state.Remove(opts.RepoRoot); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: %s\n", session, outcome)
			return nil
		},
	}
}
