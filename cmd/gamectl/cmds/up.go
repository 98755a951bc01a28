package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ttcn-0906/game-store-system/pkg/config"
	"github.com/ttcn-0906/game-store-system/pkg/envfile"
	"github.com/ttcn-0906/game-store-system/pkg/envprov"
	"github.com/ttcn-0906/game-store-system/pkg/events"
	"github.com/ttcn-0906/game-store-system/pkg/orchestrate"
	"github.com/ttcn-0906/game-store-system/pkg/readiness"
	"github.com/ttcn-0906/game-store-system/pkg/state"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor/procgroup"
)

func newUpCmd() *cobra.Command {
	var skipEnvCheck bool
	var skipProvision bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Provision the environment and launch all services in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}

			cfg, err := config.LoadOptional(opts.Config)
			if err != nil {
				return err
			}

			if !skipEnvCheck {
				envPath := cfg.EnvFile
				if !filepath.IsAbs(envPath) {
					envPath = filepath.Join(opts.RepoRoot, envPath)
				}
				if err := envfile.Check(envPath); err != nil {
					return err
				}
			}

			env := envprov.Env{}
			if !skipProvision {
				env = envprov.Env{
					Root:         absUnder(opts.RepoRoot, cfg.EnvRoot),
					Requirements: absUnder(opts.RepoRoot, cfg.Requirements),
				}
			}

			sup, err := buildSupervisor(opts)
			if err != nil {
				return err
			}

			bus := events.NewInMemoryBus()
			defer func() { _ = bus.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			// Subscriptions must exist before the first launch; the bus
			// drops events with no subscriber.
			if err := mirrorLifecycleEvents(ctx, bus); err != nil {
				return err
			}

			orch, err := orchestrate.New(orchestrate.Config{
				RepoRoot: opts.RepoRoot,
				Session:  cfg.Session,
				Services: cfg.Services,
				Env:      env,
				BaseEnv:  cfg.Env,
			}, envprov.New(nil), sup, readiness.New(), bus)
			if err != nil {
				return err
			}

			report, runErr := orch.Run(ctx)
			printReport(cmd, report)

			// Aborted runs keep already-launched windows around for
			// postmortem, so status/logs need the state either way.
			if err := saveRunState(opts, cfg, sup, report); err != nil {
				log.Warn().Err(err).Msg("could not record run state")
			}

			if runErr != nil {
				return runErr
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\nsession: %s\n", cfg.Session)
			if opts.Backend == backendTmux {
				fmt.Fprintf(cmd.OutOrStdout(), "attach:  tmux attach -t %s   (detach: C-b d)\n", cfg.Session)
				fmt.Fprintf(cmd.OutOrStdout(), "kill:    tmux kill-session -t %s   (or: gamectl down)\n", cfg.Session)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "inspect: gamectl status / gamectl logs <service>")
				fmt.Fprintln(cmd.OutOrStdout(), "kill:    gamectl down")
			}

			var failed []string
			for _, res := range report.Results {
				if res.Outcome == orchestrate.OutcomeFailed {
					failed = append(failed, res.Service)
				}
			}
			if len(failed) > 0 {
				return errors.Errorf("partial launch: %v failed, see report", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipEnvCheck, "skip-env-check", false, "Skip the .env required-keys precondition")
	cmd.Flags().BoolVar(&skipProvision, "skip-provision", false, "Skip venv provisioning and dependency sync")
	return cmd
}

func absUnder(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func printReport(cmd *cobra.Command, report *orchestrate.Report) {
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
}

// saveRunState records where every service landed so down/status/logs can
// find the session later.
func saveRunState(opts rootOptions, cfg *config.File, sup supervisor.Supervisor, report *orchestrate.Report) error {
	st := &state.State{
		RepoRoot:  opts.RepoRoot,
		Session:   cfg.Session,
		Backend:   opts.Backend,
		CreatedAt: time.Now(),
	}

	if pg, ok := sup.(*procgroup.Backend); ok {
		records, err := pg.Windows(cfg.Session)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				// Aborted before the session existed; nothing to record.
				return nil
			}
			return errors.Wrap(err, "collect window records")
		}
		for i := range records {
			if i < len(cfg.Services) {
				records[i].Service = cfg.Services[i].Name
			}
		}
		st.Windows = records
	} else {
		for _, res := range report.Results {
			if res.Outcome == orchestrate.OutcomeFailed {
				continue
			}
			svc := serviceByName(cfg, res.Service)
			st.Windows = append(st.Windows, state.WindowRecord{
				Service:   res.Service,
				Label:     svc.WindowLabel(),
				Index:     res.Window,
				Command:   svc.Command,
				Cwd:       svc.Cwd,
				StartedAt: report.StartedAt,
			})
		}
	}

	if len(st.Windows) == 0 {
		return nil
	}
	return state.Save(opts.RepoRoot, st)
}

func serviceByName(cfg *config.File, name string) config.Service {
	for _, svc := range cfg.Services {
		if svc.Name == name {
			return svc
		}
	}
	return config.Service{Name: name}
}

// mirrorLifecycleEvents subscribes to the run's lifecycle topics and echoes
// each event into the log. Subscriptions are taken synchronously so events
// published right after this returns are never lost.
func mirrorLifecycleEvents(ctx context.Context, bus *events.Bus) error {
	topics := []string{events.TopicServiceLaunched, events.TopicServiceReady, events.TopicServiceFailed}
	for _, topic := range topics {
		ch, err := bus.Subscribe(ctx, topic)
		if err != nil {
			return errors.Wrapf(err, "subscribe %s", topic)
		}
		go func(topic string, ch <-chan *message.Message) {
			for msg := range ch {
				ev, err := events.Decode(msg)
				if err != nil {
					continue
				}
				entry := log.Info()
				if ev.Error != "" {
					entry = log.Warn().Str("error", ev.Error)
				}
				entry.Str("topic", topic).Str("service", ev.Service).Int("window", ev.Window).Msg("lifecycle")
			}
		}(topic, ch)
	}
	return nil
}
