package cmds

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ttcn-0906/game-store-system/pkg/state"
)

func newLogsCmd() *cobra.Command {
	var tailLines int
	var since string
	var stream string

	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Show captured output for a service (procgroup backend)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			st, err := state.Load(opts.RepoRoot)
			if err != nil {
				return errors.Wrap(err, "no recorded run")
			}
			if st.Backend == backendTmux {
				return errors.Errorf("the tmux backend keeps output in its windows; use: tmux attach -t %s", st.Session)
			}

			rec, ok := st.Record(args[0])
			if !ok {
				return errors.Errorf("no window for service %q", args[0])
			}

			path := rec.StdoutLog
			if stream == "stderr" {
				path = rec.StderrLog
			}
			if path == "" {
				return errors.Errorf("no %s log recorded for %q", stream, args[0])
			}

			lines, err := state.TailLines(path, tailLines, 8<<20)
			if err != nil {
				return err
			}

			if since != "" {
				cutoff, err := dateparse.ParseLocal(since)
				if err != nil {
					return errors.Wrapf(err, "parse --since %q", since)
				}
				lines = filterSince(lines, cutoff)
			}

			for _, line := range lines {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tailLines, "tail-lines", 100, "How many lines to show")
	cmd.Flags().StringVar(&since, "since", "", "Only lines with a leading timestamp at or after this time")
	cmd.Flags().StringVar(&stream, "stream", "stdout", "Which stream to show (stdout|stderr)")
	return cmd
}

// filterSince keeps lines whose leading token parses as a timestamp at or
// after the cutoff. Lines without a parseable timestamp inherit the decision
// of the previous timestamped line, so wrapped tracebacks stay attached.
func filterSince(lines []string, cutoff time.Time) []string {
	var out []string
	keeping := false
	for _, line := range lines {
		if ts, ok := leadingTimestamp(line); ok {
			keeping = !ts.Before(cutoff)
		}
		if keeping {
			out = append(out, line)
		}
	}
	return out
}

func leadingTimestamp(line string) (time.Time, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return time.Time{}, false
	}
	candidate := fields[0]
	if len(fields) >= 2 {
		// Try "date time" pairs first.
		if ts, err := dateparse.ParseLocal(candidate + " " + fields[1]); err == nil {
			return ts, true
		}
	}
	ts, err := dateparse.ParseLocal(candidate)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
