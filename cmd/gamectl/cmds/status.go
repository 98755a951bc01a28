package cmds

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ttcn-0906/game-store-system/pkg/proc"
	"github.com/ttcn-0906/game-store-system/pkg/state"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor/tmuxmux"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	aliveStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	deadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

type windowStatus struct {
	Service  string          `json:"service"`
	Label    string          `json:"label"`
	Index    int             `json:"index"`
	PID      int             `json:"pid,omitempty"`
	Alive    bool            `json:"alive"`
	MemoryMB int64           `json:"memory_mb,omitempty"`
	Exit     *state.ExitInfo `json:"exit,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	var withStats bool
	var tailLines int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session and per-window status",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			st, err := state.Load(opts.RepoRoot)
			if err != nil {
				return errors.Wrap(err, "no recorded run (is anything up?)")
			}
			opts.Backend = st.Backend

			sessionAlive, statuses, err := collectStatuses(cmd, opts, st, withStats, tailLines)
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(map[string]any{
					"session": st.Session,
					"backend": st.Backend,
					"alive":   sessionAlive,
					"windows": statuses,
				}, "", "  ")
				if err != nil {
					return errors.Wrap(err, "marshal status")
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}

			renderStatus(cmd, st, sessionAlive, statuses)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	cmd.Flags().BoolVar(&withStats, "stats", false, "Include CPU/memory stats (procgroup backend)")
	cmd.Flags().IntVar(&tailLines, "tail-lines", 25, "How many stderr lines to include for dead windows")
	return cmd
}

func collectStatuses(cmd *cobra.Command, opts rootOptions, st *state.State, withStats bool, tailLines int) (bool, []windowStatus, error) {
	if st.Backend == backendTmux {
		backend := tmuxmux.New(nil)
		alive, err := backend.Alive(cmd.Context(), st.Session)
		if err != nil {
			return false, nil, err
		}
		live := map[string]bool{}
		if alive {
			windows, err := backend.ListWindows(cmd.Context(), st.Session)
			if err == nil {
				for _, w := range windows {
					if _, label, ok := strings.Cut(w, " "); ok {
						live[label] = true
					}
				}
			}
		}
		statuses := make([]windowStatus, 0, len(st.Windows))
		for _, w := range st.Windows {
			statuses = append(statuses, windowStatus{
				Service: w.Service,
				Label:   w.Label,
				Index:   w.Index,
				Alive:   live[w.Label],
			})
		}
		return alive, statuses, nil
	}

	statuses := make([]windowStatus, len(st.Windows))
	tracker := proc.NewCPUTracker()
	var mu sync.Mutex
	var g errgroup.Group
	for i, w := range st.Windows {
		g.Go(func() error {
			ws := windowStatus{Service: w.Service, Label: w.Label, Index: w.Index, PID: w.PID}
			ws.Alive = state.ProcessAlive(w.PID)
			if ws.Alive && withStats {
				mu.Lock()
				stats, err := proc.ReadStats(w.PID, tracker)
				mu.Unlock()
				if err == nil {
					ws.MemoryMB = stats.MemoryMB
				}
			}
			if !ws.Alive {
				ws.Exit = deadWindowExit(st.Session, w, tailLines)
			}
			statuses[i] = ws
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, nil, err
	}

	anyAlive := false
	for _, ws := range statuses {
		if ws.Alive {
			anyAlive = true
		}
	}
	return anyAlive, statuses, nil
}

func deadWindowExit(session string, w state.WindowRecord, tailLines int) *state.ExitInfo {
	if w.ExitInfo != "" {
		if _, err := os.Stat(w.ExitInfo); err == nil {
			if ei, err := state.ReadExitInfo(w.ExitInfo); err == nil {
				if tailLines > 0 && len(ei.StderrTail) > tailLines {
					ei.StderrTail = append([]string{}, ei.StderrTail[len(ei.StderrTail)-tailLines:]...)
				}
				return ei
			}
		}
	}
	if tailLines > 0 && w.StderrLog != "" {
		if lines, err := state.TailLines(w.StderrLog, tailLines, 2<<20); err == nil {
			return &state.ExitInfo{
				Session:    session,
				Service:    w.Service,
				Label:      w.Label,
				Window:     w.Index,
				PID:        w.PID,
				Error:      "exit info unavailable; stderr tail captured at status time",
				StderrTail: lines,
			}
		}
	}
	return nil
}

func renderStatus(cmd *cobra.Command, st *state.State, sessionAlive bool, statuses []windowStatus) {
	sessionState := deadStyle.Render("dead")
	if sessionAlive {
		sessionState = aliveStyle.Render("alive")
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s)\n\n",
		headerStyle.Render("session"), st.Session, st.Backend, sessionState)

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), headerStyle.Render(fmt.Sprintf("%-3s %-12s %-8s %s", "#", "service", "state", "detail")))
	for _, ws := range statuses {
		stateStr := deadStyle.Render("dead")
		if ws.Alive {
			stateStr = aliveStyle.Render("alive")
		}
		detail := ""
		if ws.PID > 0 {
			detail = fmt.Sprintf("pid %d", ws.PID)
		}
		if ws.MemoryMB > 0 {
			detail += fmt.Sprintf(" mem %dMB", ws.MemoryMB)
		}
		if ws.Exit != nil {
			detail += " " + ws.Exit.Summary()
			if up := ws.Exit.Uptime(); up > 0 {
				detail += fmt.Sprintf(" after %s", up.Round(time.Second))
			}
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-3d %-12s %-8s %s\n", ws.Index, ws.Service, stateStr, strings.TrimSpace(detail))
	}
}
