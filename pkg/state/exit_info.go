package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// ExitInfo records how a window's service process ended. The wrapper writes
// one when its child exits; status joins it back to the session's window so a
// dead service stays explainable without attaching anywhere.
type ExitInfo struct {
	Session string `json:"session,omitempty"`
	Service string `json:"service"`
	Label   string `json:"label,omitempty"`
	Window  int    `json:"window"`
	PID     int    `json:"pid,omitempty"`

	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Error    string `json:"error,omitempty"`

	StderrTail []string `json:"stderr_tail,omitempty"`
}

// Summary renders a short operator-facing description of the exit.
func (e *ExitInfo) Summary() string {
	switch {
	case e.Signal != "":
		return "signal " + e.Signal
	case e.ExitCode != nil:
		return fmt.Sprintf("exit %d", *e.ExitCode)
	case e.Error != "":
		return e.Error
	default:
		return "exited"
	}
}

// Uptime is how long the service ran before it exited.
func (e *ExitInfo) Uptime() time.Duration {
	if e.StartedAt.IsZero() || e.ExitedAt.Before(e.StartedAt) {
		return 0
	}
	return e.ExitedAt.Sub(e.StartedAt)
}

// Write persists the record as JSON, creating the parent directory.
func (e *ExitInfo) Write(path string) error {
	if path == "" {
		return errors.New("missing path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir exit info dir")
	}
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal exit info")
	}
	return errors.Wrap(os.WriteFile(path, b, 0o644), "write exit info")
}

func ReadExitInfo(path string) (*ExitInfo, error) {
	if path == "" {
		return nil, errors.New("missing path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read exit info")
	}
	var info ExitInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, errors.Wrap(err, "parse exit info json")
	}
	return &info, nil
}
