package orchestrate

import (
	"time"

	"github.com/ttcn-0906/game-store-system/pkg/supervisor"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEnvironmentReady
	PhaseSessionReset
	PhaseLaunching
	PhaseComplete
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseEnvironmentReady:
		return "environment-ready"
	case PhaseSessionReset:
		return "session-reset"
	case PhaseLaunching:
		return "launching"
	case PhaseComplete:
		return "complete"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type Outcome string

const (
	OutcomeLaunched Outcome = "launched"  // launched, settled on the fixed delay
	OutcomeReady    Outcome = "ready"     // launched and its probe passed
	OutcomeNotReady Outcome = "not-ready" // launched but probe budget exhausted
	OutcomeFailed   Outcome = "failed"    // launch itself failed
	OutcomeUnknown  Outcome = "unknown"
)

type ServiceResult struct {
	Service string  `json:"service"`
	Window  int     `json:"window"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// Report is the structured run summary, filled for Complete and Aborted runs
// alike so partial launches stay visible.
type Report struct {
	Session    string                  `json:"session"`
	Phase      Phase                   `json:"-"`
	PhaseName  string                  `json:"phase"`
	Reset      supervisor.ResetOutcome `json:"-"`
	Launching  int                     `json:"-"`
	Results    []ServiceResult         `json:"services"`
	Error      string                  `json:"error,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at,omitempty"`
}

// Result looks up the outcome for a service, OutcomeUnknown when the run
// never reached it.
func (r *Report) Result(service string) ServiceResult {
	for _, res := range r.Results {
		if res.Service == service {
			return res
		}
	}
	return ServiceResult{Service: service, Outcome: OutcomeUnknown}
}
