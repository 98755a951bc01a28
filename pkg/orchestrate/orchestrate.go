// Package orchestrate sequences a run: provision the dependency environment,
// reset the named session, then launch each service into its own window in
// declared order with a readiness gate between dependent stages.
package orchestrate

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ttcn-0906/game-store-system/pkg/config"
	"github.com/ttcn-0906/game-store-system/pkg/envprov"
	"github.com/ttcn-0906/game-store-system/pkg/events"
	"github.com/ttcn-0906/game-store-system/pkg/readiness"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor"
)

// Config parameterizes one run. There is no process-wide session name;
// independent orchestrations (tests, parallel deployments) get independent
// Config values.
type Config struct {
	RepoRoot string
	Session  string
	Services []config.Service
	Env      envprov.Env       // zero Root disables provisioning
	BaseEnv  map[string]string // applied to every service under the activation env
}

// EnvProvisioner is the provisioning capability; envprov.Provisioner is the
// real one.
type EnvProvisioner interface {
	Ensure(ctx context.Context, env envprov.Env) (envprov.Env, error)
}

// Gate is the readiness capability between dependent launches.
type Gate interface {
	Wait(ctx context.Context, svc config.Service) error
}

type Orchestrator struct {
	cfg  Config
	prov EnvProvisioner
	sup  supervisor.Supervisor
	gate Gate
	bus  *events.Bus // optional
}

func New(cfg Config, prov EnvProvisioner, sup supervisor.Supervisor, gate Gate, bus *events.Bus) (*Orchestrator, error) {
	if cfg.Session == "" {
		return nil, errors.New("missing session name")
	}
	if len(cfg.Services) == 0 {
		return nil, errors.New("no services to launch")
	}
	if sup == nil {
		return nil, errors.New("missing supervisor")
	}
	if gate == nil {
		gate = readiness.New()
	}
	return &Orchestrator{cfg: cfg, prov: prov, sup: sup, gate: gate, bus: bus}, nil
}

// Run drives the state machine to Complete or Aborted. The returned Report is
// non-nil in both cases; err is non-nil only when the run aborted.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{Session: o.cfg.Session, Phase: PhaseIdle, StartedAt: time.Now()}

	if o.prov != nil && o.cfg.Env.Root != "" {
		env, err := o.prov.Ensure(ctx, o.cfg.Env)
		if err != nil {
			return o.abort(report, errors.Wrap(err, "provision environment"))
		}
		o.cfg.Env = env
	}
	report.Phase = PhaseEnvironmentReady

	outcome, err := o.sup.Reset(ctx, o.cfg.Session)
	if err != nil {
		return o.abort(report, errors.Wrapf(err, "reset session %q", o.cfg.Session))
	}
	report.Reset = outcome
	report.Phase = PhaseSessionReset
	log.Info().Str("session", o.cfg.Session).Stringer("prior", outcome).Msg("session reset")

	var session *supervisor.Session
	for i, svc := range o.cfg.Services {
		report.Phase = PhaseLaunching
		report.Launching = i

		w := o.window(i, svc)
		var launchErr error
		if i == 0 {
			session, launchErr = o.sup.Create(ctx, o.cfg.Session, w)
		} else {
			_, launchErr = o.sup.AddWindow(ctx, session, w)
		}

		if launchErr != nil {
			o.publish(events.TopicServiceFailed, svc.Name, i, launchErr)
			if i == 0 {
				// Nothing to launch the rest into.
				report.Results = append(report.Results, ServiceResult{Service: svc.Name, Window: i, Outcome: OutcomeFailed, Error: launchErr.Error()})
				return o.abort(report, errors.Wrapf(launchErr, "create session %q", o.cfg.Session))
			}
			// The window failed but the session is up; record it and keep
			// going so the operator sees every failure at once.
			report.Results = append(report.Results, ServiceResult{Service: svc.Name, Window: i, Outcome: OutcomeFailed, Error: launchErr.Error()})
			continue
		}
		o.publish(events.TopicServiceLaunched, svc.Name, i, nil)

		if err := o.gate.Wait(ctx, svc); err != nil {
			o.publish(events.TopicServiceFailed, svc.Name, i, err)
			report.Results = append(report.Results, ServiceResult{Service: svc.Name, Window: i, Outcome: OutcomeNotReady, Error: err.Error()})
			return o.abort(report, errors.Wrapf(err, "service %q never became ready", svc.Name))
		}

		outcome := OutcomeLaunched
		if svc.Ready != nil {
			outcome = OutcomeReady
			o.publish(events.TopicServiceReady, svc.Name, i, nil)
		}
		report.Results = append(report.Results, ServiceResult{Service: svc.Name, Window: i, Outcome: outcome})
	}

	report.Phase = PhaseComplete
	report.PhaseName = report.Phase.String()
	report.FinishedAt = time.Now()
	o.publish(events.TopicRunCompleted, "", 0, nil)
	log.Info().Str("session", o.cfg.Session).Int("services", len(report.Results)).Msg("orchestration complete")
	return report, nil
}

// window builds the execution context for service i: per-service working
// directory plus the environment activation layered under the run-wide and
// per-service env.
func (o *Orchestrator) window(i int, svc config.Service) supervisor.Window {
	env := map[string]string{}
	if o.cfg.Env.Provisioned {
		for k, v := range o.cfg.Env.Activation() {
			env[k] = v
		}
	}
	for k, v := range o.cfg.BaseEnv {
		env[k] = v
	}
	for k, v := range svc.Env {
		env[k] = v
	}
	cwd := svc.Cwd
	if cwd != "" && !filepath.IsAbs(cwd) && o.cfg.RepoRoot != "" {
		cwd = filepath.Join(o.cfg.RepoRoot, cwd)
	}
	return supervisor.Window{
		Index:   i,
		Label:   svc.WindowLabel(),
		Cwd:     cwd,
		Command: svc.Command,
		Env:     env,
	}
}

func (o *Orchestrator) abort(report *Report, err error) (*Report, error) {
	report.Phase = PhaseAborted
	report.PhaseName = report.Phase.String()
	report.Error = err.Error()
	report.FinishedAt = time.Now()
	o.publish(events.TopicRunAborted, "", 0, err)
	log.Error().Err(err).Str("session", o.cfg.Session).Msg("orchestration aborted")
	return report, err
}

func (o *Orchestrator) publish(topic, service string, window int, err error) {
	if o.bus == nil {
		return
	}
	ev := events.Event{Session: o.cfg.Session, Service: service, Window: window}
	if err != nil {
		ev.Error = err.Error()
	}
	if perr := o.bus.Publish(topic, ev); perr != nil {
		log.Warn().Err(perr).Str("topic", topic).Msg("event publish failed")
	}
}
