package orchestrate

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ttcn-0906/game-store-system/pkg/config"
	"github.com/ttcn-0906/game-store-system/pkg/envprov"
	"github.com/ttcn-0906/game-store-system/pkg/events"
	"github.com/ttcn-0906/game-store-system/pkg/readiness"
	"github.com/ttcn-0906/game-store-system/pkg/supervisor"
)

// fakeSupervisor keeps sessions in memory and records the call order.
type fakeSupervisor struct {
	sessions        map[string]*supervisor.Session
	calls           []string
	resetErr        error
	createErr       error
	addWindowErrFor string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{sessions: map[string]*supervisor.Session{}}
}

func (f *fakeSupervisor) Reset(_ context.Context, name string) (supervisor.ResetOutcome, error) {
	f.calls = append(f.calls, "reset:"+name)
	if f.resetErr != nil {
		return supervisor.ResetKillFailed, f.resetErr
	}
	if _, ok := f.sessions[name]; ok {
		delete(f.sessions, name)
		return supervisor.ResetKilled, nil
	}
	return supervisor.ResetNotFound, nil
}

func (f *fakeSupervisor) Create(_ context.Context, name string, first supervisor.Window) (*supervisor.Session, error) {
	f.calls = append(f.calls, "create:"+first.Label)
	if f.createErr != nil {
		return nil, f.createErr
	}
	first.Index = 0
	s := &supervisor.Session{Name: name, Windows: []supervisor.Window{first}}
	f.sessions[name] = s
	return s, nil
}

func (f *fakeSupervisor) AddWindow(_ context.Context, session *supervisor.Session, w supervisor.Window) (supervisor.Window, error) {
	f.calls = append(f.calls, "add:"+w.Label)
	if f.addWindowErrFor == w.Label {
		return supervisor.Window{}, errors.Errorf("window %q refused", w.Label)
	}
	w.Index = len(session.Windows)
	session.Windows = append(session.Windows, w)
	return w, nil
}

func (f *fakeSupervisor) Alive(_ context.Context, name string) (bool, error) {
	_, ok := f.sessions[name]
	return ok, nil
}

func (f *fakeSupervisor) Kill(_ context.Context, name string) error {
	delete(f.sessions, name)
	return nil
}

type fakeProvisioner struct {
	err   error
	calls int
}

func (f *fakeProvisioner) Ensure(_ context.Context, env envprov.Env) (envprov.Env, error) {
	f.calls++
	if f.err != nil {
		return env, f.err
	}
	env.Provisioned = true
	return env, nil
}

// instantGate records waits without sleeping.
type instantGate struct {
	waited []string
	errFor string
}

func (g *instantGate) Wait(_ context.Context, svc config.Service) error {
	g.waited = append(g.waited, svc.Name)
	if g.errFor == svc.Name {
		return &readiness.DependencyNotReadyError{Service: svc.Name, Err: errors.New("probe exhausted")}
	}
	return nil
}

func platformServices() []config.Service {
	return []config.Service{
		{Name: "database", Cwd: "server", Command: []string{"python3", "db.py"}, SettleDelay: 2 * time.Second},
		{Name: "developer", Cwd: "server", Command: []string{"python3", "developer_server.py"}, DependsOn: "database", SettleDelay: time.Second},
		{Name: "player", Cwd: "server", Command: []string{"python3", "player_server.py"}, DependsOn: "database"},
	}
}

func testConfig() Config {
	return Config{
		RepoRoot: "/repo",
		Session:  "game_system",
		Services: platformServices(),
		Env:      envprov.Env{Root: "/repo/venv"},
	}
}

func TestRun_LaunchOrderAndWindowIndices(t *testing.T) {
	sup := newFakeSupervisor()
	gate := &instantGate{}
	o, err := New(testConfig(), &fakeProvisioner{}, sup, gate, nil)
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseComplete, report.Phase)

	// Reset happens before any launch; window 0 is always the database.
	require.Equal(t, []string{"reset:game_system", "create:database", "add:developer", "add:player"}, sup.calls)
	require.Equal(t, []string{"database", "developer", "player"}, gate.waited)

	sess := sup.sessions["game_system"]
	require.Len(t, sess.Windows, 3)
	for i, label := range []string{"database", "developer", "player"} {
		require.Equal(t, i, sess.Windows[i].Index)
		require.Equal(t, label, sess.Windows[i].Label)
	}

	for _, svc := range []string{"database", "developer", "player"} {
		require.Equal(t, OutcomeLaunched, report.Result(svc).Outcome)
	}
}

func TestRun_ProvisioningErrorAbortsBeforeAnySession(t *testing.T) {
	sup := newFakeSupervisor()
	prov := &fakeProvisioner{err: &envprov.ProvisioningError{Step: "sync", Err: errors.New("pip failed")}}
	o, err := New(testConfig(), prov, sup, &instantGate{}, nil)
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.Error(t, err)
	var perr *envprov.ProvisioningError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, PhaseAborted, report.Phase)
	require.Empty(t, sup.calls)
}

func TestRun_KillFailedResetAborts(t *testing.T) {
	sup := newFakeSupervisor()
	sup.resetErr = supervisor.ErrKillFailed
	o, err := New(testConfig(), &fakeProvisioner{}, sup, &instantGate{}, nil)
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.ErrorIs(t, err, supervisor.ErrKillFailed)
	require.Equal(t, PhaseAborted, report.Phase)
	require.Equal(t, []string{"reset:game_system"}, sup.calls)
}

func TestRun_SessionCreateFailureAborts(t *testing.T) {
	sup := newFakeSupervisor()
	sup.createErr = errors.New("tmux not installed")
	o, err := New(testConfig(), &fakeProvisioner{}, sup, &instantGate{}, nil)
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, PhaseAborted, report.Phase)
	require.Equal(t, OutcomeFailed, report.Result("database").Outcome)
	require.Equal(t, OutcomeUnknown, report.Result("developer").Outcome)
}

func TestRun_WindowFailureIsRecordedAndRunContinues(t *testing.T) {
	sup := newFakeSupervisor()
	sup.addWindowErrFor = "developer"
	o, err := New(testConfig(), &fakeProvisioner{}, sup, &instantGate{}, nil)
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseComplete, report.Phase)
	require.Equal(t, OutcomeFailed, report.Result("developer").Outcome)
	require.Equal(t, OutcomeLaunched, report.Result("player").Outcome)
}

func TestRun_DependencyNotReadyAbortsRemainingLaunches(t *testing.T) {
	cfg := testConfig()
	cfg.Services[0].Ready = &config.Probe{Type: "tcp", Address: "127.0.0.1:5100"}
	sup := newFakeSupervisor()
	o, err := New(cfg, &fakeProvisioner{}, sup, &instantGate{errFor: "database"}, nil)
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.Error(t, err)
	var nrErr *readiness.DependencyNotReadyError
	require.ErrorAs(t, err, &nrErr)
	require.Equal(t, PhaseAborted, report.Phase)
	require.Equal(t, OutcomeNotReady, report.Result("database").Outcome)
	require.Equal(t, OutcomeUnknown, report.Result("developer").Outcome)
	require.NotContains(t, sup.calls, "add:developer")
}

func TestRun_IdempotentRestart(t *testing.T) {
	sup := newFakeSupervisor()
	cfg := testConfig()

	for i := 0; i < 2; i++ {
		o, err := New(cfg, &fakeProvisioner{}, sup, &instantGate{}, nil)
		require.NoError(t, err)
		_, err = o.Run(context.Background())
		require.NoError(t, err)
	}

	// Exactly one live session with the configured name afterwards.
	require.Len(t, sup.sessions, 1)
	require.Len(t, sup.sessions["game_system"].Windows, 3)
}

func TestRun_EnvironmentReusedAcrossRuns(t *testing.T) {
	prov := &fakeProvisioner{}
	sup := newFakeSupervisor()
	cfg := testConfig()

	for i := 0; i < 2; i++ {
		o, err := New(cfg, prov, sup, &instantGate{}, nil)
		require.NoError(t, err)
		_, err = o.Run(context.Background())
		require.NoError(t, err)
	}
	// Ensure runs every time; skip-on-exists lives inside the provisioner.
	require.Equal(t, 2, prov.calls)
}

func TestRun_SettleDelaysHonored(t *testing.T) {
	sup := newFakeSupervisor()
	cfg := testConfig()
	cfg.Env = envprov.Env{}
	o, err := New(cfg, nil, sup, readiness.New(), nil)
	require.NoError(t, err)

	start := time.Now()
	report, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseComplete, report.Phase)
	// db 2s + developer 1s + player 0s.
	require.GreaterOrEqual(t, time.Since(start), 3*time.Second)
}

func TestRun_ActivationEnvReachesWindows(t *testing.T) {
	sup := newFakeSupervisor()
	cfg := testConfig()
	cfg.BaseEnv = map[string]string{"GAME_ENV": "dev"}
	o, err := New(cfg, &fakeProvisioner{}, sup, &instantGate{}, nil)
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.NoError(t, err)

	w := sup.sessions["game_system"].Windows[0]
	require.Equal(t, "/repo/venv", w.Env["VIRTUAL_ENV"])
	require.Contains(t, w.Env["PATH"], "/repo/venv/bin")
	require.Equal(t, "dev", w.Env["GAME_ENV"])
	require.Equal(t, "/repo/server", w.Cwd)
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	bus := events.NewInMemoryBus()
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	launched, err := bus.Subscribe(ctx, events.TopicServiceLaunched)
	require.NoError(t, err)
	completed, err := bus.Subscribe(ctx, events.TopicRunCompleted)
	require.NoError(t, err)

	o, err := New(testConfig(), &fakeProvisioner{}, newFakeSupervisor(), &instantGate{}, bus)
	require.NoError(t, err)
	_, err = o.Run(ctx)
	require.NoError(t, err)

	var services []string
	for i := 0; i < 3; i++ {
		select {
		case msg := <-launched:
			ev, err := events.Decode(msg)
			require.NoError(t, err)
			services = append(services, ev.Service)
		case <-ctx.Done():
			t.Fatal("missing launch event")
		}
	}
	require.Equal(t, []string{"database", "developer", "player"}, services)

	select {
	case msg := <-completed:
		_, err := events.Decode(msg)
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("missing completion event")
	}
}
