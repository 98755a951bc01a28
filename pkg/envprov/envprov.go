// Package envprov provisions the isolated Python environment the platform
// services run inside. The venv root is created once and reused across runs;
// the requirements manifest is re-applied on every run so manifest drift is
// picked up without recreating the environment.
package envprov

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Env describes the dependency environment under a repo root.
type Env struct {
	Root         string // venv directory (absolute)
	Requirements string // pip requirements manifest (absolute)
	Provisioned  bool   // set by Ensure once the environment is usable
}

// ProvisioningError marks a failed environment creation or dependency sync.
// Orchestration aborts before any service is launched when it sees one.
type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return "provisioning failed at " + e.Step + ": " + e.Err.Error()
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Runner executes a provisioning command. Injectable so tests never spawn a
// real python.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) error
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) error {
	// #nosec G204 -- provisioning commands are fixed, only paths vary.
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "%s: %s", name, string(out))
	}
	return nil
}

type Provisioner struct {
	runner Runner
}

func New(runner Runner) *Provisioner {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Provisioner{runner: runner}
}

// BinDir returns the directory holding the environment's resolved binaries.
func (e Env) BinDir() string {
	return filepath.Join(e.Root, "bin")
}

// Marker is the path whose existence means the root has been created.
func (e Env) Marker() string {
	return filepath.Join(e.BinDir(), "python")
}

// Activation returns the env vars that put the environment's binaries first
// on PATH for a launched service.
func (e Env) Activation() map[string]string {
	return map[string]string{
		"VIRTUAL_ENV": e.Root,
		"PATH":        e.BinDir() + string(os.PathListSeparator) + os.Getenv("PATH"),
	}
}

// Ensure creates the venv root if its marker is missing and then always syncs
// the requirements manifest. Root creation is skip-on-exists; the dependency
// sync is not.
func (p *Provisioner) Ensure(ctx context.Context, env Env) (Env, error) {
	if env.Root == "" {
		return env, &ProvisioningError{Step: "validate", Err: errors.New("missing env root")}
	}

	if _, err := os.Stat(env.Marker()); err != nil {
		if !os.IsNotExist(err) {
			return env, &ProvisioningError{Step: "stat", Err: err}
		}
		log.Info().Str("root", env.Root).Msg("creating dependency environment")
		if err := p.runner.Run(ctx, filepath.Dir(env.Root), "python3", "-m", "venv", env.Root); err != nil {
			return env, &ProvisioningError{Step: "create", Err: err}
		}
	} else {
		log.Debug().Str("root", env.Root).Msg("dependency environment already provisioned")
	}

	if env.Requirements != "" {
		if _, err := os.Stat(env.Requirements); err != nil {
			return env, &ProvisioningError{Step: "manifest", Err: errors.Wrap(err, "stat requirements")}
		}
		pip := filepath.Join(env.BinDir(), "pip")
		log.Info().Str("manifest", env.Requirements).Msg("syncing dependencies")
		if err := p.runner.Run(ctx, filepath.Dir(env.Requirements), pip, "install", "-r", env.Requirements); err != nil {
			return env, &ProvisioningError{Step: "sync", Err: err}
		}
	}

	env.Provisioned = true
	return env, nil
}
