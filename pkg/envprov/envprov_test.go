package envprov

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type call struct {
	dir  string
	name string
	args []string
}

type fakeRunner struct {
	calls []call
	fail  map[string]error // command name -> error
}

func (f *fakeRunner) Run(_ context.Context, dir string, name string, args ...string) error {
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	if err, ok := f.fail[filepath.Base(name)]; ok {
		return err
	}
	return nil
}

func testEnv(t *testing.T) Env {
	t.Helper()
	root := t.TempDir()
	req := filepath.Join(root, "requirements.txt")
	require.NoError(t, os.WriteFile(req, []byte("python-dotenv\n"), 0o644))
	return Env{
		Root:         filepath.Join(root, "venv"),
		Requirements: req,
	}
}

func TestEnsure_CreatesRootWhenMissing(t *testing.T) {
	env := testEnv(t)
	r := &fakeRunner{}

	got, err := New(r).Ensure(context.Background(), env)
	require.NoError(t, err)
	require.True(t, got.Provisioned)
	require.Len(t, r.calls, 2)
	require.Equal(t, "python3", r.calls[0].name)
	require.Equal(t, []string{"-m", "venv", env.Root}, r.calls[0].args)
	require.Equal(t, filepath.Join(env.Root, "bin", "pip"), r.calls[1].name)
	require.Equal(t, []string{"install", "-r", env.Requirements}, r.calls[1].args)
}

func TestEnsure_ReusesExistingRootButResyncsManifest(t *testing.T) {
	env := testEnv(t)
	require.NoError(t, os.MkdirAll(env.BinDir(), 0o755))
	require.NoError(t, os.WriteFile(env.Marker(), nil, 0o755))

	r := &fakeRunner{}
	_, err := New(r).Ensure(context.Background(), env)
	require.NoError(t, err)

	// No venv creation, but the dependency sync still runs.
	require.Len(t, r.calls, 1)
	require.Equal(t, filepath.Join(env.Root, "bin", "pip"), r.calls[0].name)
}

func TestEnsure_CreateFailureIsProvisioningError(t *testing.T) {
	env := testEnv(t)
	r := &fakeRunner{fail: map[string]error{"python3": errors.New("exit status 1")}}

	_, err := New(r).Ensure(context.Background(), env)
	require.Error(t, err)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "create", perr.Step)
}

func TestEnsure_SyncFailureIsProvisioningError(t *testing.T) {
	env := testEnv(t)
	r := &fakeRunner{fail: map[string]error{"pip": errors.New("exit status 2")}}

	_, err := New(r).Ensure(context.Background(), env)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "sync", perr.Step)
}

func TestEnsure_MissingManifestFails(t *testing.T) {
	env := testEnv(t)
	env.Requirements = filepath.Join(t.TempDir(), "nope.txt")

	_, err := New(&fakeRunner{}).Ensure(context.Background(), env)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "manifest", perr.Step)
}

func TestActivation_PutsBinDirFirst(t *testing.T) {
	env := Env{Root: "/repo/venv"}
	act := env.Activation()
	require.Equal(t, "/repo/venv", act["VIRTUAL_ENV"])
	require.True(t, len(act["PATH"]) > 0)
	require.Equal(t, byte('/'), act["PATH"][0])
	require.Contains(t, act["PATH"], filepath.Join("/repo/venv", "bin"))
}
