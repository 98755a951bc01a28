package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOptional_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadOptional(DefaultPath(dir))
	require.NoError(t, err)
	require.Equal(t, DefaultSessionName, cfg.Session)
	require.Len(t, cfg.Services, 3)
	require.Equal(t, "database", cfg.Services[0].Name)
	require.Equal(t, "developer", cfg.Services[1].Name)
	require.Equal(t, "player", cfg.Services[2].Name)
	require.Equal(t, 2*time.Second, cfg.Services[0].SettleDelay)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFilename)
	require.NoError(t, os.WriteFile(path, []byte(`
session: staging
services:
  - name: database
    cwd: server
    command: ["python3", "db.py"]
    settle_delay: 500ms
    ready:
      type: tcp
      address: 127.0.0.1:5100
  - name: player
    command: ["python3", "player_server.py"]
    depends_on: database
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.Session)
	require.Len(t, cfg.Services, 2)
	require.Equal(t, 500*time.Millisecond, cfg.Services[0].SettleDelay)
	require.NotNil(t, cfg.Services[0].Ready)
	require.Equal(t, "tcp", cfg.Services[0].Ready.Type)
	require.Equal(t, "database", cfg.Services[1].DependsOn)
	require.Equal(t, "venv", cfg.EnvRoot)
}

func TestLoadFromFile_BadSettleDelay(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFilename)
	require.NoError(t, os.WriteFile(path, []byte(`
services:
  - name: database
    command: ["true"]
    settle_delay: soon
`), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "settle_delay")
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		cfg  File
		want string
	}{
		{
			name: "empty",
			cfg:  File{},
			want: "no services",
		},
		{
			name: "duplicate name",
			cfg: File{Services: []Service{
				{Name: "database", Command: []string{"true"}},
				{Name: "database", Command: []string{"true"}},
			}},
			want: "duplicate service name",
		},
		{
			name: "missing command",
			cfg: File{Services: []Service{
				{Name: "database"},
			}},
			want: "missing command",
		},
		{
			name: "forward dependency",
			cfg: File{Services: []Service{
				{Name: "player", Command: []string{"true"}, DependsOn: "database"},
				{Name: "database", Command: []string{"true"}},
			}},
			want: "not declared before",
		},
		{
			name: "tcp probe without address",
			cfg: File{Services: []Service{
				{Name: "database", Command: []string{"true"}, Ready: &Probe{Type: "tcp"}},
			}},
			want: "missing address",
		},
		{
			name: "unknown probe type",
			cfg: File{Services: []Service{
				{Name: "database", Command: []string{"true"}, Ready: &Probe{Type: "icmp"}},
			}},
			want: "unsupported probe type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWindowLabel(t *testing.T) {
	require.Equal(t, "database", Service{Name: "database"}.WindowLabel())
	require.Equal(t, "db", Service{Name: "database", Label: "db"}.WindowLabel())
}
