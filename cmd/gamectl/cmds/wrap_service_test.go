package cmds

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ttcn-0906/game-store-system/pkg/state"
)

func TestClassifyExit(t *testing.T) {
	t.Run("clean exit", func(t *testing.T) {
		var info state.ExitInfo
		classifyExit(&info, nil)
		require.NotNil(t, info.ExitCode)
		require.Equal(t, 0, *info.ExitCode)
		require.Empty(t, info.Signal)
	})

	t.Run("non-zero exit code", func(t *testing.T) {
		err := exec.Command("bash", "-lc", "exit 3").Run()
		require.Error(t, err)

		var info state.ExitInfo
		classifyExit(&info, err)
		require.NotNil(t, info.ExitCode)
		require.Equal(t, 3, *info.ExitCode)
		require.Empty(t, info.Signal)
	})

	t.Run("killed by signal", func(t *testing.T) {
		err := exec.Command("bash", "-lc", "kill -TERM $$").Run()
		require.Error(t, err)

		var info state.ExitInfo
		classifyExit(&info, err)
		require.Equal(t, "terminated", info.Signal)
		require.Nil(t, info.ExitCode)
	})
}

func TestParseEnvPairs(t *testing.T) {
	got := parseEnvPairs([]string{"DB_PORT=5100", "EMPTY=", "=bad", "noequals"})
	require.Equal(t, map[string]string{"DB_PORT": "5100", "EMPTY": ""}, got)
}
