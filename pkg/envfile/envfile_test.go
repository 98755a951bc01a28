package envfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const fullEnv = `SERVER_HOST=127.0.0.1
PLAYER_PORT=5200
DEVELOPER_PORT=5300
DB_HOST=127.0.0.1
DB_PORT=5100
GAME_SERVER_PORT_BASE=5400
`

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCheck_AllKeysPresent(t *testing.T) {
	require.NoError(t, Check(writeEnv(t, fullEnv)))
}

func TestCheck_MissingKey(t *testing.T) {
	err := Check(writeEnv(t, "SERVER_HOST=127.0.0.1\nDB_HOST=127.0.0.1\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "DB_PORT")
	require.Contains(t, err.Error(), "GAME_SERVER_PORT_BASE")
	require.NotContains(t, err.Error(), "SERVER_HOST")
}

func TestCheck_EmptyValueCountsAsMissing(t *testing.T) {
	err := Check(writeEnv(t, fullEnv+"\nPLAYER_PORT=\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "PLAYER_PORT")
}

func TestCheck_MissingFile(t *testing.T) {
	err := Check(filepath.Join(t.TempDir(), ".env"))
	require.Error(t, err)
}
