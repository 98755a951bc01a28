// Package envfile checks the shared dotenv file the platform services read
// for their network configuration. The orchestrator never consumes these
// values itself; it only guarantees that every launched service can load
// them.
package envfile

import (
	"sort"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// RequiredKeys are the network parameters every run must provide.
var RequiredKeys = []string{
	"SERVER_HOST",
	"PLAYER_PORT",
	"DEVELOPER_PORT",
	"DB_HOST",
	"DB_PORT",
	"GAME_SERVER_PORT_BASE",
}

// Check parses the dotenv file at path and reports keys from RequiredKeys
// that are missing or empty. A parse failure or missing file is an error;
// values are not validated beyond presence.
func Check(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		return errors.Wrapf(err, "read env file %s", path)
	}

	var missing []string
	for _, key := range RequiredKeys {
		if values[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Errorf("env file %s missing required keys: %v", path, missing)
	}
	return nil
}
