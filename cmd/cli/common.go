package cli

// cmd/cli/common.go – shared bootstrap for CLI verbs. Each command runs an
// ephemeral in-process node against the configured datastore, does its work
// and tears down.

import (
	"time"

	badger "github.com/ipfs/go-ds-badger"
	"github.com/joho/godotenv"
	logrus "github.com/sirupsen/logrus"

	"gridfabric-network/core"
	"gridfabric-network/pkg/config"
	"gridfabric-network/pkg/utils"
)

var cliLog = logrus.New()

// withServices loads configuration, wires the stack, runs fn and stops.
func withServices(fn func(svcs *core.Services) error) error {
	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	cliLog.SetLevel(logrus.WarnLevel)

	dbPath := utils.EnvOrDefault("GRID_CLI_DB", cfg.Storage.DBPath)
	backend, err := badger.NewDatastore(dbPath, nil)
	if err != nil {
		return utils.Wrap(err, "open datastore")
	}
	defer backend.Close()

	svcs, err := core.NewServices(cfg, backend, dbPath+"-identity", nil, cliLog)
	if err != nil {
		return err
	}
	defer svcs.Stop(5 * time.Second)

	// Give the gossip mesh a moment to form before publishing.
	time.Sleep(time.Second)
	return fn(svcs)
}
