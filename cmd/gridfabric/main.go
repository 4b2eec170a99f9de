package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/ipfs/go-ds-badger"
	"github.com/joho/godotenv"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gridfabric-network/cmd/cli"
	"gridfabric-network/core"
	"gridfabric-network/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "gridfabric"}
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(cli.StoreCmd())
	rootCmd.AddCommand(cli.TaskCmd())
	rootCmd.AddCommand(cli.PeersCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "run a grid node: replicate the store and process tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}

			lg := logrus.New()
			if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				lg.SetLevel(level)
			}

			backend, err := badger.NewDatastore(cfg.Storage.DBPath, nil)
			if err != nil {
				return fmt.Errorf("open datastore %s: %w", cfg.Storage.DBPath, err)
			}
			defer backend.Close()

			svcs, err := core.NewServices(cfg, backend, cfg.Storage.DBPath+"-identity", nil, lg)
			if err != nil {
				return err
			}
			if err := svcs.StartProcessing(cfg.Network.GridChannel); err != nil {
				return err
			}

			lg.Infof("gridfabric node %s up, listening on %s", svcs.Node.ID(), cfg.Network.ListenAddr)

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			lg.Info("shutting down")
			return svcs.Stop(10 * time.Second)
		},
	}
}
