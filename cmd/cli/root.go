// Package cli implements daglctl, the operator-facing command line for a
// running daglnode process: status queries, peer inspection, catchup
// requests, witness-proof build/verify, and autonomous-agent delivery
// queries, in the teacher's minimal
// cobra root-command-plus-subcommands shape (cmd/synnergy/main.go).
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/daglnode/daglnode/core"
	"github.com/daglnode/daglnode/pkg/config"
)

// Execute builds the root command tree and runs it against os.Args.
func Execute() {
	_ = godotenv.Load()
	root := rootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "daglctl", Short: "operate a daglnode process"}
	cmd.PersistentFlags().String("admin-addr", "http://127.0.0.1:8090", "admin HTTP surface address")
	cmd.PersistentFlags().String("env", "", "config environment name")
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(peersCmd())
	cmd.AddCommand(catchupCmd())
	cmd.AddCommand(witnessProofCmd())
	cmd.AddCommand(aaCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	env, _ := cmd.Flags().GetString("env")
	return config.Load(env)
}

func connectStore(cmd *cobra.Command) (*core.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return core.NewStore(cmd.Context(), core.StoreConfig{
		DSN:            cfg.Store.DSN,
		MaxConnections: int32(cfg.Store.MaxConnections),
	}, nil)
}
