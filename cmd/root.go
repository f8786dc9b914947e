package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/skv/cmd/hash"
	"github.com/ValentinKolb/skv/cmd/keyspace"
	"github.com/ValentinKolb/skv/cmd/perf"
	"github.com/ValentinKolb/skv/cmd/serve"
	"github.com/ValentinKolb/skv/cmd/stream"
	"github.com/ValentinKolb/skv/cmd/util"
	"github.com/ValentinKolb/skv/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "skv",
		Short: "hash and stream key-value server",
		Long: fmt.Sprintf(`skv (v%s)

A key-value server for hashes and append-only streams with consumer groups,
speaking a Redis compatible wire protocol. Shards are held in memory or
replicated with RAFT.

Every flag can also be set as environment variable SKV_<FLAG>
(e.g. SKV_LOG_LEVEL=debug), .env and .env.local are read on start.`, Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := viper.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
				return err
			}
			return common.InitLoggers(viper.GetString("log-level"))
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of skv",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("skv v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)
	// client command groups open their connection in their own pre-run hook
	cobra.EnableTraverseRunHooks = true

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(hash.HashCommands)
	RootCmd.AddCommand(stream.StreamCommands)
	RootCmd.AddCommand(keyspace.KeyCommands)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix, quic)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("level at which logs are written (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
