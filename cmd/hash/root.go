package hash

import (
	"github.com/ValentinKolb/skv/cmd/util"
	"github.com/ValentinKolb/skv/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.Client

	// HashCommands represents the hash command group
	HashCommands = &cobra.Command{
		Use:               "hash",
		Short:             "Perform hash operations",
		PersistentPreRunE: setupHashClient,
		PersistentPostRun: func(*cobra.Command, []string) {
			if rpcClient != nil {
				_ = rpcClient.Close()
			}
		},
	}
)

func init() {
	// Add common RPC flags to the hash command
	util.SetupRPCClientFlags(HashCommands)

	// Add subcommands
	HashCommands.AddCommand(hsetCmd)
	HashCommands.AddCommand(hsetnxCmd)
	HashCommands.AddCommand(hgetCmd)
	HashCommands.AddCommand(hmgetCmd)
	HashCommands.AddCommand(hdelCmd)
	HashCommands.AddCommand(hexistsCmd)
	HashCommands.AddCommand(hlenCmd)
	HashCommands.AddCommand(hstrlenCmd)
	HashCommands.AddCommand(hincrbyCmd)
	HashCommands.AddCommand(hincrbyfloatCmd)
	HashCommands.AddCommand(hgetallCmd)
	HashCommands.AddCommand(hkeysCmd)
	HashCommands.AddCommand(hvalsCmd)
	HashCommands.AddCommand(hscanCmd)

	hscanCmd.Flags().String("match", "", util.WrapString("Only return fields matching this glob pattern"))
	hscanCmd.Flags().Int("count", 0, util.WrapString("Hint for the number of fields returned per call (0 uses the server default)"))
	hscanCmd.Flags().Bool("all", false, util.WrapString("Follow the cursor until the scan is complete"))
}

// setupHashClient connects the client used by all hash commands
func setupHashClient(cmd *cobra.Command, _ []string) (err error) {
	rpcClient, err = util.NewClient(cmd)
	return err
}
