package stream

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/skv/cmd/util"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/ValentinKolb/skv/rpc/client"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.Client

	// StreamCommands represents the stream command group
	StreamCommands = &cobra.Command{
		Use:               "stream",
		Short:             "Perform stream and consumer group operations",
		PersistentPreRunE: setupStreamClient,
		PersistentPostRun: func(*cobra.Command, []string) {
			if rpcClient != nil {
				_ = rpcClient.Close()
			}
		},
	}
)

func init() {
	// Add common RPC flags to the stream command
	util.SetupRPCClientFlags(StreamCommands)

	// Add subcommands
	StreamCommands.AddCommand(xaddCmd)
	StreamCommands.AddCommand(xlenCmd)
	StreamCommands.AddCommand(xrangeCmd)
	StreamCommands.AddCommand(xrevrangeCmd)
	StreamCommands.AddCommand(xdelCmd)
	StreamCommands.AddCommand(xtrimCmd)
	StreamCommands.AddCommand(xreadCmd)
	StreamCommands.AddCommand(xreadgroupCmd)
	StreamCommands.AddCommand(xackCmd)
	StreamCommands.AddCommand(xclaimCmd)
	StreamCommands.AddCommand(xpendingCmd)
	StreamCommands.AddCommand(xgroupCmd)
	StreamCommands.AddCommand(xinfoCmd)

	// Add flags
	addTrimFlags(xaddCmd)
	xaddCmd.Flags().Bool("nomkstream", false, util.WrapString("Do not create the stream if it does not exist"))

	addTrimFlags(xtrimCmd)

	xrangeCmd.Flags().Int("count", 0, util.WrapString("Maximum number of entries (0 for no limit)"))
	xrevrangeCmd.Flags().Int("count", 0, util.WrapString("Maximum number of entries (0 for no limit)"))

	addReadFlags(xreadCmd)
	addReadFlags(xreadgroupCmd)
	xreadgroupCmd.Flags().String("consumer", "", util.WrapString("Name of the consumer (a random name if empty)"))
	xreadgroupCmd.Flags().Bool("noack", false, util.WrapString("Do not add the delivered entries to the pending list"))

	xclaimCmd.Flags().Int64("idle", -1, util.WrapString("Set the idle time of the claimed entries (ms)"))
	xclaimCmd.Flags().Int64("time", -1, util.WrapString("Set the delivery time of the claimed entries (unix ms)"))
	xclaimCmd.Flags().Int64("retrycount", -1, util.WrapString("Set the delivery count of the claimed entries"))
	xclaimCmd.Flags().Bool("force", false, util.WrapString("Claim ids that are not pending but exist in the stream"))
	xclaimCmd.Flags().Bool("justid", false, util.WrapString("Only print the ids and keep the delivery count"))

	xpendingCmd.Flags().Duration("idle", 0, util.WrapString("Only list entries idle for at least this long (extended form)"))

	xgroupCreateCmd.Flags().Bool("mkstream", false, util.WrapString("Create the stream if it does not exist"))
}

// setupStreamClient connects the client used by all stream commands
func setupStreamClient(cmd *cobra.Command, _ []string) (err error) {
	rpcClient, err = util.NewClient(cmd)
	return err
}

// --------------------------------------------------------------------------
// Flags
// --------------------------------------------------------------------------

func addTrimFlags(cmd *cobra.Command) {
	cmd.Flags().Int("maxlen", -1, util.WrapString("Trim to at most this many entries (-1 disables it)"))
	cmd.Flags().String("minid", "", util.WrapString("Trim entries with an id lower than this one"))
	cmd.Flags().Bool("approx", false, util.WrapString("Only remove whole nodes, may keep more entries than requested"))
	cmd.Flags().Int("limit", 0, util.WrapString("Maximum number of entries removed by an approximate trim (0 uses the server default)"))
}

// trimOptions reads the flags added by addTrimFlags
func trimOptions(cmd *cobra.Command) (stream.TrimOptions, error) {
	maxLen, _ := cmd.Flags().GetInt("maxlen")
	minID, _ := cmd.Flags().GetString("minid")
	approx, _ := cmd.Flags().GetBool("approx")
	limit, _ := cmd.Flags().GetInt("limit")

	opts := stream.TrimOptions{Approx: approx, Limit: limit}
	switch {
	case maxLen >= 0 && minID != "":
		return opts, fmt.Errorf("--maxlen and --minid can not be combined")
	case maxLen >= 0:
		opts.Strategy = stream.TrimMaxLen
		opts.MaxLen = maxLen
	case minID != "":
		id, err := stream.ParseID(minID)
		if err != nil {
			return opts, err
		}
		opts.Strategy = stream.TrimMinID
		opts.MinID = id
	}
	if limit > 0 && !approx {
		return opts, fmt.Errorf("--limit requires --approx")
	}
	return opts, nil
}

func addReadFlags(cmd *cobra.Command) {
	cmd.Flags().Int("count", 0, util.WrapString("Maximum number of entries per stream (0 for no limit)"))
	cmd.Flags().Duration("block", 0, util.WrapString("Wait this long for entries if there are none (0 returns at once, a negative value waits forever)"))
}

// readOptions reads the flags added by addReadFlags
func readOptions(cmd *cobra.Command) client.ReadOptions {
	count, _ := cmd.Flags().GetInt("count")
	block, _ := cmd.Flags().GetDuration("block")
	noAck, _ := cmd.Flags().GetBool("noack")
	if block < 0 {
		block = client.BlockForever
	}
	return client.ReadOptions{Count: count, Block: block, NoAck: noAck}
}

// consumerName returns the --consumer flag or a random name
func consumerName(cmd *cobra.Command) string {
	if name, _ := cmd.Flags().GetString("consumer"); name != "" {
		return name
	}
	return "consumer-" + uuid.NewString()
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

func formatEntry(e stream.Entry) string {
	var b strings.Builder
	b.WriteString(e.ID.String())
	if e.Fields == nil {
		b.WriteString(" (deleted)")
	}
	for _, f := range e.Fields {
		fmt.Fprintf(&b, " %s=%s", f.Field, f.Value)
	}
	return b.String()
}

func printEntries(cmd *cobra.Command, it *client.Iterator[stream.Entry]) error {
	for e, err := range it.All(cmd.Context()) {
		if err != nil {
			return err
		}
		fmt.Println(formatEntry(e))
	}
	return nil
}

func printMessages(cmd *cobra.Command, it *client.Iterator[client.Message]) error {
	n := 0
	for m, err := range it.All(cmd.Context()) {
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", m.Stream, formatEntry(m.Entry))
		n++
	}
	if n == 0 {
		fmt.Println("(no entries)")
	}
	return nil
}

func formatMs(ms uint64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}
