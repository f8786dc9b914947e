package stream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/ValentinKolb/skv/rpc/client"
	"github.com/spf13/cobra"
)

var (
	xaddCmd = &cobra.Command{
		Use:   "xadd [key] [id] [field] [value] [field value ...]",
		Short: "Appends an entry to a stream",
		Long:  "Appends an entry to a stream. The id is * (generated), <ms>-* (generated sequence) or an explicit <ms>-<seq>.",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) < 4 || len(args)%2 != 0 {
				return fmt.Errorf("expected a key, an id and field value pairs, got %d args", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			trim, err := trimOptions(cmd)
			if err != nil {
				return err
			}
			noMkStream, _ := cmd.Flags().GetBool("nomkstream")

			fields := make([]db.FieldValue, 0, (len(args)-2)/2)
			for i := 2; i+1 < len(args); i += 2 {
				fields = append(fields, db.FieldValue{Field: args[i], Value: []byte(args[i+1])})
			}

			id, ok, err := rpcClient.XAdd(cmd.Context(), args[0], client.XAddOptions{NoMkStream: noMkStream, Trim: trim}, args[1], fields...)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("stream %s does not exist\n", args[0])
				return nil
			}
			fmt.Printf("id=%s\n", id)
			return nil
		},
	}
	xlenCmd = &cobra.Command{
		Use:   "xlen [key]",
		Short: "Prints the number of entries of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := rpcClient.XLen(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("len=%d\n", n)
			return nil
		},
	}
	xrangeCmd = &cobra.Command{
		Use:   "xrange [key] [start] [end]",
		Short: "Prints the entries between two ids",
		Long:  "Prints the entries between start and end (inclusive). - and + stand for the lowest and highest id, a ( prefix makes a bound exclusive.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			return printEntries(cmd, rpcClient.XRange(cmd.Context(), args[0], args[1], args[2], count))
		},
	}
	xrevrangeCmd = &cobra.Command{
		Use:   "xrevrange [key] [end] [start]",
		Short: "Prints the entries between two ids, newest first",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			return printEntries(cmd, rpcClient.XRevRange(cmd.Context(), args[0], args[1], args[2], count))
		},
	}
	xdelCmd = &cobra.Command{
		Use:   "xdel [key] [id ...]",
		Short: "Deletes entries of a stream",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := rpcClient.XDel(cmd.Context(), args[0], args[1:]...)
			if err != nil {
				return err
			}
			fmt.Printf("deleted=%d\n", n)
			return nil
		},
	}
	xtrimCmd = &cobra.Command{
		Use:   "xtrim [key]",
		Short: "Removes the oldest entries of a stream (--maxlen or --minid)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trim, err := trimOptions(cmd)
			if err != nil {
				return err
			}
			if trim.Strategy == stream.TrimNone {
				return fmt.Errorf("one of --maxlen or --minid is required")
			}
			n, err := rpcClient.XTrim(cmd.Context(), args[0], trim)
			if err != nil {
				return err
			}
			fmt.Printf("removed=%d\n", n)
			return nil
		},
	}
	xreadCmd = &cobra.Command{
		Use:   "xread [key] [id] [key id ...]",
		Short: "Reads entries after the given ids from one or more streams",
		Long:  "Reads entries after the given ids. The id $ reads only entries added after the call (use it with --block).",
		Args:  offsetArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printMessages(cmd, rpcClient.XRead(cmd.Context(), readOptions(cmd), offsets(args)...))
		},
	}
	xreadgroupCmd = &cobra.Command{
		Use:   "xreadgroup [group] [key] [id] [key id ...]",
		Short: "Reads entries of a consumer group",
		Long:  "Reads entries as a consumer of group. The id > delivers new entries, any other id re-reads the pending entries of the consumer after it.",
		Args:  offsetArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			consumer := consumerName(cmd)
			fmt.Printf("consumer=%s\n", consumer)
			return printMessages(cmd, rpcClient.XReadGroup(cmd.Context(), args[0], consumer, readOptions(cmd), offsets(args[1:])...))
		},
	}
	xackCmd = &cobra.Command{
		Use:   "xack [key] [group] [id ...]",
		Short: "Acknowledges entries of a consumer group",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := rpcClient.XAck(cmd.Context(), args[0], args[1], args[2:]...)
			if err != nil {
				return err
			}
			fmt.Printf("acknowledged=%d\n", n)
			return nil
		},
	}
	xclaimCmd = &cobra.Command{
		Use:   "xclaim [key] [group] [consumer] [min-idle-ms] [id ...]",
		Short: "Transfers pending entries to another consumer",
		Args:  cobra.MinimumNArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			minIdle, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return fmt.Errorf("min-idle-ms must be an integer: %w", err)
			}
			var opts stream.ClaimOptions
			if v, _ := cmd.Flags().GetInt64("idle"); v >= 0 {
				opts.Idle, opts.HasIdle = uint64(v), true
			}
			if v, _ := cmd.Flags().GetInt64("time"); v >= 0 {
				opts.Time, opts.HasTime = uint64(v), true
			}
			if v, _ := cmd.Flags().GetInt64("retrycount"); v >= 0 {
				opts.RetryCount, opts.HasRetryCount = uint64(v), true
			}
			opts.Force, _ = cmd.Flags().GetBool("force")
			opts.JustID, _ = cmd.Flags().GetBool("justid")

			ctx := cmd.Context()
			idle := time.Duration(minIdle) * time.Millisecond
			if opts.JustID {
				for id, err := range rpcClient.XClaimJustID(ctx, args[0], args[1], args[2], idle, opts, args[4:]...).All(ctx) {
					if err != nil {
						return err
					}
					fmt.Println(id)
				}
				return nil
			}
			return printEntries(cmd, rpcClient.XClaim(ctx, args[0], args[1], args[2], idle, opts, args[4:]...))
		},
	}
	xpendingCmd = &cobra.Command{
		Use:   "xpending [key] [group] [start end count [consumer]]",
		Short: "Inspects the pending entries of a consumer group",
		Long:  "Without a range a summary of the pending entries is printed, with a range the pending entries themselves.",
		Args: func(_ *cobra.Command, args []string) error {
			if n := len(args); n != 2 && n != 5 && n != 6 {
				return fmt.Errorf("expected key and group, optionally followed by start end count [consumer]")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 2 {
				sum, err := rpcClient.XPending(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("pending=%d\n", sum.Count)
				if sum.Count == 0 {
					return nil
				}
				fmt.Printf("lowest=%s, highest=%s\n", sum.Lowest, sum.Highest)
				for _, c := range sum.Consumers {
					fmt.Printf("consumer=%s, pending=%d\n", c.Name, c.Count)
				}
				return nil
			}

			count, err := strconv.Atoi(args[4])
			if err != nil {
				return fmt.Errorf("count must be an integer: %w", err)
			}
			r := client.PendingRange{Start: args[2], End: args[3], Count: count}
			if len(args) == 6 {
				r.Consumer = args[5]
			}
			r.MinIdle, _ = cmd.Flags().GetDuration("idle")

			for p, err := range rpcClient.XPendingRange(ctx, args[0], args[1], r).All(ctx) {
				if err != nil {
					return err
				}
				fmt.Printf("id=%s, consumer=%s, idle=%s, deliveries=%d\n", p.ID, p.Consumer, formatMs(p.Idle), p.DeliveryCount)
			}
			return nil
		},
	}
)

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// offsetArgs accepts skip leading args followed by key id pairs
func offsetArgs(skip int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		n := len(args) - skip
		if n < 2 || n%2 != 0 {
			return fmt.Errorf("expected key id pairs")
		}
		return nil
	}
}

func offsets(args []string) []client.StreamOffset {
	out := make([]client.StreamOffset, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		out = append(out, client.StreamOffset{Key: args[i], ID: args[i+1]})
	}
	return out
}
