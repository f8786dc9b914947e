package hash

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/rpc/client"
	"github.com/spf13/cobra"
)

var (
	hsetCmd = &cobra.Command{
		Use:   "hset [key] [field] [value] [field value ...]",
		Short: "Sets fields of a hash",
		Args:  pairArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			added, err := rpcClient.HSet(cmd.Context(), args[0], toPairs(args[1:])...)
			if err != nil {
				return err
			}
			fmt.Printf("added=%d\n", added)
			return nil
		},
	}
	hsetnxCmd = &cobra.Command{
		Use:   "hsetnx [key] [field] [value]",
		Short: "Sets a field only if it does not exist",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := rpcClient.HSetNX(cmd.Context(), args[0], args[1], []byte(args[2]))
			if err != nil {
				return err
			}
			fmt.Printf("set=%t\n", set)
			return nil
		},
	}
	hgetCmd = &cobra.Command{
		Use:   "hget [key] [field]",
		Short: "Reads a field of a hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, ok, err := rpcClient.HGet(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("field=%s, found=%t, value=%s\n", args[1], ok, value)
			return nil
		},
	}
	hmgetCmd = &cobra.Command{
		Use:   "hmget [key] [field ...]",
		Short: "Reads several fields of a hash",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := args[1:]
			i := 0
			for v, err := range rpcClient.HMGet(cmd.Context(), args[0], fields...).All(cmd.Context()) {
				if err != nil {
					return err
				}
				fmt.Printf("field=%s, found=%t, value=%s\n", fields[i], v.Ok, v.Value)
				i++
			}
			return nil
		},
	}
	hdelCmd = &cobra.Command{
		Use:   "hdel [key] [field ...]",
		Short: "Deletes fields of a hash",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printInt("deleted")(rpcClient.HDel(cmd.Context(), args[0], args[1:]...))
		},
	}
	hexistsCmd = &cobra.Command{
		Use:   "hexists [key] [field]",
		Short: "Checks if a field exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := rpcClient.HExists(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("field=%s, found=%t\n", args[1], found)
			return nil
		},
	}
	hlenCmd = &cobra.Command{
		Use:   "hlen [key]",
		Short: "Prints the number of fields of a hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printInt("len")(rpcClient.HLen(cmd.Context(), args[0]))
		},
	}
	hstrlenCmd = &cobra.Command{
		Use:   "hstrlen [key] [field]",
		Short: "Prints the length of a field value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printInt("len")(rpcClient.HStrLen(cmd.Context(), args[0], args[1]))
		},
	}
	hincrbyCmd = &cobra.Command{
		Use:   "hincrby [key] [field] [delta]",
		Short: "Increments the integer value of a field",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("delta must be an integer: %w", err)
			}
			value, err := rpcClient.HIncrBy(cmd.Context(), args[0], args[1], delta)
			if err != nil {
				return err
			}
			fmt.Printf("value=%d\n", value)
			return nil
		},
	}
	hincrbyfloatCmd = &cobra.Command{
		Use:   "hincrbyfloat [key] [field] [delta]",
		Short: "Increments the float value of a field",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("delta must be a number: %w", err)
			}
			value, err := rpcClient.HIncrByFloat(cmd.Context(), args[0], args[1], delta)
			if err != nil {
				return err
			}
			fmt.Printf("value=%s\n", strconv.FormatFloat(value, 'f', -1, 64))
			return nil
		},
	}
	hgetallCmd = &cobra.Command{
		Use:   "hgetall [key]",
		Short: "Prints all fields and values of a hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPairs(cmd, rpcClient.HGetAll(cmd.Context(), args[0]))
		},
	}
	hkeysCmd = &cobra.Command{
		Use:   "hkeys [key]",
		Short: "Prints all fields of a hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for field, err := range rpcClient.HKeys(cmd.Context(), args[0]).All(cmd.Context()) {
				if err != nil {
					return err
				}
				fmt.Println(field)
			}
			return nil
		},
	}
	hvalsCmd = &cobra.Command{
		Use:   "hvals [key]",
		Short: "Prints all values of a hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for value, err := range rpcClient.HVals(cmd.Context(), args[0]).All(cmd.Context()) {
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", value)
			}
			return nil
		},
	}
	hscanCmd = &cobra.Command{
		Use:   "hscan [key] [cursor]",
		Short: "Iterates the fields of a hash",
		Long:  "Prints one page of fields starting at cursor (default 0) and the cursor to continue with. With --all the scan is followed until the cursor returns to 0.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := client.ScanOptions{}
			opts.Match, _ = cmd.Flags().GetString("match")
			opts.Count, _ = cmd.Flags().GetInt("count")

			if all, _ := cmd.Flags().GetBool("all"); all {
				return printPairs(cmd, rpcClient.HScanAll(cmd.Context(), args[0], opts))
			}

			var cursor uint64
			if len(args) == 2 {
				var err error
				if cursor, err = strconv.ParseUint(args[1], 10, 64); err != nil {
					return fmt.Errorf("cursor must be an unsigned integer: %w", err)
				}
			}
			next, pairs, err := rpcClient.HScan(cmd.Context(), args[0], cursor, opts)
			if err != nil {
				return err
			}
			for _, p := range pairs {
				fmt.Printf("%s=%s\n", p.Field, p.Value)
			}
			fmt.Printf("cursor=%d\n", next)
			return nil
		},
	}
)

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// pairArgs accepts a key followed by at least one field value pair
func pairArgs(_ *cobra.Command, args []string) error {
	if len(args) < 3 || len(args)%2 == 0 {
		return fmt.Errorf("expected a key followed by field value pairs, got %d args", len(args))
	}
	return nil
}

func toPairs(args []string) []db.FieldValue {
	pairs := make([]db.FieldValue, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		pairs = append(pairs, db.FieldValue{Field: args[i], Value: []byte(args[i+1])})
	}
	return pairs
}

func printInt(name string) func(int, error) error {
	return func(n int, err error) error {
		if err != nil {
			return err
		}
		fmt.Printf("%s=%d\n", name, n)
		return nil
	}
}

func printPairs(cmd *cobra.Command, it *client.Iterator[db.FieldValue]) error {
	for p, err := range it.All(cmd.Context()) {
		if err != nil {
			return err
		}
		fmt.Printf("%s=%s\n", p.Field, p.Value)
	}
	return nil
}
