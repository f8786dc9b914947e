package keyspace

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ValentinKolb/skv/cmd/util"
	"github.com/ValentinKolb/skv/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.Client

	// KeyCommands represents the keyspace command group
	KeyCommands = &cobra.Command{
		Use:   "key",
		Short: "Perform operations on keys of any type",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) (err error) {
			rpcClient, err = util.NewClient(cmd)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if rpcClient != nil {
				_ = rpcClient.Close()
			}
		},
	}

	pingCmd = &cobra.Command{
		Use:   "ping [message]",
		Short: "Checks the connection to the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := rpcClient.Ping(cmd.Context(), args...)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key ...]",
		Short: "Deletes keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := rpcClient.Del(cmd.Context(), args...)
			if err != nil {
				return err
			}
			fmt.Printf("deleted=%d\n", n)
			return nil
		},
	}
	existsCmd = &cobra.Command{
		Use:   "exists [key ...]",
		Short: "Counts the given keys that exist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := rpcClient.Exists(cmd.Context(), args...)
			if err != nil {
				return err
			}
			fmt.Printf("exists=%d\n", n)
			return nil
		},
	}
	typeCmd = &cobra.Command{
		Use:   "type [key]",
		Short: "Prints the type of a key (none, hash, stream)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := rpcClient.Type(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(t)
			return nil
		},
	}
	expireCmd = &cobra.Command{
		Use:   "expire [key] [seconds]",
		Short: "Sets the time to live of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("seconds must be an integer: %w", err)
			}
			ok, err := rpcClient.Expire(cmd.Context(), args[0], time.Duration(seconds)*time.Second)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%t\n", args[0], ok)
			return nil
		},
	}
	ttlCmd = &cobra.Command{
		Use:   "ttl [key]",
		Short: "Prints the remaining time to live of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, err := rpcClient.TTL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch {
			case ttl == -2:
				fmt.Printf("key=%s, found=false\n", args[0])
			case ttl == -1:
				fmt.Printf("key=%s, ttl=none\n", args[0])
			default:
				fmt.Printf("key=%s, ttl=%s\n", args[0], ttl)
			}
			return nil
		},
	}
	dbsizeCmd = &cobra.Command{
		Use:   "dbsize",
		Short: "Prints the number of keys of the shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := rpcClient.DBSize(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("keys=%d\n", n)
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints metadata of the shard database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := rpcClient.Info(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
)

func init() {
	util.SetupRPCClientFlags(KeyCommands)

	KeyCommands.AddCommand(pingCmd)
	KeyCommands.AddCommand(delCmd)
	KeyCommands.AddCommand(existsCmd)
	KeyCommands.AddCommand(typeCmd)
	KeyCommands.AddCommand(expireCmd)
	KeyCommands.AddCommand(ttlCmd)
	KeyCommands.AddCommand(dbsizeCmd)
	KeyCommands.AddCommand(infoCmd)
}
