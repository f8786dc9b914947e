package stream

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	xgroupCmd = &cobra.Command{
		Use:   "xgroup",
		Short: "Manage consumer groups",
	}
	xgroupCreateCmd = &cobra.Command{
		Use:   "create [key] [group] [id]",
		Short: "Creates a consumer group that delivers entries after id ($ for new entries only)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mkStream, _ := cmd.Flags().GetBool("mkstream")
			if err := rpcClient.XGroupCreate(cmd.Context(), args[0], args[1], args[2], mkStream); err != nil {
				return err
			}
			fmt.Println("group created")
			return nil
		},
	}
	xgroupDestroyCmd = &cobra.Command{
		Use:   "destroy [key] [group]",
		Short: "Deletes a consumer group and its pending entries",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := rpcClient.XGroupDestroy(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("group=%s, destroyed=%t\n", args[1], ok)
			return nil
		},
	}
	xgroupSetIDCmd = &cobra.Command{
		Use:   "setid [key] [group] [id]",
		Short: "Sets the last delivered id of a consumer group",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcClient.XGroupSetID(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Println("id set")
			return nil
		},
	}
	xgroupCreateConsumerCmd = &cobra.Command{
		Use:   "createconsumer [key] [group] [consumer]",
		Short: "Creates a consumer in a group",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := rpcClient.XGroupCreateConsumer(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Printf("consumer=%s, created=%t\n", args[2], ok)
			return nil
		},
	}
	xgroupDelConsumerCmd = &cobra.Command{
		Use:   "delconsumer [key] [group] [consumer]",
		Short: "Deletes a consumer, its pending entries are dropped",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := rpcClient.XGroupDelConsumer(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Printf("consumer=%s, dropped pending=%d\n", args[2], n)
			return nil
		},
	}

	xinfoCmd = &cobra.Command{
		Use:   "xinfo",
		Short: "Inspect streams, groups and consumers",
	}
	xinfoStreamCmd = &cobra.Command{
		Use:   "stream [key]",
		Short: "Prints a summary of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := rpcClient.XInfoStream(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("length=%d\n", info.Length)
			fmt.Printf("nodes=%d\n", info.Nodes)
			fmt.Printf("groups=%d\n", info.Groups)
			fmt.Printf("last-generated-id=%s\n", info.LastGeneratedID)
			fmt.Printf("max-deleted-entry-id=%s\n", info.MaxDeletedID)
			fmt.Printf("entries-added=%d\n", info.EntriesAdded)
			if info.FirstEntry != nil {
				fmt.Printf("first-entry=%s\n", formatEntry(*info.FirstEntry))
			}
			if info.LastEntry != nil {
				fmt.Printf("last-entry=%s\n", formatEntry(*info.LastEntry))
			}
			return nil
		},
	}
	xinfoGroupsCmd = &cobra.Command{
		Use:   "groups [key]",
		Short: "Lists the consumer groups of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for g, err := range rpcClient.XInfoGroups(cmd.Context(), args[0]).All(cmd.Context()) {
				if err != nil {
					return err
				}
				fmt.Printf("group=%s, consumers=%d, pending=%d, last-delivered-id=%s\n", g.Name, g.Consumers, g.Pending, g.LastDeliveredID)
			}
			return nil
		},
	}
	xinfoConsumersCmd = &cobra.Command{
		Use:   "consumers [key] [group]",
		Short: "Lists the consumers of a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			for c, err := range rpcClient.XInfoConsumers(cmd.Context(), args[0], args[1]).All(cmd.Context()) {
				if err != nil {
					return err
				}
				inactive := "never"
				if c.Inactive >= 0 {
					inactive = formatMs(uint64(c.Inactive))
				}
				fmt.Printf("consumer=%s, pending=%d, idle=%s, inactive=%s\n", c.Name, c.Pending, formatMs(c.Idle), inactive)
			}
			return nil
		},
	}
)

func init() {
	xgroupCmd.AddCommand(xgroupCreateCmd)
	xgroupCmd.AddCommand(xgroupDestroyCmd)
	xgroupCmd.AddCommand(xgroupSetIDCmd)
	xgroupCmd.AddCommand(xgroupCreateConsumerCmd)
	xgroupCmd.AddCommand(xgroupDelConsumerCmd)

	xinfoCmd.AddCommand(xinfoStreamCmd)
	xinfoCmd.AddCommand(xinfoGroupsCmd)
	xinfoCmd.AddCommand(xinfoConsumersCmd)
}
