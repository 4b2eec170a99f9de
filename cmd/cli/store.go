package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"gridfabric-network/core"
)

// StoreCmd exposes the replicated store: put, get, list and del.
func StoreCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "store", Short: "replicated key/value store"}

	put := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "store a value on a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(svcs *core.Services) error {
				return svcs.DB.Put(context.Background(), args[0], []byte(args[1]))
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "get the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(svcs *core.Services) error {
				value, err := svcs.DB.Get(context.Background(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("[%s] -> %s\n", args[0], string(value))
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list [prefix]",
		Short: "list items in the store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) > 0 {
				prefix = args[0]
			}
			return withServices(func(svcs *core.Services) error {
				entries, err := svcs.DB.QueryKeyValues(context.Background(), prefix)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					fmt.Printf("[%s] -> %s\n", entry.Key, string(entry.Value))
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "del <key>",
		Short: "remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(svcs *core.Services) error {
				return svcs.DB.Delete(context.Background(), args[0])
			})
		},
	}

	cmd.AddCommand(put, get, list, del)
	return cmd
}
