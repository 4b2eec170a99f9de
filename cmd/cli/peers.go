package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"gridfabric-network/core"
)

// PeersCmd lists and dials peers.
func PeersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "peers", Short: "peer management"}

	list := &cobra.Command{
		Use:   "list",
		Short: "list connected peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(svcs *core.Services) error {
				for _, info := range svcs.Peers.DiscoverPeers() {
					fmt.Printf("%s [%s]\n", info.ID, strings.Join(info.Addrs, ","))
				}
				return nil
			})
		},
	}

	connect := &cobra.Command{
		Use:   "connect <multiaddr>",
		Short: "dial a peer by multiaddress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(svcs *core.Services) error {
				return svcs.Peers.Connect(context.Background(), args[0])
			})
		},
	}

	cmd.AddCommand(list, connect)
	return cmd
}
