package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"ekehi.network/internal/rpc"
)

type authorizeOptions struct {
	addr  string
	token string
	owner string
}

// NewAuthorizeCommand creates the authorize command, a gRPC client for the
// access gate of a running server.
func NewAuthorizeCommand(_ *RootOptions) *cobra.Command {
	opts := &authorizeOptions{}
	cmd := &cobra.Command{
		Use:   "authorize <caller-id> <permission> <resource>",
		Short: "Ask a running server for an access decision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := rpc.Dial(opts.addr, opts.token)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := rpc.WithTimeout(cmd.Context(), 0)
			defer cancel()
			d, err := client.Authorize(ctx, rpc.AuthorizeRequest{
				CallerID:        args[0],
				ResourceOwnerID: opts.owner,
				Permission:      args[1],
				Resource:        args[2],
			})
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(d)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "localhost:9090", "gRPC address")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "resource owner id")
	return cmd
}
