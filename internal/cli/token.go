package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"ekehi.network/internal/access"
	"ekehi.network/internal/auth"
)

type tokenOptions struct {
	user string
	role string
	ttl  time.Duration
}

// NewTokenCommand creates the token command, which signs a bearer token
// with the configured secret.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.Load()
			if err != nil {
				return err
			}
			role, err := access.ParseRole(opts.role)
			if err != nil {
				return err
			}
			signer, err := auth.NewSigner([]byte(cfg.Auth.JWTSecret), auth.WithIssuer(cfg.Auth.Issuer))
			if err != nil {
				return err
			}
			ttl := opts.ttl
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL.Duration
			}
			token, expires, err := signer.Issue(opts.user, role, ttl)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"token":      token,
				"role":       role,
				"expires_at": expires,
			})
		},
	}
	cmd.Flags().StringVarP(&opts.user, "user", "u", "", "token subject")
	cmd.Flags().StringVarP(&opts.role, "role", "r", "USER", "role claim")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 0, "lifetime (defaults to auth.token_ttl)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
