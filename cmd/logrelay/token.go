package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/logrelay/internal/relay"
)

func tokenCmd() *cobra.Command {
	var (
		identity string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a register credential for an identity",
		Long: `Mint an HS256 credential signed with server.jwt_secret. The relay accepts
it in the register frame of the named identity.

Examples:
  # Credential valid for a day
  LOGRELAY_JWT_SECRET=s3cret logrelay token --identity user-7 --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := relay.IssueToken(cfg.Server.JWTSecret, identity, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "identity the credential is issued for")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "credential lifetime (0 = no expiry)")
	_ = cmd.MarkFlagRequired("identity")

	return cmd
}
