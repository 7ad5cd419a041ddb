package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Yulian302/lfusys-services-ingest/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := auth.NewJWTService(secret, ttl)
			if err != nil {
				return err
			}

			token, expiresAt, err := svc.Generate(subject)
			if err != nil {
				return err
			}

			cmd.Println(token)
			cmd.PrintErrf("expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET_KEY"), "signing secret, at least 32 bytes")
	cmd.Flags().StringVar(&subject, "subject", "chunkctl", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return cmd
}
