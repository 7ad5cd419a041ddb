package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "chunkctl",
		Short:         "Upload CSV files to the ingest service in chunks",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("INGEST_SERVER", "http://localhost:5000"), "ingest service base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("INGEST_TOKEN"), "bearer token")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "per-request timeout")

	cmd.AddCommand(
		newUploadCmd(opts),
		newStatusCmd(opts),
		newTokenCmd(),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
