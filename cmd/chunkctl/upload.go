package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type uploadOptions struct {
	rowsPerChunk int
	parallel     int
}

func newUploadCmd(global *globalOptions) *cobra.Command {
	opts := &uploadOptions{}

	cmd := &cobra.Command{
		Use:   "upload <file.csv>",
		Short: "Split a CSV file into chunks and upload them concurrently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd.Context(), cmd, global, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.rowsPerChunk, "rows", 1000, "data rows per chunk")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 4, "concurrent chunk uploads")
	return cmd
}

func runUpload(ctx context.Context, cmd *cobra.Command, global *globalOptions, opts *uploadOptions, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	chunks, err := splitCSV(f, opts.rowsPerChunk)
	if err != nil {
		return err
	}

	client := newAPIClient(global)

	session, err := client.InitUpload(ctx, len(chunks))
	if err != nil {
		return fmt.Errorf("init upload: %w", err)
	}
	fileID := session["file_id"]
	cmd.Printf("upload %s started, %d chunks\n", fileID, len(chunks))

	var sent atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.parallel, 1))

	for i, chunk := range chunks {
		g.Go(func() error {
			if _, err := client.SendChunk(gctx, fileID, i, chunk); err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			n := sent.Add(1)
			cmd.Printf("chunk %d sent (%d/%d)\n", i, n, len(chunks))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	status, err := client.Status(ctx, fileID)
	if err != nil {
		return err
	}
	cmd.Printf("upload %s: %s\n", fileID, status["status"])
	return nil
}
