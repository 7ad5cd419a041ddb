package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := SetupApp(ctx)
	if err != nil {
		log.Fatalf("failed to set up app: %v", err)
	}

	if err := app.Run(ctx); err != nil {
		app.Logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
