package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"creditledger/internal/infrastructure"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.Info("credit ledger is running")
	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
