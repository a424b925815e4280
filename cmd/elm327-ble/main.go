package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/elm327-ble/cmd/elm327-ble/cmd"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("Received signal, shutting down...", "signal", sig.String())
		cancel()
		// BLE stacks can hang on disconnect
		<-time.After(15 * time.Second)
		slog.Error("Shutdown took too long, exiting")
		os.Exit(1)
	}()

	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
