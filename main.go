// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/domatlas/cmd"
	"github.com/xkilldash9x/domatlas/internal/observability"
)

// main is the entry point for the domatlas CLI.
func main() {
	// Interrupt signals cancel the context so in-flight observations and the
	// browser shut down gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	stop()
	observability.Sync()

	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
