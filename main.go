// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/voyager-cli/cmd"
	"github.com/xkilldash9x/voyager-cli/internal/observability"
)

// main is the entry point for the Voyager CLI application.
func main() {
	// Interrupts cancel the context so a running agent stops at the next
	// step boundary instead of being killed mid-action.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		// A run ended by Ctrl+C is a clean exit, not a failure.
		if errors.Is(err, context.Canceled) {
			return
		}
		os.Exit(1)
	}
}
