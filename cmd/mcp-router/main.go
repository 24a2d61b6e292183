// Package main is the entry point for the mcp-router binary.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/vikashloomba/mcp-router-go/cmd/mcp-router/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		var opErr *app.OperationalError
		if errors.As(err, &opErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
