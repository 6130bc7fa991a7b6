// Command pluginhost installs, enables and serves plugins resolved from a
// local artifact repository.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version is injected via ldflags at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
