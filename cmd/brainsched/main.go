// Command brainsched runs the brain task scheduler and its operator commands.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"brainsched/internal/cli"
)

// Set via -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version string
	commit  string
	date    string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx, cli.BuildInfo{Version: version, Commit: commit, Date: date})
	cancel()
	// cobra has already printed the error.
	if err != nil {
		os.Exit(1)
	}
}
