package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"defi-portal/go-client/internal/rpcerr"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	exitOK          = 0
	exitError       = 1
	exitConfig      = 2
	exitNotAuthed   = 3
	exitRateLimited = 4
	exitRejected    = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "portal: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var limited *rpcerr.RateLimitError
	var app *rpcerr.ApplicationError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &limited):
		return exitRateLimited
	case errors.As(err, &app):
		return exitRejected
	}
	switch rpcerr.KindOf(err) {
	case rpcerr.KindConfig:
		return exitConfig
	case rpcerr.KindNotAuthenticated, rpcerr.KindAuth:
		return exitNotAuthed
	default:
		return exitError
	}
}
