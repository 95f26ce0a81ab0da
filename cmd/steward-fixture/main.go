// Command steward-fixture is a scripted executor. Point executor.cmd at it
// to drive the engine through canned successes, failures and approval
// holds without touching anything real.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iambrandonn/steward/internal/executor"
	"github.com/iambrandonn/steward/internal/executor/script"
)

func main() {
	scriptFile := flag.String("script", "", "Path to response script file (JSON); without one every step succeeds")
	verbose := flag.Bool("v", false, "Log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	// stdout carries the protocol, diagnostics go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	s := &script.Script{Default: &script.Response{}}
	if *scriptFile != "" {
		loaded, err := script.Load(*scriptFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		s = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Debug("fixture executor starting", "pid", os.Getpid(), "script", *scriptFile)
	if err := executor.Serve(ctx, os.Stdin, os.Stdout, s.Handler(), logger); err != nil {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}
