// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// weft-relay is the standalone relay server. NAT-bound nodes hold a
// long-lived connection to it and register their identity; the relay
// forwards envelope frames to whichever registered node the frame
// names.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/weft-foundation/weft/lib/version"
	"github.com/weft-foundation/weft/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	address := pflag.String("listen", "0.0.0.0:9553",
		"host:port the relay listens on")
	logLevel := pflag.String("log-level", "info",
		"log level: debug, info, warn, error")
	showVersion := pflag.Bool("version", false,
		"print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("weft-relay %s\n", version.Info())
		return nil
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", *logLevel)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := transport.NewRelayServer(*address, logger)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", *address, err)
	}

	logger.Info("relay running", "address", server.Address(), "version", version.Short())
	return server.Serve(ctx)
}
