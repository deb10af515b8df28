// Command hydra-router runs the broker: a single long-running process
// listening on one router endpoint (spec.md §2, §6 "CLI surface").
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hydrarouter/internal/broker"
	"hydrarouter/internal/hlog"
	"hydrarouter/internal/transport"
)

const shutdownGrace = 5 * time.Second

func main() {
	if len(os.Args) < 2 || os.Args[1] != "start" {
		fmt.Fprintln(os.Stderr, "usage: hydra-router start [--address HOST] [--port N] [--log-level LEVEL]")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("start", flag.ExitOnError)
	address := fs.String("address", "127.0.0.1", "listen address")
	port := fs.Int("port", 5556, "listen port")
	logLevel := fs.String("log-level", "INFO", "one of DEBUG, INFO, WARNING, ERROR")
	_ = fs.Parse(os.Args[2:])

	level, ok := hlog.ParseLevel(*logLevel)
	if !ok {
		fmt.Fprintf(os.Stderr, "invalid --log-level %q: want one of DEBUG, INFO, WARNING, ERROR\n", *logLevel)
		os.Exit(2)
	}
	logger := hlog.New(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sock := transport.NewRouter(ctx)
	b := broker.New(sock,
		broker.WithAddress(*address),
		broker.WithPort(*port),
		broker.WithLogger(logger),
	)

	if err := b.Run(ctx, shutdownGrace); err != nil {
		logger.Error("broker exited: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}
