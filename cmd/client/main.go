package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/lobbychat/internal/client"
	"github.com/Tyrowin/lobbychat/internal/logging"
)

func main() {
	url := flag.String("url", "ws://localhost:8080", "WebSocket URL of the chat server")
	username := flag.String("username", "", "Name to join the chat with (required)")
	logLevel := flag.String("log-level", "error", "Log level for diagnostics written to stderr")
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "Error: -username is required")
		flag.Usage()
		os.Exit(2)
	}

	slog.SetDefault(logging.New(os.Stderr, *logLevel, "text"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.New(*url, *username).Run(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
