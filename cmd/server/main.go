package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Tyrowin/lobbychat/internal/logging"
	"github.com/Tyrowin/lobbychat/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (created with defaults if missing)")
	addr := flag.String("addr", "", "Address to listen on, e.g. 127.0.0.1:8080 (overrides config)")
	port := flag.Int("port", 0, "Port to listen on (overrides the port in -addr or config)")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file and environment
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *port != 0 {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			host = ""
		}
		cfg.Addr = net.JoinHostPort(host, strconv.Itoa(*port))
	}

	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting chat server...", "addr", cfg.Addr, "config", *configPath)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := server.NewHub(cfg, logger, server.NewMetrics(reg))
	mux := server.SetupRoutes(hub, cfg.MetricsPath, server.MetricsHandler(reg))
	httpServer := server.CreateServer(cfg.Addr, mux)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Error("Failed to listen", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx, httpServer, ln, hub, cfg.ShutdownTimeout); err != nil {
		logger.Error("Server stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
