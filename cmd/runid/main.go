// Command runid runs the client core daemon: sqlite-backed resource store,
// event bus, synchronization coordinator and the loopback HTTP API, with an
// optional MCP stdio surface for agents.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/basestate/runid/daemon"
)

func main() {
	configPath := flag.String("config", env("RUNID_CONFIG", ""), "path to YAML config")
	flag.Parse()

	cfg, err := daemon.LoadConfigFile(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if v := env("RUNID_DB", ""); v != "" {
		cfg.DBPath = v
	}
	if v := env("RUNID_HTTP_ADDR", ""); v != "" {
		cfg.HTTPAddr = v
	}
	if v := env("RUNID_LOG_LEVEL", ""); v != "" {
		cfg.LogLevel = v
	}

	lvl, err := cfg.SlogLevel()
	if err != nil {
		slog.Error("log level", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("daemon", "error", err)
		os.Exit(1)
	}

	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "runid",
			Version: "1.0.0",
		}, nil)
		d.Store().RegisterMCP(mcpSrv, d.AISession())
		go func() {
			logger.Info("mcp stdio starting", "model", cfg.MCP.Model)
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("mcp stdio", "error", err)
			}
		}()
	}

	if err := d.Run(ctx); err != nil {
		logger.Error("run", "error", err)
		os.Exit(1)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
