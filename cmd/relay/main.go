// Command relay runs one node of the watchman event relay: a satellite
// collecting events at the edge, a queue relaying between sites, or the
// master committing events into the knowledge graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	// Database drivers for the registry and graph stores.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/watchmanio/relay/pkg/config"
	"github.com/watchmanio/relay/pkg/logger"
	"github.com/watchmanio/relay/pkg/node"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "relay.yaml", "path to the relay configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("watchman-relay", version)
		return
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty}); err != nil {
		fmt.Fprintf(os.Stderr, "relay: logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Str("version", version).Str("role", cfg.Role).Msg("watchman relay starting")

	n, err := node.Build(cfg, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("node assembly failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("node exited with error")
	}
}
