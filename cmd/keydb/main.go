// KeyDB server - a multi-database in-memory key-value store.
//
// Usage:
//
//	keydb [flags]
//
// Flags:
//
//	-addr string     Server address (default ":6379")
//	-config string   Path to JSON config file
//	-data string     Data directory (default "data")
//	-databases int   Number of logical databases (default 16)
//	-appendonly      Enable the append-only command log
//	-storage         Enable the LevelDB secondary store
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbridon/KeyDB/internal/config"
	"github.com/mbridon/KeyDB/internal/db"
	"github.com/mbridon/KeyDB/internal/server"
	"github.com/mbridon/KeyDB/internal/version"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config file")
	addr := flag.String("addr", "", "Server address (overrides config)")
	dataDir := flag.String("data", "", "Data directory (overrides config)")
	databases := flag.Int("databases", 0, "Number of logical databases (overrides config)")
	appendOnly := flag.Bool("appendonly", false, "Enable the append-only command log")
	storageBackend := flag.Bool("storage", false, "Enable the LevelDB secondary store")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("KeyDB v%s (built %s)\n", version.Version, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *databases > 0 {
		cfg.Databases = *databases
	}
	if *appendOnly {
		cfg.AppendOnly = true
	}
	if *storageBackend {
		cfg.StorageBackend = true
	}

	log.Printf("KeyDB v%s starting...", version.Version)
	log.Printf("Data directory: %s", cfg.DataDir)
	log.Printf("Databases: %d", cfg.Databases)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	engine, err := db.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	srv := server.New(cfg.Addr, engine, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("KeyDB shutdown complete")
}
