package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/reviewd-dev/reviewd/internal/config"
	"github.com/reviewd-dev/reviewd/internal/daemon"
	"github.com/reviewd-dev/reviewd/internal/storage"
	"github.com/reviewd-dev/reviewd/internal/version"
)

func main() {
	// Handle version command before anything else
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("reviewd %s\n", version.Version)
		return
	}

	var (
		dbPath     = flag.String("db", storage.DefaultDBPath(), "path to sqlite tracking database")
		configPath = flag.String("config", config.GlobalConfigPath(), "path to config file")
		addr       = flag.String("addr", "", "server address (overrides config)")
		concurrent = flag.Int("concurrent", 0, "max concurrent reviews (overrides config)")
	)
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("Starting reviewd...")

	cfg, err := config.LoadGlobalFrom(*configPath)
	if err != nil {
		log.Printf("Warning: failed to load config from %s: %v", *configPath, err)
		cfg = config.DefaultConfig()
	}

	if *addr != "" {
		cfg.ServerAddr = *addr
	}
	if *concurrent > 0 {
		cfg.MaxConcurrent = *concurrent
	}

	// A store that cannot open is the one startup failure that halts the
	// whole process; per-key trouble later never does.
	db, err := storage.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open tracking store: %v", err)
	}
	defer db.Close()
	log.Printf("Tracking store: %s", *dbPath)

	if info, err := daemon.ReadRuntime(); err == nil && daemon.IsDaemonAlive(info.Addr) {
		log.Fatalf("daemon already running (pid %d on %s)", info.PID, info.Addr)
	}

	server := daemon.NewServer(db, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		if err := server.Stop(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
