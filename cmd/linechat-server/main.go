// Command linechat-server runs the chat server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/linechat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.linechat/config.toml", "path to config file")
	host := flag.String("host", "", "bind address (overrides config)")
	port := flag.Int("port", 0, "chat port (overrides config)")
	restore := flag.Bool("restore", false, "restore state from the snapshot before serving")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	tomlCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := tomlCfg.ToConfig()

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.TCPPort = *port
	}

	dataDir, err := cfg.GetDataDir()
	if err != nil {
		log.Printf("Failed to resolve data directory: %v", err)
		dataDir = ""
	} else if err := server.InitLoggers(dataDir); err != nil {
		log.Printf("Failed to set up log files: %v", err)
	}
	if *debug {
		server.EnableDebugLogging(dataDir)
	}

	srv := server.NewServer(cfg)

	if *restore {
		if err := srv.RestoreFromSnapshot(); err != nil {
			log.Fatalf("Failed to restore snapshot: %v", err)
		}
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	fmt.Printf("linechat server listening on %s\n", srv.Addr())

	// Block until asked to stop, then snapshot and exit
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
