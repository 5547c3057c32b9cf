package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/dougsko/nexrigd/pkg/config"
	"github.com/dougsko/nexrigd/pkg/logging"
)

var (
	configPath = flag.String("config", "config.yaml", "Configuration file path")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	Version = "0.1.0-dev"
	Build   = "development"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("nexrigd version %s (%s)\n", Version, Build)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logging system
	if err := logging.InitGlobalLogger(cfg); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.CloseGlobalLogger()

	logging.Info("main", fmt.Sprintf("nexrigd version %s starting...", Version))
	logging.Info("main", fmt.Sprintf("Hardware backend: %s", cfg.Hardware.Backend))
	logging.Info("main", fmt.Sprintf("Default: %s at %d Hz, antenna %d",
		cfg.RF.DefaultBand, cfg.RF.DefaultFrequency, cfg.RF.DefaultAntenna))
	logging.Info("main", fmt.Sprintf("Web interface: http://%s:%d", cfg.Web.BindAddress, cfg.Web.Port))

	// Fault IDs are minted on the RF control task; batch the entropy reads
	uuid.EnableRandPool()

	daemon, err := NewRigDaemon(cfg)
	if err != nil {
		logging.Error("main", fmt.Sprintf("Failed to create daemon: %v", err))
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := daemon.Start(); err != nil {
		logging.Error("main", fmt.Sprintf("Failed to start daemon: %v", err))
		daemon.Stop()
		os.Exit(1)
	}

	logging.Info("main", "nexrigd started successfully")

	// Wait for a shutdown signal or for the RF core to stop on its own
	exitCode := 0
	select {
	case <-sigChan:
		logging.Info("main", "Shutting down...")
	case <-daemon.Done():
		if err := daemon.Err(); err != nil {
			logging.Error("main", fmt.Sprintf("RF core stopped: %v", err))
			exitCode = 1
		}
	}

	if err := daemon.Stop(); err != nil {
		logging.Error("main", fmt.Sprintf("Error during shutdown: %v", err))
	}

	logging.Info("main", "nexrigd stopped")
	if exitCode != 0 {
		logging.CloseGlobalLogger()
		os.Exit(exitCode)
	}
}
