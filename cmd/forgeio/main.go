// ForgeIO - industrial gateway data plane
//
// Polls device drivers on configurable cadences, maintains the live tag
// image, and republishes changes to MQTT, Valkey, Kafka, and InfluxDB.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"forgeio/config"
	"forgeio/engine"
	"forgeio/logging"

	_ "forgeio/uasim" // Register the simulated driver
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to configuration file")
	logPath := flag.String("log", "", "Path to engine log file (default: stderr)")
	debugPath := flag.String("debug", "", "Path to debug log file (disabled when empty)")
	debugFilter := flag.String("debug-filter", "", "Comma-separated debug subsystems: "+strings.Join(logging.KnownSubsystems(), ","))
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("forgeio %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logFn := func(format string, args ...interface{}) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	if *logPath != "" {
		fileLog, err := logging.NewFileLogger(*logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer fileLog.Close()
		logFn = fileLog.Log
	}

	if *debugPath != "" {
		debugLog, err := logging.NewDebugLogger(*debugPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening debug log: %v\n", err)
			os.Exit(1)
		}
		debugLog.SetFilter(*debugFilter)
		logging.SetGlobalDebugLogger(debugLog)
		defer debugLog.Close()
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		LogFunc:    logFn,
	})
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logFn("Received %v, shutting down", sig)

	eng.Stop()
}
