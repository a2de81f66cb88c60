// Command flapi is the gateway's entrypoint: parse flags, bring up
// logging, load and validate configuration, and run the HTTP server
// until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flapi/internal/config"
	"flapi/internal/logging"
	"flapi/internal/server"
)

// Version is set at build time via ldflags.
// Example: go build -ldflags "-X main.Version=1.0.0 -X main.BuildTime=2024-01-15T10:30:00Z"
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath   = flag.String("config", "flapi.yaml", "Path to the project configuration file")
	logLevel     = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFile      = flag.String("log-file", "", "Log file path (empty writes to stdout)")
	validateOnly = flag.Bool("validate", false, "Validate configuration and exit")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("flapi version %s (built %s)\n", Version, BuildTime)
		return
	}

	if err := logging.Init(logging.Config{Level: *logLevel, FilePath: *logFile, AlsoStdout: *logFile != ""}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		result, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(1)
		}
		printValidationResult(result)
		if hasError(result.Diagnostics) {
			os.Exit(1)
		}
		os.Exit(0)
	}

	srv, err := server.New(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start() }()

	select {
	case err := <-errChan:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("received %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Fatalf("shutdown error: %v", err)
		}
	}
}

func hasError(diagnostics []config.Diagnostic) bool {
	for _, d := range diagnostics {
		if d.Severity == "error" {
			return true
		}
	}
	return false
}

func printValidationResult(result *config.LoadResult) {
	fmt.Println("flapi configuration validator")
	fmt.Println("==============================")
	fmt.Printf("Config file: %s\n\n", *configPath)
	fmt.Printf("Project: %s\n", result.Config.Project.Name)
	fmt.Printf("Endpoints: %d loaded\n", len(result.Endpoints))

	if len(result.Diagnostics) == 0 {
		fmt.Println("\nNo diagnostics.")
		fmt.Println("\nConfiguration valid")
		return
	}

	fmt.Println("\nDiagnostics:")
	for _, d := range result.Diagnostics {
		fmt.Printf("  [%s] %s: %s\n", d.Severity, d.File, d.Message)
	}

	fmt.Println()
	if hasError(result.Diagnostics) {
		fmt.Println("Configuration invalid")
	} else {
		fmt.Println("Configuration valid")
	}
}
