// Package main is the entry point for the nightscout-loop closed-loop dosing service
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mrcode/nightscout-loop/internal/app"
	"github.com/mrcode/nightscout-loop/internal/log"
	"github.com/mrcode/nightscout-loop/internal/loop"
	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/telemetry"
)

var (
	configPath = flag.String("config", "", "Settings file (JSON or YAML); defaults to the user config dir")
	inputPath  = flag.String("input", "", "Run one recommendation for this fixture and print it")
	serve      = flag.Bool("serve", false, "Serve the HTTP API")
	runLoop    = flag.Bool("nightscout", false, "Run control cycles against the configured Nightscout server")
	interval   = flag.Duration("interval", 0, "Control cycle interval (default: refreshInterval setting)")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	saveConfig = flag.Bool("write-config", false, "Write the effective settings to the settings file and exit")
)

func main() {
	flag.Parse()

	settings, err := loadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading settings: %v\n", err)
		os.Exit(1)
	}

	if err := log.Init(settings.Debug, settings.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *saveConfig {
		if err := writeSettings(settings); err != nil {
			log.Fatalf("Failed to write settings: %v", err)
		}
		return
	}

	if *inputPath != "" {
		if err := runFixture(*inputPath, settings); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if settings.TracingEnabled {
		shutdown, err := telemetry.Init(ctx)
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Errorf("Error shutting down tracing: %v", err)
			}
		}()
	}

	application, err := app.New(settings, app.Options{Serve: *serve, Nightscout: *runLoop, Interval: *interval})
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer func() { _ = application.Close() }()

	if err := application.Run(ctx); err != nil {
		log.Errorf("Exited with error: %v", err)
	}
	log.Infof("Shutdown complete")
}

func loadSettings() (*models.Settings, error) {
	settings := models.DefaultSettings()
	var err error
	if *configPath != "" {
		err = settings.LoadFile(*configPath)
	} else {
		err = settings.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := settings.ApplyEnv(context.Background()); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if *debug {
		settings.Debug = true
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func writeSettings(settings *models.Settings) error {
	if *configPath != "" {
		return settings.SaveFile(*configPath)
	}
	return settings.Save()
}

// runFixture decodes an input fixture, runs the algorithm once and prints the output as JSON
func runFixture(path string, settings *models.Settings) error {
	f, err := os.Open(path) //nolint:gosec // Fixture path is supplied by the operator
	if err != nil {
		return fmt.Errorf("failed to open fixture: %w", err)
	}
	defer func() { _ = f.Close() }()

	in, err := loop.DecodeFixture(f)
	if err != nil {
		return err
	}
	out, err := loop.NewAlgorithm(app.AlgorithmConfig(settings)).Run(in)
	if err != nil {
		return fmt.Errorf("recommendation failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
