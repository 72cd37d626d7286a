package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/audit"
	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		outputFile = flag.String("output", "", "Output Parquet file path")
		since      = flag.Duration("since", 24*time.Hour, "Export events newer than this age")
	)
	flag.Parse()

	if *outputFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s --output events.parquet [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --output events.parquet\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --output week.parquet --since 168h\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting audit export",
		zap.String("output", *outputFile),
		zap.Duration("since", *since))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling export...")
		cancel()
	}()

	store, err := audit.NewStore(&cfg.Audit, log.WithComponent("audit").Logger)
	if err != nil {
		log.Fatal("Failed to connect to audit store", zap.Error(err))
	}
	defer store.Close()

	cutoff := time.Now().Add(-*since)
	events, err := store.Since(ctx, cutoff)
	if err != nil {
		log.Fatal("Failed to read audit events", zap.Error(err))
	}
	if len(events) == 0 {
		log.Info("No events to export", zap.Time("cutoff", cutoff))
		return
	}

	if err := audit.ExportParquet(*outputFile, events, log.WithComponent("export").Logger); err != nil {
		log.Fatal("Export failed", zap.Error(err))
	}

	log.Info("Export complete",
		zap.Int("events", len(events)),
		zap.String("output", *outputFile))
}
