package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/audit"
	"github.com/raaihank/pii-sentinel/internal/cache"
	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/detect"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/pattern"
	"github.com/raaihank/pii-sentinel/internal/pii"
	"github.com/raaihank/pii-sentinel/internal/recognizer"
	"github.com/raaihank/pii-sentinel/internal/rules"
	"github.com/raaihank/pii-sentinel/internal/server"
	"github.com/raaihank/pii-sentinel/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("PII-Sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck {
		performHealthCheck()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled:  cfg.Logging.File.Enabled,
			Path:     cfg.Logging.File.Path,
			MaxSize:  cfg.Logging.File.MaxSize,
			MaxAge:   cfg.Logging.File.MaxAge,
			Compress: cfg.Logging.File.Compress,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting PII-Sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)
	server.Version = version

	// Detection pipeline
	patterns := pattern.NewCache(cfg.Detection.PatternCacheSize, log.WithComponent("pattern").Logger)
	store := rules.NewStore(cfg.Rules.File, log.WithComponent("rules").Logger)

	statistical, err := recognizer.NewStatistical(cfg.NER, log.WithComponent("ner").Logger)
	if err != nil {
		log.Fatal("Failed to create statistical recognizer", zap.Error(err))
	}

	engine := detect.NewEngine(cfg.Detection.ScoreThreshold, log.WithComponent("detect").Logger)
	service := pii.New(store, patterns, engine, statistical, log.WithComponent("pii").Logger)
	if err := service.Init(); err != nil {
		log.Fatal("Failed to initialize detection service", zap.Error(err))
	}
	defer service.Close()

	// Optional result cache
	var results *cache.ResultCache
	if cfg.Cache.Enabled {
		results, err = cache.NewResultCache(&cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			log.Fatal("Failed to initialize result cache", zap.Error(err))
		}
		defer results.Close()
	}

	// Optional audit trail
	var auditor *audit.Store
	if cfg.Audit.Enabled {
		auditor, err = audit.NewStore(&cfg.Audit, log.WithComponent("audit").Logger)
		if err != nil {
			log.Fatal("Failed to initialize audit store", zap.Error(err))
		}
		auditor.Start()
		defer auditor.Close()
	}

	var wsHub *websocket.Hub
	if cfg.WebSocket.Enabled {
		wsHub = websocket.NewHub(&cfg.WebSocket, log.WithComponent("websocket").Logger)
	}

	// Hot reload of the rules file
	if cfg.Rules.Watch {
		err := store.Watch(func() {
			log.Info("Rules file changed on disk, rules reloaded",
				zap.Uint64("generation", store.Generation()))
			if wsHub != nil {
				wsHub.BroadcastEvent(websocket.Event{
					Type:      websocket.EventTypeRuleChange,
					Timestamp: time.Now(),
					Data: websocket.RuleChangeEvent{
						Action:     "reloaded",
						RuleCount:  len(store.List()),
						Generation: store.Generation(),
					},
				})
			}
		})
		if err != nil {
			log.Warn("Failed to watch rules file", zap.Error(err))
		} else {
			defer store.Close()
		}
	}

	srv := server.New(cfg, log, service, results, auditor, wsHub)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("Server error", zap.Error(err))
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Stop(ctx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			os.Exit(1)
		}
		log.Info("Server shutdown complete")
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck() {
	port := os.Getenv("PIISENTINEL_SERVER_PORT")
	if port == "" {
		port = "8000"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("Health check passed")
}
