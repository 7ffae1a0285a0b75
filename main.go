package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"raingate/api"
	"raingate/config"
	"raingate/internal/gateway"
	"raingate/internal/geocache"
	"raingate/internal/keypool"
	"raingate/internal/logger"
	"raingate/internal/server"
	"raingate/internal/stats"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Define command-line flags
	configPath := flag.String("config", getDefaultConfigPath(), "Path to TOML configuration file")
	logLevel := flag.String("log-level", "", "Override configured logging level (debug, info, warn, error)")
	generateConfig := flag.Bool("generate-config", false, "Generate a sample configuration file and exit")
	flag.Parse()

	// Handle config generation
	if *generateConfig {
		if err := config.GenerateSampleConfig(*configPath); err != nil {
			logger.Fatal("Failed to generate sample config: %v", err)
		}
		logger.Info("Sample configuration file created at: %s", *configPath)
		logger.Info("Please edit the file to add your API keys and customize settings")
		return
	}

	// A local .env keeps API keys out of the config file during development.
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded environment from .env")
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		var configNotFound *config.ConfigNotFoundError
		if errors.As(err, &configNotFound) {
			logger.Fatal("%v", err)
		} else {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Configuration validation failed: %v", err)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Configure logging
	if err := logger.Initialize(logger.Config{
		Enabled:         cfg.Logging.Enabled,
		Directory:       cfg.Logging.Directory,
		FilenamePattern: cfg.Logging.FilenamePattern,
		Level:           cfg.Logging.Level,
		MaxFiles:        cfg.Logging.MaxFiles,
		MaxSizeMB:       cfg.Logging.MaxSizeMB,
		ConsoleOutput:   cfg.Logging.ConsoleOutput,
	}); err != nil {
		logger.Fatal("Failed to initialize logging: %v", err)
	}

	logger.Info("Raingate - Weather Forecast Proxy")
	logger.Debug("Starting with config: %s", *configPath)

	// Credential pool: Tomorrow.io keys first, OpenWeatherMap as the last
	// resort. Registration order is acquisition priority.
	pool := keypool.New(cfg.Limits.HourlyLimit, cfg.Limits.DailyLimit)
	for i, key := range cfg.Upstream.TomorrowKeys {
		pool.Register(fmt.Sprintf("tomorrow-%d", i+1), key, "tomorrow")
	}
	if cfg.Upstream.OpenWeatherKey != "" {
		pool.Register("openweather-1", cfg.Upstream.OpenWeatherKey, "openweather")
	}
	logger.Info("Registered %d API credentials (%d calls/day total)", pool.Len(), pool.TotalDailyQuota())

	cache := geocache.New(geocache.Config{
		ExactTTL:       time.Duration(cfg.Cache.ExactTTLMinutes) * time.Minute,
		GridTTL:        time.Duration(cfg.Cache.GridTTLMinutes) * time.Minute,
		CityTTL:        time.Duration(cfg.Cache.CityTTLMinutes) * time.Minute,
		GridResolution: cfg.Cache.GridResolution,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := stats.New()
	collector.StartDailyRollover(ctx)

	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	tomorrow := api.NewTomorrowClient(cfg.Upstream.TomorrowURL)
	tomorrow.SetTimeout(timeout)
	openweather := api.NewOpenWeatherClient(cfg.Upstream.OpenWeatherURL)
	openweather.SetTimeout(timeout)

	gw := gateway.New(gateway.Options{
		Pool:         pool,
		Cache:        cache,
		Stats:        collector,
		Providers:    []api.Provider{tomorrow, openweather},
		Geocoder:     openweather,
		GeocoderKey:  cfg.Upstream.OpenWeatherKey,
		NearestMaxKm: cfg.Cache.NearestMaxKm,
	})

	srv := server.New(server.Options{
		Gateway:        gw,
		Pool:           pool,
		Cache:          cache,
		Stats:          collector,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestRate:    cfg.Server.RequestRate,
		RequestBurst:   cfg.Server.RequestBurst,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Fatal("HTTP server failed: %v", err)
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed: %v", err)
	}
	logger.Info("Server stopped")
}

// getDefaultConfigPath returns a cross-platform default config path
func getDefaultConfigPath() string {
	// Try to use config.toml in the current directory
	return filepath.Clean("config.toml")
}
