package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keboola/docloop/internal/api"
	"github.com/keboola/docloop/internal/docloop"
	"github.com/keboola/docloop/internal/telemetry"
	"github.com/keboola/docloop/pkg/config"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	if *showVersion {
		fmt.Printf("docloop v%s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}
	applyEnv(cfg)

	shutdownTelemetry, err := telemetry.FromConfig(context.Background(), cfg.Telemetry)
	if err != nil {
		log.Printf("Warning: Failed to initialize telemetry: %v", err)
	} else {
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				log.Printf("Error shutting down telemetry: %v", err)
			}
		}()
	}

	app, err := docloop.New(cfg)
	if err != nil {
		log.Fatalf("failed to create docloop: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Initialize(runCtx); err != nil {
		log.Fatalf("failed to initialize docloop: %v", err)
	}

	apiServer := api.NewServer(app)
	handler := otelhttp.NewHandler(apiServer.SetupRoutes(), "docloop-http-server")

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("docloop API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down", sig)
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	_ = httpSrv.Shutdown(shutdownCtx)
	app.Shutdown()
}

// loadConfig falls back to defaults when the default config file is absent
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigFromFile(path)
	if errors.Is(err, os.ErrNotExist) && path == "config.yaml" {
		log.Printf("No %s found, using defaults", path)
		return config.DefaultConfig(), nil
	}
	return cfg, err
}

// applyEnv overrides config with environment variables when set
func applyEnv(cfg *config.Config) {
	if dsn := os.Getenv("DOCLOOP_DATABASE_DSN"); dsn != "" {
		cfg.Database.Type = "postgres"
		cfg.Database.DSN = dsn
		log.Printf("Using Postgres DSN from environment")
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = endpoint
		log.Printf("Using OTLP endpoint from environment: %s", endpoint)
	}
	if temporalHost := os.Getenv("TEMPORAL_HOST"); temporalHost != "" {
		cfg.Temporal.Host = temporalHost
		log.Printf("Using Temporal host from environment: %s", temporalHost)
	}
	if temporalNamespace := os.Getenv("TEMPORAL_NAMESPACE"); temporalNamespace != "" {
		cfg.Temporal.Namespace = temporalNamespace
		log.Printf("Using Temporal namespace from environment: %s", temporalNamespace)
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.NATS.Enabled = true
		cfg.NATS.URL = natsURL
		log.Printf("Using NATS URL from environment: %s", natsURL)
	}
	if secret := os.Getenv("DOCLOOP_WEBHOOK_SECRET"); secret != "" {
		cfg.Security.WebhookSecret = secret
	}
}

func printHelp() {
	fmt.Println("Usage: docloop [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config   Path to configuration file (default: config.yaml)")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -help     Show help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  DOCLOOP_DATABASE_DSN          Postgres DSN; switches the graph store to postgres")
	fmt.Println("  DOCLOOP_WEBHOOK_SECRET        GitHub webhook secret")
	fmt.Println("  GITHUB_TOKEN                  Token passed to the gh CLI")
	fmt.Println("  OTEL_EXPORTER_OTLP_ENDPOINT   Enables tracing to this OTLP gRPC endpoint")
	fmt.Println("  TEMPORAL_HOST                 Temporal frontend address")
	fmt.Println("  TEMPORAL_NAMESPACE            Temporal namespace")
	fmt.Println("  NATS_URL                      Enables the NATS bridge at this URL")
}
