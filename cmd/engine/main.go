// Command engine launches the Tidemark data engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/coachpo/tidemark/config"
	"github.com/coachpo/tidemark/internal/bus"
	"github.com/coachpo/tidemark/internal/catalog"
	"github.com/coachpo/tidemark/internal/client"
	"github.com/coachpo/tidemark/internal/engine"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	engineShutdownTimeout    = 30 * time.Second
	catalogShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", defaultConfigPath, "Path to application configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	observability.SetLogger(observability.NewStdLogger())
	log := observability.Log()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Info("configuration initialised",
		observability.F("env", string(cfg.Environment)),
		observability.F("catalog", string(cfg.Catalog.Backend)),
		observability.F("venues", len(cfg.Venues)))

	var telemetryShutdown func(context.Context) error
	var metrics *telemetry.Metrics
	if cfg.Telemetry.EnableMetrics {
		var readers []sdkmetric.Reader
		if cfg.Telemetry.OTLPEndpoint != "" {
			reader, err := telemetry.NewOTLPReader(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.OTLPInsecure)
			if err != nil {
				return fmt.Errorf("initialise otlp exporter: %w", err)
			}
			readers = append(readers, reader)
		}
		telemetryShutdown, err = telemetry.Init(ctx, cfg.Telemetry.ServiceName, readers...)
		if err != nil {
			return fmt.Errorf("initialise telemetry: %w", err)
		}
		metrics, err = telemetry.NewMetrics()
		if err != nil {
			return fmt.Errorf("build engine metrics: %w", err)
		}
	}

	store, err := buildCatalog(ctx, cfg.Catalog, log)
	if err != nil {
		return err
	}

	dataBus := bus.NewMemoryBus(bus.MemoryConfig{BufferSize: cfg.Bus.BufferSize})

	eng := engine.New(engine.Config{
		CommandQueueSize:        cfg.Engine.CommandQueueSize,
		RequestQueueSize:        cfg.Engine.RequestQueueSize,
		ResponseQueueSize:       cfg.Engine.ResponseQueueSize,
		DataQueueSize:           cfg.Engine.DataQueueSize,
		GracefulShutdownTimeout: cfg.Engine.GracefulShutdownTimeout,
		SnapshotInterval:        cfg.Engine.SnapshotInterval,
		DefaultBookDepth:        cfg.Engine.DefaultBookDepth,
		SeedBarOpen:             cfg.Engine.SeedBarOpen,
	}, dataBus, store, metrics, log)

	sim := client.NewSimClient(client.SimOptions{})
	if err := eng.RegisterClient(sim); err != nil {
		return fmt.Errorf("register sim client: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	log.Info("engine started; awaiting shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), engineShutdownTimeout)
	defer shutdownCancel()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown", observability.F("error", err))
	}
	if store != nil {
		storeCtx, storeCancel := context.WithTimeout(context.Background(), catalogShutdownTimeout)
		if err := store.Close(storeCtx); err != nil {
			log.Error("catalog shutdown", observability.F("error", err))
		}
		storeCancel()
	}
	dataBus.Close()
	if telemetryShutdown != nil {
		telCtx, telCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		if err := telemetryShutdown(telCtx); err != nil {
			log.Error("telemetry shutdown", observability.F("error", err))
		}
		telCancel()
	}
	log.Info("engine stopped")
	return nil
}

func buildCatalog(ctx context.Context, cfg config.CatalogConfig, log observability.Logger) (catalog.Store, error) {
	switch cfg.Backend {
	case config.BackendParquet:
		store, err := catalog.NewParquetStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open parquet catalog: %w", err)
		}
		return store, nil
	case config.BackendPostgres:
		if err := catalog.Migrate(ctx, cfg.DSN, cfg.MigrationsDir, log); err != nil {
			return nil, fmt.Errorf("migrate catalog schema: %w", err)
		}
		store, err := catalog.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres catalog: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}
