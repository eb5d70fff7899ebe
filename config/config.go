// Package config loads the unified Tidemark configuration with precedence:
// code defaults, then YAML, then environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names a deployment environment.
type Environment string

const (
	// EnvDev is the local development environment.
	EnvDev Environment = "dev"
	// EnvStaging is the pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProd is the production environment.
	EnvProd Environment = "prod"
)

// EngineConfig tunes the data engine's queues and timers.
type EngineConfig struct {
	CommandQueueSize        int           `yaml:"commandQueueSize"`
	RequestQueueSize        int           `yaml:"requestQueueSize"`
	ResponseQueueSize       int           `yaml:"responseQueueSize"`
	DataQueueSize           int           `yaml:"dataQueueSize"`
	GracefulShutdownTimeout time.Duration `yaml:"-"`
	SnapshotInterval        time.Duration `yaml:"-"`
	DefaultBookDepth        int           `yaml:"defaultBookDepth"`
	SeedBarOpen             bool          `yaml:"seedBarOpen"`
}

// CatalogBackend selects the historical data store.
type CatalogBackend string

const (
	// BackendNone disables the catalog.
	BackendNone CatalogBackend = "none"
	// BackendParquet stores history as local parquet datasets.
	BackendParquet CatalogBackend = "parquet"
	// BackendPostgres stores history in PostgreSQL.
	BackendPostgres CatalogBackend = "postgres"
)

// CatalogConfig configures the historical data catalog.
type CatalogConfig struct {
	Backend       CatalogBackend `yaml:"backend"`
	Dir           string         `yaml:"dir"`
	DSN           string         `yaml:"dsn"`
	MigrationsDir string         `yaml:"migrationsDir"`
}

// BusConfig sets data bus buffer sizing.
type BusConfig struct {
	BufferSize int `yaml:"bufferSize"`
}

// TelemetryConfig configures the metrics pipeline. An empty OTLPEndpoint
// keeps metrics in-process only.
type TelemetryConfig struct {
	ServiceName   string `yaml:"serviceName"`
	EnableMetrics bool   `yaml:"enableMetrics"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
}

// VenueSettings configures one venue's websocket transport.
type VenueSettings struct {
	WSURL             string
	ControlRatePerSec float64
	ControlBurst      int
	MaxReconnectWait  time.Duration
	DialTimeout       time.Duration
}

// AppConfig is the unified Tidemark application configuration.
type AppConfig struct {
	Environment Environment
	Engine      EngineConfig
	Catalog     CatalogConfig
	Bus         BusConfig
	Telemetry   TelemetryConfig
	Venues      map[string]VenueSettings
}

type venueSettingsYAML struct {
	WSURL             string  `yaml:"wsUrl"`
	ControlRatePerSec float64 `yaml:"controlRatePerSec"`
	ControlBurst      int     `yaml:"controlBurst"`
	MaxReconnectWait  string  `yaml:"maxReconnectWait"`
	DialTimeout       string  `yaml:"dialTimeout"`
}

type engineConfigYAML struct {
	CommandQueueSize        int    `yaml:"commandQueueSize"`
	RequestQueueSize        int    `yaml:"requestQueueSize"`
	ResponseQueueSize       int    `yaml:"responseQueueSize"`
	DataQueueSize           int    `yaml:"dataQueueSize"`
	GracefulShutdownTimeout string `yaml:"gracefulShutdownTimeout"`
	SnapshotInterval        string `yaml:"snapshotInterval"`
	DefaultBookDepth        int    `yaml:"defaultBookDepth"`
	SeedBarOpen             bool   `yaml:"seedBarOpen"`
}

type appConfigYAML struct {
	Environment string                       `yaml:"environment"`
	Engine      engineConfigYAML             `yaml:"engine"`
	Catalog     CatalogConfig                `yaml:"catalog"`
	Bus         BusConfig                    `yaml:"bus"`
	Telemetry   TelemetryConfig              `yaml:"telemetry"`
	Venues      map[string]venueSettingsYAML `yaml:"venues"`
}

// Load loads the Tidemark configuration: defaults, then YAML, then env vars.
func Load(configPath string) (AppConfig, error) {
	cfg := defaultAppConfig()

	if err := cfg.loadYAML(configPath); err != nil && !isConfigNotFoundError(err) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", err)
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return os.IsNotExist(err) || strings.Contains(err.Error(), "open app config")
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Engine: EngineConfig{
			CommandQueueSize:        256,
			RequestQueueSize:        256,
			ResponseQueueSize:       256,
			DataQueueSize:           4096,
			GracefulShutdownTimeout: 5 * time.Second,
			SnapshotInterval:        time.Second,
			DefaultBookDepth:        10,
			SeedBarOpen:             false,
		},
		Catalog: CatalogConfig{
			Backend:       BackendParquet,
			Dir:           "data/catalog",
			DSN:           "",
			MigrationsDir: "db/migrations",
		},
		Bus: BusConfig{
			BufferSize: 1024,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "tidemark",
			EnableMetrics: true,
		},
		Venues: make(map[string]VenueSettings),
	}
}

func (c *AppConfig) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("TIDEMARK_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config/app.yaml"
	}

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var yamlCfg appConfigYAML
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if yamlCfg.Environment != "" {
		c.Environment = Environment(strings.ToLower(strings.TrimSpace(yamlCfg.Environment)))
	}

	if yamlCfg.Engine.CommandQueueSize > 0 {
		c.Engine.CommandQueueSize = yamlCfg.Engine.CommandQueueSize
	}
	if yamlCfg.Engine.RequestQueueSize > 0 {
		c.Engine.RequestQueueSize = yamlCfg.Engine.RequestQueueSize
	}
	if yamlCfg.Engine.ResponseQueueSize > 0 {
		c.Engine.ResponseQueueSize = yamlCfg.Engine.ResponseQueueSize
	}
	if yamlCfg.Engine.DataQueueSize > 0 {
		c.Engine.DataQueueSize = yamlCfg.Engine.DataQueueSize
	}
	if yamlCfg.Engine.DefaultBookDepth > 0 {
		c.Engine.DefaultBookDepth = yamlCfg.Engine.DefaultBookDepth
	}
	c.Engine.SeedBarOpen = yamlCfg.Engine.SeedBarOpen
	if dur, ok := parseDuration(yamlCfg.Engine.GracefulShutdownTimeout); ok {
		c.Engine.GracefulShutdownTimeout = dur
	}
	if dur, ok := parseDuration(yamlCfg.Engine.SnapshotInterval); ok {
		c.Engine.SnapshotInterval = dur
	}

	if yamlCfg.Catalog.Backend != "" {
		c.Catalog.Backend = CatalogBackend(strings.ToLower(strings.TrimSpace(string(yamlCfg.Catalog.Backend))))
	}
	if strings.TrimSpace(yamlCfg.Catalog.Dir) != "" {
		c.Catalog.Dir = yamlCfg.Catalog.Dir
	}
	if strings.TrimSpace(yamlCfg.Catalog.DSN) != "" {
		c.Catalog.DSN = yamlCfg.Catalog.DSN
	}
	if strings.TrimSpace(yamlCfg.Catalog.MigrationsDir) != "" {
		c.Catalog.MigrationsDir = yamlCfg.Catalog.MigrationsDir
	}

	if yamlCfg.Bus.BufferSize > 0 {
		c.Bus.BufferSize = yamlCfg.Bus.BufferSize
	}

	if strings.TrimSpace(yamlCfg.Telemetry.ServiceName) != "" {
		c.Telemetry.ServiceName = yamlCfg.Telemetry.ServiceName
	}
	c.Telemetry.EnableMetrics = yamlCfg.Telemetry.EnableMetrics
	if strings.TrimSpace(yamlCfg.Telemetry.OTLPEndpoint) != "" {
		c.Telemetry.OTLPEndpoint = yamlCfg.Telemetry.OTLPEndpoint
	}
	c.Telemetry.OTLPInsecure = yamlCfg.Telemetry.OTLPInsecure

	for name, venueYAML := range yamlCfg.Venues {
		venue := strings.ToUpper(strings.TrimSpace(name))
		settings := c.Venues[venue]
		if venueYAML.WSURL != "" {
			settings.WSURL = venueYAML.WSURL
		}
		if venueYAML.ControlRatePerSec > 0 {
			settings.ControlRatePerSec = venueYAML.ControlRatePerSec
		}
		if venueYAML.ControlBurst > 0 {
			settings.ControlBurst = venueYAML.ControlBurst
		}
		if dur, ok := parseDuration(venueYAML.MaxReconnectWait); ok {
			settings.MaxReconnectWait = dur
		}
		if dur, ok := parseDuration(venueYAML.DialTimeout); ok {
			settings.DialTimeout = dur
		}
		c.Venues[venue] = settings
	}

	return nil
}

func (c *AppConfig) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("TIDEMARK_ENV")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("TIDEMARK_CATALOG_BACKEND")); v != "" {
		c.Catalog.Backend = CatalogBackend(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("TIDEMARK_CATALOG_DSN")); v != "" {
		c.Catalog.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TIDEMARK_CATALOG_DIR")); v != "" {
		c.Catalog.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("TIDEMARK_DATA_QUEUE_SIZE")); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size > 0 {
			c.Engine.DataQueueSize = size
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

// Validate checks the merged configuration is coherent.
func (c *AppConfig) Validate() error {
	if c.Environment != EnvDev && c.Environment != EnvStaging && c.Environment != EnvProd {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}
	if c.Engine.CommandQueueSize <= 0 || c.Engine.RequestQueueSize <= 0 ||
		c.Engine.ResponseQueueSize <= 0 || c.Engine.DataQueueSize <= 0 {
		return fmt.Errorf("engine queue sizes must be >0")
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus bufferSize must be >0")
	}
	switch c.Catalog.Backend {
	case BackendNone:
	case BackendParquet:
		if strings.TrimSpace(c.Catalog.Dir) == "" {
			return fmt.Errorf("parquet catalog requires a dir")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Catalog.DSN) == "" {
			return fmt.Errorf("postgres catalog requires a dsn")
		}
	default:
		return fmt.Errorf("invalid catalog backend: %s", c.Catalog.Backend)
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tidemark"
	}
	return nil
}

func parseDuration(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	dur, err := time.ParseDuration(value)
	if err != nil || dur <= 0 {
		return 0, false
	}
	return dur, true
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		candidates []string
		seen       = make(map[string]struct{})
	)
	addCandidate := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	addCandidate(path)
	for _, fallback := range []string{
		"config/app.yaml",
		"config/app.example.yaml",
	} {
		addCandidate(fallback)
	}

	var lastErr error
	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are controlled by operators.
		if err == nil {
			return file, func() { _ = file.Close() }, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("open app config: %w", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, nil, fmt.Errorf("open app config: %w", lastErr)
}
