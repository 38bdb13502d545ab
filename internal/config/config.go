// Package config provides configuration loading from environment variables
// and the engine catalogue file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServiceConfig holds configuration for the security analysis service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	LogLevel          string
	ShutdownTimeout   time.Duration
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	Database DatabaseConfig
	NATS     NATSConfig
	Upstream UpstreamConfig
	MinIO    MinIOConfig
	Events   EventsConfig

	DefaultProvider    string
	ProvidersFile      string
	WorkDirRoot        string
	EngineHostWorkDir  string // WorkDirRoot as seen by the Docker daemon, empty when shared
	MaxConcurrentRuns  int
	ExecutionRetention time.Duration
	ParametersCacheTTL time.Duration
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheck     time.Duration
}

// NATSConfig configures the message queue. An empty URL selects the
// in-process queue.
type NATSConfig struct {
	URL    string
	Stream string
}

// UpstreamConfig holds collaborator base URIs.
type UpstreamConfig struct {
	ActionsBaseURI           string
	DynamicSimulationBaseURI string
	NetworkStoreBaseURI      string
	ReportBaseURI            string
	Timeout                  time.Duration
}

// MinIOConfig configures debug artifact storage. An empty endpoint disables
// debug uploads.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// EventsConfig configures outbound event destinations.
type EventsConfig struct {
	WebhookURL string
	SigningKey string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
		ShutdownTimeout:   GetDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		Database: DatabaseConfig{
			URL:             GetEnv("DATABASE_URL", ""),
			MaxConns:        int32(GetIntEnv("DB_MAX_CONNS", 10)),
			MinConns:        int32(GetIntEnv("DB_MIN_CONNS", 2)),
			MaxConnLifetime: GetDurationEnv("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime: GetDurationEnv("DB_MAX_CONN_IDLE_TIME", 10*time.Minute),
			HealthCheck:     GetDurationEnv("DB_HEALTH_CHECK_PERIOD", time.Minute),
		},
		NATS: NATSConfig{
			URL:    GetEnv("NATS_URL", ""),
			Stream: GetEnv("NATS_STREAM", "DSA"),
		},
		Upstream: UpstreamConfig{
			ActionsBaseURI:           GetEnv("ACTIONS_SERVER_BASE_URI", "http://actions-server/"),
			DynamicSimulationBaseURI: GetEnv("DYNAMIC_SIMULATION_SERVER_BASE_URI", "http://dynamic-simulation-server/"),
			NetworkStoreBaseURI:      GetEnv("NETWORK_STORE_SERVER_BASE_URI", "http://network-store-server/"),
			ReportBaseURI:            GetEnv("REPORT_SERVER_BASE_URI", "http://report-server/"),
			Timeout:                  GetDurationEnv("UPSTREAM_TIMEOUT", 30*time.Second),
		},
		MinIO: MinIOConfig{
			Endpoint:  GetEnv("MINIO_ENDPOINT", ""),
			AccessKey: GetEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: GetSecretFile(GetEnv("MINIO_SECRET_KEY_FILE", "")),
			Bucket:    GetEnv("MINIO_BUCKET", "dsa-debug"),
			Region:    GetEnv("MINIO_REGION", ""),
			UseSSL:    GetBoolEnv("MINIO_USE_SSL", false),
		},
		Events: EventsConfig{
			WebhookURL: GetEnv("EVENTS_WEBHOOK_URL", ""),
			SigningKey: GetSecretFile(GetEnv("EVENTS_SIGNING_KEY_FILE", "")),
		},
		DefaultProvider:    GetEnv("DEFAULT_PROVIDER", "Dynawo"),
		ProvidersFile:      GetEnv("PROVIDERS_FILE", ""),
		WorkDirRoot:        GetEnv("WORK_DIR_ROOT", os.TempDir()),
		EngineHostWorkDir:  GetEnv("ENGINE_HOST_WORK_DIR_ROOT", ""),
		MaxConcurrentRuns:  GetIntEnv("MAX_CONCURRENT_RUNS", 4),
		ExecutionRetention: GetDurationEnv("EXECUTION_RETENTION", 10*time.Minute),
		ParametersCacheTTL: GetDurationEnv("PARAMETERS_CACHE_TTL", 5*time.Minute),
	}
}

// Validate checks the loaded configuration for values the service cannot run with.
func (c *ServiceConfig) Validate() error {
	var errs []error
	for name, port := range map[string]string{"PORT": c.Port, "METRICS_PORT": c.MetricsPort} {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			errs = append(errs, fmt.Errorf("%s must be a valid port, got %q", name, port))
		}
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if strings.TrimSpace(c.DefaultProvider) == "" {
		errs = append(errs, errors.New("DEFAULT_PROVIDER must not be empty"))
	}
	if c.MaxConcurrentRuns < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_RUNS must be at least 1"))
	}
	if strings.Contains(c.MinIO.Endpoint, "://") {
		errs = append(errs, errors.New("MINIO_ENDPOINT must not include a scheme"))
	}
	return errors.Join(errs...)
}
