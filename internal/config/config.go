// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for all state (always absolute)
	LogLevel  string
	LogPretty bool

	Monitoring  MonitoringConfig
	Recovery    RecoveryConfig
	Persistence PersistenceConfig
	Risk        RiskConfig
	Analytics   AnalyticsConfig
	Gateway     GatewayConfig
	Trading     TradingConfig
	Server      ServerConfig
}

// MonitoringConfig drives the production coordinator
type MonitoringConfig struct {
	HealthCheckIntervalSec         int  `validate:"min=1"`
	HeartbeatIntervalSec           int  `validate:"min=1"`
	HealthCheckTimeoutSec          int  `validate:"min=1"`
	AutoRecoveryEnabled            bool
	CriticalErrorThreshold         int `validate:"min=1"`
	MetricsPersistenceIntervalSec  int `validate:"min=1"`
	EmergencyStopOnCriticalFailure bool
	ComponentStartupTimeoutSec     int `validate:"min=1"`
	ShutdownTimeoutSec             int `validate:"min=1"`
	EmergencyShutdownTimeoutSec    int `validate:"min=1"`
}

// HealthCheckInterval returns the monitor loop period
func (c MonitoringConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSec) * time.Second
}

// HeartbeatInterval returns the heartbeat loop period
func (c MonitoringConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// HealthCheckTimeout returns the per-component health check budget
func (c MonitoringConfig) HealthCheckTimeout() time.Duration {
	return time.Duration(c.HealthCheckTimeoutSec) * time.Second
}

// MetricsPersistenceInterval returns the snapshot flush period
func (c MonitoringConfig) MetricsPersistenceInterval() time.Duration {
	return time.Duration(c.MetricsPersistenceIntervalSec) * time.Second
}

// ComponentStartupTimeout returns the per-component init/start budget
func (c MonitoringConfig) ComponentStartupTimeout() time.Duration {
	return time.Duration(c.ComponentStartupTimeoutSec) * time.Second
}

// ShutdownTimeout returns the graceful stop budget per component
func (c MonitoringConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// EmergencyShutdownTimeout returns the emergency stop budget per component
func (c MonitoringConfig) EmergencyShutdownTimeout() time.Duration {
	return time.Duration(c.EmergencyShutdownTimeoutSec) * time.Second
}

// RecoveryConfig drives the auto-recovery engine
type RecoveryConfig struct {
	MonitoringIntervalSec      int     `validate:"min=1"`
	MaxConcurrentRecoveries    int     `validate:"min=1"`
	RecoveryHistorySize        int     `validate:"min=1"`
	HealthHistorySize          int     `validate:"min=1"`
	MemoryCriticalThresholdPct float64 `validate:"gt=0,lte=100"`
	CPUCriticalThresholdPct    float64 `validate:"gt=0,lte=100"`
	DiskCriticalThresholdPct   float64 `validate:"gt=0,lte=100"`
	MarginCriticalThreshold    float64 `validate:"gte=0"`
	MarketDataStaleThresholdMin int    `validate:"min=1"`
	NetworkProbeAddr           string  `validate:"required"`
	WorkerPoolSize             int     `validate:"min=1"`
}

// MonitoringInterval returns the detection loop period
func (c RecoveryConfig) MonitoringInterval() time.Duration {
	return time.Duration(c.MonitoringIntervalSec) * time.Second
}

// MarketDataStaleThreshold returns the feed staleness limit
func (c RecoveryConfig) MarketDataStaleThreshold() time.Duration {
	return time.Duration(c.MarketDataStaleThresholdMin) * time.Minute
}

// PersistenceConfig drives the data persistence layer
type PersistenceConfig struct {
	BasePath                  string `validate:"required"`
	BackupPath                string `validate:"required"`
	EnableCompression         bool
	CompressionThresholdBytes int `validate:"min=0"`
	BackupIntervalH           int `validate:"min=1"`
	RetentionDays             int `validate:"min=0"`
	MaxFileSizeMB             int `validate:"min=1"`
	EnableIndex               bool
	IndexTimeoutSec           int `validate:"min=1"`
	AtomicWrites              bool
	SyncToDisk                bool
	WorkerPoolSize            int `validate:"min=1"`
	Offsite                   OffsiteConfig
}

// BackupInterval returns the scheduled backup period
func (c PersistenceConfig) BackupInterval() time.Duration {
	return time.Duration(c.BackupIntervalH) * time.Hour
}

// IndexTimeout returns the per-query index budget
func (c PersistenceConfig) IndexTimeout() time.Duration {
	return time.Duration(c.IndexTimeoutSec) * time.Second
}

// OffsiteConfig holds S3-compatible backup upload settings.
// Disabled unless an endpoint and bucket are configured.
type OffsiteConfig struct {
	Enabled       bool
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	Prefix        string
	KeepMin       int `validate:"min=0"`
	RetentionDays int `validate:"min=0"`
}

// RiskConfig drives the pre-execution risk gate
type RiskConfig struct {
	MaxRiskPerTradePct   float64 `validate:"gt=0,lte=100"`
	MaxPositions         int     `validate:"min=1"`
	MaxVolumePerSymbol   float64 `validate:"gt=0"`
	MaxDrawdownPct       float64 `validate:"gt=0,lte=100"`
	DailyLossCap         float64 `validate:"gte=0"`
	WeeklyLossCap        float64 `validate:"gte=0"`
	MonthlyLossCap       float64 `validate:"gte=0"`
	CorrelationThreshold float64 `validate:"gte=0,lte=1"`
}

// AnalyticsConfig drives the pipeline and the dashboard event bus
type AnalyticsConfig struct {
	EventQueueCapacity          int `validate:"min=1"`
	MetricsRefreshSec           int `validate:"min=1"`
	DataRefreshSec              int `validate:"min=1"`
	EventBatchSize              int `validate:"min=1"`
	CacheTTLSec                 int `validate:"min=1"`
	MinCandles                  int `validate:"min=5"`
	MinSamplesForConfidence     int `validate:"min=1"`
	InsightGenerationInterval   int `validate:"min=1"`
	StrengthThreshold           float64 `validate:"gte=0,lte=100"`
	PhaseConfidenceThreshold    float64 `validate:"gte=0,lte=100"`
	LearningConfidenceThreshold float64 `validate:"gte=0,lte=100"`
}

// CacheTTL returns the analysis cache lifetime
func (c AnalyticsConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// MetricsRefresh returns the rolling-window prune period
func (c AnalyticsConfig) MetricsRefresh() time.Duration {
	return time.Duration(c.MetricsRefreshSec) * time.Second
}

// DataRefresh returns the event consumer batch period
func (c AnalyticsConfig) DataRefresh() time.Duration {
	return time.Duration(c.DataRefreshSec) * time.Second
}

// GatewayConfig holds MT5 bridge gateway connection settings
type GatewayConfig struct {
	BaseURL           string
	WSURL             string
	AuthToken         string
	RequestTimeoutSec int `validate:"min=1"`
}

// RequestTimeout returns the per-request HTTP budget
func (c GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// TradingConfig selects the broker mode and the analysis universe
type TradingConfig struct {
	Mode         string   `validate:"oneof=paper gateway"`
	Symbols      []string `validate:"min=1"`
	Timeframes   []string `validate:"min=1"`
	CandleWindow int      `validate:"min=20"`
}

// ServerConfig holds the ops HTTP server settings
type ServerConfig struct {
	Port    int `validate:"min=1,max=65535"`
	DevMode bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic:
	// 1. STRATEGOS_DATA_DIR environment variable
	// 2. ./data
	// Always resolved to an absolute path, always created.
	dataDir := getEnv("STRATEGOS_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		Monitoring: MonitoringConfig{
			HealthCheckIntervalSec:         getEnvAsInt("MONITORING_HEALTH_CHECK_INTERVAL_SEC", 10),
			HeartbeatIntervalSec:           getEnvAsInt("MONITORING_HEARTBEAT_INTERVAL_SEC", 5),
			HealthCheckTimeoutSec:          getEnvAsInt("MONITORING_HEALTH_CHECK_TIMEOUT_SEC", 30),
			AutoRecoveryEnabled:            getEnvAsBool("MONITORING_AUTO_RECOVERY_ENABLED", true),
			CriticalErrorThreshold:         getEnvAsInt("MONITORING_CRITICAL_ERROR_THRESHOLD", 3),
			MetricsPersistenceIntervalSec:  getEnvAsInt("MONITORING_METRICS_PERSISTENCE_INTERVAL_SEC", 60),
			EmergencyStopOnCriticalFailure: getEnvAsBool("MONITORING_EMERGENCY_STOP_ON_CRITICAL_FAILURE", true),
			ComponentStartupTimeoutSec:     getEnvAsInt("MONITORING_COMPONENT_STARTUP_TIMEOUT_SEC", 30),
			ShutdownTimeoutSec:             getEnvAsInt("MONITORING_SHUTDOWN_TIMEOUT_SEC", 30),
			EmergencyShutdownTimeoutSec:    getEnvAsInt("MONITORING_EMERGENCY_SHUTDOWN_TIMEOUT_SEC", 5),
		},

		Recovery: RecoveryConfig{
			MonitoringIntervalSec:       getEnvAsInt("RECOVERY_MONITORING_INTERVAL_SEC", 10),
			MaxConcurrentRecoveries:     getEnvAsInt("RECOVERY_MAX_CONCURRENT_RECOVERIES", 2),
			RecoveryHistorySize:         getEnvAsInt("RECOVERY_HISTORY_SIZE", 500),
			HealthHistorySize:           getEnvAsInt("RECOVERY_HEALTH_HISTORY_SIZE", 1000),
			MemoryCriticalThresholdPct:  getEnvAsFloat("RECOVERY_MEMORY_CRITICAL_THRESHOLD_PCT", 90),
			CPUCriticalThresholdPct:     getEnvAsFloat("RECOVERY_CPU_CRITICAL_THRESHOLD_PCT", 95),
			DiskCriticalThresholdPct:    getEnvAsFloat("RECOVERY_DISK_CRITICAL_THRESHOLD_PCT", 95),
			MarginCriticalThreshold:     getEnvAsFloat("RECOVERY_MARGIN_CRITICAL_THRESHOLD", 150),
			MarketDataStaleThresholdMin: getEnvAsInt("RECOVERY_MARKET_DATA_STALE_THRESHOLD_MIN", 5),
			NetworkProbeAddr:            getEnv("RECOVERY_NETWORK_PROBE_ADDR", "1.1.1.1:53"),
			WorkerPoolSize:              getEnvAsInt("RECOVERY_WORKER_POOL_SIZE", 3),
		},

		Persistence: PersistenceConfig{
			BasePath:                  getEnv("PERSISTENCE_BASE_PATH", filepath.Join(absDataDir, "records")),
			BackupPath:                getEnv("PERSISTENCE_BACKUP_PATH", filepath.Join(absDataDir, "backups")),
			EnableCompression:         getEnvAsBool("PERSISTENCE_ENABLE_COMPRESSION", true),
			CompressionThresholdBytes: getEnvAsInt("PERSISTENCE_COMPRESSION_THRESHOLD_BYTES", 4096),
			BackupIntervalH:           getEnvAsInt("PERSISTENCE_BACKUP_INTERVAL_H", 6),
			RetentionDays:             getEnvAsInt("PERSISTENCE_RETENTION_DAYS", 30),
			MaxFileSizeMB:             getEnvAsInt("PERSISTENCE_MAX_FILE_SIZE_MB", 10),
			EnableIndex:               getEnvAsBool("PERSISTENCE_ENABLE_INDEX", true),
			IndexTimeoutSec:           getEnvAsInt("PERSISTENCE_INDEX_TIMEOUT_SEC", 5),
			AtomicWrites:              getEnvAsBool("PERSISTENCE_ATOMIC_WRITES", true),
			SyncToDisk:                getEnvAsBool("PERSISTENCE_SYNC_TO_DISK", false),
			WorkerPoolSize:            getEnvAsInt("PERSISTENCE_WORKER_POOL_SIZE", 2),
			Offsite: OffsiteConfig{
				Enabled:       getEnvAsBool("OFFSITE_BACKUP_ENABLED", false),
				Endpoint:      getEnv("OFFSITE_BACKUP_ENDPOINT", ""),
				Region:        getEnv("OFFSITE_BACKUP_REGION", "auto"),
				Bucket:        getEnv("OFFSITE_BACKUP_BUCKET", ""),
				AccessKey:     getEnv("OFFSITE_BACKUP_ACCESS_KEY", ""),
				SecretKey:     getEnv("OFFSITE_BACKUP_SECRET_KEY", ""),
				Prefix:        getEnv("OFFSITE_BACKUP_PREFIX", "strategos"),
				KeepMin:       getEnvAsInt("OFFSITE_BACKUP_KEEP_MIN", 3),
				RetentionDays: getEnvAsInt("OFFSITE_BACKUP_RETENTION_DAYS", 30),
			},
		},

		Risk: RiskConfig{
			MaxRiskPerTradePct:   getEnvAsFloat("RISK_MAX_RISK_PER_TRADE_PCT", 1.5),
			MaxPositions:         getEnvAsInt("RISK_MAX_POSITIONS", 3),
			MaxVolumePerSymbol:   getEnvAsFloat("RISK_MAX_VOLUME_PER_SYMBOL", 1.0),
			MaxDrawdownPct:       getEnvAsFloat("RISK_MAX_DRAWDOWN_PCT", 10),
			DailyLossCap:         getEnvAsFloat("RISK_DAILY_LOSS_CAP", 300),
			WeeklyLossCap:        getEnvAsFloat("RISK_WEEKLY_LOSS_CAP", 1000),
			MonthlyLossCap:       getEnvAsFloat("RISK_MONTHLY_LOSS_CAP", 3000),
			CorrelationThreshold: getEnvAsFloat("RISK_CORRELATION_THRESHOLD", 0.7),
		},

		Analytics: AnalyticsConfig{
			EventQueueCapacity:          getEnvAsInt("ANALYTICS_EVENT_QUEUE_CAPACITY", 1000),
			MetricsRefreshSec:           getEnvAsInt("ANALYTICS_METRICS_REFRESH_SEC", 5),
			DataRefreshSec:              getEnvAsInt("ANALYTICS_DATA_REFRESH_SEC", 1),
			EventBatchSize:              getEnvAsInt("ANALYTICS_EVENT_BATCH_SIZE", 50),
			CacheTTLSec:                 getEnvAsInt("ANALYTICS_CACHE_TTL_SEC", 300),
			MinCandles:                  getEnvAsInt("ANALYTICS_MIN_CANDLES", 20),
			MinSamplesForConfidence:     getEnvAsInt("ANALYTICS_MIN_SAMPLES_FOR_CONFIDENCE", 20),
			InsightGenerationInterval:   getEnvAsInt("ANALYTICS_INSIGHT_GENERATION_INTERVAL", 100),
			StrengthThreshold:           getEnvAsFloat("ANALYTICS_STRENGTH_THRESHOLD", 60),
			PhaseConfidenceThreshold:    getEnvAsFloat("ANALYTICS_PHASE_CONFIDENCE_THRESHOLD", 50),
			LearningConfidenceThreshold: getEnvAsFloat("ANALYTICS_LEARNING_CONFIDENCE_THRESHOLD", 40),
		},

		Gateway: GatewayConfig{
			BaseURL:           getEnv("GATEWAY_BASE_URL", "http://127.0.0.1:8787"),
			WSURL:             getEnv("GATEWAY_WS_URL", "ws://127.0.0.1:8787/stream"),
			AuthToken:         getEnv("GATEWAY_AUTH_TOKEN", ""),
			RequestTimeoutSec: getEnvAsInt("GATEWAY_REQUEST_TIMEOUT_SEC", 10),
		},

		Trading: TradingConfig{
			Mode:         getEnv("TRADING_MODE", "paper"),
			Symbols:      getEnvAsSlice("TRADING_SYMBOLS", []string{"EURUSD", "GBPUSD", "USDJPY"}),
			Timeframes:   getEnvAsSlice("TRADING_TIMEFRAMES", []string{"M15", "H1"}),
			CandleWindow: getEnvAsInt("TRADING_CANDLE_WINDOW", 200),
		},

		Server: ServerConfig{
			Port:    getEnvAsInt("SERVER_PORT", 8420),
			DevMode: getEnvAsBool("DEV_MODE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field ranges and cross-field relations
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Backups must not live inside the record tree or cleanup would eat them
	base, err := filepath.Abs(c.Persistence.BasePath)
	if err != nil {
		return fmt.Errorf("failed to resolve persistence base path: %w", err)
	}
	backup, err := filepath.Abs(c.Persistence.BackupPath)
	if err != nil {
		return fmt.Errorf("failed to resolve backup path: %w", err)
	}
	if backup == base || strings.HasPrefix(backup+string(filepath.Separator), base+string(filepath.Separator)) {
		return fmt.Errorf("backup path %s must be outside the persistence base path %s", backup, base)
	}

	if c.Persistence.Offsite.Enabled {
		if c.Persistence.Offsite.Endpoint == "" || c.Persistence.Offsite.Bucket == "" {
			return fmt.Errorf("offsite backup enabled but endpoint or bucket is empty")
		}
	}

	if c.Trading.Mode == "gateway" && c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway trading mode requires GATEWAY_BASE_URL")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
