// Package config loads the orchestrator's configuration from layered
// defaults, an optional YAML file, and environment variable overrides, in
// that order, then validates the result. Grounded on the teacher's own
// internal/config/config.go: the same three-layer LoadConfig shape, the
// same getEnv* helper family, and a ConfigValidator that accumulates
// every problem found instead of failing on the first one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dbmplus/dbmorc/pkg/errors"
	"github.com/dbmplus/dbmorc/pkg/types"

	"gopkg.in/yaml.v2"
)

// LoadConfig builds a Config from defaults, then filename if non-empty,
// then environment variables, then validates the result.
func LoadConfig(filename string) (*types.Config, error) {
	cfg := &types.Config{}
	applyDefaults(cfg)

	if filename != "" {
		if err := loadConfigFile(filename, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", filename, err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(filename string, cfg *types.Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyDefaults(cfg *types.Config) {
	cfg.App = types.AppConfig{
		Name:        "dbmorc",
		Version:     "dev",
		Environment: "production",
		LogLevel:    "info",
		LogFormat:   "json",
		DataDir:     "./data",
	}
	cfg.Server = types.ServerConfig{
		Enabled:      true,
		Host:         "0.0.0.0",
		Port:         8090,
		ReadTimeout:  "10s",
		WriteTimeout: "30s",
	}
	cfg.Metrics = types.MetricsConfig{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "dbmorc",
	}
	cfg.Tracing = types.TracingConfig{
		Enabled:      false,
		ServiceName:  "dbmorc",
		OTLPEndpoint: "http://localhost:4318/v1/traces",
		SampleRatio:  1.0,
	}
	cfg.Database = types.DatabaseConfig{
		BasePath:  "./data/db",
		CachePath: "./data/db_cache.json",
	}
	cfg.Structure = types.StructureConfig{
		CSVTemplate:          "{base}/{product}/csv/{lot}/{station}/{file}",
		ProcessedCSVTemplate: "{base}/{product}/processed_csv/{lot}/{station}/{file}",
		OrgTemplate:          "{base}/{product}/org/{lot}/{station}/{file}",
		ROITemplate:          "{base}/{product}/roi/{lot}/{station}/{file}",
		MapTemplate:          "{base}/{product}/map/{lot}/{station}/{component}.png",
		LossmapTemplate:      "{base}/{product}/map/{lot}/LOSS{idx}/{component}.png",
		FPYTemplate:          "{base}/{product}/map/{lot}/FPY/{component}.png",
	}
	cfg.Monitoring = types.MonitoringConfig{
		IncomingDirs:             map[string]string{},
		ScanIntervalSeconds:      5,
		RescanIntervalSeconds:    30,
		HotReloadIntervalSeconds: 60,
	}
	cfg.AutoMove = types.AutoMoveConfig{
		Enabled:            true,
		ImmediateFileTypes: []string{"csv", "map"},
		DelayedFileTypes:   []string{"org", "roi"},
		DailyScheduleTime:  "02:00",
		MaxRetryCount:      5,
		FailureTTLHours:    24,
	}
	cfg.Storage = types.StorageMgmtConfig{
		Enabled:                  true,
		ArchiveBasePath:          "./archive",
		ScanIntervalSeconds:      300,
		WarningThresholdPercent:  30,
		CriticalThresholdPercent: 15,
		DailyScheduleTime:        "03:00",
		FileTypeRules: []types.TierRule{
			{FileType: "org", MaxAgeDays: 7},
			{FileType: "roi", MaxAgeDays: 7},
			{FileType: "csv", MaxAgeDays: 30},
		},
		ReportPath: "./data/archive_report.json",
	}
	cfg.TaskEngine = types.TaskEngineConfig{
		MaxConcurrentTasks: 2,
		FPYParallelWorkers: 8,
		BatchMoveWorkers:   4,
		ReapMaxAgeSeconds:  3600,
	}
	cfg.Events = types.EventsConfig{
		Kafka: types.KafkaEventsConfig{Enabled: false},
	}
}

func applyEnvironmentOverrides(cfg *types.Config) {
	cfg.App.Environment = getEnvString("DBMORC_ENV", cfg.App.Environment)
	cfg.App.LogLevel = getEnvString("DBMORC_LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = getEnvString("DBMORC_LOG_FORMAT", cfg.App.LogFormat)
	cfg.App.DataDir = getEnvString("DBMORC_DATA_DIR", cfg.App.DataDir)

	cfg.Server.Enabled = getEnvBool("DBMORC_SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnvString("DBMORC_SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("DBMORC_SERVER_PORT", cfg.Server.Port)

	cfg.Tracing.Enabled = getEnvBool("DBMORC_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.OTLPEndpoint = getEnvString("DBMORC_TRACING_ENDPOINT", cfg.Tracing.OTLPEndpoint)

	cfg.Database.BasePath = getEnvString("DBMORC_DATABASE_BASE_PATH", cfg.Database.BasePath)
	cfg.Database.CachePath = getEnvString("DBMORC_DATABASE_CACHE_PATH", cfg.Database.CachePath)

	cfg.Events.Kafka.Enabled = getEnvBool("DBMORC_KAFKA_ENABLED", cfg.Events.Kafka.Enabled)
	if brokers := getEnvString("DBMORC_KAFKA_BROKERS", ""); brokers != "" {
		cfg.Events.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Events.Kafka.Topic = getEnvString("DBMORC_KAFKA_TOPIC", cfg.Events.Kafka.Topic)
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// ConfigValidator accumulates every configuration problem found instead
// of failing on the first one, so an operator sees the whole list in a
// single error.
type ConfigValidator struct {
	cfg    *types.Config
	issues []string
}

// ValidateConfig runs every validator and returns a single combined error
// if any issues were found.
func ValidateConfig(cfg *types.Config) error {
	v := &ConfigValidator{cfg: cfg}
	v.validateApp()
	v.validateServer()
	v.validateDatabase()
	v.validateStations()
	v.validateTaskEngine()

	if len(v.issues) == 0 {
		return nil
	}
	return errors.New("CONFIG_INVALID", "config", "ValidateConfig", strings.Join(v.issues, "; "))
}

func (v *ConfigValidator) addIssue(format string, args ...interface{}) {
	v.issues = append(v.issues, fmt.Sprintf(format, args...))
}

func (v *ConfigValidator) validateApp() {
	if v.cfg.App.Name == "" {
		v.addIssue("app.name is required")
	}
	switch v.cfg.App.LogFormat {
	case "json", "text", "":
	default:
		v.addIssue("app.log_format must be \"json\" or \"text\", got %q", v.cfg.App.LogFormat)
	}
}

func (v *ConfigValidator) validateServer() {
	if v.cfg.Server.Enabled && (v.cfg.Server.Port <= 0 || v.cfg.Server.Port > 65535) {
		v.addIssue("server.port must be between 1 and 65535, got %d", v.cfg.Server.Port)
	}
}

func (v *ConfigValidator) validateDatabase() {
	if v.cfg.Database.BasePath == "" {
		v.addIssue("database.base_path is required")
	}
}

func (v *ConfigValidator) validateStations() {
	for product, order := range v.cfg.Stations.StationOrder {
		if len(order) == 0 {
			v.addIssue("stations.station_order[%s] must not be empty", product)
		}
	}
}

func (v *ConfigValidator) validateTaskEngine() {
	if v.cfg.TaskEngine.MaxConcurrentTasks <= 0 {
		v.addIssue("task_engine.max_concurrent_tasks must be positive, got %d", v.cfg.TaskEngine.MaxConcurrentTasks)
	}
}
