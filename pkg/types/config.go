// Package types - configuration data structures.
package types

import "time"

// Config is the root configuration object, loaded by internal/config from
// defaults, a YAML file, and environment variable overrides, in that
// order, then validated.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`

	Database    DatabaseConfig    `yaml:"database"`
	Structure   StructureConfig   `yaml:"structure"`
	Stations    StationsConfig    `yaml:"stations"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	AutoMove    AutoMoveConfig    `yaml:"auto_move"`
	Storage     StorageMgmtConfig `yaml:"storage_management"`
	TaskEngine  TaskEngineConfig  `yaml:"task_engine"`
	Events      EventsConfig      `yaml:"events"`
}

// AppConfig contains core application settings.
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"` // dev, staging, prod
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json, text
	DataDir     string `yaml:"data_dir"`   // base for data/ cache, logs/ performance CSVs
}

// ServerConfig contains the HTTP API's bind settings.
type ServerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig contains OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
}

// DatabaseConfig holds the catalog's storage root and cache path.
type DatabaseConfig struct {
	BasePath  string `yaml:"base_path"`
	CachePath string `yaml:"cache_path"` // defaults to data/db_cache.json under data_dir
}

// StructureConfig holds the storage-layout path templates. pkg/pathbuilder
// does not read them; it always builds the fixed layout the defaults spell
// out.
type StructureConfig struct {
	CSVTemplate          string `yaml:"csv_template"`           // {base}/{product}/csv/{lot}/{station}/{file}
	ProcessedCSVTemplate string `yaml:"processed_csv_template"` // {base}/{product}/processed_csv/{lot}/{station}/{file}
	OrgTemplate          string `yaml:"org_template"`
	ROITemplate          string `yaml:"roi_template"`
	MapTemplate          string `yaml:"map_template"`     // {base}/{product}/map/{lot}/{station}/{component}.png
	LossmapTemplate      string `yaml:"lossmap_template"` // {base}/{product}/map/{lot}/LOSS{idx}/{component}.png
	FPYTemplate          string `yaml:"fpy_template"`     // {base}/{product}/map/{lot}/FPY/{component}.png
}

// StationsConfig holds per-product station ordering and the recipe/logic
// tables the alignment checker, mask/flip transforms, and defect
// classifier consult.
type StationsConfig struct {
	StationOrder  map[string][]string            `yaml:"station_order"`  // product_id -> ordered station names
	FlipConfig    map[string]string              `yaml:"flip_config"`    // station -> axis ("x", "y", "xy", "")
	StationRecipe map[string][]RecipePoint       `yaml:"station_recipe"` // station -> reference (row,col,defect_type) triples
	StationLogic  map[string]StationLogicGate    `yaml:"station_logic"`  // station -> run_fpy/run_lossmap invocation gates
	SampleRules   map[string]SampleRule          `yaml:"sample_rules"`   // station -> mask rule applied before rendering
	DefectRules   DefectRules                    `yaml:"defect_rules"`   // good/bad defect-type sets for Binarize
}

// StationLogicGate says whether a station, once processed, should
// automatically trigger the fpy/lossmap stages for that station.
type StationLogicGate struct {
	RunFPY     bool `yaml:"run_fpy"`
	RunLossmap bool `yaml:"run_lossmap"`
}

// SampleRule carries the mask a station applies to the defect table before
// Flip, per basemap's step 4.
type SampleRule struct {
	Mask MaskRule `yaml:"mask"`
}

// RecipePoint is one reference (row, col, defect type) triple a station's
// alignment recipe expects to find in a well-aligned CSV.
type RecipePoint struct {
	Row        int    `yaml:"row"`
	Col        int    `yaml:"col"`
	DefectType string `yaml:"defect_type"`
}

// MaskRule describes a region to blank out before rendering, per station.
type MaskRule struct {
	RowMin int `yaml:"row_min"`
	RowMax int `yaml:"row_max"`
	ColMin int `yaml:"col_min"`
	ColMax int `yaml:"col_max"`
}

// DefectRules partitions defect type strings into good/bad sets for
// Binarize.
type DefectRules struct {
	Good []string `yaml:"good"`
	Bad  []string `yaml:"bad"`
}

// MonitoringConfig holds the file watcher's scan cadences, hot-reloaded
// from the config file every HotReloadInterval.
type MonitoringConfig struct {
	IncomingDirs          map[string]string `yaml:"incoming_dirs"` // product_id -> incoming directory
	ScanIntervalSeconds   int               `yaml:"scan_interval_seconds"`
	RescanIntervalSeconds int               `yaml:"rescan_interval_seconds"`
	HotReloadIntervalSeconds int            `yaml:"hot_reload_interval_seconds"`
}

// AutoMoveConfig controls the migration engine's immediate-move hook and
// delayed batch-move schedule.
type AutoMoveConfig struct {
	Enabled            bool     `yaml:"enabled"`
	TargetProduct      string   `yaml:"target_product"`       // owning product a move should land components in
	ImmediateFileTypes []string `yaml:"immediate_file_types"` // e.g. ["csv", "map"]
	DelayedFileTypes   []string `yaml:"delayed_file_types"`   // e.g. ["org", "roi"]
	DailyScheduleTime  string   `yaml:"daily_schedule_time"`  // "HH:MM" wall-clock
	MaxRetryCount      int      `yaml:"max_retry_count"`
	FailureTTLHours    int      `yaml:"failure_ttl_hours"`
}

// StorageMgmtConfig controls the storage tier mover's free-space
// thresholds and scheduled archival pass.
type StorageMgmtConfig struct {
	Enabled                bool     `yaml:"enabled"`
	ArchiveBasePath         string   `yaml:"archive_base_path"`
	ScanIntervalSeconds     int      `yaml:"scan_interval_seconds"`
	WarningThresholdPercent float64  `yaml:"warning_threshold_percent"`
	CriticalThresholdPercent float64 `yaml:"critical_threshold_percent"`
	DailyScheduleTime       string   `yaml:"daily_schedule_time"`
	FileTypeRules           []TierRule `yaml:"file_type_rules"`
	ReportPath              string   `yaml:"report_path"`
}

// TierRule says which file types age out to archive storage, and after
// how many days.
type TierRule struct {
	FileType string `yaml:"file_type"`
	MaxAgeDays int  `yaml:"max_age_days"`
}

// TaskEngineConfig controls pipeline concurrency.
type TaskEngineConfig struct {
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"` // IngestController's pipeline-task cap (default 2)
	FPYParallelWorkers int `yaml:"fpy_parallel_workers"` // default 8; not read: fpy_parallel's pool is min(8, n)
	BatchMoveWorkers   int `yaml:"batch_move_workers"`   // default 4
	ReapMaxAgeSeconds  int `yaml:"reap_max_age_seconds"`
}

// EventsConfig controls the optional Kafka event mirror.
type EventsConfig struct {
	Kafka KafkaEventsConfig `yaml:"kafka"`
}

// KafkaEventsConfig configures the optional sarama-based publisher that
// mirrors TaskCompleted/StatusChanged events onto an external topic.
// Disabled by default; this is a collaborator like the UI, not a core
// dependency of the pipeline.
type KafkaEventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	SASL    SASLConfig `yaml:"sasl"`
}

// SASLConfig configures SCRAM authentication for the Kafka event mirror.
type SASLConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mechanism string `yaml:"mechanism"` // "SCRAM-SHA-256", "SCRAM-SHA-512"
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Duration parses a config string duration field, returning def if s is
// empty or unparsable.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
