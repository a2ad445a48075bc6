package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall engine configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	HOS          HOSConfig          `yaml:"hos"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Retention    RetentionConfig    `yaml:"retention"`
	Push         PushConfig         `yaml:"push"`
	WorkerPool   WorkerPoolConfig   `yaml:"worker_pool"`
}

// ServerConfig holds the local HTTP surface configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the on-device store configuration.
type DatabaseConfig struct {
	// Driver is "sqlite" on the in-cab device. "postgres" is accepted
	// for bench and fleet-simulation rigs.
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// HOSConfig selects the jurisdiction profile and the day-boundary timezone.
type HOSConfig struct {
	// Profile is a jurisdiction profile name: "us_property_70h8d"
	// (default) or "us_property_60h7d".
	Profile string `yaml:"profile"`
	// HomeTerminalTimezone is the default home-terminal timezone used
	// for day boundaries when a driver record does not carry one.
	HomeTerminalTimezone string `yaml:"home_terminal_timezone"`
}

// TelemetryConfig holds debounce tuning and the optional gateway poller.
type TelemetryConfig struct {
	SpeedThresholdMPH float64       `yaml:"speed_threshold_mph"`
	DebounceSeconds   int           `yaml:"debounce_seconds"`
	MinConfidence     float64       `yaml:"min_confidence"`
	Poller            PollerConfig  `yaml:"poller"`
	DebounceWindow    time.Duration `yaml:"-"`
}

// PollerConfig defines the pull-mode telemetry gateway request. Gateways
// that cannot push over the WebSocket are polled on an interval instead.
type PollerConfig struct {
	Enabled         bool              `yaml:"enabled"`
	URL             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers"`
	IntervalSeconds int               `yaml:"interval_seconds"`
	HTTPProxy       string            `yaml:"http_proxy"`
	Interval        time.Duration     `yaml:"-"`
}

// SyncConfig holds the backend transport and retry policy.
type SyncConfig struct {
	Endpoint              string            `yaml:"endpoint"`
	Headers               map[string]string `yaml:"headers"`
	BatchByteBudget       int               `yaml:"batch_byte_budget"`
	RequestTimeoutSeconds int               `yaml:"request_timeout_seconds"`
	// RetryScheduleSeconds is walked per attempt; the last step repeats.
	RetryScheduleSeconds []int `yaml:"retry_schedule_seconds"`
	// DelayedAfterAttempts is the attempt count past which a "sync
	// delayed" advisory is surfaced to the driver.
	DelayedAfterAttempts int     `yaml:"delayed_after_attempts"`
	ConstrainedPerSec    float64 `yaml:"constrained_batches_per_sec"`
}

// ConnectivityConfig holds the reachability probe settings.
type ConnectivityConfig struct {
	ProbeURL             string        `yaml:"probe_url"`
	IntervalSeconds      int           `yaml:"interval_seconds"`
	TimeoutSeconds       int           `yaml:"timeout_seconds"`
	ConstrainedLatencyMS int           `yaml:"constrained_latency_ms"`
	Interval             time.Duration `yaml:"-"`
}

// RetentionConfig governs event-log compaction. The regulatory floor for
// on-device duty records is six months; lower values are bumped.
type RetentionConfig struct {
	RetentionDays           int `yaml:"retention_days"`
	CompactionIntervalHours int `yaml:"compaction_interval_hours"`
}

// PushConfig holds the VAPID keys for driver alert web push.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with safe defaults. Exported so tests can
// build a Config literal and still get the derived durations.
func (cfg *Config) ApplyDefaults() {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "hosd.db"
	}

	if cfg.HOS.Profile == "" {
		cfg.HOS.Profile = "us_property_70h8d"
	}
	if cfg.HOS.HomeTerminalTimezone == "" {
		cfg.HOS.HomeTerminalTimezone = "UTC"
	}

	if cfg.Telemetry.SpeedThresholdMPH <= 0 {
		cfg.Telemetry.SpeedThresholdMPH = 5
	}
	if cfg.Telemetry.DebounceSeconds <= 0 {
		cfg.Telemetry.DebounceSeconds = 60
	}
	if cfg.Telemetry.MinConfidence <= 0 {
		cfg.Telemetry.MinConfidence = 0.5
	}
	cfg.Telemetry.DebounceWindow = time.Duration(cfg.Telemetry.DebounceSeconds) * time.Second
	if cfg.Telemetry.Poller.IntervalSeconds <= 0 {
		cfg.Telemetry.Poller.IntervalSeconds = 1
	}
	cfg.Telemetry.Poller.Interval = time.Duration(cfg.Telemetry.Poller.IntervalSeconds) * time.Second

	if cfg.Sync.BatchByteBudget <= 0 {
		cfg.Sync.BatchByteBudget = 64 * 1024
	}
	if cfg.Sync.RequestTimeoutSeconds <= 0 {
		cfg.Sync.RequestTimeoutSeconds = 30
	}
	if len(cfg.Sync.RetryScheduleSeconds) == 0 {
		cfg.Sync.RetryScheduleSeconds = []int{30, 60, 300, 900, 3600}
	}
	if cfg.Sync.DelayedAfterAttempts <= 0 {
		cfg.Sync.DelayedAfterAttempts = 6
	}
	if cfg.Sync.ConstrainedPerSec <= 0 {
		cfg.Sync.ConstrainedPerSec = 0.5
	}

	if cfg.Connectivity.IntervalSeconds <= 0 {
		cfg.Connectivity.IntervalSeconds = 15
	}
	if cfg.Connectivity.TimeoutSeconds <= 0 {
		cfg.Connectivity.TimeoutSeconds = 5
	}
	if cfg.Connectivity.ConstrainedLatencyMS <= 0 {
		cfg.Connectivity.ConstrainedLatencyMS = 1500
	}
	cfg.Connectivity.Interval = time.Duration(cfg.Connectivity.IntervalSeconds) * time.Second

	if cfg.Retention.RetentionDays < 180 {
		if cfg.Retention.RetentionDays != 0 {
			log.Printf("retention.retention_days %d is below the 180-day regulatory floor; using 180", cfg.Retention.RetentionDays)
		}
		cfg.Retention.RetentionDays = 180
	}
	if cfg.Retention.CompactionIntervalHours <= 0 {
		cfg.Retention.CompactionIntervalHours = 24
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}
}
