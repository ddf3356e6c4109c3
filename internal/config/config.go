// Package config loads mirror settings from defaults, a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings holds runtime configuration.
type Settings struct {
	// Ingestion
	SourceKind     string   `yaml:"source_kind"` // "ws" or "kafka"
	SourceName     string   `yaml:"source_name"`
	Wallets        []string `yaml:"wallets"`
	SourceWSURL    string   `yaml:"source_ws_url"`
	KafkaBrokers   []string `yaml:"kafka_brokers"`
	KafkaGroupID   string   `yaml:"kafka_group_id"`
	KafkaTopic     string   `yaml:"kafka_topic"`
	SignalsTopic   string   `yaml:"signals_topic"` // accepted signals are republished here, empty disables
	PollIntervalMs int64    `yaml:"poll_interval_ms"`

	// Target venue
	TargetBaseURL     string  `yaml:"target_base_url"`
	TargetAPIKey      string  `yaml:"target_api_key"`
	TargetRatePerSec  float64 `yaml:"target_rate_per_sec"`
	RedisAddr         string  `yaml:"redis_addr"` // empty disables the depth cache
	DepthCacheTTLMs   int64   `yaml:"depth_cache_ttl_ms"`
	AdapterTimeoutMs  int64   `yaml:"adapter_timeout_ms"`
	AdapterMaxRetries uint64  `yaml:"adapter_max_retries"`

	// Mapping
	MinMappingConfidence float64 `yaml:"min_mapping_confidence"`
	MatchWindowMinutes   int64   `yaml:"match_window_minutes"`

	// Simulation
	DefaultLatencyMs   int64   `yaml:"default_latency_ms"`
	SlippageBpsBuffer  float64 `yaml:"slippage_bps_buffer"`
	FeeBps             float64 `yaml:"fee_bps"`
	MaxQtyScale        float64 `yaml:"max_qty_scale"`
	DriftBpsPerSec     float64 `yaml:"drift_bps_per_sec"`
	DepthDecayPerSec   float64 `yaml:"depth_decay_per_sec"`
	SimulationWorkers  int     `yaml:"simulation_workers"`
	SweepLatenciesMs   []int64 `yaml:"sweep_latencies_ms"`
	StartingBankroll   float64 `yaml:"starting_bankroll"`

	// Risk
	MaxPositionUSD       float64 `yaml:"max_position_usd"`
	MaxTotalExposureUSD  float64 `yaml:"max_total_exposure_usd"`
	DailyLossLimitUSD    float64 `yaml:"daily_loss_limit_usd"`
	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct"`
	ConsecutiveLossLimit int     `yaml:"consecutive_loss_limit"`
	LiveOrdersPerMinute  int     `yaml:"live_orders_per_minute"`
	LiveEnabled          bool    `yaml:"live_enabled"`

	// Learning
	LearningEpsilon   float64 `yaml:"learning_epsilon"`
	LearningSeed      int64   `yaml:"learning_seed"`
	LearningMinUpdate int64   `yaml:"learning_min_updates"`
	RidgeLambda       float64 `yaml:"ridge_lambda"`

	// Storage and surfaces
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
	HTTPAddr      string `yaml:"http_addr"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	PyroscopeURL  string `yaml:"pyroscope_url"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Settings {
	return Settings{
		SourceKind:     "ws",
		SourceName:     "source",
		KafkaGroupID:   "copy-mirror",
		KafkaTopic:     "source_trades",
		PollIntervalMs: 2000,

		TargetRatePerSec:  10,
		DepthCacheTTLMs:   5000,
		AdapterTimeoutMs:  5000,
		AdapterMaxRetries: 3,

		MinMappingConfidence: 0.7,
		MatchWindowMinutes:   30,

		DefaultLatencyMs:  2000,
		SlippageBpsBuffer: 50,
		FeeBps:            70,
		MaxQtyScale:       0.5,
		DriftBpsPerSec:    5,
		DepthDecayPerSec:  0.05,
		SimulationWorkers: 4,
		SweepLatenciesMs:  []int64{2000, 5000, 10000},
		StartingBankroll:  200,

		MaxPositionUSD:       50,
		MaxTotalExposureUSD:  200,
		DailyLossLimitUSD:    50,
		MaxDrawdownPct:       0.25,
		ConsecutiveLossLimit: 5,
		LiveOrdersPerMinute:  10,

		LearningEpsilon:   0.1,
		LearningSeed:      1,
		LearningMinUpdate: 10,
		RidgeLambda:       1.0,

		HTTPAddr:  ":8080",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds Settings from defaults, then the YAML file at path (optional),
// then environment variables. envFile, when non-empty, is loaded into the
// environment first without overriding variables that are already set.
func Load(path, envFile string) (Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&s); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks value ranges.
func (s Settings) Validate() error {
	switch {
	case s.MinMappingConfidence < 0 || s.MinMappingConfidence > 1:
		return fmt.Errorf("min_mapping_confidence must be in [0,1], got %v", s.MinMappingConfidence)
	case s.SlippageBpsBuffer < 0:
		return fmt.Errorf("slippage_bps_buffer must be >= 0, got %v", s.SlippageBpsBuffer)
	case s.MaxQtyScale <= 0 || s.MaxQtyScale > 1:
		return fmt.Errorf("max_qty_scale must be in (0,1], got %v", s.MaxQtyScale)
	case s.DefaultLatencyMs < 0:
		return fmt.Errorf("default_latency_ms must be >= 0, got %v", s.DefaultLatencyMs)
	case s.MaxDrawdownPct <= 0 || s.MaxDrawdownPct >= 1:
		return fmt.Errorf("max_drawdown_pct must be in (0,1), got %v", s.MaxDrawdownPct)
	case s.ConsecutiveLossLimit <= 0:
		return fmt.Errorf("consecutive_loss_limit must be > 0, got %v", s.ConsecutiveLossLimit)
	case s.LearningEpsilon < 0 || s.LearningEpsilon > 1:
		return fmt.Errorf("learning_epsilon must be in [0,1], got %v", s.LearningEpsilon)
	case s.SimulationWorkers <= 0:
		return fmt.Errorf("simulation_workers must be > 0, got %v", s.SimulationWorkers)
	}
	return nil
}

// DefaultLatency returns the realistic policy delay.
func (s Settings) DefaultLatency() time.Duration {
	return time.Duration(s.DefaultLatencyMs) * time.Millisecond
}

// PollInterval returns the source poll interval.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// AdapterTimeout returns the per-call adapter timeout.
func (s Settings) AdapterTimeout() time.Duration {
	return time.Duration(s.AdapterTimeoutMs) * time.Millisecond
}

// DepthCacheTTL returns the depth cache TTL.
func (s Settings) DepthCacheTTL() time.Duration {
	return time.Duration(s.DepthCacheTTLMs) * time.Millisecond
}

// MatchWindow returns the mapping time window.
func (s Settings) MatchWindow() time.Duration {
	return time.Duration(s.MatchWindowMinutes) * time.Minute
}

func applyEnv(s *Settings) error {
	s.SourceKind = envOrDefault("MIRROR_SOURCE_KIND", s.SourceKind)
	s.SourceName = envOrDefault("MIRROR_SOURCE_NAME", s.SourceName)
	s.Wallets = envCSVOrDefault("MIRROR_WALLETS", s.Wallets)
	s.SourceWSURL = envOrDefault("MIRROR_SOURCE_WS_URL", s.SourceWSURL)
	s.KafkaBrokers = envCSVOrDefault("KAFKA_BROKERS", s.KafkaBrokers)
	s.KafkaGroupID = envOrDefault("KAFKA_GROUP_ID", s.KafkaGroupID)
	s.KafkaTopic = envOrDefault("KAFKA_TOPIC_SOURCE_TRADES", s.KafkaTopic)
	s.SignalsTopic = envOrDefault("KAFKA_TOPIC_SIGNALS", s.SignalsTopic)
	s.TargetBaseURL = envOrDefault("TARGET_BASE_URL", s.TargetBaseURL)
	s.TargetAPIKey = envOrDefault("TARGET_API_KEY", s.TargetAPIKey)
	s.RedisAddr = envOrDefault("REDIS_ADDR", s.RedisAddr)
	s.PostgresDSN = envOrDefault("POSTGRES_DSN", s.PostgresDSN)
	s.ClickhouseDSN = envOrDefault("CLICKHOUSE_DSN", s.ClickhouseDSN)
	s.HTTPAddr = envOrDefault("HTTP_ADDR", s.HTTPAddr)
	s.LogLevel = envOrDefault("LOG_LEVEL", s.LogLevel)
	s.LogFormat = envOrDefault("LOG_FORMAT", s.LogFormat)
	s.PyroscopeURL = envOrDefault("PYROSCOPE_URL", s.PyroscopeURL)

	var err error
	if s.MinMappingConfidence, err = envFloatOrDefault("MIN_MAPPING_CONFIDENCE", s.MinMappingConfidence); err != nil {
		return err
	}
	if s.DefaultLatencyMs, err = envInt64OrDefault("DEFAULT_LATENCY_MS", s.DefaultLatencyMs); err != nil {
		return err
	}
	if s.SlippageBpsBuffer, err = envFloatOrDefault("SLIPPAGE_BPS_BUFFER", s.SlippageBpsBuffer); err != nil {
		return err
	}
	if s.FeeBps, err = envFloatOrDefault("TARGET_FEE_BPS", s.FeeBps); err != nil {
		return err
	}
	if s.MaxQtyScale, err = envFloatOrDefault("MAX_QTY_SCALE", s.MaxQtyScale); err != nil {
		return err
	}
	if s.MaxPositionUSD, err = envFloatOrDefault("MAX_POSITION_USD", s.MaxPositionUSD); err != nil {
		return err
	}
	if s.MaxTotalExposureUSD, err = envFloatOrDefault("MAX_TOTAL_EXPOSURE_USD", s.MaxTotalExposureUSD); err != nil {
		return err
	}
	if s.DailyLossLimitUSD, err = envFloatOrDefault("DAILY_LOSS_LIMIT_USD", s.DailyLossLimitUSD); err != nil {
		return err
	}
	if s.MaxDrawdownPct, err = envFloatOrDefault("MAX_DRAWDOWN_PCT", s.MaxDrawdownPct); err != nil {
		return err
	}
	if s.LearningEpsilon, err = envFloatOrDefault("LEARNING_EPSILON", s.LearningEpsilon); err != nil {
		return err
	}
	if s.LearningSeed, err = envInt64OrDefault("LEARNING_SEED", s.LearningSeed); err != nil {
		return err
	}
	if s.PollIntervalMs, err = envInt64OrDefault("POLL_INTERVAL_MS", s.PollIntervalMs); err != nil {
		return err
	}
	if s.LiveEnabled, err = envBoolOrDefault("LIVE_ENABLED", s.LiveEnabled); err != nil {
		return err
	}
	return nil
}

// envOrDefault returns the value of an environment variable or a default.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloatOrDefault(key string, def float64) (float64, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}
	return def, nil
}

func envInt64OrDefault(key string, def int64) (int64, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}
	return def, nil
}

func envBoolOrDefault(key string, def bool) (bool, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}
	return def, nil
}

func envCSVOrDefault(key string, def []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	var parts []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
