package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. Every threshold the decision
// policy uses is a field here with a default, not a hard-coded constant.
type Config struct {
	LogLevel     string             `yaml:"log_level"`
	Observer     ObserverConfig     `yaml:"observer"`
	Auditor      AuditorConfig      `yaml:"auditor"`
	Engine       EngineConfig       `yaml:"engine"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Status       StatusConfig       `yaml:"status"`
	API          APIConfig          `yaml:"api"`
	Database     DatabaseConfig     `yaml:"database"`
}

// ObserverConfig configures the trade outcome poller.
type ObserverConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	SourceDir     string        `yaml:"source_dir"`
	QueueCapacity int           `yaml:"queue_capacity"`
	PollRPS       float64       `yaml:"poll_rps"`
	PollBurst     int           `yaml:"poll_burst"`
}

// AuditorConfig configures the four anomaly detectors and the anomaly log.
type AuditorConfig struct {
	SigmaThreshold      float64       `yaml:"sigma_threshold"`
	MinHistory          int           `yaml:"min_history"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	EscalateCount       int           `yaml:"escalate_count"`
	LargeLossThreshold  float64       `yaml:"large_loss_threshold"`
	PatternRepeatCount  int           `yaml:"pattern_repeat_count"`
	Window              time.Duration `yaml:"window"`
	LogDir              string        `yaml:"log_dir"`
	LogMaxBytes         int64         `yaml:"log_max_bytes"`
}

// EngineConfig configures the reinforcement weight updates. StatePath is
// where learned weights survive restarts; empty disables persistence.
type EngineConfig struct {
	LearningRate   float64 `yaml:"learning_rate"`
	RewardBaseline float64 `yaml:"reward_baseline"`
	WeightTotal    float64 `yaml:"weight_total"`
	MaxWeight      float64 `yaml:"max_weight"`
	FloorWeight    float64 `yaml:"floor_weight"`
	WindowSize     int     `yaml:"window_size"`
	StatePath      string  `yaml:"state_path"`
}

// OrchestratorConfig configures the health cycle and retrain policy.
type OrchestratorConfig struct {
	CycleInterval       time.Duration `yaml:"cycle_interval"`
	SharpeFloor         float64       `yaml:"sharpe_floor"`
	ConfidenceDrop      float64       `yaml:"confidence_drop"`
	MinTradesForRetrain int           `yaml:"min_trades_for_retrain"`
	RetrainCooldown     time.Duration `yaml:"retrain_cooldown"`
	RetrainTimeout      time.Duration `yaml:"retrain_timeout"`
	AnomalyScoreWeight  float64       `yaml:"anomaly_score_weight"`
	RetrainScript       string        `yaml:"retrain_script"`
}

// StatusConfig configures snapshot persistence and the optional Redis
// publish for external dashboards.
type StatusConfig struct {
	SnapshotPath string      `yaml:"snapshot_path"`
	Redis        RedisConfig `yaml:"redis"`
}

// RedisConfig mirrors the cache section layout used across our deploys.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Key     string `yaml:"key"`
	Channel string `yaml:"channel"`
}

// APIConfig configures the operator HTTP surface.
type APIConfig struct {
	Addr         string        `yaml:"addr"`
	ClientRPS    float64       `yaml:"client_rps"`
	ClientBurst  int           `yaml:"client_burst"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the optional Postgres archive.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled" env:"TW_PG_ENABLED"`
	DSN             string        `yaml:"dsn" env:"TW_PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// Default returns the configuration with all documented defaults applied.
func Default() Config {
	return Config{
		LogLevel: "info",
		Observer: ObserverConfig{
			PollInterval:  30 * time.Second,
			SourceDir:     "data/outcomes",
			QueueCapacity: 1024,
			PollRPS:       1,
			PollBurst:     2,
		},
		Auditor: AuditorConfig{
			SigmaThreshold:      3.0,
			MinHistory:          20,
			ConfidenceThreshold: 0.25,
			EscalateCount:       3,
			LargeLossThreshold:  -0.20,
			PatternRepeatCount:  3,
			Window:              15 * time.Minute,
			LogDir:              "logs",
			LogMaxBytes:         8 << 20,
		},
		Engine: EngineConfig{
			LearningRate:   0.1,
			RewardBaseline: 0.0,
			WeightTotal:    1.0,
			MaxWeight:      0.6,
			FloorWeight:    0.05,
			WindowSize:     100,
			StatePath:      "reports/strategies.json",
		},
		Orchestrator: OrchestratorConfig{
			CycleInterval:       60 * time.Second,
			SharpeFloor:         0.5,
			ConfidenceDrop:      0.25,
			MinTradesForRetrain: 10,
			RetrainCooldown:     time.Hour,
			RetrainTimeout:      10 * time.Minute,
			AnomalyScoreWeight:  0.5,
		},
		Status: StatusConfig{
			SnapshotPath: "reports/health.json",
			Redis: RedisConfig{
				Key:     "tradewarden:health",
				Channel: "tradewarden:health:updates",
			},
		},
		API: APIConfig{
			Addr:         "localhost:8087",
			ClientRPS:    5,
			ClientBurst:  10,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
	}
}

// Load reads the YAML config at path over the defaults and applies
// environment variable overrides. A missing file is not an error: the
// defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the supervisory loop cannot run with.
func (c Config) Validate() error {
	if c.Observer.PollInterval <= 0 {
		return fmt.Errorf("observer.poll_interval must be positive")
	}
	if c.Observer.QueueCapacity <= 0 {
		return fmt.Errorf("observer.queue_capacity must be positive")
	}
	if c.Orchestrator.CycleInterval <= 0 {
		return fmt.Errorf("orchestrator.cycle_interval must be positive")
	}
	if c.Engine.WeightTotal <= 0 {
		return fmt.Errorf("engine.weight_total must be positive")
	}
	if c.Engine.MaxWeight <= 0 || c.Engine.MaxWeight > c.Engine.WeightTotal {
		return fmt.Errorf("engine.max_weight must be in (0, weight_total]")
	}
	if c.Engine.FloorWeight < 0 || c.Engine.FloorWeight > c.Engine.MaxWeight {
		return fmt.Errorf("engine.floor_weight must be in [0, max_weight]")
	}
	if c.Auditor.LargeLossThreshold >= 0 {
		return fmt.Errorf("auditor.large_loss_threshold must be negative")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("TW_PG_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if enabled := os.Getenv("TW_PG_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			cfg.Database.Enabled = val
		}
	}
	if addr := os.Getenv("TW_REDIS_ADDR"); addr != "" {
		cfg.Status.Redis.Addr = addr
		cfg.Status.Redis.Enabled = true
	}
	if addr := os.Getenv("TW_API_ADDR"); addr != "" {
		cfg.API.Addr = addr
	}
	if dir := os.Getenv("TW_SOURCE_DIR"); dir != "" {
		cfg.Observer.SourceDir = dir
	}
	if level := os.Getenv("TW_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if interval := os.Getenv("TW_CYCLE_INTERVAL"); interval != "" {
		if val, err := time.ParseDuration(interval); err == nil {
			cfg.Orchestrator.CycleInterval = val
		}
	}
	if interval := os.Getenv("TW_POLL_INTERVAL"); interval != "" {
		if val, err := time.ParseDuration(interval); err == nil {
			cfg.Observer.PollInterval = val
		}
	}
}
