package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Log         LogConfig         `mapstructure:"log"`
	MySQL       DatabaseConfig    `mapstructure:"mysql"`
	ClickHouse  DatabaseConfig    `mapstructure:"clickhouse"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	AI          AIConfig          `mapstructure:"ai"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	Reservation ReservationConfig `mapstructure:"reservation"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Trial       TrialConfig       `mapstructure:"trial"`
	Usage       UsageConfig       `mapstructure:"usage"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type AIConfig struct {
	MaxAttempts int              `mapstructure:"max_attempts"`
	MaxInputLen int              `mapstructure:"max_input_len"` // runes
	Providers   []ProviderConfig `mapstructure:"providers"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type ProviderConfig struct {
	Name         string        `mapstructure:"name"`
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	CompletePath string        `mapstructure:"complete_path"`
	TimeoutMs    int           `mapstructure:"timeout_ms"`
	Breaker      BreakerConfig `mapstructure:"breaker"`
}

// PricingConfig assigns a credit cost to each spreadsheet formula.
type PricingConfig struct {
	Clean     int64 `mapstructure:"clean"`
	Summarize int64 `mapstructure:"summarize"`
	SEO       int64 `mapstructure:"seo"`
}

type ReservationConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

type WebhookConfig struct {
	Secret       string        `mapstructure:"secret"`
	Tolerance    time.Duration `mapstructure:"tolerance"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

type TrialConfig struct {
	Credits int64 `mapstructure:"credits"`
}

type UsageConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	BatchWait time.Duration `mapstructure:"batch_wait"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (CREDGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (CREDGW_*)
	v.SetEnvPrefix("CREDGW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
