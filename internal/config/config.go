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
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Provider   ProviderConfig  `mapstructure:"provider"`
	Dispatch   DispatchConfig  `mapstructure:"dispatch"`
	Retry      RetryConfig     `mapstructure:"retry"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	APIKeys    []string        `mapstructure:"api_keys"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
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
	RunEventsTopic string   `mapstructure:"run_events_topic"`
	BatchTimeoutMs int      `mapstructure:"batch_timeout_ms"`
}

// ProviderConfig describes the external mail transport and the credential
// handle bound to the single sending identity.
type ProviderConfig struct {
	BaseURL    string  `mapstructure:"base_url"`
	SendPath   string  `mapstructure:"send_path"`
	TimeoutMs  int     `mapstructure:"timeout_ms"`
	Token      string  `mapstructure:"token"`
	From       string  `mapstructure:"from"`
	BucketRPS  float64 `mapstructure:"bucket_rps"`
	BucketSize int     `mapstructure:"bucket_size"`
}

type DispatchConfig struct {
	WorkerCount  int           `mapstructure:"worker_count"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RetryConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Cap         time.Duration `mapstructure:"cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	JitterFrac  float64       `mapstructure:"jitter_frac"`
	JitterSeed  int64         `mapstructure:"jitter_seed"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (CAMPD_*).
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

	// env override (CAMPD_*)
	v.SetEnvPrefix("CAMPD")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
