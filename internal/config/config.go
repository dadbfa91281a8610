package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Twilio        TwilioConfig        `mapstructure:"twilio"`
	Operator      OperatorConfig      `mapstructure:"operator"`
	Flow          FlowConfig          `mapstructure:"flow"`
	Conversations ConversationsConfig `mapstructure:"conversations"`
	Governor      GovernorConfig      `mapstructure:"governor"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Media         MediaConfig         `mapstructure:"media"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	Port              string `mapstructure:"port"`
	PublicURL         string `mapstructure:"public_url"`
	ValidateSignature bool   `mapstructure:"validate_signature"`
}

type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	UseMemoryStore bool   `mapstructure:"use_memory_store"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Channel  string        `mapstructure:"channel"`
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

type TwilioConfig struct {
	AccountSID string        `mapstructure:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token"`
	From       string        `mapstructure:"from"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type OperatorConfig struct {
	Phone  string `mapstructure:"phone"`
	APIKey string `mapstructure:"api_key"`
}

type FlowConfig struct {
	InactivityTimeout  time.Duration `mapstructure:"inactivity_timeout"`
	EscalationMaxAge   time.Duration `mapstructure:"escalation_max_age"`
	SessionPruneAfter  time.Duration `mapstructure:"session_prune_after"`
	Timezone           string        `mapstructure:"timezone"`
	ProductsPerPage    int           `mapstructure:"products_per_page"`
	StoreName          string        `mapstructure:"store_name"`
	StoreInfo          string        `mapstructure:"store_info"`
	DefaultPromotional string        `mapstructure:"default_promo"`
}

type ConversationsConfig struct {
	MaxActive     int `mapstructure:"max_active"`
	MaxMessages   int `mapstructure:"max_messages"`
	RetentionDays int `mapstructure:"retention_days"`
}

type GovernorConfig struct {
	HourlyQuota    int           `mapstructure:"hourly_quota"`
	SoftThreshold  float64       `mapstructure:"soft_threshold"`
	SoftDelay      time.Duration `mapstructure:"soft_delay"`
	HardThreshold  float64       `mapstructure:"hard_threshold"`
	HardDelay      time.Duration `mapstructure:"hard_delay"`
	PauseThreshold float64       `mapstructure:"pause_threshold"`
}

type QueueConfig struct {
	Tick            time.Duration `mapstructure:"tick"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	SendPause       time.Duration `mapstructure:"send_pause"`
	CleanupDays     int           `mapstructure:"cleanup_days"`
	ProcessingLease time.Duration `mapstructure:"processing_lease"`
}

type MediaConfig struct {
	Driver   string `mapstructure:"driver"`
	Dir      string `mapstructure:"dir"`
	BaseURL  string `mapstructure:"base_url"`
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Region string `mapstructure:"s3_region"`
	S3Prefix string `mapstructure:"s3_prefix"`
}

type CatalogConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ConsumerKey    string        `mapstructure:"consumer_key"`
	ConsumerSecret string        `mapstructure:"consumer_secret"`
	BrandAttribute int           `mapstructure:"brand_attribute"`
	ModelAttribute int           `mapstructure:"model_attribute"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Load reads .env (if present), then layers defaults, the optional config
// file at path and WABOT_* environment variables.
func Load(path string) (*Config, error) {
	// .env is optional outside local development
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("wabot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "production")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.validate_signature", true)

	v.SetDefault("database.dsn", "host=localhost user=postgres dbname=wabot port=5432 sslmode=disable")
	v.SetDefault("database.use_memory_store", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "wabot:operator:events")
	v.SetDefault("redis.dedup_ttl", 10*time.Minute)

	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.from", "")
	v.SetDefault("twilio.timeout", 10*time.Second)
	v.SetDefault("twilio.retries", 3)
	v.SetDefault("twilio.retry_delay", 2*time.Second)

	v.SetDefault("operator.phone", "")
	v.SetDefault("operator.api_key", "")

	v.SetDefault("flow.inactivity_timeout", 7*time.Minute)
	v.SetDefault("flow.escalation_max_age", 24*time.Hour)
	v.SetDefault("flow.session_prune_after", 2*time.Hour)
	v.SetDefault("flow.timezone", "UTC")
	v.SetDefault("flow.products_per_page", 8)
	v.SetDefault("flow.store_name", "our store")
	v.SetDefault("flow.store_info", "Open Mon-Fri 08:00-18:00, Sat 09:00-13:00.")
	v.SetDefault("flow.default_promo", "")

	v.SetDefault("conversations.max_active", 100)
	v.SetDefault("conversations.max_messages", 500)
	v.SetDefault("conversations.retention_days", 20)

	v.SetDefault("governor.hourly_quota", 5000)
	v.SetDefault("governor.soft_threshold", 70.0)
	v.SetDefault("governor.soft_delay", 2*time.Minute)
	v.SetDefault("governor.hard_threshold", 80.0)
	v.SetDefault("governor.hard_delay", 5*time.Minute)
	v.SetDefault("governor.pause_threshold", 85.0)

	v.SetDefault("queue.tick", 10*time.Second)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.send_pause", time.Second)
	v.SetDefault("queue.cleanup_days", 7)
	v.SetDefault("queue.processing_lease", 2*time.Minute)

	v.SetDefault("media.driver", "local")
	v.SetDefault("media.dir", "./data/media")
	v.SetDefault("media.base_url", "")
	v.SetDefault("media.s3_bucket", "")
	v.SetDefault("media.s3_region", "us-east-1")
	v.SetDefault("media.s3_prefix", "media/")

	v.SetDefault("catalog.base_url", "")
	v.SetDefault("catalog.consumer_key", "")
	v.SetDefault("catalog.consumer_secret", "")
	v.SetDefault("catalog.brand_attribute", 0)
	v.SetDefault("catalog.model_attribute", 0)
	v.SetDefault("catalog.timeout", 10*time.Second)
}

// Validate rejects configurations the governor and stores cannot honor.
func (c *Config) Validate() error {
	g := c.Governor
	if g.HourlyQuota <= 0 {
		return fmt.Errorf("governor.hourly_quota must be positive, got %d", g.HourlyQuota)
	}
	if !(g.SoftThreshold < g.HardThreshold && g.HardThreshold <= g.PauseThreshold) {
		return fmt.Errorf("governor thresholds must increase: soft=%.1f hard=%.1f pause=%.1f",
			g.SoftThreshold, g.HardThreshold, g.PauseThreshold)
	}
	if g.SoftDelay > g.HardDelay {
		return fmt.Errorf("governor.soft_delay (%s) exceeds hard_delay (%s)", g.SoftDelay, g.HardDelay)
	}
	if c.Conversations.MaxActive <= 0 || c.Conversations.MaxMessages <= 0 {
		return fmt.Errorf("conversation caps must be positive")
	}
	if c.Queue.BatchSize <= 0 || c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.batch_size and queue.max_attempts must be positive")
	}
	if c.Flow.InactivityTimeout <= 0 {
		return fmt.Errorf("flow.inactivity_timeout must be positive")
	}
	switch c.Media.Driver {
	case "local", "s3":
	default:
		return fmt.Errorf("media.driver must be local or s3, got %q", c.Media.Driver)
	}
	return nil
}

// IsDevelopment reports whether verbose development logging should be used.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}
