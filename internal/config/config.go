package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Business BusinessConfig `mapstructure:"business"`
	Log      LogConfig      `mapstructure:"log"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"` // mysql 或 postgres
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Database       string `mapstructure:"database"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
	ConnectTimeout int    `mapstructure:"connect_timeout_seconds"`
	LogLevel       string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	DialTimeout  int    `mapstructure:"dial_timeout_seconds"`
	ReadTimeout  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeout int    `mapstructure:"write_timeout_seconds"`
	PoolTimeout  int    `mapstructure:"pool_timeout_seconds"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentResult string `mapstructure:"payment_result"`
}

type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	TokenTTLHours int    `mapstructure:"token_ttl_hours"`
	PinHashCost   int    `mapstructure:"pin_hash_cost"`
}

func (c AuthConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// BusinessConfig 业务参数
//
// 幂等缓存的有效期必须短于会话有效期，保证缓存里不会出现已经过期的会话视图。
type BusinessConfig struct {
	SessionTTLMinutes     int `mapstructure:"session_ttl_minutes"`
	IdempotencyTTLMinutes int `mapstructure:"idempotency_ttl_minutes"`
	MerchantCacheMinutes  int `mapstructure:"merchant_cache_minutes"`
	MaxRetryCount         int `mapstructure:"max_retry_count"`
}

func (c BusinessConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

func (c BusinessConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLMinutes) * time.Minute
}

func (c BusinessConfig) MerchantCacheTTL() time.Duration {
	return time.Duration(c.MerchantCacheMinutes) * time.Minute
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json 或 console
}

type JobsConfig struct {
	OutboxIntervalMillis int `mapstructure:"outbox_interval_millis"`
	AuditIntervalSeconds int `mapstructure:"audit_interval_seconds"`
	AuditLookbackMinutes int `mapstructure:"audit_lookback_minutes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 10)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "qrpay")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.connect_timeout_seconds", 5)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout_seconds", 5)
	v.SetDefault("redis.read_timeout_seconds", 3)
	v.SetDefault("redis.write_timeout_seconds", 3)
	v.SetDefault("redis.pool_timeout_seconds", 4)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic.payment_result", "qrpay.payment.result")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl_hours", 24)
	v.SetDefault("auth.pin_hash_cost", 10)

	v.SetDefault("business.session_ttl_minutes", 15)
	v.SetDefault("business.idempotency_ttl_minutes", 10)
	v.SetDefault("business.merchant_cache_minutes", 60)
	v.SetDefault("business.max_retry_count", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("jobs.outbox_interval_millis", 500)
	v.SetDefault("jobs.audit_interval_seconds", 60)
	v.SetDefault("jobs.audit_lookback_minutes", 30)
}

// LoadConfig 加载配置文件
//
// 配置文件中的值可以用 QRPAY_ 前缀的环境变量覆盖，例如 QRPAY_DATABASE_PASSWORD。
// configPath 为空时只使用默认值和环境变量。
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QRPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置之间的约束
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret 不能为空")
	}
	if c.Database.Driver != "mysql" && c.Database.Driver != "postgres" {
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	if c.Business.IdempotencyTTLMinutes <= 0 || c.Business.SessionTTLMinutes <= 0 {
		return fmt.Errorf("business.session_ttl_minutes 和 business.idempotency_ttl_minutes 必须大于0")
	}
	if c.Business.IdempotencyTTLMinutes >= c.Business.SessionTTLMinutes {
		return fmt.Errorf("幂等缓存有效期(%d分钟)必须短于会话有效期(%d分钟)",
			c.Business.IdempotencyTTLMinutes, c.Business.SessionTTLMinutes)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("启用 Kafka 时 kafka.brokers 不能为空")
	}
	return nil
}
