package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Hub       HubConfig       `mapstructure:"hub"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`
	Mode string `mapstructure:"mode" validate:"oneof=debug release test"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig 扇出队列配置，driver 可选 redis / kafka
type QueueConfig struct {
	Driver            string        `mapstructure:"driver" validate:"oneof=redis kafka"`
	Stream            string        `mapstructure:"stream"`
	Group             string        `mapstructure:"group"`
	Brokers           []string      `mapstructure:"brokers"`
	RetryTopic        string        `mapstructure:"retry_topic"`
	DeadTopic         string        `mapstructure:"dead_topic"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
}

type FanoutConfig struct {
	Workers      int `mapstructure:"workers"`
	ChunkSize    int `mapstructure:"chunk_size"`
	WritesPerSec int `mapstructure:"writes_per_sec"`
	ReceiveBatch int `mapstructure:"receive_batch"`
}

type FeedConfig struct {
	Capacity     int           `mapstructure:"capacity"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	TombstoneTTL time.Duration `mapstructure:"tombstone_ttl"`
	FollowerPage int           `mapstructure:"follower_page"`
	FollowerTTL  time.Duration `mapstructure:"follower_ttl"`
}

type HubConfig struct {
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type SentryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load 读取 config.yaml（路径可用 FEEDFLOW_CONFIG 覆盖），env 覆盖文件
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("FEEDFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 没有配置文件时允许仅用默认值 + env 启动
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "feedflow.db")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.stream", "fanout:stream")
	v.SetDefault("queue.group", "fanout")
	v.SetDefault("queue.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("queue.retry_topic", "fanout_retry")
	v.SetDefault("queue.dead_topic", "fanout_dead")
	v.SetDefault("queue.visibility_timeout", 2*time.Minute)
	v.SetDefault("queue.max_attempts", 8)
	v.SetDefault("queue.backoff_base", 30*time.Second)
	v.SetDefault("queue.backoff_cap", time.Hour)

	v.SetDefault("fanout.workers", 4)
	v.SetDefault("fanout.chunk_size", 5)
	v.SetDefault("fanout.writes_per_sec", 500)
	v.SetDefault("fanout.receive_batch", 16)

	v.SetDefault("feed.capacity", 800)
	v.SetDefault("feed.cache_ttl", 10*time.Minute)
	v.SetDefault("feed.tombstone_ttl", 24*time.Hour)
	v.SetDefault("feed.follower_page", 500)
	v.SetDefault("feed.follower_ttl", 5*time.Minute)

	v.SetDefault("hub.pong_wait", 60*time.Second)
	v.SetDefault("hub.write_wait", 10*time.Second)
	v.SetDefault("hub.max_message_size", 512)

	v.SetDefault("jwt.secret", "dev-secret-change-me")
	v.SetDefault("jwt.issuer", "feedflow")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "127.0.0.1:4318")

	v.SetDefault("log.level", "info")
}
