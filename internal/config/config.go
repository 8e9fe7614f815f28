package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 CONVSTATE_REDIS_HOST
const EnvPrefix = "CONVSTATE"

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Database DatabaseConfig `mapstructure:"database"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Pool     PoolConfig     `mapstructure:"pool"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	Mode           string   `mapstructure:"mode"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
	Subject       string        `mapstructure:"subject"`
	QueueGroup    string        `mapstructure:"queue_group"`
	WorkerCount   int           `mapstructure:"worker_count"`
	BufferSize    int           `mapstructure:"buffer_size"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN 构建 PostgreSQL 连接串
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
	)
}

type MongoConfig struct {
	URI         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	MaxPoolSize uint64 `mapstructure:"max_pool_size"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr 获取 Redis 地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LedgerConfig 账本配置
type LedgerConfig struct {
	Driver  string        `mapstructure:"driver"` // postgres | mongo | memory
	Timeout time.Duration `mapstructure:"timeout"`
}

// CacheConfig 热缓存配置
type CacheConfig struct {
	UnreadTTL        time.Duration `mapstructure:"unread_ttl"`
	PreviewTTL       time.Duration `mapstructure:"preview_ttl"`
	ReplayWindow     int           `mapstructure:"replay_window"`
	OpTimeout        time.Duration `mapstructure:"op_timeout"`
	WriteBackTimeout time.Duration `mapstructure:"write_back_timeout"`
}

// PoolConfig 回源 Worker Pool 配置
type PoolConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

const (
	LedgerDriverPostgres = "postgres"
	LedgerDriverMongo    = "mongo"
	LedgerDriverMemory   = "memory" // 本地开发，进程内账本
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "convstate")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("http.addr", ":8082")
	v.SetDefault("http.mode", "release")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.name", "convstate")
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.drain_timeout", 5*time.Second)
	v.SetDefault("nats.subject", "im.convstate.events")
	v.SetDefault("nats.queue_group", "convstate-group")
	v.SetDefault("nats.worker_count", 32)
	v.SetDefault("nats.buffer_size", 4096)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "im")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "im")
	v.SetDefault("mongo.max_pool_size", 100)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 50)

	v.SetDefault("ledger.driver", LedgerDriverPostgres)
	v.SetDefault("ledger.timeout", 3*time.Second)

	v.SetDefault("cache.unread_ttl", 7*24*time.Hour)
	v.SetDefault("cache.preview_ttl", 7*24*time.Hour)
	v.SetDefault("cache.replay_window", 256)
	v.SetDefault("cache.op_timeout", 500*time.Millisecond)
	v.SetDefault("cache.write_back_timeout", time.Second)

	v.SetDefault("pool.workers", 16)
	v.SetDefault("pool.queue_size", 1024)
}

// Load 从指定路径加载配置，环境变量优先于文件
// configPath 为空时只使用默认值与环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case LedgerDriverPostgres, LedgerDriverMongo, LedgerDriverMemory:
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if c.Cache.UnreadTTL <= 0 || c.Cache.PreviewTTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.Cache.ReplayWindow <= 0 {
		return fmt.Errorf("cache.replay_window must be positive")
	}
	if c.Pool.Workers <= 0 || c.Pool.QueueSize <= 0 {
		return fmt.Errorf("pool workers and queue_size must be positive")
	}
	return nil
}
