package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"decibel-monitor/common/config"

	"github.com/joho/godotenv"
)

// Config 噪声监测服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Influx   config.InfluxConfig

	// 遥测接入
	Ingest struct {
		Topic          string        // 订阅主题，如 "sensor/sound/pico"
		Workers        int           // 存储协程数（按设备ID分片）
		QueueSize      int           // 每个分片的队列长度
		EnqueueTimeout time.Duration // 队列满时投递方最长等待时间
		PersistTimeout time.Duration // 单个事务超时

		MirrorQueueSize int           // 每个镜像输出的队列长度
		MirrorTimeout   time.Duration // 单次镜像写超时
	}

	// 实时推送
	Broadcast struct {
		SendTimeout  time.Duration // 单个 viewer 写超时
		QueueSize    int           // 单个 viewer 待发送队列长度
		PingInterval time.Duration
	}

	// Redis Streams 镜像
	Stream struct {
		Enabled bool
		Name    string
		MaxLen  int64
	}

	HTTP struct {
		Addr           string
		AllowedOrigins []string
	}

	Query struct {
		DefaultLookback time.Duration // 未指定日期过滤时的默认回溯窗口
	}

	DB struct {
		EnsureSchema bool
	}

	Log struct {
		Level        string
		Format       string
		File         string
		MaxSizeMB    int
		MaxBackups   int
		PersistLevel string // 写入 log_entries 的最低级别，"off" 关闭
	}
}

// Load 加载配置
// envFile 非空时先读取该文件；为空时尝试读取当前目录下的 .env（不存在则忽略）
// 已存在的环境变量优先于文件中的值
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "decibel"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.ConnMaxLifetime = 30 * time.Minute
	cfg.Database.ConnectTimeout = 5 * time.Second
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.KeepAlive = 60
	cfg.MQTT.LoadFromEnv("MQTT")
	if cfg.MQTT.ClientID == "" {
		// 每个实例唯一，避免 broker 踢掉同名连接
		cfg.MQTT.ClientID = fmt.Sprintf("decibel-monitor-%d", time.Now().UnixNano())
	}

	cfg.Influx.URL = "http://localhost:8086"
	cfg.Influx.Bucket = "decibel"
	cfg.Influx.LoadFromEnv("INFLUX")

	cfg.Ingest.Topic = getEnv("MQTT_TOPIC", "sensor/sound/pico")
	cfg.Ingest.Workers = getEnvInt("INGEST_WORKERS", 4)
	cfg.Ingest.QueueSize = getEnvInt("INGEST_QUEUE_SIZE", 256)
	cfg.Ingest.EnqueueTimeout = getEnvDuration("INGEST_ENQUEUE_TIMEOUT", 10*time.Millisecond)
	cfg.Ingest.PersistTimeout = getEnvDuration("INGEST_PERSIST_TIMEOUT", 10*time.Second)
	cfg.Ingest.MirrorQueueSize = getEnvInt("INGEST_MIRROR_QUEUE_SIZE", 1024)
	cfg.Ingest.MirrorTimeout = getEnvDuration("INGEST_MIRROR_TIMEOUT", 5*time.Second)

	cfg.Broadcast.SendTimeout = getEnvDuration("BROADCAST_SEND_TIMEOUT", 5*time.Second)
	cfg.Broadcast.QueueSize = getEnvInt("BROADCAST_QUEUE_SIZE", 64)
	cfg.Broadcast.PingInterval = getEnvDuration("BROADCAST_PING_INTERVAL", 30*time.Second)

	cfg.Stream.Enabled = getEnvBool("STREAM_ENABLED", false)
	cfg.Stream.Name = getEnv("STREAM_NAME", "noise:reports:stream")
	cfg.Stream.MaxLen = int64(getEnvInt("STREAM_MAX_LEN", 100000))

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8000")
	cfg.HTTP.AllowedOrigins = splitList(getEnv("HTTP_ALLOWED_ORIGINS", "*"))

	cfg.Query.DefaultLookback = getEnvDuration("QUERY_DEFAULT_LOOKBACK", 24*time.Hour)

	cfg.DB.EnsureSchema = getEnvBool("DB_ENSURE_SCHEMA", true)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.File = getEnv("LOG_FILE", "")
	cfg.Log.MaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", 100)
	cfg.Log.MaxBackups = getEnvInt("LOG_MAX_BACKUPS", 5)
	cfg.Log.PersistLevel = getEnv("LOG_PERSIST_LEVEL", "warn")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Ingest.Topic == "" {
		return fmt.Errorf("MQTT_TOPIC must not be empty")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("INGEST_WORKERS must be positive, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("INGEST_QUEUE_SIZE must be positive, got %d", c.Ingest.QueueSize)
	}
	if c.Ingest.MirrorQueueSize <= 0 {
		return fmt.Errorf("INGEST_MIRROR_QUEUE_SIZE must be positive, got %d", c.Ingest.MirrorQueueSize)
	}
	if c.Broadcast.SendTimeout <= 0 {
		return fmt.Errorf("BROADCAST_SEND_TIMEOUT must be positive")
	}
	if c.Broadcast.QueueSize <= 0 {
		return fmt.Errorf("BROADCAST_QUEUE_SIZE must be positive, got %d", c.Broadcast.QueueSize)
	}
	if c.Influx.Enabled && (c.Influx.Token == "" || c.Influx.Org == "") {
		return fmt.Errorf("INFLUX_TOKEN and INFLUX_ORG are required when INFLUX_ENABLED=true")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

// getEnvDuration 支持 "5s" 形式，也支持纯数字（按秒）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
