package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig PostgreSQL 连接配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// MQTTConfig MQTT 连接配置
type MQTTConfig struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	KeepAlive int // 秒
}

// InfluxConfig InfluxDB 配置（可选的时序镜像）
type InfluxConfig struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
}

// GetDSN 生成 lib/pq 使用的 URL 形式连接串，用户名和密码做转义
func (c *DatabaseConfig) GetDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout/time.Second)))
	}
	q.Set("application_name", "decibel-monitor")
	u.RawQuery = q.Encode()
	return u.String()
}

// LoadFromEnv 从 <prefix>_HOST、<prefix>_PORT 等环境变量覆盖配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	envString(prefix+"_HOST", &c.Host)
	envInt(prefix+"_PORT", &c.Port)
	envString(prefix+"_USER", &c.User)
	envString(prefix+"_PASSWORD", &c.Password)
	envString(prefix+"_NAME", &c.Database)
	envString(prefix+"_SSLMODE", &c.SSLMode)
	envInt(prefix+"_MAX_CONNS", &c.MaxConns)
	envInt(prefix+"_MAX_IDLE", &c.MaxIdle)
	envDuration(prefix+"_CONN_MAX_LIFETIME", &c.ConnMaxLifetime)
	envDuration(prefix+"_CONNECT_TIMEOUT", &c.ConnectTimeout)
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	envString(prefix+"_ADDR", &c.Addr)
	envString(prefix+"_PASSWORD", &c.Password)
	envInt(prefix+"_DB", &c.DB)
	envInt(prefix+"_POOL_SIZE", &c.PoolSize)
	envDuration(prefix+"_DIAL_TIMEOUT", &c.DialTimeout)
}

// LoadFromEnv 从环境变量加载MQTT配置
// QoS 只接受 0..2，KeepAlive 只接受正数，其他值忽略
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	envString(prefix+"_BROKER", &c.Broker)
	envString(prefix+"_CLIENT_ID", &c.ClientID)
	envString(prefix+"_USERNAME", &c.Username)
	envString(prefix+"_PASSWORD", &c.Password)

	qos := -1
	if envInt(prefix+"_QOS", &qos) && qos >= 0 && qos <= 2 {
		c.QoS = byte(qos)
	}
	keepAlive := 0
	if envInt(prefix+"_KEEPALIVE", &keepAlive) && keepAlive > 0 {
		c.KeepAlive = keepAlive
	}
}

// LoadFromEnv 从环境变量加载InfluxDB配置
func (c *InfluxConfig) LoadFromEnv(prefix string) {
	if v := os.Getenv(prefix + "_ENABLED"); v != "" {
		c.Enabled, _ = strconv.ParseBool(v)
	}
	envString(prefix+"_URL", &c.URL)
	envString(prefix+"_TOKEN", &c.Token)
	envString(prefix+"_ORG", &c.Org)
	envString(prefix+"_BUCKET", &c.Bucket)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// envInt 解析成功时写入 dst 并返回 true
func envInt(key string, dst *int) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return false
	}
	*dst = n
	return true
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
	}
}
