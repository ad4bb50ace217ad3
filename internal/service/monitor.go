package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"decibel-monitor/common/database"
	logcommon "decibel-monitor/common/logger"
	mqttcommon "decibel-monitor/common/mqtt"
	rediscommon "decibel-monitor/common/redis"
	"decibel-monitor/internal/bridge"
	"decibel-monitor/internal/broadcast"
	"decibel-monitor/internal/config"
	httpapi "decibel-monitor/internal/http"
	"decibel-monitor/internal/logsink"
	"decibel-monitor/internal/repository"
	"decibel-monitor/internal/sink"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logSinkQueueSize = 256

// Subscriber MQTT 订阅端（mqttcommon.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
	Disconnect()
}

// MonitorService 噪声监测服务
// MQTT -> Bridge -> PostgreSQL -> Hub(WebSocket) + 镜像（Redis Streams / InfluxDB）
type MonitorService struct {
	config *config.Config
	logger *zap.Logger
	db     *sql.DB
	redis  *redis.Client
	influx *sink.InfluxSink
	mqtt   Subscriber

	logSink *logsink.Core
	hub     *broadcast.Hub
	bridge  *bridge.Bridge
	handler http.Handler
	server  *Server
}

// NewMonitorService 创建噪声监测服务
// ctx 约束启动阶段的连接与建表
func NewMonitorService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.DB.EnsureSchema {
		schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := repository.EnsureSchema(schemaCtx, db)
		cancel()
		if err != nil {
			database.Close(db)
			return nil, err
		}
	}

	// 初始化MQTT
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	s, err := newMonitorService(cfg, logger, db, mqttClient)
	if err != nil {
		mqttClient.Disconnect()
		database.Close(db)
		return nil, err
	}
	return s, nil
}

// newMonitorService 在已建立的连接上组装各组件
func newMonitorService(cfg *config.Config, logger *zap.Logger, db *sql.DB, sub Subscriber) (*MonitorService, error) {
	s := &MonitorService{
		config: cfg,
		db:     db,
		mqtt:   sub,
	}

	logRepo := repository.NewLogEntryRepository(db)

	// 日志面板：达到级别的日志同时写入 log_entries
	if level, ok := persistLevel(cfg.Log.PersistLevel); ok {
		s.logSink = logsink.NewCore(logRepo, level, logSinkQueueSize, logger)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, s.logSink)
		}))
	}
	s.logger = logger

	// 创建Repository
	readingRepo := repository.NewReadingRepository(db, logger)
	deviceRepo := repository.NewDeviceRepository(db)

	// 镜像输出
	var sinks []bridge.Sink
	if cfg.Stream.Enabled {
		s.redis = rediscommon.NewRedisClient(&cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rediscommon.Ping(ctx, s.redis)
		cancel()
		if err != nil {
			rediscommon.Close(s.redis)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		sinks = append(sinks, sink.NewStreamSink(s.redis, cfg.Stream.Name, cfg.Stream.MaxLen))
	}
	if cfg.Influx.Enabled {
		s.influx = sink.NewInfluxSink(&cfg.Influx)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.influx.Ping(ctx); err != nil {
			// 不影响主链路，写入失败会逐条记录
			logger.Warn("InfluxDB not reachable", zap.String("url", cfg.Influx.URL), zap.Error(err))
		}
		cancel()
		sinks = append(sinks, s.influx)
	}

	s.hub = broadcast.NewHub(broadcast.Options{
		SendTimeout: cfg.Broadcast.SendTimeout,
		QueueSize:   cfg.Broadcast.QueueSize,
	}, logger)

	s.bridge = bridge.New(readingRepo, s.hub, sinks, bridge.Options{
		Workers:        cfg.Ingest.Workers,
		QueueSize:      cfg.Ingest.QueueSize,
		EnqueueTimeout: cfg.Ingest.EnqueueTimeout,
		PersistTimeout: cfg.Ingest.PersistTimeout,

		MirrorQueueSize: cfg.Ingest.MirrorQueueSize,
		MirrorTimeout:   cfg.Ingest.MirrorTimeout,
	}, logger)

	c := httpapi.NewCORS(cfg.HTTP.AllowedOrigins)
	checkOrigin := func(r *http.Request) bool {
		// 非浏览器客户端不带 Origin
		if r.Header.Get("Origin") == "" {
			return true
		}
		return c.OriginAllowed(r)
	}
	live := broadcast.NewWebSocketHandler(s.hub, cfg.Broadcast.PingInterval, checkOrigin, logger)
	api := httpapi.NewHandler(readingRepo, deviceRepo, logRepo, db, cfg.Query.DefaultLookback, logger)
	s.handler = httpapi.NewRouter(api, live, c)
	s.server = NewServer(cfg.HTTP.Addr, s.handler, logger)

	return s, nil
}

// persistLevel 解析日志面板级别，"off" 或空表示关闭
func persistLevel(level string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "off", "none":
		return zapcore.InfoLevel, false
	default:
		return logcommon.ParseLevel(strings.ToLower(level)), true
	}
}

// Start 启动服务
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting decibel monitor components")

	if s.logSink != nil {
		s.logSink.Start()
	}

	// 存储协程先于订阅启动
	s.bridge.Start()

	if err := s.server.Start(); err != nil {
		return err
	}

	if err := s.mqtt.Subscribe(s.config.Ingest.Topic, s.config.MQTT.QoS, s.bridge.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.config.Ingest.Topic, err)
	}

	s.logger.Info("Decibel monitor started successfully",
		zap.String("topic", s.config.Ingest.Topic),
		zap.String("http_addr", s.server.Addr()),
		zap.Int("sinks", s.sinkCount()),
	)
	return nil
}

func (s *MonitorService) sinkCount() int {
	n := 0
	if s.redis != nil {
		n++
	}
	if s.influx != nil {
		n++
	}
	return n
}

// Stop 停止服务：先停止接收，再处理完已入队的采样，最后释放连接
func (s *MonitorService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping decibel monitor")

	// 断开MQTT
	if s.mqtt != nil {
		if err := s.mqtt.Unsubscribe(s.config.Ingest.Topic); err != nil {
			s.logger.Warn("Error unsubscribing", zap.Error(err))
		}
		s.mqtt.Disconnect()
	}

	if err := s.bridge.Stop(ctx); err != nil {
		s.logger.Error("Error stopping ingest bridge", zap.Error(err))
	}

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	s.hub.Close()

	if s.influx != nil {
		s.influx.Close()
	}
	// 关闭Redis
	if s.redis != nil {
		rediscommon.Close(s.redis)
	}

	stats := s.bridge.Stats()
	s.logger.Info("Decibel monitor stopped",
		zap.Int64("received", stats.Received),
		zap.Int64("rejected", stats.Rejected),
		zap.Int64("dropped", stats.Dropped),
		zap.Int64("persisted", stats.Persisted),
		zap.Int64("failed", stats.Failed),
		zap.Int64("mirror_dropped", stats.MirrorDropped),
	)

	if s.logSink != nil {
		if err := s.logSink.Close(ctx); err != nil {
			s.logger.Warn("Log panel queue not drained", zap.Error(err))
		}
	}

	// 关闭数据库
	if s.db != nil {
		database.Close(s.db)
	}
	return nil
}

// Handler HTTP 入口（查询接口 + /ws）
func (s *MonitorService) Handler() http.Handler {
	return s.handler
}

// Stats 接入计数
func (s *MonitorService) Stats() bridge.Stats {
	return s.bridge.Stats()
}
