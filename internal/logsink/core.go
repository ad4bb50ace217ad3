package logsink

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"decibel-monitor/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// DeviceIDKey 日志字段中的设备ID，写入 log_entries.microcontroller_id
	DeviceIDKey = "device_id"

	writeTimeout = 5 * time.Second
)

// Writer 日志面板存储（LogEntryRepository 实现）
type Writer interface {
	InsertLogEntry(ctx context.Context, entry *models.LogEntry) error
}

// Core 把达到级别的日志异步写入 log_entries
// 与主输出 tee 在一起；队列满时直接丢弃，不阻塞调用方
type Core struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
	q      *queue
}

type queue struct {
	writer   Writer
	entries  chan *models.LogEntry
	fallback *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Int64
}

// NewCore 创建日志面板 core
// fallback 用于记录写库失败，必须是不包含本 core 的 logger
func NewCore(writer Writer, level zapcore.LevelEnabler, queueSize int, fallback *zap.Logger) *Core {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Core{
		LevelEnabler: level,
		q: &queue{
			writer:   writer,
			entries:  make(chan *models.LogEntry, queueSize),
			fallback: fallback,
		},
	}
}

// Start 启动写库协程
func (c *Core) Start() {
	c.q.wg.Add(1)
	go c.q.run()
}

// Close 停止接收日志并等待队列写完
func (c *Core) Close(ctx context.Context) error {
	q := c.q
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.entries)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped 因队列满或已关闭而丢弃的日志数
func (c *Core) Dropped() int64 {
	return c.q.dropped.Load()
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return &clone
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	message := ent.Message
	if errText, ok := enc.Fields["error"].(string); ok && errText != "" {
		message += ": " + errText
	}

	entry := &models.LogEntry{
		Level:             strings.ToUpper(ent.Level.String()),
		Message:           message,
		Timestamp:         ent.Time.UTC(),
		MicrocontrollerID: deviceID(enc.Fields[DeviceIDKey]),
	}
	c.q.push(entry)
	return nil
}

func (c *Core) Sync() error {
	return nil
}

func deviceID(v interface{}) *int64 {
	switch id := v.(type) {
	case int64:
		return &id
	case int:
		n := int64(id)
		return &n
	case int32:
		n := int64(id)
		return &n
	default:
		return nil
	}
}

func (q *queue) push(entry *models.LogEntry) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return
	}
	select {
	case q.entries <- entry:
	default:
		q.dropped.Add(1)
	}
}

func (q *queue) run() {
	defer q.wg.Done()
	for entry := range q.entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := q.writer.InsertLogEntry(ctx, entry)
		cancel()
		if err != nil {
			q.fallback.Warn("Failed to persist log entry",
				zap.String("level", entry.Level),
				zap.String("log_message", entry.Message),
				zap.Error(err),
			)
		}
	}
}
