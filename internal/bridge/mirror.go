package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"decibel-monitor/internal/models"

	"go.uber.org/zap"
)

// mirror 单个镜像输出的有界队列和写协程
// 存储协程只做非阻塞入队，镜像变慢不会占用存储协程
type mirror struct {
	sink    Sink
	queue   chan *models.StoredReading
	timeout time.Duration
	logger  *zap.Logger

	dropped *atomic.Int64
}

func newMirror(sink Sink, queueSize int, timeout time.Duration, dropped *atomic.Int64, logger *zap.Logger) *mirror {
	return &mirror{
		sink:    sink,
		queue:   make(chan *models.StoredReading, queueSize),
		timeout: timeout,
		logger:  logger,
		dropped: dropped,
	}
}

// offer 队列满时丢弃并记录，不阻塞
func (m *mirror) offer(reading *models.StoredReading) {
	select {
	case m.queue <- reading:
	default:
		m.dropped.Add(1)
		m.logger.Warn("Mirror queue full, reading not mirrored",
			zap.String("sink", m.sink.Name()),
			zap.Int64("device_id", reading.DeviceID),
			zap.Int64("report_id", reading.ID),
		)
	}
}

func (m *mirror) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for reading := range m.queue {
		m.write(reading)
	}
}

// write 每次写入使用独立超时
func (m *mirror) write(reading *models.StoredReading) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic while mirroring reading",
				zap.String("sink", m.sink.Name()),
				zap.Int64("report_id", reading.ID),
				zap.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.sink.Write(ctx, reading); err != nil {
		m.logger.Warn("Failed to mirror reading",
			zap.String("sink", m.sink.Name()),
			zap.Int64("device_id", reading.DeviceID),
			zap.Int64("report_id", reading.ID),
			zap.Error(err),
		)
	}
}
