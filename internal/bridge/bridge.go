package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"decibel-monitor/internal/decoder"
	"decibel-monitor/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull 分片队列在 EnqueueTimeout 内没有空位，采样被丢弃
	ErrQueueFull = errors.New("ingest queue full")
	// ErrBridgeClosed Stop 之后收到的消息
	ErrBridgeClosed = errors.New("ingest bridge closed")
)

// Persister 事务化写入（ReadingRepository 实现）
type Persister interface {
	Persist(ctx context.Context, reading *models.Reading) (*models.StoredReading, error)
}

// Publisher 实时扇出（broadcast.Hub 实现），不得阻塞
type Publisher interface {
	Publish(reading *models.StoredReading)
}

// Sink 持久化成功后的镜像输出（Redis Streams、InfluxDB）
type Sink interface {
	Name() string
	Write(ctx context.Context, reading *models.StoredReading) error
}

// Options Bridge 配置
type Options struct {
	Workers        int
	QueueSize      int
	EnqueueTimeout time.Duration
	PersistTimeout time.Duration

	// 每个镜像输出的队列长度和单次写超时
	MirrorQueueSize int
	MirrorTimeout   time.Duration
}

// Stats 运行计数
type Stats struct {
	Received  int64
	Rejected  int64
	Dropped   int64
	Persisted int64
	Failed    int64
	// MirrorDropped 镜像队列满而未镜像的采样（已持久化）
	MirrorDropped int64
}

// Bridge 把 MQTT 投递协程上的消息交给存储协程
// 每个分片一个有界队列和一个存储协程，分片按设备ID取模：同一设备串行，不同设备并发
type Bridge struct {
	store  Persister
	fanout Publisher
	logger *zap.Logger

	shards         []chan *models.Reading
	enqueueTimeout time.Duration
	persistTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	mirrors  []*mirror
	mirrorWg sync.WaitGroup

	received  atomic.Int64
	rejected  atomic.Int64
	dropped   atomic.Int64
	persisted atomic.Int64
	failed    atomic.Int64

	mirrorDropped atomic.Int64
}

// New 创建 Bridge
func New(store Persister, fanout Publisher, sinks []Sink, opts Options, logger *zap.Logger) *Bridge {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.MirrorQueueSize <= 0 {
		opts.MirrorQueueSize = 256
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 5 * time.Second
	}

	shards := make([]chan *models.Reading, opts.Workers)
	for i := range shards {
		shards[i] = make(chan *models.Reading, opts.QueueSize)
	}

	b := &Bridge{
		store:          store,
		fanout:         fanout,
		logger:         logger,
		shards:         shards,
		enqueueTimeout: opts.EnqueueTimeout,
		persistTimeout: opts.PersistTimeout,
	}
	for _, sink := range sinks {
		b.mirrors = append(b.mirrors, newMirror(sink, opts.MirrorQueueSize, opts.MirrorTimeout, &b.mirrorDropped, logger))
	}
	return b
}

// Start 启动存储协程
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true

	for _, m := range b.mirrors {
		b.mirrorWg.Add(1)
		go m.run(&b.mirrorWg)
	}
	for i, shard := range b.shards {
		b.wg.Add(1)
		go b.worker(i, shard)
	}

	b.logger.Info("Ingest bridge started", zap.Int("workers", len(b.shards)))
}

// Stop 停止接收新消息，等待已入队的采样处理完，再等待镜像队列写完
// 未 Start 就 Stop 时，队列中的采样逐条记录为丢弃
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	first := !b.closed
	if first {
		b.closed = true
		for _, shard := range b.shards {
			close(shard)
		}
	}
	started := b.started
	b.mu.Unlock()

	if first && !started {
		b.discardQueued()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		// 存储协程是镜像队列唯一的发送方，全部退出后才能关闭
		if first {
			for _, m := range b.mirrors {
				close(m.queue)
			}
		}
		b.mirrorWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Ingest bridge stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage MQTT 消息回调（签名与 mqttcommon.MessageHandler 一致）
// 只做解码和入队，不等待存储
func (b *Bridge) HandleMessage(topic string, payload []byte) error {
	b.received.Add(1)

	// 1. 解码
	reading, err := decoder.Decode(payload)
	if err != nil {
		b.rejected.Add(1)
		b.logger.Warn("Telemetry message rejected",
			zap.String("topic", topic),
			zap.ByteString("payload", payload),
			zap.Error(err),
		)
		return err
	}

	// 2. 交给存储协程
	return b.enqueue(topic, reading)
}

func (b *Bridge) enqueue(topic string, reading *models.Reading) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		b.logger.Warn("Ingest bridge closed, reading dropped",
			zap.String("topic", topic),
			zap.Int64("device_id", reading.DeviceID),
			zap.String("reading_timestamp", reading.Timestamp.Format(models.TimestampLayout)),
		)
		return ErrBridgeClosed
	}

	shard := b.shards[b.shardFor(reading.DeviceID)]
	select {
	case shard <- reading:
		return nil
	default:
	}

	if b.enqueueTimeout > 0 {
		timer := time.NewTimer(b.enqueueTimeout)
		defer timer.Stop()
		select {
		case shard <- reading:
			return nil
		case <-timer.C:
		}
	}

	b.dropped.Add(1)
	b.logger.Error("Ingest queue full, reading dropped",
		zap.String("topic", topic),
		zap.Int64("device_id", reading.DeviceID),
		zap.String("reading_timestamp", reading.Timestamp.Format(models.TimestampLayout)),
	)
	return ErrQueueFull
}

func (b *Bridge) discardQueued() {
	for _, shard := range b.shards {
		for reading := range shard {
			b.dropped.Add(1)
			b.logger.Error("Ingest bridge stopped before start, reading dropped",
				zap.Int64("device_id", reading.DeviceID),
				zap.String("reading_timestamp", reading.Timestamp.Format(models.TimestampLayout)),
				zap.Float64("avg_db", reading.AvgDB),
			)
		}
	}
}

func (b *Bridge) shardFor(deviceID int64) int {
	return int(uint64(deviceID) % uint64(len(b.shards)))
}

func (b *Bridge) worker(index int, shard <-chan *models.Reading) {
	defer b.wg.Done()
	for reading := range shard {
		b.process(index, reading)
	}
}

// process 持久化一条采样，成功后扇出并交给镜像队列
func (b *Bridge) process(worker int, reading *models.Reading) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.logger.Error("Panic while processing reading",
				zap.Int("worker", worker),
				zap.Int64("device_id", reading.DeviceID),
				zap.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), b.persistTimeout)
	defer cancel()

	// 3. 事务写入
	stored, err := b.store.Persist(ctx, reading)
	if err != nil {
		// 4. 失败只记录，不重试
		b.failed.Add(1)
		b.logger.Error("Failed to persist reading",
			zap.Int64("device_id", reading.DeviceID),
			zap.String("reading_timestamp", reading.Timestamp.Format(models.TimestampLayout)),
			zap.Float64("avg_db", reading.AvgDB),
			zap.Error(err),
		)
		return
	}
	b.persisted.Add(1)

	b.logger.Info("Report saved",
		zap.Int64("device_id", stored.DeviceID),
		zap.Int64("report_id", stored.ID),
		zap.Float64("avg_db", stored.AvgDB),
	)

	b.fanout.Publish(stored)

	for _, m := range b.mirrors {
		m.offer(stored)
	}
}

// Stats 返回运行计数快照
func (b *Bridge) Stats() Stats {
	return Stats{
		Received:  b.received.Load(),
		Rejected:  b.rejected.Load(),
		Dropped:   b.dropped.Load(),
		Persisted: b.persisted.Load(),
		Failed:    b.failed.Load(),

		MirrorDropped: b.mirrorDropped.Load(),
	}
}
