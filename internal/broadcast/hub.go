package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"decibel-monitor/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Conn viewer 连接（由传输层实现，如 WebSocket）
type Conn interface {
	// WriteText 发送一帧文本，必须在 deadline 前返回
	WriteText(data []byte, deadline time.Time) error
	Close() error
}

// Handle 订阅句柄，每次 Subscribe 都不同
type Handle struct {
	ID string
}

// viewer 单个连接的发送状态
// queue 只在持有 Hub.mu 时写入；done 关闭后写协程退出
type viewer struct {
	handle *Handle
	conn   Conn
	queue  chan []byte
	done   chan struct{}
}

// Options Hub 配置
type Options struct {
	SendTimeout time.Duration // 单次写超时
	QueueSize   int           // 单个 viewer 待发送队列长度，满了视为卡死并断开
}

// Hub 实时推送扇出
// 注册表的增删和遍历都在 mu 下进行；Publish 只做非阻塞入队，写由每个 viewer 自己的协程完成
type Hub struct {
	mu      sync.Mutex
	viewers map[string]*viewer
	closed  bool

	sendTimeout time.Duration
	queueSize   int
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewHub 创建 Hub
func NewHub(opts Options, logger *zap.Logger) *Hub {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Hub{
		viewers:     make(map[string]*viewer),
		sendTimeout: opts.SendTimeout,
		queueSize:   opts.QueueSize,
		logger:      logger,
	}
}

// Subscribe 注册一个 viewer 并启动其写协程
// Hub 已关闭时直接关闭连接，返回的句柄不在注册表中
func (h *Hub) Subscribe(conn Conn) *Handle {
	v := &viewer{
		handle: &Handle{ID: uuid.NewString()},
		conn:   conn,
		queue:  make(chan []byte, h.queueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return v.handle
	}
	h.viewers[v.handle.ID] = v
	count := len(h.viewers)
	h.wg.Add(1)
	h.mu.Unlock()

	go h.writeLoop(v)

	h.logger.Info("Viewer connected",
		zap.String("viewer_id", v.handle.ID),
		zap.Int("viewers", count),
	)
	return v.handle
}

// Unsubscribe 移除 viewer；nil、未注册或已移除的句柄为 no-op
func (h *Hub) Unsubscribe(handle *Handle) {
	if handle == nil {
		return
	}

	h.mu.Lock()
	v, ok := h.viewers[handle.ID]
	if ok {
		h.removeLocked(v)
	}
	count := len(h.viewers)
	h.mu.Unlock()

	if ok {
		v.conn.Close()
		h.logger.Info("Viewer disconnected",
			zap.String("viewer_id", handle.ID),
			zap.Int("viewers", count),
		)
	}
}

// removeLocked 调用方必须持有 h.mu；连接由调用方在解锁后关闭
func (h *Hub) removeLocked(v *viewer) {
	delete(h.viewers, v.handle.ID)
	close(v.done)
}

// Publish 序列化采样并投递给当前所有 viewer
// 不返回错误：单个 viewer 的失败只影响它自己
func (h *Hub) Publish(reading *models.StoredReading) {
	data, err := json.Marshal(reading.View())
	if err != nil {
		h.logger.Error("Failed to serialize reading for broadcast",
			zap.Int64("report_id", reading.ID),
			zap.Error(err),
		)
		return
	}

	h.mu.Lock()
	var stalled []*viewer
	for _, v := range h.viewers {
		select {
		case v.queue <- data:
		default:
			// 队列已满：该 viewer 跟不上，断开
			h.removeLocked(v)
			stalled = append(stalled, v)
		}
	}
	h.mu.Unlock()

	for _, v := range stalled {
		v.conn.Close()
		h.logger.Warn("Viewer send queue full, disconnected",
			zap.String("viewer_id", v.handle.ID),
			zap.Int64("report_id", reading.ID),
		)
	}
}

// writeLoop 按入队顺序逐条写出，写失败即移除该 viewer
// viewer 移除后不再写出任何帧，即使队列里还有数据
func (h *Hub) writeLoop(v *viewer) {
	defer h.wg.Done()
	for {
		select {
		case <-v.done:
			return
		case data := <-v.queue:
			select {
			case <-v.done:
				return
			default:
			}
			if err := v.conn.WriteText(data, time.Now().Add(h.sendTimeout)); err != nil {
				h.logger.Info("Viewer delivery failed",
					zap.String("viewer_id", v.handle.ID),
					zap.Error(err),
				)
				h.Unsubscribe(v.handle)
				return
			}
		}
	}
}

// Count 当前 viewer 数量
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Close 断开所有 viewer，之后的 Subscribe 会立即关闭连接
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	removed := make([]*viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		h.removeLocked(v)
		removed = append(removed, v)
	}
	h.mu.Unlock()

	for _, v := range removed {
		v.conn.Close()
	}

	h.wg.Wait()
}
