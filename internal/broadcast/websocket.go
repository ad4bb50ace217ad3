package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxViewerMessageSize = 512
	controlWriteTimeout  = time.Second
)

// wsConn 将 gorilla/websocket 连接适配为 Conn
// 数据帧只由 Hub 的写协程发送；WriteControl/Close 可与之并发调用
type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) WriteText(data []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(controlWriteTimeout))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// WebSocketHandler 接受 WebSocket 连接并注册到 Hub
type WebSocketHandler struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewWebSocketHandler 创建 WebSocket 入口
// checkOrigin 为 nil 时接受任意来源（与 CORS 配置保持一致由调用方决定）
func NewWebSocketHandler(hub *Hub, pingInterval time.Duration, checkOrigin func(r *http.Request) bool, logger *zap.Logger) *WebSocketHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// ServeHTTP 升级连接后阻塞读取，直到对端断开
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		h.logger.Debug("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	handle := h.hub.Subscribe(&wsConn{conn: conn})
	defer h.hub.Unsubscribe(handle)

	stop := make(chan struct{})
	defer close(stop)
	if h.pingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
		})
		go h.pingLoop(conn, stop)
	}

	// viewer 不需要发送数据；读循环只用于感知断开
	conn.SetReadLimit(maxViewerMessageSize)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHandler) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout)); err != nil {
				return
			}
		}
	}
}
