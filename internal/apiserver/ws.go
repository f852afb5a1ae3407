// ws.go — /ws 事件推流: 把事件总线 fan-out 到 WebSocket 客户端。
package apiserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/go-coord/internal/bus"
	"github.com/multi-agent/go-coord/pkg/logger"
	"github.com/multi-agent/go-coord/pkg/util"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var wsConnSeq atomic.Int64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     checkLocalOrigin,
}

// checkLocalOrigin 仅允许无 Origin (非浏览器客户端) 或 localhost 来源。
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origin = strings.ToLower(origin)
	for _, allowed := range []string{
		"http://localhost", "https://localhost",
		"http://127.0.0.1", "https://127.0.0.1",
		"http://[::1]", "https://[::1]",
	} {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	logger.Warnw("ws: rejected non-local origin", "origin", origin)
	return false
}

// wsConn WebSocket 连接 + 写锁 (gorilla/websocket 不安全并发写)。
type wsConn struct {
	ws        *websocket.Conn
	wrMu      sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) closeNow() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		_ = c.ws.Close()
	})
}

// wsHandler 升级连接并把总线事件推给客户端。
//
// query 参数 topic 为前缀过滤 (如 "meeting.{id}" / "agent.alice"),
// 缺省订阅全部事件。事件通道满时总线侧丢弃, 客户端据 seq 检测缺口
// 并回查 REST 历史接口补齐。
func (s *Server) wsHandler(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorw("ws: upgrade failed", logger.FieldError, err.Error())
		return
	}

	filter := c.Query("topic")
	if filter == "" {
		filter = bus.TopicAll
	}
	subID := "ws-" + uuid.New().String()[:8]
	sub := s.coord.Bus().Subscribe(subID, filter)

	conn := &wsConn{ws: ws, closeCh: make(chan struct{})}
	connID := wsConnSeq.Add(1)
	logger.Infow("ws: client connected", "conn", connID, "filter", filter)

	// 读循环只负责探测断开 (推流端点不处理入站消息)
	util.SafeGo(func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				conn.closeNow()
				return
			}
		}
	})

	defer func() {
		s.coord.Bus().Unsubscribe(subID)
		conn.closeNow()
		logger.Infow("ws: client disconnected", "conn", connID)
	}()

	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()
	for {
		select {
		case <-conn.closeCh:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.Ch:
			if !ok {
				return
			}
			if err := conn.writeJSON(ev); err != nil {
				logger.Warnw("ws: write failed", "conn", connID, logger.FieldError, err.Error())
				return
			}
		case <-pinger.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
