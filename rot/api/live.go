package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"proxyrot/rot/core/stats"
)

/************** 实时会话推送 **************/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 管理端自用，跨域交给部署层
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub 把完成的会话记录推给所有 websocket 订阅者。
// 实现 stats.Sink；Record 不阻塞（每客户端带缓冲，满了踢掉）。
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan stats.Record
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan stats.Record)}
}

func (h *Hub) Record(r stats.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, ch := range h.clients {
		select {
		case ch <- r:
		default:
			// 订阅者跟不上：踢掉，避免拖住会话线程
			delete(h.clients, c)
			close(ch)
			_ = c.Close()
		}
	}
}

func (h *Hub) add(c *websocket.Conn) chan stats.Record {
	ch := make(chan stats.Record, 64)
	h.mu.Lock()
	h.clients[c] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(ch)
	}
	h.mu.Unlock()
	_ = c.Close()
}

// Close 踢掉所有订阅者（停机用）
func (h *Hub) Close() {
	h.mu.Lock()
	for c, ch := range h.clients {
		delete(h.clients, c)
		close(ch)
		_ = c.Close()
	}
	h.mu.Unlock()
}

func (s *Server) live(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		apiLog.Debugf("ws upgrade failed from %s: %v", c.ClientIP(), err)
		return
	}
	ch := s.Hub.add(ws)
	defer s.Hub.remove(ws)

	// 读协程只为感知对端关闭
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteJSON(rec); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
