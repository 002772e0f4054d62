package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ottowrite/backend/internal/collab"
	"ottowrite/backend/internal/httpapi/middleware"
)

type ManagerOptions struct {
	// 允许的 Origin 前缀；空 Origin 总是允许（非浏览器客户端）
	AllowedOrigins []string
	PresenceTTL    time.Duration
	SubmitTimeout  time.Duration
	SendBuffer     int
}

type Manager struct {
	h        *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	opt      ManagerOptions
	upgrader websocket.Upgrader
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, opt ManagerOptions) *Manager {
	if len(opt.AllowedOrigins) == 0 {
		opt.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"}
	}
	if opt.PresenceTTL <= 0 {
		opt.PresenceTTL = 90 * time.Second
	}
	if opt.SubmitTimeout <= 0 {
		opt.SubmitTimeout = 200 * time.Millisecond
	}
	if opt.SendBuffer <= 0 {
		opt.SendBuffer = 256
	}
	m := &Manager{h: h, svc: svc, sem: sem, opt: opt}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opt.AllowedOrigins {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect upgrades an authenticated request; the auth middleware has
// already stored userId and username in the gin context.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	username := c.GetString(middleware.ContextUsername)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, userID, username, m.svc, m.sem, m.opt)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.Enqueue(ServerMessage{Type: TypeWelcome, UserID: userID, Content: username})

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
