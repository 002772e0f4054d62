package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ottowrite/backend/internal/cache"
)

type PresenceHandler struct {
	presence cache.PresenceCache
	ttl      time.Duration
}

func NewPresenceHandler(p cache.PresenceCache, ttl time.Duration) *PresenceHandler {
	return &PresenceHandler{presence: p, ttl: ttl}
}

func (h *PresenceHandler) Register(g *gin.RouterGroup) {
	g.GET("/docs/:documentID/presence", h.Online)
}

type onlineMember struct {
	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	Color      string    `json:"color"`
	LastActive time.Time `json:"lastActive"`
}

// Online 列出文档当前在线的成员；读取时顺带清理过期成员
func (h *PresenceHandler) Online(c *gin.Context) {
	docID := c.Param("documentID")
	alive, err := h.presence.GetAliveMembers(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	members := make([]onlineMember, 0, len(alive))
	for _, m := range alive {
		members = append(members, onlineMember{
			UserID:     m.UserID,
			Username:   m.Username,
			Color:      m.Color,
			LastActive: m.ExpireAt.Add(-h.ttl),
		})
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "members": members})
}
