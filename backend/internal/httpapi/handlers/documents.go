package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ottowrite/backend/internal/collab"
	"ottowrite/backend/internal/httpapi/middleware"
)

// 单次追平最多返回的操作数
const maxOpsPerPage = 500

type Documents struct {
	svc collab.Service
}

func NewDocuments(svc collab.Service) *Documents {
	return &Documents{svc: svc}
}

// Register 挂在已经带鉴权中间件的路由组上
func (d *Documents) Register(g *gin.RouterGroup) {
	g.POST("/docs", d.CreateDocument)
	g.GET("/docs/:documentID", d.GetDocument)
	g.GET("/docs/:documentID/ops", d.OpsSince)
	g.POST("/docs/:documentID/snapshot", d.SaveSnapshot)
}

type createDocumentRequest struct {
	Title string `json:"title"`
}

func (d *Documents) CreateDocument(c *gin.Context) {
	//从gin.Context获取用户信息；gin.Context对每个用户天然隔离
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User context missing"})
		return
	}
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title required"})
		return
	}
	docID, err := d.svc.CreateDocument(c.Request.Context(), userID, req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "ownerId": userID, "title": req.Title, "createdAt": time.Now().Format(time.RFC3339)})
}

func (d *Documents) GetDocument(c *gin.Context) {
	documentID := c.Param("documentID")
	content, revision, err := d.svc.LoadDocumentContent(c.Request.Context(), documentID)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": documentID, "content": content, "revision": revision})
}

// OpsSince 返回 since 之后已提交的操作，客户端断线后可以据此追平
func (d *Documents) OpsSince(c *gin.Context) {
	documentID := c.Param("documentID")
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(maxOpsPerPage)))
	if err != nil || limit <= 0 || limit > maxOpsPerPage {
		limit = maxOpsPerPage
	}
	ops, err := d.svc.OpsSince(c.Request.Context(), documentID, since, limit)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	head, err := d.svc.CurrentRevision(c.Request.Context(), documentID)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": documentID, "revision": head, "ops": ops})
}

func (d *Documents) SaveSnapshot(c *gin.Context) {
	documentID := c.Param("documentID")
	if err := d.svc.SaveSnapshot(c.Request.Context(), documentID); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": documentID, "message": "saved"})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrRevisionConflict):
		// 环形缓冲已经覆盖了请求的起点，只能重新拉快照
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
