package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ottowrite/backend/internal/authtoken"
)

const (
	ContextUserID   = "userId"
	ContextUsername = "username"
)

// AuthMiddleware verifies an access token locally and stores the user in the
// gin context under ContextUserID and ContextUsername.
func AuthMiddleware(signer *authtoken.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := tokenFromRequest(c)
		if raw == "" {
			unauthenticated(c, "Authorization header is missing or invalid")
			return
		}
		claims, err := signer.ParseToken(raw)
		switch {
		case err != nil:
			unauthenticated(c, err.Error())
			return
		case claims.Type != authtoken.TypeAccess:
			// 刷新 token 只能用来换新的访问 token
			unauthenticated(c, "access token required")
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Next()
	}
}

// 浏览器的 WebSocket 不能带自定义 Header，允许 ?token= 兜底
func tokenFromRequest(c *gin.Context) string {
	if tok := extractBearer(c.GetHeader("Authorization")); tok != "" {
		return tok
	}
	return strings.TrimSpace(c.Query("token"))
}

func extractBearer(header string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func unauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": msg})
}
