package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ottowrite/backend/internal/authtoken"
)

func newRouter(t *testing.T) (*gin.Engine, *authtoken.Signer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	signer, err := authtoken.NewSigner("middleware-secret")
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	r.GET("/me", AuthMiddleware(signer), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("userId")+"/"+c.GetString("username"))
	})
	return r, signer
}

func TestAuthMiddleware(t *testing.T) {
	r, signer := newRouter(t)
	access, _, _ := signer.SignAccessToken("u1", "alice", time.Minute)
	refresh, _, _ := signer.SignRefreshToken("u1", "alice", time.Minute)

	cases := []struct {
		name   string
		header string
		query  string
		code   int
		body   string
	}{
		{"bearer header", "Bearer " + access, "", http.StatusOK, "u1/alice"},
		{"lowercase bearer", "bearer " + access, "", http.StatusOK, "u1/alice"},
		{"query token", "", "?token=" + access, http.StatusOK, "u1/alice"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized, ""},
		{"refresh token", "Bearer " + refresh, "", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.code {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.code, w.Body.String())
			}
			if tc.body != "" && w.Body.String() != tc.body {
				t.Fatalf("body = %q, want %q", w.Body.String(), tc.body)
			}
		})
	}
}

func TestExtractBearer(t *testing.T) {
	if got := extractBearer("Bearer  abc "); got != "abc" {
		t.Fatalf("extractBearer = %q", got)
	}
	if got := extractBearer("Basic abc"); got != "" {
		t.Fatalf("extractBearer(Basic) = %q", got)
	}
}
