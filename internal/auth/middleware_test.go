package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"telehealth-calls/internal/config"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T, mw func(*Manager) gin.HandlerFunc) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, err := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	r := gin.New()
	r.GET("/x", mw(m), func(c *gin.Context) {
		uid, _ := UserID(c.Request.Context())
		role, _ := Role(c.Request.Context())
		c.String(http.StatusOK, uid+"/"+role)
	})
	return r, m
}

func TestRequireAccessToken_Header(t *testing.T) {
	r, m := newTestRouter(t, RequireAccessToken)
	p, _ := m.IssuePair(time.Now(), "doc-1", "doctor")

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "doc-1/doctor" {
		t.Fatalf("unexpected response %d %q", w.Code, w.Body.String())
	}
}

func TestRequireAccessToken_IgnoresQuery(t *testing.T) {
	r, m := newTestRouter(t, RequireAccessToken)
	p, _ := m.IssuePair(time.Now(), "doc-1", "doctor")

	req := httptest.NewRequest(http.MethodGet, "/x?token="+p.AccessToken, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAccessTokenOrQuery(t *testing.T) {
	r, m := newTestRouter(t, RequireAccessTokenOrQuery)
	p, _ := m.IssuePair(time.Now(), "pat-1", "patient")

	req := httptest.NewRequest(http.MethodGet, "/x?token="+p.AccessToken, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "pat-1/patient" {
		t.Fatalf("unexpected response %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/x?token=garbage", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}
}
